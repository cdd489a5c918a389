package chunker

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountTokens(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"   \n\t", 0},
		{"abcd", 2},
		{"hello world.", 6},
		{"12345", 3},
		{"你好", 3},
		{"state-of-the-art", 10},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CountTokens(c.text), c.text)
	}
	// 20 raw tokens scale to exactly 23, not 24
	assert.Equal(t, 23, Counter{Multiplier: 1.15}.scale(20))
}

func TestCountTokensMonotone(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	alphabet := []rune("abcdefghij0123456789 .,!?-\n你好é")
	var b strings.Builder
	prev := 0
	for i := 0; i < 3000; i++ {
		b.WriteRune(alphabet[rng.Intn(len(alphabet))])
		n := CountTokens(b.String())
		require.GreaterOrEqual(t, n, prev, "prefix %q", b.String())
		prev = n
	}
}

func TestSplitSentences(t *testing.T) {
	got := SplitSentences("First one. Second one!  Third?\"  Version 1.5 ships.\n\nNo terminator here\nstill same\n \nNext para。中文句子。")
	assert.Equal(t, []string{
		"First one.",
		"Second one!",
		"Third?\"",
		"Version 1.5 ships.",
		"No terminator here\nstill same",
		"Next para。",
		"中文句子。",
	}, got)
}

func TestShortDocumentIsOneChunk(t *testing.T) {
	c := New(Options{MaxTokens: 100, OverlapTokens: 10})
	pieces := c.Split("  Just a short note.\nNothing more.  ")
	require.Len(t, pieces, 1)
	assert.Equal(t, "Just a short note.\nNothing more.", pieces[0].Text)
	assert.Equal(t, 0, pieces[0].Index)
	assert.Equal(t, len([]rune(pieces[0].Text)), pieces[0].CharCount)
	assert.Nil(t, c.Split("   "))
}

// word returns a unique four-letter word for i.
func word(i int) string {
	b := make([]byte, 4)
	for j := 3; j >= 0; j-- {
		b[j] = byte('a' + i%26)
		i /= 26
	}
	return string(b)
}

func TestThreeChunkDocument(t *testing.T) {
	// 135 sentences of 19 four-letter words plus a period: 20 raw tokens,
	// 23 estimated tokens each, 3105 for the document.
	var sentences []string
	n := 0
	for s := 0; s < 135; s++ {
		words := make([]string, 19)
		for w := range words {
			words[w] = word(n)
			n++
		}
		sentences = append(sentences, strings.Join(words, " ")+".")
	}
	doc := strings.Join(sentences, " ")
	require.Equal(t, 3105, CountTokens(doc))

	pieces := New(Options{MaxTokens: 1500, OverlapTokens: 50, Multiplier: 1.15}).Split(doc)
	require.Len(t, pieces, 3)

	for i, p := range pieces {
		assert.Equal(t, i, p.Index)
		assert.LessOrEqual(t, p.TokenCount, 1500)
	}
	// chunk 1 and 2 share the last two sentences of chunk 1
	shared := strings.Join(sentences[63:65], " ")
	assert.True(t, strings.HasSuffix(pieces[0].Text, shared))
	assert.True(t, strings.HasPrefix(pieces[1].Text, shared))
	assert.Equal(t, len(shared), pieces[1].Overlap)
	// chunk 3 is the remainder
	assert.True(t, strings.HasSuffix(pieces[2].Text, sentences[134]))
	assert.True(t, strings.HasPrefix(pieces[2].Text, sentences[126]))

	assertReconstructs(t, doc, pieces)
}

func randomDoc(rng *rand.Rand, sentences, maxWords int) string {
	var b strings.Builder
	for s := 0; s < sentences; s++ {
		n := 1 + rng.Intn(maxWords)
		for w := 0; w < n; w++ {
			if w > 0 {
				b.WriteByte(' ')
			}
			l := 1 + rng.Intn(9)
			for k := 0; k < l; k++ {
				b.WriteByte(byte('a' + rng.Intn(26)))
			}
		}
		b.WriteString([]string{".", "!", "?"}[rng.Intn(3)])
		if rng.Intn(8) == 0 {
			b.WriteString("\n\n")
		} else {
			b.WriteByte(' ')
		}
	}
	return b.String()
}

func squash(s string) string { return strings.Join(strings.Fields(s), "") }

func assertReconstructs(t *testing.T, doc string, pieces []Piece) {
	t.Helper()
	var b strings.Builder
	for i, p := range pieces {
		if i > 0 {
			require.True(t, strings.HasSuffix(pieces[i-1].Text, p.Text[:p.Overlap]), "overlap of piece %d is a tail of piece %d", i, i-1)
		}
		b.WriteString(p.Text[p.Overlap:])
		b.WriteByte(' ')
	}
	assert.Equal(t, squash(doc), squash(b.String()))
}

func TestChunkingProperties(t *testing.T) {
	for seed := int64(1); seed <= 25; seed++ {
		rng := rand.New(rand.NewSource(seed))
		doc := randomDoc(rng, 40+rng.Intn(200), 10)
		c := New(Options{MaxTokens: 120 + rng.Intn(200), OverlapTokens: 60})

		pieces := c.Split(doc)
		require.NotEmpty(t, pieces)
		for i, p := range pieces {
			assert.Equal(t, i, p.Index)
			assert.LessOrEqual(t, p.TokenCount, c.max, "seed %d piece %d", seed, i)
			assert.Equal(t, c.Count(p.Text), p.TokenCount)
			if i > 0 {
				// every sentence here fits the overlap budget
				assert.Positive(t, p.Overlap, "seed %d piece %d shares no sentence", seed, i)
			}
		}
		assertReconstructs(t, doc, pieces)

		again := c.Split(doc)
		assert.Equal(t, pieces, again, "chunking is deterministic")
	}
}

func TestOversizedSentenceSplitsAtWords(t *testing.T) {
	long := strings.TrimSpace(strings.Repeat("lorem ipsum dolor ", 60)) + "."
	doc := "Intro sentence. " + long + " Outro sentence."
	c := New(Options{MaxTokens: 40, OverlapTokens: 10})

	pieces := c.Split(doc)
	require.Greater(t, len(pieces), 3)
	for _, p := range pieces {
		assert.LessOrEqual(t, p.TokenCount, 40)
	}
	// no overlap is carried into or out of the word-split fallback
	for _, p := range pieces {
		assert.Zero(t, p.Overlap)
	}
	assertReconstructs(t, doc, pieces)
}

func TestSingleOversizedWord(t *testing.T) {
	huge := strings.Repeat("x", 400) // 100 raw tokens
	c := New(Options{MaxTokens: 50, OverlapTokens: 5})
	pieces := c.Split("Small start. " + huge + " small end.")

	var found bool
	for _, p := range pieces {
		if p.Text == huge {
			found = true
			assert.Greater(t, p.TokenCount, 50)
		} else {
			assert.LessOrEqual(t, p.TokenCount, 50)
		}
	}
	assert.True(t, found)
}

func TestNoOverlapWhenBudgetTooSmall(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	doc := randomDoc(rng, 80, 10)
	pieces := New(Options{MaxTokens: 100, OverlapTokens: 1}).Split(doc)
	require.Greater(t, len(pieces), 1)
	for _, p := range pieces {
		assert.Zero(t, p.Overlap)
	}
	assertReconstructs(t, doc, pieces)
}
