// Package chunker splits extracted document text into token-bounded,
// overlapping chunks.
package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// HardLimit is the embedding provider's own input ceiling. Chunks above it
// must be rejected before any embedding call.
const HardLimit = 8192

// Options configures a Chunker.
type Options struct {
	MaxTokens     int
	OverlapTokens int
	Multiplier    float64
}

// Piece is one chunk of a document.
type Piece struct {
	Index      int
	Text       string
	TokenCount int
	CharCount  int
	// Overlap is the number of leading bytes of Text repeated from the end
	// of the previous piece.
	Overlap int
}

// Chunker is safe for concurrent use.
type Chunker struct {
	max     int
	overlap int
	counter Counter
}

func New(opts Options) *Chunker {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1500
	}
	if opts.OverlapTokens < 0 {
		opts.OverlapTokens = 0
	}
	if opts.Multiplier <= 0 {
		opts.Multiplier = DefaultMultiplier
	}
	return &Chunker{
		max:     opts.MaxTokens,
		overlap: opts.OverlapTokens,
		counter: Counter{Multiplier: opts.Multiplier},
	}
}

// Count estimates tokens with this chunker's multiplier.
func (c *Chunker) Count(text string) int { return c.counter.Count(text) }

type sentence struct {
	text string
	raw  int
}

type draft struct {
	sentences []sentence
	overlap   int // leading sentences carried from the previous draft
}

// Split chunks text. Identical input and options always give the same
// pieces.
func (c *Chunker) Split(text string) []Piece {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if c.counter.Count(text) <= c.max {
		return []Piece{c.piece(0, text, 0)}
	}

	var (
		drafts []draft
		cur    draft
		curRaw int
	)
	flush := func() {
		if len(cur.sentences) > cur.overlap {
			drafts = append(drafts, cur)
		}
		cur, curRaw = draft{}, 0
	}

	for _, s := range SplitSentences(text) {
		sent := sentence{text: s, raw: rawTokens(s)}
		if c.counter.scale(sent.raw) > c.max {
			flush()
			for _, w := range c.splitWords(s) {
				drafts = append(drafts, draft{sentences: []sentence{{text: w, raw: rawTokens(w)}}})
			}
			continue
		}
		if len(cur.sentences) > 0 && c.counter.scale(curRaw+sent.raw) > c.max {
			prev := cur.sentences
			flush()
			cur.sentences = c.overlapWindow(prev, sent.raw)
			cur.overlap = len(cur.sentences)
			for _, o := range cur.sentences {
				curRaw += o.raw
			}
		}
		cur.sentences = append(cur.sentences, sent)
		curRaw += sent.raw
	}
	flush()

	var pieces []Piece
	for _, d := range drafts {
		texts := make([]string, len(d.sentences))
		for i, s := range d.sentences {
			texts[i] = s.text
		}
		body := strings.Join(texts, " ")
		overlapBytes := 0
		if d.overlap > 0 {
			overlapBytes = len(strings.Join(texts[:d.overlap], " "))
		}
		if c.counter.Count(body) <= c.max {
			pieces = append(pieces, c.piece(len(pieces), body, overlapBytes))
			continue
		}
		// over budget after overlap insertion: drop the carried window and
		// re-split what remains at word boundaries
		rest := strings.TrimSpace(body[overlapBytes:])
		for _, w := range c.splitWords(rest) {
			pieces = append(pieces, c.piece(len(pieces), w, 0))
		}
	}
	return pieces
}

// overlapWindow returns the longest tail of up to three sentences that
// fits the overlap budget and still leaves room for the next sentence.
func (c *Chunker) overlapWindow(prev []sentence, nextRaw int) []sentence {
	if c.overlap <= 0 {
		return nil
	}
	for n := min(3, len(prev)); n > 0; n-- {
		tail := prev[len(prev)-n:]
		raw := 0
		for _, s := range tail {
			raw += s.raw
		}
		if c.counter.scale(raw) <= c.overlap && c.counter.scale(raw+nextRaw) <= c.max {
			out := make([]sentence, n)
			copy(out, tail)
			return out
		}
	}
	return nil
}

// splitWords packs words greedily up to the budget. A single word that is
// over budget on its own becomes its own piece.
func (c *Chunker) splitWords(text string) []string {
	var (
		out []string
		cur []string
		raw int
	)
	for _, w := range strings.Fields(text) {
		wr := rawTokens(w)
		if len(cur) > 0 && c.counter.scale(raw+wr) > c.max {
			out = append(out, strings.Join(cur, " "))
			cur, raw = nil, 0
		}
		cur = append(cur, w)
		raw += wr
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, " "))
	}
	return out
}

func (c *Chunker) piece(idx int, text string, overlap int) Piece {
	return Piece{
		Index:      idx,
		Text:       text,
		TokenCount: c.counter.Count(text),
		CharCount:  utf8.RuneCountInString(text),
		Overlap:    overlap,
	}
}

// SplitSentences breaks text after sentence-ending punctuation followed by
// whitespace, and at blank lines. Sentences are trimmed; empty ones are
// dropped.
func SplitSentences(text string) []string {
	var (
		out   []string
		start int
	)
	emit := func(end int) {
		if s := strings.TrimSpace(text[start:end]); s != "" {
			out = append(out, s)
		}
		start = end
	}

	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		next := i + size
		switch {
		case isTerminator(r):
			// absorb closing quotes and brackets
			for next < len(text) {
				nr, ns := utf8.DecodeRuneInString(text[next:])
				if !isCloser(nr) {
					break
				}
				next += ns
			}
			if next >= len(text) {
				emit(len(text))
			} else if nr, _ := utf8.DecodeRuneInString(text[next:]); unicode.IsSpace(nr) || isWideTerminator(r) {
				emit(next)
			}
		case r == '\n':
			j := next
			for j < len(text) && (text[j] == ' ' || text[j] == '\t' || text[j] == '\r') {
				j++
			}
			if j < len(text) && text[j] == '\n' {
				emit(i)
			}
		}
		i = next
	}
	emit(len(text))
	return out
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

// isWideTerminator reports full-width marks, which end a sentence even
// without following whitespace.
func isWideTerminator(r rune) bool {
	return r == '。' || r == '！' || r == '？'
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’', '」', '』':
		return true
	}
	return false
}
