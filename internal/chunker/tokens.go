package chunker

import (
	"math"
	"unicode"
)

// DefaultMultiplier corrects the estimate upward so it does not undercount
// relative to the embedding provider's own tokenizer.
const DefaultMultiplier = 1.15

// Counter estimates subword token counts.
type Counter struct {
	Multiplier float64
}

// CountTokens estimates text with the default multiplier.
func CountTokens(text string) int {
	return Counter{Multiplier: DefaultMultiplier}.Count(text)
}

// Count returns the scaled estimate for text, rounded up.
func (c Counter) Count(text string) int {
	return c.scale(rawTokens(text))
}

func (c Counter) scale(raw int) int {
	m := c.Multiplier
	if m <= 0 {
		m = DefaultMultiplier
	}
	if raw == 0 {
		return 0
	}
	// the epsilon keeps float error from pushing exact products up a token
	return int(math.Ceil(float64(raw)*m - 1e-9))
}

type runeClass int

const (
	classSpace runeClass = iota
	classLetter
	classDigit
	classSingle
)

func classify(r rune) runeClass {
	switch {
	case unicode.IsSpace(r):
		return classSpace
	case isIdeograph(r):
		return classSingle
	case unicode.IsLetter(r):
		return classLetter
	case unicode.IsDigit(r):
		return classDigit
	default:
		return classSingle
	}
}

func isIdeograph(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// rawTokens approximates a subword tokenizer: runs of letters become
// ~4-character pieces, runs of digits ~3-character pieces, and every other
// non-space rune (punctuation, symbols, ideographs) is a token of its own.
// Text separated by whitespace counts independently, so the raw count of
// a space-joined text is the sum of its parts.
func rawTokens(text string) int {
	total := 0
	run := 0
	cls := classSpace
	flush := func() {
		switch cls {
		case classLetter:
			total += (run + 3) / 4
		case classDigit:
			total += (run + 2) / 3
		}
		run = 0
	}
	for _, r := range text {
		c := classify(r)
		if c != cls {
			flush()
			cls = c
		}
		switch c {
		case classLetter, classDigit:
			run++
		case classSingle:
			total++
		}
	}
	flush()
	return total
}
