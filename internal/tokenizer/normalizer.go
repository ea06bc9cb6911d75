package tokenizer

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize cleans text the way the BERT normalizer does: control characters
// are dropped, whitespace becomes a plain space and CJK ideographs are padded
// with spaces. Accents are stripped and case folded when configured.
func (t *Tokenizer) Normalize(text string) string {
	return normalize(text, t.Options)
}

func normalize(text string, opts *TokenizerOptions) string {
	var sb strings.Builder
	sb.Grow(len(text))
	for _, r := range text {
		switch {
		case opts.CleanText && (r == 0 || r == unicode.ReplacementChar || isControl(r)):
			continue
		case opts.CleanText && isWhitespace(r):
			sb.WriteByte(' ')
		case opts.HandleChineseChars && isChineseChar(r):
			sb.WriteByte(' ')
			sb.WriteRune(r)
			sb.WriteByte(' ')
		default:
			sb.WriteRune(r)
		}
	}
	text = sb.String()

	if opts.StripAccents {
		text = stripAccents(text)
	}
	if opts.LowerCase {
		text = strings.ToLower(text)
	}
	return text
}

// stripAccents decomposes text and drops nonspacing marks
func stripAccents(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, text)
	if err != nil {
		return text
	}
	return out
}

func isWhitespace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return unicode.Is(unicode.Zs, r)
}

func isControl(r rune) bool {
	switch r {
	case '\t', '\n', '\r':
		return false
	}
	return unicode.In(r, unicode.Cc, unicode.Cf, unicode.Co, unicode.Cs)
}

func isChineseChar(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}
