// Package tokenizer implements a character level byte-pair-encoding
// tokenizer: a BERT style normalizer and pre-tokenizer, an end-of-word
// suffix and a deterministic merge trainer.
package tokenizer

import (
	"fmt"
	"strings"

	"github.com/dlclark/regexp2"
)

// TokenizerOptions contains configuration options for the tokenizer
type TokenizerOptions struct {
	// Special tokens
	BosToken  string
	PadToken  string
	EosToken  string
	UnkToken  string
	MaskToken string

	// Suffix marks the last symbol of every word
	Suffix string

	// Processing options
	CleanText          bool
	HandleChineseChars bool
	StripAccents       bool
	LowerCase          bool
}

// NewDefaultTokenizerOptions creates default options for the tokenizer
func NewDefaultTokenizerOptions() *TokenizerOptions {
	return &TokenizerOptions{
		BosToken:  "<s>",
		PadToken:  "<pad>",
		EosToken:  "</s>",
		UnkToken:  "<unk>",
		MaskToken: "<mask>",

		Suffix: "</w>",

		CleanText:          true,
		HandleChineseChars: true,
		StripAccents:       false,
		LowerCase:          false,
	}
}

// Merge is one learned pair, applied in rank order
type Merge struct {
	Left  string
	Right string
}

// Tokenizer encodes text with a fixed vocabulary and merge list
type Tokenizer struct {
	Vocabulary    map[string]int
	IdToToken     []string
	Merges        []Merge
	SpecialTokens []string
	Options       *TokenizerOptions

	ranks   map[Merge]int
	special *regexp2.Regexp
}

// punctuation follows the BERT definition: Unicode P plus ASCII symbols
const punctuation = `\p{P}!-/:-@\[-` + "`" + `{-~`

var preTokenizer = regexp2.MustCompile(`[`+punctuation+`]|[^\s`+punctuation+`]+`, regexp2.None)

// NewTokenizer creates a tokenizer from an id-ordered token list and merges
func NewTokenizer(tokens []string, merges []Merge, specialTokens []string, options *TokenizerOptions) (*Tokenizer, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("vocabulary cannot be empty")
	}
	if options == nil {
		options = NewDefaultTokenizerOptions()
	}

	t := &Tokenizer{
		Vocabulary:    make(map[string]int, len(tokens)),
		IdToToken:     append([]string(nil), tokens...),
		Merges:        append([]Merge(nil), merges...),
		SpecialTokens: append([]string(nil), specialTokens...),
		Options:       options,
		ranks:         make(map[Merge]int, len(merges)),
	}
	for id, tok := range tokens {
		if _, dup := t.Vocabulary[tok]; dup {
			return nil, fmt.Errorf("duplicate token %q at id %d", tok, id)
		}
		t.Vocabulary[tok] = id
	}
	for rank, m := range merges {
		if _, ok := t.Vocabulary[m.Left+m.Right]; !ok {
			return nil, fmt.Errorf("merge %d (%q %q) produces a token missing from the vocabulary", rank, m.Left, m.Right)
		}
		if _, seen := t.ranks[m]; !seen {
			t.ranks[m] = rank
		}
	}
	for _, s := range specialTokens {
		if _, ok := t.Vocabulary[s]; !ok {
			return nil, fmt.Errorf("special token %q missing from the vocabulary", s)
		}
	}
	if _, ok := t.Vocabulary[options.UnkToken]; !ok {
		return nil, fmt.Errorf("unknown token %q missing from the vocabulary", options.UnkToken)
	}

	if len(specialTokens) > 0 {
		escaped := make([]string, len(specialTokens))
		for i, s := range specialTokens {
			escaped[i] = regexp2.Escape(s)
		}
		re, err := regexp2.Compile(strings.Join(escaped, "|"), regexp2.None)
		if err != nil {
			return nil, fmt.Errorf("compile special token pattern: %w", err)
		}
		t.special = re
	}
	return t, nil
}

// VocabSize returns the number of tokens
func (t *Tokenizer) VocabSize() int {
	return len(t.IdToToken)
}

// TokenID returns the id of tok, or the unknown token id
func (t *Tokenizer) TokenID(tok string) int {
	if id, ok := t.Vocabulary[tok]; ok {
		return id
	}
	return t.Vocabulary[t.Options.UnkToken]
}

// PadID returns the id of the padding token
func (t *Tokenizer) PadID() int {
	return t.TokenID(t.Options.PadToken)
}

// PreTokenize splits normalized text into words and single punctuation marks
func PreTokenize(text string) []string {
	var words []string
	m, err := preTokenizer.FindStringMatch(text)
	for err == nil && m != nil {
		words = append(words, m.String())
		m, err = preTokenizer.FindNextMatch(m)
	}
	return words
}

// splitSpecial separates special tokens that appear verbatim in text.
// Segments flagged true are special tokens.
func (t *Tokenizer) splitSpecial(text string) ([]string, []bool) {
	if t.special == nil {
		return []string{text}, []bool{false}
	}
	var parts []string
	var isSpecial []bool
	runesText := []rune(text)
	last := 0
	m, err := t.special.FindStringMatch(text)
	for err == nil && m != nil {
		// regexp2 reports rune offsets
		if m.Index > last {
			parts = append(parts, string(runesText[last:m.Index]))
			isSpecial = append(isSpecial, false)
		}
		parts = append(parts, m.String())
		isSpecial = append(isSpecial, true)
		last = m.Index + m.Length
		m, err = t.special.FindNextMatch(m)
	}
	if last < len(runesText) {
		parts = append(parts, string(runesText[last:]))
		isSpecial = append(isSpecial, false)
	}
	return parts, isSpecial
}

// Tokenize splits text into vocabulary tokens
func (t *Tokenizer) Tokenize(text string) []string {
	var tokens []string
	parts, isSpecial := t.splitSpecial(text)
	for i, part := range parts {
		if isSpecial[i] {
			tokens = append(tokens, part)
			continue
		}
		for _, word := range PreTokenize(t.Normalize(part)) {
			tokens = append(tokens, t.bpe(word)...)
		}
	}
	return tokens
}

// bpe applies the merges to one word, lowest rank first
func (t *Tokenizer) bpe(word string) []string {
	chars := []rune(word)
	symbols := make([]string, len(chars))
	for i, c := range chars {
		symbols[i] = string(c)
	}
	if len(symbols) > 0 {
		symbols[len(symbols)-1] += t.Options.Suffix
	}

	for len(symbols) > 1 {
		bestIdx, bestRank := -1, -1
		for i := 0; i < len(symbols)-1; i++ {
			if rank, ok := t.ranks[Merge{symbols[i], symbols[i+1]}]; ok && (bestRank == -1 || rank < bestRank) {
				bestIdx, bestRank = i, rank
			}
		}
		if bestIdx < 0 {
			break
		}

		best := Merge{symbols[bestIdx], symbols[bestIdx+1]}
		merged := make([]string, 0, len(symbols)-1)
		for i := 0; i < len(symbols); i++ {
			if i < len(symbols)-1 && symbols[i] == best.Left && symbols[i+1] == best.Right {
				merged = append(merged, best.Left+best.Right)
				i++
				continue
			}
			merged = append(merged, symbols[i])
		}
		symbols = merged
	}

	for i, s := range symbols {
		if _, ok := t.Vocabulary[s]; !ok {
			symbols[i] = t.Options.UnkToken
		}
	}
	return symbols
}

// Encode converts text to token ids without special tokens
func (t *Tokenizer) Encode(text string) []int {
	tokens := t.Tokenize(text)
	ids := make([]int, len(tokens))
	for i, tok := range tokens {
		ids[i] = t.TokenID(tok)
	}
	return ids
}

// EncodeForModel wraps the ids of text in <s> ... </s> and truncates the
// content so the result never exceeds maxLen ids.
func (t *Tokenizer) EncodeForModel(text string, maxLen int) []int {
	ids := t.Encode(text)
	if maxLen > 2 && len(ids) > maxLen-2 {
		ids = ids[:maxLen-2]
	}
	out := make([]int, 0, len(ids)+2)
	out = append(out, t.TokenID(t.Options.BosToken))
	out = append(out, ids...)
	return append(out, t.TokenID(t.Options.EosToken))
}

// Decode converts ids back to text, turning suffixes into word breaks
func (t *Tokenizer) Decode(ids []int, skipSpecialTokens bool) (string, error) {
	special := make(map[string]bool, len(t.SpecialTokens))
	for _, s := range t.SpecialTokens {
		special[s] = true
	}

	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(t.IdToToken) {
			return "", fmt.Errorf("token id %d outside vocabulary of %d", id, len(t.IdToToken))
		}
		tok := t.IdToToken[id]
		if skipSpecialTokens && special[tok] {
			continue
		}
		sb.WriteString(strings.ReplaceAll(tok, t.Options.Suffix, " "))
	}
	return strings.TrimRight(sb.String(), " "), nil
}
