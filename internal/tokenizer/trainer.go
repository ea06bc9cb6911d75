package tokenizer

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/emirpasic/gods/v2/trees/binaryheap"
)

// TrainerConfig controls BPE training
type TrainerConfig struct {
	VocabSize     int
	MinFrequency  int
	SpecialTokens []string
	Options       *TokenizerOptions
}

type pair struct {
	left, right int
}

type pairCount struct {
	pair  pair
	count int
}

type word struct {
	symbols []int
	count   int
}

// comparePairs orders the merge queue: higher count first, then the pair
// with the lower ids, which keeps training deterministic.
func comparePairs(a, b pairCount) int {
	if c := cmp.Compare(b.count, a.count); c != 0 {
		return c
	}
	if c := cmp.Compare(a.pair.left, b.pair.left); c != 0 {
		return c
	}
	return cmp.Compare(a.pair.right, b.pair.right)
}

// Train learns a vocabulary and merge list from texts. Special tokens take
// the first ids, then the alphabet in code point order, then the suffixed
// alphabet, then merged tokens in merge order. Merging stops at VocabSize or
// when the best pair occurs fewer than MinFrequency times.
func Train(texts []string, cfg TrainerConfig) (*Tokenizer, error) {
	opts := cfg.Options
	if opts == nil {
		opts = NewDefaultTokenizerOptions()
	}
	if cfg.VocabSize <= len(cfg.SpecialTokens) {
		return nil, fmt.Errorf("vocab size %d must exceed the %d special tokens", cfg.VocabSize, len(cfg.SpecialTokens))
	}
	minFreq := max(cfg.MinFrequency, 1)

	// Count words
	wordCounts := make(map[string]int)
	for _, text := range texts {
		for _, w := range PreTokenize(normalize(text, opts)) {
			wordCounts[w]++
		}
	}
	wordList := make([]string, 0, len(wordCounts))
	for w := range wordCounts {
		wordList = append(wordList, w)
	}
	slices.Sort(wordList)

	// Initial vocabulary
	var tokens []string
	vocab := make(map[string]int)
	add := func(tok string) int {
		if id, ok := vocab[tok]; ok {
			return id
		}
		vocab[tok] = len(tokens)
		tokens = append(tokens, tok)
		return vocab[tok]
	}
	for _, s := range cfg.SpecialTokens {
		add(s)
	}

	alphabet := make(map[rune]bool)
	finals := make(map[rune]bool)
	for _, w := range wordList {
		rs := []rune(w)
		if len(rs) == 0 {
			continue
		}
		for _, r := range rs {
			alphabet[r] = true
		}
		finals[rs[len(rs)-1]] = true
	}
	for _, r := range sortedRunes(alphabet) {
		add(string(r))
	}
	for _, r := range sortedRunes(finals) {
		add(string(r) + opts.Suffix)
	}
	if opts.UnkToken != "" {
		add(opts.UnkToken)
	}

	words := make([]word, len(wordList))
	for i, w := range wordList {
		rs := []rune(w)
		syms := make([]int, len(rs))
		for j, r := range rs {
			if j == len(rs)-1 {
				syms[j] = vocab[string(r)+opts.Suffix]
			} else {
				syms[j] = vocab[string(r)]
			}
		}
		words[i] = word{symbols: syms, count: wordCounts[w]}
	}

	// Pair statistics
	counts := make(map[pair]int)
	where := make(map[pair]map[int]struct{})
	for i, w := range words {
		for j := 0; j+1 < len(w.symbols); j++ {
			p := pair{w.symbols[j], w.symbols[j+1]}
			counts[p] += w.count
			if where[p] == nil {
				where[p] = make(map[int]struct{})
			}
			where[p][i] = struct{}{}
		}
	}

	queue := binaryheap.NewWith(comparePairs)
	for _, p := range sortedPairs(counts) {
		queue.Push(pairCount{pair: p, count: counts[p]})
	}

	var merges []Merge
	for len(tokens) < cfg.VocabSize {
		top, ok := queue.Pop()
		if !ok {
			break
		}
		if cur := counts[top.pair]; cur != top.count {
			if cur > 0 {
				queue.Push(pairCount{pair: top.pair, count: cur})
			}
			continue
		}
		if top.count < minFreq {
			break
		}

		left, right := tokens[top.pair.left], tokens[top.pair.right]
		newID := add(left + right)
		merges = append(merges, Merge{Left: left, Right: right})

		affected := make([]int, 0, len(where[top.pair]))
		for i := range where[top.pair] {
			affected = append(affected, i)
		}
		slices.Sort(affected)

		changed := make(map[pair]bool)
		for _, i := range affected {
			w := &words[i]
			for j := 0; j+1 < len(w.symbols); j++ {
				p := pair{w.symbols[j], w.symbols[j+1]}
				counts[p] -= w.count
				changed[p] = true
			}
			w.symbols = mergeSymbols(w.symbols, top.pair, newID)
			for j := 0; j+1 < len(w.symbols); j++ {
				p := pair{w.symbols[j], w.symbols[j+1]}
				counts[p] += w.count
				changed[p] = true
				if where[p] == nil {
					where[p] = make(map[int]struct{})
				}
				where[p][i] = struct{}{}
			}
		}
		delete(where, top.pair)

		for _, p := range sortedPairs(changed) {
			if counts[p] <= 0 {
				delete(counts, p)
				continue
			}
			queue.Push(pairCount{pair: p, count: counts[p]})
		}
	}

	return NewTokenizer(tokens, merges, cfg.SpecialTokens, opts)
}

// mergeSymbols replaces non-overlapping occurrences of p, left to right
func mergeSymbols(symbols []int, p pair, id int) []int {
	out := make([]int, 0, len(symbols))
	for i := 0; i < len(symbols); i++ {
		if i+1 < len(symbols) && symbols[i] == p.left && symbols[i+1] == p.right {
			out = append(out, id)
			i++
			continue
		}
		out = append(out, symbols[i])
	}
	return out
}

func sortedRunes(set map[rune]bool) []rune {
	rs := make([]rune, 0, len(set))
	for r := range set {
		rs = append(rs, r)
	}
	slices.Sort(rs)
	return rs
}

func sortedPairs[V any](m map[pair]V) []pair {
	ps := make([]pair, 0, len(m))
	for p := range m {
		ps = append(ps, p)
	}
	slices.SortFunc(ps, func(a, b pair) int {
		if c := cmp.Compare(a.left, b.left); c != 0 {
			return c
		}
		return cmp.Compare(a.right, b.right)
	})
	return ps
}
