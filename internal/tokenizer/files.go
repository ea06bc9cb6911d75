package tokenizer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const mergesHeader = "#version: 0.2"

// VocabPath returns the vocabulary file written by Save
func VocabPath(dir, prefix string) string {
	return filepath.Join(dir, prefix+"-vocab.json")
}

// MergesPath returns the merges file written by Save
func MergesPath(dir, prefix string) string {
	return filepath.Join(dir, prefix+"-merges.txt")
}

// Save writes <prefix>-vocab.json and <prefix>-merges.txt into dir and
// returns the written paths.
func (t *Tokenizer) Save(dir, prefix string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tokenizer directory: %w", err)
	}

	vocab := orderedmap.New[string, int]()
	for id, tok := range t.IdToToken {
		vocab.Set(tok, id)
	}
	data, err := marshalVocab(vocab)
	if err != nil {
		return nil, fmt.Errorf("marshal vocabulary: %w", err)
	}
	vocabPath := VocabPath(dir, prefix)
	if err := os.WriteFile(vocabPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("write vocabulary: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(mergesHeader + "\n")
	for _, m := range t.Merges {
		sb.WriteString(m.Left + " " + m.Right + "\n")
	}
	mergesPath := MergesPath(dir, prefix)
	if err := os.WriteFile(mergesPath, []byte(sb.String()), 0o644); err != nil {
		return nil, fmt.Errorf("write merges: %w", err)
	}
	return []string{vocabPath, mergesPath}, nil
}

// marshalVocab writes the map in insertion order without HTML escaping, so
// tokens such as "<s>" stay readable.
func marshalVocab(vocab *orderedmap.OrderedMap[string, int]) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	out := []byte{'{'}
	for pair := vocab.Oldest(); pair != nil; pair = pair.Next() {
		buf.Reset()
		if err := enc.Encode(pair.Key); err != nil {
			return nil, err
		}
		if len(out) > 1 {
			out = append(out, ',')
		}
		out = append(out, bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})...)
		out = append(out, ':')
		out = strconv.AppendInt(out, int64(pair.Value), 10)
	}
	return append(out, '}'), nil
}

// Load reads the files written by Save. Tokens in specialTokens keep their
// special handling.
func Load(dir, prefix string, specialTokens []string, options *TokenizerOptions) (*Tokenizer, error) {
	data, err := os.ReadFile(VocabPath(dir, prefix))
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	vocab := orderedmap.New[string, int]()
	if err := json.Unmarshal(data, vocab); err != nil {
		return nil, fmt.Errorf("parse vocabulary: %w", err)
	}

	tokens := make([]string, vocab.Len())
	seen := make([]bool, vocab.Len())
	for pair := vocab.Oldest(); pair != nil; pair = pair.Next() {
		id := pair.Value
		if id < 0 || id >= len(tokens) || seen[id] {
			return nil, fmt.Errorf("vocabulary ids must be unique and dense, got %d for %q", id, pair.Key)
		}
		tokens[id] = pair.Key
		seen[id] = true
	}

	f, err := os.Open(MergesPath(dir, prefix))
	if err != nil {
		return nil, fmt.Errorf("open merges: %w", err)
	}
	defer f.Close()

	var merges []Merge
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if text == "" || (line == 1 && strings.HasPrefix(text, "#version")) {
			continue
		}
		left, right, ok := strings.Cut(text, " ")
		if !ok || left == "" || right == "" {
			return nil, fmt.Errorf("merges line %d: expected two symbols, got %q", line, text)
		}
		merges = append(merges, Merge{Left: left, Right: right})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read merges: %w", err)
	}

	return NewTokenizer(tokens, merges, specialTokens, options)
}
