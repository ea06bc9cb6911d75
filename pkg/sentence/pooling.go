package sentence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gptq/sentence/pkg/autodiff"
)

// Pooling modes
const (
	PoolingCLS         = "cls"
	PoolingMax         = "max"
	PoolingMean        = "mean"
	PoolingMeanSqrtLen = "mean_sqrt_len"
)

// poolingOrder fixes the concatenation order of enabled modes
var poolingOrder = []string{PoolingCLS, PoolingMax, PoolingMean, PoolingMeanSqrtLen}

// PoolingConfig is the 1_Pooling/config.json document
type PoolingConfig struct {
	WordEmbeddingDimension int  `json:"word_embedding_dimension"`
	CLSToken               bool `json:"pooling_mode_cls_token"`
	MeanTokens             bool `json:"pooling_mode_mean_tokens"`
	MaxTokens              bool `json:"pooling_mode_max_tokens"`
	MeanSqrtLenTokens      bool `json:"pooling_mode_mean_sqrt_len_tokens"`
}

// Pooling reduces token embeddings to one vector per sequence
type Pooling struct {
	WordEmbeddingDimension int
	modes                  []string
}

// NewPooling creates a pooling module. No modes selects mean pooling.
func NewPooling(wordEmbeddingDimension int, modes ...string) (*Pooling, error) {
	if wordEmbeddingDimension <= 0 {
		return nil, fmt.Errorf("%w: word embedding dimension must be positive, got %d", ErrDimensionMismatch, wordEmbeddingDimension)
	}
	if len(modes) == 0 {
		modes = []string{PoolingMean}
	}
	enabled := make(map[string]bool, len(modes))
	for _, m := range modes {
		switch m {
		case PoolingCLS, PoolingMax, PoolingMean, PoolingMeanSqrtLen:
			enabled[m] = true
		default:
			return nil, fmt.Errorf("unknown pooling mode %q", m)
		}
	}
	p := &Pooling{WordEmbeddingDimension: wordEmbeddingDimension}
	for _, m := range poolingOrder {
		if enabled[m] {
			p.modes = append(p.modes, m)
		}
	}
	return p, nil
}

// Modes returns the enabled modes in output order
func (p *Pooling) Modes() []string {
	return append([]string(nil), p.modes...)
}

func (p *Pooling) Type() string { return "Pooling" }

// GetSentenceEmbeddingDimension returns the width of the pooled output
func (p *Pooling) GetSentenceEmbeddingDimension() int {
	return p.WordEmbeddingDimension * len(p.modes)
}

func (p *Pooling) GetParameters() []*autodiff.Tensor { return nil }

// Forward pools f.TokenEmbeddings into f.SentenceEmbedding
func (p *Pooling) Forward(_ context.Context, f *Features, _ bool) (*Features, error) {
	if len(f.TokenEmbeddings) == 0 {
		return nil, fmt.Errorf("pooling: no token embeddings")
	}
	rows := make([]*autodiff.Tensor, len(f.TokenEmbeddings))
	for b, x := range f.TokenEmbeddings {
		if x.Data.Cols != p.WordEmbeddingDimension {
			return nil, fmt.Errorf("%w: pooling expects %d, got %d", ErrDimensionMismatch, p.WordEmbeddingDimension, x.Data.Cols)
		}
		mask := make([]float64, x.Data.Rows)
		if f.Mask != nil {
			copy(mask, f.Mask[b])
		} else {
			for i := range mask {
				mask[i] = 1
			}
		}

		parts := make([]*autodiff.Tensor, 0, len(p.modes))
		for _, mode := range p.modes {
			var part *autodiff.Tensor
			var err error
			switch mode {
			case PoolingCLS:
				part, err = autodiff.SliceRowsTensor(x, 0, 1, "cls")
			case PoolingMax:
				part, err = autodiff.MaskedMaxRows(x, mask)
			case PoolingMean:
				part, err = autodiff.MaskedMeanRows(x, mask, false)
			case PoolingMeanSqrtLen:
				part, err = autodiff.MaskedMeanRows(x, mask, true)
			}
			if err != nil {
				return nil, fmt.Errorf("pooling %s: %w", mode, err)
			}
			parts = append(parts, part)
		}

		row := parts[0]
		if len(parts) > 1 {
			var err error
			if row, err = autodiff.ConcatenateColsTensor(parts, "pooled"); err != nil {
				return nil, err
			}
		}
		rows[b] = row
	}

	out, err := autodiff.ConcatenateRowsTensor(rows, "sentence_embedding")
	if err != nil {
		return nil, err
	}
	f.SentenceEmbedding = out
	return f, nil
}

// Config returns the persisted form of p
func (p *Pooling) Config() PoolingConfig {
	cfg := PoolingConfig{WordEmbeddingDimension: p.WordEmbeddingDimension}
	for _, m := range p.modes {
		switch m {
		case PoolingCLS:
			cfg.CLSToken = true
		case PoolingMax:
			cfg.MaxTokens = true
		case PoolingMean:
			cfg.MeanTokens = true
		case PoolingMeanSqrtLen:
			cfg.MeanSqrtLenTokens = true
		}
	}
	return cfg
}

func (p *Pooling) Save(dir string, _ DType) error {
	return writeJSON(filepath.Join(dir, "config.json"), p.Config())
}

// LoadPooling reads a pooling module saved by Save
func LoadPooling(dir string) (*Pooling, error) {
	var cfg PoolingConfig
	if err := readJSON(filepath.Join(dir, "config.json"), &cfg); err != nil {
		return nil, err
	}
	var modes []string
	for _, m := range []struct {
		on   bool
		name string
	}{
		{cfg.CLSToken, PoolingCLS},
		{cfg.MaxTokens, PoolingMax},
		{cfg.MeanTokens, PoolingMean},
		{cfg.MeanSqrtLenTokens, PoolingMeanSqrtLen},
	} {
		if m.on {
			modes = append(modes, m.name)
		}
	}
	if len(modes) == 0 {
		return nil, fmt.Errorf("%s: no pooling mode enabled", dir)
	}
	return NewPooling(cfg.WordEmbeddingDimension, modes...)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
