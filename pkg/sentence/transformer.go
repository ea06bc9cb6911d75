package sentence

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/gptq/sentence/internal/dataset"
	"github.com/gptq/sentence/internal/tokenizer"
	"github.com/gptq/sentence/pkg/autodiff"
	"github.com/gptq/sentence/pkg/core"
	"github.com/gptq/sentence/pkg/gptq"
	"github.com/gptq/sentence/pkg/quantum"
)

// BackendOpener opens the quantum backend named in a saved encoder config
type BackendOpener func(name string) (quantum.Backend, error)

// DefaultOpener opens backends from the quantum registry with default options
func DefaultOpener(name string) (quantum.Backend, error) {
	return quantum.Open(name, quantum.Options{})
}

// TransformerConfig is the 0_GPTQ/config.json document
type TransformerConfig struct {
	core.Config
	MaxSeqLength    int      `json:"max_seq_length"`
	TokenizerPrefix string   `json:"tokenizer_prefix"`
	SpecialTokens   []string `json:"special_tokens"`
}

// Transformer adapts the GPTQ encoder and its tokenizer to a Module
type Transformer struct {
	Encoder         *gptq.GPTQ
	Tokenizer       *tokenizer.Tokenizer
	MaxSeqLength    int
	TokenizerPrefix string
}

// NewTransformer pairs an encoder with the tokenizer that feeds it. Inputs
// are truncated to the encoder's max_seq_len.
func NewTransformer(enc *gptq.GPTQ, tok *tokenizer.Tokenizer, tokenizerPrefix string) (*Transformer, error) {
	if tok.VocabSize() > enc.Config.SrcVocab {
		return nil, fmt.Errorf("tokenizer has %d tokens, encoder vocabulary is %d", tok.VocabSize(), enc.Config.SrcVocab)
	}
	if tokenizerPrefix == "" {
		tokenizerPrefix = "gptq"
	}
	return &Transformer{
		Encoder:         enc,
		Tokenizer:       tok,
		MaxSeqLength:    enc.Config.MaxSeqLen,
		TokenizerPrefix: tokenizerPrefix,
	}, nil
}

func (t *Transformer) Type() string { return "GPTQ" }

// GetWordEmbeddingDimension returns the encoder width
func (t *Transformer) GetWordEmbeddingDimension() int {
	return t.Encoder.GetWordEmbeddingDimension()
}

// Tokenize collates texts into padded ids and masks
func (t *Transformer) Tokenize(texts []string) (*Features, error) {
	batch, err := dataset.Collate(texts, t.Tokenizer, t.MaxSeqLength)
	if err != nil {
		return nil, err
	}
	return &Features{IDs: batch.IDs, Mask: batch.Mask}, nil
}

// Forward fills f.TokenEmbeddings
func (t *Transformer) Forward(ctx context.Context, f *Features, isTraining bool) (*Features, error) {
	out, err := t.Encoder.Forward(ctx, f.IDs, f.Mask, isTraining)
	if err != nil {
		return nil, err
	}
	f.TokenEmbeddings = out
	return f, nil
}

func (t *Transformer) GetParameters() []*autodiff.Tensor {
	return t.Encoder.GetParameters()
}

func (t *Transformer) Save(dir string, dtype DType) error {
	cfg := TransformerConfig{
		Config:          t.Encoder.Config,
		MaxSeqLength:    t.MaxSeqLength,
		TokenizerPrefix: t.TokenizerPrefix,
		SpecialTokens:   t.Tokenizer.SpecialTokens,
	}
	if err := writeJSON(filepath.Join(dir, "config.json"), cfg); err != nil {
		return err
	}
	if err := SaveParameters(filepath.Join(dir, "model.safetensors"), t.GetParameters(), dtype); err != nil {
		return err
	}
	if _, err := t.Tokenizer.Save(dir, t.TokenizerPrefix); err != nil {
		return fmt.Errorf("save tokenizer: %w", err)
	}
	return nil
}

// LoadTransformer rebuilds an encoder saved by Save. The returned backend
// is nil without quantum layers; the caller owns it.
func LoadTransformer(dir string, open BackendOpener) (*Transformer, quantum.Backend, error) {
	var cfg TransformerConfig
	if err := readJSON(filepath.Join(dir, "config.json"), &cfg); err != nil {
		return nil, nil, err
	}

	var backend quantum.Backend
	if cfg.NumQLayers > 0 {
		if open == nil {
			open = DefaultOpener
		}
		b, err := open(cfg.QDevice)
		if err != nil {
			return nil, nil, err
		}
		backend = b
	}
	fail := func(err error) (*Transformer, quantum.Backend, error) {
		if backend != nil {
			backend.Close()
		}
		return nil, nil, err
	}

	enc, err := gptq.New(cfg.Config, backend)
	if err != nil {
		return fail(err)
	}
	if err := LoadParameters(filepath.Join(dir, "model.safetensors"), enc.GetParameters()); err != nil {
		return fail(err)
	}
	tok, err := tokenizer.Load(dir, cfg.TokenizerPrefix, cfg.SpecialTokens, nil)
	if err != nil {
		return fail(fmt.Errorf("load tokenizer: %w", err))
	}
	t, err := NewTransformer(enc, tok, cfg.TokenizerPrefix)
	if err != nil {
		return fail(err)
	}
	if cfg.MaxSeqLength > 0 {
		t.MaxSeqLength = min(cfg.MaxSeqLength, cfg.MaxSeqLen)
	}
	return t, backend, nil
}
