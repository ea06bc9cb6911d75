// Package gptq implements the GPTQ encoder: a transformer encoder stack
// followed by trainable quantum circuit layers.
package gptq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/gptq/sentence/internal/logutil"
	"github.com/gptq/sentence/pkg/autodiff"
	"github.com/gptq/sentence/pkg/core"
	"github.com/gptq/sentence/pkg/quantum"
)

var (
	// ErrInvalidConfig is returned for out-of-range construction parameters
	ErrInvalidConfig = errors.New("invalid GPTQ configuration")
	// ErrHeadMismatch is returned when embed_dim is not divisible by n_heads
	ErrHeadMismatch = errors.New("embed_dim not divisible by n_heads")
	// ErrSequenceTooLong is returned for inputs longer than max_seq_len
	ErrSequenceTooLong = errors.New("sequence longer than max_seq_len")
)

// Option configures New
type Option func(*GPTQ)

// WithLogger sets the logger used for construction warnings
func WithLogger(l *slog.Logger) Option {
	return func(g *GPTQ) { g.logger = l }
}

// GPTQ maps token id sequences to per-token embeddings
type GPTQ struct {
	Config core.Config

	Embedding    *autodiff.EmbeddingTensor
	Positional   *autodiff.PositionalEncodingTensor
	EmbedDropout *autodiff.DropoutTensor
	Layers       []*autodiff.EncoderLayerWithTensors
	FinalNorm    *autodiff.LayerNormWithTensors // nil without transformer layers
	QLayers      []*QuantumLayer

	backend quantum.Backend
	logger  *slog.Logger
}

// Validate checks cfg and returns ErrInvalidConfig or ErrHeadMismatch
func Validate(cfg core.Config) error {
	switch {
	case cfg.EmbedDim <= 0:
		return fmt.Errorf("%w: embed_dim must be positive, got %d", ErrInvalidConfig, cfg.EmbedDim)
	case cfg.SrcVocab <= 0:
		return fmt.Errorf("%w: src_vocab must be positive, got %d", ErrInvalidConfig, cfg.SrcVocab)
	case cfg.TgtVocab < 0:
		return fmt.Errorf("%w: tgt_vocab must not be negative, got %d", ErrInvalidConfig, cfg.TgtVocab)
	case cfg.MaxSeqLen <= 0:
		return fmt.Errorf("%w: max_seq_len must be positive, got %d", ErrInvalidConfig, cfg.MaxSeqLen)
	case cfg.NumTLayers < 0 || cfg.NumQLayers < 0:
		return fmt.Errorf("%w: layer counts must not be negative (n_tlayers=%d, n_qlayers=%d)", ErrInvalidConfig, cfg.NumTLayers, cfg.NumQLayers)
	case cfg.DropoutRate < 0 || cfg.DropoutRate >= 1:
		return fmt.Errorf("%w: dropout_rate must be in [0,1), got %v", ErrInvalidConfig, cfg.DropoutRate)
	case cfg.NumHeads <= 0:
		return fmt.Errorf("%w: n_heads must be positive, got %d", ErrInvalidConfig, cfg.NumHeads)
	case cfg.EmbedDim%cfg.NumHeads != 0:
		return fmt.Errorf("%w: embed_dim %d, n_heads %d", ErrHeadMismatch, cfg.EmbedDim, cfg.NumHeads)
	case cfg.NumQLayers > 0 && cfg.QDepth < 0:
		return fmt.Errorf("%w: q_depth must not be negative, got %d", ErrInvalidConfig, cfg.QDepth)
	}
	return nil
}

// New builds an encoder. backend may be nil only when cfg.NumQLayers is 0;
// the encoder does not own it and never closes it.
func New(cfg core.Config, backend quantum.Backend, opts ...Option) (*GPTQ, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	g := &GPTQ{Config: cfg}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logutil.OrDefault(g.logger)

	if cfg.NumQLayers > 0 {
		if backend == nil {
			return nil, fmt.Errorf("%w: %d quantum layers need a %q backend", quantum.ErrBackendUnavailable, cfg.NumQLayers, cfg.QDevice)
		}
		if backend.Name() != cfg.QDevice {
			return nil, fmt.Errorf("%w: configured %q, got %q", quantum.ErrBackendUnavailable, cfg.QDevice, backend.Name())
		}
		if cfg.NumQubits < 1 || cfg.NumQubits > backend.MaxQubits() {
			return nil, fmt.Errorf("%w: %d qubits, %s supports 1..%d", quantum.ErrCircuitWidth, cfg.NumQubits, backend.Name(), backend.MaxQubits())
		}
		g.backend = backend
	}

	// Classical and quantum parameters draw from separate streams so the
	// classical stack is identical whatever n_qlayers is.
	rng := rand.New(rand.NewSource(cfg.Seed))
	dropRNG := rand.New(rand.NewSource(cfg.Seed + 1))
	qRNG := rand.New(rand.NewSource(cfg.Seed + 2))

	var err error
	if g.Embedding, err = autodiff.NewEmbeddingTensor(cfg.SrcVocab, cfg.EmbedDim, "embeddings", rng); err != nil {
		return nil, err
	}
	g.Positional = autodiff.NewPositionalEncodingTensor(cfg.EmbedDim, cfg.MaxSeqLen)
	g.EmbedDropout = autodiff.NewDropoutTensor(cfg.DropoutRate, dropRNG)

	for i := 0; i < cfg.NumTLayers; i++ {
		layer, err := autodiff.NewEncoderLayerWithTensors(cfg.EmbedDim, cfg.NumHeads, cfg.FFNDim(), cfg.DropoutRate,
			fmt.Sprintf("encoder.layer.%d", i), rng, dropRNG)
		if err != nil {
			return nil, fmt.Errorf("encoder layer %d: %w", i, err)
		}
		g.Layers = append(g.Layers, layer)
	}
	if cfg.NumTLayers > 0 {
		g.FinalNorm = autodiff.NewLayerNormWithTensors(cfg.EmbedDim, "encoder.norm")
	}

	if cfg.NumQLayers > 0 && !backend.SupportsGradient() {
		g.logger.Warn("quantum backend has no gradient support, quantum parameters are frozen", "backend", backend.Name())
	}
	for i := 0; i < cfg.NumQLayers; i++ {
		ql, err := newQuantumLayer(cfg.EmbedDim, cfg.NumQubits, cfg.QDepth, fmt.Sprintf("quantum.%d", i), backend, qRNG)
		if err != nil {
			return nil, fmt.Errorf("quantum layer %d: %w", i, err)
		}
		g.QLayers = append(g.QLayers, ql)
	}

	return g, nil
}

// GetWordEmbeddingDimension returns the width of every output token embedding
func (g *GPTQ) GetWordEmbeddingDimension() int {
	return g.Config.EmbedDim
}

// Backend returns the quantum backend, or nil without quantum layers
func (g *GPTQ) Backend() quantum.Backend {
	return g.backend
}

// Forward encodes a batch. mask has one entry per token (1 real, 0 padding)
// and may be nil to attend to every token. The result holds one
// seq_len x embed_dim tensor per sequence.
func (g *GPTQ) Forward(ctx context.Context, ids [][]int, mask [][]float64, isTraining bool) ([]*autodiff.Tensor, error) {
	if mask != nil && len(mask) != len(ids) {
		return nil, fmt.Errorf("mask has %d rows for %d sequences", len(mask), len(ids))
	}

	outputs := make([]*autodiff.Tensor, len(ids))
	for b, seq := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(seq) == 0 {
			return nil, fmt.Errorf("sequence %d is empty", b)
		}
		if len(seq) > g.Config.MaxSeqLen {
			return nil, fmt.Errorf("%w: sequence %d has %d tokens, max %d", ErrSequenceTooLong, b, len(seq), g.Config.MaxSeqLen)
		}
		var keyMask []float64
		if mask != nil {
			if len(mask[b]) != len(seq) {
				return nil, fmt.Errorf("mask row %d has %d entries for %d tokens", b, len(mask[b]), len(seq))
			}
			keyMask = mask[b]
		}

		x, err := g.encodeSequence(seq, keyMask, isTraining)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", b, err)
		}
		outputs[b] = x
	}

	if len(g.QLayers) == 0 || len(outputs) == 0 {
		return outputs, nil
	}
	return g.quantumStage(ctx, outputs)
}

func (g *GPTQ) encodeSequence(seq []int, keyMask []float64, isTraining bool) (*autodiff.Tensor, error) {
	x, err := g.Embedding.Forward(seq)
	if err != nil {
		return nil, fmt.Errorf("token embedding: %w", err)
	}
	if x, err = g.Positional.Forward(x); err != nil {
		return nil, err
	}
	if x, err = g.EmbedDropout.Forward(x, isTraining); err != nil {
		return nil, err
	}
	for i, layer := range g.Layers {
		if x, err = layer.Forward(x, keyMask, isTraining); err != nil {
			return nil, fmt.Errorf("encoder layer %d: %w", i, err)
		}
	}
	if g.FinalNorm != nil {
		if x, err = g.FinalNorm.Forward(x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// quantumStage runs every token of the batch through the quantum layers in
// one circuit batch per layer.
func (g *GPTQ) quantumStage(ctx context.Context, seqs []*autodiff.Tensor) ([]*autodiff.Tensor, error) {
	x, err := autodiff.ConcatenateRowsTensor(seqs, "batch_tokens")
	if err != nil {
		return nil, err
	}
	for i, ql := range g.QLayers {
		if x, err = ql.Forward(ctx, x); err != nil {
			return nil, fmt.Errorf("quantum layer %d: %w", i, err)
		}
	}

	out := make([]*autodiff.Tensor, len(seqs))
	offset := 0
	for b, s := range seqs {
		n := s.Data.Rows
		if out[b], err = autodiff.SliceRowsTensor(x, offset, n, "tokens"); err != nil {
			return nil, err
		}
		offset += n
	}
	return out, nil
}

// GetParameters returns every parameter in a stable order
func (g *GPTQ) GetParameters() []*autodiff.Tensor {
	ps := g.Embedding.GetParameters()
	for _, l := range g.Layers {
		ps = append(ps, l.GetParameters()...)
	}
	if g.FinalNorm != nil {
		ps = append(ps, g.FinalNorm.GetParameters()...)
	}
	for _, q := range g.QLayers {
		ps = append(ps, q.GetParameters()...)
	}
	return ps
}
