package sentence

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"

	"github.com/gptq/sentence/pkg/autodiff"
)

var activations = map[string]func(*autodiff.Tensor) (*autodiff.Tensor, error){
	"tanh":     autodiff.Tanh,
	"identity": autodiff.Identity,
	"relu":     autodiff.ReLU,
	"gelu":     autodiff.GELU,
}

// DenseConfig is the 2_Dense/config.json document
type DenseConfig struct {
	InFeatures         int    `json:"in_features"`
	OutFeatures        int    `json:"out_features"`
	Bias               bool   `json:"bias"`
	ActivationFunction string `json:"activation_function"`
}

// Dense is a feed-forward layer over sentence embeddings
type Dense struct {
	Linear     *autodiff.LinearWithTensors
	Activation string

	act func(*autodiff.Tensor) (*autodiff.Tensor, error)
}

// NewDense creates a dense layer. An empty activation selects tanh.
func NewDense(in, out int, bias bool, activation string, rng *rand.Rand) (*Dense, error) {
	if activation == "" {
		activation = "tanh"
	}
	act, ok := activations[activation]
	if !ok {
		return nil, fmt.Errorf("unknown activation %q", activation)
	}
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("%w: dense %dx%d", ErrDimensionMismatch, in, out)
	}
	linear, err := autodiff.NewLinearWithTensors(in, out, bias, "linear", rng)
	if err != nil {
		return nil, err
	}
	return &Dense{Linear: linear, Activation: activation, act: act}, nil
}

func (d *Dense) Type() string { return "Dense" }

// InFeatures returns the expected input width
func (d *Dense) InFeatures() int { return d.Linear.InputDim }

// GetSentenceEmbeddingDimension returns the output width
func (d *Dense) GetSentenceEmbeddingDimension() int { return d.Linear.OutputDim }

func (d *Dense) GetParameters() []*autodiff.Tensor { return d.Linear.GetParameters() }

// Forward replaces f.SentenceEmbedding with act(xW + b)
func (d *Dense) Forward(_ context.Context, f *Features, _ bool) (*Features, error) {
	if f.SentenceEmbedding == nil {
		return nil, fmt.Errorf("dense: no sentence embedding")
	}
	if f.SentenceEmbedding.Data.Cols != d.InFeatures() {
		return nil, fmt.Errorf("%w: dense expects %d, got %d", ErrDimensionMismatch, d.InFeatures(), f.SentenceEmbedding.Data.Cols)
	}
	h, err := d.Linear.Forward(f.SentenceEmbedding)
	if err != nil {
		return nil, err
	}
	if f.SentenceEmbedding, err = d.act(h); err != nil {
		return nil, err
	}
	return f, nil
}

func (d *Dense) Save(dir string, dtype DType) error {
	cfg := DenseConfig{
		InFeatures:         d.Linear.InputDim,
		OutFeatures:        d.Linear.OutputDim,
		Bias:               d.Linear.Bias != nil,
		ActivationFunction: d.Activation,
	}
	if err := writeJSON(filepath.Join(dir, "config.json"), cfg); err != nil {
		return err
	}
	return SaveParameters(filepath.Join(dir, "model.safetensors"), d.GetParameters(), dtype)
}

// LoadDense reads a dense module saved by Save
func LoadDense(dir string) (*Dense, error) {
	var cfg DenseConfig
	if err := readJSON(filepath.Join(dir, "config.json"), &cfg); err != nil {
		return nil, err
	}
	d, err := NewDense(cfg.InFeatures, cfg.OutFeatures, cfg.Bias, cfg.ActivationFunction, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, err
	}
	if err := LoadParameters(filepath.Join(dir, "model.safetensors"), d.GetParameters()); err != nil {
		return nil, err
	}
	return d, nil
}
