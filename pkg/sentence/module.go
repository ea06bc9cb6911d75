// Package sentence composes a token encoder, pooling and a dense head into
// a sentence embedding model and persists it as a checkpoint directory.
package sentence

import (
	"context"
	"errors"

	"github.com/gptq/sentence/pkg/autodiff"
)

// ErrDimensionMismatch is returned when adjacent modules disagree on width
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Features flows through the modules of a Model. Each module reads what the
// previous one produced and fills in its own output.
type Features struct {
	IDs  [][]int
	Mask [][]float64

	// TokenEmbeddings holds one seq_len x dim tensor per sequence
	TokenEmbeddings []*autodiff.Tensor
	// SentenceEmbedding is batch x dim
	SentenceEmbedding *autodiff.Tensor
}

// Module is one stage of a Model
type Module interface {
	// Type names the module in modules.json and selects its loader
	Type() string
	Forward(ctx context.Context, f *Features, isTraining bool) (*Features, error)
	GetParameters() []*autodiff.Tensor
	// Save writes the module into its own directory
	Save(dir string, dtype DType) error
}
