// Package training fine-tunes a sentence model on scored sentence pairs and
// evaluates it against gold similarity scores.
package training

import (
	"context"
	"fmt"

	"github.com/gptq/sentence/internal/dataset"
	"github.com/gptq/sentence/pkg/autodiff"
	"github.com/gptq/sentence/pkg/sentence"
)

// Loss scores one batch of examples. The result is a 1x1 tensor.
type Loss interface {
	Compute(ctx context.Context, batch []dataset.InputExample, isTraining bool) (*autodiff.Tensor, error)
}

// CosineSimilarityLoss regresses cos(u, v) onto the example label with MSE
type CosineSimilarityLoss struct {
	Model *sentence.Model
}

// NewCosineSimilarityLoss creates the loss for model
func NewCosineSimilarityLoss(model *sentence.Model) *CosineSimilarityLoss {
	return &CosineSimilarityLoss{Model: model}
}

func (l *CosineSimilarityLoss) Compute(ctx context.Context, batch []dataset.InputExample, isTraining bool) (*autodiff.Tensor, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	textsA := make([]string, len(batch))
	textsB := make([]string, len(batch))
	labels := autodiff.MustNewMatrix(len(batch), 1)
	for i, ex := range batch {
		textsA[i], textsB[i] = ex.TextA, ex.TextB
		labels.Data[i][0] = ex.Label
	}

	u, err := l.Model.Forward(ctx, textsA, isTraining)
	if err != nil {
		return nil, fmt.Errorf("embed first sentences: %w", err)
	}
	v, err := l.Model.Forward(ctx, textsB, isTraining)
	if err != nil {
		return nil, fmt.Errorf("embed second sentences: %w", err)
	}
	cos, err := autodiff.CosineSimilarityRows(u, v)
	if err != nil {
		return nil, err
	}
	return autodiff.MSELoss(cos, labels)
}
