package training

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/gptq/sentence/internal/dataset"
	"github.com/gptq/sentence/internal/logutil"
	"github.com/gptq/sentence/pkg/autodiff"
	"github.com/gptq/sentence/pkg/sentence"
)

// FitConfig controls Trainer.Fit
type FitConfig struct {
	Epochs          int
	WarmupSteps     int
	EvaluationSteps int // 0 evaluates only at epoch end
	MaxGradNorm     float64
	OutputPath      string // empty disables checkpointing
	WeightsDType    sentence.DType
	// Progress logs every step at debug level
	Progress bool
}

// FitResult summarises a finished run
type FitResult struct {
	Steps     int
	BestScore float64 // NaN without an evaluator
	Saved     bool
	LastLoss  float64
}

// Trainer owns the optimisation loop for one model
type Trainer struct {
	Model     *sentence.Model
	Loss      Loss
	Optimizer *autodiff.AdamOptimizer
	Evaluator Evaluator // optional
	Logger    *slog.Logger
}

// NewTrainer creates a trainer with an AdamW optimizer
func NewTrainer(model *sentence.Model, loss Loss, lr, weightDecay float64, evaluator Evaluator, logger *slog.Logger) *Trainer {
	return &Trainer{
		Model:     model,
		Loss:      loss,
		Optimizer: autodiff.NewAdamOptimizer(lr, weightDecay),
		Evaluator: evaluator,
		Logger:    logutil.OrDefault(logger),
	}
}

// Fit trains for cfg.Epochs passes over loader. The evaluator runs every
// EvaluationSteps steps of an epoch and at every epoch end; the model is
// saved to OutputPath whenever the score improves. Without an evaluator the
// model is saved once training ends.
func (t *Trainer) Fit(ctx context.Context, loader *dataset.Loader, cfg FitConfig) (*FitResult, error) {
	if cfg.Epochs < 1 {
		return nil, fmt.Errorf("epochs must be positive, got %d", cfg.Epochs)
	}
	if loader.Len() == 0 {
		return nil, fmt.Errorf("no training examples")
	}

	params := t.Model.GetParameters()
	sched := WarmupLinear{
		BaseLR:      t.Optimizer.LearningRate,
		WarmupSteps: cfg.WarmupSteps,
		TotalSteps:  loader.Len() * cfg.Epochs,
	}
	result := &FitResult{BestScore: math.NaN()}
	best := math.Inf(-1)

	evaluate := func(epoch, steps int) error {
		if t.Evaluator == nil {
			return nil
		}
		score, err := t.Evaluator.Evaluate(ctx, t.Model, cfg.OutputPath, epoch, steps)
		if err != nil {
			return fmt.Errorf("evaluate epoch %d step %d: %w", epoch, steps, err)
		}
		if score > best {
			best = score
			result.BestScore = score
			if cfg.OutputPath != "" {
				if err := t.Model.Save(cfg.OutputPath, cfg.WeightsDType); err != nil {
					return fmt.Errorf("save checkpoint: %w", err)
				}
				result.Saved = true
				t.Logger.Info("saved best model", "path", cfg.OutputPath, "score", score)
			}
		}
		return nil
	}

	autodiff.ZeroGradients(params)
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		epochLoss := 0.0
		batches := loader.Batches()
		for i, batch := range batches {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			loss, err := t.Loss.Compute(ctx, batch, true)
			if err != nil {
				return nil, fmt.Errorf("epoch %d step %d: %w", epoch, i+1, err)
			}
			if err := loss.Backward(); err != nil {
				return nil, fmt.Errorf("epoch %d step %d: backward: %w", epoch, i+1, err)
			}
			gradNorm := autodiff.ClipGradNorm(params, cfg.MaxGradNorm)

			t.Optimizer.LearningRate = sched.LR(result.Steps)
			t.Optimizer.Step(params)
			autodiff.ZeroGradients(params)
			result.Steps++

			result.LastLoss = loss.Item()
			epochLoss += result.LastLoss
			if cfg.Progress {
				t.Logger.Debug("step", "epoch", epoch, "step", i+1, "loss", result.LastLoss,
					"grad_norm", gradNorm, "lr", t.Optimizer.LearningRate)
			}

			if cfg.EvaluationSteps > 0 && (i+1)%cfg.EvaluationSteps == 0 {
				if err := evaluate(epoch, i+1); err != nil {
					return nil, err
				}
			}
		}
		t.Logger.Info("epoch finished", "epoch", epoch, "steps", len(batches), "mean_loss", epochLoss/float64(len(batches)))

		if err := evaluate(epoch, -1); err != nil {
			return nil, err
		}
	}

	if t.Evaluator == nil && cfg.OutputPath != "" {
		if err := t.Model.Save(cfg.OutputPath, cfg.WeightsDType); err != nil {
			return nil, fmt.Errorf("save model: %w", err)
		}
		result.Saved = true
	}
	return result, nil
}
