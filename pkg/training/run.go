package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/gptq/sentence/internal/dataset"
	"github.com/gptq/sentence/internal/envconfig"
	"github.com/gptq/sentence/internal/logutil"
	"github.com/gptq/sentence/internal/tokenizer"
	"github.com/gptq/sentence/pkg/core"
	"github.com/gptq/sentence/pkg/gptq"
	"github.com/gptq/sentence/pkg/quantum"
	"github.com/gptq/sentence/pkg/sentence"
)

// ErrVocabMismatch is returned when the tokenizer produces ids the encoder
// cannot embed
var ErrVocabMismatch = errors.New("tokenizer vocabulary exceeds encoder vocabulary")

// DevEvaluatorName and TestEvaluatorName name the evaluation result files
const (
	DevEvaluatorName  = "sts-dev"
	TestEvaluatorName = "sts-test"
)

// RunResult describes a finished pipeline run
type RunResult struct {
	RunID      string
	OutputPath string
	Steps      int
	DevScore   float64
	TestScore  float64
	Test       *SimilarityResult
}

// OutputPath returns the checkpoint directory for a run started at now
func OutputPath(hp *core.HyperParameters, now time.Time) string {
	return filepath.Join(hp.OutputDir,
		"training_stsbenchmark_continue_training-"+hp.ModelName+"-"+now.Format("2006-01-02_15-04-05"))
}

// TrainTokenizer trains a tokenizer on the corpus at hp.CorpusPath and saves
// it under hp.TokenizerDir. When the corpus is missing it is written from
// sentences first.
func TrainTokenizer(hp *core.HyperParameters, sentences []string, logger *slog.Logger) (*tokenizer.Tokenizer, error) {
	logger = logutil.OrDefault(logger)

	if _, err := os.Stat(hp.CorpusPath); errors.Is(err, os.ErrNotExist) {
		if len(sentences) == 0 {
			return nil, fmt.Errorf("corpus %s does not exist and there are no sentences to build it from", hp.CorpusPath)
		}
		logger.Info("writing tokenizer corpus", "path", hp.CorpusPath, "sentences", len(sentences))
		if err := dataset.WriteCorpus(hp.CorpusPath, sentences); err != nil {
			return nil, err
		}
	}
	lines, err := dataset.ReadCorpus(hp.CorpusPath)
	if err != nil {
		return nil, err
	}

	tok, err := tokenizer.Train(lines, tokenizer.TrainerConfig{
		VocabSize:     hp.VocabSize,
		MinFrequency:  hp.MinFrequency,
		SpecialTokens: hp.SpecialTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("train tokenizer: %w", err)
	}
	paths, err := tok.Save(hp.TokenizerDir, hp.TokenizerPrefix)
	if err != nil {
		return nil, fmt.Errorf("save tokenizer: %w", err)
	}
	logger.Info("tokenizer trained", "lines", len(lines), "vocab_size", tok.VocabSize(), "merges", len(tok.Merges), "files", paths)
	return tok, nil
}

// BuildModel assembles encoder, pooling and dense head. backend may be nil
// without quantum layers.
func BuildModel(hp *core.HyperParameters, tok *tokenizer.Tokenizer, backend quantum.Backend, logger *slog.Logger) (*sentence.Model, error) {
	if tok.VocabSize() > hp.VocabSize {
		return nil, fmt.Errorf("%w: %d tokens, vocab_size %d", ErrVocabMismatch, tok.VocabSize(), hp.VocabSize)
	}
	enc, err := gptq.New(hp.ModelConfig(), backend, gptq.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	tr, err := sentence.NewTransformer(enc, tok, hp.TokenizerPrefix)
	if err != nil {
		return nil, err
	}
	pool, err := sentence.NewPooling(enc.GetWordEmbeddingDimension(), hp.PoolingModes...)
	if err != nil {
		return nil, err
	}
	dense, err := sentence.NewDense(pool.GetSentenceEmbeddingDimension(), hp.DenseOutDim, true, hp.DenseActivation,
		rand.New(rand.NewSource(hp.Seed+3)))
	if err != nil {
		return nil, err
	}
	return sentence.New(tr, pool, dense)
}

// Run executes the whole pipeline: read the dataset, train the tokenizer,
// build and fine-tune the model keeping the best dev checkpoint, then score
// that checkpoint on the test split.
func Run(ctx context.Context, hp *core.HyperParameters, logger *slog.Logger) (*RunResult, error) {
	logger = logutil.OrDefault(logger)
	if err := hp.Validate(); err != nil {
		return nil, err
	}
	dtype, err := sentence.ParseDType(hp.WeightsDType)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrInvalidHyperParameters, err)
	}

	splits, err := dataset.ReadSTS(hp.DatasetPath, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("dataset loaded", "train", len(splits.Train), "dev", len(splits.Dev), "test", len(splits.Test))
	if len(splits.Train) == 0 {
		return nil, fmt.Errorf("%s has no training examples", hp.DatasetPath)
	}

	tok, err := TrainTokenizer(hp, splits.Sentences(), logger)
	if err != nil {
		return nil, err
	}

	opener := func(name string) (quantum.Backend, error) {
		return quantum.Open(name, quantum.Options{Workers: hp.NumThreads})
	}
	var backend quantum.Backend
	if hp.NumQLayers > 0 {
		if backend, err = opener(hp.QDevice); err != nil {
			return nil, err
		}
		defer backend.Close()
		logger.Info("quantum backend opened", "name", backend.Name(), "workers", quantum.Workers(backend))
	}

	model, err := BuildModel(hp, tok, backend, logger)
	if err != nil {
		return nil, err
	}
	model.RunID = uuid.NewString()

	res := &RunResult{RunID: model.RunID, OutputPath: OutputPath(hp, time.Now())}
	if err := core.SaveHyperParameters(hp, filepath.Join(res.OutputPath, "hyperparameters.json")); err != nil {
		return nil, err
	}

	var evaluator Evaluator
	if len(splits.Dev) >= 2 {
		dev := NewEmbeddingSimilarityEvaluatorFromExamples(splits.Dev, DevEvaluatorName)
		dev.BatchSize = hp.BatchSize
		dev.Logger = logger
		evaluator = dev
	} else {
		logger.Warn("dev split too small for evaluation, saving the final model", "dev", len(splits.Dev))
	}

	loader := dataset.NewLoader(splits.Train, hp.BatchSize, true, hp.Seed)
	warmup := WarmupSteps(loader.Len(), hp.NumEpochs, hp.WarmupRatio)
	logger.Info("training", "run_id", res.RunID, "output", res.OutputPath, "batches", loader.Len(),
		"epochs", hp.NumEpochs, "warmup_steps", warmup, "parameters", len(model.GetParameters()))

	trainer := NewTrainer(model, NewCosineSimilarityLoss(model), hp.LearningRate, hp.WeightDecay, evaluator, logger)
	fit, err := trainer.Fit(ctx, loader, FitConfig{
		Epochs:          hp.NumEpochs,
		WarmupSteps:     warmup,
		EvaluationSteps: hp.EvaluationSteps,
		MaxGradNorm:     hp.GradientClipValue,
		OutputPath:      res.OutputPath,
		WeightsDType:    dtype,
		Progress:        !envconfig.NoProgress(),
	})
	if err != nil {
		return nil, err
	}
	res.Steps, res.DevScore = fit.Steps, fit.BestScore

	if len(splits.Test) < 2 {
		logger.Warn("test split too small, skipping test evaluation", "test", len(splits.Test))
		return res, nil
	}
	best, err := sentence.Load(res.OutputPath, opener)
	if err != nil {
		return nil, fmt.Errorf("load best model: %w", err)
	}
	defer best.Close()

	test := NewEmbeddingSimilarityEvaluatorFromExamples(splits.Test, TestEvaluatorName)
	test.BatchSize = hp.BatchSize
	test.Logger = logger
	if res.Test, err = test.Compute(ctx, best); err != nil {
		return nil, err
	}
	res.TestScore = res.Test.MainScore()
	if err := test.AppendCSV(res.OutputPath, -1, -1, res.Test); err != nil {
		return nil, fmt.Errorf("write test results: %w", err)
	}
	logger.Info("test evaluation", "name", test.Name, "main_score", res.TestScore)
	return res, nil
}
