package training

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gptq/sentence/internal/dataset"
	"github.com/gptq/sentence/internal/tokenizer"
	"github.com/gptq/sentence/pkg/core"
	"github.com/gptq/sentence/pkg/quantum"
	"github.com/gptq/sentence/pkg/sentence"
)

var pairs = []dataset.InputExample{
	{TextA: "A man is playing a guitar.", TextB: "A man plays the guitar.", Label: 0.95},
	{TextA: "A woman is slicing an onion.", TextB: "A dog runs in the park.", Label: 0.0},
	{TextA: "Two children are playing chess.", TextB: "Kids play chess.", Label: 0.8},
	{TextA: "The cat sleeps.", TextB: "A man is cooking pasta.", Label: 0.1},
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func tinyHyperParameters(t *testing.T) *core.HyperParameters {
	t.Helper()
	dir := t.TempDir()
	hp := core.NewDefaultHyperParameters()
	hp.EmbedDim = 8
	hp.NumHeads = 2
	hp.VocabSize = 120
	hp.DropoutRate = 0
	hp.MaxSeqLen = 32
	hp.NumQLayers = 1
	hp.QDevice = "default.qubit"
	hp.NumQubits = 2
	hp.FFNHiddenDim = 16
	hp.DenseOutDim = 4
	hp.MinFrequency = 1
	hp.BatchSize = 2
	hp.NumEpochs = 1
	hp.EvaluationSteps = 1
	hp.TokenizerDir = filepath.Join(dir, "tokenizer")
	hp.CorpusPath = filepath.Join(dir, "datasets", "sentences.txt")
	hp.DatasetPath = filepath.Join(dir, "datasets", "stsbenchmark.tsv.gz")
	hp.OutputDir = filepath.Join(dir, "output")
	return hp
}

func tinyModel(t *testing.T, hp *core.HyperParameters) *sentence.Model {
	t.Helper()
	var texts []string
	for _, p := range pairs {
		texts = append(texts, p.TextA, p.TextB)
	}
	tok, err := tokenizer.Train(texts, tokenizer.TrainerConfig{VocabSize: hp.VocabSize, MinFrequency: 1, SpecialTokens: hp.SpecialTokens})
	require.NoError(t, err)

	var backend quantum.Backend
	if hp.NumQLayers > 0 {
		backend, err = quantum.Open(hp.QDevice, quantum.Options{})
		require.NoError(t, err)
		t.Cleanup(func() { backend.Close() })
	}
	model, err := BuildModel(hp, tok, backend, quietLogger())
	require.NoError(t, err)
	return model
}

func TestWarmupLinear(t *testing.T) {
	s := WarmupLinear{BaseLR: 1, WarmupSteps: 2, TotalSteps: 10}
	assert.InDelta(t, 0.0, s.LR(0), 1e-12)
	assert.InDelta(t, 0.5, s.LR(1), 1e-12)
	assert.InDelta(t, 1.0, s.LR(2), 1e-12)
	assert.InDelta(t, 0.5, s.LR(6), 1e-12)
	assert.InDelta(t, 0.0, s.LR(10), 1e-12)
	assert.InDelta(t, 0.0, s.LR(12), 1e-12)

	noWarmup := WarmupLinear{BaseLR: 2, TotalSteps: 4}
	assert.InDelta(t, 2.0, noWarmup.LR(0), 1e-12)

	assert.Equal(t, 1, WarmupSteps(3, 2, 0.1))
	assert.Equal(t, 36, WarmupSteps(180, 2, 0.1))
}

func TestRanks(t *testing.T) {
	assert.Equal(t, []float64{1, 2.5, 2.5, 4}, ranks([]float64{0.1, 0.5, 0.5, 0.9}))
	assert.Equal(t, []float64{3, 1, 2}, ranks([]float64{3, -1, 0}))
}

func TestCorrelations(t *testing.T) {
	gold := []float64{0, 0.25, 0.5, 1}

	p, s := correlations(gold, []float64{1, 2, 3, 5})
	assert.InDelta(t, 1.0, s, 1e-12)
	assert.Greater(t, p, 0.9)

	p, s = correlations(gold, []float64{4, 3, 2, 1})
	assert.InDelta(t, -1.0, s, 1e-12)
	assert.Less(t, p, -0.9)

	p, s = correlations(gold, []float64{1, 1, 1, 1})
	assert.Zero(t, p)
	assert.Zero(t, s)
}

func meanLoss(t *testing.T, loss Loss) float64 {
	t.Helper()
	l, err := loss.Compute(context.Background(), pairs, false)
	require.NoError(t, err)
	return l.Item()
}

func TestFitReducesLoss(t *testing.T) {
	for _, ql := range []int{0, 1} {
		t.Run(fmt.Sprintf("n_qlayers=%d", ql), func(t *testing.T) {
			hp := tinyHyperParameters(t)
			hp.NumQLayers = ql
			model := tinyModel(t, hp)
			loss := NewCosineSimilarityLoss(model)
			before := meanLoss(t, loss)

			trainer := NewTrainer(model, loss, 1e-2, 0.01, nil, quietLogger())
			loader := dataset.NewLoader(pairs, 4, true, 1)
			res, err := trainer.Fit(context.Background(), loader, FitConfig{Epochs: 30, MaxGradNorm: 1})
			require.NoError(t, err)
			assert.Equal(t, 30, res.Steps)
			assert.False(t, res.Saved)

			after := meanLoss(t, loss)
			assert.Less(t, after, before)
		})
	}
}

func TestFitHonoursContext(t *testing.T) {
	hp := tinyHyperParameters(t)
	model := tinyModel(t, hp)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	trainer := NewTrainer(model, NewCosineSimilarityLoss(model), 1e-3, 0, nil, quietLogger())
	_, err := trainer.Fit(ctx, dataset.NewLoader(pairs, 2, false, 1), FitConfig{Epochs: 1})
	require.ErrorIs(t, err, context.Canceled)
}

type countingEvaluator struct {
	scores []float64
	calls  [][2]int
}

func (e *countingEvaluator) Evaluate(_ context.Context, _ *sentence.Model, _ string, epoch, steps int) (float64, error) {
	e.calls = append(e.calls, [2]int{epoch, steps})
	s := e.scores[0]
	e.scores = e.scores[1:]
	return s, nil
}

func TestFitSavesBest(t *testing.T) {
	hp := tinyHyperParameters(t)
	hp.NumQLayers = 0
	model := tinyModel(t, hp)
	out := filepath.Join(t.TempDir(), "best")

	eval := &countingEvaluator{scores: []float64{0.2, 0.1, 0.3}}
	trainer := NewTrainer(model, NewCosineSimilarityLoss(model), 1e-3, 0, eval, quietLogger())
	res, err := trainer.Fit(context.Background(), dataset.NewLoader(pairs, 2, false, 1), FitConfig{
		Epochs:          1,
		EvaluationSteps: 1,
		OutputPath:      out,
	})
	require.NoError(t, err)

	assert.Equal(t, [][2]int{{0, 1}, {0, 2}, {0, -1}}, eval.calls)
	assert.InDelta(t, 0.3, res.BestScore, 1e-12)
	assert.True(t, res.Saved)
	_, err = os.Stat(filepath.Join(out, "modules.json"))
	require.NoError(t, err)
}

func TestEvaluatorWritesCSV(t *testing.T) {
	hp := tinyHyperParameters(t)
	model := tinyModel(t, hp)
	out := t.TempDir()

	eval := NewEmbeddingSimilarityEvaluatorFromExamples(pairs, DevEvaluatorName)
	eval.BatchSize = 3
	eval.Logger = quietLogger()
	for steps := range 2 {
		score, err := eval.Evaluate(context.Background(), model, out, 0, steps)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, score, -1.0)
		assert.LessOrEqual(t, score, 1.0)
	}

	f, err := os.Open(filepath.Join(out, "eval", "similarity_evaluation_sts-dev_results.csv"))
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, "1", records[2][1])
}

func TestEvaluatorNeedsPairs(t *testing.T) {
	hp := tinyHyperParameters(t)
	model := tinyModel(t, hp)
	eval := NewEmbeddingSimilarityEvaluatorFromExamples(pairs[:1], "one")
	_, err := eval.Compute(context.Background(), model)
	require.Error(t, err)
}

func TestBuildModelVocabMismatch(t *testing.T) {
	hp := tinyHyperParameters(t)
	tok, err := tokenizer.Train([]string{pairs[0].TextA, pairs[1].TextA}, tokenizer.TrainerConfig{
		VocabSize: 120, MinFrequency: 1, SpecialTokens: hp.SpecialTokens,
	})
	require.NoError(t, err)
	hp.VocabSize = 10
	hp.NumQLayers = 0
	_, err = BuildModel(hp, tok, nil, quietLogger())
	require.ErrorIs(t, err, ErrVocabMismatch)
}

func TestOutputPath(t *testing.T) {
	hp := core.NewDefaultHyperParameters()
	now := time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)
	assert.Equal(t, filepath.Join("output", "training_stsbenchmark_continue_training-gptq-2024-03-05_14-07-09"), OutputPath(hp, now))
}

func writeDataset(t *testing.T, path string) {
	t.Helper()
	var sb bytes.Buffer
	sb.WriteString("split\tgenre\tscore\tsentence1\tsentence2\n")
	for i, split := range []string{"train", "train", "train", "train", "dev", "dev", "dev", "test", "test", "test"} {
		p := pairs[i%len(pairs)]
		fmt.Fprintf(&sb, "%s\tmain\t%.2f\t%s\t%s\n", split, p.Label*5, p.TextA, p.TextB)
	}

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(sb.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestRun(t *testing.T) {
	hp := tinyHyperParameters(t)
	writeDataset(t, hp.DatasetPath)

	res, err := Run(context.Background(), hp, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Steps)
	assert.NotEmpty(t, res.RunID)
	require.NotNil(t, res.Test)

	for _, path := range []string{
		hp.CorpusPath,
		tokenizer.VocabPath(hp.TokenizerDir, hp.TokenizerPrefix),
		tokenizer.MergesPath(hp.TokenizerDir, hp.TokenizerPrefix),
		filepath.Join(res.OutputPath, "hyperparameters.json"),
		filepath.Join(res.OutputPath, "modules.json"),
		filepath.Join(res.OutputPath, "eval", "similarity_evaluation_sts-dev_results.csv"),
		filepath.Join(res.OutputPath, "eval", "similarity_evaluation_sts-test_results.csv"),
	} {
		_, err := os.Stat(path)
		require.NoError(t, err, path)
	}

	loaded, err := sentence.Load(res.OutputPath, nil)
	require.NoError(t, err)
	defer loaded.Close()
	assert.Equal(t, res.RunID, loaded.RunID)
	assert.Equal(t, 4, loaded.GetSentenceEmbeddingDimension())
}

func TestRunRejectsInvalidHyperParameters(t *testing.T) {
	hp := tinyHyperParameters(t)
	hp.BatchSize = 0
	_, err := Run(context.Background(), hp, quietLogger())
	require.ErrorIs(t, err, core.ErrInvalidHyperParameters)

	hp = tinyHyperParameters(t)
	hp.WeightsDType = "Q4"
	_, err = Run(context.Background(), hp, quietLogger())
	require.ErrorIs(t, err, core.ErrInvalidHyperParameters)
}
