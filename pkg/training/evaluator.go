package training

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/gptq/sentence/internal/dataset"
	"github.com/gptq/sentence/internal/logutil"
	"github.com/gptq/sentence/pkg/sentence"
)

// Evaluator scores a model; higher is better
type Evaluator interface {
	Evaluate(ctx context.Context, model *sentence.Model, outputPath string, epoch, steps int) (float64, error)
}

// SimilarityResult holds Pearson and Spearman correlations between gold
// scores and each similarity function
type SimilarityResult struct {
	CosinePearson, CosineSpearman       float64
	EuclideanPearson, EuclideanSpearman float64
	ManhattanPearson, ManhattanSpearman float64
	DotPearson, DotSpearman             float64
}

// MainScore is the best Spearman correlation over the similarity functions
func (r *SimilarityResult) MainScore() float64 {
	return max(r.CosineSpearman, r.EuclideanSpearman, r.ManhattanSpearman, r.DotSpearman)
}

// Rows returns (function, pearson, spearman) rows for display
func (r *SimilarityResult) Rows() [][]string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }
	return [][]string{
		{"cosine", f(r.CosinePearson), f(r.CosineSpearman)},
		{"euclidean", f(r.EuclideanPearson), f(r.EuclideanSpearman)},
		{"manhattan", f(r.ManhattanPearson), f(r.ManhattanSpearman)},
		{"dot", f(r.DotPearson), f(r.DotSpearman)},
	}
}

// EmbeddingSimilarityEvaluator compares embedding similarities of sentence
// pairs with gold scores
type EmbeddingSimilarityEvaluator struct {
	Name       string
	Sentences1 []string
	Sentences2 []string
	Scores     []float64
	BatchSize  int
	WriteCSV   bool
	Logger     *slog.Logger
}

// NewEmbeddingSimilarityEvaluatorFromExamples builds an evaluator over the
// labels of examples
func NewEmbeddingSimilarityEvaluatorFromExamples(examples []dataset.InputExample, name string) *EmbeddingSimilarityEvaluator {
	e := &EmbeddingSimilarityEvaluator{Name: name, BatchSize: 16, WriteCSV: true}
	for _, ex := range examples {
		e.Sentences1 = append(e.Sentences1, ex.TextA)
		e.Sentences2 = append(e.Sentences2, ex.TextB)
		e.Scores = append(e.Scores, ex.Label)
	}
	return e
}

// CSVPath returns the results file under outputPath
func (e *EmbeddingSimilarityEvaluator) CSVPath(outputPath string) string {
	return filepath.Join(outputPath, "eval", "similarity_evaluation_"+e.Name+"_results.csv")
}

// Evaluate computes the correlations, appends them to the results CSV when
// outputPath is set and returns the main score. steps is -1 at epoch end.
func (e *EmbeddingSimilarityEvaluator) Evaluate(ctx context.Context, model *sentence.Model, outputPath string, epoch, steps int) (float64, error) {
	logger := logutil.OrDefault(e.Logger)

	result, err := e.Compute(ctx, model)
	if err != nil {
		return 0, err
	}
	logger.Info("evaluation", "name", e.Name, "epoch", epoch, "steps", steps,
		"cosine_pearson", result.CosinePearson, "cosine_spearman", result.CosineSpearman,
		"main_score", result.MainScore())

	if outputPath != "" && e.WriteCSV {
		if err := e.AppendCSV(outputPath, epoch, steps, result); err != nil {
			return 0, fmt.Errorf("write evaluation results: %w", err)
		}
	}
	return result.MainScore(), nil
}

// Compute embeds both sentence lists and correlates each similarity with
// the gold scores
func (e *EmbeddingSimilarityEvaluator) Compute(ctx context.Context, model *sentence.Model) (*SimilarityResult, error) {
	n := len(e.Scores)
	if n < 2 || len(e.Sentences1) != n || len(e.Sentences2) != n {
		return nil, fmt.Errorf("evaluator %s needs at least two aligned pairs, got %d/%d/%d",
			e.Name, len(e.Sentences1), len(e.Sentences2), n)
	}

	emb1, emb2, err := e.embed(ctx, model)
	if err != nil {
		return nil, err
	}

	cosine := make([]float64, n)
	euclidean := make([]float64, n)
	manhattan := make([]float64, n)
	dot := make([]float64, n)
	for i := range n {
		a, b := emb1[i], emb2[i]
		d := floats.Dot(a, b)
		dot[i] = d
		cosine[i] = d / math.Max(floats.Norm(a, 2)*floats.Norm(b, 2), 1e-12)
		euclidean[i] = -floats.Distance(a, b, 2)
		manhattan[i] = -floats.Distance(a, b, 1)
	}

	r := &SimilarityResult{}
	r.CosinePearson, r.CosineSpearman = correlations(e.Scores, cosine)
	r.EuclideanPearson, r.EuclideanSpearman = correlations(e.Scores, euclidean)
	r.ManhattanPearson, r.ManhattanSpearman = correlations(e.Scores, manhattan)
	r.DotPearson, r.DotSpearman = correlations(e.Scores, dot)
	return r, nil
}

// embed encodes both lists in inference mode, one batch per goroutine
func (e *EmbeddingSimilarityEvaluator) embed(ctx context.Context, model *sentence.Model) ([][]float64, [][]float64, error) {
	bs := e.BatchSize
	if bs < 1 {
		bs = 16
	}
	texts := append(append([]string(nil), e.Sentences1...), e.Sentences2...)
	out := make([][]float64, len(texts))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for start := 0; start < len(texts); start += bs {
		end := min(start+bs, len(texts))
		g.Go(func() error {
			emb, err := model.Encode(ctx, texts[start:end], bs)
			if err != nil {
				return err
			}
			copy(out[start:end], emb)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("encode %s: %w", e.Name, err)
	}
	n := len(e.Sentences1)
	return out[:n], out[n:], nil
}

var csvHeader = []string{
	"epoch", "steps",
	"cosine_pearson", "cosine_spearman",
	"euclidean_pearson", "euclidean_spearman",
	"manhattan_pearson", "manhattan_spearman",
	"dot_pearson", "dot_spearman",
}

// AppendCSV adds one result row to CSVPath(outputPath), writing the header
// when the file is new
func (e *EmbeddingSimilarityEvaluator) AppendCSV(outputPath string, epoch, steps int, r *SimilarityResult) error {
	path := e.CSVPath(outputPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	_, statErr := os.Stat(path)
	newFile := errors.Is(statErr, os.ErrNotExist)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if newFile {
		if err := w.Write(csvHeader); err != nil {
			f.Close()
			return err
		}
	}
	format := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	row := []string{
		strconv.Itoa(epoch), strconv.Itoa(steps),
		format(r.CosinePearson), format(r.CosineSpearman),
		format(r.EuclideanPearson), format(r.EuclideanSpearman),
		format(r.ManhattanPearson), format(r.ManhattanSpearman),
		format(r.DotPearson), format(r.DotSpearman),
	}
	if err := w.Write(row); err != nil {
		f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// correlations returns Pearson and Spearman coefficients. A constant input
// has no defined correlation and yields 0.
func correlations(gold, pred []float64) (float64, float64) {
	return safeCorrelation(gold, pred), safeCorrelation(ranks(gold), ranks(pred))
}

func safeCorrelation(x, y []float64) float64 {
	c := stat.Correlation(x, y, nil)
	if math.IsNaN(c) {
		return 0
	}
	return c
}

// ranks assigns 1-based ranks, averaging over ties
func ranks(values []float64) []float64 {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })

	out := make([]float64, len(values))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && values[idx[j+1]] == values[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			out[idx[k]] = avg
		}
		i = j + 1
	}
	return out
}
