package sentence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/gptq/sentence/pkg/autodiff"
	"github.com/gptq/sentence/pkg/quantum"
)

// Version is recorded in saved checkpoints
const Version = "0.1.0"

// Model runs its modules in order: encoder, pooling, then any dense heads
type Model struct {
	Modules []Module
	// RunID identifies the training run that produced the model
	RunID string

	backend quantum.Backend // owned when the model was loaded from disk
}

// New composes modules after checking that every seam agrees on width. The
// first module must be a *Transformer.
func New(modules ...Module) (*Model, error) {
	if len(modules) == 0 {
		return nil, errors.New("model needs at least one module")
	}
	t, ok := modules[0].(*Transformer)
	if !ok {
		return nil, fmt.Errorf("first module must be the encoder, got %s", modules[0].Type())
	}

	dim := t.GetWordEmbeddingDimension()
	pooled := false
	for i, m := range modules[1:] {
		switch m := m.(type) {
		case *Pooling:
			if pooled {
				return nil, fmt.Errorf("module %d: pooling applied twice", i+1)
			}
			if m.WordEmbeddingDimension != dim {
				return nil, fmt.Errorf("%w: encoder produces %d, pooling expects %d", ErrDimensionMismatch, dim, m.WordEmbeddingDimension)
			}
			dim = m.GetSentenceEmbeddingDimension()
			pooled = true
		case *Dense:
			if !pooled {
				return nil, fmt.Errorf("module %d: dense must follow pooling", i+1)
			}
			if m.InFeatures() != dim {
				return nil, fmt.Errorf("%w: pooling produces %d, dense expects %d", ErrDimensionMismatch, dim, m.InFeatures())
			}
			dim = m.GetSentenceEmbeddingDimension()
		default:
			return nil, fmt.Errorf("module %d: unsupported type %s", i+1, m.Type())
		}
	}
	if !pooled {
		return nil, errors.New("model needs a pooling module")
	}
	return &Model{Modules: modules}, nil
}

// Transformer returns the encoder module
func (m *Model) Transformer() *Transformer {
	return m.Modules[0].(*Transformer)
}

// GetSentenceEmbeddingDimension returns the width of the model output
func (m *Model) GetSentenceEmbeddingDimension() int {
	dim := m.Transformer().GetWordEmbeddingDimension()
	for _, mod := range m.Modules[1:] {
		if d, ok := mod.(interface{ GetSentenceEmbeddingDimension() int }); ok {
			dim = d.GetSentenceEmbeddingDimension()
		}
	}
	return dim
}

// Forward runs every module over texts and returns batch x dim embeddings
func (m *Model) Forward(ctx context.Context, texts []string, isTraining bool) (*autodiff.Tensor, error) {
	f, err := m.Transformer().Tokenize(texts)
	if err != nil {
		return nil, err
	}
	for _, mod := range m.Modules {
		if f, err = mod.Forward(ctx, f, isTraining); err != nil {
			return nil, fmt.Errorf("%s: %w", mod.Type(), err)
		}
	}
	return f.SentenceEmbedding, nil
}

// Encode embeds texts in inference mode, batchSize texts at a time
func (m *Model) Encode(ctx context.Context, texts []string, batchSize int) ([][]float64, error) {
	if batchSize < 1 {
		batchSize = 32
	}
	out := make([][]float64, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := min(start+batchSize, len(texts))
		emb, err := m.Forward(ctx, texts[start:end], false)
		if err != nil {
			return nil, err
		}
		for i := 0; i < emb.Data.Rows; i++ {
			out = append(out, append([]float64(nil), emb.Data.Data[i]...))
		}
	}
	return out, nil
}

// GetParameters returns the parameters of every module
func (m *Model) GetParameters() []*autodiff.Tensor {
	var ps []*autodiff.Tensor
	for _, mod := range m.Modules {
		ps = append(ps, mod.GetParameters()...)
	}
	return ps
}

// Close releases a backend opened by Load. Models built with New leave
// backend ownership to their caller.
func (m *Model) Close() error {
	if m.backend == nil {
		return nil
	}
	err := m.backend.Close()
	m.backend = nil
	return err
}

type moduleEntry struct {
	Idx  int    `json:"idx"`
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
}

type checkpointInfo struct {
	Version          map[string]string `json:"__version__"`
	RunID            string            `json:"run_id"`
	CreatedAt        time.Time         `json:"created_at"`
	SimilarityFnName string            `json:"similarity_fn_name"`
	EmbeddingDim     int               `json:"embedding_dimension"`
	WeightsDType     DType             `json:"weights_dtype"`
}

// Save writes the checkpoint directory: modules.json, the run metadata and
// one numbered subdirectory per module.
func (m *Model) Save(dir string, dtype DType) error {
	if dtype == "" {
		dtype = F32
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}
	if m.RunID == "" {
		m.RunID = uuid.NewString()
	}

	entries := make([]moduleEntry, len(m.Modules))
	for i, mod := range m.Modules {
		entries[i] = moduleEntry{
			Idx:  i,
			Name: fmt.Sprint(i),
			Path: fmt.Sprintf("%d_%s", i, mod.Type()),
			Type: mod.Type(),
		}
		if err := mod.Save(filepath.Join(dir, entries[i].Path), dtype); err != nil {
			return fmt.Errorf("save %s: %w", entries[i].Path, err)
		}
	}
	if err := writeJSON(filepath.Join(dir, "modules.json"), entries); err != nil {
		return err
	}

	info := checkpointInfo{
		Version:          map[string]string{"gptq_sentence": Version, "go": runtime.Version()},
		RunID:            m.RunID,
		CreatedAt:        time.Now().UTC(),
		SimilarityFnName: "cosine",
		EmbeddingDim:     m.GetSentenceEmbeddingDimension(),
		WeightsDType:     dtype,
	}
	return writeJSON(filepath.Join(dir, "config_sentence_transformers.json"), info)
}

// Load reads a checkpoint written by Save. The quantum backend named in the
// encoder config is opened with open and closed by Model.Close.
func Load(dir string, open BackendOpener) (*Model, error) {
	var entries []moduleEntry
	if err := readJSON(filepath.Join(dir, "modules.json"), &entries); err != nil {
		return nil, err
	}
	var info checkpointInfo
	if err := readJSON(filepath.Join(dir, "config_sentence_transformers.json"), &info); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	var backend quantum.Backend
	fail := func(err error) (*Model, error) {
		if backend != nil {
			backend.Close()
		}
		return nil, err
	}

	modules := make([]Module, 0, len(entries))
	for _, e := range entries {
		path := filepath.Join(dir, e.Path)
		var mod Module
		var err error
		switch e.Type {
		case "GPTQ":
			var t *Transformer
			t, backend, err = LoadTransformer(path, open)
			mod = t
		case "Pooling":
			mod, err = LoadPooling(path)
		case "Dense":
			mod, err = LoadDense(path)
		default:
			err = fmt.Errorf("unknown module type %q", e.Type)
		}
		if err != nil {
			return fail(fmt.Errorf("load %s: %w", e.Path, err))
		}
		modules = append(modules, mod)
	}

	model, err := New(modules...)
	if err != nil {
		return fail(err)
	}
	model.RunID = info.RunID
	model.backend = backend
	return model, nil
}
