package core

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchReferenceRun(t *testing.T) {
	hp := NewDefaultHyperParameters()
	require.NoError(t, hp.Validate())

	assert.Equal(t, 32, hp.EmbedDim)
	assert.Equal(t, 2000, hp.VocabSize)
	assert.Equal(t, 4, hp.NumHeads)
	assert.Equal(t, 0.1, hp.DropoutRate)
	assert.Equal(t, 1, hp.NumTLayers)
	assert.Equal(t, 512, hp.MaxSeqLen)
	assert.Equal(t, 1, hp.NumQLayers)
	assert.Equal(t, "lightning.qubit", hp.QDevice)
	assert.Equal(t, 1e-3, hp.LearningRate)
	assert.Equal(t, 16, hp.BatchSize)
	assert.Equal(t, 2, hp.NumEpochs)
	assert.Equal(t, 1000, hp.EvaluationSteps)
	assert.Equal(t, 256, hp.DenseOutDim)
	assert.Equal(t, 2, hp.MinFrequency)
	assert.Equal(t, []string{"<s>", "<pad>", "</s>", "<unk>", "<mask>"}, hp.SpecialTokens)
}

func TestModelConfig(t *testing.T) {
	hp := NewDefaultHyperParameters()
	hp.VocabSize = 300
	cfg := hp.ModelConfig()

	want := *NewDefaultConfig()
	want.SrcVocab = 300
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("model config mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 128, cfg.FFNDim())
	cfg.FFNHiddenDim = 0
	assert.Equal(t, 4*cfg.EmbedDim, cfg.FFNDim())
}

func TestValidateReportsEveryProblem(t *testing.T) {
	hp := NewDefaultHyperParameters()
	hp.BatchSize = 0
	hp.DropoutRate = 1
	hp.VocabSize = 3

	err := hp.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidHyperParameters))
	assert.Contains(t, err.Error(), "batch_size")
	assert.Contains(t, err.Error(), "dropout_rate")
	assert.Contains(t, err.Error(), "vocab_size")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "hp.json")
	hp := NewDefaultHyperParameters()
	hp.NumQLayers = 0
	hp.PoolingModes = []string{"mean", "max"}

	require.NoError(t, SaveHyperParameters(hp, path))
	loaded, err := LoadHyperParameters(path)
	require.NoError(t, err)
	if diff := cmp.Diff(hp, loaded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadKeepsDefaultsForMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hp.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"embed_dim": 16, "n_qlayers": 2}`), 0o644))

	hp, err := LoadHyperParameters(path)
	require.NoError(t, err)
	assert.Equal(t, 16, hp.EmbedDim)
	assert.Equal(t, 2, hp.NumQLayers)
	assert.Equal(t, 16, hp.BatchSize)
	assert.Equal(t, "lightning.qubit", hp.QDevice)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("GPTQ_QDEVICE", "default.qubit")
	t.Setenv("GPTQ_OUTPUT_DIR", "'/tmp/runs'")
	t.Setenv("GPTQ_NUM_THREADS", "3")
	t.Setenv("GPTQ_SEED", "7")

	hp := NewDefaultHyperParameters()
	hp.ApplyEnv()
	assert.Equal(t, "default.qubit", hp.QDevice)
	assert.Equal(t, "/tmp/runs", hp.OutputDir)
	assert.Equal(t, 3, hp.NumThreads)
	assert.Equal(t, int64(7), hp.Seed)
}

func TestApplyEnvSeed(t *testing.T) {
	cases := []struct {
		value string
		want  int64
	}{
		{"", 42},
		{"0", 0},
		{"13", 13},
		{"-1", 42},
		{"abc", 42},
	}
	for _, tt := range cases {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("GPTQ_SEED", tt.value)
			hp := NewDefaultHyperParameters()
			hp.ApplyEnv()
			assert.Equal(t, tt.want, hp.Seed)
		})
	}
}
