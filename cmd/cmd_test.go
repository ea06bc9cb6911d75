package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gptq/sentence/pkg/core"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestBackendsCommand(t *testing.T) {
	out, err := run(t, "backends")
	require.NoError(t, err)
	assert.Contains(t, out, "default.qubit")
	assert.Contains(t, out, "lightning.qubit")
}

func TestConfigCommand(t *testing.T) {
	t.Setenv("GPTQ_QDEVICE", "default.qubit")
	out, err := run(t, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "GPTQ_QDEVICE")
	assert.Contains(t, out, "default.qubit")
}

func TestVersionFlag(t *testing.T) {
	out, err := run(t, "--version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "gptq version"))
}

func TestTokenizerTrainAndEncode(t *testing.T) {
	t.Setenv("GPTQ_LOG_FORMAT", "json")
	dir := t.TempDir()
	corpus := filepath.Join(dir, "sentences.txt")
	require.NoError(t, os.WriteFile(corpus, []byte("low lower\nlow lowest\n"), 0o644))

	out, err := run(t, "tokenizer", "train", corpus, "--vocab-size", "100", "--dir", dir, "--prefix", "tiny")
	require.NoError(t, err)
	assert.Contains(t, out, "tiny-vocab.json")
	assert.Contains(t, out, "tiny-merges.txt")

	out, err = run(t, "tokenizer", "encode", "low", "--dir", dir, "--prefix", "tiny")
	require.NoError(t, err)
	assert.Contains(t, out, "[low</w>]")
}

func TestTrainSaveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hp.json")
	_, err := run(t, "train", "--save-config", path, "--epochs", "3", "--n-qlayers", "0", "--qdevice", "default.qubit")
	require.NoError(t, err)

	hp, err := core.LoadHyperParameters(path)
	require.NoError(t, err)
	assert.Equal(t, 3, hp.NumEpochs)
	assert.Equal(t, 0, hp.NumQLayers)
	assert.Equal(t, "default.qubit", hp.QDevice)
}

func TestEvaluateUnknownSplit(t *testing.T) {
	_, err := run(t, "evaluate", t.TempDir(), "--split", "holdout", "--dataset", filepath.Join(t.TempDir(), "missing.gz"))
	require.ErrorContains(t, err, `unknown split "holdout"`)
}

func TestTokenizerEncodeUsesConfiguredSpecialTokens(t *testing.T) {
	t.Setenv("GPTQ_LOG_FORMAT", "json")
	dir := t.TempDir()
	corpus := filepath.Join(dir, "sentences.txt")
	require.NoError(t, os.WriteFile(corpus, []byte("low lower\nlow lowest\n"), 0o644))

	hp := core.NewDefaultHyperParameters()
	hp.SpecialTokens = append(hp.SpecialTokens, "<sep>")
	hp.TokenizerDir = dir
	hp.TokenizerPrefix = "custom"
	config := filepath.Join(dir, "hp.json")
	require.NoError(t, core.SaveHyperParameters(hp, config))

	_, err := run(t, "tokenizer", "train", corpus, "--config", config, "--vocab-size", "100")
	require.NoError(t, err)

	out, err := run(t, "tokenizer", "encode", "low<sep>low", "--config", config)
	require.NoError(t, err)
	assert.Contains(t, out, "[low</w> <sep> low</w>]")
}

func TestEvaluateReadsDatasetFromConfig(t *testing.T) {
	dir := t.TempDir()
	hp := core.NewDefaultHyperParameters()
	hp.DatasetPath = filepath.Join(dir, "from-config.tsv.gz")
	config := filepath.Join(dir, "hp.json")
	require.NoError(t, core.SaveHyperParameters(hp, config))

	_, err := run(t, "evaluate", dir, "--config", config)
	require.ErrorContains(t, err, "from-config.tsv.gz")
}
