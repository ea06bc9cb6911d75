package tokenizer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var specials = []string{"<s>", "<pad>", "</s>", "<unk>", "<mask>"}

func trainSmall(t *testing.T, vocabSize, minFrequency int) *Tokenizer {
	t.Helper()
	tok, err := Train([]string{"low lower", "low lowest"}, TrainerConfig{
		VocabSize:     vocabSize,
		MinFrequency:  minFrequency,
		SpecialTokens: specials,
	})
	require.NoError(t, err)
	return tok
}

func TestTrainVocabularyLayout(t *testing.T) {
	tok := trainSmall(t, 100, 2)

	want := []string{
		"<s>", "<pad>", "</s>", "<unk>", "<mask>",
		"e", "l", "o", "r", "s", "t", "w",
		"r</w>", "t</w>", "w</w>",
		"lo", "we", "low</w>", "lowe",
	}
	if diff := cmp.Diff(want, tok.IdToToken); diff != "" {
		t.Errorf("vocabulary mismatch (-want +got):\n%s", diff)
	}

	wantMerges := []Merge{{"l", "o"}, {"w", "e"}, {"lo", "w</w>"}, {"lo", "we"}}
	if diff := cmp.Diff(wantMerges, tok.Merges); diff != "" {
		t.Errorf("merges mismatch (-want +got):\n%s", diff)
	}
}

func TestTrainStopsAtVocabSize(t *testing.T) {
	tok := trainSmall(t, 17, 1)
	assert.Equal(t, 17, tok.VocabSize())
	assert.Len(t, tok.Merges, 2)
}

func TestTrainMinFrequency(t *testing.T) {
	low := trainSmall(t, 100, 1)
	high := trainSmall(t, 100, 2)
	assert.Greater(t, len(low.Merges), len(high.Merges))

	none := trainSmall(t, 100, 10)
	assert.Empty(t, none.Merges)
}

func TestTrainDeterministic(t *testing.T) {
	corpus := []string{
		"A man is playing a guitar.",
		"A woman is slicing an onion.",
		"Two men are playing chess, and a dog is watching.",
		"The cat sat on the mat.",
	}
	cfg := TrainerConfig{VocabSize: 80, MinFrequency: 1, SpecialTokens: specials}

	first, err := Train(corpus, cfg)
	require.NoError(t, err)
	for range 5 {
		again, err := Train(corpus, cfg)
		require.NoError(t, err)
		require.Equal(t, first.IdToToken, again.IdToToken)
		require.Equal(t, first.Merges, again.Merges)
	}
}

func TestTrainAlphabetIncludesWordFinalCharacters(t *testing.T) {
	tok, err := Train([]string{"cat cat"}, TrainerConfig{VocabSize: 100, MinFrequency: 5, SpecialTokens: specials})
	require.NoError(t, err)

	want := []string{"<s>", "<pad>", "</s>", "<unk>", "<mask>", "a", "c", "t", "t</w>"}
	if diff := cmp.Diff(want, tok.IdToToken); diff != "" {
		t.Errorf("vocabulary mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"t", "a", "<unk>"}, tok.Tokenize("tac"))
	assert.Equal(t, []string{"c", "a", "t</w>"}, tok.Tokenize("cat"))
}

func TestTrainRejectsTinyVocab(t *testing.T) {
	_, err := Train([]string{"abc"}, TrainerConfig{VocabSize: 3, SpecialTokens: specials})
	require.Error(t, err)
}

func TestTokenize(t *testing.T) {
	tok := trainSmall(t, 100, 2)

	cases := []struct {
		text string
		want []string
	}{
		{"low", []string{"low</w>"}},
		{"lowest", []string{"lowe", "s", "t</w>"}},
		{"low, low", []string{"low</w>", "<unk>", "low</w>"}},
		{"<s>low</s>", []string{"<s>", "low</w>", "</s>"}},
		{"xy", []string{"<unk>", "<unk>"}},
		{"", nil},
	}
	for _, tt := range cases {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, tok.Tokenize(tt.text))
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	tok := trainSmall(t, 100, 2)

	ids := tok.Encode("low lowest")
	assert.Equal(t, []int{17, 18, 9, 13}, ids)

	text, err := tok.Decode(ids, true)
	require.NoError(t, err)
	assert.Equal(t, "low lowest", text)

	_, err = tok.Decode([]int{999}, false)
	require.Error(t, err)
}

func TestEncodeForModel(t *testing.T) {
	tok := trainSmall(t, 100, 2)

	ids := tok.EncodeForModel("low low low low", 4)
	assert.Equal(t, []int{0, 17, 17, 2}, ids)

	text, err := tok.Decode(ids, true)
	require.NoError(t, err)
	assert.Equal(t, "low low", text)

	text, err = tok.Decode(ids, false)
	require.NoError(t, err)
	assert.Equal(t, "<s>low low </s>", text)
}

func TestPreTokenize(t *testing.T) {
	got := PreTokenize("Hello, world! it's 3.5")
	assert.Equal(t, []string{"Hello", ",", "world", "!", "it", "'", "s", "3", ".", "5"}, got)
}

func TestNormalize(t *testing.T) {
	opts := NewDefaultTokenizerOptions()
	assert.Equal(t, "a b", normalize("a\tb\u0000", opts))
	assert.Equal(t, "Café", normalize("Café", opts))
	assert.Equal(t, "x 中 y", normalize("x中y", opts))

	opts.StripAccents = true
	opts.LowerCase = true
	assert.Equal(t, "cafe", normalize("Café", opts))
}

func TestSaveLoad(t *testing.T) {
	tok := trainSmall(t, 100, 2)
	dir := t.TempDir()

	paths, err := tok.Save(dir, "gptq")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "gptq-vocab.json"), filepath.Join(dir, "gptq-merges.txt")}, paths)

	merges, err := os.ReadFile(paths[1])
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(merges)), "\n")
	assert.Equal(t, []string{"#version: 0.2", "l o", "w e", "lo w</w>", "lo we"}, lines)

	vocab, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(vocab), `{"<s>":0,"<pad>":1,`), string(vocab))

	loaded, err := Load(dir, "gptq", specials, nil)
	require.NoError(t, err)
	if diff := cmp.Diff(tok.IdToToken, loaded.IdToToken); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(tok.Merges, loaded.Merges); diff != "" {
		t.Errorf("merges mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, tok.Encode("lowest low"), loaded.Encode("lowest low"))
}

func TestLoadRejectsBrokenFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(VocabPath(dir, "x"), []byte(`{"a":0,"<unk>":5}`), 0o644))
	require.NoError(t, os.WriteFile(MergesPath(dir, "x"), []byte("#version: 0.2\n"), 0o644))
	_, err := Load(dir, "x", nil, nil)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(VocabPath(dir, "y"), []byte(`{"a":0,"<unk>":1}`), 0o644))
	require.NoError(t, os.WriteFile(MergesPath(dir, "y"), []byte("#version: 0.2\na\n"), 0o644))
	_, err = Load(dir, "y", nil, nil)
	require.Error(t, err)
}

func TestNewTokenizerValidation(t *testing.T) {
	_, err := NewTokenizer(nil, nil, nil, nil)
	require.Error(t, err)

	_, err = NewTokenizer([]string{"a", "a", "<unk>"}, nil, nil, nil)
	require.Error(t, err)

	_, err = NewTokenizer([]string{"a", "<unk>"}, []Merge{{"a", "b"}}, nil, nil)
	require.Error(t, err)

	_, err = NewTokenizer([]string{"a"}, nil, nil, nil)
	require.Error(t, err)
}
