package dataset

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stsSample = "genre\tfilename\tyear\tid\tscore\tsentence1\tsentence2\tsplit\n" +
	"main-captions\tMSRvid\t2012test\t0001\t5.000\tA plane is taking off.\tAn air plane is taking off.\ttrain\n" +
	"main-captions\tMSRvid\t2012test\t0004\t2.500\tA man is playing a flute.\tA man is playing a bamboo flute.\tdev\n" +
	"main-captions\tMSRvid\t2012test\t0005\t0.000\tA man is \"spreading\" cheese.\tA man is spreading shreded cheese on a pizza.\ttest\n" +
	"main-captions\tMSRvid\t2012test\t0006\t3.600\tThree men are playing chess.\tTwo men are playing chess.\tdve\n" +
	"main-captions\tMSRvid\t2012test\t0009\t4.250\tA man is playing the cello.\tA man seated is playing the cello.\tholdout\n"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestParseSTS(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	splits, err := ParseSTS(strings.NewReader(stsSample), logger)
	require.NoError(t, err)

	require.Len(t, splits.Train, 3)
	require.Len(t, splits.Dev, 1)
	require.Len(t, splits.Test, 1)

	assert.Equal(t, InputExample{"A plane is taking off.", "An air plane is taking off.", 1.0}, splits.Train[0])
	assert.InDelta(t, 0.5, splits.Dev[0].Label, 1e-12)
	assert.InDelta(t, 0.0, splits.Test[0].Label, 1e-12)
	assert.Equal(t, `A man is "spreading" cheese.`, splits.Test[0].TextA)
	assert.InDelta(t, 0.72, splits.Train[1].Label, 1e-12)

	out := logs.String()
	assert.Contains(t, out, "split=dve")
	assert.Contains(t, out, "looks like a typo")
	assert.Contains(t, out, "split=holdout")
	assert.Equal(t, 1, strings.Count(out, "looks like a typo"))
}

func TestParseSTSErrors(t *testing.T) {
	_, err := ParseSTS(strings.NewReader("split\tsentence1\tscore\n"), discardLogger())
	require.ErrorIs(t, err, ErrMissingColumn)

	_, err = ParseSTS(strings.NewReader(""), discardLogger())
	require.ErrorIs(t, err, ErrMissingColumn)

	_, err = ParseSTS(strings.NewReader("split\tsentence1\tsentence2\tscore\ntrain\ta\tb\n"), discardLogger())
	require.ErrorIs(t, err, ErrMalformedRow)

	_, err = ParseSTS(strings.NewReader("split\tsentence1\tsentence2\tscore\ntrain\ta\tb\thigh\n"), discardLogger())
	require.ErrorIs(t, err, ErrMalformedRow)
}

func TestReadSTS(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sts.tsv.gz")
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(stsSample))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	splits, err := ReadSTS(path, discardLogger())
	require.NoError(t, err)
	assert.Len(t, splits.Sentences(), 10)

	_, err = ReadSTS(filepath.Join(t.TempDir(), "missing.gz"), nil)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestCorpusRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sentences.txt")
	require.NoError(t, WriteCorpus(path, []string{"first line", "", "two\nlines"}))

	lines, err := ReadCorpus(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"first line", "two lines"}, lines)
}

func TestReadCorpusBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bom.txt")
	require.NoError(t, os.WriteFile(path, []byte("\xef\xbb\xbfhello\r\nworld\n"), 0o644))

	lines, err := ReadCorpus(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "world"}, lines)
}

func TestLoader(t *testing.T) {
	examples := make([]InputExample, 10)
	for i := range examples {
		examples[i] = InputExample{TextA: string(rune('a' + i)), Label: float64(i)}
	}

	l := NewLoader(examples, 4, false, 1)
	assert.Equal(t, 3, l.Len())
	batches := l.Batches()
	require.Len(t, batches, 3)
	assert.Len(t, batches[2], 2)
	assert.Equal(t, "a", batches[0][0].TextA)

	shuffled := NewLoader(examples, 4, true, 7)
	again := NewLoader(examples, 4, true, 7)
	first := shuffled.Batches()
	assert.Equal(t, first, again.Batches())

	seen := make(map[string]bool)
	for _, b := range first {
		for _, ex := range b {
			seen[ex.TextA] = true
		}
	}
	assert.Len(t, seen, 10)
}

type fakeEncoder struct{}

func (fakeEncoder) EncodeForModel(text string, maxLen int) []int {
	ids := []int{0}
	for range strings.Fields(text) {
		ids = append(ids, 5)
	}
	ids = append(ids, 2)
	if len(ids) > maxLen {
		ids = append(ids[:maxLen-1], 2)
	}
	return ids
}

func (fakeEncoder) PadID() int { return 1 }

func TestCollate(t *testing.T) {
	batch, err := Collate([]string{"one", "one two three"}, fakeEncoder{}, 16)
	require.NoError(t, err)

	assert.Equal(t, [][]int{{0, 5, 2, 1, 1}, {0, 5, 5, 5, 2}}, batch.IDs)
	assert.Equal(t, [][]float64{{1, 1, 1, 0, 0}, {1, 1, 1, 1, 1}}, batch.Mask)
	assert.Equal(t, []int{3, 5}, batch.Lengths)
	assert.Equal(t, 2, batch.Size())

	batch, err = Collate([]string{"a b c d e f"}, fakeEncoder{}, 4)
	require.NoError(t, err)
	assert.Len(t, batch.IDs[0], 4)

	_, err = Collate(nil, fakeEncoder{}, 4)
	require.Error(t, err)
}

func TestCollatePairs(t *testing.T) {
	a, b, labels, err := CollatePairs([]InputExample{
		{TextA: "x", TextB: "y z", Label: 0.25},
		{TextA: "x y", TextB: "z", Label: 1},
	}, fakeEncoder{}, 8)
	require.NoError(t, err)
	assert.Equal(t, 2, a.Size())
	assert.Equal(t, 2, b.Size())
	assert.Equal(t, []float64{0.25, 1}, labels)
}
