// Package dataset reads the STS benchmark and the tokenizer corpus and turns
// sentence pairs into padded model batches.
package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/klauspost/compress/gzip"

	"github.com/gptq/sentence/internal/logutil"
)

var (
	// ErrMalformedRow is returned for rows with missing fields or a bad score
	ErrMalformedRow = errors.New("dataset: malformed row")
	// ErrMissingColumn is returned when the header lacks a required column
	ErrMissingColumn = errors.New("dataset: missing column")
)

const (
	SplitTrain = "train"
	SplitDev   = "dev"
	SplitTest  = "test"
)

// MaxScore is the top of the STS similarity scale
const MaxScore = 5.0

var knownSplits = []string{SplitTrain, SplitDev, SplitTest}

// InputExample is one sentence pair with a similarity label in [0,1]
type InputExample struct {
	TextA string
	TextB string
	Label float64
}

// Splits holds the examples routed by their split column
type Splits struct {
	Train []InputExample
	Dev   []InputExample
	Test  []InputExample
}

// Sentences returns every sentence of every split in file order
func (s *Splits) Sentences() []string {
	var out []string
	for _, split := range [][]InputExample{s.Train, s.Dev, s.Test} {
		for _, ex := range split {
			out = append(out, ex.TextA, ex.TextB)
		}
	}
	return out
}

// ReadSTS reads a gzip compressed STS benchmark TSV
func ReadSTS(path string, logger *slog.Logger) (*Splits, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open gzip stream %s: %w", path, err)
	}
	defer zr.Close()

	splits, err := ParseSTS(zr, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return splits, nil
}

// ParseSTS reads tab separated rows with a header naming at least the split,
// sentence1, sentence2 and score columns. Fields are never quoted. Rows of
// an unknown split go to train.
func ParseSTS(r io.Reader, logger *slog.Logger) (*Splits, error) {
	logger = logutil.OrDefault(logger)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		return nil, fmt.Errorf("%w: empty file", ErrMissingColumn)
	}
	header := strings.Split(strings.TrimRight(scanner.Text(), "\r"), "\t")
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(name)] = i
	}

	var idx [4]int
	for i, name := range []string{"split", "sentence1", "sentence2", "score"} {
		pos, ok := columns[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingColumn, name)
		}
		idx[i] = pos
	}
	width := max(idx[0], idx[1], idx[2], idx[3]) + 1

	splits := &Splits{}
	warned := make(map[string]bool)
	line := 1
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if text == "" {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) < width {
			return nil, fmt.Errorf("%w: line %d has %d fields, need %d", ErrMalformedRow, line, len(fields), width)
		}

		score, err := strconv.ParseFloat(strings.TrimSpace(fields[idx[3]]), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: score %q: %w", ErrMalformedRow, line, fields[idx[3]], err)
		}
		ex := InputExample{
			TextA: fields[idx[1]],
			TextB: fields[idx[2]],
			Label: score / MaxScore,
		}

		switch split := fields[idx[0]]; split {
		case SplitDev:
			splits.Dev = append(splits.Dev, ex)
		case SplitTest:
			splits.Test = append(splits.Test, ex)
		default:
			if split != SplitTrain && !warned[split] {
				warned[split] = true
				warnSplit(logger, split, line)
			}
			splits.Train = append(splits.Train, ex)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read line %d: %w", line+1, err)
	}
	return splits, nil
}

func warnSplit(logger *slog.Logger, split string, line int) {
	logger.Warn("unrecognized split label, using train", "split", split, "line", line)
	for _, known := range knownSplits {
		if d := levenshtein.ComputeDistance(strings.ToLower(split), known); d > 0 && d <= 2 {
			logger.Warn("split label looks like a typo", "split", split, "suggestion", known)
			return
		}
	}
}
