package dataset

import "fmt"

// Encoder turns text into model ids
type Encoder interface {
	EncodeForModel(text string, maxLen int) []int
	PadID() int
}

// Batch is a padded batch of token id sequences
type Batch struct {
	IDs     [][]int
	Mask    [][]float64
	Lengths []int
}

// Size returns the number of sequences
func (b *Batch) Size() int {
	return len(b.IDs)
}

// Collate tokenizes texts, truncates each sequence to maxLen and pads the
// batch to its longest sequence.
func Collate(texts []string, enc Encoder, maxLen int) (*Batch, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("cannot collate an empty batch")
	}
	if maxLen < 1 {
		return nil, fmt.Errorf("max length must be positive, got %d", maxLen)
	}

	seqs := make([][]int, len(texts))
	lengths := make([]int, len(texts))
	longest := 0
	for i, text := range texts {
		ids := enc.EncodeForModel(text, maxLen)
		if len(ids) > maxLen {
			ids = ids[:maxLen]
		}
		seqs[i] = ids
		lengths[i] = len(ids)
		longest = max(longest, len(ids))
	}

	pad := enc.PadID()
	for i, ids := range seqs {
		padded := make([]int, longest)
		copy(padded, ids)
		for j := len(ids); j < longest; j++ {
			padded[j] = pad
		}
		seqs[i] = padded
	}

	return &Batch{
		IDs:     seqs,
		Mask:    NewPaddingMask(longest, lengths),
		Lengths: lengths,
	}, nil
}

// NewPaddingMask marks valid positions with 1 and padding with 0
func NewPaddingMask(seqLen int, validLengths []int) [][]float64 {
	mask := make([][]float64, len(validLengths))
	for i, validLen := range validLengths {
		mask[i] = make([]float64, seqLen)
		for j := 0; j < seqLen && j < validLen; j++ {
			mask[i][j] = 1.0
		}
	}
	return mask
}

// CollatePairs collates both sides of examples and returns their labels
func CollatePairs(examples []InputExample, enc Encoder, maxLen int) (*Batch, *Batch, []float64, error) {
	textsA := make([]string, len(examples))
	textsB := make([]string, len(examples))
	labels := make([]float64, len(examples))
	for i, ex := range examples {
		textsA[i], textsB[i], labels[i] = ex.TextA, ex.TextB, ex.Label
	}
	a, err := Collate(textsA, enc, maxLen)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("collate first sentences: %w", err)
	}
	b, err := Collate(textsB, enc, maxLen)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("collate second sentences: %w", err)
	}
	return a, b, labels, nil
}
