package dataset

import "math/rand"

// Loader yields batches of examples, reshuffled on every pass when Shuffle
// is set. The last batch may be short.
type Loader struct {
	Examples  []InputExample
	BatchSize int
	Shuffle   bool

	rng   *rand.Rand
	order []int
}

// NewLoader creates a loader with its own seeded shuffle stream
func NewLoader(examples []InputExample, batchSize int, shuffle bool, seed int64) *Loader {
	if batchSize < 1 {
		batchSize = 1
	}
	order := make([]int, len(examples))
	for i := range order {
		order[i] = i
	}
	return &Loader{
		Examples:  examples,
		BatchSize: batchSize,
		Shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		order:     order,
	}
}

// Len returns the number of batches per pass
func (l *Loader) Len() int {
	return (len(l.Examples) + l.BatchSize - 1) / l.BatchSize
}

// Batches returns the batches of one pass over the examples
func (l *Loader) Batches() [][]InputExample {
	if l.Shuffle {
		l.rng.Shuffle(len(l.order), func(i, j int) {
			l.order[i], l.order[j] = l.order[j], l.order[i]
		})
	}
	batches := make([][]InputExample, 0, l.Len())
	for start := 0; start < len(l.order); start += l.BatchSize {
		end := min(start+l.BatchSize, len(l.order))
		batch := make([]InputExample, 0, end-start)
		for _, i := range l.order[start:end] {
			batch = append(batch, l.Examples[i])
		}
		batches = append(batches, batch)
	}
	return batches
}
