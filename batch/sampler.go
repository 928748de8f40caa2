package batch

import (
	"math/rand"
	"sort"
)

// Sampler produces the batches of one epoch as lists of sample indices.
type Sampler interface {
	Batches() [][]int
}

// Sequential yields indices in order.
type Sequential struct {
	Indices   []int
	BatchSize int
	LastBatch LastBatch
}

func (s *Sequential) Batches() [][]int {
	return cut(s.Indices, s.BatchSize, s.LastBatch)
}

// bucketPoolFactor is the number of batches sorted together by length.
const bucketPoolFactor = 100

// Bucket shuffles indices, sorts pools of BatchSize*100 samples by length so
// that batches hold texts of similar length, and shuffles the batch order.
type Bucket struct {
	Indices []int
	// Lengths is indexed by sample index.
	Lengths   []int
	BatchSize int
	LastBatch LastBatch
	Rand      *rand.Rand
}

func (s *Bucket) Batches() [][]int {
	order := append([]int(nil), s.Indices...)
	s.Rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	pool := max(s.BatchSize, 1) * bucketPoolFactor
	for start := 0; start < len(order); start += pool {
		p := order[start:min(start+pool, len(order))]
		sort.SliceStable(p, func(i, j int) bool { return s.Lengths[p[i]] < s.Lengths[p[j]] })
	}

	batches := cut(order, s.BatchSize, s.LastBatch)
	s.Rand.Shuffle(len(batches), func(i, j int) { batches[i], batches[j] = batches[j], batches[i] })
	return batches
}

func cut(indices []int, batchSize int, last LastBatch) [][]int {
	if batchSize < 1 {
		batchSize = 1
	}
	batches := make([][]int, 0, (len(indices)+batchSize-1)/batchSize)
	for start := 0; start < len(indices); start += batchSize {
		end := start + batchSize
		if end > len(indices) {
			if last == Discard {
				break
			}
			end = len(indices)
		}
		batches = append(batches, indices[start:end])
	}
	return batches
}
