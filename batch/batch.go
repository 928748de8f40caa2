// Package batch groups encoded samples into batches of gomlx tensors.
//
// A Sampler decides which sample indices go into each batch, a BatchifyFunc
// turns the samples of one batch into tensors, and a Loader walks the
// batches of an epoch. Loaders implement Source, the contract the training
// loop consumes.
package batch

import (
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/nanaya-tachibana/elmo/datasets"
	"github.com/pkg/errors"
)

// Encoder is the dataset side of a loader.
type Encoder = datasets.Encoder

// BatchifyFunc converts the samples of one batch into its tensor fields.
type BatchifyFunc func(samples []datasets.Sample) ([]*tensors.Tensor, error)

// Source yields the batches of one epoch.
type Source interface {
	// Next returns the next batch, or io.EOF once the epoch is exhausted.
	Next() ([]*tensors.Tensor, error)
	// Reset starts a new epoch.
	Reset() error
	// BatchAxis is the axis of every field indexing samples.
	BatchAxis() int
}

// LastBatch says what to do with a final batch smaller than the batch size.
type LastBatch string

const (
	Keep    LastBatch = "keep"
	Discard LastBatch = "discard"
)

// ParseLastBatch validates a last-batch policy name.
func ParseLastBatch(s string) (LastBatch, error) {
	switch LastBatch(strings.ToLower(s)) {
	case Keep:
		return Keep, nil
	case Discard:
		return Discard, nil
	}
	return "", errors.Errorf("invalid last batch policy %q, expected keep or discard", s)
}

// Partition returns the contiguous indices [start, end) of part partIndex
// when n samples are split into numParts shards of ceil(n/numParts). Every
// index belongs to exactly one part; trailing parts may be short or empty.
func Partition(n, numParts, partIndex int) []int {
	if numParts < 1 {
		numParts = 1
	}
	per := (n + numParts - 1) / numParts
	start := min(partIndex*per, n)
	end := min(start+per, n)
	idx := make([]int, 0, end-start)
	for i := start; i < end; i++ {
		idx = append(idx, i)
	}
	return idx
}

// Pad stacks token sequences into an int32 tensor of shape [B, T], T being
// the longest sequence (at least 1), filling the tail of shorter rows with
// pad.
func Pad(seqs [][]int, pad int) *tensors.Tensor {
	width := 1
	for _, s := range seqs {
		width = max(width, len(s))
	}
	flat := make([]int32, len(seqs)*width)
	for i, s := range seqs {
		row := flat[i*width : (i+1)*width]
		for j := range row {
			if j < len(s) {
				row[j] = int32(s[j])
			} else {
				row[j] = int32(pad)
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, len(seqs), width)
}

// Lengths returns the int32 lengths of seqs as a [B] tensor.
func Lengths(seqs [][]int) *tensors.Tensor {
	flat := make([]int32, len(seqs))
	for i, s := range seqs {
		flat[i] = int32(len(s))
	}
	return tensors.FromFlatDataAndDimensions(flat, len(seqs))
}

// StackFloat stacks equally sized rows into a float32 [B, K] tensor.
func StackFloat(rows [][]int) (*tensors.Tensor, error) {
	if len(rows) == 0 {
		return nil, errors.New("cannot stack an empty batch")
	}
	k := len(rows[0])
	flat := make([]float32, 0, len(rows)*k)
	for i, r := range rows {
		if len(r) != k {
			return nil, errors.Errorf("row %d has %d values, expected %d", i, len(r), k)
		}
		for _, v := range r {
			flat = append(flat, float32(v))
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, len(rows), k), nil
}
