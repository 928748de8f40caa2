// Package datasets turns raw tab-delimited rows into encoded training samples.
//
// A dataset wraps a RowSource and owns exactly one vocabulary and one label
// index, either built by a single scan over the rows or injected from
// another dataset so that training and validation share the same id spaces.
// Samples are encoded lazily on every access; wrap a dataset with NewCached
// to keep encoded samples around.
//
// Layout and intended usage:
//
//	source, _ := datasets.NewInMemory(texts, labels)
//	train, _ := datasets.NewClassifyDataset(source, datasets.Options{})
//	valid, _ := datasets.NewClassifyDataset(validSource, datasets.Options{
//		Vocab:  train.Vocab(),
//		Labels: train.Labels(),
//	})
package datasets

import (
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrMalformedRow is returned for rows missing the label field.
	ErrMalformedRow = errors.New("malformed row")

	// ErrNoLabels is returned when a non-empty corpus yields no labels.
	ErrNoLabels = errors.New("corpus has no labels")
)

const (
	// FieldSeparator separates the fields of a row.
	FieldSeparator = "\t"
	// LabelSeparator separates the labels of a label field.
	LabelSeparator = "|"
)

// RowSource is a random-access collection of raw rows.
type RowSource interface {
	Len() int
	Row(i int) (string, error)
}

// Sample is one encoded row. The meaning of Labels depends on the label
// policy of the dataset that produced it.
type Sample struct {
	Tokens []int
	Labels []int
}

// Encoder is the minimal interface batch loaders need from a dataset.
type Encoder interface {
	Len() int
	Sample(i int) (Sample, error)
}

// SplitRow splits a row into its fields: text, label field, extra fields.
func SplitRow(row string) []string {
	return strings.Split(row, FieldSeparator)
}

func splitSupervised(row string) (text, label string, err error) {
	fields := SplitRow(row)
	if len(fields) < 2 {
		return "", "", errors.Wrapf(ErrMalformedRow, "expected text and label fields, got %d field(s)", len(fields))
	}
	return fields[0], fields[1], nil
}

func splitLabels(label string) []string {
	return strings.Split(label, LabelSeparator)
}

// truncate keeps the first maxLength runes of text. A non-positive maxLength
// disables truncation.
func truncate(text string, maxLength int) string {
	if maxLength <= 0 {
		return text
	}
	n := 0
	for i := range text {
		if n == maxLength {
			return text[:i]
		}
		n++
	}
	return text
}
