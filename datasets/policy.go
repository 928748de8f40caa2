package datasets

import (
	"github.com/nanaya-tachibana/elmo/vocab"
)

// OutsideTag is what TagIDs decodes ids without a label to.
const OutsideTag = "O"

// LabelPolicy converts a pipe-delimited label field to its numeric form and
// back.
type LabelPolicy interface {
	Encode(label string, index *vocab.LabelIndex, maxLength int) ([]int, error)
	Decode(ids []int, index *vocab.LabelIndex) []string
}

// PlainIDs encodes one id per label, in input order, without truncation.
type PlainIDs struct{}

func (PlainIDs) Encode(label string, index *vocab.LabelIndex, _ int) ([]int, error) {
	return lookupAll(splitLabels(label), index)
}

// Decode drops ids that have no label.
func (PlainIDs) Decode(ids []int, index *vocab.LabelIndex) []string {
	return decodeKnown(ids, index)
}

// MultiHot encodes the label set as a 0/1 vector with one entry per label in
// the index. The vector does not depend on the order of the labels in the
// field. Empty labels contribute nothing, so an empty field encodes to all
// zeros.
type MultiHot struct{}

func (MultiHot) Encode(label string, index *vocab.LabelIndex, _ int) ([]int, error) {
	vec := make([]int, index.Len())
	for _, l := range splitLabels(label) {
		if l == "" {
			continue
		}
		id, err := index.ID(l)
		if err != nil {
			return nil, err
		}
		vec[id] = 1
	}
	return vec, nil
}

// Decode takes label ids (not a multi-hot vector) and drops unknown ones.
func (MultiHot) Decode(ids []int, index *vocab.LabelIndex) []string {
	return decodeKnown(ids, index)
}

// TagIDs encodes one tag id per position, truncated to maxLength so tags
// stay aligned with the truncated text.
type TagIDs struct{}

func (TagIDs) Encode(label string, index *vocab.LabelIndex, maxLength int) ([]int, error) {
	tags := splitLabels(label)
	if maxLength > 0 && len(tags) > maxLength {
		tags = tags[:maxLength]
	}
	return lookupAll(tags, index)
}

// Decode maps ids without a label to OutsideTag.
func (TagIDs) Decode(ids []int, index *vocab.LabelIndex) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		l, ok := index.Label(id)
		if !ok {
			l = OutsideTag
		}
		out[i] = l
	}
	return out
}

func lookupAll(labels []string, index *vocab.LabelIndex) ([]int, error) {
	ids := make([]int, len(labels))
	for i, l := range labels {
		id, err := index.ID(l)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func decodeKnown(ids []int, index *vocab.LabelIndex) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if l, ok := index.Label(id); ok {
			out = append(out, l)
		}
	}
	return out
}
