package vocab

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
)

// ErrUnknownLabel is returned when a label has no id in a LabelIndex.
var ErrUnknownLabel = errors.New("unknown label")

// LabelIndex maps label strings to contiguous ids 0..K-1 and back.
type LabelIndex struct {
	labelToIdx map[string]int
	idxToLabel []string
}

// NewLabelIndex indexes the distinct non-empty labels, sorted lexically.
func NewLabelIndex(labels []string) *LabelIndex {
	distinct := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		if l != "" {
			distinct[l] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(distinct))
	for l := range distinct {
		sorted = append(sorted, l)
	}
	sort.Strings(sorted)

	li := &LabelIndex{
		labelToIdx: make(map[string]int, len(sorted)),
		idxToLabel: sorted,
	}
	for i, l := range sorted {
		li.labelToIdx[l] = i
	}
	return li
}

// LabelIndexFromMap adopts an existing label-to-id mapping, for instance one
// saved alongside a trained model. Ids must cover 0..K-1 exactly.
func LabelIndexFromMap(m map[string]int) (*LabelIndex, error) {
	li := &LabelIndex{
		labelToIdx: make(map[string]int, len(m)),
		idxToLabel: make([]string, len(m)),
	}
	filled := make([]bool, len(m))
	for l, id := range m {
		if l == "" {
			return nil, errors.New("empty label cannot have an id")
		}
		if id < 0 || id >= len(m) {
			return nil, errors.Errorf("label %q has id %d outside [0, %d)", l, id, len(m))
		}
		if filled[id] {
			return nil, errors.Errorf("label id %d assigned twice", id)
		}
		filled[id] = true
		li.labelToIdx[l] = id
		li.idxToLabel[id] = l
	}
	return li, nil
}

// Len returns the number of labels K.
func (li *LabelIndex) Len() int {
	return len(li.idxToLabel)
}

// ID returns the id of label. Unknown labels are an error wrapping
// ErrUnknownLabel.
func (li *LabelIndex) ID(label string) (int, error) {
	id, ok := li.labelToIdx[label]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownLabel, "%q", label)
	}
	return id, nil
}

// Label returns the label with the given id.
func (li *LabelIndex) Label(id int) (string, bool) {
	if id < 0 || id >= len(li.idxToLabel) {
		return "", false
	}
	return li.idxToLabel[id], true
}

// Labels returns the labels in id order.
func (li *LabelIndex) Labels() []string {
	out := make([]string, len(li.idxToLabel))
	copy(out, li.idxToLabel)
	return out
}

// Map returns a copy of the label-to-id mapping.
func (li *LabelIndex) Map() map[string]int {
	out := make(map[string]int, len(li.labelToIdx))
	for l, id := range li.labelToIdx {
		out[l] = id
	}
	return out
}

func (li *LabelIndex) MarshalJSON() ([]byte, error) {
	return json.Marshal(li.labelToIdx)
}

func (li *LabelIndex) UnmarshalJSON(data []byte) error {
	var m map[string]int
	if err := json.Unmarshal(data, &m); err != nil {
		return errors.Wrap(err, "decode label index")
	}
	restored, err := LabelIndexFromMap(m)
	if err != nil {
		return err
	}
	*li = *restored
	return nil
}
