package datasets

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/nanaya-tachibana/elmo/vocab"
)

// DefaultMaxLength is the text truncation length used when Options leaves it
// unset.
const DefaultMaxLength = 100

// Options configures dataset construction.
type Options struct {
	// Vocab is reused when set; otherwise it is built from the rows.
	Vocab *vocab.Vocab
	// Labels is reused when set; otherwise it is built from the rows.
	// Ignored by unsupervised datasets.
	Labels *vocab.LabelIndex
	// Segmenter splits texts into tokens. Defaults to Characters.
	Segmenter Segmenter
	// MaxLength truncates texts (in runes) before segmentation, and tag
	// sequences for sequence tagging. Defaults to DefaultMaxLength; negative
	// disables truncation.
	MaxLength int
}

func (o Options) withDefaults() Options {
	if o.Segmenter == nil {
		o.Segmenter = Characters
	}
	if o.MaxLength == 0 {
		o.MaxLength = DefaultMaxLength
	}
	return o
}

// Dataset encodes the text field of every row into token ids.
type Dataset struct {
	source    RowSource
	vocab     *vocab.Vocab
	segment   Segmenter
	maxLength int

	lengthsOnce sync.Once
	textLengths []int
	lengthsErr  error
}

// NewDataset builds an unsupervised dataset, scanning the rows once unless
// opts.Vocab is set.
func NewDataset(source RowSource, opts Options) (*Dataset, error) {
	opts = opts.withDefaults()
	d := &Dataset{source: source, segment: opts.Segmenter, maxLength: opts.MaxLength}

	if opts.Vocab != nil {
		d.vocab = opts.Vocab
		return d, nil
	}

	counter := vocab.Counter{}
	lengths := make([]int, 0, source.Len())
	for i := 0; i < source.Len(); i++ {
		row, err := source.Row(i)
		if err != nil {
			return nil, errors.Wrapf(err, "scan row %d", i)
		}
		tokens := d.segmentText(SplitRow(row)[0])
		counter.Update(tokens)
		lengths = append(lengths, len(tokens))
	}
	d.vocab = vocab.New(counter)
	d.setTextLengths(lengths)
	return d, nil
}

func (d *Dataset) setTextLengths(lengths []int) {
	d.lengthsOnce.Do(func() { d.textLengths = lengths })
}

func (d *Dataset) segmentText(text string) []string {
	return d.segment(truncate(text, d.maxLength))
}

func (d *Dataset) encodeText(text string) []int {
	return d.vocab.IDs(d.segmentText(text))
}

// Len returns the number of rows.
func (d *Dataset) Len() int { return d.source.Len() }

// Vocab returns the vocabulary owned by the dataset.
func (d *Dataset) Vocab() *vocab.Vocab { return d.vocab }

// MaxLength returns the truncation length.
func (d *Dataset) MaxLength() int { return d.maxLength }

// Source returns the backing row source.
func (d *Dataset) Source() RowSource { return d.source }

// Tokens encodes the text of row i.
func (d *Dataset) Tokens(i int) ([]int, error) {
	row, err := d.source.Row(i)
	if err != nil {
		return nil, err
	}
	return d.encodeText(SplitRow(row)[0]), nil
}

// TextLengths returns the token count of every row after truncation. The
// counts come from the construction scan when there was one, otherwise they
// are computed once on first use.
func (d *Dataset) TextLengths() ([]int, error) {
	d.lengthsOnce.Do(func() {
		lengths := make([]int, d.Len())
		for i := range lengths {
			ids, err := d.Tokens(i)
			if err != nil {
				d.lengthsErr = errors.Wrapf(err, "row %d", i)
				return
			}
			lengths[i] = len(ids)
		}
		d.textLengths = lengths
	})
	return d.textLengths, d.lengthsErr
}

// IDsToTokens maps token ids back to tokens.
func (d *Dataset) IDsToTokens(ids []int) ([]string, error) {
	return d.vocab.Tokens(ids)
}

// Supervised encodes both the text and the label field of every row.
type Supervised struct {
	*Dataset
	labels *vocab.LabelIndex
	policy LabelPolicy
}

// NewSupervised builds a supervised dataset. A single pass over the rows
// collects token counts and labels for whichever of opts.Vocab and
// opts.Labels is not supplied.
func NewSupervised(source RowSource, policy LabelPolicy, opts Options) (*Supervised, error) {
	opts = opts.withDefaults()
	s := &Supervised{
		Dataset: &Dataset{source: source, segment: opts.Segmenter, maxLength: opts.MaxLength},
		labels:  opts.Labels,
		policy:  policy,
	}
	s.vocab = opts.Vocab

	buildVocab, buildLabels := opts.Vocab == nil, opts.Labels == nil
	if !buildVocab && !buildLabels {
		return s, nil
	}

	n := source.Len()
	counter := vocab.Counter{}
	lengths := make([]int, 0, n)
	var labels []string
	for i := 0; i < n; i++ {
		row, err := source.Row(i)
		if err != nil {
			return nil, errors.Wrapf(err, "scan row %d", i)
		}
		text, label, err := splitSupervised(row)
		if err != nil {
			return nil, errors.Wrapf(err, "scan row %d", i)
		}
		if buildVocab {
			tokens := s.segmentText(text)
			counter.Update(tokens)
			lengths = append(lengths, len(tokens))
		}
		if buildLabels {
			labels = append(labels, splitLabels(label)...)
		}
	}

	if buildVocab {
		s.vocab = vocab.New(counter)
		s.setTextLengths(lengths)
	}
	if buildLabels {
		s.labels = vocab.NewLabelIndex(labels)
		if n > 0 && s.labels.Len() == 0 {
			return nil, errors.Wrapf(ErrNoLabels, "all %d rows have empty labels", n)
		}
	}
	return s, nil
}

// NewClassifyDataset builds a multi-label classification dataset whose
// labels are multi-hot vectors.
func NewClassifyDataset(source RowSource, opts Options) (*Supervised, error) {
	return NewSupervised(source, MultiHot{}, opts)
}

// NewSequenceTagDataset builds a sequence tagging dataset whose labels are
// per-position tag ids truncated to the maximum length.
func NewSequenceTagDataset(source RowSource, opts Options) (*Supervised, error) {
	return NewSupervised(source, TagIDs{}, opts)
}

// Labels returns the label index owned by the dataset.
func (s *Supervised) Labels() *vocab.LabelIndex { return s.labels }

// Policy returns the label encoding policy.
func (s *Supervised) Policy() LabelPolicy { return s.policy }

// Sample encodes row i. A label missing from the label index fails the
// sample.
func (s *Supervised) Sample(i int) (Sample, error) {
	row, err := s.source.Row(i)
	if err != nil {
		return Sample{}, err
	}
	text, label, err := splitSupervised(row)
	if err != nil {
		return Sample{}, errors.Wrapf(err, "row %d", i)
	}
	labels, err := s.policy.Encode(label, s.labels, s.maxLength)
	if err != nil {
		return Sample{}, errors.Wrapf(err, "row %d", i)
	}
	return Sample{Tokens: s.encodeText(text), Labels: labels}, nil
}

// DecodeLabels maps label ids back to label strings using the policy.
func (s *Supervised) DecodeLabels(ids []int) []string {
	return s.policy.Decode(ids, s.labels)
}
