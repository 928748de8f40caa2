package train

import (
	"github.com/nanaya-tachibana/elmo/batch"
	"github.com/nanaya-tachibana/elmo/datasets"
	"github.com/nanaya-tachibana/elmo/engine"
	"github.com/nanaya-tachibana/elmo/vocab"
	"github.com/pkg/errors"
)

var (
	// ErrNotImplemented is returned by the Base hooks a concrete model did
	// not override.
	ErrNotImplemented = errors.New("not implemented")

	// ErrNoParameters is returned when a model has no trainable parameters.
	ErrNoParameters = errors.New("no trainable parameters")

	// ErrEmptyDataset is returned when fitting on a dataset with no rows.
	ErrEmptyDataset = errors.New("empty training dataset")
)

// Model is what the training loop needs from a model.
type Model interface {
	Parameters() []*engine.Parameter
	// CalculateLoss computes per-sample losses for one batch under t.
	CalculateLoss(t *engine.Tape, fields []*engine.Array) (*engine.Loss, error)
	Batchify() (batch.BatchifyFunc, error)
	// ValidLog scores the model on valid, logs and returns the score.
	ValidLog(valid datasets.Encoder) (float64, error)
	Save(path string) error
	Trained() bool
	MarkTrained()
}

// Dataset is a supervised dataset as seen by Fit.
type Dataset interface {
	datasets.Encoder
	Vocab() *vocab.Vocab
	Labels() *vocab.LabelIndex
	TextLengths() ([]int, error)
}

// SupervisedModel is a Model that builds its own datasets and owns the
// vocabulary and label index they are encoded with.
type SupervisedModel interface {
	Model
	// Build creates the parameters. It is called once, before the first fit.
	Build(dev engine.Device) error
	Vocab() *vocab.Vocab
	SetVocab(v *vocab.Vocab)
	LabelIndex() *vocab.LabelIndex
	SetLabelIndex(li *vocab.LabelIndex)
	// GetOrBuildDataset returns ds if given, otherwise a dataset over the
	// texts and labels using the model's vocabulary and label index when set.
	GetOrBuildDataset(ds Dataset, texts, labels []string) (Dataset, error)
}

// Base implements the bookkeeping of SupervisedModel. Embed it and override
// the hooks; the ones left alone fail with ErrNotImplemented.
type Base struct {
	trained bool
	vocab   *vocab.Vocab
	labels  *vocab.LabelIndex
}

func (b *Base) Trained() bool                     { return b.trained }
func (b *Base) MarkTrained()                      { b.trained = true }
func (b *Base) Vocab() *vocab.Vocab               { return b.vocab }
func (b *Base) SetVocab(v *vocab.Vocab)           { b.vocab = v }
func (b *Base) LabelIndex() *vocab.LabelIndex     { return b.labels }
func (b *Base) SetLabelIndex(li *vocab.LabelIndex) { b.labels = li }

func (b *Base) Parameters() []*engine.Parameter { return nil }

func (b *Base) CalculateLoss(*engine.Tape, []*engine.Array) (*engine.Loss, error) {
	return nil, errors.Wrap(ErrNotImplemented, "calculate loss")
}

func (b *Base) Batchify() (batch.BatchifyFunc, error) {
	return nil, errors.Wrap(ErrNotImplemented, "batchify")
}

func (b *Base) ValidLog(datasets.Encoder) (float64, error) {
	return 0, errors.Wrap(ErrNotImplemented, "valid log")
}

func (b *Base) Save(string) error {
	return errors.Wrap(ErrNotImplemented, "save")
}

func (b *Base) Build(engine.Device) error {
	return errors.Wrap(ErrNotImplemented, "build")
}

func (b *Base) GetOrBuildDataset(Dataset, []string, []string) (Dataset, error) {
	return nil, errors.Wrap(ErrNotImplemented, "build dataset")
}
