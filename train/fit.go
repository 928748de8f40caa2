package train

import (
	"io"
	"math/rand"
	"time"

	"github.com/nanaya-tachibana/elmo/batch"
	"github.com/nanaya-tachibana/elmo/datasets"
	"github.com/nanaya-tachibana/elmo/distributed"
	"github.com/nanaya-tachibana/elmo/engine"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BuildLoader creates the batch source over this worker's shard of enc.
// Shuffled loaders bucket samples by lengths, which is indexed like enc.
func BuildLoader(enc datasets.Encoder, lengths []int, batchify batch.BatchifyFunc, cfg Config, shuffle bool, topo distributed.Topology) (batch.Source, error) {
	last, err := batch.ParseLastBatch(cfg.LastBatch)
	if err != nil {
		return nil, err
	}
	indices := batch.Partition(enc.Len(), topo.Size, topo.Rank)

	var sampler batch.Sampler
	if shuffle {
		if len(lengths) != enc.Len() {
			return nil, errors.Errorf("got %d lengths for %d samples", len(lengths), enc.Len())
		}
		seed := cfg.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		sampler = &batch.Bucket{
			Indices:   indices,
			Lengths:   lengths,
			BatchSize: cfg.BatchSize,
			LastBatch: last,
			Rand:      rand.New(rand.NewSource(seed + int64(topo.Rank))),
		}
	} else {
		sampler = &batch.Sequential{Indices: indices, BatchSize: cfg.BatchSize, LastBatch: last}
	}

	loader := batch.NewLoader(enc, sampler, batchify)
	klog.V(1).Infof("Worker %d loads %d samples in %d batches", topo.Rank, len(indices), loader.NumBatches())
	if cfg.Prefetch > 0 {
		return batch.NewPrefetchLoader(loader, cfg.Prefetch), nil
	}
	return loader, nil
}

// FitOptions selects the data of a Fit call. Either Train or Texts/Labels
// must be given; validation data is optional.
type FitOptions struct {
	Train  Dataset
	Texts  []string
	Labels []string

	Valid       Dataset
	ValidTexts  []string
	ValidLabels []string

	Config Config
	// Comm is used when Config.MultiGPU is set.
	Comm distributed.Communicator
}

// Fit trains a supervised model. The model adopts the training dataset's
// vocabulary and label index unless it already has them, and is built only
// if it has not been trained before.
func Fit(model SupervisedModel, opts FitOptions) (*State, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	topo := distributed.Resolve(cfg.MultiGPU, opts.Comm)

	trainSet, err := model.GetOrBuildDataset(opts.Train, opts.Texts, opts.Labels)
	if err != nil {
		return nil, errors.Wrap(err, "building training dataset")
	}
	if trainSet.Len() == 0 {
		return nil, ErrEmptyDataset
	}
	if model.Vocab() == nil {
		model.SetVocab(trainSet.Vocab())
	}
	if model.LabelIndex() == nil {
		model.SetLabelIndex(trainSet.Labels())
	}
	if !model.Trained() {
		dev, err := engine.ParseDevice(cfg.Device)
		if err != nil {
			return nil, err
		}
		if err := model.Build(dev); err != nil {
			return nil, errors.Wrap(err, "building model")
		}
	}

	var valid datasets.Encoder
	switch {
	case opts.Valid != nil:
		valid = opts.Valid
	case len(opts.ValidTexts) > 0 && len(opts.ValidLabels) > 0:
		v, err := model.GetOrBuildDataset(nil, opts.ValidTexts, opts.ValidLabels)
		if err != nil {
			return nil, errors.Wrap(err, "building validation dataset")
		}
		valid = v
	}

	batchify, err := model.Batchify()
	if err != nil {
		return nil, err
	}
	lengths, err := trainSet.TextLengths()
	if err != nil {
		return nil, err
	}
	source, err := BuildLoader(trainSet, lengths, batchify, cfg, true, topo)
	if err != nil {
		return nil, err
	}
	if c, ok := source.(io.Closer); ok {
		defer c.Close()
	}
	return Run(model, source, valid, cfg, topo)
}
