// Command train fits the reference text classifier on tab-separated rows
// (text, pipe-separated labels) read from text files or an indexed record
// file.
//
// Usage:
//
//	train --train 'data/train-*.tsv' --valid data/valid.tsv --config train.yaml --output model.gob
package main

import (
	"flag"
	"io"
	"strconv"
	"strings"

	"github.com/alexflint/go-arg"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/nanaya-tachibana/elmo/datasets"
	"github.com/nanaya-tachibana/elmo/simple"
	"github.com/nanaya-tachibana/elmo/train"
)

type args struct {
	Train  string `arg:"--train,required" help:"training rows: a glob of TSV files or a .rec file"`
	Valid  string `arg:"--valid" help:"validation rows, same formats as --train"`
	Config string `arg:"--config" help:"YAML training config; flags below override it"`
	Output string `arg:"--output" help:"path of the final model"`
	Plot   string `arg:"--plot" help:"write the loss curve to this PNG"`

	Epochs     int     `arg:"--epochs"`
	BatchSize  int     `arg:"--batch-size"`
	LR         float64 `arg:"--lr"`
	Optimizer  string  `arg:"--optimizer"`
	Checkpoint string  `arg:"--checkpoint" help:"checkpoint path prefix"`
	Prefetch   int     `arg:"--prefetch"`
	Seed       int64   `arg:"--seed"`

	EmbeddingSize int `arg:"--embedding-size"`
	HiddenSize    int `arg:"--hidden-size"`
	MaxLength     int `arg:"--max-length"`

	Verbosity int `arg:"-v" help:"klog verbosity"`
}

func (a args) config() (train.Config, error) {
	cfg := train.DefaultConfig()
	if a.Config != "" {
		var err error
		if cfg, err = train.LoadConfig(a.Config); err != nil {
			return cfg, err
		}
	}
	if a.Epochs > 0 {
		cfg.NEpochs = a.Epochs
	}
	if a.BatchSize > 0 {
		cfg.BatchSize = a.BatchSize
	}
	if a.LR > 0 {
		cfg.LR = a.LR
	}
	if a.Optimizer != "" {
		cfg.Optimizer = a.Optimizer
	}
	if a.Checkpoint != "" {
		cfg.Checkpoint = a.Checkpoint
	}
	if a.Prefetch > 0 {
		cfg.Prefetch = a.Prefetch
	}
	if a.Seed != 0 {
		cfg.Seed = a.Seed
	}
	return cfg, cfg.Validate()
}

// openRows opens a record file or a set of text files.
func openRows(path string) (datasets.RowSource, io.Closer, error) {
	if strings.HasSuffix(path, ".rec") {
		f, err := datasets.OpenRecordFile(path)
		return f, f, err
	}
	f, err := datasets.OpenTextFiles(path)
	return f, f, err
}

func run(a args) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}

	trainRows, closer, err := openRows(a.Train)
	if err != nil {
		return errors.Wrap(err, "opening training rows")
	}
	defer closer.Close()
	trainSet, err := datasets.NewClassifyDataset(trainRows, datasets.Options{MaxLength: a.MaxLength})
	if err != nil {
		return err
	}
	klog.Infof("Training on %d rows, %d tokens, %d labels", trainSet.Len(), trainSet.Vocab().Len(), trainSet.Labels().Len())

	opts := train.FitOptions{Train: trainSet, Config: cfg}
	if a.Valid != "" {
		validRows, closer, err := openRows(a.Valid)
		if err != nil {
			return errors.Wrap(err, "opening validation rows")
		}
		defer closer.Close()
		validSet, err := datasets.NewClassifyDataset(validRows, datasets.Options{
			Vocab:     trainSet.Vocab(),
			Labels:    trainSet.Labels(),
			MaxLength: a.MaxLength,
		})
		if err != nil {
			return err
		}
		opts.Valid = validSet
	}

	model := simple.NewModel(simple.Config{
		EmbeddingSize: a.EmbeddingSize,
		HiddenSize:    a.HiddenSize,
		MaxLength:     a.MaxLength,
		Seed:          cfg.Seed,
	})
	state, err := train.Fit(model, opts)
	if err != nil {
		return err
	}

	if a.Output != "" {
		if err := model.Save(a.Output); err != nil {
			return err
		}
		klog.Infof("Saved model to %s", a.Output)
	}
	if a.Plot != "" {
		if err := train.PlotHistory(state.History, a.Plot); err != nil {
			return errors.Wrap(err, "plotting history")
		}
	}
	return nil
}

func main() {
	var a args
	arg.MustParse(&a)

	fs := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(fs)
	_ = fs.Set("v", strconv.Itoa(a.Verbosity))
	defer klog.Flush()

	if err := run(a); err != nil {
		klog.Exitf("train: %+v", err)
	}
}
