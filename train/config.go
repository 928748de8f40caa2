package train

import (
	"os"

	"github.com/nanaya-tachibana/elmo/batch"
	"github.com/nanaya-tachibana/elmo/engine"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the options recognized by Fit and Run.
type Config struct {
	// LR is the initial learning rate.
	LR        float64 `yaml:"lr"`
	NEpochs   int     `yaml:"n_epochs"`
	Optimizer string  `yaml:"optimizer"`
	// The learning rate is multiplied by LRUpdateFactor every LRUpdateEpochs
	// epochs.
	LRUpdateFactor float64 `yaml:"lr_update_factor"`
	LRUpdateEpochs int     `yaml:"lr_update_epochs"`
	// Clip is the ceiling of the global gradient L2 norm.
	Clip float64 `yaml:"clip"`
	// Checkpoint is a path prefix. Empty disables checkpoints.
	Checkpoint    string `yaml:"checkpoint"`
	SaveFrequency int    `yaml:"save_frequency"`
	BatchSize     int    `yaml:"batch_size"`
	// LastBatch is "keep" or "discard".
	LastBatch string `yaml:"last_batch"`
	// Prefetch is the number of batches built ahead. Zero loads synchronously.
	Prefetch int  `yaml:"prefetch"`
	MultiGPU bool `yaml:"multigpu"`

	// Seed drives shuffling and initialization. Zero picks a time based seed.
	Seed   int64  `yaml:"seed"`
	Device string `yaml:"device"`

	Momentum float64 `yaml:"momentum"`
	Beta1    float64 `yaml:"beta1"`
	Beta2    float64 `yaml:"beta2"`
	Epsilon  float64 `yaml:"epsilon"`
}

// DefaultConfig returns the defaults of the fit entry point.
func DefaultConfig() Config {
	return Config{
		LR:             1e-3,
		NEpochs:        15,
		Optimizer:      "adam",
		LRUpdateFactor: 0.9,
		LRUpdateEpochs: 5,
		Clip:           5,
		SaveFrequency:  1,
		BatchSize:      32,
		LastBatch:      string(batch.Keep),
		Device:         "cpu",
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %s", path)
	}
	return cfg, cfg.Validate()
}

// Validate checks the ranges of every option.
func (c Config) Validate() error {
	switch {
	case c.NEpochs < 1:
		return errors.Errorf("n_epochs must be >= 1, got %d", c.NEpochs)
	case c.BatchSize < 1:
		return errors.Errorf("batch_size must be >= 1, got %d", c.BatchSize)
	case c.SaveFrequency < 1:
		return errors.Errorf("save_frequency must be >= 1, got %d", c.SaveFrequency)
	case c.LRUpdateEpochs < 1:
		return errors.Errorf("lr_update_epochs must be >= 1, got %d", c.LRUpdateEpochs)
	case c.Prefetch < 0:
		return errors.Errorf("prefetch must be >= 0, got %d", c.Prefetch)
	case c.Clip <= 0:
		return errors.Errorf("clip must be positive, got %g", c.Clip)
	case c.LR <= 0:
		return errors.Errorf("lr must be positive, got %g", c.LR)
	}
	if _, err := batch.ParseLastBatch(c.LastBatch); err != nil {
		return err
	}
	if _, err := engine.ParseDevice(c.Device); err != nil {
		return err
	}
	return nil
}

func (c Config) optimizerParams() engine.OptimizerParams {
	return engine.OptimizerParams{
		LearningRate: c.LR,
		Momentum:     c.Momentum,
		Beta1:        c.Beta1,
		Beta2:        c.Beta2,
		Epsilon:      c.Epsilon,
	}
}
