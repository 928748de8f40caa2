package engine

import (
	"math"

	"github.com/pkg/errors"
)

// ErrStaleGradient is returned by a strict step when a parameter has no
// gradient from the latest backward pass.
var ErrStaleGradient = errors.New("stale gradient")

// Trainer applies optimizer steps to a fixed set of parameters.
type Trainer interface {
	// Step updates the parameters, normalizing gradients by batchSize. With
	// ignoreStale, parameters whose gradient is absent or stale are skipped
	// instead of failing the step.
	Step(batchSize int, ignoreStale bool) error
	LearningRate() float64
	SetLearningRate(lr float64)
	Parameters() []*Parameter
}

// LocalTrainer is a single-process Trainer.
type LocalTrainer struct {
	params    []*Parameter
	optimizer Optimizer
}

// NewLocalTrainer binds an optimizer to params.
func NewLocalTrainer(params []*Parameter, optimizer Optimizer) *LocalTrainer {
	return &LocalTrainer{params: params, optimizer: optimizer}
}

func (t *LocalTrainer) Parameters() []*Parameter   { return t.params }
func (t *LocalTrainer) LearningRate() float64      { return t.optimizer.LearningRate() }
func (t *LocalTrainer) SetLearningRate(lr float64) { t.optimizer.SetLearningRate(lr) }

func (t *LocalTrainer) Step(batchSize int, ignoreStale bool) error {
	if batchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	return t.Apply(1/float64(batchSize), ignoreStale)
}

// Apply updates the parameters with their gradients multiplied by rescale.
func (t *LocalTrainer) Apply(rescale float64, ignoreStale bool) error {
	if rescale <= 0 || math.IsInf(rescale, 0) || math.IsNaN(rescale) {
		return errors.Errorf("invalid gradient rescale %g", rescale)
	}
	active := make([]*Parameter, 0, len(t.params))
	for _, p := range t.params {
		if p.Grad == nil || !p.fresh {
			if !ignoreStale {
				return errors.Wrapf(ErrStaleGradient, "parameter %s", p.Name)
			}
			continue
		}
		active = append(active, p)
	}
	t.optimizer.Update(active, rescale)
	for _, p := range active {
		p.fresh = false
	}
	return nil
}
