// Package train runs supervised models through epochs of forward, backward,
// gradient clipping and optimizer steps, with learning-rate decay,
// checkpoints and validation at epoch boundaries.
package train

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nanaya-tachibana/elmo/batch"
	"github.com/nanaya-tachibana/elmo/datasets"
	"github.com/nanaya-tachibana/elmo/distributed"
	"github.com/nanaya-tachibana/elmo/engine"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// progressEvery is the number of batches between progress log lines.
const progressEvery = 100

// EpochRecord summarizes one finished epoch.
type EpochRecord struct {
	Epoch        int
	LearningRate float64
	Loss         float64
	// ValidScore is set when HasValid is true.
	ValidScore float64
	HasValid   bool
	// Checkpoint is the path written after this epoch, if any.
	Checkpoint string
}

// State is the context of one training run.
type State struct {
	LearningRate float64
	Epoch        int
	Trained      bool
	// Loss accumulates per-sample batch losses of the current epoch.
	Loss    float64
	Batches int
	History []EpochRecord
}

// CheckpointPath names the checkpoint written after epoch.
func CheckpointPath(prefix string, epoch int) string {
	return fmt.Sprintf("%s-%04d", prefix, epoch)
}

// decayAt reports whether the learning rate decays when epoch starts, so that
// epoch e runs at lr * factor^floor((e-1)/every). This shifts the
// epoch%every == 0 rule by one epoch: the first decay lands at epoch
// every+1, after every full epochs at the initial rate.
func decayAt(epoch, every int) bool {
	return epoch > 1 && (epoch-1)%every == 0
}

// ClipGradients rescales all gradients by clip/norm when their global L2 norm
// exceeds clip, and returns the norm. Parameters without a gradient are
// skipped.
func ClipGradients(params []*engine.Parameter, clip float64) float64 {
	var sum float64
	for _, p := range params {
		for _, g := range p.Grad {
			sum += float64(g) * float64(g)
		}
	}
	norm := math.Sqrt(sum)
	if norm > clip {
		scale := float32(clip / norm)
		for _, p := range params {
			for i := range p.Grad {
				p.Grad[i] *= scale
			}
		}
	}
	return norm
}

// Run trains model for cfg.NEpochs epochs over source. valid may be nil.
// Summaries, checkpoints and validation happen on the coordinator only.
func Run(model Model, source batch.Source, valid datasets.Encoder, cfg Config, topo distributed.Topology) (*State, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	params := model.Parameters()
	if len(params) == 0 {
		return nil, ErrNoParameters
	}
	dev, err := engine.ParseDevice(cfg.Device)
	if err != nil {
		return nil, err
	}
	opt, err := engine.NewOptimizer(cfg.Optimizer, cfg.optimizerParams())
	if err != nil {
		return nil, err
	}
	trainer, err := distributed.NewTrainer(topo, params, opt)
	if err != nil {
		return nil, err
	}

	state := &State{LearningRate: cfg.LR}
	for epoch := 1; epoch <= cfg.NEpochs; epoch++ {
		state.Epoch = epoch
		if decayAt(epoch, cfg.LRUpdateEpochs) {
			state.LearningRate = trainer.LearningRate() * cfg.LRUpdateFactor
			trainer.SetLearningRate(state.LearningRate)
			klog.Infof("Change learning rate to %e", state.LearningRate)
		}

		avg, err := runEpoch(model, trainer, source, dev, cfg.Clip, topo, state)
		if err != nil {
			return state, errors.Wrapf(err, "epoch %d", epoch)
		}
		model.MarkTrained()
		state.Trained = true

		record := EpochRecord{Epoch: epoch, LearningRate: state.LearningRate, Loss: avg}
		if topo.IsCoordinator() {
			klog.Infof("Epoch %d: train loss %.4f over %s batches", epoch, avg, humanize.Comma(int64(state.Batches)))
			if cfg.Checkpoint != "" && epoch%cfg.SaveFrequency == 0 {
				path := CheckpointPath(cfg.Checkpoint, epoch)
				if err := model.Save(path); err != nil {
					return state, errors.Wrapf(err, "saving checkpoint %s", path)
				}
				record.Checkpoint = path
				klog.V(1).Infof("Saved checkpoint %s", path)
			}
			if valid != nil {
				score, err := model.ValidLog(valid)
				if err != nil {
					return state, errors.Wrapf(err, "validating epoch %d", epoch)
				}
				record.ValidScore, record.HasValid = score, true
			}
		}
		state.History = append(state.History, record)
	}
	return state, nil
}

// runEpoch consumes source once and returns the average per-sample loss. In
// distributed mode the epoch ends for every worker as soon as one worker runs
// out of batches, so the per-step collectives stay matched.
func runEpoch(model Model, trainer engine.Trainer, source batch.Source, dev engine.Device, clip float64, topo distributed.Topology, state *State) (float64, error) {
	params := trainer.Parameters()
	axis := source.BatchAxis()
	state.Loss, state.Batches = 0, 0
	start := time.Now()
	for {
		fields, err := source.Next()
		more, agreeErr := topo.Agree(err == nil)
		if err != nil && err != io.EOF {
			return 0, err
		}
		if agreeErr != nil {
			return 0, agreeErr
		}
		if !more {
			if err == nil {
				klog.V(1).Infof("Worker %d ends epoch %d early, a peer has no batches left", topo.Rank, state.Epoch)
			}
			break
		}
		if len(fields) == 0 {
			return 0, errors.New("batch has no fields")
		}
		arrays, err := engine.ToDeviceAll(dev, fields)
		if err != nil {
			return 0, err
		}
		steps := arrays[0].Dim(axis)

		loss, err := engine.Record(func(t *engine.Tape) (*engine.Loss, error) {
			return model.CalculateLoss(t, arrays)
		})
		if err != nil {
			return 0, err
		}
		if err := loss.Backward(); err != nil {
			return 0, err
		}
		ClipGradients(params, clip)
		if err := trainer.Step(steps, true); err != nil {
			return 0, err
		}

		batchLoss := loss.Sum() / float64(steps)
		state.Loss += batchLoss
		state.Batches++
		if state.Batches%progressEvery == 0 {
			speed := float64(state.Batches) / time.Since(start).Seconds() * float64(steps)
			klog.Infof("Epoch %d, batch %s, batch train loss %.4f, speed %s samples/s",
				state.Epoch, humanize.Comma(int64(state.Batches)), batchLoss, humanize.FormatFloat("#,###.##", speed))
		}
	}
	if err := source.Reset(); err != nil {
		return 0, errors.Wrap(err, "resetting batch source")
	}
	if state.Batches == 0 {
		klog.Warningf("Epoch %d saw no batches", state.Epoch)
		return 0, nil
	}
	return state.Loss / float64(state.Batches), nil
}
