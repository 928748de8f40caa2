// Package distributed adapts a Trainer to synchronous data-parallel training.
//
// Workers share a Communicator. Parameters are broadcast from rank 0 once
// when the trainer is created, and gradients are averaged across workers
// before every optimizer step, so all replicas stay identical.
package distributed

import (
	"github.com/nanaya-tachibana/elmo/engine"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Communicator performs collective operations over a fixed group of workers.
// Every worker must issue the same sequence of calls with buffers of the same
// lengths.
type Communicator interface {
	Size() int
	Rank() int
	// Broadcast overwrites bufs on every worker with the root's values.
	Broadcast(root int, bufs [][]float32) error
	// AllReduce replaces bufs on every worker with the element-wise average
	// across workers.
	AllReduce(bufs [][]float32) error
}

// Topology describes where this process sits in a training job.
type Topology struct {
	Size int
	Rank int
	Comm Communicator
}

// Single is the topology of a single-process job.
func Single() Topology { return Topology{Size: 1} }

// IsCoordinator reports whether this worker performs summaries, checkpoints
// and validation.
func (t Topology) IsCoordinator() bool { return t.Rank == 0 }

// Distributed reports whether gradients must be synchronized.
func (t Topology) Distributed() bool { return t.Comm != nil && t.Size > 1 }

// Resolve decides the topology for a job. Asking for multi-worker training
// without a communicator falls back to a single process.
func Resolve(multi bool, comm Communicator) Topology {
	if !multi {
		return Single()
	}
	if comm == nil {
		klog.Warningf("Multi-worker training requested but no communicator is available, training in a single process")
		return Single()
	}
	topo := Topology{Size: comm.Size(), Rank: comm.Rank(), Comm: comm}
	klog.V(1).Infof("Worker %d of %d", topo.Rank, topo.Size)
	return topo
}

// NewTrainer returns the trainer for topo: a plain local trainer in single
// process mode, otherwise one that keeps parameters synchronized.
func NewTrainer(topo Topology, params []*engine.Parameter, optimizer engine.Optimizer) (engine.Trainer, error) {
	local := engine.NewLocalTrainer(params, optimizer)
	if !topo.Distributed() {
		return local, nil
	}
	bufs := make([][]float32, len(params))
	for i, p := range params {
		bufs[i] = p.Data
	}
	if err := topo.Comm.Broadcast(0, bufs); err != nil {
		return nil, errors.Wrap(err, "broadcasting initial parameters")
	}
	return &syncTrainer{LocalTrainer: local, comm: topo.Comm}, nil
}

// Agree reports whether ok holds on every worker. Workers call it once per
// step with whether they still have a batch, so all of them run the same
// number of steps even when their shards yield different batch counts.
func (t Topology) Agree(ok bool) (bool, error) {
	if !t.Distributed() {
		return ok, nil
	}
	flag := []float32{0}
	if ok {
		flag[0] = 1
	}
	if err := t.Comm.AllReduce([][]float32{flag}); err != nil {
		return false, errors.Wrap(err, "agreeing on step")
	}
	return flag[0] == 1, nil
}

// syncTrainer averages gradients and batch sizes across workers before each
// local step. A parameter with a fresh gradient on any worker is updated on
// every worker.
type syncTrainer struct {
	*engine.LocalTrainer
	comm Communicator
}

func (t *syncTrainer) Step(batchSize int, ignoreStale bool) error {
	params := t.Parameters()
	n := len(params)
	bufs := make([][]float32, n+2)
	fresh := make([]float32, n)
	for i, p := range params {
		if p.Grad != nil && p.Fresh() {
			bufs[i] = p.Grad
			fresh[i] = 1
			continue
		}
		bufs[i] = make([]float32, p.Size())
	}
	size := []float32{float32(batchSize)}
	bufs[n], bufs[n+1] = fresh, size
	if err := t.comm.AllReduce(bufs); err != nil {
		return errors.Wrap(err, "averaging gradients")
	}
	for i, p := range params {
		if fresh[i] > 0 && !p.Fresh() {
			p.SetGrad(bufs[i])
		}
	}
	if size[0] <= 0 {
		return errors.Errorf("mean batch size must be positive, got %g", size[0])
	}
	return t.LocalTrainer.Apply(1/float64(size[0]), ignoreStale)
}
