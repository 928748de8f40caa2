package engine

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scaleLoss records loss_i = w * x_i for a single scalar weight.
func scaleLoss(w *Parameter, xs []float32) func(t *Tape) (*Loss, error) {
	return func(t *Tape) (*Loss, error) {
		t.Watch(w)
		values := make([]float32, len(xs))
		for i, x := range xs {
			values[i] = w.Data[0] * x
		}
		t.Push(func() error {
			for _, x := range xs {
				w.Grad[0] += x
			}
			return nil
		})
		return t.NewLoss(values), nil
	}
}

func TestRecordBackwardOverwritesGradients(t *testing.T) {
	w := NewParameter("w", 1)
	w.Data[0] = 2

	loss, err := Record(scaleLoss(w, []float32{1, 3}))
	require.NoError(t, err)
	assert.InDelta(t, 8.0, loss.Sum(), 1e-6)
	assert.False(t, w.Fresh())

	require.NoError(t, loss.Backward())
	assert.Equal(t, []float32{4}, w.Grad)
	assert.True(t, w.Fresh())
	assert.Error(t, loss.Backward())

	// A second recording writes, not accumulates.
	loss, err = Record(scaleLoss(w, []float32{1}))
	require.NoError(t, err)
	require.NoError(t, loss.Backward())
	assert.Equal(t, []float32{1}, w.Grad)
}

func TestRecordRejectsForeignLoss(t *testing.T) {
	other := &Tape{}
	_, err := Record(func(t *Tape) (*Loss, error) { return other.NewLoss(nil), nil })
	assert.Error(t, err)
}

func TestTapeStopsRecordingAfterForward(t *testing.T) {
	w := NewParameter("w", 1)
	var tape *Tape
	loss, err := Record(func(tp *Tape) (*Loss, error) {
		assert.True(t, tp.Recording())
		tape = tp
		return scaleLoss(w, []float32{1})(tp)
	})
	require.NoError(t, err)
	assert.False(t, tape.Recording())

	// Closures pushed after the forward pass are ignored.
	tape.Push(func() error { w.Grad[0] += 100; return nil })
	require.NoError(t, loss.Backward())
	assert.Equal(t, []float32{1}, w.Grad)
}

func TestSetGradAndApply(t *testing.T) {
	w := NewParameter("w", 2)
	w.SetGrad([]float32{2, 4})
	assert.True(t, w.Fresh())

	tr := NewLocalTrainer([]*Parameter{w}, NewSGD(OptimizerParams{LearningRate: 1}))
	require.NoError(t, tr.Apply(0.25, false))
	assert.InDeltaSlice(t, []float32{-0.5, -1}, w.Data, 1e-6)
	assert.False(t, w.Fresh())

	assert.Error(t, tr.Apply(0, true))
	assert.Error(t, tr.Step(0, true))
}

func TestLocalTrainerStaleGradients(t *testing.T) {
	used := NewParameter("used", 1)
	unused := NewParameter("unused", 1)
	used.Data[0], unused.Data[0] = 1, 1

	tr := NewLocalTrainer([]*Parameter{used, unused}, NewSGD(OptimizerParams{LearningRate: 0.5}))

	loss, err := Record(scaleLoss(used, []float32{2, 2}))
	require.NoError(t, err)
	require.NoError(t, loss.Backward())

	err = tr.Step(2, false)
	require.ErrorIs(t, err, ErrStaleGradient)

	require.NoError(t, tr.Step(2, true))
	// grad 4 normalized by batch size 2, lr 0.5
	assert.InDelta(t, 0.0, used.Data[0], 1e-6)
	assert.Equal(t, float32(1), unused.Data[0])
	assert.False(t, used.Fresh())

	// The consumed gradient is now stale.
	require.ErrorIs(t, tr.Step(2, false), ErrStaleGradient)
}

func TestOptimizersDescend(t *testing.T) {
	for _, name := range []string{"sgd", "adam", "SGD"} {
		opt, err := NewOptimizer(name, OptimizerParams{LearningRate: 0.1, Momentum: 0.5})
		require.NoError(t, err, name)
		w := NewParameter("w", 1)
		w.Data[0] = 3
		tr := NewLocalTrainer([]*Parameter{w}, opt)
		for i := 0; i < 200; i++ {
			// loss = w^2 / 2
			loss, err := Record(func(t *Tape) (*Loss, error) {
				t.Watch(w)
				t.Push(func() error { w.Grad[0] += w.Data[0]; return nil })
				return t.NewLoss([]float32{w.Data[0] * w.Data[0] / 2}), nil
			})
			require.NoError(t, err)
			require.NoError(t, loss.Backward())
			require.NoError(t, tr.Step(1, false))
		}
		assert.InDelta(t, 0.0, w.Data[0], 0.1, name)
	}

	_, err := NewOptimizer("adagrad", OptimizerParams{})
	assert.ErrorIs(t, err, ErrUnknownOptimizer)
}

func TestLearningRateIsMutable(t *testing.T) {
	tr := NewLocalTrainer(nil, NewAdam(OptimizerParams{LearningRate: 0.01}))
	tr.SetLearningRate(0.005)
	assert.Equal(t, 0.005, tr.LearningRate())
}

func TestDevices(t *testing.T) {
	for in, want := range map[string]Device{"": CPU(), "cpu": CPU(), "GPU": GPU(0), "gpu:2": GPU(2)} {
		got, err := ParseDevice(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseDevice("tpu")
	assert.Error(t, err)
	assert.Equal(t, "gpu:1", GPU(1).String())

	x := tensors.FromFlatDataAndDimensions([]int32{1, 2, 3, 4, 5, 6}, 2, 3)
	a, err := ToDevice(CPU(), x)
	require.NoError(t, err)
	assert.Equal(t, 2, a.Dim(0))
	assert.Equal(t, 3, a.Dim(1))

	_, err = ToDeviceAll(GPU(0), []*tensors.Tensor{x})
	assert.ErrorIs(t, err, ErrUnsupportedDevice)
}
