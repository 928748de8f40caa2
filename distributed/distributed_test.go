package distributed

import (
	"sync"
	"testing"

	"github.com/nanaya-tachibana/elmo/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runWorkers runs fn once per rank concurrently and collects the errors.
func runWorkers(n int, fn func(rank int) error) []error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	for rank := 0; rank < n; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = fn(rank)
		}(rank)
	}
	wg.Wait()
	return errs
}

func TestGroupAllReduceAverages(t *testing.T) {
	g := NewGroup(3)
	out := make([][][]float32, 3)
	errs := runWorkers(3, func(rank int) error {
		comm := g.Worker(rank)
		bufs := [][]float32{{float32(rank), 1}, {float32(rank * 3)}}
		// Two rounds in a row must not interfere.
		for round := 0; round < 2; round++ {
			if err := comm.AllReduce(bufs); err != nil {
				return err
			}
		}
		out[rank] = bufs
		return nil
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
	for rank := 0; rank < 3; rank++ {
		assert.Equal(t, [][]float32{{1, 1}, {3}}, out[rank])
	}
}

func TestGroupBroadcast(t *testing.T) {
	g := NewGroup(4)
	out := make([][]float32, 4)
	errs := runWorkers(4, func(rank int) error {
		buf := []float32{float32(rank), float32(rank)}
		if err := g.Worker(rank).Broadcast(2, [][]float32{buf}); err != nil {
			return err
		}
		out[rank] = buf
		return nil
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
	for rank := range out {
		assert.Equal(t, []float32{2, 2}, out[rank])
	}
}

func TestGroupShapeMismatch(t *testing.T) {
	g := NewGroup(2)
	errs := runWorkers(2, func(rank int) error {
		return g.Worker(rank).AllReduce([][]float32{make([]float32, rank+1)})
	})
	assert.Error(t, errs[0])
	assert.Error(t, errs[1])
}

func TestResolve(t *testing.T) {
	topo := Resolve(false, NewGroup(2).Worker(1))
	assert.False(t, topo.Distributed())
	assert.True(t, topo.IsCoordinator())

	topo = Resolve(true, nil)
	assert.Equal(t, Single(), topo)

	topo = Resolve(true, NewGroup(2).Worker(1))
	assert.True(t, topo.Distributed())
	assert.False(t, topo.IsCoordinator())
	assert.Equal(t, 2, topo.Size)
}

func TestNewTrainerSingleProcess(t *testing.T) {
	p := engine.NewParameter("w", 2)
	tr, err := NewTrainer(Single(), []*engine.Parameter{p}, engine.NewSGD(engine.OptimizerParams{LearningRate: 1}))
	require.NoError(t, err)
	_, ok := tr.(*engine.LocalTrainer)
	assert.True(t, ok)
}

func TestSyncTrainerKeepsReplicasIdentical(t *testing.T) {
	const n = 3
	g := NewGroup(n)
	params := make([]*engine.Parameter, n)
	errs := runWorkers(n, func(rank int) error {
		p := engine.NewParameter("w", 1)
		// Replicas start apart; rank 0 wins the broadcast.
		p.Data[0] = float32(10 + rank)
		params[rank] = p
		tr, err := NewTrainer(Resolve(true, g.Worker(rank)), []*engine.Parameter{p},
			engine.NewSGD(engine.OptimizerParams{LearningRate: 1}))
		if err != nil {
			return err
		}
		// Each worker sees a different gradient: rank+1.
		loss, err := engine.Record(func(tp *engine.Tape) (*engine.Loss, error) {
			tp.Watch(p)
			tp.Push(func() error { p.Grad[0] += float32(rank + 1); return nil })
			return tp.NewLoss([]float32{0}), nil
		})
		if err != nil {
			return err
		}
		if err := loss.Backward(); err != nil {
			return err
		}
		return tr.Step(1, false)
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
	// 10 - mean(1, 2, 3)
	for rank := 0; rank < n; rank++ {
		assert.InDelta(t, 8.0, params[rank].Data[0], 1e-6)
	}
}

func TestAgree(t *testing.T) {
	ok, err := Single().Agree(true)
	require.NoError(t, err)
	assert.True(t, ok)

	g := NewGroup(3)
	got := make([][]bool, 3)
	errs := runWorkers(3, func(rank int) error {
		topo := Resolve(true, g.Worker(rank))
		// Rank 2 runs out after one step, the others after three.
		for step := 0; step < 3; step++ {
			ok, err := topo.Agree(rank != 2 || step == 0)
			if err != nil {
				return err
			}
			got[rank] = append(got[rank], ok)
		}
		return nil
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
	for rank := range got {
		assert.Equal(t, []bool{true, false, false}, got[rank])
	}
}

// stepReplicas runs one synchronized SGD step on every rank. grad gives the
// gradient of a rank, or false when the rank has no fresh gradient.
func stepReplicas(t *testing.T, n int, grad func(rank int) (float32, bool), batchSize func(rank int) int) []*engine.Parameter {
	t.Helper()
	g := NewGroup(n)
	params := make([]*engine.Parameter, n)
	errs := runWorkers(n, func(rank int) error {
		p := engine.NewParameter("w", 1)
		p.Data[0] = 10
		params[rank] = p
		tr, err := NewTrainer(Resolve(true, g.Worker(rank)), []*engine.Parameter{p},
			engine.NewSGD(engine.OptimizerParams{LearningRate: 1}))
		if err != nil {
			return err
		}
		if v, ok := grad(rank); ok {
			p.SetGrad([]float32{v})
		}
		return tr.Step(batchSize(rank), false)
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
	return params
}

func TestSyncTrainerUsesMeanBatchSize(t *testing.T) {
	// Summed gradients 6 and 3 over batches of 2 and 1 samples.
	params := stepReplicas(t, 2,
		func(rank int) (float32, bool) { return float32(6 - 3*rank), true },
		func(rank int) int { return 2 - rank })
	// 10 - (6+3)/(2+1)
	for _, p := range params {
		assert.Equal(t, params[0].Data, p.Data)
		assert.InDelta(t, 7.0, p.Data[0], 1e-6)
	}
}

func TestSyncTrainerUpdatesWhenAnyWorkerHasGradient(t *testing.T) {
	params := stepReplicas(t, 2,
		func(rank int) (float32, bool) { return 4, rank == 0 },
		func(int) int { return 1 })
	for _, p := range params {
		assert.InDelta(t, 8.0, p.Data[0], 1e-6)
		assert.False(t, p.Fresh())
	}
}
