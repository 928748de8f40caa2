package train

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/nanaya-tachibana/elmo/batch"
	"github.com/nanaya-tachibana/elmo/datasets"
	"github.com/nanaya-tachibana/elmo/distributed"
	"github.com/nanaya-tachibana/elmo/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quadModel has one scalar weight and a per-sample loss of w^2.
type quadModel struct {
	Base
	w          *engine.Parameter
	saved      []string
	validCalls int
	builds     int
}

func newQuadModel() *quadModel {
	m := &quadModel{}
	m.w = engine.NewParameter("w", 1)
	m.w.Data[0] = 1
	return m
}

func (m *quadModel) Parameters() []*engine.Parameter { return []*engine.Parameter{m.w} }

func (m *quadModel) CalculateLoss(t *engine.Tape, fields []*engine.Array) (*engine.Loss, error) {
	n := fields[0].Dim(0)
	w := m.w
	t.Watch(w)
	values := make([]float32, n)
	for i := range values {
		values[i] = w.Data[0] * w.Data[0]
	}
	t.Push(func() error {
		w.Grad[0] += 2 * w.Data[0] * float32(n)
		return nil
	})
	return t.NewLoss(values), nil
}

func (m *quadModel) Batchify() (batch.BatchifyFunc, error) {
	return func(samples []datasets.Sample) ([]*tensors.Tensor, error) {
		seqs := make([][]int, len(samples))
		for i, s := range samples {
			seqs[i] = s.Tokens
		}
		return []*tensors.Tensor{batch.Lengths(seqs)}, nil
	}, nil
}

func (m *quadModel) ValidLog(valid datasets.Encoder) (float64, error) {
	m.validCalls++
	return float64(valid.Len()), nil
}

func (m *quadModel) Save(path string) error {
	m.saved = append(m.saved, path)
	return os.WriteFile(path, []byte("w"), 0644)
}

func (m *quadModel) Build(engine.Device) error {
	m.builds++
	return nil
}

func (m *quadModel) GetOrBuildDataset(ds Dataset, texts, labels []string) (Dataset, error) {
	if ds != nil {
		return ds, nil
	}
	source, err := datasets.NewInMemory(texts, labels)
	if err != nil {
		return nil, err
	}
	return datasets.NewClassifyDataset(source, datasets.Options{Vocab: m.Vocab(), Labels: m.LabelIndex()})
}

type tokensEncoder struct{ n int }

func (e tokensEncoder) Len() int { return e.n }

func (e tokensEncoder) Sample(i int) (datasets.Sample, error) {
	return datasets.Sample{Tokens: make([]int, i+1)}, nil
}

func sequentialSource(t *testing.T, m Model, n, batchSize int) batch.Source {
	t.Helper()
	batchify, err := m.Batchify()
	require.NoError(t, err)
	cfg := testConfig()
	cfg.BatchSize = batchSize
	src, err := BuildLoader(tokensEncoder{n}, nil, batchify, cfg, false, distributed.Single())
	require.NoError(t, err)
	return src
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Optimizer = "sgd"
	cfg.Seed = 1
	return cfg
}

func TestClipGradients(t *testing.T) {
	a := engine.NewParameter("a", 2)
	b := engine.NewParameter("b", 1)
	unused := engine.NewParameter("unused", 3)
	a.Grad = []float32{3, 0}
	b.Grad = []float32{4}
	params := []*engine.Parameter{a, b, unused}

	// At the ceiling nothing changes.
	norm := ClipGradients(params, 5)
	assert.InDelta(t, 5.0, norm, 1e-9)
	assert.Equal(t, []float32{3, 0}, a.Grad)
	assert.Equal(t, []float32{4}, b.Grad)
	assert.Nil(t, unused.Grad)

	norm = ClipGradients(params, 1)
	assert.InDelta(t, 5.0, norm, 1e-9)
	assert.InDelta(t, 0.6, a.Grad[0], 1e-6)
	assert.InDelta(t, 0.8, b.Grad[0], 1e-6)
	assert.Nil(t, unused.Grad)

	zero := engine.NewParameter("zero", 1)
	zero.Grad = []float32{0}
	assert.Equal(t, 0.0, ClipGradients([]*engine.Parameter{zero}, 1))
}

func TestLearningRateSchedule(t *testing.T) {
	m := newQuadModel()
	cfg := testConfig()
	cfg.LR = 0.01
	cfg.LRUpdateFactor = 0.5
	cfg.LRUpdateEpochs = 2
	cfg.NEpochs = 6

	state, err := Run(m, sequentialSource(t, m, 4, 2), nil, cfg, distributed.Single())
	require.NoError(t, err)
	want := []float64{0.01, 0.01, 0.005, 0.005, 0.0025, 0.0025}
	require.Len(t, state.History, len(want))
	for i, r := range state.History {
		assert.InDelta(t, want[i], r.LearningRate, 1e-12, "epoch %d", r.Epoch)
	}
	assert.True(t, state.Trained)
	assert.True(t, m.Trained())
}

func TestCheckpointCadence(t *testing.T) {
	m := newQuadModel()
	prefix := filepath.Join(t.TempDir(), "model")
	cfg := testConfig()
	cfg.NEpochs = 5
	cfg.SaveFrequency = 2
	cfg.Checkpoint = prefix

	_, err := Run(m, sequentialSource(t, m, 3, 2), nil, cfg, distributed.Single())
	require.NoError(t, err)
	assert.Equal(t, []string{prefix + "-0002", prefix + "-0004"}, m.saved)
	for _, epoch := range []int{1, 3, 5} {
		_, err := os.Stat(CheckpointPath(prefix, epoch))
		assert.True(t, os.IsNotExist(err), "epoch %d", epoch)
	}
}

func TestNonCoordinatorSkipsSummaries(t *testing.T) {
	m := newQuadModel()
	cfg := testConfig()
	cfg.NEpochs = 2
	cfg.Checkpoint = filepath.Join(t.TempDir(), "model")

	worker := distributed.Topology{Size: 2, Rank: 1}
	state, err := Run(m, sequentialSource(t, m, 3, 2), tokensEncoder{2}, cfg, worker)
	require.NoError(t, err)
	assert.Empty(t, m.saved)
	assert.Zero(t, m.validCalls)
	assert.Len(t, state.History, 2)
}

func TestRunAcrossWorkersWithUnevenShards(t *testing.T) {
	const workers = 3
	dir := t.TempDir()
	cfg := testConfig()
	cfg.NEpochs = 3
	cfg.BatchSize = 2
	cfg.SaveFrequency = 1
	cfg.Checkpoint = filepath.Join(dir, "model")

	// 7 samples shard as 3, 3 and 1, i.e. 2, 2 and 1 batches.
	g := distributed.NewGroup(workers)
	models := make([]*quadModel, workers)
	states := make([]*State, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for rank := 0; rank < workers; rank++ {
		m := newQuadModel()
		// Replicas start apart until rank 0 broadcasts.
		m.w.Data[0] = float32(1 + rank)
		models[rank] = m
		wg.Add(1)
		go func(rank int, m *quadModel) {
			defer wg.Done()
			topo := distributed.Resolve(true, g.Worker(rank))
			batchify, err := m.Batchify()
			if err != nil {
				errs[rank] = err
				return
			}
			src, err := BuildLoader(tokensEncoder{7}, nil, batchify, cfg, false, topo)
			if err != nil {
				errs[rank] = err
				return
			}
			states[rank], errs[rank] = Run(m, src, tokensEncoder{2}, cfg, topo)
		}(rank, m)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("workers did not finish")
	}

	for rank := 0; rank < workers; rank++ {
		require.NoError(t, errs[rank], "rank %d", rank)
		require.Len(t, states[rank].History, 3)
		assert.Equal(t, models[0].w.Data, models[rank].w.Data, "rank %d", rank)
		// One step per epoch: the shortest shard has one batch.
		assert.Equal(t, 1, states[rank].Batches)
	}
	assert.Less(t, models[0].w.Data[0], float32(1))

	assert.Equal(t, []string{
		CheckpointPath(cfg.Checkpoint, 1),
		CheckpointPath(cfg.Checkpoint, 2),
		CheckpointPath(cfg.Checkpoint, 3),
	}, models[0].saved)
	assert.Equal(t, 3, models[0].validCalls)
	for rank := 1; rank < workers; rank++ {
		assert.Empty(t, models[rank].saved)
		assert.Zero(t, models[rank].validCalls)
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestRunLossAndValidation(t *testing.T) {
	m := newQuadModel()
	cfg := testConfig()
	cfg.NEpochs = 3
	cfg.LR = 0.1

	state, err := Run(m, sequentialSource(t, m, 5, 2), tokensEncoder{7}, cfg, distributed.Single())
	require.NoError(t, err)
	assert.Equal(t, 3, m.validCalls)
	// Batches of 2, 2 and 1 samples; each has per-sample loss w^2.
	assert.Equal(t, 3, state.Batches)
	first := state.History[0]
	assert.True(t, first.HasValid)
	assert.Equal(t, 7.0, first.ValidScore)
	// The loss shrinks as w decays toward zero.
	assert.Less(t, state.History[2].Loss, first.Loss)
	assert.Less(t, m.w.Data[0], float32(1))
}

func TestRunPreconditions(t *testing.T) {
	cfg := testConfig()
	_, err := Run(&Base{}, nil, nil, cfg, distributed.Single())
	assert.ErrorIs(t, err, ErrNoParameters)

	m := newQuadModel()
	cfg.Optimizer = "lbfgs"
	_, err = Run(m, sequentialSource(t, m, 2, 2), nil, cfg, distributed.Single())
	assert.ErrorIs(t, err, engine.ErrUnknownOptimizer)
}

func TestBaseHooksNotImplemented(t *testing.T) {
	var b Base
	_, err := b.CalculateLoss(nil, nil)
	assert.ErrorIs(t, err, ErrNotImplemented)
	_, err = b.Batchify()
	assert.ErrorIs(t, err, ErrNotImplemented)
	_, err = b.ValidLog(nil)
	assert.ErrorIs(t, err, ErrNotImplemented)
	assert.ErrorIs(t, b.Save("x"), ErrNotImplemented)
	assert.ErrorIs(t, b.Build(engine.CPU()), ErrNotImplemented)
	_, err = b.GetOrBuildDataset(nil, nil, nil)
	assert.ErrorIs(t, err, ErrNotImplemented)
	assert.Contains(t, err.Error(), "build dataset")
}

func TestFit(t *testing.T) {
	m := newQuadModel()
	cfg := testConfig()
	cfg.NEpochs = 2
	cfg.BatchSize = 2

	texts := []string{"大叫好", "大家好", "好厉害"}
	labels := []string{"1|2", "1|2|3", "3|1"}
	state, err := Fit(m, FitOptions{
		Texts: texts, Labels: labels,
		ValidTexts: texts[:2], ValidLabels: labels[:2],
		Config: cfg,
	})
	require.NoError(t, err)
	assert.Len(t, state.History, 2)
	require.NotNil(t, m.Vocab())
	require.NotNil(t, m.LabelIndex())
	assert.Equal(t, []string{"1", "2", "3"}, m.LabelIndex().Labels())
	assert.Equal(t, 1, m.builds)
	assert.Equal(t, 2, m.validCalls)
	assert.Equal(t, 2.0, state.History[1].ValidScore)

	// A trained model keeps its parameters and id spaces.
	vocabBefore := m.Vocab()
	_, err = Fit(m, FitOptions{Texts: texts[:1], Labels: labels[:1], Config: cfg})
	require.NoError(t, err)
	assert.Equal(t, 1, m.builds)
	assert.Same(t, vocabBefore, m.Vocab())
}

func TestFitEmptyDataset(t *testing.T) {
	_, err := Fit(newQuadModel(), FitOptions{Config: testConfig()})
	assert.ErrorIs(t, err, ErrEmptyDataset)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lr: 0.01\nn_epochs: 3\nlast_batch: discard\nmultigpu: true\n"), 0644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 0.01, cfg.LR)
	assert.Equal(t, 3, cfg.NEpochs)
	assert.Equal(t, "discard", cfg.LastBatch)
	assert.True(t, cfg.MultiGPU)
	assert.Equal(t, 32, cfg.BatchSize)
	assert.Equal(t, "adam", cfg.Optimizer)

	require.NoError(t, os.WriteFile(path, []byte("save_frequency: 0\n"), 0644))
	_, err = LoadConfig(path)
	assert.Error(t, err)

	bad := DefaultConfig()
	bad.LastBatch = "rollover"
	assert.Error(t, bad.Validate())
}

func TestBuildLoaderShardsAndPrefetches(t *testing.T) {
	m := newQuadModel()
	batchify, err := m.Batchify()
	require.NoError(t, err)
	cfg := testConfig()
	cfg.BatchSize = 2
	cfg.Prefetch = 2
	lengths := []int{1, 2, 3, 4, 5}

	total := 0
	for rank := 0; rank < 2; rank++ {
		src, err := BuildLoader(tokensEncoder{5}, lengths, batchify, cfg, true, distributed.Topology{Size: 2, Rank: rank})
		require.NoError(t, err)
		p, ok := src.(*batch.PrefetchLoader)
		require.True(t, ok)
		for {
			fields, err := p.Next()
			if err != nil {
				break
			}
			total += fields[0].Shape().Dimensions[0]
		}
		require.NoError(t, p.Close())
	}
	assert.Equal(t, 5, total)

	_, err = BuildLoader(tokensEncoder{5}, lengths[:2], batchify, cfg, true, distributed.Single())
	assert.Error(t, err)
}

func TestPlotHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plots", "history.png")
	history := []EpochRecord{
		{Epoch: 1, Loss: 1.2, ValidScore: 0.4, HasValid: true},
		{Epoch: 2, Loss: 0.8, ValidScore: 0.6, HasValid: true},
	}
	require.NoError(t, PlotHistory(history, path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
	assert.Error(t, PlotHistory(nil, path))
}
