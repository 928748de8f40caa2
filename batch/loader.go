package batch

import (
	"io"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/nanaya-tachibana/elmo/datasets"
	"github.com/pkg/errors"
)

// Loader materializes batches synchronously on the caller's goroutine.
type Loader struct {
	enc      Encoder
	sampler  Sampler
	batchify BatchifyFunc

	batches [][]int
	pos     int
}

// NewLoader creates a loader positioned at the start of its first epoch.
func NewLoader(enc Encoder, sampler Sampler, batchify BatchifyFunc) *Loader {
	l := &Loader{enc: enc, sampler: sampler, batchify: batchify}
	l.batches = sampler.Batches()
	return l
}

// NumBatches returns the number of batches in the current epoch.
func (l *Loader) NumBatches() int { return len(l.batches) }

func (l *Loader) BatchAxis() int { return 0 }

func (l *Loader) Next() ([]*tensors.Tensor, error) {
	if l.pos >= len(l.batches) {
		return nil, io.EOF
	}
	idx := l.batches[l.pos]
	l.pos++
	samples := make([]datasets.Sample, len(idx))
	for i, j := range idx {
		s, err := l.enc.Sample(j)
		if err != nil {
			return nil, errors.Wrapf(err, "batch %d", l.pos-1)
		}
		samples[i] = s
	}
	fields, err := l.batchify(samples)
	if err != nil {
		return nil, errors.Wrapf(err, "batchify batch %d", l.pos-1)
	}
	return fields, nil
}

// Reset re-runs the sampler, so shuffled loaders see a new order each epoch.
func (l *Loader) Reset() error {
	l.batches = l.sampler.Batches()
	l.pos = 0
	return nil
}

type prefetched struct {
	fields []*tensors.Tensor
	err    error
}

// PrefetchLoader runs a Loader on a background goroutine, keeping up to depth
// batches ready. Batches are delivered in the loader's order.
type PrefetchLoader struct {
	inner *Loader
	depth int

	mu      sync.Mutex
	ch      chan prefetched
	done    chan struct{}
	wg      sync.WaitGroup
	drained bool
}

// NewPrefetchLoader wraps inner. A depth below 1 is treated as 1.
func NewPrefetchLoader(inner *Loader, depth int) *PrefetchLoader {
	return &PrefetchLoader{inner: inner, depth: max(depth, 1)}
}

func (p *PrefetchLoader) BatchAxis() int { return p.inner.BatchAxis() }

func (p *PrefetchLoader) start() {
	p.ch = make(chan prefetched, p.depth)
	p.done = make(chan struct{})
	p.drained = false
	p.wg.Add(1)
	go func(ch chan prefetched, done chan struct{}) {
		defer p.wg.Done()
		defer close(ch)
		for {
			fields, err := p.inner.Next()
			if err == io.EOF {
				return
			}
			select {
			case ch <- prefetched{fields: fields, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}(p.ch, p.done)
}

func (p *PrefetchLoader) Next() ([]*tensors.Tensor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.drained {
		return nil, io.EOF
	}
	if p.ch == nil {
		p.start()
	}
	item, ok := <-p.ch
	if !ok {
		p.drained = true
		return nil, io.EOF
	}
	return item.fields, item.err
}

// stop shuts the producer down and waits for it. Must hold mu.
func (p *PrefetchLoader) stop() {
	if p.ch == nil {
		return
	}
	close(p.done)
	for range p.ch {
	}
	p.wg.Wait()
	p.ch = nil
}

func (p *PrefetchLoader) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stop()
	p.drained = false
	return p.inner.Reset()
}

// Close stops the background producer.
func (p *PrefetchLoader) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stop()
	p.drained = true
	return nil
}
