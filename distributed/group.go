package distributed

import (
	"sync"

	"github.com/pkg/errors"
)

// Group is an in-process collective group. Each worker runs in its own
// goroutine and talks to the group through Worker(rank).
type Group struct {
	size int

	mu      sync.Mutex
	cond    *sync.Cond
	gen     int
	arrived int
	acc     [][]float64
	root    [][]float32
	err     error
	result  [][]float32
	lastErr error
}

// NewGroup creates a group of n workers.
func NewGroup(n int) *Group {
	if n < 1 {
		n = 1
	}
	g := &Group{size: n}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Size returns the number of workers.
func (g *Group) Size() int { return g.size }

// Worker returns the communicator for the given rank.
func (g *Group) Worker(rank int) Communicator {
	return &worker{group: g, rank: rank}
}

// collect runs one collective. contribute is called under the lock as each
// worker arrives; the last arrival calls complete to produce the result,
// which every worker then copies into its own buffers.
func (g *Group) collect(bufs [][]float32, contribute func() error, complete func() [][]float32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	gen := g.gen
	if g.err == nil {
		g.err = contribute()
	}
	g.arrived++
	if g.arrived == g.size {
		if g.err == nil {
			g.result = complete()
		}
		g.lastErr = g.err
		g.err = nil
		g.acc = nil
		g.root = nil
		g.arrived = 0
		g.gen++
		g.cond.Broadcast()
	} else {
		for gen == g.gen {
			g.cond.Wait()
		}
	}
	if g.lastErr != nil {
		return g.lastErr
	}
	for i := range bufs {
		copy(bufs[i], g.result[i])
	}
	return nil
}

type worker struct {
	group *Group
	rank  int
}

func (w *worker) Size() int { return w.group.size }
func (w *worker) Rank() int { return w.rank }

func (w *worker) AllReduce(bufs [][]float32) error {
	g := w.group
	return g.collect(bufs, func() error {
		if g.acc == nil {
			g.acc = make([][]float64, len(bufs))
			for i, b := range bufs {
				g.acc[i] = make([]float64, len(b))
			}
		}
		if err := sameShape(g.acc, bufs); err != nil {
			return err
		}
		for i, b := range bufs {
			for j, v := range b {
				g.acc[i][j] += float64(v)
			}
		}
		return nil
	}, func() [][]float32 {
		out := make([][]float32, len(g.acc))
		n := float64(g.size)
		for i, a := range g.acc {
			out[i] = make([]float32, len(a))
			for j, v := range a {
				out[i][j] = float32(v / n)
			}
		}
		return out
	})
}

func (w *worker) Broadcast(root int, bufs [][]float32) error {
	g := w.group
	if root < 0 || root >= g.size {
		return errors.Errorf("broadcast root %d out of range for %d workers", root, g.size)
	}
	return g.collect(bufs, func() error {
		if w.rank != root {
			return nil
		}
		g.root = make([][]float32, len(bufs))
		for i, b := range bufs {
			g.root[i] = append([]float32(nil), b...)
		}
		return nil
	}, func() [][]float32 {
		return g.root
	})
}

func sameShape(acc [][]float64, bufs [][]float32) error {
	if len(acc) != len(bufs) {
		return errors.Errorf("workers passed %d and %d buffers", len(acc), len(bufs))
	}
	for i := range bufs {
		if len(acc[i]) != len(bufs[i]) {
			return errors.Errorf("buffer %d has length %d, expected %d", i, len(bufs[i]), len(acc[i]))
		}
	}
	return nil
}
