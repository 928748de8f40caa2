package engine

import "github.com/pkg/errors"

// Tape records backward closures while a forward computation runs.
type Tape struct {
	recording bool
	watched   []*Parameter
	ops       []func() error
}

// Record runs forward with gradient tracking enabled and returns its loss.
func Record(forward func(t *Tape) (*Loss, error)) (*Loss, error) {
	t := &Tape{recording: true}
	loss, err := forward(t)
	t.recording = false
	if err != nil {
		return nil, err
	}
	if loss == nil || loss.tape != t {
		return nil, errors.New("forward must return a loss created by its tape")
	}
	return loss, nil
}

// Recording reports whether the tape still accepts operations.
func (t *Tape) Recording() bool { return t.recording }

// Watch marks parameters whose gradients the backward pass writes.
func (t *Tape) Watch(params ...*Parameter) {
	if t.recording {
		t.watched = append(t.watched, params...)
	}
}

// Push records a backward closure. Closures run in reverse order and must
// accumulate into Parameter.Grad.
func (t *Tape) Push(backward func() error) {
	if t.recording {
		t.ops = append(t.ops, backward)
	}
}

// NewLoss wraps per-sample loss values. Backward computes the gradient of
// their sum.
func (t *Tape) NewLoss(values []float32) *Loss {
	return &Loss{Values: values, tape: t}
}

// Loss is the output of a recorded forward computation.
type Loss struct {
	Values []float32
	tape   *Tape
	done   bool
}

// Sum returns the sum of the per-sample losses.
func (l *Loss) Sum() float64 {
	var s float64
	for _, v := range l.Values {
		s += float64(v)
	}
	return s
}

// Backward overwrites the gradients of every watched parameter. It can only
// run once per recording.
func (l *Loss) Backward() error {
	if l.done {
		return errors.New("backward already ran for this loss")
	}
	l.done = true
	for _, p := range l.tape.watched {
		p.ZeroGrad()
	}
	for i := len(l.tape.ops) - 1; i >= 0; i-- {
		if err := l.tape.ops[i](); err != nil {
			return errors.Wrap(err, "backward")
		}
	}
	for _, p := range l.tape.watched {
		p.fresh = true
	}
	return nil
}
