package engine

import (
	"math"
	"math/rand"
)

// Parameter is a trainable tensor stored as a flat float32 buffer.
type Parameter struct {
	Name  string
	Shape []int
	Data  []float32
	// Grad is nil until a backward pass accumulates a gradient.
	Grad []float32

	fresh bool
}

// NewParameter allocates a zero-initialized parameter.
func NewParameter(name string, shape ...int) *Parameter {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Parameter{Name: name, Shape: shape, Data: make([]float32, n)}
}

// Size returns the number of elements.
func (p *Parameter) Size() int { return len(p.Data) }

// Fresh reports whether Grad was produced by the latest backward pass and has
// not been consumed by an optimizer step yet.
func (p *Parameter) Fresh() bool { return p.fresh }

// SetGrad replaces the gradient with a copy of g and marks it fresh.
func (p *Parameter) SetGrad(g []float32) {
	if len(p.Grad) != len(g) {
		p.Grad = make([]float32, len(g))
	}
	copy(p.Grad, g)
	p.fresh = true
}

// ZeroGrad allocates the gradient if needed and clears it.
func (p *Parameter) ZeroGrad() {
	if p.Grad == nil {
		p.Grad = make([]float32, len(p.Data))
		return
	}
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// InitXavier fills the parameter with Glorot uniform values for a layer with
// the given fan-in and fan-out.
func (p *Parameter) InitXavier(rng *rand.Rand, fanIn, fanOut int) {
	limit := float32(math.Sqrt(6.0 / float64(fanIn+fanOut)))
	for i := range p.Data {
		p.Data[i] = (rng.Float32()*2.0 - 1.0) * limit
	}
}

// InitUniform fills the parameter with values in [-scale, scale].
func (p *Parameter) InitUniform(rng *rand.Rand, scale float32) {
	for i := range p.Data {
		p.Data[i] = (rng.Float32()*2.0 - 1.0) * scale
	}
}
