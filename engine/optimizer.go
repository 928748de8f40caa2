package engine

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// ErrUnknownOptimizer is returned by NewOptimizer for unsupported names.
var ErrUnknownOptimizer = errors.New("unknown optimizer")

// OptimizerParams configures an optimizer. Zero values select defaults.
type OptimizerParams struct {
	LearningRate float64
	// Momentum is used by sgd.
	Momentum float64
	// Beta1, Beta2 and Epsilon are used by adam.
	Beta1   float64
	Beta2   float64
	Epsilon float64
}

// Optimizer updates parameters from their gradients.
type Optimizer interface {
	// Update applies one step to params, multiplying every gradient by
	// rescale first.
	Update(params []*Parameter, rescale float64)
	LearningRate() float64
	SetLearningRate(lr float64)
}

// NewOptimizer creates an optimizer by name: "sgd" or "adam".
func NewOptimizer(name string, p OptimizerParams) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "sgd":
		return NewSGD(p), nil
	case "adam":
		return NewAdam(p), nil
	}
	return nil, errors.Wrapf(ErrUnknownOptimizer, "%q", name)
}

// SGD is stochastic gradient descent with optional momentum.
type SGD struct {
	lr       float64
	momentum float64
	velocity map[*Parameter][]float32
}

func NewSGD(p OptimizerParams) *SGD {
	return &SGD{lr: p.LearningRate, momentum: p.Momentum, velocity: make(map[*Parameter][]float32)}
}

func (o *SGD) LearningRate() float64      { return o.lr }
func (o *SGD) SetLearningRate(lr float64) { o.lr = lr }

func (o *SGD) Update(params []*Parameter, rescale float64) {
	lr := float32(o.lr)
	mom := float32(o.momentum)
	scale := float32(rescale)
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		if mom == 0 {
			for i, g := range p.Grad {
				p.Data[i] -= lr * g * scale
			}
			continue
		}
		v, ok := o.velocity[p]
		if !ok {
			v = make([]float32, len(p.Data))
			o.velocity[p] = v
		}
		for i, g := range p.Grad {
			v[i] = mom*v[i] - lr*g*scale
			p.Data[i] += v[i]
		}
	}
}

// Adam implements the Adam optimizer with bias correction.
type Adam struct {
	lr, beta1, beta2, eps float64
	m, v                  map[*Parameter][]float32
	t                     map[*Parameter]int
}

func NewAdam(p OptimizerParams) *Adam {
	a := &Adam{
		lr:    p.LearningRate,
		beta1: p.Beta1,
		beta2: p.Beta2,
		eps:   p.Epsilon,
		m:     make(map[*Parameter][]float32),
		v:     make(map[*Parameter][]float32),
		t:     make(map[*Parameter]int),
	}
	if a.beta1 == 0 {
		a.beta1 = 0.9
	}
	if a.beta2 == 0 {
		a.beta2 = 0.999
	}
	if a.eps == 0 {
		a.eps = 1e-8
	}
	return a
}

func (o *Adam) LearningRate() float64      { return o.lr }
func (o *Adam) SetLearningRate(lr float64) { o.lr = lr }

func (o *Adam) Update(params []*Parameter, rescale float64) {
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		m, ok := o.m[p]
		if !ok {
			m = make([]float32, len(p.Data))
			o.m[p] = m
			o.v[p] = make([]float32, len(p.Data))
		}
		v := o.v[p]
		o.t[p]++
		t := float64(o.t[p])
		// Bias corrections folded into the step size.
		stepSize := o.lr * math.Sqrt(1-math.Pow(o.beta2, t)) / (1 - math.Pow(o.beta1, t))

		b1, b2 := float32(o.beta1), float32(o.beta2)
		for i, g := range p.Grad {
			g *= float32(rescale)
			m[i] = b1*m[i] + (1-b1)*g
			v[i] = b2*v[i] + (1-b2)*g*g
			p.Data[i] -= float32(stepSize * float64(m[i]) / (math.Sqrt(float64(v[i])) + o.eps))
		}
	}
}
