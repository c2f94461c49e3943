package nn

import (
	"math"

	"github.com/hey-memory/LR4HCAR/pkg/tensor"
)

// AdamParams configures an Adam optimizer. Zero values fall back to the usual
// defaults (β1 = 0.9, β2 = 0.999, ε = 1e-8).
type AdamParams struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
}

// Adam implements the Adam optimizer with bias correction.
type Adam struct {
	params []*tensor.Tensor
	lr     float64
	beta1  float64
	beta2  float64
	eps    float64

	step int
	m    [][]float64
	v    [][]float64
}

// NewAdam creates an optimizer over params.
func NewAdam(params []*tensor.Tensor, p AdamParams) *Adam {
	if p.Beta1 == 0 {
		p.Beta1 = 0.9
	}
	if p.Beta2 == 0 {
		p.Beta2 = 0.999
	}
	if p.Epsilon == 0 {
		p.Epsilon = 1e-8
	}
	m := make([][]float64, len(params))
	v := make([][]float64, len(params))
	for i, t := range params {
		m[i] = make([]float64, len(t.Data()))
		v[i] = make([]float64, len(t.Data()))
	}
	return &Adam{
		params: params,
		lr:     p.LearningRate,
		beta1:  p.Beta1,
		beta2:  p.Beta2,
		eps:    p.Epsilon,
		m:      m,
		v:      v,
	}
}

// ZeroGrad clears the gradients of every managed parameter.
func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		p.ZeroGrad()
	}
}

// Step applies one update using the accumulated gradients. Parameters that
// never received a gradient are skipped.
func (a *Adam) Step() {
	a.step++
	c1 := 1 - math.Pow(a.beta1, float64(a.step))
	c2 := 1 - math.Pow(a.beta2, float64(a.step))
	for i, p := range a.params {
		if p.Grad == nil {
			continue
		}
		g := p.Grad.RawMatrix().Data
		w := p.Data()
		m, v := a.m[i], a.v[i]
		for j := range w {
			m[j] = a.beta1*m[j] + (1-a.beta1)*g[j]
			v[j] = a.beta2*v[j] + (1-a.beta2)*g[j]*g[j]
			mHat := m[j] / c1
			vHat := v[j] / c2
			w[j] -= a.lr * mHat / (math.Sqrt(vHat) + a.eps)
		}
	}
}

// Steps returns the number of updates applied so far.
func (a *Adam) Steps() int {
	return a.step
}
