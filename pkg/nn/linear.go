// Package nn provides trainable building blocks on top of the tensor package:
// fully connected layers, parameter initialisers and the Adam optimizer.
package nn

import (
	"math"
	"math/rand/v2"

	"github.com/hey-memory/LR4HCAR/pkg/tensor"
)

// Linear is a fully connected layer computing x·Wᵀ + b.
type Linear struct {
	In  int
	Out int

	Weight *tensor.Tensor // Out×In
	Bias   *tensor.Tensor // 1×Out
}

// NewLinear creates a layer with Xavier-uniform weights and a bias drawn from
// U(-1/√in, 1/√in).
func NewLinear(rng *rand.Rand, in, out int) *Linear {
	if in <= 0 || out <= 0 {
		panic("nn: Linear dimensions must be positive")
	}
	weight := tensor.NewParam(out, in, nil)
	XavierUniform(rng, weight)

	bound := 1 / math.Sqrt(float64(in))
	bias := tensor.NewParam(1, out, nil)
	Uniform(rng, bias, -bound, bound)

	return &Linear{In: in, Out: out, Weight: weight, Bias: bias}
}

// Forward applies the layer to the rows of x.
func (l *Linear) Forward(tp *tensor.Tape, x *tensor.Tensor) *tensor.Tensor {
	return tp.Affine(x, l.Weight, l.Bias)
}

// Params returns the trainable tensors of the layer.
func (l *Linear) Params() []*tensor.Tensor {
	return []*tensor.Tensor{l.Weight, l.Bias}
}

// XavierUniform fills t with U(-a, a), a = √(6 / (fan_in + fan_out)), where
// fan_out is the row count and fan_in the column count.
func XavierUniform(rng *rand.Rand, t *tensor.Tensor) {
	a := math.Sqrt(6 / float64(t.Rows()+t.Cols()))
	Uniform(rng, t, -a, a)
}

// Uniform fills t with values drawn from U(lo, hi).
func Uniform(rng *rand.Rand, t *tensor.Tensor, lo, hi float64) {
	data := t.Data()
	for i := range data {
		data[i] = lo + rng.Float64()*(hi-lo)
	}
}
