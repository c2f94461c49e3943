package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// RowL1 computes the L1 norm of every row, returning an r×1 tensor.
func (tp *Tape) RowL1(x *Tensor) *Tensor {
	r, c := x.Value.Dims()
	xd := x.Data()
	data := make([]float64, r)
	for i := 0; i < r; i++ {
		data[i] = floats.Norm(xd[i*c:(i+1)*c], 1)
	}
	out := New(r, 1, data)
	if !tp.tracking(x) {
		return out
	}
	return tp.record(out, func() {
		g := out.outGrad()
		if g == nil {
			return
		}
		xg := x.gradBuf()
		for i := 0; i < r; i++ {
			for j := i * c; j < (i+1)*c; j++ {
				switch {
				case xd[j] > 0:
					xg[j] += g[i]
				case xd[j] < 0:
					xg[j] -= g[i]
				}
			}
		}
	})
}

// RowMean averages every row, returning an r×1 tensor.
func (tp *Tape) RowMean(x *Tensor) *Tensor {
	r, c := x.Value.Dims()
	xd := x.Data()
	data := make([]float64, r)
	for i := 0; i < r; i++ {
		data[i] = floats.Sum(xd[i*c:(i+1)*c]) / float64(c)
	}
	out := New(r, 1, data)
	if !tp.tracking(x) {
		return out
	}
	return tp.record(out, func() {
		g := out.outGrad()
		if g == nil {
			return
		}
		xg := x.gradBuf()
		for i := 0; i < r; i++ {
			share := g[i] / float64(c)
			for j := i * c; j < (i+1)*c; j++ {
				xg[j] += share
			}
		}
	})
}

// Sum adds up every value into a 1×1 tensor.
func (tp *Tape) Sum(x *Tensor) *Tensor {
	xd := x.Data()
	out := New(1, 1, []float64{floats.Sum(xd)})
	if !tp.tracking(x) {
		return out
	}
	return tp.record(out, func() {
		g := out.outGrad()
		if g == nil {
			return
		}
		floats.AddConst(g[0], x.gradBuf())
	})
}

// WeightedMean computes Σ w_i x_i / Σ w_i over the values of a column vector.
// The weights are constants.
func (tp *Tape) WeightedMean(x *Tensor, w []float64) *Tensor {
	xd := x.Data()
	if len(xd) != len(w) {
		panic(fmt.Sprintf("tensor: WeightedMean has %d values and %d weights", len(xd), len(w)))
	}
	total := floats.Sum(w)
	// A zero weight sum yields NaN, which is surfaced to the caller.
	out := New(1, 1, []float64{floats.Dot(xd, w) / total})
	if !tp.tracking(x) {
		return out
	}
	return tp.record(out, func() {
		g := out.outGrad()
		if g == nil {
			return
		}
		floats.AddScaled(x.gradBuf(), g[0]/total, w)
	})
}

// HasNaN reports whether any value is NaN or infinite.
func (t *Tensor) HasNaN() bool {
	for _, v := range t.Data() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}
