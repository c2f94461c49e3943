package tensor

import (
	"fmt"
	"math"
)

// unary builds an elementwise op from its forward function and the local
// derivative expressed in terms of the input x and output y.
func (tp *Tape) unary(x *Tensor, f func(x float64) float64, df func(x, y float64) float64) *Tensor {
	r, c := x.Value.Dims()
	xd := x.Data()
	data := make([]float64, len(xd))
	for i, v := range xd {
		data[i] = f(v)
	}
	out := New(r, c, data)
	if !tp.tracking(x) {
		return out
	}
	return tp.record(out, func() {
		g := out.outGrad()
		if g == nil {
			return
		}
		xg := x.gradBuf()
		for i, v := range xd {
			xg[i] += g[i] * df(v, data[i])
		}
	})
}

// ReLU applies max(x, 0).
func (tp *Tape) ReLU(x *Tensor) *Tensor {
	return tp.unary(x,
		func(v float64) float64 { return math.Max(v, 0) },
		func(v, _ float64) float64 {
			if v > 0 {
				return 1
			}
			return 0
		})
}

// ShiftClamp computes clamp(x + add, lo, hi). The gradient passes where the
// shifted value lies inside [lo, hi].
func (tp *Tape) ShiftClamp(x *Tensor, add, lo, hi float64) *Tensor {
	return tp.unary(x,
		func(v float64) float64 { return math.Min(math.Max(v+add, lo), hi) },
		func(v, _ float64) float64 {
			s := v + add
			if s >= lo && s <= hi {
				return 1
			}
			return 0
		})
}

// Reciprocal computes 1/x.
func (tp *Tape) Reciprocal(x *Tensor) *Tensor {
	return tp.unary(x,
		func(v float64) float64 { return 1 / v },
		func(_, y float64) float64 { return -y * y })
}

// Scale multiplies every value by s.
func (tp *Tape) Scale(x *Tensor, s float64) *Tensor {
	return tp.unary(x,
		func(v float64) float64 { return v * s },
		func(_, _ float64) float64 { return s })
}

// Neg negates x.
func (tp *Tape) Neg(x *Tensor) *Tensor {
	return tp.Scale(x, -1)
}

// RSub computes c - x.
func (tp *Tape) RSub(c float64, x *Tensor) *Tensor {
	return tp.unary(x,
		func(v float64) float64 { return c - v },
		func(_, _ float64) float64 { return -1 })
}

// LogSigmoid computes log(1 / (1 + exp(-x))) in a numerically stable form.
func (tp *Tape) LogSigmoid(x *Tensor) *Tensor {
	return tp.unary(x, logSigmoid, func(v, _ float64) float64 { return sigmoid(-v) })
}

func logSigmoid(v float64) float64 {
	return math.Min(v, 0) - math.Log1p(math.Exp(-math.Abs(v)))
}

func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1 / (1 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1 + e)
}

// binary builds an elementwise op over two same-shaped tensors. da and db
// return the local derivatives with respect to a and b.
func (tp *Tape) binary(op string, a, b *Tensor, f func(a, b float64) float64, da, db func(a, b float64) float64) *Tensor {
	checkSameShape(op, a, b)
	r, c := a.Value.Dims()
	ad, bd := a.Data(), b.Data()
	data := make([]float64, len(ad))
	for i := range ad {
		data[i] = f(ad[i], bd[i])
	}
	out := New(r, c, data)
	if !tp.tracking(a, b) {
		return out
	}
	return tp.record(out, func() {
		g := out.outGrad()
		if g == nil {
			return
		}
		if ag := a.gradBuf(); ag != nil {
			for i := range ag {
				ag[i] += g[i] * da(ad[i], bd[i])
			}
		}
		if bg := b.gradBuf(); bg != nil {
			for i := range bg {
				bg[i] += g[i] * db(ad[i], bd[i])
			}
		}
	})
}

// Add computes a + b elementwise.
func (tp *Tape) Add(a, b *Tensor) *Tensor {
	one := func(_, _ float64) float64 { return 1 }
	return tp.binary("Add", a, b, func(x, y float64) float64 { return x + y }, one, one)
}

// Mul computes a * b elementwise.
func (tp *Tape) Mul(a, b *Tensor) *Tensor {
	return tp.binary("Mul", a, b,
		func(x, y float64) float64 { return x * y },
		func(_, y float64) float64 { return y },
		func(x, _ float64) float64 { return x })
}

// SoftmaxAcross applies a softmax over the list axis: for every position
// (i, j) the values xs[0][i,j] … xs[n-1][i,j] are normalised to sum to one.
func (tp *Tape) SoftmaxAcross(xs []*Tensor) []*Tensor {
	if len(xs) == 0 {
		panic("tensor: SoftmaxAcross needs at least one tensor")
	}
	for _, x := range xs[1:] {
		checkSameShape("SoftmaxAcross", xs[0], x)
	}
	r, c := xs[0].Value.Dims()
	size := r * c
	outs := make([]*Tensor, len(xs))
	outData := make([][]float64, len(xs))
	for k := range xs {
		outData[k] = make([]float64, size)
	}
	for p := 0; p < size; p++ {
		m := math.Inf(-1)
		for _, x := range xs {
			m = math.Max(m, x.Data()[p])
		}
		var sum float64
		for k, x := range xs {
			e := math.Exp(x.Data()[p] - m)
			outData[k][p] = e
			sum += e
		}
		for k := range xs {
			outData[k][p] /= sum
		}
	}
	for k := range xs {
		outs[k] = New(r, c, outData[k])
	}
	if !tp.tracking(xs...) {
		return outs
	}

	// Every output is recorded; the joint backward lives on the first output
	// so it runs only after all consumers of every output have been visited.
	joint := func() {
		grads := make([][]float64, len(outs))
		flowed := false
		for k, o := range outs {
			grads[k] = o.outGrad()
			if grads[k] != nil {
				flowed = true
			}
		}
		if !flowed {
			return
		}
		for p := 0; p < size; p++ {
			var dot float64
			for k := range outs {
				if grads[k] != nil {
					dot += grads[k][p] * outData[k][p]
				}
			}
			for k, x := range xs {
				xg := x.gradBuf()
				if xg == nil {
					continue
				}
				var gk float64
				if grads[k] != nil {
					gk = grads[k][p]
				}
				xg[p] += outData[k][p] * (gk - dot)
			}
		}
	}
	tp.record(outs[0], joint)
	for _, o := range outs[1:] {
		tp.record(o, nil)
	}
	return outs
}

// WeightedSum computes Σ_k ws[k] * xs[k] elementwise.
func (tp *Tape) WeightedSum(ws, xs []*Tensor) *Tensor {
	if len(ws) != len(xs) || len(xs) == 0 {
		panic(fmt.Sprintf("tensor: WeightedSum with %d weights and %d values", len(ws), len(xs)))
	}
	acc := tp.Mul(ws[0], xs[0])
	for k := 1; k < len(xs); k++ {
		acc = tp.Add(acc, tp.Mul(ws[k], xs[k]))
	}
	return acc
}
