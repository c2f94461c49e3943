package tensor

import (
	"math"

	"gonum.org/v1/gonum/mathext"
)

// BetaKL computes KL(Beta(a1, b1) || Beta(a2, b2)) elementwise. All four
// tensors must share a shape and hold strictly positive values.
func (tp *Tape) BetaKL(a1, b1, a2, b2 *Tensor) *Tensor {
	checkSameShape("BetaKL", a1, b1)
	checkSameShape("BetaKL", a1, a2)
	checkSameShape("BetaKL", a1, b2)
	r, c := a1.Value.Dims()
	a1d, b1d, a2d, b2d := a1.Data(), b1.Data(), a2.Data(), b2.Data()
	data := make([]float64, len(a1d))
	for i := range data {
		data[i] = BetaKLDivergence(a1d[i], b1d[i], a2d[i], b2d[i])
	}
	out := New(r, c, data)
	if !tp.tracking(a1, b1, a2, b2) {
		return out
	}
	return tp.record(out, func() {
		g := out.outGrad()
		if g == nil {
			return
		}
		ga1, gb1, ga2, gb2 := a1.gradBuf(), b1.gradBuf(), a2.gradBuf(), b2.gradBuf()
		for i := range g {
			x1, y1, x2, y2 := a1d[i], b1d[i], a2d[i], b2d[i]
			s1 := x1 + y1
			rest := x2 - x1 + y2 - y1
			if ga1 != nil || gb1 != nil {
				t := Trigamma(s1)
				if ga1 != nil {
					ga1[i] += g[i] * ((x1-x2)*Trigamma(x1) + rest*t)
				}
				if gb1 != nil {
					gb1[i] += g[i] * ((y1-y2)*Trigamma(y1) + rest*t)
				}
			}
			if ga2 != nil || gb2 != nil {
				d1 := mathext.Digamma(s1)
				d2 := mathext.Digamma(x2 + y2)
				if ga2 != nil {
					ga2[i] += g[i] * (mathext.Digamma(x2) - d2 - mathext.Digamma(x1) + d1)
				}
				if gb2 != nil {
					gb2[i] += g[i] * (mathext.Digamma(y2) - d2 - mathext.Digamma(y1) + d1)
				}
			}
		}
	})
}

// BetaKLDivergence is the closed form KL divergence between two Beta
// distributions.
func BetaKLDivergence(a1, b1, a2, b2 float64) float64 {
	s1 := a1 + b1
	return mathext.Lbeta(a2, b2) - mathext.Lbeta(a1, b1) +
		(a1-a2)*mathext.Digamma(a1) +
		(b1-b2)*mathext.Digamma(b1) +
		(a2-a1+b2-b1)*mathext.Digamma(s1)
}

// Trigamma evaluates the derivative of the digamma function for x > 0 using
// the recurrence ψ1(x) = ψ1(x+1) + 1/x² followed by the asymptotic series.
func Trigamma(x float64) float64 {
	if x <= 0 || math.IsNaN(x) {
		return math.NaN()
	}
	if math.IsInf(x, 1) {
		return 0
	}
	var acc float64
	for x < 10 {
		acc += 1 / (x * x)
		x++
	}
	inv := 1 / x
	inv2 := inv * inv
	series := inv + inv2/2 +
		inv*inv2*(1.0/6-inv2*(1.0/30-inv2*(1.0/42-inv2*(1.0/30))))
	return acc + series
}
