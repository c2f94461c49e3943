package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Gather selects rows of table by index, e.g. an embedding lookup.
func (tp *Tape) Gather(table *Tensor, idx []int) *Tensor {
	if len(idx) == 0 {
		panic("tensor: Gather with no indices")
	}
	rows, cols := table.Value.Dims()
	src := table.Data()
	data := make([]float64, len(idx)*cols)
	for k, i := range idx {
		if i < 0 || i >= rows {
			panic(fmt.Sprintf("tensor: Gather index %d out of range [0,%d)", i, rows))
		}
		copy(data[k*cols:(k+1)*cols], src[i*cols:(i+1)*cols])
	}
	out := New(len(idx), cols, data)
	if !tp.tracking(table) {
		return out
	}
	return tp.record(out, func() {
		g := out.outGrad()
		if g == nil {
			return
		}
		tg := table.gradBuf()
		for k, i := range idx {
			floats.Add(tg[i*cols:(i+1)*cols], g[k*cols:(k+1)*cols])
		}
	})
}

// Affine computes x·Wᵀ + b where W is out×in and b is 1×out, matching a
// fully connected layer with row-vector inputs.
func (tp *Tape) Affine(x, w, b *Tensor) *Tensor {
	n, in := x.Value.Dims()
	outDim, win := w.Value.Dims()
	if in != win {
		panic(fmt.Sprintf("tensor: Affine input has %d features, weight expects %d", in, win))
	}
	if b.Rows() != 1 || b.Cols() != outDim {
		panic(fmt.Sprintf("tensor: Affine bias is %dx%d, want 1x%d", b.Rows(), b.Cols(), outDim))
	}

	var prod mat.Dense
	prod.Mul(x.Value, w.Value.T())
	bias := b.Data()
	data := prod.RawMatrix().Data
	for i := 0; i < n; i++ {
		floats.Add(data[i*outDim:(i+1)*outDim], bias)
	}
	out := wrap(&prod)
	if !tp.tracking(x, w, b) {
		return out
	}
	return tp.record(out, func() {
		if out.Grad == nil {
			return
		}
		gy := out.Grad
		if x.requiresGrad {
			var dx mat.Dense
			dx.Mul(gy, w.Value)
			x.gradBuf()
			x.Grad.Add(x.Grad, &dx)
		}
		if w.requiresGrad {
			var dw mat.Dense
			dw.Mul(gy.T(), x.Value)
			w.gradBuf()
			w.Grad.Add(w.Grad, &dw)
		}
		if bg := b.gradBuf(); bg != nil {
			g := gy.RawMatrix().Data
			for i := 0; i < n; i++ {
				floats.Add(bg, g[i*outDim:(i+1)*outDim])
			}
		}
	})
}

// Concat joins a and b along the column axis.
func (tp *Tape) Concat(a, b *Tensor) *Tensor {
	n, ac := a.Value.Dims()
	bn, bc := b.Value.Dims()
	if n != bn {
		panic(fmt.Sprintf("tensor: Concat row mismatch %d vs %d", n, bn))
	}
	cols := ac + bc
	ad, bd := a.Data(), b.Data()
	data := make([]float64, n*cols)
	for i := 0; i < n; i++ {
		copy(data[i*cols:i*cols+ac], ad[i*ac:(i+1)*ac])
		copy(data[i*cols+ac:(i+1)*cols], bd[i*bc:(i+1)*bc])
	}
	out := New(n, cols, data)
	if !tp.tracking(a, b) {
		return out
	}
	return tp.record(out, func() {
		g := out.outGrad()
		if g == nil {
			return
		}
		if ag := a.gradBuf(); ag != nil {
			for i := 0; i < n; i++ {
				floats.Add(ag[i*ac:(i+1)*ac], g[i*cols:i*cols+ac])
			}
		}
		if bg := b.gradBuf(); bg != nil {
			for i := 0; i < n; i++ {
				floats.Add(bg[i*bc:(i+1)*bc], g[i*cols+ac:(i+1)*cols])
			}
		}
	})
}

// SliceCols returns columns [from, to) of x.
func (tp *Tape) SliceCols(x *Tensor, from, to int) *Tensor {
	n, c := x.Value.Dims()
	if from < 0 || to > c || from >= to {
		panic(fmt.Sprintf("tensor: SliceCols [%d,%d) out of range for %d columns", from, to, c))
	}
	w := to - from
	xd := x.Data()
	data := make([]float64, n*w)
	for i := 0; i < n; i++ {
		copy(data[i*w:(i+1)*w], xd[i*c+from:i*c+to])
	}
	out := New(n, w, data)
	if !tp.tracking(x) {
		return out
	}
	return tp.record(out, func() {
		g := out.outGrad()
		if g == nil {
			return
		}
		xg := x.gradBuf()
		for i := 0; i < n; i++ {
			floats.Add(xg[i*c+from:i*c+to], g[i*w:(i+1)*w])
		}
	})
}

// Chunk2 splits x into two equal column halves.
func (tp *Tape) Chunk2(x *Tensor) (*Tensor, *Tensor) {
	c := x.Cols()
	if c%2 != 0 {
		panic(fmt.Sprintf("tensor: Chunk2 on odd column count %d", c))
	}
	return tp.SliceCols(x, 0, c/2), tp.SliceCols(x, c/2, c)
}

// RepeatRows repeats every row of x n times consecutively.
func (tp *Tape) RepeatRows(x *Tensor, n int) *Tensor {
	if n <= 0 {
		panic("tensor: RepeatRows needs n > 0")
	}
	rows, c := x.Value.Dims()
	xd := x.Data()
	data := make([]float64, rows*n*c)
	for i := 0; i < rows; i++ {
		src := xd[i*c : (i+1)*c]
		for k := 0; k < n; k++ {
			off := (i*n + k) * c
			copy(data[off:off+c], src)
		}
	}
	out := New(rows*n, c, data)
	if !tp.tracking(x) {
		return out
	}
	return tp.record(out, func() {
		g := out.outGrad()
		if g == nil {
			return
		}
		xg := x.gradBuf()
		for i := 0; i < rows; i++ {
			dst := xg[i*c : (i+1)*c]
			for k := 0; k < n; k++ {
				off := (i*n + k) * c
				floats.Add(dst, g[off:off+c])
			}
		}
	})
}

// Reshape reinterprets the row-major values of x with a new shape.
func (tp *Tape) Reshape(x *Tensor, rows, cols int) *Tensor {
	r, c := x.Value.Dims()
	if r*c != rows*cols {
		panic(fmt.Sprintf("tensor: cannot reshape %dx%d to %dx%d", r, c, rows, cols))
	}
	out := New(rows, cols, append([]float64(nil), x.Data()...))
	if !tp.tracking(x) {
		return out
	}
	return tp.record(out, func() {
		g := out.outGrad()
		if g == nil {
			return
		}
		floats.Add(x.gradBuf(), g)
	})
}

// RowsOf concatenates tensors with equal column counts along the row axis.
func (tp *Tape) RowsOf(xs ...*Tensor) *Tensor {
	if len(xs) == 0 {
		panic("tensor: RowsOf needs at least one tensor")
	}
	c := xs[0].Cols()
	total := 0
	for _, x := range xs {
		if x.Cols() != c {
			panic(fmt.Sprintf("tensor: RowsOf column mismatch %d vs %d", x.Cols(), c))
		}
		total += x.Rows()
	}
	data := make([]float64, 0, total*c)
	for _, x := range xs {
		data = append(data, x.Data()...)
	}
	out := New(total, c, data)
	if !tp.tracking(xs...) {
		return out
	}
	return tp.record(out, func() {
		g := out.outGrad()
		if g == nil {
			return
		}
		off := 0
		for _, x := range xs {
			size := x.Rows() * c
			if xg := x.gradBuf(); xg != nil {
				floats.Add(xg, g[off:off+size])
			}
			off += size
		}
	})
}
