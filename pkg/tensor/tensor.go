// Package tensor implements a small reverse-mode automatic differentiation
// engine over dense row-major matrices.
//
// Every value is a 2-D matrix backed by gonum's mat.Dense. Operations are
// methods on a Tape: when the tape is non-nil and at least one input requires
// a gradient, the result is recorded so that Backward can later propagate
// gradients in reverse order. A nil tape evaluates values only, which is how
// inference runs without gradient tracking.
package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Tensor is a matrix value with an optional accumulated gradient.
type Tensor struct {
	Value *mat.Dense
	Grad  *mat.Dense

	requiresGrad bool
	backward     func()
}

// New creates a constant tensor. data is used as the backing slice when it is
// non-nil and must hold rows*cols values.
func New(rows, cols int, data []float64) *Tensor {
	return &Tensor{Value: mat.NewDense(rows, cols, data)}
}

// NewParam creates a tensor that accumulates gradients.
func NewParam(rows, cols int, data []float64) *Tensor {
	t := New(rows, cols, data)
	t.requiresGrad = true
	return t
}

// FromRows creates a constant tensor from equally sized rows.
func FromRows(rows [][]float64) *Tensor {
	if len(rows) == 0 {
		panic("tensor: FromRows needs at least one row")
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, r := range rows {
		if len(r) != cols {
			panic(fmt.Sprintf("tensor: row %d has %d columns, want %d", i, len(r), cols))
		}
		data = append(data, r...)
	}
	return New(len(rows), cols, data)
}

func wrap(m *mat.Dense) *Tensor {
	return &Tensor{Value: m}
}

// Rows returns the number of rows.
func (t *Tensor) Rows() int {
	r, _ := t.Value.Dims()
	return r
}

// Cols returns the number of columns.
func (t *Tensor) Cols() int {
	_, c := t.Value.Dims()
	return c
}

// At returns the value at row i, column j.
func (t *Tensor) At(i, j int) float64 {
	return t.Value.At(i, j)
}

// Item returns the single value of a 1x1 tensor.
func (t *Tensor) Item() float64 {
	if t.Rows() != 1 || t.Cols() != 1 {
		panic(fmt.Sprintf("tensor: Item on %dx%d tensor", t.Rows(), t.Cols()))
	}
	return t.Value.At(0, 0)
}

// Row returns a copy of row i.
func (t *Tensor) Row(i int) []float64 {
	return mat.Row(nil, i, t.Value)
}

// Data exposes the contiguous row-major backing slice of the value.
func (t *Tensor) Data() []float64 {
	return t.Value.RawMatrix().Data
}

// RequiresGrad reports whether gradients flow into this tensor.
func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

// ZeroGrad drops the accumulated gradient.
func (t *Tensor) ZeroGrad() {
	if t.Grad != nil {
		t.Grad.Zero()
	}
}

// gradBuf returns the gradient buffer of t, allocating it on first use. It
// returns nil for tensors that do not require gradients.
func (t *Tensor) gradBuf() []float64 {
	if !t.requiresGrad {
		return nil
	}
	if t.Grad == nil {
		r, c := t.Value.Dims()
		t.Grad = mat.NewDense(r, c, nil)
	}
	return t.Grad.RawMatrix().Data
}

// outGrad returns the upstream gradient of an op output or nil when nothing
// flowed into it.
func (t *Tensor) outGrad() []float64 {
	if t.Grad == nil {
		return nil
	}
	return t.Grad.RawMatrix().Data
}

// Tape records operations for reverse-mode differentiation.
type Tape struct {
	nodes []*Tensor
}

// NewTape returns an empty tape.
func NewTape() *Tape {
	return &Tape{}
}

// Len returns the number of recorded operations.
func (tp *Tape) Len() int {
	if tp == nil {
		return 0
	}
	return len(tp.nodes)
}

func (tp *Tape) tracking(inputs ...*Tensor) bool {
	if tp == nil {
		return false
	}
	for _, in := range inputs {
		if in.requiresGrad {
			return true
		}
	}
	return false
}

func (tp *Tape) record(out *Tensor, backward func()) *Tensor {
	out.requiresGrad = true
	out.backward = backward
	tp.nodes = append(tp.nodes, out)
	return out
}

// Backward seeds d(loss)/d(loss) = 1 and propagates gradients to every
// recorded input. loss must be a 1x1 tensor produced on this tape.
func (tp *Tape) Backward(loss *Tensor) error {
	if tp == nil {
		return fmt.Errorf("backward called without a tape")
	}
	if loss.Rows() != 1 || loss.Cols() != 1 {
		return fmt.Errorf("backward needs a scalar loss, got %dx%d", loss.Rows(), loss.Cols())
	}
	if !loss.requiresGrad {
		return fmt.Errorf("loss does not depend on any parameter")
	}
	loss.gradBuf()[0] += 1

	for i := len(tp.nodes) - 1; i >= 0; i-- {
		n := tp.nodes[i]
		if n.backward != nil {
			n.backward()
		}
	}
	return nil
}

// Reset forgets all recorded operations.
func (tp *Tape) Reset() {
	if tp == nil {
		return
	}
	for _, n := range tp.nodes {
		n.backward = nil
	}
	tp.nodes = tp.nodes[:0]
}

func checkSameShape(op string, a, b *Tensor) {
	ar, ac := a.Value.Dims()
	br, bc := b.Value.Dims()
	if ar != br || ac != bc {
		panic(fmt.Sprintf("tensor: %s shape mismatch %dx%d vs %dx%d", op, ar, ac, br, bc))
	}
}
