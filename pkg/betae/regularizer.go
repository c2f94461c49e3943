package betae

import "github.com/hey-memory/LR4HCAR/pkg/tensor"

// Regularizer shifts every value by BaseAdd and clamps the result into
// [Min, Max]. It keeps Beta parameters strictly positive.
type Regularizer struct {
	BaseAdd float64
	Min     float64
	Max     float64
}

// DefaultRegularizer is applied to entity lookups and projection outputs.
var DefaultRegularizer = Regularizer{BaseAdd: 1, Min: 0.05, Max: 1e9}

// Apply regularizes x elementwise.
func (r Regularizer) Apply(tp *tensor.Tape, x *tensor.Tensor) *tensor.Tensor {
	return tp.ShiftClamp(x, r.BaseAdd, r.Min, r.Max)
}
