package betae

import (
	"fmt"
	"math/rand/v2"

	"github.com/hey-memory/LR4HCAR/pkg/nn"
	"github.com/hey-memory/LR4HCAR/pkg/tensor"
)

// BetaProjection maps a Beta embedding through a relation with an MLP.
//
// layers[0] is the output layer; layers[1..numLayers] are the hidden layers,
// each followed by a ReLU.
type BetaProjection struct {
	entityDim   int
	relationDim int
	layers      []*nn.Linear
	regularizer Regularizer
}

// NewBetaProjection creates the operator. numLayers must be at least one.
func NewBetaProjection(rng *rand.Rand, entityDim, relationDim, hiddenDim, numLayers int, reg Regularizer) (*BetaProjection, error) {
	if numLayers < 1 {
		return nil, fmt.Errorf("projection needs at least one hidden layer, got %d", numLayers)
	}
	layers := make([]*nn.Linear, numLayers+1)
	layers[1] = nn.NewLinear(rng, 2*entityDim+relationDim, hiddenDim)
	for nl := 2; nl <= numLayers; nl++ {
		layers[nl] = nn.NewLinear(rng, hiddenDim, hiddenDim)
	}
	layers[0] = nn.NewLinear(rng, hiddenDim, 2*entityDim)
	return &BetaProjection{
		entityDim:   entityDim,
		relationDim: relationDim,
		layers:      layers,
		regularizer: reg,
	}, nil
}

// Forward projects emb (n×2·entityDim) through rel (n×relationDim).
func (bp *BetaProjection) Forward(tp *tensor.Tape, emb, rel *tensor.Tensor) *tensor.Tensor {
	x := tp.Concat(emb, rel)
	for nl := 1; nl < len(bp.layers); nl++ {
		x = tp.ReLU(bp.layers[nl].Forward(tp, x))
	}
	x = bp.layers[0].Forward(tp, x)
	return bp.regularizer.Apply(tp, x)
}

// Params returns the trainable tensors.
func (bp *BetaProjection) Params() []*tensor.Tensor {
	var ps []*tensor.Tensor
	for _, l := range bp.layers {
		ps = append(ps, l.Params()...)
	}
	return ps
}
