package betae

import (
	"math/rand/v2"

	"github.com/hey-memory/LR4HCAR/pkg/nn"
	"github.com/hey-memory/LR4HCAR/pkg/tensor"
)

// BetaIntersection combines the Beta embeddings of several branches with a
// learned per-coordinate attention.
type BetaIntersection struct {
	dim    int
	layer1 *nn.Linear
	layer2 *nn.Linear
}

// NewBetaIntersection creates the operator for embeddings of width dim.
func NewBetaIntersection(rng *rand.Rand, dim int) *BetaIntersection {
	return &BetaIntersection{
		dim:    dim,
		layer1: nn.NewLinear(rng, 2*dim, 2*dim),
		layer2: nn.NewLinear(rng, 2*dim, dim),
	}
}

// Attention returns one weight tensor per branch. For every row and
// coordinate the weights across branches sum to one.
func (bi *BetaIntersection) Attention(tp *tensor.Tape, alphas, betas []*tensor.Tensor) []*tensor.Tensor {
	logits := make([]*tensor.Tensor, len(alphas))
	for i := range alphas {
		h := tp.ReLU(bi.layer1.Forward(tp, tp.Concat(alphas[i], betas[i])))
		logits[i] = bi.layer2.Forward(tp, h)
	}
	return tp.SoftmaxAcross(logits)
}

// Forward intersects the branches, returning the combined alpha and beta.
func (bi *BetaIntersection) Forward(tp *tensor.Tape, alphas, betas []*tensor.Tensor) (*tensor.Tensor, *tensor.Tensor) {
	w := bi.Attention(tp, alphas, betas)
	return tp.WeightedSum(w, alphas), tp.WeightedSum(w, betas)
}

// Params returns the trainable tensors.
func (bi *BetaIntersection) Params() []*tensor.Tensor {
	return append(bi.layer1.Params(), bi.layer2.Params()...)
}
