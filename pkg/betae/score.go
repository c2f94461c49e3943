package betae

import (
	"github.com/hey-memory/LR4HCAR/pkg/tensor"
)

// Logit scores entity embeddings (n × 2·hidden, already regularized) against
// query embeddings (n × hidden each) row by row:
//
//	gamma - ‖KL(Beta(entity) ‖ Beta(query))‖₁
//
// The result is n×1. Identical distributions score exactly gamma.
func (m *Model) Logit(tp *tensor.Tape, entity, alpha, beta *tensor.Tensor) *tensor.Tensor {
	ea, eb := tp.Chunk2(entity)
	kl := tp.BetaKL(ea, eb, alpha, beta)
	return tp.RSub(m.cfg.Gamma, tp.RowL1(kl))
}

// logitRow scores a single entity against a single query without building
// tensors. entity holds alpha‖beta.
func (m *Model) logitRow(entity, alpha, beta []float64) float64 {
	d := len(alpha)
	var dist float64
	for j := 0; j < d; j++ {
		kl := tensor.BetaKLDivergence(entity[j], entity[d+j], alpha[j], beta[j])
		if kl < 0 {
			kl = -kl
		}
		dist += kl
	}
	return m.cfg.Gamma - dist
}

// regularizedEntities returns the regularized entity table, without gradient
// tracking.
func (m *Model) regularizedEntities() *tensor.Tensor {
	var tp *tensor.Tape
	return m.entityRegularizer.Apply(tp, m.entityEmbedding)
}
