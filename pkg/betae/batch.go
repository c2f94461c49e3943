package betae

import (
	"fmt"

	"github.com/hey-memory/LR4HCAR/pkg/tensor"
)

// group is the set of batch rows sharing one structure.
type group struct {
	structure Structure
	rows      []int
	queries   [][]int
}

// groupByStructure splits a batch by structure, preserving first-seen order
// of structures and the batch order of rows within each group.
func groupByStructure(queries [][]int, structures []Structure) ([]*group, error) {
	if len(queries) != len(structures) {
		return nil, fmt.Errorf("batch has %d queries and %d structures", len(queries), len(structures))
	}
	var groups []*group
	index := make(map[string]*group)
	for i, s := range structures {
		key := s.String()
		g, ok := index[key]
		if !ok {
			g = &group{structure: s}
			index[key] = g
			groups = append(groups, g)
		}
		g.rows = append(g.rows, i)
		g.queries = append(g.queries, queries[i])
	}
	return groups, nil
}

// embedGroups embeds every group and stacks the results. order maps each
// stacked row back to its batch row.
func (m *Model) embedGroups(tp *tensor.Tape, groups []*group) (alpha, beta *tensor.Tensor, order []int, err error) {
	alphas := make([]*tensor.Tensor, 0, len(groups))
	betas := make([]*tensor.Tensor, 0, len(groups))
	for _, g := range groups {
		a, b, _, err := m.Embed(tp, g.queries, g.structure, 0)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("structure %s: %w", m.StructureName(g.structure), err)
		}
		alphas = append(alphas, a)
		betas = append(betas, b)
		order = append(order, g.rows...)
	}
	return tp.RowsOf(alphas...), tp.RowsOf(betas...), order, nil
}

// scoreSamples computes positive (n×1) and negative (n×k) logits for the
// stacked query embeddings. order selects the sample rows matching the
// stacked queries.
func (m *Model) scoreSamples(tp *tensor.Tape, alpha, beta *tensor.Tensor, order []int, positive []int, negative [][]int) (pos, neg *tensor.Tensor, err error) {
	ents := m.entityEmbedding
	posIDs := make([]int, len(order))
	k := -1
	var negIDs []int
	for i, row := range order {
		if row >= len(positive) || row >= len(negative) {
			return nil, nil, fmt.Errorf("sample row %d missing", row)
		}
		posIDs[i] = positive[row]
		if k < 0 {
			k = len(negative[row])
		}
		if len(negative[row]) != k || k == 0 {
			return nil, nil, fmt.Errorf("negative samples of row %d: got %d, want %d", row, len(negative[row]), k)
		}
		negIDs = append(negIDs, negative[row]...)
	}
	if err := checkRange(posIDs, m.cfg.NEntity, "positive entity", 0); err != nil {
		return nil, nil, err
	}
	if err := checkRange(negIDs, m.cfg.NEntity, "negative entity", 0); err != nil {
		return nil, nil, err
	}

	posEmb := m.entityRegularizer.Apply(tp, tp.Gather(ents, posIDs))
	pos = m.Logit(tp, posEmb, alpha, beta)

	negEmb := m.entityRegularizer.Apply(tp, tp.Gather(ents, negIDs))
	neg = m.Logit(tp, negEmb, tp.RepeatRows(alpha, k), tp.RepeatRows(beta, k))
	neg = tp.Reshape(neg, len(order), k)
	return pos, neg, nil
}

// sampleLoss computes the weighted negative-sampling loss.
func sampleLoss(tp *tensor.Tape, pos, neg *tensor.Tensor, weights []float64) (posLoss, negLoss, loss *tensor.Tensor) {
	posScore := tp.LogSigmoid(pos)
	negScore := tp.RowMean(tp.LogSigmoid(tp.Neg(neg)))
	posLoss = tp.Neg(tp.WeightedMean(posScore, weights))
	negLoss = tp.Neg(tp.WeightedMean(negScore, weights))
	loss = tp.Scale(tp.Add(posLoss, negLoss), 0.5)
	return posLoss, negLoss, loss
}

func selectWeights(weights []float64, order []int) ([]float64, error) {
	out := make([]float64, len(order))
	for i, row := range order {
		if row >= len(weights) {
			return nil, fmt.Errorf("subsampling weight of row %d missing", row)
		}
		out[i] = weights[row]
	}
	return out, nil
}
