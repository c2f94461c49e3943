package betae

import (
	"github.com/cockroachdb/errors"

	"github.com/hey-memory/LR4HCAR/pkg/tensor"
)

// Embed computes the Beta embedding of a batch of queries sharing structure s.
// queries holds one flattened query per row; cursor is the column at which s
// starts. It returns alpha and beta (rows × hidden) and the column following
// the last token consumed.
//
// A malformed batch (sentinel mismatch, out of range id, short row) yields an
// assertion failure and aborts the whole batch.
func (m *Model) Embed(tp *tensor.Tape, queries [][]int, s Structure, cursor int) (*tensor.Tensor, *tensor.Tensor, int, error) {
	if len(queries) == 0 {
		return nil, nil, cursor, errors.AssertionFailedf("empty query batch for structure %s", s)
	}
	switch st := s.(type) {
	case Leaf:
		return m.embedLeaf(tp, queries, st, cursor)
	case Intersection:
		return m.embedIntersection(tp, queries, st, cursor)
	default:
		return nil, nil, cursor, errors.AssertionFailedf("unknown structure type %T", s)
	}
}

func (m *Model) embedLeaf(tp *tensor.Tape, queries [][]int, l Leaf, cursor int) (*tensor.Tensor, *tensor.Tensor, int, error) {
	var emb *tensor.Tensor
	if l.IsAnchor() {
		ids, err := column(queries, cursor)
		if err != nil {
			return nil, nil, cursor, err
		}
		if err := checkRange(ids, m.cfg.NEntity, "entity", cursor); err != nil {
			return nil, nil, cursor, err
		}
		emb = m.entityRegularizer.Apply(tp, tp.Gather(m.entityEmbedding, ids))
		cursor++
	} else {
		alpha, beta, next, err := m.Embed(tp, queries, l.Source, cursor)
		if err != nil {
			return nil, nil, cursor, err
		}
		emb = tp.Concat(alpha, beta)
		cursor = next
	}

	for _, op := range l.Ops {
		ids, err := column(queries, cursor)
		if err != nil {
			return nil, nil, cursor, err
		}
		switch op {
		case OpNegation:
			if err := checkSentinel(ids, NegationToken, cursor); err != nil {
				return nil, nil, cursor, err
			}
			emb = tp.Reciprocal(emb)
		case OpHierarchy:
			if err := checkSentinel(ids, HierarchyToken, cursor); err != nil {
				return nil, nil, cursor, err
			}
		default:
			if err := checkRange(ids, m.cfg.NRelation, "relation", cursor); err != nil {
				return nil, nil, cursor, err
			}
			rel := tp.Gather(m.relationEmbedding, ids)
			emb = m.projection.Forward(tp, emb, rel)
		}
		cursor++
	}

	alpha, beta := tp.Chunk2(emb)
	return alpha, beta, cursor, nil
}

func (m *Model) embedIntersection(tp *tensor.Tape, queries [][]int, in Intersection, cursor int) (*tensor.Tensor, *tensor.Tensor, int, error) {
	if len(in.Branches) == 0 {
		return nil, nil, cursor, errors.AssertionFailedf("intersection without branches")
	}
	alphas := make([]*tensor.Tensor, len(in.Branches))
	betas := make([]*tensor.Tensor, len(in.Branches))
	for i, br := range in.Branches {
		a, b, next, err := m.Embed(tp, queries, br, cursor)
		if err != nil {
			return nil, nil, cursor, err
		}
		alphas[i], betas[i], cursor = a, b, next
	}
	alpha, beta := m.intersection.Forward(tp, alphas, betas)
	return alpha, beta, cursor, nil
}

func column(queries [][]int, col int) ([]int, error) {
	ids := make([]int, len(queries))
	for i, q := range queries {
		if col >= len(q) {
			return nil, errors.AssertionFailedf("query %d has %d tokens, structure needs column %d", i, len(q), col)
		}
		ids[i] = q[col]
	}
	return ids, nil
}

func checkSentinel(ids []int, want, col int) error {
	for i, id := range ids {
		if id != want {
			return errors.AssertionFailedf("query %d column %d: expected sentinel %d, got %d", i, col, want, id)
		}
	}
	return nil
}

func checkRange(ids []int, n int, kind string, col int) error {
	for i, id := range ids {
		if id < 0 || id >= n {
			return errors.AssertionFailedf("query %d column %d: %s id %d out of range [0,%d)", i, col, errors.Safe(kind), id, n)
		}
	}
	return nil
}
