package dataset

import (
	"io"

	"github.com/hey-memory/LR4HCAR/pkg/betae"
)

// EvalLoader yields fixed-size evaluation batches in dataset order.
type EvalLoader struct {
	queries   []Query
	batchSize int
	pos       int
}

// NewEvalLoader creates a loader. A batch size below one is treated as one.
func NewEvalLoader(queries []Query, batchSize int) *EvalLoader {
	return &EvalLoader{queries: queries, batchSize: max(batchSize, 1)}
}

// Len returns the number of batches.
func (l *EvalLoader) Len() int {
	return (len(l.queries) + l.batchSize - 1) / l.batchSize
}

// Next returns the next batch or io.EOF.
func (l *EvalLoader) Next() (betae.EvalBatch, error) {
	if l.pos >= len(l.queries) {
		return betae.EvalBatch{}, io.EOF
	}
	end := min(l.pos+l.batchSize, len(l.queries))
	var b betae.EvalBatch
	for _, q := range l.queries[l.pos:end] {
		b.SubsamplingWeight = append(b.SubsamplingWeight, SubsamplingWeight(len(q.Answers)))
		b.Queries = append(b.Queries, q.Tokens)
		b.Unflattened = append(b.Unflattened, q.Key)
		b.Structures = append(b.Structures, q.Structure)
	}
	l.pos = end
	return b, nil
}
