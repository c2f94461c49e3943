package dataset

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/hey-memory/LR4HCAR/pkg/betae"
)

// ErrNoNegatives is returned when every entity answers a query, leaving
// nothing to sample.
var ErrNoNegatives = errors.New("query has no negative candidates")

// TrainIterator cycles endlessly over shuffled training queries, drawing one
// positive answer and negativeSize uniform negatives per query.
type TrainIterator struct {
	queries      []Query
	nentity      int
	batchSize    int
	negativeSize int
	rng          *rand.Rand

	order []int
	pos   int
}

// NewTrainIterator creates an iterator. The same seed yields the same
// batch sequence.
func NewTrainIterator(queries []Query, nentity, batchSize, negativeSize int, seed uint64) (*TrainIterator, error) {
	if len(queries) == 0 {
		return nil, fmt.Errorf("no training queries")
	}
	if batchSize < 1 || negativeSize < 1 {
		return nil, fmt.Errorf("batch size and negative size must be positive")
	}
	for i, q := range queries {
		if len(q.Answers) == 0 {
			return nil, fmt.Errorf("training query %d has no answers", i)
		}
	}
	it := &TrainIterator{
		queries:      queries,
		nentity:      nentity,
		batchSize:    batchSize,
		negativeSize: negativeSize,
		rng:          rand.New(rand.NewPCG(seed, seed+1)),
	}
	it.shuffle()
	return it, nil
}

func (it *TrainIterator) shuffle() {
	it.order = it.rng.Perm(len(it.queries))
	it.pos = 0
}

// Next returns the next batch.
func (it *TrainIterator) Next() (betae.TrainBatch, error) {
	var b betae.TrainBatch
	for range it.batchSize {
		if it.pos == len(it.order) {
			it.shuffle()
		}
		q := it.queries[it.order[it.pos]]
		it.pos++

		neg, err := it.negatives(q.Answers)
		if err != nil {
			return betae.TrainBatch{}, fmt.Errorf("query %s: %w", q.Key, err)
		}
		b.Positive = append(b.Positive, q.Answers[it.rng.IntN(len(q.Answers))])
		b.Negative = append(b.Negative, neg)
		b.SubsamplingWeight = append(b.SubsamplingWeight, SubsamplingWeight(len(q.Answers)))
		b.Queries = append(b.Queries, q.Tokens)
		b.Structures = append(b.Structures, q.Structure)
	}
	return b, nil
}

func (it *TrainIterator) negatives(answers []int) ([]int, error) {
	excluded := make(map[int]struct{}, len(answers))
	for _, a := range answers {
		excluded[a] = struct{}{}
	}
	if len(excluded) >= it.nentity {
		return nil, ErrNoNegatives
	}
	out := make([]int, 0, it.negativeSize)
	for len(out) < it.negativeSize {
		e := it.rng.IntN(it.nentity)
		if _, ok := excluded[e]; ok {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Structures lists the distinct structures of queries in first-seen order.
func Structures(queries []Query) []betae.Structure {
	var keys []string
	var out []betae.Structure
	for _, q := range queries {
		k := q.Structure.String()
		if slices.Contains(keys, k) {
			continue
		}
		keys = append(keys, k)
		out = append(out, q.Structure)
	}
	return out
}
