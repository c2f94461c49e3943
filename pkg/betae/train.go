package betae

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/hey-memory/LR4HCAR/pkg/nn"
	"github.com/hey-memory/LR4HCAR/pkg/tensor"
)

// Log keys reported by a training step.
const (
	LogPositiveSampleLoss = "positive_sample_loss"
	LogNegativeSampleLoss = "negative_sample_loss"
	LogLoss               = "loss"
)

// ErrDiverged is returned by Trainer.Step when the loss is NaN or infinite.
var ErrDiverged = errors.New("training diverged")

// TrainBatch is one batch of training queries. Row i of every slice belongs
// to the same query; every row carries the same number of negatives.
type TrainBatch struct {
	Positive          []int
	Negative          [][]int
	SubsamplingWeight []float64
	Queries           [][]int
	Structures        []Structure
}

// Len returns the number of queries in the batch.
func (b TrainBatch) Len() int {
	return len(b.Queries)
}

// Trainer owns the optimizer state of a model. It is the only writer of the
// model parameters and is not safe for concurrent use.
type Trainer struct {
	model *Model
	opt   *nn.Adam
}

// NewTrainer creates a trainer with an Adam optimizer over every parameter.
func NewTrainer(m *Model, learningRate float64) *Trainer {
	return &Trainer{
		model: m,
		opt:   nn.NewAdam(m.Params(), nn.AdamParams{LearningRate: learningRate}),
	}
}

// Steps returns the number of optimizer updates applied.
func (t *Trainer) Steps() int {
	return t.opt.Steps()
}

// Step performs one optimisation step on batch and reports its losses. A NaN
// or infinite loss is reported together with ErrDiverged and leaves the
// parameters untouched.
func (t *Trainer) Step(batch TrainBatch) (map[string]float64, error) {
	m := t.model
	if batch.Len() == 0 {
		return nil, fmt.Errorf("empty training batch")
	}
	groups, err := groupByStructure(batch.Queries, batch.Structures)
	if err != nil {
		return nil, err
	}

	t.opt.ZeroGrad()
	tp := tensor.NewTape()
	defer tp.Reset()

	alpha, beta, order, err := m.embedGroups(tp, groups)
	if err != nil {
		return nil, err
	}
	pos, neg, err := m.scoreSamples(tp, alpha, beta, order, batch.Positive, batch.Negative)
	if err != nil {
		return nil, err
	}
	weights, err := selectWeights(batch.SubsamplingWeight, order)
	if err != nil {
		return nil, err
	}

	posLoss, negLoss, loss := sampleLoss(tp, pos, neg, weights)
	logs := map[string]float64{
		LogPositiveSampleLoss: posLoss.Item(),
		LogNegativeSampleLoss: negLoss.Item(),
		LogLoss:               loss.Item(),
	}
	if loss.HasNaN() {
		return logs, errors.Wrapf(ErrDiverged, "loss %v", loss.Item())
	}
	if err := tp.Backward(loss); err != nil {
		return nil, fmt.Errorf("failed to backpropagate loss: %w", err)
	}
	t.opt.Step()
	return logs, nil
}
