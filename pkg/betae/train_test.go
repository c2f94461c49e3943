package betae

import (
	"math"
	"slices"
	"testing"

	"github.com/cockroachdb/errors"
)

func testTrainBatch() TrainBatch {
	p1 := Anchor(OpRelation)
	in2 := MustParseStructure("(('e', ('r',)), ('e', ('r', 'n')))")
	return TrainBatch{
		Positive:          []int{2, 3, 4},
		Negative:          [][]int{{0, 5}, {1, 5}, {0, 1}},
		SubsamplingWeight: []float64{0.5, 0.25, 0.4},
		Queries:           [][]int{{0, 1}, {1, 0, 2, 1, NegationToken}, {5, 2}},
		Structures:        []Structure{p1, in2, p1},
	}
}

func TestTrainStepReportsLosses(t *testing.T) {
	m := newTestModel(t)
	before := slices.Clone(m.EntityEmbedding().Data())
	tr := NewTrainer(m, 0.01)

	logs, err := tr.Step(testTrainBatch())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, k := range []string{LogPositiveSampleLoss, LogNegativeSampleLoss, LogLoss} {
		v, ok := logs[k]
		if !ok {
			t.Fatalf("missing log %s", k)
		}
		if math.IsNaN(v) || v < 0 {
			t.Fatalf("%s = %v", k, v)
		}
	}
	if want := (logs[LogPositiveSampleLoss] + logs[LogNegativeSampleLoss]) / 2; math.Abs(logs[LogLoss]-want) > 1e-12 {
		t.Fatalf("loss = %v, want %v", logs[LogLoss], want)
	}
	if tr.Steps() != 1 {
		t.Fatalf("expected one optimizer step, got %d", tr.Steps())
	}
	if slices.Equal(before, m.EntityEmbedding().Data()) {
		t.Fatal("training step did not update the entity embedding")
	}
}

func TestTrainStepReducesLoss(t *testing.T) {
	m := newTestModel(t)
	tr := NewTrainer(m, 0.01)
	batch := testTrainBatch()

	first, err := tr.Step(batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var last map[string]float64
	for i := 0; i < 50; i++ {
		if last, err = tr.Step(batch); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if last[LogLoss] >= first[LogLoss] {
		t.Fatalf("loss did not decrease: first %v, last %v", first[LogLoss], last[LogLoss])
	}
}

func TestTrainStepRejectsMalformedBatch(t *testing.T) {
	m := newTestModel(t)
	tr := NewTrainer(m, 0.01)
	before := slices.Clone(m.EntityEmbedding().Data())

	bad := testTrainBatch()
	bad.Queries[0] = []int{0, 7}
	if _, err := tr.Step(bad); err == nil {
		t.Fatal("expected error for out of range relation")
	}

	ragged := testTrainBatch()
	ragged.Negative[1] = []int{1}
	if _, err := tr.Step(ragged); err == nil {
		t.Fatal("expected error for ragged negatives")
	}

	if _, err := tr.Step(TrainBatch{}); err == nil {
		t.Fatal("expected error for empty batch")
	}
	if tr.Steps() != 0 || !slices.Equal(before, m.EntityEmbedding().Data()) {
		t.Fatal("rejected batches must not update parameters")
	}
}

func TestTrainStepReportsDivergence(t *testing.T) {
	m := newTestModel(t)
	tr := NewTrainer(m, 0.01)
	before := slices.Clone(m.EntityEmbedding().Data())
	batch := testTrainBatch()
	batch.SubsamplingWeight = []float64{0, 0, 0}
	logs, err := tr.Step(batch)
	if !errors.Is(err, ErrDiverged) {
		t.Fatalf("expected ErrDiverged, got %v", err)
	}
	if !math.IsNaN(logs[LogLoss]) {
		t.Fatalf("expected NaN loss for zero weights, got %v", logs[LogLoss])
	}
	if tr.Steps() != 0 || !slices.Equal(before, m.EntityEmbedding().Data()) {
		t.Fatal("a diverged step must not update parameters")
	}
}
