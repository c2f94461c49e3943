package betae

import (
	"context"
	"io"
	"maps"
	"math"
	"slices"
	"testing"
	"time"

	"github.com/hey-memory/LR4HCAR/pkg/logger"
	logmemory "github.com/hey-memory/LR4HCAR/pkg/logger/memory"
	"github.com/hey-memory/LR4HCAR/pkg/metrics"
)

type sliceLoader struct {
	batches []EvalBatch
	next    int
}

func (l *sliceLoader) Len() int {
	return len(l.batches)
}

func (l *sliceLoader) Next() (EvalBatch, error) {
	if l.next >= len(l.batches) {
		return EvalBatch{}, io.EOF
	}
	b := l.batches[l.next]
	l.next++
	return b, nil
}

type memorySink struct {
	name     string
	rankings map[string][]int
}

func (s *memorySink) SaveRankings(_ context.Context, name string, rankings map[string][]int) error {
	s.name = name
	s.rankings = rankings
	return nil
}

func evalBatch(t *testing.T, structures []Structure, queries [][]int) EvalBatch {
	t.Helper()
	b := EvalBatch{Queries: queries, Structures: structures}
	for i, q := range queries {
		key, err := QueryKey(structures[i], q)
		if err != nil {
			t.Fatalf("query key: %v", err)
		}
		b.Unflattened = append(b.Unflattened, key)
		b.SubsamplingWeight = append(b.SubsamplingWeight, 1)
	}
	return b
}

var fixedNow = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

func TestEvaluateFiltersAnchors(t *testing.T) {
	cfg := testConfig()
	cfg.NEntity = 3
	m, err := NewModel(cfg)
	if err != nil {
		t.Fatalf("failed to create model: %v", err)
	}
	batch := evalBatch(t, []Structure{Anchor(OpRelation)}, [][]int{{1, 0}})
	key := batch.Unflattened[0]
	sink := &memorySink{}

	res, err := m.Evaluate(context.Background(), &sliceLoader{batches: []EvalBatch{batch}}, EvalOptions{
		Answers: map[string][]int{key: {1, 2}},
		Tags:    metrics.TagLookup{0: "a", 1: "a", 2: "b"},
		Sink:    sink,
		Now:     fixedNow,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sink.name != "res/PW2026.01.02-03:04:05" {
		t.Fatalf("unexpected ranking name %s", sink.name)
	}
	ranking := sink.rankings[key]
	if len(ranking) != 2 || slices.Contains(ranking, 1) {
		t.Fatalf("anchor not filtered from ranking %v", ranking)
	}

	got, ok := res["1p"]
	if !ok {
		t.Fatalf("missing 1p metrics in %v", res)
	}
	if got[MetricNumQueries] != 1 {
		t.Fatalf("num_queries = %v", got[MetricNumQueries])
	}
	if got[MetricHit] != 1 {
		t.Fatalf("HIT@20 = %v, want 1", got[MetricHit])
	}
	if got[MetricMRR] < 0.5 {
		t.Fatalf("MRR@20 = %v, want at least 0.5", got[MetricMRR])
	}
	// Anchor 1 shares its tag with entity 0 only: 1 of 1*20 pairs.
	if math.Abs(got[MetricSD]-0.05) > 1e-12 {
		t.Fatalf("SD@20 = %v, want 0.05", got[MetricSD])
	}
	if math.IsNaN(got[MetricLoss]) || got[MetricLoss] <= 0 {
		t.Fatalf("loss = %v", got[MetricLoss])
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	m := newTestModel(t)
	p1 := Anchor(OpRelation)
	in2 := structureByName(t, "2in")
	batches := func() *sliceLoader {
		return &sliceLoader{batches: []EvalBatch{
			evalBatch(t, []Structure{p1, in2}, [][]int{{0, 1}, {1, 0, 2, 1, NegationToken}}),
			evalBatch(t, []Structure{p1}, [][]int{{4, 2}}),
		}}
	}
	answers := map[string][]int{
		"(0, (1,))":                 {2, 3},
		"((1, (0,)), (2, (1, -2)))": {5},
		"(4, (2,))":                 {0},
	}
	before := slices.Clone(m.EntityEmbedding().Data())

	s1, s2 := &memorySink{}, &memorySink{}
	r1, err := m.Evaluate(context.Background(), batches(), EvalOptions{Answers: answers, Sink: s1, Now: fixedNow, Workers: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r2, err := m.Evaluate(context.Background(), batches(), EvalOptions{Answers: answers, Sink: s2, Now: fixedNow, Workers: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !slices.Equal(before, m.EntityEmbedding().Data()) {
		t.Fatal("evaluation modified parameters")
	}
	if len(r1) != 2 || r1["1p"][MetricNumQueries] != 2 || r1["2in"][MetricNumQueries] != 1 {
		t.Fatalf("unexpected grouping %v", r1)
	}
	for name, m1 := range r1 {
		if !maps.Equal(m1, r2[name]) {
			t.Fatalf("metrics for %s differ: %v vs %v", name, m1, r2[name])
		}
	}
	for key, rk := range s1.rankings {
		if !slices.Equal(rk, s2.rankings[key]) {
			t.Fatalf("rankings for %s differ", key)
		}
	}
	if len(s1.rankings) != 3 {
		t.Fatalf("expected 3 rankings, got %d", len(s1.rankings))
	}
}

func TestEvaluateMissingAnswersScoreZero(t *testing.T) {
	m := newTestModel(t)
	loader := &sliceLoader{batches: []EvalBatch{evalBatch(t, []Structure{Anchor(OpRelation)}, [][]int{{0, 1}})}}
	res, err := m.Evaluate(context.Background(), loader, EvalOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := res["1p"]
	if got[MetricHit] != 0 || got[MetricNDCG] != 0 || got[MetricMRR] != 0 || got[MetricSD] != 0 {
		t.Fatalf("expected zero metrics, got %v", got)
	}
}

func TestEvaluateAbortsOnMalformedBatch(t *testing.T) {
	m := newTestModel(t)
	loader := &sliceLoader{batches: []EvalBatch{evalBatch(t, []Structure{Anchor(OpNegation)}, [][]int{{0, 4}})}}
	if _, err := m.Evaluate(context.Background(), loader, EvalOptions{}); err == nil {
		t.Fatal("expected error for sentinel mismatch")
	}
}

func TestEvaluateHonoursCancellation(t *testing.T) {
	m := newTestModel(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	loader := &sliceLoader{batches: []EvalBatch{evalBatch(t, []Structure{Anchor(OpRelation)}, [][]int{{0, 1}})}}
	if _, err := m.Evaluate(ctx, loader, EvalOptions{}); err == nil {
		t.Fatal("expected context error")
	}
}

func TestEvaluateLogsProgress(t *testing.T) {
	rec := logmemory.NewRecorder()
	logger.Init(rec)
	t.Cleanup(func() { logger.Init() })

	m := newTestModel(t)
	loader := func() *sliceLoader {
		l := &sliceLoader{}
		for i := 0; i < 5; i++ {
			l.batches = append(l.batches, evalBatch(t, []Structure{Anchor(OpRelation)}, [][]int{{i, 1}}))
		}
		return l
	}
	progress := func() (steps []any) {
		for _, e := range rec.Entries() {
			if e.Message != "[Eval] Evaluating the model" {
				continue
			}
			for i := 0; i+1 < len(e.Keyvals); i += 2 {
				if e.Keyvals[i] == "step" {
					steps = append(steps, e.Keyvals[i+1])
				}
				if e.Keyvals[i] == "total" && e.Keyvals[i+1] != 5 {
					t.Fatalf("total = %v, want 5", e.Keyvals[i+1])
				}
			}
		}
		return steps
	}

	if _, err := m.Evaluate(context.Background(), loader(), EvalOptions{LogEvery: 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := progress(); !slices.Equal(got, []any{0, 2, 4}) {
		t.Fatalf("logged steps %v, want [0 2 4]", got)
	}

	before := len(rec.Entries())
	if _, err := m.Evaluate(context.Background(), loader(), EvalOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, e := range rec.Entries()[before:] {
		if e.Message == "[Eval] Evaluating the model" {
			t.Fatal("progress logged with LogEvery disabled")
		}
	}
}

func TestRankDescendingBreaksTiesByID(t *testing.T) {
	got := rankDescending([]float64{1, 3, 3, -1, 1})
	if want := []int{1, 2, 0, 4, 3}; !slices.Equal(got, want) {
		t.Fatalf("rankDescending = %v, want %v", got, want)
	}
}
