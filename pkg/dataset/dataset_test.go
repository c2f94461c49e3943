package dataset

import (
	"errors"
	"io"
	"math"
	"slices"
	"testing"

	"github.com/hey-memory/LR4HCAR/pkg/common"
)

const testSplit = `{"queries": [
	{"structure": "('e', ('r',))", "query": [0, 1], "answers": [2, 3]},
	{"structure": "(('e', ('r',)), ('e', ('r', 'n')))", "query": [1, 0, 2, 1, -2], "answers": [4]},
	{"structure": "('e', ('r',))", "query": [3, 0], "answers": [1]}
]}`

var testStats = common.Stats{NEntity: 6, NRelation: 2}

func parseTestSplit(t *testing.T) []Query {
	t.Helper()
	qs, err := Parse([]byte(testSplit), testStats)
	if err != nil {
		t.Fatalf("failed to parse split: %v", err)
	}
	return qs
}

func TestParse(t *testing.T) {
	qs := parseTestSplit(t)
	if len(qs) != 3 {
		t.Fatalf("expected 3 queries, got %d", len(qs))
	}
	if qs[1].Key != "((1, (0,)), (2, (1, -2)))" {
		t.Fatalf("unexpected key %s", qs[1].Key)
	}
	if len(Structures(qs)) != 2 {
		t.Fatalf("expected 2 distinct structures")
	}
	answers := Answers(qs)
	if !slices.Equal(answers["(0, (1,))"], []int{2, 3}) {
		t.Fatalf("unexpected answers %v", answers)
	}
}

func TestParseRejectsInvalidQueries(t *testing.T) {
	for name, in := range map[string]string{
		"BadJSON":            `{"queries": [`,
		"BadStructure":       `{"queries": [{"structure": "('x',)", "query": [0], "answers": [1]}]}`,
		"TokenMismatch":      `{"queries": [{"structure": "('e', ('r',))", "query": [0], "answers": [1]}]}`,
		"AnswerTooLarge":     `{"queries": [{"structure": "('e', ('r',))", "query": [0, 1], "answers": [6]}]}`,
		"RelationOutOfRange": `{"queries": [{"structure": "('e', ('r',))", "query": [0, 99], "answers": [1]}]}`,
		"EntityOutOfRange":   `{"queries": [{"structure": "('e', ('r',))", "query": [42, 0], "answers": [1]}]}`,
		"NegativeEntity":     `{"queries": [{"structure": "('e', ('r',))", "query": [-2, 0], "answers": [1]}]}`,
		"WrongSentinel":      `{"queries": [{"structure": "('e', ('r', 'n'))", "query": [0, 0, 7], "answers": [1]}]}`,
		"HierarchySentinel":  `{"queries": [{"structure": "('e', ('r', 'h'))", "query": [0, 0, -2], "answers": [1]}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(in), testStats); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSubsamplingWeight(t *testing.T) {
	if got, want := SubsamplingWeight(5), 1.0/3; math.Abs(got-want) > 1e-15 {
		t.Fatalf("SubsamplingWeight(5) = %v, want %v", got, want)
	}
}

func TestTrainIteratorSamplesNegativesOutsideAnswers(t *testing.T) {
	qs := parseTestSplit(t)
	it, err := NewTrainIterator(qs, testStats.NEntity, 4, 5, 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for step := 0; step < 10; step++ {
		b, err := it.Next()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if b.Len() != 4 {
			t.Fatalf("batch size %d, want 4", b.Len())
		}
		for i, q := range b.Queries {
			answers := answersFor(t, qs, q)
			if !slices.Contains(answers, b.Positive[i]) {
				t.Fatalf("positive %d not an answer of %v", b.Positive[i], q)
			}
			if len(b.Negative[i]) != 5 {
				t.Fatalf("expected 5 negatives, got %d", len(b.Negative[i]))
			}
			for _, n := range b.Negative[i] {
				if slices.Contains(answers, n) || n < 0 || n >= testStats.NEntity {
					t.Fatalf("invalid negative %d for answers %v", n, answers)
				}
			}
			if b.SubsamplingWeight[i] != SubsamplingWeight(len(answers)) {
				t.Fatalf("unexpected weight %v", b.SubsamplingWeight[i])
			}
		}
	}
}

func TestTrainIteratorIsDeterministic(t *testing.T) {
	qs := parseTestSplit(t)
	a, _ := NewTrainIterator(qs, testStats.NEntity, 3, 2, 7)
	b, _ := NewTrainIterator(qs, testStats.NEntity, 3, 2, 7)
	for i := 0; i < 5; i++ {
		ba, _ := a.Next()
		bb, _ := b.Next()
		if !slices.Equal(ba.Positive, bb.Positive) {
			t.Fatalf("batch %d differs for identical seeds", i)
		}
	}
}

func TestTrainIteratorNoNegatives(t *testing.T) {
	qs := []Query{{Structure: parseTestSplit(t)[0].Structure, Tokens: []int{0, 1}, Answers: []int{0, 1}, Key: "(0, (1,))"}}
	it, err := NewTrainIterator(qs, 2, 1, 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := it.Next(); !errors.Is(err, ErrNoNegatives) {
		t.Fatalf("expected ErrNoNegatives, got %v", err)
	}
	if _, err := NewTrainIterator(nil, 2, 1, 1, 1); err == nil {
		t.Fatal("expected error without queries")
	}
}

func TestEvalLoaderBatches(t *testing.T) {
	qs := parseTestSplit(t)
	l := NewEvalLoader(qs, 2)
	if l.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", l.Len())
	}
	var sizes []int
	for {
		b, err := l.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(b.Unflattened) != len(b.Queries) || len(b.Structures) != len(b.Queries) {
			t.Fatal("batch fields have different lengths")
		}
		sizes = append(sizes, len(b.Queries))
	}
	if !slices.Equal(sizes, []int{2, 1}) {
		t.Fatalf("batch sizes %v, want [2 1]", sizes)
	}
	if _, err := l.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("drained loader returned %v, want io.EOF", err)
	}
}

func answersFor(t *testing.T, qs []Query, tokens []int) []int {
	t.Helper()
	for _, q := range qs {
		if slices.Equal(q.Tokens, tokens) {
			return q.Answers
		}
	}
	t.Fatalf("unknown query %v", tokens)
	return nil
}
