package metrics

import (
	"errors"
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-12
}

func TestHitAtK(t *testing.T) {
	tests := []struct {
		name      string
		ans       []int
		predicted []int
		k         int
		want      float64
	}{
		{"FoundWithinK", []int{5}, []int{3, 5, 7}, 3, 1},
		{"MissingAnswer", []int{9}, []int{3, 5, 7}, 2, 0},
		{"BeyondCutoff", []int{7}, []int{3, 5, 7}, 2, 0},
		{"KLargerThanList", []int{7}, []int{3, 5, 7}, 20, 1},
		{"EmptyAnswers", nil, []int{3}, 1, 0},
		{"EmptyPredictions", []int{1}, nil, 1, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := HitAtK(tc.ans, tc.predicted, tc.k); got != tc.want {
				t.Fatalf("HitAtK = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestHitAtKPanicsOnZeroK(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for k = 0")
		}
	}()
	HitAtK([]int{1}, []int{1}, 0)
}

func TestMRR(t *testing.T) {
	tests := []struct {
		name      string
		ans       []int
		predicted []int
		k         int
		want      float64
	}{
		{"SecondPosition", []int{5}, []int{3, 5, 7}, 20, 0.5},
		{"FirstPosition", []int{3}, []int{3, 5, 7}, 20, 1},
		{"BestOfSeveral", []int{7, 5}, []int{3, 5, 7}, 20, 0.5},
		{"NotFound", []int{9}, []int{3, 5, 7}, 20, 0},
		{"IndexBeyondCutoff", []int{7}, []int{3, 5, 7}, 1, 0},
		{"IndexAtCutoff", []int{5}, []int{3, 5, 7}, 1, 0.5},
		{"EmptyAnswers", nil, []int{3}, 20, 0},
		{"EmptyPredictions", []int{3}, nil, 20, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := MRR(tc.ans, tc.predicted, tc.k); !almostEqual(got, tc.want) {
				t.Fatalf("MRR = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNDCGAtK(t *testing.T) {
	got, err := NDCGAtK([]int{5}, []int{5, 3, 7}, 3, DCGMethodLog2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(got, 1) {
		t.Fatalf("perfect ranking scored %v", got)
	}

	got, err = NDCGAtK([]int{7}, []int{5, 3, 7}, 3, DCGMethodLog2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// rel = [0 0 1], ideal = [1 0 0]: (1/log2 4) / (1/log2 2)
	if !almostEqual(got, 0.5) {
		t.Fatalf("NDCG = %v, want 0.5", got)
	}

	got, err = NDCGAtK([]int{9}, []int{5, 3, 7}, 3, DCGMethodLog2)
	if err != nil || got != 0 {
		t.Fatalf("no relevant items: got %v, %v", got, err)
	}
}

func TestDCGMethods(t *testing.T) {
	rel := []float64{3, 2, 3, 0, 1, 2}
	m0, err := DCG(rel, DCGMethodFirstUndiscounted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want0 := 3 + 2/math.Log2(2) + 3/math.Log2(3) + 0 + 1/math.Log2(5) + 2/math.Log2(6)
	if !almostEqual(m0, want0) {
		t.Fatalf("method 0 = %v, want %v", m0, want0)
	}

	m1, err := DCG(rel, DCGMethodLog2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want1 := 3/math.Log2(2) + 2/math.Log2(3) + 3/math.Log2(4) + 0 + 1/math.Log2(6) + 2/math.Log2(7)
	if !almostEqual(m1, want1) {
		t.Fatalf("method 1 = %v, want %v", m1, want1)
	}

	if got, err := DCG(nil, DCGMethodLog2); err != nil || got != 0 {
		t.Fatalf("empty relevance: got %v, %v", got, err)
	}
}

func TestDCGRejectsUnknownMethod(t *testing.T) {
	if _, err := DCG([]float64{1}, 2); !errors.Is(err, ErrInvalidDCGMethod) {
		t.Fatalf("expected ErrInvalidDCGMethod, got %v", err)
	}
	if _, err := NDCGAtK([]int{1}, []int{1}, 1, -1); !errors.Is(err, ErrInvalidDCGMethod) {
		t.Fatalf("expected ErrInvalidDCGMethod, got %v", err)
	}
	if _, err := NDCGAtLabel([]float64{1}, 1, 5); !errors.Is(err, ErrInvalidDCGMethod) {
		t.Fatalf("expected ErrInvalidDCGMethod, got %v", err)
	}
}

func TestNDCGAtLabel(t *testing.T) {
	got, err := NDCGAtLabel([]float64{0, 1}, 2, DCGMethodLog2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := (1 / math.Log2(3)) / 1
	if !almostEqual(got, want) {
		t.Fatalf("NDCGAtLabel = %v, want %v", got, want)
	}

	got, err = NDCGAtLabel([]float64{0, 0, 1}, 2, DCGMethodLog2)
	if err != nil || got != 0 {
		t.Fatalf("zero ideal within cutoff: got %v, %v", got, err)
	}
}

func TestSD(t *testing.T) {
	tags := TagLookup{1: "a", 2: "a", 3: "b", 4: "a"}
	tests := []struct {
		name      string
		anchors   []int
		predicted []int
		k         int
		want      float64
	}{
		{"HalfMatching", []int{1}, []int{2, 3}, 2, 0.5},
		{"TwoAnchors", []int{1, 3}, []int{2, 3, 4}, 2, 0.5},
		{"ShortList", []int{1}, []int{2}, 4, 0.25},
		{"UntaggedEntity", []int{9}, []int{2, 3}, 2, 0},
		{"NoAnchors", nil, []int{2, 3}, 2, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := SD(tc.anchors, tc.predicted, tc.k, tags); !almostEqual(got, tc.want) {
				t.Fatalf("SD = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestParseTagLookup(t *testing.T) {
	tags, err := ParseTagLookup([]byte(`{"0": "mapping", "12": "social"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tags[12] != "social" || tags[0] != "mapping" {
		t.Fatalf("unexpected tags: %v", tags)
	}
	if _, err := ParseTagLookup([]byte(`{"x": "a"}`)); err == nil {
		t.Fatal("expected error for non-numeric entity id")
	}
}
