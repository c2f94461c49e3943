// Package metrics implements the ranking metrics used to evaluate complex
// query answering: hit rate, (normalised) discounted cumulative gain, mean
// reciprocal rank and the tag-overlap structural diversity score.
//
// Answers and predictions are entity ids. Predictions are ordered best
// first. Empty inputs are never errors; they score zero.
package metrics

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// ErrInvalidDCGMethod is returned when a DCG method other than 0 or 1 is
// requested.
var ErrInvalidDCGMethod = errors.New("method must be 0 or 1")

const (
	// DCGMethodFirstUndiscounted gives full weight to the first two positions.
	DCGMethodFirstUndiscounted = 0
	// DCGMethodLog2 discounts position i (0-based) by log2(i + 2).
	DCGMethodLog2 = 1
)

func topK(predicted []int, k int) []int {
	if k < len(predicted) {
		return predicted[:k]
	}
	return predicted
}

// HitAtK returns 1 if any answer appears among the first k predictions.
// k must be at least 1.
func HitAtK(ans, predicted []int, k int) float64 {
	if k < 1 {
		panic(fmt.Sprintf("metrics: HitAtK needs k >= 1, got %d", k))
	}
	top := topK(predicted, k)
	for _, a := range ans {
		if slices.Contains(top, a) {
			return 1
		}
	}
	return 0
}

// DCG computes the discounted cumulative gain of a relevance list.
func DCG(rel []float64, method int) (float64, error) {
	if method != DCGMethodFirstUndiscounted && method != DCGMethodLog2 {
		return 0, fmt.Errorf("dcg method %d: %w", method, ErrInvalidDCGMethod)
	}
	if len(rel) == 0 {
		return 0, nil
	}
	var sum float64
	switch method {
	case DCGMethodFirstUndiscounted:
		sum = rel[0]
		for i := 1; i < len(rel); i++ {
			sum += rel[i] / math.Log2(float64(i+1))
		}
	case DCGMethodLog2:
		for i, r := range rel {
			sum += r / math.Log2(float64(i+2))
		}
	}
	return sum, nil
}

// NDCGAtK scores the first k predictions with binary relevance against ans
// and normalises by the DCG of the same relevance list sorted descending.
// A zero ideal DCG scores 0.
func NDCGAtK(ans, predicted []int, k, method int) (float64, error) {
	top := topK(predicted, k)
	rel := make([]float64, len(top))
	for i, p := range top {
		if slices.Contains(ans, p) {
			rel[i] = 1
		}
	}
	dcg, err := DCG(rel, method)
	if err != nil {
		return 0, err
	}

	slices.SortFunc(rel, func(a, b float64) int {
		switch {
		case a > b:
			return -1
		case a < b:
			return 1
		}
		return 0
	})
	ideal, err := DCG(rel, method)
	if err != nil {
		return 0, err
	}
	if ideal == 0 {
		return 0, nil
	}
	return dcg / ideal, nil
}

// MRR returns the reciprocal rank of the best ranked answer. An answer whose
// 0-based position exceeds k, or no answer at all, scores 0.
func MRR(ans, predicted []int, k int) float64 {
	if len(ans) == 0 || len(predicted) == 0 {
		return 0
	}
	best := -1
	for _, a := range ans {
		idx := slices.Index(predicted, a)
		if idx < 0 {
			continue
		}
		if best < 0 || idx < best {
			best = idx
		}
	}
	if best < 0 || best > k {
		return 0
	}
	return 1 / float64(best+1)
}

// DCGAtLabel computes the DCG of the first k graded relevance labels.
func DCGAtLabel(r []float64, k, method int) (float64, error) {
	if k < len(r) {
		r = r[:k]
	}
	return DCG(r, method)
}

// NDCGAtLabel normalises DCGAtLabel by the DCG of the first k labels sorted
// descending. A zero ideal DCG scores 0.
func NDCGAtLabel(r []float64, k, method int) (float64, error) {
	head := r
	if k < len(head) {
		head = head[:k]
	}
	sorted := slices.Clone(head)
	slices.Sort(sorted)
	slices.Reverse(sorted)

	ideal, err := DCGAtLabel(sorted, k, method)
	if err != nil {
		return 0, err
	}
	if ideal == 0 {
		return 0, nil
	}
	dcg, err := DCGAtLabel(r, k, method)
	if err != nil {
		return 0, err
	}
	return dcg / ideal, nil
}
