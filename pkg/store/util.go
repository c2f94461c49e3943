package store

import (
	"maps"
	"slices"

	"github.com/hey-memory/LR4HCAR/pkg/common"
)

func ChunkRange(total, chunkSize int, fn func(start, end int) error) error {
	if total <= 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = total
	}
	for start := 0; start < total; start += chunkSize {
		end := min(start+chunkSize, total)
		if err := fn(start, end); err != nil {
			return err
		}
	}
	return nil
}

// FlattenMetrics turns per-structure evaluation results into rows, sorted by
// structure and metric.
func FlattenMetrics(runID string, results map[string]map[string]float64) []common.EvalMetric {
	var out []common.EvalMetric
	for _, structure := range slices.Sorted(maps.Keys(results)) {
		values := results[structure]
		for _, metric := range slices.Sorted(maps.Keys(values)) {
			out = append(out, common.EvalMetric{
				RunID:     runID,
				Structure: structure,
				Metric:    metric,
				Value:     values[metric],
			})
		}
	}
	return out
}

// GroupMetrics is the inverse of FlattenMetrics.
func GroupMetrics(rows []common.EvalMetric) map[string]map[string]float64 {
	out := make(map[string]map[string]float64)
	for _, r := range rows {
		if out[r.Structure] == nil {
			out[r.Structure] = make(map[string]float64)
		}
		out[r.Structure][r.Metric] = r.Value
	}
	return out
}
