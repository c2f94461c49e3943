// Package dataset turns stored query splits into the batches consumed by
// the BetaE training and evaluation steps.
package dataset

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/hey-memory/LR4HCAR/pkg/betae"
	"github.com/hey-memory/LR4HCAR/pkg/common"
)

// frequencyStart is added to the answer count of every query when deriving
// its subsampling weight.
const frequencyStart = 4

// Query is a parsed dataset query.
type Query struct {
	Structure betae.Structure
	Tokens    []int
	Answers   []int
	// Key is the nested tuple form of the query, see betae.QueryKey.
	Key string
}

// SubsamplingWeight returns sqrt(1 / (answers + 4)).
func SubsamplingWeight(answers int) float64 {
	return math.Sqrt(1 / float64(answers+frequencyStart))
}

// Parse decodes a JSON split and validates every query against its
// structure and the entity and relation counts of stats.
func Parse(data []byte, stats common.Stats) ([]Query, error) {
	var split common.Split
	if err := json.Unmarshal(data, &split); err != nil {
		return nil, fmt.Errorf("failed to decode split: %w", err)
	}
	return FromSplit(split, stats)
}

// FromSplit parses the structures of split. Structures are parsed once and
// shared between queries.
func FromSplit(split common.Split, stats common.Stats) ([]Query, error) {
	structures := make(map[string]betae.Structure)
	out := make([]Query, 0, len(split.Queries))
	for i, q := range split.Queries {
		s, ok := structures[q.Structure]
		if !ok {
			parsed, err := betae.ParseStructure(q.Structure)
			if err != nil {
				return nil, fmt.Errorf("query %d: %w", i, err)
			}
			s = parsed
			structures[q.Structure] = s
		}
		if err := betae.ValidateQuery(s, q.Tokens, stats.NEntity, stats.NRelation); err != nil {
			return nil, fmt.Errorf("query %d %v: %w", i, q.Tokens, err)
		}
		key, err := betae.QueryKey(s, q.Tokens)
		if err != nil {
			return nil, fmt.Errorf("query %d: %w", i, err)
		}
		for _, a := range q.Answers {
			if a < 0 || a >= stats.NEntity {
				return nil, fmt.Errorf("query %d: answer %d out of range [0,%d)", i, a, stats.NEntity)
			}
		}
		out = append(out, Query{Structure: s, Tokens: q.Tokens, Answers: q.Answers, Key: key})
	}
	return out, nil
}

// Answers indexes the answers of queries by query key. Answers of duplicate
// keys are merged.
func Answers(queries []Query) map[string][]int {
	out := make(map[string][]int, len(queries))
	for _, q := range queries {
		out[q.Key] = append(out[q.Key], q.Answers...)
	}
	return out
}
