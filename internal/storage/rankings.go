package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
)

// RankingSink writes evaluation rankings as JSON objects below Prefix.
type RankingSink struct {
	Client ObjectAPI
	Prefix string

	// Key is the object key of the last saved ranking.
	Key string
}

// SaveRankings stores rankings under <Prefix>/<name>.json.
func (s *RankingSink) SaveRankings(ctx context.Context, name string, rankings map[string][]int) error {
	body, err := json.Marshal(rankings)
	if err != nil {
		return fmt.Errorf("failed to encode rankings: %w", err)
	}
	key := path.Join(s.Prefix, name+".json")
	if err := PutFile(ctx, s.Client, key, "application/json", body); err != nil {
		return err
	}
	s.Key = key
	return nil
}

// RunPrefix is the folder holding every artefact of a run.
func RunPrefix(runID string) string {
	return path.Join("runs", runID)
}
