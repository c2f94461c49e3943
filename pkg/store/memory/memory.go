// Package memory implements store.RunStorage in process memory. It backs
// tests and single-process development setups.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hey-memory/LR4HCAR/pkg/common"
	"github.com/hey-memory/LR4HCAR/pkg/store"
)

type Storage struct {
	mu      sync.RWMutex
	runs    map[string]common.Run
	logs    map[string][]common.TrainLog
	metrics map[string][]common.EvalMetric
	now     func() time.Time
}

var _ store.RunStorage = (*Storage)(nil)

func New() *Storage {
	return &Storage{
		runs:    make(map[string]common.Run),
		logs:    make(map[string][]common.TrainLog),
		metrics: make(map[string][]common.EvalMetric),
		now:     time.Now,
	}
}

func (s *Storage) CreateRun(_ context.Context, run common.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	now := s.now()
	run.CreatedAt, run.UpdatedAt = now, now
	s.runs[run.ID] = run
	return nil
}

func (s *Storage) GetRun(_ context.Context, id string) (common.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return common.Run{}, store.ErrNotFound
	}
	return run, nil
}

func (s *Storage) ListRuns(_ context.Context, limit int) ([]common.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]common.Run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	slices.SortFunc(runs, func(a, b common.Run) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *Storage) update(id string, fn func(*common.Run)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(&run)
	run.UpdatedAt = s.now()
	s.runs[id] = run
	return nil
}

func (s *Storage) UpdateRunStatus(_ context.Context, id string, status common.RunStatus, errMsg string) error {
	return s.update(id, func(r *common.Run) {
		r.Status = status
		r.Error = errMsg
	})
}

func (s *Storage) SetRunRankings(_ context.Context, id string, key string) error {
	return s.update(id, func(r *common.Run) {
		r.Rankings = key
	})
}

func (s *Storage) DeleteRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.runs, id)
	delete(s.logs, id)
	delete(s.metrics, id)
	return nil
}

func (s *Storage) SaveTrainLogs(_ context.Context, logs []common.TrainLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range logs {
		l.CreatedAt = s.now()
		s.logs[l.RunID] = append(s.logs[l.RunID], l)
	}
	return nil
}

func (s *Storage) GetTrainLogs(_ context.Context, runID string) ([]common.TrainLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.logs[runID])
	slices.SortStableFunc(out, func(a, b common.TrainLog) int { return cmp.Compare(a.Step, b.Step) })
	return out, nil
}

func (s *Storage) SaveEvalMetrics(_ context.Context, metrics []common.EvalMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := make(map[string]bool)
	for _, m := range metrics {
		if !replaced[m.RunID] {
			replaced[m.RunID] = true
			s.metrics[m.RunID] = nil
		}
		s.metrics[m.RunID] = append(s.metrics[m.RunID], m)
	}
	return nil
}

func (s *Storage) GetEvalMetrics(_ context.Context, runID string) ([]common.EvalMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.metrics[runID]), nil
}
