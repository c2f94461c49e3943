package store

import (
	"context"
	"errors"

	"github.com/hey-memory/LR4HCAR/pkg/common"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// RunStorage persists training runs together with their training logs and
// evaluation metrics.
type RunStorage interface {
	CreateRun(ctx context.Context, run common.Run) error
	GetRun(ctx context.Context, id string) (common.Run, error)
	ListRuns(ctx context.Context, limit int) ([]common.Run, error)
	UpdateRunStatus(ctx context.Context, id string, status common.RunStatus, errMsg string) error
	SetRunRankings(ctx context.Context, id string, key string) error
	DeleteRun(ctx context.Context, id string) error

	SaveTrainLogs(ctx context.Context, logs []common.TrainLog) error
	GetTrainLogs(ctx context.Context, runID string) ([]common.TrainLog, error)

	// SaveEvalMetrics replaces the metrics of every run present in metrics.
	SaveEvalMetrics(ctx context.Context, metrics []common.EvalMetric) error
	GetEvalMetrics(ctx context.Context, runID string) ([]common.EvalMetric, error)
}
