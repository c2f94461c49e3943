package pgx

import (
	"context"
	"errors"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hey-memory/LR4HCAR/pkg/common"
	"github.com/hey-memory/LR4HCAR/pkg/logger"
	"github.com/hey-memory/LR4HCAR/pkg/store"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// RunDBStorage implements store.RunStorage on PostgreSQL.
type RunDBStorage struct {
	conn pgxIConn
}

var _ store.RunStorage = (*RunDBStorage)(nil)

// NewRunDBStorageWithConnection creates a storage on an existing pool or
// connection.
func NewRunDBStorageWithConnection(conn pgxIConn) *RunDBStorage {
	return &RunDBStorage{conn: conn}
}

const runColumns = `id, dataset, status, params, rankings, error, created_at, updated_at`

func scanRun(row pgxv5.Row) (common.Run, error) {
	var r common.Run
	var status string
	err := row.Scan(&r.ID, &r.Dataset, &status, &r.Params, &r.Rankings, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return common.Run{}, store.ErrNotFound
	}
	r.Status = common.RunStatus(status)
	return r, err
}

func (s *RunDBStorage) CreateRun(ctx context.Context, run common.Run) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO runs (id, dataset, status, params)
		VALUES ($1, $2, $3, $4)`,
		run.ID, run.Dataset, string(run.Status), run.Params,
	)
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.ID, err)
	}
	return nil
}

func (s *RunDBStorage) GetRun(ctx context.Context, id string) (common.Run, error) {
	return scanRun(s.conn.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
}

func (s *RunDBStorage) ListRuns(ctx context.Context, limit int) ([]common.Run, error) {
	rows, err := s.conn.Query(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []common.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *RunDBStorage) UpdateRunStatus(ctx context.Context, id string, status common.RunStatus, errMsg string) error {
	tag, err := s.conn.Exec(ctx, `
		UPDATE runs SET status = $2, error = $3, updated_at = now()
		WHERE id = $1`,
		id, string(status), errMsg,
	)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *RunDBStorage) SetRunRankings(ctx context.Context, id string, key string) error {
	tag, err := s.conn.Exec(ctx, `UPDATE runs SET rankings = $2, updated_at = now() WHERE id = $1`, id, key)
	if err != nil {
		return fmt.Errorf("failed to set rankings of run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteRun removes a run; logs and metrics cascade.
func (s *RunDBStorage) DeleteRun(ctx context.Context, id string) error {
	tag, err := s.conn.Exec(ctx, `DELETE FROM runs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *RunDBStorage) SaveTrainLogs(ctx context.Context, logs []common.TrainLog) error {
	if len(logs) == 0 {
		return nil
	}
	logger.Debug("[Store][SaveTrainLogs] Inserting training logs", "logs", len(logs))

	return store.ChunkRange(len(logs), 1000, func(start, end int) error {
		batch := &pgxv5.Batch{}
		for _, l := range logs[start:end] {
			batch.Queue(`
				INSERT INTO train_logs (run_id, step, positive_sample_loss, negative_sample_loss, loss)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (run_id, step) DO UPDATE
				SET positive_sample_loss = EXCLUDED.positive_sample_loss,
				    negative_sample_loss = EXCLUDED.negative_sample_loss,
				    loss = EXCLUDED.loss`,
				l.RunID, l.Step, l.PositiveSampleLoss, l.NegativeSampleLoss, l.Loss,
			)
		}
		return s.sendBatch(ctx, batch)
	})
}

func (s *RunDBStorage) GetTrainLogs(ctx context.Context, runID string) ([]common.TrainLog, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT run_id, step, positive_sample_loss, negative_sample_loss, loss, created_at
		FROM train_logs WHERE run_id = $1 ORDER BY step`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get training logs of %s: %w", runID, err)
	}
	return pgxv5.CollectRows(rows, func(row pgxv5.CollectableRow) (common.TrainLog, error) {
		var l common.TrainLog
		err := row.Scan(&l.RunID, &l.Step, &l.PositiveSampleLoss, &l.NegativeSampleLoss, &l.Loss, &l.CreatedAt)
		return l, err
	})
}

func (s *RunDBStorage) SaveEvalMetrics(ctx context.Context, metrics []common.EvalMetric) error {
	if len(metrics) == 0 {
		return nil
	}
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	seen := make(map[string]bool)
	batch := &pgxv5.Batch{}
	for _, m := range metrics {
		if !seen[m.RunID] {
			seen[m.RunID] = true
			batch.Queue(`DELETE FROM eval_metrics WHERE run_id = $1`, m.RunID)
		}
		batch.Queue(`
			INSERT INTO eval_metrics (run_id, structure, metric, value)
			VALUES ($1, $2, $3, $4)`,
			m.RunID, m.Structure, m.Metric, m.Value,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save evaluation metrics: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *RunDBStorage) GetEvalMetrics(ctx context.Context, runID string) ([]common.EvalMetric, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT run_id, structure, metric, value
		FROM eval_metrics WHERE run_id = $1 ORDER BY structure, metric`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get evaluation metrics of %s: %w", runID, err)
	}
	return pgxv5.CollectRows(rows, pgxv5.RowToStructByPos[common.EvalMetric])
}

func (s *RunDBStorage) sendBatch(ctx context.Context, batch *pgxv5.Batch) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
