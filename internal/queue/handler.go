package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hey-memory/LR4HCAR/pkg/common"
	"github.com/hey-memory/LR4HCAR/pkg/leaselock"
	"github.com/hey-memory/LR4HCAR/pkg/logger"
	"github.com/hey-memory/LR4HCAR/pkg/store"
)

// LeaseChecker reports whether a lease is currently held.
type LeaseChecker interface {
	Held(ctx context.Context, key string) (bool, error)
}

const staleScanLimit = 1000

// RecoverStaleRuns requeues runs left in training by a worker that died.
// A run counts as stale once nobody holds its lease.
func RecoverStaleRuns(
	ctx context.Context,
	ch Channel,
	st store.RunStorage,
	locks LeaseChecker,
) error {
	runs, err := st.ListRuns(ctx, staleScanLimit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	recovered := 0
	for _, run := range runs {
		if run.Status != common.RunStatusTraining {
			continue
		}
		held, err := locks.Held(ctx, leaselock.RunKey(run.ID))
		if err != nil {
			logger.Error("[Queue] Failed to check run lease", "run_id", run.ID, "err", err)
			continue
		}
		if held {
			continue
		}

		if err := st.UpdateRunStatus(ctx, run.ID, common.RunStatusQueued, ""); err != nil {
			logger.Error("[Queue] Failed to reset run status", "run_id", run.ID, "err", err)
			continue
		}
		msgBytes, err := json.Marshal(QueueTrainMsg{Message: "Recovered stale run", RunID: run.ID})
		if err != nil {
			logger.Error("[Queue] Failed to marshal queue message", "run_id", run.ID, "err", err)
			continue
		}
		if err := PublishFIFO(ch, TrainQueue, msgBytes); err != nil {
			logger.Error("[Queue] Failed to republish run", "run_id", run.ID, "err", err)
			continue
		}
		recovered++
		logger.Info("[Queue] Recovered stale run", "run_id", run.ID, "dataset", run.Dataset)
	}

	if recovered == 0 {
		logger.Debug("[Queue] No stale runs found")
	}
	return nil
}

// ResetRunStatusForRetry puts the run of a message that is about to be
// retried back into the queued state.
func ResetRunStatusForRetry(
	ctx context.Context,
	st store.RunStorage,
	queueName string,
	msgBody []byte,
) {
	if queueName != TrainQueue {
		return
	}
	var data QueueTrainMsg
	if err := json.Unmarshal(msgBody, &data); err != nil || data.RunID == "" {
		return
	}
	if err := st.UpdateRunStatus(ctx, data.RunID, common.RunStatusQueued, ""); err != nil {
		logger.Warn("[Queue] Failed to reset run for retry", "run_id", data.RunID, "err", err)
	}
}
