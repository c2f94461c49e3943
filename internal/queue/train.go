package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator"

	"github.com/hey-memory/LR4HCAR/internal/storage"
	"github.com/hey-memory/LR4HCAR/internal/util"
	"github.com/hey-memory/LR4HCAR/pkg/betae"
	"github.com/hey-memory/LR4HCAR/pkg/common"
	"github.com/hey-memory/LR4HCAR/pkg/dataset"
	"github.com/hey-memory/LR4HCAR/pkg/leaselock"
	"github.com/hey-memory/LR4HCAR/pkg/logger"
	"github.com/hey-memory/LR4HCAR/pkg/store"
)

// ErrPermanent marks failures that a retry cannot fix.
var ErrPermanent = errors.New("permanent failure")

func permanent(err error) error {
	return errors.Mark(err, ErrPermanent)
}

// IsPermanent reports whether err should skip the retry queue. Engine
// assertion failures are deterministic and count as permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent) || errors.HasAssertionFailure(err)
}

// Locker serialises work on a key across workers.
type Locker interface {
	WithLease(ctx context.Context, key string, opts leaselock.Options, fn func(ctx context.Context) error) error
}

// TrainDeps are the collaborators of ProcessTrainMessage.
type TrainDeps struct {
	Objects storage.ObjectAPI
	Store   store.RunStorage
	Locks   Locker
	Channel Channel

	// Worker names the lease holder.
	Worker  string
	UseCUDA bool
	// Now stamps the ranking name. Nil uses time.Now.
	Now func() time.Time
}

const (
	trainLogFlushSize = 10
	datasetLoadTries  = 3
)

var validate = validator.New()

// ModelConfig builds the model configuration of a run over a dataset.
func ModelConfig(params common.RunParams, stats common.Stats) betae.Config {
	cfg := betae.DefaultConfig(stats.NEntity, stats.NRelation)
	cfg.HiddenDim = params.HiddenDim
	cfg.Gamma = params.Gamma
	cfg.TestBatchSize = params.TestBatchSize
	cfg.ProjectionHiddenDim = params.ProjectionHiddenDim
	cfg.ProjectionLayers = params.ProjectionLayers
	cfg.Seed = params.Seed
	return cfg
}

// ProcessTrainMessage trains and evaluates the run named by msg while
// holding the run's lease. A run that is already evaluated is skipped, and
// a run leased by another worker is left to that worker.
func ProcessTrainMessage(ctx context.Context, deps TrainDeps, msg string) error {
	var data QueueTrainMsg
	if err := json.Unmarshal([]byte(msg), &data); err != nil {
		return permanent(fmt.Errorf("failed to decode train message: %w", err))
	}
	if data.RunID == "" {
		return permanent(errors.New("train message without run id"))
	}

	err := deps.Locks.WithLease(ctx, leaselock.RunKey(data.RunID), leaselock.RunOptions(deps.Worker), func(ctx context.Context) error {
		return runTraining(ctx, deps, data.RunID)
	})
	if errors.Is(err, leaselock.ErrBusy) {
		logger.Info("[Queue] Run is leased by another worker, skipping", "run_id", data.RunID)
		return nil
	}
	return err
}

func runTraining(ctx context.Context, deps TrainDeps, runID string) (err error) {
	run, err := deps.Store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return permanent(fmt.Errorf("run %s: %w", runID, err))
	}
	if err != nil {
		return err
	}
	if run.Status == common.RunStatusEvaluated {
		logger.Info("[Queue] Run already evaluated, skipping", "run_id", runID)
		return nil
	}

	defer func() {
		if err == nil || ctx.Err() != nil {
			return
		}
		markFailed(deps, run.ID, err)
	}()

	if err := validate.Struct(run.Params); err != nil {
		return permanent(fmt.Errorf("invalid params of run %s: %w", run.ID, err))
	}
	if err := deps.Store.UpdateRunStatus(ctx, run.ID, common.RunStatusTraining, ""); err != nil {
		return err
	}

	ds, err := util.RetryWithContext(ctx, datasetLoadTries, time.Second, func(ctx context.Context) (*storage.Dataset, error) {
		ds, err := storage.LoadDataset(ctx, deps.Objects, run.Dataset)
		if errors.Is(err, storage.ErrInvalidDataset) {
			return nil, util.Unrecoverable(permanent(err))
		}
		return ds, err
	})
	if err != nil {
		return fmt.Errorf("failed to load dataset %s: %w", run.Dataset, err)
	}

	cfg := ModelConfig(run.Params, ds.Stats)
	cfg.UseCUDA = deps.UseCUDA
	model, err := betae.NewModel(cfg)
	if err != nil {
		return permanent(err)
	}
	structures := dataset.Structures(ds.Train)
	names := make([]string, len(structures))
	for i, s := range structures {
		names[i] = model.StructureName(s)
	}
	logger.Info("[Queue] Training run", "run_id", run.ID, "dataset", run.Dataset, "params", model.NumParams(),
		"steps", run.Params.MaxSteps, "structures", names)

	if err := train(ctx, deps.Store, model, run, ds); err != nil {
		return err
	}

	sink := &storage.RankingSink{Client: deps.Objects, Prefix: storage.RunPrefix(run.ID)}
	results, err := model.Evaluate(ctx, dataset.NewEvalLoader(ds.Test, run.Params.TestBatchSize), betae.EvalOptions{
		Answers:  dataset.Answers(ds.Test),
		Tags:     ds.Tags,
		Sink:     sink,
		LogEvery: run.Params.TestLogSteps,
		Now:      deps.Now,
	})
	if err != nil {
		return fmt.Errorf("failed to evaluate run %s: %w", run.ID, err)
	}
	for name, values := range results {
		logger.Info("[Queue] Evaluation result", "run_id", run.ID, "structure", name,
			betae.MetricHit, values[betae.MetricHit], betae.MetricMRR, values[betae.MetricMRR])
	}

	if err := deps.Store.SaveEvalMetrics(ctx, store.FlattenMetrics(run.ID, results)); err != nil {
		return err
	}
	if err := deps.Store.SetRunRankings(ctx, run.ID, sink.Key); err != nil {
		return err
	}
	if err := deps.Store.UpdateRunStatus(ctx, run.ID, common.RunStatusEvaluated, ""); err != nil {
		return err
	}

	publishEvent(deps.Channel, TopicRunCompleted, RunEventMsg{
		RunID:    run.ID,
		Status:   common.RunStatusEvaluated,
		Rankings: sink.Key,
		Metrics:  results,
	})
	return nil
}

// train runs MaxSteps optimisation steps, persisting the losses of every
// LogSteps-th step and of the last one.
func train(ctx context.Context, st store.RunStorage, model *betae.Model, run common.Run, ds *storage.Dataset) error {
	p := run.Params
	it, err := dataset.NewTrainIterator(ds.Train, ds.Stats.NEntity, p.BatchSize, p.NegativeSize, p.Seed)
	if err != nil {
		return permanent(err)
	}
	trainer := betae.NewTrainer(model, p.LearningRate)

	pending := make([]common.TrainLog, 0, trainLogFlushSize)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := st.SaveTrainLogs(ctx, pending); err != nil {
			return err
		}
		pending = pending[:0]
		return nil
	}

	for step := 0; step < p.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := it.Next()
		if err != nil {
			return permanent(err)
		}
		logs, err := trainer.Step(batch)
		if errors.Is(err, betae.ErrDiverged) {
			return permanent(fmt.Errorf("training step %d: %w", step, err))
		}
		if err != nil {
			return fmt.Errorf("training step %d: %w", step, err)
		}

		if step%p.LogSteps != 0 && step != p.MaxSteps-1 {
			continue
		}
		logger.Info("[Train] Step", "run_id", run.ID, "step", step,
			betae.LogPositiveSampleLoss, logs[betae.LogPositiveSampleLoss],
			betae.LogNegativeSampleLoss, logs[betae.LogNegativeSampleLoss],
			betae.LogLoss, logs[betae.LogLoss])
		pending = append(pending, common.TrainLog{
			RunID:              run.ID,
			Step:               step,
			PositiveSampleLoss: logs[betae.LogPositiveSampleLoss],
			NegativeSampleLoss: logs[betae.LogNegativeSampleLoss],
			Loss:               logs[betae.LogLoss],
		})
		if len(pending) == trainLogFlushSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

func markFailed(deps TrainDeps, runID string, cause error) {
	updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := deps.Store.UpdateRunStatus(updateCtx, runID, common.RunStatusFailed, cause.Error()); err != nil {
		logger.Warn("[Queue] Failed to mark run as failed", "run_id", runID, "err", err)
	}
	if IsPermanent(cause) {
		publishEvent(deps.Channel, TopicRunFailed, RunEventMsg{
			RunID:  runID,
			Status: common.RunStatusFailed,
			Error:  cause.Error(),
		})
	}
}

func publishEvent(ch Channel, topic string, event RunEventMsg) {
	body, err := json.Marshal(event)
	if err != nil {
		logger.Error("[Queue] Failed to encode run event", "run_id", event.RunID, "err", err)
		return
	}
	if err := PublishTopic(ch, topic, body); err != nil {
		logger.Warn("[Queue] Failed to publish run event", "run_id", event.RunID, "topic", topic, "err", err)
	}
}
