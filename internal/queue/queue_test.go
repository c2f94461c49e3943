package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rabbitmq/amqp091-go"

	"github.com/hey-memory/LR4HCAR/pkg/betae"
	"github.com/hey-memory/LR4HCAR/pkg/common"
	"github.com/hey-memory/LR4HCAR/pkg/leaselock"
	"github.com/hey-memory/LR4HCAR/pkg/logger"
	logmemory "github.com/hey-memory/LR4HCAR/pkg/logger/memory"
	"github.com/hey-memory/LR4HCAR/pkg/store"
	"github.com/hey-memory/LR4HCAR/pkg/store/memory"
)

type published struct {
	exchange string
	key      string
	body     []byte
	headers  amqp091.Table
}

type fakeChannel struct {
	mu        sync.Mutex
	queues    map[string]amqp091.Table
	exchanges []string
	published []published
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{queues: map[string]amqp091.Table{}}
}

func (c *fakeChannel) ExchangeDeclare(name, _ string, _, _, _, _ bool, _ amqp091.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges = append(c.exchanges, name)
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp091.Table) (amqp091.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[name] = args
	return amqp091.Queue{Name: name}, nil
}

func (c *fakeChannel) Publish(exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{exchange: exchange, key: key, body: msg.Body, headers: msg.Headers})
	return nil
}

func (c *fakeChannel) topics() []string {
	var out []string
	for _, p := range c.published {
		if p.exchange == TopicExchange {
			out = append(out, p.key)
		}
	}
	return out
}

type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	gets    map[string]int
}

func (m *memoryObjects) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gets == nil {
		m.gets = make(map[string]int)
	}
	m.gets[*in.Key]++
	body, ok := m.objects[*in.Key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (m *memoryObjects) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[*in.Key] = body
	return &s3.PutObjectOutput{}, nil
}

type fakeLocker struct {
	busy bool
	keys []string
}

func (l *fakeLocker) WithLease(ctx context.Context, key string, _ leaselock.Options, fn func(ctx context.Context) error) error {
	l.keys = append(l.keys, key)
	if l.busy {
		return leaselock.ErrBusy
	}
	return fn(ctx)
}

type fakeLeases map[string]bool

func (f fakeLeases) Held(_ context.Context, key string) (bool, error) {
	return f[key], nil
}

func testObjects() *memoryObjects {
	split := []byte(`{"queries": [
		{"structure": "('e', ('r',))", "query": [0, 0], "answers": [1]},
		{"structure": "('e', ('r',))", "query": [2, 0], "answers": [3]},
		{"structure": "(('e', ('r',)), ('e', ('r',)))", "query": [0, 0, 2, 0], "answers": [1, 3]}
	]}`)
	return &memoryObjects{objects: map[string][]byte{
		"datasets/toy/stats.json": []byte(`{"nentity": 5, "nrelation": 1}`),
		"datasets/toy/train.json": split,
		"datasets/toy/test.json":  split,
		"datasets/toy/tags.json":  []byte(`{"0": "a", "1": "a", "2": "b", "3": "b"}`),
	}}
}

func testParams() common.RunParams {
	return common.RunParams{
		HiddenDim:           2,
		Gamma:               12,
		ProjectionHiddenDim: 4,
		ProjectionLayers:    1,
		LearningRate:        0.01,
		NegativeSize:        2,
		BatchSize:           2,
		TestBatchSize:       2,
		MaxSteps:            3,
		LogSteps:            2,
		TestLogSteps:        1,
		Seed:                1,
	}
}

type testEnv struct {
	deps    TrainDeps
	st      *memory.Storage
	objects *memoryObjects
	ch      *fakeChannel
	locks   *fakeLocker
}

func newTestEnv(t *testing.T, params common.RunParams) testEnv {
	t.Helper()
	st := memory.New()
	err := st.CreateRun(context.Background(), common.Run{
		ID:      "run1",
		Dataset: "toy",
		Status:  common.RunStatusQueued,
		Params:  params,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env := testEnv{st: st, objects: testObjects(), ch: newFakeChannel(), locks: &fakeLocker{}}
	env.deps = TrainDeps{
		Objects: env.objects,
		Store:   st,
		Locks:   env.locks,
		Channel: env.ch,
		Worker:  "test",
		Now:     func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	}
	return env
}

func trainMsg(runID string) string {
	body, _ := json.Marshal(QueueTrainMsg{RunID: runID})
	return string(body)
}

func TestSetupQueuesDeclaresRetryTopology(t *testing.T) {
	ch := newFakeChannel()
	if err := SetupQueues(ch, []string{TrainQueue}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, name := range []string{TrainQueue, TrainQueue + "_dlq", TrainQueue + "_retry"} {
		if _, ok := ch.queues[name]; !ok {
			t.Fatalf("queue %s not declared", name)
		}
	}
	retry := ch.queues[TrainQueue+"_retry"]
	if retry["x-dead-letter-routing-key"] != TrainQueue {
		t.Fatalf("retry queue dead-letters to %v", retry["x-dead-letter-routing-key"])
	}
	if len(ch.exchanges) != 1 || ch.exchanges[0] != TopicExchange {
		t.Fatalf("unexpected exchanges %v", ch.exchanges)
	}
}

func TestProcessTrainMessage(t *testing.T) {
	env := newTestEnv(t, testParams())
	ctx := context.Background()

	if err := ProcessTrainMessage(ctx, env.deps, trainMsg("run1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(env.locks.keys) != 1 || env.locks.keys[0] != leaselock.RunKey("run1") {
		t.Fatalf("unexpected lease keys %v", env.locks.keys)
	}

	run, err := env.st.GetRun(ctx, "run1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Status != common.RunStatusEvaluated {
		t.Fatalf("status = %s, error = %s", run.Status, run.Error)
	}
	wantKey := "runs/run1/res/PW2026.01.02-03:04:05.json"
	if run.Rankings != wantKey {
		t.Fatalf("rankings = %s, want %s", run.Rankings, wantKey)
	}
	var rankings map[string][]int
	if err := json.Unmarshal(env.objects.objects[wantKey], &rankings); err != nil {
		t.Fatalf("rankings not stored as JSON: %v", err)
	}
	if len(rankings) != 3 {
		t.Fatalf("expected 3 ranked queries, got %d", len(rankings))
	}

	logs, err := env.st.GetTrainLogs(ctx, "run1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// steps 0 and 2: every second step plus the last one
	if len(logs) != 2 || logs[0].Step != 0 || logs[1].Step != 2 {
		t.Fatalf("unexpected train logs %+v", logs)
	}

	grouped := store.GroupMetrics(mustMetrics(t, env.st))
	for _, name := range []string{"1p", "2i"} {
		if _, ok := grouped[name][betae.MetricHit]; !ok {
			t.Fatalf("no %s for %s in %v", betae.MetricHit, name, grouped)
		}
	}
	if grouped["1p"][betae.MetricNumQueries] != 2 {
		t.Fatalf("1p num_queries = %v", grouped["1p"][betae.MetricNumQueries])
	}

	topics := env.ch.topics()
	if len(topics) != 1 || topics[0] != TopicRunCompleted {
		t.Fatalf("unexpected events %v", topics)
	}
}

func mustMetrics(t *testing.T, st store.RunStorage) []common.EvalMetric {
	t.Helper()
	rows, err := st.GetEvalMetrics(context.Background(), "run1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return rows
}

func TestProcessTrainMessageSkipsEvaluatedRun(t *testing.T) {
	env := newTestEnv(t, testParams())
	ctx := context.Background()
	if err := env.st.UpdateRunStatus(ctx, "run1", common.RunStatusEvaluated, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ProcessTrainMessage(ctx, env.deps, trainMsg("run1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logs, _ := env.st.GetTrainLogs(ctx, "run1"); len(logs) != 0 {
		t.Fatalf("evaluated run was trained again")
	}
}

func TestProcessTrainMessageBusyLease(t *testing.T) {
	env := newTestEnv(t, testParams())
	env.locks.busy = true
	if err := ProcessTrainMessage(context.Background(), env.deps, trainMsg("run1")); err != nil {
		t.Fatalf("busy lease should ack the message, got %v", err)
	}
	run, _ := env.st.GetRun(context.Background(), "run1")
	if run.Status != common.RunStatusQueued {
		t.Fatalf("status = %s, want queued", run.Status)
	}
}

func TestProcessTrainMessagePermanentFailures(t *testing.T) {
	t.Run("Malformed", func(t *testing.T) {
		env := newTestEnv(t, testParams())
		err := ProcessTrainMessage(context.Background(), env.deps, "{")
		if err == nil || !IsPermanent(err) {
			t.Fatalf("expected permanent error, got %v", err)
		}
	})

	t.Run("UnknownRun", func(t *testing.T) {
		env := newTestEnv(t, testParams())
		err := ProcessTrainMessage(context.Background(), env.deps, trainMsg("nope"))
		if err == nil || !IsPermanent(err) {
			t.Fatalf("expected permanent error, got %v", err)
		}
	})

	t.Run("InvalidParams", func(t *testing.T) {
		params := testParams()
		params.MaxSteps = 0
		env := newTestEnv(t, params)
		err := ProcessTrainMessage(context.Background(), env.deps, trainMsg("run1"))
		if err == nil || !IsPermanent(err) {
			t.Fatalf("expected permanent error, got %v", err)
		}
		run, _ := env.st.GetRun(context.Background(), "run1")
		if run.Status != common.RunStatusFailed || !strings.Contains(run.Error, "MaxSteps") {
			t.Fatalf("status = %s, error = %q", run.Status, run.Error)
		}
		if topics := env.ch.topics(); len(topics) != 1 || topics[0] != TopicRunFailed {
			t.Fatalf("unexpected events %v", topics)
		}
	})
}

func TestProcessTrainMessageInvalidDatasetIsPermanent(t *testing.T) {
	for name, corrupt := range map[string]func(objects map[string][]byte){
		"UndecodableStats": func(objects map[string][]byte) {
			objects["datasets/toy/stats.json"] = []byte(`{`)
		},
		"RelationOutOfRange": func(objects map[string][]byte) {
			split := []byte(`{"queries": [{"structure": "('e', ('r',))", "query": [0, 99], "answers": [1]}]}`)
			objects["datasets/toy/train.json"] = split
			objects["datasets/toy/test.json"] = split
		},
		"WrongSentinel": func(objects map[string][]byte) {
			split := []byte(`{"queries": [{"structure": "('e', ('r', 'n'))", "query": [0, 0, 7], "answers": [1]}]}`)
			objects["datasets/toy/train.json"] = split
			objects["datasets/toy/test.json"] = split
		},
		"BadTags": func(objects map[string][]byte) {
			objects["datasets/toy/tags.json"] = []byte(`[`)
		},
	} {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, testParams())
			corrupt(env.objects.objects)

			err := ProcessTrainMessage(context.Background(), env.deps, trainMsg("run1"))
			if err == nil || !IsPermanent(err) {
				t.Fatalf("expected permanent error, got %v", err)
			}
			if n := env.objects.gets["datasets/toy/stats.json"]; n != 1 {
				t.Fatalf("dataset fetched %d times, want 1", n)
			}
			run, _ := env.st.GetRun(context.Background(), "run1")
			if run.Status != common.RunStatusFailed {
				t.Fatalf("status = %s, want failed", run.Status)
			}
			if topics := env.ch.topics(); len(topics) != 1 || topics[0] != TopicRunFailed {
				t.Fatalf("unexpected events %v", topics)
			}
		})
	}
}

func TestProcessTrainMessageMissingDatasetIsRetryable(t *testing.T) {
	env := newTestEnv(t, testParams())
	delete(env.objects.objects, "datasets/toy/stats.json")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := ProcessTrainMessage(ctx, env.deps, trainMsg("run1"))
	if err == nil || IsPermanent(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	run, _ := env.st.GetRun(ctx, "run1")
	if run.Status != common.RunStatusFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if topics := env.ch.topics(); len(topics) != 0 {
		t.Fatalf("retryable failure published %v", topics)
	}

	ResetRunStatusForRetry(ctx, env.st, TrainQueue, []byte(trainMsg("run1")))
	run, _ = env.st.GetRun(ctx, "run1")
	if run.Status != common.RunStatusQueued {
		t.Fatalf("status after reset = %s, want queued", run.Status)
	}
}

func TestRecoverStaleRuns(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	for _, id := range []string{"stale", "active", "done"} {
		if err := st.CreateRun(ctx, common.Run{ID: id, Dataset: "toy", Status: common.RunStatusQueued, Params: testParams()}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	_ = st.UpdateRunStatus(ctx, "stale", common.RunStatusTraining, "")
	_ = st.UpdateRunStatus(ctx, "active", common.RunStatusTraining, "")
	_ = st.UpdateRunStatus(ctx, "done", common.RunStatusEvaluated, "")

	ch := newFakeChannel()
	leases := fakeLeases{leaselock.RunKey("active"): true}
	if err := RecoverStaleRuns(ctx, ch, st, leases); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ch.published) != 1 {
		t.Fatalf("expected one republished run, got %d", len(ch.published))
	}
	var msg QueueTrainMsg
	if err := json.Unmarshal(ch.published[0].body, &msg); err != nil || msg.RunID != "stale" {
		t.Fatalf("unexpected message %s", ch.published[0].body)
	}
	if ch.published[0].key != TrainQueue {
		t.Fatalf("published to %s", ch.published[0].key)
	}
	run, _ := st.GetRun(ctx, "stale")
	if run.Status != common.RunStatusQueued {
		t.Fatalf("stale run status = %s", run.Status)
	}
	run, _ = st.GetRun(ctx, "active")
	if run.Status != common.RunStatusTraining {
		t.Fatalf("active run status = %s", run.Status)
	}
}

func TestModelConfig(t *testing.T) {
	cfg := ModelConfig(testParams(), common.Stats{NEntity: 5, NRelation: 1})
	if cfg.NEntity != 5 || cfg.NRelation != 1 || cfg.HiddenDim != 2 || cfg.ProjectionLayers != 1 || cfg.Seed != 1 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestProcessTrainMessageLogsSteps(t *testing.T) {
	rec := logmemory.NewRecorder()
	logger.Init(rec)
	t.Cleanup(func() { logger.Init() })

	env := newTestEnv(t, testParams())
	if err := ProcessTrainMessage(context.Background(), env.deps, trainMsg("run1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var steps []any
	for _, e := range rec.Entries() {
		if e.Message != "[Train] Step" {
			continue
		}
		for i := 0; i+1 < len(e.Keyvals); i += 2 {
			if e.Keyvals[i] == "step" {
				steps = append(steps, e.Keyvals[i+1])
			}
		}
	}
	if len(steps) != 2 || steps[0] != 0 || steps[1] != 2 {
		t.Fatalf("unexpected logged steps %v", steps)
	}
}
