package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricewatch/ingestd/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWorker(t *testing.T, q Queue, cfg WorkerConfig, opts ...WorkerOption) *Worker {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = "worker-test"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	w, err := NewWorker(cfg, q, discardLogger(), opts...)
	require.NoError(t, err)
	return w
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []string
	reaped   int
}

func (r *outcomeRecorder) ObserveTask(taskType, outcome string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, taskType+":"+outcome)
}

func (r *outcomeRecorder) ObserveReaped(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reaped += n
}

func TestNewWorker_Validation(t *testing.T) {
	_, err := NewWorker(WorkerConfig{}, NewMemoryQueue(), nil)
	require.Error(t, err)

	_, err = NewWorker(WorkerConfig{ID: "w"}, nil, nil)
	require.Error(t, err)

	w, err := NewWorker(WorkerConfig{ID: "w", LeaseTTL: 90 * time.Second}, NewMemoryQueue(), nil)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, w.cfg.HeartbeatInterval)
	assert.Equal(t, 10, w.cfg.BatchSize)
}

func TestWorker_RegisterHandlerRejectsUnknownType(t *testing.T) {
	w := newTestWorker(t, NewMemoryQueue(), WorkerConfig{})
	noop := HandlerFunc(func(context.Context, models.Task, models.TaskPayload) error { return nil })

	require.Error(t, w.RegisterHandler("cleanup", noop))
	require.Error(t, w.RegisterHandler(models.TaskTypeRerun, nil))
	require.NoError(t, w.RegisterHandler(models.TaskTypeRerun, noop))
}

func TestWorker_StartWithoutHandlersFailsFast(t *testing.T) {
	w := newTestWorker(t, NewMemoryQueue(), WorkerConfig{})
	assert.ErrorIs(t, w.Start(context.Background()), ErrNoHandlers)

	_, err := w.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrNoHandlers)
}

func TestWorker_RunOnceOutcomes(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	rec := &outcomeRecorder{}
	w := newTestWorker(t, q, WorkerConfig{}, WithTaskObserver(rec))

	require.NoError(t, w.RegisterHandler(models.TaskTypeRerun, HandlerFunc(
		func(ctx context.Context, task models.Task, payload models.TaskPayload) error {
			switch payload.(models.RerunPayload).RunID {
			case "run_fail":
				return errors.New("processing service said no")
			case "run_panic":
				panic("nil map")
			}
			return nil
		})))

	base := time.Now().UTC()
	ok := newRerunTask(t, "run_ok", base)
	failing := newRerunTask(t, "run_fail", base.Add(time.Millisecond))
	panicking := newRerunTask(t, "run_panic", base.Add(2*time.Millisecond))
	invalid := models.Task{
		ID:        models.NewID(models.PrefixTask),
		TaskType:  models.TaskTypeRerun,
		Payload:   json.RawMessage(`{}`),
		CreatedAt: base.Add(3 * time.Millisecond),
	}
	for _, task := range []models.Task{ok, failing, panicking, invalid} {
		require.NoError(t, q.Enqueue(ctx, task))
	}

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	expect := map[string]models.TaskStatus{
		ok.ID:        models.TaskStatusCompleted,
		failing.ID:   models.TaskStatusFailed,
		panicking.ID: models.TaskStatusFailed,
		invalid.ID:   models.TaskStatusFailed,
	}
	for id, status := range expect {
		got, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, status, got.Status, id)
	}

	got, _ := q.Get(ctx, failing.ID)
	assert.Equal(t, "processing service said no", got.FailureReason)
	got, _ = q.Get(ctx, panicking.ID)
	assert.Contains(t, got.FailureReason, "handler panic: nil map")
	got, _ = q.Get(ctx, invalid.ID)
	assert.Contains(t, got.FailureReason, "runId is required")

	assert.ElementsMatch(t, []string{
		"rerun:completed", "rerun:failed", "rerun:panic", "rerun:invalid_payload",
	}, rec.outcomes)

	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing left to claim")
}

func TestWorker_BoundedConcurrency(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	w := newTestWorker(t, q, WorkerConfig{BatchSize: 6, Concurrency: 2})

	var inFlight, peak atomic.Int32
	require.NoError(t, w.RegisterHandler(models.TaskTypeRerun, HandlerFunc(
		func(context.Context, models.Task, models.TaskPayload) error {
			cur := inFlight.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		})))

	for i := range 6 {
		require.NoError(t, q.Enqueue(ctx, newRerunTask(t, fmt.Sprintf("run_%d", i), time.Now())))
	}

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, int32(2), peak.Load())
}

type heartbeatCounter struct {
	*MemoryQueue
	beats atomic.Int32
}

func (h *heartbeatCounter) Heartbeat(ctx context.Context, taskID, workerID string) error {
	h.beats.Add(1)
	return h.MemoryQueue.Heartbeat(ctx, taskID, workerID)
}

func TestWorker_HeartbeatsWhileHandlerRuns(t *testing.T) {
	ctx := context.Background()
	q := &heartbeatCounter{MemoryQueue: NewMemoryQueue()}
	w := newTestWorker(t, q, WorkerConfig{HeartbeatInterval: 5 * time.Millisecond})

	require.NoError(t, w.RegisterHandler(models.TaskTypeRerun, HandlerFunc(
		func(context.Context, models.Task, models.TaskPayload) error {
			time.Sleep(40 * time.Millisecond)
			return nil
		})))
	require.NoError(t, q.Enqueue(ctx, newRerunTask(t, "run_slow", time.Now())))

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, q.beats.Load(), int32(2))
}

func TestWorker_ReapsStaleLeases(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	rec := &outcomeRecorder{}
	w := newTestWorker(t, q, WorkerConfig{LeaseTTL: time.Minute}, WithTaskObserver(rec))

	var handled atomic.Int32
	require.NoError(t, w.RegisterHandler(models.TaskTypeRerun, HandlerFunc(
		func(context.Context, models.Task, models.TaskPayload) error {
			handled.Add(1)
			return nil
		})))

	now := time.Now().UTC()
	q.now = func() time.Time { return now.Add(-time.Hour) }
	require.NoError(t, q.Enqueue(ctx, newRerunTask(t, "run_orphan", now.Add(-time.Hour))))
	_, err := q.Claim(ctx, "crashed-worker", []models.TaskType{models.TaskTypeRerun}, 1)
	require.NoError(t, err)
	q.now = func() time.Time { return time.Now().UTC() }

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the reaped task is reclaimed in the same iteration")
	assert.Equal(t, int32(1), handled.Load())
	assert.Equal(t, 1, rec.reaped)
}

func TestWorker_TwoWorkersShareQueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	var (
		mu    sync.Mutex
		calls = make(map[string]int)
	)
	handler := HandlerFunc(func(_ context.Context, task models.Task, _ models.TaskPayload) error {
		mu.Lock()
		calls[task.ID]++
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return nil
	})

	var workers []*Worker
	for _, id := range []string{"alpha", "beta"} {
		w := newTestWorker(t, q, WorkerConfig{ID: id, BatchSize: 3})
		require.NoError(t, w.RegisterHandler(models.TaskTypeRerun, handler))
		workers = append(workers, w)
	}

	for i := range 30 {
		require.NoError(t, q.Enqueue(ctx, newRerunTask(t, fmt.Sprintf("run_%d", i), time.Now())))
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				n, err := w.RunOnce(ctx)
				assert.NoError(t, err)
				if n == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	require.Len(t, calls, 30)
	for id, c := range calls {
		assert.Equal(t, 1, c, "task %s handled more than once", id)
	}
}

func TestWorker_StopEndsStart(t *testing.T) {
	w := newTestWorker(t, NewMemoryQueue(), WorkerConfig{})
	require.NoError(t, w.RegisterHandler(models.TaskTypeRerun, HandlerFunc(
		func(context.Context, models.Task, models.TaskPayload) error { return nil })))

	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	w.Stop()
	w.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_ContextCancelEndsStart(t *testing.T) {
	w := newTestWorker(t, NewMemoryQueue(), WorkerConfig{})
	require.NoError(t, w.RegisterHandler(models.TaskTypeIngestion, HandlerFunc(
		func(context.Context, models.Task, models.TaskPayload) error { return nil })))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_ShutdownReleasesUnstartedClaims(t *testing.T) {
	q := NewMemoryQueue()
	rec := &outcomeRecorder{}
	w := newTestWorker(t, q, WorkerConfig{BatchSize: 3, Concurrency: 1}, WithTaskObserver(rec))

	entered := make(chan struct{})
	unblock := make(chan struct{})
	require.NoError(t, w.RegisterHandler(models.TaskTypeRerun, HandlerFunc(
		func(ctx context.Context, task models.Task, payload models.TaskPayload) error {
			close(entered)
			<-unblock
			return nil
		})))

	base := time.Now().UTC()
	tasks := []models.Task{
		newRerunTask(t, "run_1", base),
		newRerunTask(t, "run_2", base.Add(time.Millisecond)),
		newRerunTask(t, "run_3", base.Add(2*time.Millisecond)),
	}
	for _, task := range tasks {
		require.NoError(t, q.Enqueue(context.Background(), task))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() {
		n, _ := w.RunOnce(ctx)
		done <- n
	}()

	<-entered
	cancel()
	close(unblock)
	assert.Equal(t, 3, <-done)

	first, err := q.Get(context.Background(), tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, first.Status, "in-flight work is recorded after cancellation")

	for _, task := range tasks[1:] {
		got, err := q.Get(context.Background(), task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusPending, got.Status, task.ID)
		assert.Zero(t, got.Attempts, task.ID)
	}
	assert.ElementsMatch(t, []string{"rerun:completed", "rerun:released", "rerun:released"}, rec.outcomes)
}
