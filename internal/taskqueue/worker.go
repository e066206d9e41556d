package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pricewatch/ingestd/internal/models"
)

// ErrNoHandlers is returned by Start when no handler is registered.
var ErrNoHandlers = errors.New("worker has no registered handlers")

// Handler processes one decoded task payload.
type Handler interface {
	Handle(ctx context.Context, task models.Task, payload models.TaskPayload) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task models.Task, payload models.TaskPayload) error

func (f HandlerFunc) Handle(ctx context.Context, task models.Task, payload models.TaskPayload) error {
	return f(ctx, task, payload)
}

// TaskObserver receives task outcomes. *metrics.Metrics implements it.
type TaskObserver interface {
	ObserveTask(taskType, outcome string, d time.Duration)
	ObserveReaped(n int)
}

// Task outcomes reported to the observer.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeInvalid   = "invalid_payload"
	OutcomePanic     = "panic"
	OutcomeLost      = "lease_lost"
	OutcomeReleased  = "released"
)

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	ID           string
	BatchSize    int
	PollInterval time.Duration
	// Concurrency bounds how many tasks of one batch run at once.
	Concurrency int
	// LeaseTTL is how long a claim survives without a heartbeat before the
	// reaper may hand the task to another worker.
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	ReapInterval      time.Duration
	MaxAttempts       int
}

// DefaultWorkerConfig returns the worker defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:    10,
		PollInterval: 2 * time.Second,
		Concurrency:  1,
		LeaseTTL:     5 * time.Minute,
		ReapInterval: time.Minute,
		MaxAttempts:  3,
	}
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	d := DefaultWorkerConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = d.LeaseTTL
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.LeaseTTL / 3
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = d.ReapInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	return c
}

// Worker claims tasks from a Queue and runs the registered handlers.
type Worker struct {
	cfg      WorkerConfig
	queue    Queue
	logger   *slog.Logger
	observer TaskObserver

	mu       sync.RWMutex
	handlers map[models.TaskType]Handler

	stopChan chan struct{}
	stopOnce sync.Once
	lastReap time.Time
	now      func() time.Time
}

// WorkerOption configures optional Worker collaborators.
type WorkerOption func(*Worker)

// WithTaskObserver reports task outcomes to o.
func WithTaskObserver(o TaskObserver) WorkerOption {
	return func(w *Worker) { w.observer = o }
}

// NewWorker creates a worker. cfg.ID identifies the worker's claims and must
// be unique among concurrently running workers.
func NewWorker(cfg WorkerConfig, queue Queue, logger *slog.Logger, opts ...WorkerOption) (*Worker, error) {
	if cfg.ID == "" {
		return nil, errors.New("worker id is required")
	}
	if queue == nil {
		return nil, errors.New("worker requires a queue")
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Worker{
		cfg:      cfg.withDefaults(),
		queue:    queue,
		logger:   logger.With("worker_id", cfg.ID),
		handlers: make(map[models.TaskType]Handler),
		stopChan: make(chan struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// RegisterHandler routes tasks of taskType to h.
func (w *Worker) RegisterHandler(taskType models.TaskType, h Handler) error {
	if !taskType.Valid() {
		return fmt.Errorf("cannot register handler for unknown task type %q", taskType)
	}
	if h == nil {
		return fmt.Errorf("handler for %s is nil", taskType)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[taskType] = h
	return nil
}

// Start polls the queue until ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	types := w.taskTypes()
	if len(types) == 0 {
		return ErrNoHandlers
	}

	w.logger.Info("Starting task worker",
		"task_types", types,
		"batch_size", w.cfg.BatchSize,
		"concurrency", w.cfg.Concurrency,
		"poll_interval", w.cfg.PollInterval,
		"lease_ttl", w.cfg.LeaseTTL,
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Task worker stopping due to context cancellation")
			return nil
		case <-w.stopChan:
			w.logger.Info("Task worker stopped")
			return nil
		default:
		}

		n, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("Task worker iteration failed", "error", err)
		}
		if err != nil || n == 0 {
			if !w.sleep(ctx, w.cfg.PollInterval) {
				w.logger.Info("Task worker stopped")
				return nil
			}
		}
	}
}

// Stop makes Start return after the current iteration. In-flight handlers
// run to completion.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
}

// RunOnce performs one iteration: reap stale leases when due, claim a batch
// and process it. It reports how many tasks were claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	types := w.taskTypes()
	if len(types) == 0 {
		return 0, ErrNoHandlers
	}

	w.reapIfDue(ctx)

	tasks, err := w.queue.Claim(ctx, w.cfg.ID, types, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim tasks: %w", err)
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for _, task := range tasks {
		g.Go(func() error {
			w.process(ctx, task)
			return nil
		})
	}
	_ = g.Wait()

	return len(tasks), nil
}

func (w *Worker) process(ctx context.Context, task models.Task) {
	started := w.now()
	log := w.logger.With("task_id", task.ID, "task_type", task.TaskType, "attempt", task.Attempts)

	// Queue bookkeeping must land even when the worker is shutting down.
	bookkeeping := context.WithoutCancel(ctx)

	// A claim still waiting for a slot at shutdown goes back untouched.
	if ctx.Err() != nil {
		if err := w.queue.Release(bookkeeping, task.ID, w.cfg.ID); err != nil {
			log.Warn("Failed to release unstarted task", "error", err)
		} else {
			log.Info("Released unstarted task on shutdown")
		}
		w.observe(task, OutcomeReleased, started)
		return
	}

	if err := w.queue.MarkProcessing(bookkeeping, task.ID, w.cfg.ID); err != nil {
		log.Warn("Lost task before processing", "error", err)
		w.observe(task, OutcomeLost, started)
		return
	}

	payload, err := models.DecodePayload(task)
	if err != nil {
		log.Error("Rejecting task with invalid payload", "error", err)
		w.fail(bookkeeping, log, task, err.Error())
		w.observe(task, OutcomeInvalid, started)
		return
	}

	h := w.handler(task.TaskType)
	if h == nil {
		w.fail(bookkeeping, log, task, fmt.Sprintf("no handler for task type %s", task.TaskType))
		w.observe(task, OutcomeFailed, started)
		return
	}

	stopHeartbeat := w.heartbeat(ctx, log, task.ID)
	err = w.safeHandle(ctx, h, task, payload)
	stopHeartbeat()

	var panicErr *PanicError
	switch {
	case errors.As(err, &panicErr):
		log.Error("Task handler panicked", "error", err, "stack", panicErr.Stack)
		w.fail(bookkeeping, log, task, err.Error())
		w.observe(task, OutcomePanic, started)
	case err != nil:
		log.Error("Task failed", "error", err, "duration_ms", w.now().Sub(started).Milliseconds())
		w.fail(bookkeeping, log, task, err.Error())
		w.observe(task, OutcomeFailed, started)
	default:
		if err := w.queue.MarkCompleted(bookkeeping, task.ID, w.cfg.ID); err != nil {
			log.Error("Failed to mark task completed", "error", err)
			w.observe(task, OutcomeLost, started)
			return
		}
		log.Info("Task completed", "duration_ms", w.now().Sub(started).Milliseconds())
		w.observe(task, OutcomeCompleted, started)
	}
}

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

func (w *Worker) safeHandle(ctx context.Context, h Handler, task models.Task, payload models.TaskPayload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return h.Handle(ctx, task, payload)
}

// heartbeat refreshes the lease of taskID until the returned func is called.
func (w *Worker) heartbeat(ctx context.Context, log *slog.Logger, taskID string) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.queue.Heartbeat(ctx, taskID, w.cfg.ID); err != nil {
					log.Warn("Task heartbeat failed", "error", err)
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (w *Worker) fail(ctx context.Context, log *slog.Logger, task models.Task, reason string) {
	if err := w.queue.MarkFailed(ctx, task.ID, w.cfg.ID, reason); err != nil {
		log.Error("Failed to mark task failed", "error", err)
	}
}

func (w *Worker) reapIfDue(ctx context.Context) {
	now := w.now()
	if !w.lastReap.IsZero() && now.Sub(w.lastReap) < w.cfg.ReapInterval {
		return
	}
	w.lastReap = now

	n, err := w.queue.ReleaseStale(ctx, now.Add(-w.cfg.LeaseTTL), w.cfg.MaxAttempts)
	if err != nil {
		w.logger.Error("Failed to release stale tasks", "error", err)
		return
	}
	if n > 0 {
		w.logger.Warn("Released stale task leases", "count", n)
		if w.observer != nil {
			w.observer.ObserveReaped(n)
		}
	}
}

func (w *Worker) observe(task models.Task, outcome string, started time.Time) {
	if w.observer != nil {
		w.observer.ObserveTask(string(task.TaskType), outcome, w.now().Sub(started))
	}
}

func (w *Worker) handler(taskType models.TaskType) Handler {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.handlers[taskType]
}

func (w *Worker) taskTypes() []models.TaskType {
	w.mu.RLock()
	defer w.mu.RUnlock()

	types := make([]models.TaskType, 0, len(w.handlers))
	for _, t := range []models.TaskType{models.TaskTypeIngestion, models.TaskTypeRerun} {
		if _, ok := w.handlers[t]; ok {
			types = append(types, t)
		}
	}
	return types
}

// sleep waits for d and reports false if the worker should exit instead.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-w.stopChan:
		return false
	}
}
