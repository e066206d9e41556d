// Package taskqueue drains a durable queue of ingestion and rerun tasks.
// Workers coordinate only through the queue's atomic claim.
package taskqueue

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pricewatch/ingestd/internal/models"
)

var (
	// ErrNotClaimed is returned when a worker acts on a task it no longer
	// holds, e.g. after its lease was reaped.
	ErrNotClaimed = errors.New("task is not claimed by this worker")

	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
)

// maxFailureReason bounds the failure text persisted on a task.
const maxFailureReason = 2000

// Queue is durable task storage.
type Queue interface {
	Enqueue(ctx context.Context, task models.Task) error

	// Claim atomically moves up to limit pending tasks of the given types to
	// claimed for workerID, oldest first. Two concurrent claims never return
	// the same task.
	Claim(ctx context.Context, workerID string, types []models.TaskType, limit int) ([]models.Task, error)

	MarkProcessing(ctx context.Context, taskID, workerID string) error

	// Release returns a task workerID claimed but never started to pending
	// and refunds the attempt the claim counted.
	Release(ctx context.Context, taskID, workerID string) error

	// Heartbeat refreshes the lease of a task held by workerID.
	Heartbeat(ctx context.Context, taskID, workerID string) error

	MarkCompleted(ctx context.Context, taskID, workerID string) error
	MarkFailed(ctx context.Context, taskID, workerID, reason string) error

	// ReleaseStale returns leases older than cutoff to pending, or fails them
	// once they used up maxAttempts. It reports how many tasks were touched.
	ReleaseStale(ctx context.Context, cutoff time.Time, maxAttempts int) (int, error)

	Get(ctx context.Context, taskID string) (*models.Task, error)
}

// MemoryQueue implements Queue in memory for testing/development.
type MemoryQueue struct {
	mu    sync.Mutex
	tasks map[string]models.Task
	now   func() time.Time
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		tasks: make(map[string]models.Task),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task models.Task) error {
	if task.ID == "" {
		return errors.New("task id is required")
	}
	if !task.TaskType.Valid() {
		return fmt.Errorf("unknown task type %q", task.TaskType)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	now := q.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	q.tasks[task.ID] = task
	return nil
}

func (q *MemoryQueue) Claim(ctx context.Context, workerID string, types []models.TaskType, limit int) ([]models.Task, error) {
	if limit <= 0 || len(types) == 0 {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var pending []models.Task
	for _, task := range q.tasks {
		if task.Status == models.TaskStatusPending && slices.Contains(types, task.TaskType) {
			pending = append(pending, task)
		}
	}
	slices.SortFunc(pending, func(a, b models.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}

	now := q.now()
	claimed := make([]models.Task, 0, len(pending))
	for _, task := range pending {
		worker := workerID
		claimedAt := now
		task.Status = models.TaskStatusClaimed
		task.ClaimedBy = &worker
		task.ClaimedAt = &claimedAt
		task.Attempts++
		task.UpdatedAt = now
		q.tasks[task.ID] = task
		claimed = append(claimed, task)
	}
	return claimed, nil
}

func (q *MemoryQueue) MarkProcessing(ctx context.Context, taskID, workerID string) error {
	return q.update(taskID, workerID, func(task *models.Task, now time.Time) {
		task.Status = models.TaskStatusProcessing
	})
}

func (q *MemoryQueue) Release(ctx context.Context, taskID, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != models.TaskStatusClaimed || task.ClaimedBy == nil || *task.ClaimedBy != workerID {
		return ErrNotClaimed
	}

	task.Status = models.TaskStatusPending
	task.ClaimedBy = nil
	task.ClaimedAt = nil
	task.Attempts = max(task.Attempts-1, 0)
	task.UpdatedAt = q.now()
	q.tasks[taskID] = task
	return nil
}

func (q *MemoryQueue) Heartbeat(ctx context.Context, taskID, workerID string) error {
	return q.update(taskID, workerID, func(task *models.Task, now time.Time) {
		task.ClaimedAt = &now
	})
}

func (q *MemoryQueue) MarkCompleted(ctx context.Context, taskID, workerID string) error {
	return q.update(taskID, workerID, func(task *models.Task, now time.Time) {
		task.Status = models.TaskStatusCompleted
		task.FailureReason = ""
		task.CompletedAt = &now
	})
}

func (q *MemoryQueue) MarkFailed(ctx context.Context, taskID, workerID, reason string) error {
	return q.update(taskID, workerID, func(task *models.Task, now time.Time) {
		task.Status = models.TaskStatusFailed
		task.FailureReason = TruncateReason(reason)
		task.CompletedAt = &now
	})
}

func (q *MemoryQueue) ReleaseStale(ctx context.Context, cutoff time.Time, maxAttempts int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	touched := 0
	for id, task := range q.tasks {
		if !leased(task) || task.ClaimedAt == nil || !task.ClaimedAt.Before(cutoff) {
			continue
		}
		if maxAttempts > 0 && task.Attempts >= maxAttempts {
			task.Status = models.TaskStatusFailed
			task.FailureReason = fmt.Sprintf("lease expired after %d attempts", task.Attempts)
			task.CompletedAt = &now
		} else {
			task.Status = models.TaskStatusPending
			task.ClaimedBy = nil
			task.ClaimedAt = nil
		}
		task.UpdatedAt = now
		q.tasks[id] = task
		touched++
	}
	return touched, nil
}

func (q *MemoryQueue) Get(ctx context.Context, taskID string) (*models.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return &task, nil
}

// update applies fn to a task still leased by workerID.
func (q *MemoryQueue) update(taskID, workerID string, fn func(task *models.Task, now time.Time)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if !leased(task) || task.ClaimedBy == nil || *task.ClaimedBy != workerID {
		return ErrNotClaimed
	}

	now := q.now()
	fn(&task, now)
	task.UpdatedAt = now
	q.tasks[taskID] = task
	return nil
}

func leased(task models.Task) bool {
	return task.Status == models.TaskStatusClaimed || task.Status == models.TaskStatusProcessing
}

// TruncateReason bounds a failure reason to what the queue persists.
func TruncateReason(reason string) string {
	if len(reason) <= maxFailureReason {
		return reason
	}
	return reason[:maxFailureReason-3] + "..."
}
