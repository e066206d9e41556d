package database

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/lib/pq"

	"github.com/pricewatch/ingestd/internal/models"
	"github.com/pricewatch/ingestd/internal/taskqueue"
)

const taskColumns = `id, task_type, payload, status, claimed_by, claimed_at, failure_reason,
	attempts, created_at, updated_at, completed_at`

// PostgresTaskQueue implements taskqueue.Queue using PostgreSQL.
type PostgresTaskQueue struct {
	db *sql.DB
}

var _ taskqueue.Queue = (*PostgresTaskQueue)(nil)

// NewPostgresTaskQueue creates a new PostgreSQL-based task queue.
func NewPostgresTaskQueue(db *sql.DB) *PostgresTaskQueue {
	return &PostgresTaskQueue{db: db}
}

func (q *PostgresTaskQueue) Enqueue(ctx context.Context, task models.Task) error {
	if task.ID == "" {
		return errors.New("task id is required")
	}
	if !task.TaskType.Valid() {
		return fmt.Errorf("unknown task type %q", task.TaskType)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO tasks (id, task_type, payload, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', $4, $4)
	`, task.ID, string(task.TaskType), []byte(task.Payload), task.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// Claim leases pending tasks with FOR UPDATE SKIP LOCKED, so concurrent
// workers skip each other's rows instead of blocking on them.
func (q *PostgresTaskQueue) Claim(ctx context.Context, workerID string, types []models.TaskType, limit int) ([]models.Task, error) {
	if limit <= 0 || len(types) == 0 {
		return nil, nil
	}

	typeNames := make([]string, len(types))
	for i, t := range types {
		typeNames[i] = string(t)
	}

	rows, err := q.db.QueryContext(ctx, `
		UPDATE tasks
		SET status = 'claimed', claimed_by = $1, claimed_at = NOW(),
			attempts = attempts + 1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM tasks
			WHERE status = 'pending' AND task_type = ANY($2)
			ORDER BY created_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns,
		workerID, pq.Array(typeNames), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim tasks: %w", err)
	}
	defer rows.Close()

	tasks := []models.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claimed tasks: %w", err)
	}

	// RETURNING order is unspecified.
	sortTasks(tasks)
	return tasks, nil
}

func (q *PostgresTaskQueue) MarkProcessing(ctx context.Context, taskID, workerID string) error {
	return q.updateLeased(ctx, taskID, workerID,
		`status = 'processing'`)
}

func (q *PostgresTaskQueue) Release(ctx context.Context, taskID, workerID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'pending', claimed_by = NULL, claimed_at = NULL,
		    attempts = GREATEST(attempts - 1, 0), updated_at = NOW()
		WHERE id = $1 AND claimed_by = $2 AND status = 'claimed'
	`, taskID, workerID)
	if err != nil {
		return fmt.Errorf("failed to release task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}
	return q.unleasedError(ctx, taskID)
}

func (q *PostgresTaskQueue) Heartbeat(ctx context.Context, taskID, workerID string) error {
	return q.updateLeased(ctx, taskID, workerID,
		`claimed_at = NOW()`)
}

func (q *PostgresTaskQueue) MarkCompleted(ctx context.Context, taskID, workerID string) error {
	return q.updateLeased(ctx, taskID, workerID,
		`status = 'completed', failure_reason = '', completed_at = NOW()`)
}

func (q *PostgresTaskQueue) MarkFailed(ctx context.Context, taskID, workerID, reason string) error {
	return q.updateLeased(ctx, taskID, workerID,
		`status = 'failed', failure_reason = $3, completed_at = NOW()`,
		taskqueue.TruncateReason(reason))
}

// updateLeased applies set to a task still leased by workerID. Extra args
// are bound from $3.
func (q *PostgresTaskQueue) updateLeased(ctx context.Context, taskID, workerID, set string, extra ...any) error {
	args := append([]any{taskID, workerID}, extra...)
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET `+set+`, updated_at = NOW()
		WHERE id = $1 AND claimed_by = $2 AND status IN ('claimed', 'processing')
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", taskID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}
	return q.unleasedError(ctx, taskID)
}

// unleasedError explains why an update guarded by the lease matched no row.
func (q *PostgresTaskQueue) unleasedError(ctx context.Context, taskID string) error {
	var exists bool
	if err := q.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, taskID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check task %s: %w", taskID, err)
	}
	if !exists {
		return taskqueue.ErrTaskNotFound
	}
	return taskqueue.ErrNotClaimed
}

func (q *PostgresTaskQueue) ReleaseStale(ctx context.Context, cutoff time.Time, maxAttempts int) (int, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	failed, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'failed',
			failure_reason = 'lease expired after ' || attempts || ' attempts',
			completed_at = NOW(), updated_at = NOW()
		WHERE status IN ('claimed', 'processing') AND claimed_at < $1
			AND $2 > 0 AND attempts >= $2
	`, cutoff, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to fail exhausted tasks: %w", err)
	}

	requeued, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'pending', claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE status IN ('claimed', 'processing') AND claimed_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale tasks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	nFailed, _ := failed.RowsAffected()
	nRequeued, _ := requeued.RowsAffected()
	return int(nFailed + nRequeued), nil
}

func (q *PostgresTaskQueue) Get(ctx context.Context, taskID string) (*models.Task, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, taskqueue.ErrTaskNotFound
	}
	return task, err
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		task                   models.Task
		taskType, status       string
		payload                []byte
		claimedBy              sql.NullString
		claimedAt, completedAt sql.NullTime
	)
	err := row.Scan(
		&task.ID,
		&taskType,
		&payload,
		&status,
		&claimedBy,
		&claimedAt,
		&task.FailureReason,
		&task.Attempts,
		&task.CreatedAt,
		&task.UpdatedAt,
		&completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	task.TaskType = models.TaskType(taskType)
	task.Status = models.TaskStatus(status)
	task.Payload = payload
	task.ClaimedBy = stringPtr(claimedBy)
	task.ClaimedAt = timePtr(claimedAt)
	task.CompletedAt = timePtr(completedAt)
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()
	return &task, nil
}

func sortTasks(tasks []models.Task) {
	slices.SortFunc(tasks, func(a, b models.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
