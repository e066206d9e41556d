package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TaskType tags a queued task and selects the shape of its payload.
type TaskType string

const (
	TaskTypeIngestion TaskType = "ingestion"
	TaskTypeRerun     TaskType = "rerun"
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	return t == TaskTypeIngestion || t == TaskTypeRerun
}

// TaskStatus is the queue lifecycle of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusClaimed    TaskStatus = "claimed"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Task is a unit of asynchronous work claimed by exactly one worker at a time.
type Task struct {
	ID            string          `json:"id"`
	TaskType      TaskType        `json:"taskType"`
	Payload       json.RawMessage `json:"payload"`
	Status        TaskStatus      `json:"status"`
	ClaimedBy     *string         `json:"claimedBy,omitempty"`
	ClaimedAt     *time.Time      `json:"claimedAt,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
	Attempts      int             `json:"attempts"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
}

// TaskPayload is implemented by every payload variant.
type TaskPayload interface {
	TaskType() TaskType
	Validate() error
}

// IngestionPayload asks for a fresh ingestion of one chain. ChainID carries
// the chain slug.
type IngestionPayload struct {
	ChainID    string    `json:"chainId"`
	TargetDate string    `json:"targetDate,omitempty"` // YYYY-MM-DD
	Source     RunSource `json:"source,omitempty"`
}

func (IngestionPayload) TaskType() TaskType { return TaskTypeIngestion }

func (p IngestionPayload) Validate() error {
	if p.ChainID == "" {
		return errors.New("chainId is required")
	}
	if p.TargetDate != "" {
		if _, err := time.Parse(time.DateOnly, p.TargetDate); err != nil {
			return fmt.Errorf("targetDate must be YYYY-MM-DD: %w", err)
		}
	}
	if p.Source != "" && !p.Source.Valid() {
		return fmt.Errorf("unknown source %q", p.Source)
	}
	return nil
}

// RerunPayload dispatches an already-created rerun Run.
type RerunPayload struct {
	RunID string `json:"runId"`
}

func (RerunPayload) TaskType() TaskType { return TaskTypeRerun }

func (p RerunPayload) Validate() error {
	if p.RunID == "" {
		return errors.New("runId is required")
	}
	return nil
}

// NewTask builds a pending task carrying the encoded payload.
func NewTask(payload TaskPayload) (Task, error) {
	if err := payload.Validate(); err != nil {
		return Task{}, fmt.Errorf("invalid %s payload: %w", payload.TaskType(), err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("encode %s payload: %w", payload.TaskType(), err)
	}

	now := time.Now().UTC()
	return Task{
		ID:        NewID(PrefixTask),
		TaskType:  payload.TaskType(),
		Payload:   raw,
		Status:    TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// DecodePayload decodes and validates the payload variant selected by the
// task type.
func DecodePayload(task Task) (TaskPayload, error) {
	var payload TaskPayload
	switch task.TaskType {
	case TaskTypeIngestion:
		var p IngestionPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode ingestion payload: %w", err)
		}
		payload = p
	case TaskTypeRerun:
		var p RerunPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode rerun payload: %w", err)
		}
		payload = p
	default:
		return nil, fmt.Errorf("unknown task type %q", task.TaskType)
	}

	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", task.TaskType, err)
	}
	return payload, nil
}
