package models

import "fmt"

// Status is the lifecycle state of a run, file or chunk. Runs move through
// running, files and chunks through processing; both end in completed or failed.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var runTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed},
}

// Files and chunks may fail straight from pending when their run is aborted.
var itemTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCompleted, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	Entity string
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s status transition %s -> %s", e.Entity, e.From, e.To)
}

// CheckRunTransition validates a run status change.
func CheckRunTransition(from, to Status) error {
	return checkTransition("run", runTransitions, from, to)
}

// CheckItemTransition validates a file or chunk status change.
func CheckItemTransition(entity string, from, to Status) error {
	return checkTransition(entity, itemTransitions, from, to)
}

func checkTransition(entity string, table map[Status][]Status, from, to Status) error {
	for _, allowed := range table[from] {
		if allowed == to {
			return nil
		}
	}
	return &TransitionError{Entity: entity, From: from, To: to}
}

// ValidRunStatus reports whether s is a status a run can hold.
func ValidRunStatus(s Status) bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ValidItemStatus reports whether s is a status a file or chunk can hold.
func ValidItemStatus(s Status) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}
