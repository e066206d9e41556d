package models

import (
	"time"
)

// IngestionError is an append-only record of something that went wrong while
// processing a run. It is never updated after creation.
type IngestionError struct {
	ID           string    `json:"id"`
	RunID        string    `json:"runId"`
	FileID       *string   `json:"fileId,omitempty"`
	ChunkID      *string   `json:"chunkId,omitempty"`
	EntryID      *string   `json:"entryId,omitempty"`
	ErrorType    string    `json:"errorType"`
	ErrorMessage string    `json:"errorMessage"`
	ErrorDetails string    `json:"errorDetails,omitempty"` // JSON text
	Severity     Severity  `json:"severity"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Severity grades an ingestion error. Critical errors abort the run.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// IngestionErrorType categorizes different types of ingestion errors.
type IngestionErrorType string

const (
	ErrorTypeDispatchFailed     IngestionErrorType = "dispatch_failed"
	ErrorTypeServiceUnavailable IngestionErrorType = "service_unavailable"
	ErrorTypeRemoteRejected     IngestionErrorType = "remote_rejected"
	ErrorTypeParsingFailed      IngestionErrorType = "parsing_failed"
	ErrorTypePersistFailed      IngestionErrorType = "persist_failed"
	ErrorTypeFileFailed         IngestionErrorType = "file_failed"
	ErrorTypeRunAborted         IngestionErrorType = "run_aborted"
)
