package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pricewatch/ingestd/internal/models"
)

// EventType tags a progress callback from the processing service.
type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventFileDiscovered EventType = "file_discovered"
	EventChunkStarted   EventType = "chunk_started"
	EventChunkCompleted EventType = "chunk_completed"
	EventFileFailed     EventType = "file_failed"
	EventError          EventType = "error"
	EventRunCompleted   EventType = "run_completed"
	EventRunFailed      EventType = "run_failed"
)

// ProgressEvent is one callback. Which fields are read depends on Type.
type ProgressEvent struct {
	Type    EventType    `json:"type"`
	File    *FileSpec    `json:"file,omitempty"`
	FileID  string       `json:"fileId,omitempty"`
	ChunkID string       `json:"chunkId,omitempty"`
	Result  *ChunkResult `json:"result,omitempty"`
	Error   *ErrorReport `json:"error,omitempty"`
	Reason  string       `json:"reason,omitempty"`
}

// ErrorReport is the error payload of an "error" event.
type ErrorReport struct {
	FileID       string          `json:"fileId,omitempty"`
	ChunkID      string          `json:"chunkId,omitempty"`
	EntryID      string          `json:"entryId,omitempty"`
	ErrorType    string          `json:"errorType"`
	ErrorMessage string          `json:"errorMessage"`
	ErrorDetails json.RawMessage `json:"errorDetails,omitempty"`
	Severity     models.Severity `json:"severity,omitempty"`
}

// ProgressResult carries whatever the event created or changed.
type ProgressResult struct {
	Run    *models.Run            `json:"run,omitempty"`
	File   *models.File           `json:"file,omitempty"`
	Chunks []models.Chunk         `json:"chunks,omitempty"`
	Chunk  *models.Chunk          `json:"chunk,omitempty"`
	Error  *models.IngestionError `json:"error,omitempty"`
}

// ApplyProgress routes one progress event of runID to the tracker operation
// it stands for. Files and chunks named by the event must belong to runID.
func (t *Tracker) ApplyProgress(ctx context.Context, runID string, ev ProgressEvent) (*ProgressResult, error) {
	switch ev.Type {
	case EventRunStarted:
		run, err := t.StartRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		return &ProgressResult{Run: run}, nil

	case EventFileDiscovered:
		if ev.File == nil {
			return nil, fmt.Errorf("%w: file_discovered requires a file", ErrInvalidInput)
		}
		file, chunks, err := t.RegisterFile(ctx, runID, *ev.File)
		if err != nil {
			return nil, err
		}
		return &ProgressResult{File: file, Chunks: chunks}, nil

	case EventChunkStarted:
		if err := t.checkChunkInRun(ctx, runID, ev.ChunkID); err != nil {
			return nil, err
		}
		chunk, err := t.StartChunk(ctx, ev.ChunkID)
		if err != nil {
			return nil, err
		}
		return &ProgressResult{Chunk: chunk}, nil

	case EventChunkCompleted:
		if ev.Result == nil {
			return nil, fmt.Errorf("%w: chunk_completed requires a result", ErrInvalidInput)
		}
		if err := t.checkChunkInRun(ctx, runID, ev.ChunkID); err != nil {
			return nil, err
		}
		chunk, err := t.FinishChunk(ctx, ev.ChunkID, *ev.Result)
		if err != nil {
			return nil, err
		}
		return &ProgressResult{Chunk: chunk}, nil

	case EventFileFailed:
		if err := t.checkFileInRun(ctx, runID, ev.FileID); err != nil {
			return nil, err
		}
		file, err := t.FailFile(ctx, ev.FileID, ev.Reason)
		if err != nil {
			return nil, err
		}
		return &ProgressResult{File: file}, nil

	case EventError:
		if ev.Error == nil {
			return nil, fmt.Errorf("%w: error event requires an error", ErrInvalidInput)
		}
		recorded, err := t.RecordError(ctx, ev.Error.toModel(runID))
		if err != nil {
			return nil, err
		}
		return &ProgressResult{Error: recorded}, nil

	case EventRunCompleted:
		run, err := t.CompleteRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		return &ProgressResult{Run: run}, nil

	case EventRunFailed:
		run, err := t.FailRun(ctx, runID, ev.Reason)
		if err != nil {
			return nil, err
		}
		return &ProgressResult{Run: run}, nil
	}

	return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidInput, ev.Type)
}

func (t *Tracker) checkChunkInRun(ctx context.Context, runID, chunkID string) error {
	if chunkID == "" {
		return fmt.Errorf("%w: chunkId is required", ErrInvalidInput)
	}
	chunk, err := t.store.GetChunk(ctx, chunkID)
	if err != nil {
		return fmt.Errorf("chunk %s: %w", chunkID, err)
	}
	return t.checkFileInRun(ctx, runID, chunk.FileID)
}

func (t *Tracker) checkFileInRun(ctx context.Context, runID, fileID string) error {
	if fileID == "" {
		return fmt.Errorf("%w: fileId is required", ErrInvalidInput)
	}
	file, err := t.store.GetFile(ctx, fileID)
	if err != nil {
		return fmt.Errorf("file %s: %w", fileID, err)
	}
	if file.RunID != runID {
		return fmt.Errorf("%w: file %s does not belong to run %s", ErrInvalidInput, fileID, runID)
	}
	return nil
}

func (r ErrorReport) toModel(runID string) models.IngestionError {
	e := models.IngestionError{
		RunID:        runID,
		ErrorType:    r.ErrorType,
		ErrorMessage: r.ErrorMessage,
		Severity:     r.Severity,
	}
	if len(r.ErrorDetails) > 0 && string(r.ErrorDetails) != "null" {
		e.ErrorDetails = string(r.ErrorDetails)
	}
	if r.FileID != "" {
		e.FileID = &r.FileID
	}
	if r.ChunkID != "" {
		e.ChunkID = &r.ChunkID
	}
	if r.EntryID != "" {
		e.EntryID = &r.EntryID
	}
	return e
}
