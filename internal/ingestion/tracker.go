// Package ingestion tracks ingestion runs and their files, chunks and errors,
// creates reruns and dispatches runs to the processing service.
package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/pricewatch/ingestd/internal/models"
)

// ErrInvalidInput marks a request rejected before touching the store.
var ErrInvalidInput = errors.New("invalid input")

// DefaultChunkSize is used when a registered file does not name one.
const DefaultChunkSize = 1000

// RunObserver is notified after a run reaches a terminal status.
type RunObserver interface {
	ObserveRunFinished(chainSlug string, status models.Status)
}

// FileSpec describes a file discovered by the processing service.
type FileSpec struct {
	Filename   string `json:"filename"`
	FileType   string `json:"fileType"`
	FileSize   int64  `json:"fileSize"`
	FileHash   string `json:"fileHash"`
	EntryCount int    `json:"entryCount"`
	ChunkSize  int    `json:"chunkSize"`
}

// ChunkResult reports the outcome of processing one chunk.
type ChunkResult struct {
	PersistedCount int  `json:"persistedCount"`
	ErrorCount     int  `json:"errorCount"`
	Failed         bool `json:"failed"`
}

// Tracker is the read/write interface over the run hierarchy.
type Tracker struct {
	store    Store
	logger   *slog.Logger
	observer RunObserver
	now      func() time.Time
}

// TrackerOption customizes a Tracker.
type TrackerOption func(*Tracker)

// WithRunObserver reports finished runs, e.g. to metrics.
func WithRunObserver(o RunObserver) TrackerOption {
	return func(t *Tracker) { t.observer = o }
}

// NewTracker creates a tracker backed by store.
func NewTracker(store Store, logger *slog.Logger, opts ...TrackerOption) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		store:  store,
		logger: logger,
		now: func() time.Time {
			// Postgres keeps microseconds; match it so UpdatedAt round-trips.
			return time.Now().UTC().Truncate(time.Microsecond)
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Ping checks the backing store.
func (t *Tracker) Ping(ctx context.Context) error {
	return t.store.Ping(ctx)
}

// CreateRun inserts a pending run with zero counters.
func (t *Tracker) CreateRun(ctx context.Context, chainSlug string, source models.RunSource) (*models.Run, error) {
	if chainSlug == "" {
		return nil, fmt.Errorf("%w: chainSlug is required", ErrInvalidInput)
	}
	if source == "" {
		source = models.RunSourceManual
	}
	if !source.Valid() {
		return nil, fmt.Errorf("%w: unknown source %q", ErrInvalidInput, source)
	}

	now := t.now()
	run := &models.Run{
		ID:        models.NewID(models.PrefixRun),
		ChainSlug: chainSlug,
		Source:    source,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := t.store.Atomically(ctx, func(tx Tx) error {
		return tx.InsertRun(ctx, run)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	t.logger.Info("run created", "run_id", run.ID, "chain", chainSlug, "source", source)
	return run, nil
}

// GetRun returns the run or ErrNotFound.
func (t *Tracker) GetRun(ctx context.Context, id string) (*models.Run, error) {
	return t.store.GetRun(ctx, id)
}

// GetFile returns the file or ErrNotFound.
func (t *Tracker) GetFile(ctx context.Context, id string) (*models.File, error) {
	return t.store.GetFile(ctx, id)
}

// ListRuns returns one page of runs, newest first, and the total match count.
func (t *Tracker) ListRuns(ctx context.Context, filter models.RunFilter, page models.Page) ([]models.Run, int, error) {
	if filter.Status != "" && !models.ValidRunStatus(filter.Status) {
		return nil, 0, fmt.Errorf("%w: unknown run status %q", ErrInvalidInput, filter.Status)
	}
	runs, total, err := t.store.ListRuns(ctx, filter, page.Normalize())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, total, nil
}

// ListReruns returns the direct reruns of runID.
func (t *Tracker) ListReruns(ctx context.Context, runID string, page models.Page) ([]models.Run, int, error) {
	return t.ListRuns(ctx, models.RunFilter{ParentRunID: runID}, page)
}

// ListFiles pages through a run's files. An unknown run yields an empty page.
func (t *Tracker) ListFiles(ctx context.Context, runID string, filter models.FileFilter, page models.Page) ([]models.File, int, error) {
	if filter.Status != "" && !models.ValidItemStatus(filter.Status) {
		return nil, 0, fmt.Errorf("%w: unknown file status %q", ErrInvalidInput, filter.Status)
	}
	files, total, err := t.store.ListFiles(ctx, runID, filter, page.Normalize())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list files: %w", err)
	}
	return files, total, nil
}

// ListChunks pages through a file's chunks. An unknown file yields an empty page.
func (t *Tracker) ListChunks(ctx context.Context, fileID string, filter models.ChunkFilter, page models.Page) ([]models.Chunk, int, error) {
	if filter.Status != "" && !models.ValidItemStatus(filter.Status) {
		return nil, 0, fmt.Errorf("%w: unknown chunk status %q", ErrInvalidInput, filter.Status)
	}
	chunks, total, err := t.store.ListChunks(ctx, fileID, filter, page.Normalize())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list chunks: %w", err)
	}
	return chunks, total, nil
}

// ListErrors pages through ingestion errors, newest first.
func (t *Tracker) ListErrors(ctx context.Context, filter models.ErrorFilter, page models.Page) ([]models.IngestionError, int, error) {
	if filter.Severity != "" && !filter.Severity.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown severity %q", ErrInvalidInput, filter.Severity)
	}
	errs, total, err := t.store.ListErrors(ctx, filter, page.Normalize())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list errors: %w", err)
	}
	return errs, total, nil
}

// GetStats aggregates activity over the window ending now. An empty window
// yields zero counts.
func (t *Tracker) GetStats(ctx context.Context, tr models.TimeRange) (*models.Stats, error) {
	since := tr.Since(t.now())
	stats, err := t.store.Stats(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	stats.TimeRange = tr
	stats.Since = since
	return stats, nil
}

// DeleteRun hard-deletes a run and everything it owns.
func (t *Tracker) DeleteRun(ctx context.Context, id string) error {
	n, err := t.DeleteRuns(ctx, []string{id})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRuns hard-deletes runs and returns how many existed. Unknown ids are
// skipped.
func (t *Tracker) DeleteRuns(ctx context.Context, ids []string) (int, error) {
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(unique, id) {
			unique = append(unique, id)
		}
	}
	if len(unique) == 0 {
		return 0, nil
	}

	n, err := t.store.DeleteRuns(ctx, unique)
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}

	t.logger.Info("runs deleted", "requested", len(unique), "deleted", n)
	return n, nil
}

// StartRun moves a pending run to running. Starting a running run is a no-op.
func (t *Tracker) StartRun(ctx context.Context, runID string) (*models.Run, error) {
	var run *models.Run
	err := t.store.Atomically(ctx, func(tx Tx) error {
		var err error
		run, err = tx.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status == models.StatusRunning {
			return nil
		}
		if err := t.ensureRunning(run); err != nil {
			return err
		}
		return tx.UpdateRun(ctx, run)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// RegisterFile records a discovered file and plans its chunks.
func (t *Tracker) RegisterFile(ctx context.Context, runID string, spec FileSpec) (*models.File, []models.Chunk, error) {
	if spec.Filename == "" {
		return nil, nil, fmt.Errorf("%w: filename is required", ErrInvalidInput)
	}
	if spec.ChunkSize == 0 {
		spec.ChunkSize = DefaultChunkSize
	}

	var (
		file   *models.File
		chunks []models.Chunk
		done   *models.Run
	)
	err := t.store.Atomically(ctx, func(tx Tx) error {
		run, err := tx.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if err := t.ensureRunning(run); err != nil {
			return err
		}

		now := t.now()
		file = &models.File{
			ID:        models.NewID(models.PrefixFile),
			RunID:     run.ID,
			Filename:  spec.Filename,
			FileType:  spec.FileType,
			FileSize:  spec.FileSize,
			FileHash:  spec.FileHash,
			Status:    models.StatusPending,
			ChunkSize: spec.ChunkSize,
			CreatedAt: now,
		}

		chunks, err = models.PlanChunks(file.ID, spec.EntryCount, spec.ChunkSize)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		for i := range chunks {
			chunks[i].ID = models.NewID(models.PrefixChunk)
			chunks[i].Status = models.StatusPending
		}

		file.EntryCount = spec.EntryCount
		file.TotalChunks = len(chunks)
		run.TotalFiles++
		run.TotalEntries += spec.EntryCount

		// An empty file has nothing left to process.
		if len(chunks) == 0 {
			file.Status = models.StatusCompleted
			file.ProcessedAt = &now
			run.ProcessedFiles++
		}

		if err := tx.InsertFile(ctx, file); err != nil {
			return err
		}
		if err := tx.InsertChunks(ctx, chunks); err != nil {
			return err
		}
		run.UpdatedAt = now
		if err := tx.UpdateRun(ctx, run); err != nil {
			return err
		}
		done = run
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	t.logger.Debug("file registered",
		"run_id", done.ID,
		"file_id", file.ID,
		"filename", file.Filename,
		"entries", file.EntryCount,
		"chunks", file.TotalChunks,
	)
	return file, chunks, nil
}

// StartChunk moves a chunk, and its file if still pending, to processing.
func (t *Tracker) StartChunk(ctx context.Context, chunkID string) (*models.Chunk, error) {
	runID, fileID, err := t.chunkLineage(ctx, chunkID)
	if err != nil {
		return nil, err
	}

	var chunk *models.Chunk
	err = t.store.Atomically(ctx, func(tx Tx) error {
		run, file, c, err := lockChunk(ctx, tx, runID, fileID, chunkID)
		if err != nil {
			return err
		}
		chunk = c

		runWasPending := run.Status == models.StatusPending
		if err := t.ensureRunning(run); err != nil {
			return err
		}
		if err := transitionItem("chunk", &chunk.Status, models.StatusProcessing); err != nil {
			return err
		}
		if err := tx.UpdateChunk(ctx, chunk); err != nil {
			return err
		}

		if file.Status == models.StatusPending {
			file.Status = models.StatusProcessing
			if err := tx.UpdateFile(ctx, file); err != nil {
				return err
			}
		}
		if runWasPending {
			return tx.UpdateRun(ctx, run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chunk, nil
}

// FinishChunk records a chunk outcome. The file becomes terminal once all of
// its chunks are, and is failed if any of them failed.
func (t *Tracker) FinishChunk(ctx context.Context, chunkID string, result ChunkResult) (*models.Chunk, error) {
	if result.PersistedCount < 0 || result.ErrorCount < 0 {
		return nil, fmt.Errorf("%w: counts must be non-negative", ErrInvalidInput)
	}

	runID, fileID, err := t.chunkLineage(ctx, chunkID)
	if err != nil {
		return nil, err
	}

	var chunk *models.Chunk
	err = t.store.Atomically(ctx, func(tx Tx) error {
		run, file, c, err := lockChunk(ctx, tx, runID, fileID, chunkID)
		if err != nil {
			return err
		}
		chunk = c
		if err := t.ensureRunning(run); err != nil {
			return err
		}

		status := models.StatusCompleted
		if result.Failed {
			status = models.StatusFailed
		}

		now := t.now()
		if err := t.closeChunk(run, file, chunk, status, now); err != nil {
			return err
		}
		chunk.PersistedCount = result.PersistedCount
		chunk.ErrorCount = result.ErrorCount
		if err := tx.UpdateChunk(ctx, chunk); err != nil {
			return err
		}

		if file.ProcessedChunks == file.TotalChunks {
			chunks, err := tx.ListFileChunks(ctx, file.ID)
			if err != nil {
				return err
			}
			final := models.StatusCompleted
			for _, c := range chunks {
				if c.Status == models.StatusFailed {
					final = models.StatusFailed
					break
				}
			}
			if err := t.closeFile(run, file, final, now); err != nil {
				return err
			}
		} else if file.Status == models.StatusPending {
			file.Status = models.StatusProcessing
		}

		if err := tx.UpdateFile(ctx, file); err != nil {
			return err
		}
		run.UpdatedAt = now
		return tx.UpdateRun(ctx, run)
	})
	if err != nil {
		return nil, err
	}
	return chunk, nil
}

// FailFile fails a file together with its open chunks and records why.
func (t *Tracker) FailFile(ctx context.Context, fileID, reason string) (*models.File, error) {
	unlocked, err := t.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}

	var file *models.File
	err = t.store.Atomically(ctx, func(tx Tx) error {
		run, err := tx.GetRun(ctx, unlocked.RunID)
		if err != nil {
			return err
		}
		file, err = tx.GetFile(ctx, fileID)
		if err != nil {
			return err
		}
		if err := t.ensureRunning(run); err != nil {
			return err
		}

		now := t.now()
		if err := t.failFileTx(ctx, tx, run, file, now); err != nil {
			return err
		}

		if reason == "" {
			reason = "file processing failed"
		}
		ingestErr := &models.IngestionError{
			ID:           models.NewID(models.PrefixError),
			RunID:        run.ID,
			FileID:       &file.ID,
			ErrorType:    string(models.ErrorTypeFileFailed),
			ErrorMessage: reason,
			Severity:     models.SeverityError,
			CreatedAt:    now,
		}
		if err := tx.InsertError(ctx, ingestErr); err != nil {
			return err
		}
		run.ErrorCount++
		run.UpdatedAt = now
		return tx.UpdateRun(ctx, run)
	})
	if err != nil {
		return nil, err
	}

	t.logger.Warn("file failed", "file_id", fileID, "reason", reason)
	return file, nil
}

// RecordError appends an ingestion error. A critical error fails the run.
func (t *Tracker) RecordError(ctx context.Context, e models.IngestionError) (*models.IngestionError, error) {
	if e.RunID == "" {
		return nil, fmt.Errorf("%w: runId is required", ErrInvalidInput)
	}
	if e.ErrorType == "" {
		return nil, fmt.Errorf("%w: errorType is required", ErrInvalidInput)
	}
	if e.Severity == "" {
		e.Severity = models.SeverityError
	}
	if !e.Severity.Valid() {
		return nil, fmt.Errorf("%w: unknown severity %q", ErrInvalidInput, e.Severity)
	}
	if e.ErrorDetails != "" && !json.Valid([]byte(e.ErrorDetails)) {
		return nil, fmt.Errorf("%w: errorDetails must be valid JSON", ErrInvalidInput)
	}

	if err := t.resolveChunkScope(ctx, &e); err != nil {
		return nil, err
	}

	var finished *models.Run
	err := t.store.Atomically(ctx, func(tx Tx) error {
		finished = nil
		run, err := tx.GetRun(ctx, e.RunID)
		if err != nil {
			return err
		}
		if err := t.checkScope(ctx, tx, &e); err != nil {
			return err
		}

		now := t.now()
		e.ID = models.NewID(models.PrefixError)
		e.CreatedAt = now
		if err := tx.InsertError(ctx, &e); err != nil {
			return err
		}
		run.ErrorCount++
		run.UpdatedAt = now

		switch {
		case run.Status.Terminal():
			// Late errors are kept for the audit trail only.
		case e.Severity == models.SeverityCritical:
			if err := t.failRunTx(ctx, tx, run, now); err != nil {
				return err
			}
			finished = run
		default:
			if err := t.ensureRunning(run); err != nil {
				return err
			}
		}
		return tx.UpdateRun(ctx, run)
	})
	if err != nil {
		return nil, err
	}

	t.logger.Debug("ingestion error recorded",
		"run_id", e.RunID,
		"error_type", e.ErrorType,
		"severity", e.Severity,
	)
	if finished != nil {
		t.logger.Warn("run failed on critical error", "run_id", finished.ID, "error_type", e.ErrorType)
		t.notifyFinished(finished)
	}
	return &e, nil
}

// CompleteRun finishes a run whose files are all terminal: completed, or
// failed when any file failed.
func (t *Tracker) CompleteRun(ctx context.Context, runID string) (*models.Run, error) {
	var run *models.Run
	err := t.store.Atomically(ctx, func(tx Tx) error {
		var err error
		run, err = tx.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if err := t.ensureRunning(run); err != nil {
			return err
		}
		if err := t.completeRunTx(ctx, tx, run, t.now()); err != nil {
			return err
		}
		return tx.UpdateRun(ctx, run)
	})
	if err != nil {
		return nil, err
	}

	t.logger.Info("run finished",
		"run_id", run.ID,
		"status", run.Status,
		"files", run.TotalFiles,
		"entries", run.ProcessedEntries,
		"errors", run.ErrorCount,
	)
	t.notifyFinished(run)
	return run, nil
}

// FailRun aborts a run, failing its open files and chunks first.
func (t *Tracker) FailRun(ctx context.Context, runID, reason string) (*models.Run, error) {
	if reason == "" {
		reason = "run aborted"
	}

	var run *models.Run
	err := t.store.Atomically(ctx, func(tx Tx) error {
		var err error
		run, err = tx.GetRun(ctx, runID)
		if err != nil {
			return err
		}

		now := t.now()
		if err := t.failRunTx(ctx, tx, run, now); err != nil {
			return err
		}
		abort := &models.IngestionError{
			ID:           models.NewID(models.PrefixError),
			RunID:        run.ID,
			ErrorType:    string(models.ErrorTypeRunAborted),
			ErrorMessage: reason,
			Severity:     models.SeverityError,
			CreatedAt:    now,
		}
		if err := tx.InsertError(ctx, abort); err != nil {
			return err
		}
		run.ErrorCount++
		return tx.UpdateRun(ctx, run)
	})
	if err != nil {
		return nil, err
	}

	t.logger.Warn("run failed", "run_id", runID, "reason", reason)
	t.notifyFinished(run)
	return run, nil
}

// UpdateRunStatus is the operator override. It only applies when the run's
// UpdatedAt still equals expectedUpdatedAt.
func (t *Tracker) UpdateRunStatus(ctx context.Context, runID string, status models.Status, expectedUpdatedAt time.Time) (*models.Run, error) {
	if !models.ValidRunStatus(status) {
		return nil, fmt.Errorf("%w: unknown run status %q", ErrInvalidInput, status)
	}

	var run *models.Run
	err := t.store.Atomically(ctx, func(tx Tx) error {
		var err error
		run, err = tx.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if !run.UpdatedAt.Equal(expectedUpdatedAt) {
			return fmt.Errorf("%w: run %s updated at %s", ErrConflict, run.ID, run.UpdatedAt.Format(time.RFC3339Nano))
		}

		now := t.now()
		switch status {
		case models.StatusFailed:
			if err := t.failRunTx(ctx, tx, run, now); err != nil {
				return err
			}
		case models.StatusCompleted:
			if run.Status == models.StatusPending {
				return invalidTransition(models.CheckRunTransition(run.Status, status))
			}
			if err := t.completeRunTx(ctx, tx, run, now); err != nil {
				return err
			}
		default:
			if err := models.CheckRunTransition(run.Status, status); err != nil {
				return invalidTransition(err)
			}
			run.Status = status
			if status == models.StatusRunning && run.StartedAt == nil {
				run.StartedAt = &now
			}
			run.UpdatedAt = now
		}
		return tx.UpdateRun(ctx, run)
	})
	if err != nil {
		return nil, err
	}

	t.logger.Info("run status overridden", "run_id", runID, "status", run.Status)
	if run.Status.Terminal() {
		t.notifyFinished(run)
	}
	return run, nil
}

// ensureRunning moves a pending run to running and rejects terminal runs.
func (t *Tracker) ensureRunning(run *models.Run) error {
	switch run.Status {
	case models.StatusRunning:
		return nil
	case models.StatusPending:
		now := t.now()
		run.Status = models.StatusRunning
		run.StartedAt = &now
		run.UpdatedAt = now
		return nil
	default:
		return fmt.Errorf("%w: run %s is already %s", ErrInvalidTransition, run.ID, run.Status)
	}
}

// closeChunk moves a chunk to a terminal status and rolls the progress up
// into its file and run.
func (t *Tracker) closeChunk(run *models.Run, file *models.File, chunk *models.Chunk, status models.Status, now time.Time) error {
	if err := transitionItem("chunk", &chunk.Status, status); err != nil {
		return err
	}
	chunk.ProcessedAt = &now
	file.ProcessedChunks++
	run.ProcessedEntries = min(run.ProcessedEntries+chunk.RowCount, run.TotalEntries)
	return nil
}

func (t *Tracker) closeFile(run *models.Run, file *models.File, status models.Status, now time.Time) error {
	if err := transitionItem("file", &file.Status, status); err != nil {
		return err
	}
	file.ProcessedAt = &now
	run.ProcessedFiles = min(run.ProcessedFiles+1, run.TotalFiles)
	return nil
}

func (t *Tracker) failFileTx(ctx context.Context, tx Tx, run *models.Run, file *models.File, now time.Time) error {
	if file.Status.Terminal() {
		return fmt.Errorf("%w: file %s is already %s", ErrInvalidTransition, file.ID, file.Status)
	}

	chunks, err := tx.ListFileChunks(ctx, file.ID)
	if err != nil {
		return err
	}
	for i := range chunks {
		chunk := &chunks[i]
		if chunk.Status.Terminal() {
			continue
		}
		if err := t.closeChunk(run, file, chunk, models.StatusFailed, now); err != nil {
			return err
		}
		if err := tx.UpdateChunk(ctx, chunk); err != nil {
			return err
		}
	}

	if err := t.closeFile(run, file, models.StatusFailed, now); err != nil {
		return err
	}
	return tx.UpdateFile(ctx, file)
}

func (t *Tracker) failRunTx(ctx context.Context, tx Tx, run *models.Run, now time.Time) error {
	if err := models.CheckRunTransition(run.Status, models.StatusFailed); err != nil {
		return invalidTransition(err)
	}

	files, err := tx.ListRunFiles(ctx, run.ID)
	if err != nil {
		return err
	}
	for i := range files {
		if files[i].Status.Terminal() {
			continue
		}
		if err := t.failFileTx(ctx, tx, run, &files[i], now); err != nil {
			return err
		}
	}

	run.Status = models.StatusFailed
	run.CompletedAt = &now
	run.UpdatedAt = now
	return nil
}

func (t *Tracker) completeRunTx(ctx context.Context, tx Tx, run *models.Run, now time.Time) error {
	files, err := tx.ListRunFiles(ctx, run.ID)
	if err != nil {
		return err
	}

	final := models.StatusCompleted
	for _, f := range files {
		if !f.Status.Terminal() {
			return fmt.Errorf("%w: file %s is still %s", ErrInvalidTransition, f.ID, f.Status)
		}
		if f.Status == models.StatusFailed {
			final = models.StatusFailed
		}
	}

	if err := models.CheckRunTransition(run.Status, final); err != nil {
		return invalidTransition(err)
	}
	run.Status = final
	run.CompletedAt = &now
	run.UpdatedAt = now
	return nil
}

// checkScope verifies that the file and chunk named by e belong to its run.
// The run is already locked; the file and then the chunk are locked after it.
// The chunk's file must have been resolved by resolveChunkScope.
func (t *Tracker) checkScope(ctx context.Context, tx Tx, e *models.IngestionError) error {
	if e.FileID != nil {
		file, err := tx.GetFile(ctx, *e.FileID)
		if err != nil {
			return fmt.Errorf("file %s: %w", *e.FileID, err)
		}
		if file.RunID != e.RunID {
			return fmt.Errorf("%w: file %s does not belong to run %s", ErrInvalidInput, file.ID, e.RunID)
		}
	}
	if e.ChunkID != nil {
		if _, err := tx.GetChunk(ctx, *e.ChunkID); err != nil {
			return fmt.Errorf("chunk %s: %w", *e.ChunkID, err)
		}
	}
	return nil
}

// resolveChunkScope fills in the file of a chunk-scoped error before any lock
// is taken.
func (t *Tracker) resolveChunkScope(ctx context.Context, e *models.IngestionError) error {
	if e.ChunkID == nil {
		return nil
	}
	_, fileID, err := t.chunkLineage(ctx, *e.ChunkID)
	if err != nil {
		return fmt.Errorf("chunk %s: %w", *e.ChunkID, err)
	}
	if e.FileID == nil {
		e.FileID = &fileID
	} else if *e.FileID != fileID {
		return fmt.Errorf("%w: chunk %s does not belong to file %s", ErrInvalidInput, *e.ChunkID, *e.FileID)
	}
	return nil
}

// chunkLineage resolves the file and run of a chunk without locking. Parent
// ids never change, so transactions can lock run, file and chunk in that
// order. Every transaction locks in this order.
func (t *Tracker) chunkLineage(ctx context.Context, chunkID string) (runID, fileID string, err error) {
	chunk, err := t.store.GetChunk(ctx, chunkID)
	if err != nil {
		return "", "", err
	}
	file, err := t.store.GetFile(ctx, chunk.FileID)
	if err != nil {
		return "", "", err
	}
	return file.RunID, file.ID, nil
}

// lockChunk locks run, file and chunk, in that order.
func lockChunk(ctx context.Context, tx Tx, runID, fileID, chunkID string) (*models.Run, *models.File, *models.Chunk, error) {
	run, err := tx.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, nil, err
	}
	file, err := tx.GetFile(ctx, fileID)
	if err != nil {
		return nil, nil, nil, err
	}
	chunk, err := tx.GetChunk(ctx, chunkID)
	if err != nil {
		return nil, nil, nil, err
	}
	return run, file, chunk, nil
}

func (t *Tracker) notifyFinished(run *models.Run) {
	if t.observer != nil {
		t.observer.ObserveRunFinished(run.ChainSlug, run.Status)
	}
}

func transitionItem(entity string, status *models.Status, to models.Status) error {
	if err := models.CheckItemTransition(entity, *status, to); err != nil {
		return invalidTransition(err)
	}
	*status = to
	return nil
}

func invalidTransition(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidTransition, err)
}
