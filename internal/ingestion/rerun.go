package ingestion

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pricewatch/ingestd/internal/models"
)

// Coordinator creates reruns. Every rerun is a new pending Run whose lineage
// fields name the scope being repeated; the original records are never
// touched. Dispatching the new run is left to the caller.
type Coordinator struct {
	tracker *Tracker
	logger  *slog.Logger
}

// NewCoordinator creates a rerun coordinator over the tracker's store.
func NewCoordinator(tracker *Tracker, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{tracker: tracker, logger: logger}
}

// RerunRun repeats a whole run.
func (c *Coordinator) RerunRun(ctx context.Context, runID string) (*models.Run, error) {
	return c.rerun(ctx, nil, runID, func(tx Tx) (*models.Run, error) {
		return tx.GetRun(ctx, runID)
	})
}

// RerunFile repeats one file of a run.
func (c *Coordinator) RerunFile(ctx context.Context, fileID string) (*models.Run, error) {
	rerunType := models.RerunTypeFile
	return c.rerun(ctx, &rerunType, fileID, func(tx Tx) (*models.Run, error) {
		file, err := tx.GetFile(ctx, fileID)
		if err != nil {
			return nil, fmt.Errorf("file %s: %w", fileID, err)
		}
		return tx.GetRun(ctx, file.RunID)
	})
}

// RerunChunk repeats one chunk of a file.
func (c *Coordinator) RerunChunk(ctx context.Context, chunkID string) (*models.Run, error) {
	rerunType := models.RerunTypeChunk
	return c.rerun(ctx, &rerunType, chunkID, func(tx Tx) (*models.Run, error) {
		chunk, err := tx.GetChunk(ctx, chunkID)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", chunkID, err)
		}
		file, err := tx.GetFile(ctx, chunk.FileID)
		if err != nil {
			return nil, fmt.Errorf("file %s: %w", chunk.FileID, err)
		}
		return tx.GetRun(ctx, file.RunID)
	})
}

// rerun resolves the owning run and inserts the new run in one transaction,
// so a lookup miss writes nothing.
func (c *Coordinator) rerun(ctx context.Context, rerunType *models.RerunType, targetID string, owner func(tx Tx) (*models.Run, error)) (*models.Run, error) {
	if targetID == "" {
		return nil, fmt.Errorf("%w: rerun target id is required", ErrInvalidInput)
	}

	var created *models.Run
	err := c.tracker.store.Atomically(ctx, func(tx Tx) error {
		parent, err := owner(tx)
		if err != nil {
			return err
		}

		now := c.tracker.now()
		parentID := parent.ID
		target := targetID
		created = &models.Run{
			ID:            models.NewID(models.PrefixRun),
			ChainSlug:     parent.ChainSlug,
			Source:        models.RunSourceWorker,
			Status:        models.StatusPending,
			ParentRunID:   &parentID,
			RerunType:     rerunType,
			RerunTargetID: &target,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return tx.InsertRun(ctx, created)
	})
	if err != nil {
		return nil, fmt.Errorf("rerun %s: %w", targetID, err)
	}

	scope := "run"
	if rerunType != nil {
		scope = string(*rerunType)
	}
	c.logger.Info("rerun created",
		"run_id", created.ID,
		"parent_run_id", *created.ParentRunID,
		"scope", scope,
		"target_id", targetID,
	)
	return created, nil
}
