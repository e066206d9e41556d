package taskqueue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pricewatch/ingestd/internal/models"
)

// RunStore creates and loads runs. *ingestion.Tracker implements it.
type RunStore interface {
	CreateRun(ctx context.Context, chainSlug string, source models.RunSource) (*models.Run, error)
	GetRun(ctx context.Context, id string) (*models.Run, error)
}

// RunLauncher hands a pending run to the processing service.
// *ingestion.Dispatcher implements it.
type RunLauncher interface {
	Launch(ctx context.Context, run *models.Run, targetDate string) error
}

// IngestionHandler creates a run for the task's chain and launches it.
func IngestionHandler(runs RunStore, launcher RunLauncher, logger *slog.Logger) Handler {
	return HandlerFunc(func(ctx context.Context, task models.Task, payload models.TaskPayload) error {
		p, ok := payload.(models.IngestionPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T for ingestion task", payload)
		}

		source := p.Source
		if source == "" {
			source = models.RunSourceWorker
		}

		run, err := runs.CreateRun(ctx, p.ChainID, source)
		if err != nil {
			return fmt.Errorf("failed to create run for %s: %w", p.ChainID, err)
		}
		logger.Info("Created run from task", "task_id", task.ID, "run_id", run.ID, "chain", p.ChainID)

		return launcher.Launch(ctx, run, p.TargetDate)
	})
}

// RerunHandler launches the rerun run named by the task. A run that already
// left pending was launched by an earlier attempt and is left alone.
func RerunHandler(runs RunStore, launcher RunLauncher, logger *slog.Logger) Handler {
	return HandlerFunc(func(ctx context.Context, task models.Task, payload models.TaskPayload) error {
		p, ok := payload.(models.RerunPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T for rerun task", payload)
		}

		run, err := runs.GetRun(ctx, p.RunID)
		if err != nil {
			return fmt.Errorf("failed to load rerun %s: %w", p.RunID, err)
		}
		if run.Status != models.StatusPending {
			logger.Warn("Rerun already launched, skipping",
				"task_id", task.ID,
				"run_id", run.ID,
				"status", run.Status,
			)
			return nil
		}

		return launcher.Launch(ctx, run, "")
	})
}
