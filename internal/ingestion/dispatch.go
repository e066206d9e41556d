package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pricewatch/ingestd/internal/models"
	"github.com/pricewatch/ingestd/internal/remote"
)

// Mode selects how runs reach the processing service.
type Mode string

const (
	// ModeDirect creates and launches runs inline.
	ModeDirect Mode = "direct"
	// ModeQueue enqueues tasks for the worker.
	ModeQueue Mode = "queue"
)

// ParseMode validates raw, defaulting to direct.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(raw)) {
	case "", ModeDirect:
		return ModeDirect, nil
	case ModeQueue:
		return ModeQueue, nil
	}
	return "", fmt.Errorf("unknown dispatch mode %q: must be direct or queue", raw)
}

// RemoteIngestor starts runs on the processing service. *remote.Client
// implements it.
type RemoteIngestor interface {
	StartRun(ctx context.Context, req remote.StartRunRequest) (*remote.StartRunResponse, error)
}

// Enqueuer accepts tasks for asynchronous processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, task models.Task) error
}

// DispatchResult identifies what a dispatch created: a run in direct mode, a
// task in queue mode.
type DispatchResult struct {
	Mode   Mode   `json:"mode"`
	RunID  string `json:"runId,omitempty"`
	TaskID string `json:"taskId,omitempty"`
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Mode Mode
	// CallbackBaseURL is this service's externally reachable URL. When set,
	// the processing service is told where to post progress.
	CallbackBaseURL string
}

// Dispatcher bridges the tracker, the processing service and the task queue.
type Dispatcher struct {
	mode        Mode
	callbackURL string
	tracker     *Tracker
	remote      RemoteIngestor
	queue       Enqueuer
	logger      *slog.Logger
}

// NewDispatcher creates a dispatcher. Direct mode needs a remote; queue mode
// needs a queue.
func NewDispatcher(cfg DispatcherConfig, tracker *Tracker, ingestor RemoteIngestor, queue Enqueuer, logger *slog.Logger) (*Dispatcher, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeDirect
	}
	if tracker == nil {
		return nil, errors.New("dispatcher requires a tracker")
	}
	if ingestor == nil {
		return nil, errors.New("dispatcher requires a processing service client")
	}
	if cfg.Mode == ModeQueue && queue == nil {
		return nil, errors.New("queue dispatch mode requires a task queue")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		mode:        cfg.Mode,
		callbackURL: strings.TrimRight(cfg.CallbackBaseURL, "/"),
		tracker:     tracker,
		remote:      ingestor,
		queue:       queue,
		logger:      logger,
	}, nil
}

// Mode reports the configured dispatch mode.
func (d *Dispatcher) Mode() Mode {
	return d.mode
}

// DispatchIngestion starts a fresh ingestion of one chain. In direct mode a
// failed launch returns both the created run and the error.
func (d *Dispatcher) DispatchIngestion(ctx context.Context, chainSlug string, source models.RunSource, targetDate string) (*DispatchResult, error) {
	if d.mode == ModeQueue {
		task, err := models.NewTask(models.IngestionPayload{
			ChainID:    chainSlug,
			TargetDate: targetDate,
			Source:     source,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		if err := d.queue.Enqueue(ctx, task); err != nil {
			return nil, fmt.Errorf("failed to enqueue ingestion for %s: %w", chainSlug, err)
		}
		d.logger.Info("ingestion enqueued", "task_id", task.ID, "chain", chainSlug, "source", source)
		return &DispatchResult{Mode: ModeQueue, TaskID: task.ID}, nil
	}

	if targetDate != "" {
		if err := (models.IngestionPayload{ChainID: chainSlug, TargetDate: targetDate}).Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
	}

	run, err := d.tracker.CreateRun(ctx, chainSlug, source)
	if err != nil {
		return nil, err
	}

	result := &DispatchResult{Mode: ModeDirect, RunID: run.ID}
	if err := d.Launch(ctx, run, targetDate); err != nil {
		return result, err
	}
	return result, nil
}

// DispatchRerun sends an already-created rerun run on its way.
func (d *Dispatcher) DispatchRerun(ctx context.Context, runID string) (*DispatchResult, error) {
	if d.mode == ModeQueue {
		task, err := models.NewTask(models.RerunPayload{RunID: runID})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		if err := d.queue.Enqueue(ctx, task); err != nil {
			return nil, fmt.Errorf("failed to enqueue rerun %s: %w", runID, err)
		}
		d.logger.Info("rerun enqueued", "task_id", task.ID, "run_id", runID)
		return &DispatchResult{Mode: ModeQueue, RunID: runID, TaskID: task.ID}, nil
	}

	run, err := d.tracker.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	result := &DispatchResult{Mode: ModeDirect, RunID: run.ID}
	if err := d.Launch(ctx, run, ""); err != nil {
		return result, err
	}
	return result, nil
}

// Launch hands run to the processing service. On failure it records a
// critical error, which fails the run, and returns the launch error.
func (d *Dispatcher) Launch(ctx context.Context, run *models.Run, targetDate string) error {
	if run.Status != models.StatusPending {
		return fmt.Errorf("%w: run %s is %s, only pending runs can be launched", ErrInvalidTransition, run.ID, run.Status)
	}

	req := remote.NewStartRunRequest(run, targetDate)
	if d.callbackURL != "" {
		req.CallbackURL = d.callbackURL + "/internal/runs/" + run.ID + "/progress"
	}

	if _, err := d.remote.StartRun(ctx, req); err != nil {
		errType := classifyLaunchError(err)
		d.logger.Error("failed to launch run",
			"run_id", run.ID,
			"chain", run.ChainSlug,
			"error_type", errType,
			"error", err,
		)

		// Bookkeeping must outlive a cancelled request.
		record := models.IngestionError{
			RunID:        run.ID,
			ErrorType:    string(errType),
			ErrorMessage: err.Error(),
			Severity:     models.SeverityCritical,
		}
		if _, recErr := d.tracker.RecordError(context.WithoutCancel(ctx), record); recErr != nil {
			d.logger.Error("failed to record launch failure", "run_id", run.ID, "error", recErr)
		}
		return fmt.Errorf("launch run %s: %w", run.ID, err)
	}

	d.logger.Info("run launched", "run_id", run.ID, "chain", run.ChainSlug, "rerun", run.IsRerun())
	return nil
}

func classifyLaunchError(err error) models.IngestionErrorType {
	switch {
	case errors.Is(err, remote.ErrServiceUnavailable):
		return models.ErrorTypeServiceUnavailable
	case remote.IsClientError(err):
		return models.ErrorTypeRemoteRejected
	default:
		return models.ErrorTypeDispatchFailed
	}
}
