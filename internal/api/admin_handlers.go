package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/pricewatch/ingestd/internal/ingestion"
	"github.com/pricewatch/ingestd/internal/models"
	"github.com/pricewatch/ingestd/internal/scheduler"
	"github.com/pricewatch/ingestd/internal/taskqueue"
)

// ChainTrigger dispatches every configured chain. *scheduler.Scheduler
// implements it.
type ChainTrigger interface {
	TriggerAll(ctx context.Context, source models.RunSource, targetDate string) *scheduler.TriggerSummary
}

// TaskReader looks up queued tasks.
type TaskReader interface {
	Get(ctx context.Context, taskID string) (*models.Task, error)
}

// AdminHandler handles admin-only operations
type AdminHandler struct {
	dispatcher Dispatcher
	trigger    ChainTrigger
	tasks      TaskReader
	chains     map[string]bool
	logger     *slog.Logger
}

// NewAdminHandler creates a new admin handler. When chains is empty any slug
// is accepted.
func NewAdminHandler(dispatcher Dispatcher, trigger ChainTrigger, tasks TaskReader, chains []string, logger *slog.Logger) *AdminHandler {
	known := make(map[string]bool, len(chains))
	for _, c := range chains {
		known[c] = true
	}
	return &AdminHandler{
		dispatcher: dispatcher,
		trigger:    trigger,
		tasks:      tasks,
		chains:     known,
		logger:     logger,
	}
}

// IngestRequest is the optional body of the ingest endpoints.
type IngestRequest struct {
	TargetDate string `json:"targetDate,omitempty"`
}

// IngestResponse acknowledges a manual trigger. RunID is set in direct mode,
// ID (the task id) in queue mode.
type IngestResponse struct {
	ID      string `json:"id,omitempty"`
	RunID   string `json:"runId,omitempty"`
	Status  string `json:"status"`
	PollURL string `json:"pollUrl,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// TriggerChain handles POST /internal/admin/ingest/{chainSlug}
func (h *AdminHandler) TriggerChain(w http.ResponseWriter, r *http.Request) {
	chain := r.PathValue("chainSlug")
	if len(h.chains) > 0 && !h.chains[chain] {
		writeError(w, h.logger, http.StatusNotFound, CodeNotFound, fmt.Sprintf("unknown chain %q", chain))
		return
	}

	var req IngestRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeFailure(w, h.logger, "failed to trigger ingestion", err)
		return
	}
	if err := ValidateTargetDate(req.TargetDate); err != nil {
		writeFailure(w, h.logger, "failed to trigger ingestion", err)
		return
	}

	h.logger.Info("Admin triggered chain ingestion", "chain", chain, "target_date", req.TargetDate)

	result, err := h.dispatcher.DispatchIngestion(context.WithoutCancel(r.Context()), chain, models.RunSourceManual, req.TargetDate)
	if err != nil {
		if result == nil || result.RunID == "" {
			writeFailure(w, h.logger, "failed to trigger ingestion", err)
			return
		}
		writeJSON(w, h.logger, http.StatusAccepted, IngestResponse{
			RunID:   result.RunID,
			Status:  string(models.StatusFailed),
			PollURL: runPollURL(result.RunID),
			Error:   err.Error(),
			Code:    dispatchFailureCode(err),
		})
		return
	}

	resp := IngestResponse{Status: "started"}
	if result.Mode == ingestion.ModeQueue {
		resp.ID = result.TaskID
		resp.PollURL = "/internal/tasks/" + result.TaskID
	} else {
		resp.RunID = result.RunID
		resp.PollURL = runPollURL(result.RunID)
	}
	writeJSON(w, h.logger, http.StatusAccepted, resp)
}

// TriggerAll handles POST /internal/admin/ingest
func (h *AdminHandler) TriggerAll(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeFailure(w, h.logger, "failed to trigger ingestion", err)
		return
	}
	if err := ValidateTargetDate(req.TargetDate); err != nil {
		writeFailure(w, h.logger, "failed to trigger ingestion", err)
		return
	}

	h.logger.Warn("Admin triggered ingestion of all chains", "target_date", req.TargetDate)

	summary := h.trigger.TriggerAll(context.WithoutCancel(r.Context()), models.RunSourceManual, req.TargetDate)
	writeJSON(w, h.logger, http.StatusAccepted, summary)
}

// GetTask handles GET /internal/tasks/{taskId}
func (h *AdminHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	if h.tasks == nil {
		writeError(w, h.logger, http.StatusNotFound, CodeNotFound, "task queue is not configured")
		return
	}

	task, err := h.tasks.Get(r.Context(), r.PathValue("taskId"))
	if err != nil {
		if errors.Is(err, taskqueue.ErrTaskNotFound) {
			writeError(w, h.logger, http.StatusNotFound, CodeNotFound, err.Error())
			return
		}
		writeFailure(w, h.logger, "failed to get task", err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, task)
}

func runPollURL(runID string) string {
	return "/internal/runs/" + runID
}
