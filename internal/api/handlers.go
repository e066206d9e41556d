package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pricewatch/ingestd/internal/ingestion"
	"github.com/pricewatch/ingestd/internal/models"
	"github.com/pricewatch/ingestd/internal/remote"
)

// Dispatcher sends runs to the processing service, directly or through the
// task queue. *ingestion.Dispatcher implements it.
type Dispatcher interface {
	Mode() ingestion.Mode
	DispatchIngestion(ctx context.Context, chainSlug string, source models.RunSource, targetDate string) (*ingestion.DispatchResult, error)
	DispatchRerun(ctx context.Context, runID string) (*ingestion.DispatchResult, error)
}

// RunHandler serves the run hierarchy and its operator actions.
type RunHandler struct {
	tracker     *ingestion.Tracker
	coordinator *ingestion.Coordinator
	dispatcher  Dispatcher
	logger      *slog.Logger
}

func NewRunHandler(tracker *ingestion.Tracker, coordinator *ingestion.Coordinator, dispatcher Dispatcher, logger *slog.Logger) *RunHandler {
	return &RunHandler{
		tracker:     tracker,
		coordinator: coordinator,
		dispatcher:  dispatcher,
		logger:      logger,
	}
}

// RerunResponse is returned by the rerun endpoints.
type RerunResponse struct {
	Success  bool   `json:"success"`
	NewRunID string `json:"newRunId,omitempty"`
	TaskID   string `json:"taskId,omitempty"`
	Message  string `json:"message"`
	Code     string `json:"code,omitempty"`
}

// DeleteRunsRequest is the body of a bulk delete.
type DeleteRunsRequest struct {
	RunIDs []string `json:"runIds"`
}

// DeleteResponse is returned by the delete endpoints.
type DeleteResponse struct {
	Success bool   `json:"success"`
	Deleted int    `json:"deleted"`
	Message string `json:"message"`
}

// StatusUpdateRequest is an operator status override.
type StatusUpdateRequest struct {
	Status            models.Status `json:"status"`
	ExpectedUpdatedAt time.Time     `json:"expectedUpdatedAt"`
}

// ListRuns handles GET /internal/runs?chainSlug=&status=&page=&pageSize=
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeFailure(w, h.logger, "failed to list runs", err)
		return
	}
	status, err := parseRunStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeFailure(w, h.logger, "failed to list runs", err)
		return
	}

	filter := models.RunFilter{
		ChainSlug: r.URL.Query().Get("chainSlug"),
		Status:    status,
	}
	runs, total, err := h.tracker.ListRuns(r.Context(), filter, page)
	if err != nil {
		writeFailure(w, h.logger, "failed to list runs", err)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, newListResponse("runs", runs, total, page))
}

// GetRun handles GET /internal/runs/{runId}
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.tracker.GetRun(r.Context(), r.PathValue("runId"))
	if err != nil {
		writeFailure(w, h.logger, "failed to get run", err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, run)
}

// ListReruns handles GET /internal/runs/{runId}/reruns
func (h *RunHandler) ListReruns(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeFailure(w, h.logger, "failed to list reruns", err)
		return
	}
	runs, total, err := h.tracker.ListReruns(r.Context(), r.PathValue("runId"), page)
	if err != nil {
		writeFailure(w, h.logger, "failed to list reruns", err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, newListResponse("runs", runs, total, page))
}

// ListFiles handles GET /internal/runs/{runId}/files?status=
func (h *RunHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeFailure(w, h.logger, "failed to list files", err)
		return
	}
	status, err := parseItemStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeFailure(w, h.logger, "failed to list files", err)
		return
	}

	files, total, err := h.tracker.ListFiles(r.Context(), r.PathValue("runId"), models.FileFilter{Status: status}, page)
	if err != nil {
		writeFailure(w, h.logger, "failed to list files", err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, newListResponse("files", files, total, page))
}

// ListChunks handles GET /internal/files/{fileId}/chunks?status=
func (h *RunHandler) ListChunks(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeFailure(w, h.logger, "failed to list chunks", err)
		return
	}
	status, err := parseItemStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeFailure(w, h.logger, "failed to list chunks", err)
		return
	}

	chunks, total, err := h.tracker.ListChunks(r.Context(), r.PathValue("fileId"), models.ChunkFilter{Status: status}, page)
	if err != nil {
		writeFailure(w, h.logger, "failed to list chunks", err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, newListResponse("chunks", chunks, total, page))
}

// RerunRun handles POST /internal/runs/{runId}/rerun
func (h *RunHandler) RerunRun(w http.ResponseWriter, r *http.Request) {
	h.rerun(w, r, "run", r.PathValue("runId"), h.coordinator.RerunRun)
}

// RerunFile handles POST /internal/files/{fileId}/rerun
func (h *RunHandler) RerunFile(w http.ResponseWriter, r *http.Request) {
	h.rerun(w, r, "file", r.PathValue("fileId"), h.coordinator.RerunFile)
}

// RerunChunk handles POST /internal/chunks/{chunkId}/rerun
func (h *RunHandler) RerunChunk(w http.ResponseWriter, r *http.Request) {
	h.rerun(w, r, "chunk", r.PathValue("chunkId"), h.coordinator.RerunChunk)
}

func (h *RunHandler) rerun(w http.ResponseWriter, r *http.Request, kind, targetID string, create func(context.Context, string) (*models.Run, error)) {
	ctx := r.Context()

	run, err := create(ctx, targetID)
	if err != nil {
		writeFailure(w, h.logger, "failed to create rerun", err)
		return
	}

	// The rerun row exists now; finish dispatching even if the caller leaves.
	result, err := h.dispatcher.DispatchRerun(context.WithoutCancel(ctx), run.ID)
	if err != nil {
		h.logger.Warn("rerun created but dispatch failed", "kind", kind, "target_id", targetID, "run_id", run.ID, "error", err)
		writeJSON(w, h.logger, http.StatusOK, RerunResponse{
			Success:  false,
			NewRunID: run.ID,
			Message:  fmt.Sprintf("rerun %s created but could not be dispatched: %v", run.ID, err),
			Code:     dispatchFailureCode(err),
		})
		return
	}

	h.logger.Info("rerun dispatched", "kind", kind, "target_id", targetID, "run_id", run.ID, "mode", result.Mode)
	writeJSON(w, h.logger, http.StatusOK, RerunResponse{
		Success:  true,
		NewRunID: run.ID,
		TaskID:   result.TaskID,
		Message:  fmt.Sprintf("%s rerun started", kind),
	})
}

// DeleteRun handles DELETE /internal/runs/{runId}
func (h *RunHandler) DeleteRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if err := h.tracker.DeleteRun(r.Context(), runID); err != nil {
		writeFailure(w, h.logger, "failed to delete run", err)
		return
	}

	h.logger.Info("deleted run", "run_id", runID)
	writeJSON(w, h.logger, http.StatusOK, DeleteResponse{
		Success: true,
		Deleted: 1,
		Message: fmt.Sprintf("run %s deleted", runID),
	})
}

// DeleteRuns handles DELETE /internal/runs with body {runIds}
func (h *RunHandler) DeleteRuns(w http.ResponseWriter, r *http.Request) {
	var req DeleteRunsRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeFailure(w, h.logger, "failed to delete runs", err)
		return
	}
	if err := ValidateDeleteRuns(req); err != nil {
		writeFailure(w, h.logger, "failed to delete runs", err)
		return
	}

	deleted, err := h.tracker.DeleteRuns(r.Context(), req.RunIDs)
	if err != nil {
		writeFailure(w, h.logger, "failed to delete runs", err)
		return
	}

	h.logger.Info("deleted runs", "requested", len(req.RunIDs), "deleted", deleted)
	writeJSON(w, h.logger, http.StatusOK, DeleteResponse{
		Success: true,
		Deleted: deleted,
		Message: fmt.Sprintf("%d of %d runs deleted", deleted, len(req.RunIDs)),
	})
}

// UpdateRunStatus handles PATCH /internal/runs/{runId}/status
func (h *RunHandler) UpdateRunStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusUpdateRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeFailure(w, h.logger, "failed to update run status", err)
		return
	}
	if err := ValidateStatusUpdate(req); err != nil {
		writeFailure(w, h.logger, "failed to update run status", err)
		return
	}

	run, err := h.tracker.UpdateRunStatus(r.Context(), r.PathValue("runId"), req.Status, req.ExpectedUpdatedAt)
	if err != nil {
		writeFailure(w, h.logger, "failed to update run status", err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, run)
}

// dispatchFailureCode classifies a run that was created but could not be
// handed to the processing service. The response itself still succeeds, the
// run exists and carries the failure.
func dispatchFailureCode(err error) string {
	var serr *remote.StatusError
	switch {
	case errors.Is(err, remote.ErrServiceUnavailable):
		return CodeServiceUnavailable
	case errors.As(err, &serr):
		return CodeRemoteError
	default:
		return CodeDispatchFailed
	}
}
