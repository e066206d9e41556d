package api

import (
	"log/slog"
	"net/http"

	"github.com/pricewatch/ingestd/internal/ingestion"
)

// ProgressHandler receives progress callbacks from the processing service.
type ProgressHandler struct {
	tracker *ingestion.Tracker
	logger  *slog.Logger
}

func NewProgressHandler(tracker *ingestion.Tracker, logger *slog.Logger) *ProgressHandler {
	return &ProgressHandler{
		tracker: tracker,
		logger:  logger,
	}
}

// ReportProgress handles POST /internal/runs/{runId}/progress
func (h *ProgressHandler) ReportProgress(w http.ResponseWriter, r *http.Request) {
	var ev ingestion.ProgressEvent
	if err := decodeBody(r, &ev, true); err != nil {
		writeFailure(w, h.logger, "failed to apply progress", err)
		return
	}
	if ev.Type == "" {
		writeFailure(w, h.logger, "failed to apply progress", ValidationError{Field: "type", Message: "event type is required"})
		return
	}

	runID := r.PathValue("runId")
	result, err := h.tracker.ApplyProgress(r.Context(), runID, ev)
	if err != nil {
		h.logger.Warn("progress event rejected", "run_id", runID, "event", ev.Type, "error", err)
		writeFailure(w, h.logger, "failed to apply progress", err)
		return
	}

	h.logger.Debug("progress event applied", "run_id", runID, "event", ev.Type)
	writeJSON(w, h.logger, http.StatusOK, result)
}
