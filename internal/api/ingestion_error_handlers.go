package api

import (
	"log/slog"
	"net/http"

	"github.com/pricewatch/ingestd/internal/ingestion"
	"github.com/pricewatch/ingestd/internal/models"
)

type IngestionErrorHandler struct {
	tracker *ingestion.Tracker
	logger  *slog.Logger
}

func NewIngestionErrorHandler(tracker *ingestion.Tracker, logger *slog.Logger) *IngestionErrorHandler {
	return &IngestionErrorHandler{
		tracker: tracker,
		logger:  logger,
	}
}

// ListErrors returns ingestion errors with optional filtering
// GET /internal/errors?runId=|fileId=|chunkId=&severity=&errorType=
func (h *IngestionErrorHandler) ListErrors(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeFailure(w, h.logger, "failed to list ingestion errors", err)
		return
	}

	q := r.URL.Query()
	severity, err := parseSeverity(q.Get("severity"))
	if err != nil {
		writeFailure(w, h.logger, "failed to list ingestion errors", err)
		return
	}

	filter := models.ErrorFilter{
		RunID:     q.Get("runId"),
		FileID:    q.Get("fileId"),
		ChunkID:   q.Get("chunkId"),
		Severity:  severity,
		ErrorType: q.Get("errorType"),
	}
	errs, total, err := h.tracker.ListErrors(r.Context(), filter, page)
	if err != nil {
		writeFailure(w, h.logger, "failed to list ingestion errors", err)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, newListResponse("errors", errs, total, page))
}

// GetStats returns aggregate ingestion activity
// GET /internal/stats?timeRange=24h|7d|30d
func (h *IngestionErrorHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	tr, err := models.ParseTimeRange(r.URL.Query().Get("timeRange"))
	if err != nil {
		writeFailure(w, h.logger, "failed to get stats", ValidationError{Field: "timeRange", Message: err.Error()})
		return
	}

	stats, err := h.tracker.GetStats(r.Context(), tr)
	if err != nil {
		writeFailure(w, h.logger, "failed to get stats", err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, stats)
}
