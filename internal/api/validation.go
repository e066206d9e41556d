package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pricewatch/ingestd/internal/ingestion"
	"github.com/pricewatch/ingestd/internal/models"
	"github.com/pricewatch/ingestd/internal/remote"
)

// Machine-readable error codes.
const (
	CodeNotFound           = "not_found"
	CodeInvalidRequest     = "invalid_request"
	CodeConflict           = "conflict"
	CodeServiceUnavailable = "service_unavailable"
	CodeRemoteError        = "remote_error"
	CodeDispatchFailed     = "dispatch_failed"
	CodeInternal           = "internal_error"
)

const maxBodyBytes = 1 << 20

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

// ListResponse is the pagination envelope. Items are keyed by kind, e.g.
// "runs" or "errors".
type ListResponse map[string]any

func newListResponse(kind string, items any, total int, page models.Page) ListResponse {
	page = page.Normalize()
	return ListResponse{
		kind:         items,
		"total":      total,
		"page":       page.Page,
		"pageSize":   page.PageSize,
		"totalPages": page.TotalPages(total),
	}
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, status int, code, message string) {
	writeJSON(w, logger, status, ErrorResponse{Error: message, Code: code})
}

// writeFailure maps err onto a status and code. Unexpected errors are logged
// and their text is not sent to the caller.
func writeFailure(w http.ResponseWriter, logger *slog.Logger, msg string, err error) {
	var verr ValidationError
	var serr *remote.StatusError

	switch {
	case errors.As(err, &verr):
		writeJSON(w, logger, http.StatusBadRequest, ErrorResponse{Error: verr.Message, Code: CodeInvalidRequest, Field: verr.Field})
	case errors.Is(err, ingestion.ErrNotFound):
		writeError(w, logger, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, ingestion.ErrInvalidInput):
		writeError(w, logger, http.StatusBadRequest, CodeInvalidRequest, err.Error())
	case errors.Is(err, ingestion.ErrConflict), errors.Is(err, ingestion.ErrInvalidTransition):
		writeError(w, logger, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, remote.ErrServiceUnavailable):
		writeError(w, logger, http.StatusServiceUnavailable, CodeServiceUnavailable, err.Error())
	case errors.As(err, &serr):
		writeError(w, logger, http.StatusBadGateway, CodeRemoteError, err.Error())
	default:
		logger.Error(msg, "error", err)
		writeError(w, logger, http.StatusInternalServerError, CodeInternal, msg)
	}
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched
// unless required is set.
func decodeBody(r *http.Request, v any, required bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && !required {
			return nil
		}
		return ValidationError{Field: "body", Message: fmt.Sprintf("invalid JSON body: %v", err)}
	}
	return nil
}

func parsePage(r *http.Request) (models.Page, error) {
	q := r.URL.Query()
	page := models.Page{}

	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return page, ValidationError{Field: "page", Message: "page must be a positive integer"}
		}
		page.Page = n
	}
	if raw := q.Get("pageSize"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > models.MaxPageSize {
			return page, ValidationError{Field: "pageSize", Message: fmt.Sprintf("pageSize must be between 1 and %d", models.MaxPageSize)}
		}
		page.PageSize = n
	}
	return page.Normalize(), nil
}

func parseRunStatus(raw string) (models.Status, error) {
	status := models.Status(raw)
	if raw != "" && !models.ValidRunStatus(status) {
		return "", ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", raw)}
	}
	return status, nil
}

func parseItemStatus(raw string) (models.Status, error) {
	status := models.Status(raw)
	if raw != "" && !models.ValidItemStatus(status) {
		return "", ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", raw)}
	}
	return status, nil
}

func parseSeverity(raw string) (models.Severity, error) {
	severity := models.Severity(raw)
	if raw != "" && !severity.Valid() {
		return "", ValidationError{Field: "severity", Message: fmt.Sprintf("unknown severity %q", raw)}
	}
	return severity, nil
}

// ValidateTargetDate accepts an empty date or YYYY-MM-DD.
func ValidateTargetDate(raw string) error {
	if raw == "" {
		return nil
	}
	if _, err := time.Parse(time.DateOnly, raw); err != nil {
		return ValidationError{Field: "targetDate", Message: "targetDate must be formatted YYYY-MM-DD"}
	}
	return nil
}

// ValidateStatusUpdate validates an operator status override.
func ValidateStatusUpdate(req StatusUpdateRequest) error {
	if req.Status == "" {
		return ValidationError{Field: "status", Message: "status is required"}
	}
	if !models.ValidRunStatus(req.Status) {
		return ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", req.Status)}
	}
	if req.ExpectedUpdatedAt.IsZero() {
		return ValidationError{Field: "expectedUpdatedAt", Message: "expectedUpdatedAt is required"}
	}
	return nil
}

// ValidateDeleteRuns validates a bulk delete request. Ids that match no run
// are not an error; they simply delete nothing.
func ValidateDeleteRuns(req DeleteRunsRequest) error {
	if len(req.RunIDs) == 0 {
		return ValidationError{Field: "runIds", Message: "at least one run id is required"}
	}
	if len(req.RunIDs) > models.MaxPageSize {
		return ValidationError{Field: "runIds", Message: fmt.Sprintf("at most %d run ids per request", models.MaxPageSize)}
	}
	return nil
}
