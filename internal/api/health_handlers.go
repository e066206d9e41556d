package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/pricewatch/ingestd/internal/remote"
)

const healthCheckTimeout = 5 * time.Second

// Pinger checks the backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RemoteHealth reports on the processing service. *remote.Client implements it.
type RemoteHealth interface {
	Health(ctx context.Context) error
	Breaker() *remote.CircuitBreaker
}

// HealthHandler reports service health.
type HealthHandler struct {
	store     Pinger
	remote    RemoteHealth
	mode      string
	logger    *slog.Logger
	startTime time.Time
}

func NewHealthHandler(store Pinger, rh RemoteHealth, mode string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		store:     store,
		remote:    rh,
		mode:      mode,
		logger:    logger,
		startTime: time.Now(),
	}
}

// ComponentHealth is the state of one dependency.
type ComponentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthResponse is the body of GET /internal/health.
type HealthResponse struct {
	Status        string                  `json:"status"`
	Mode          string                  `json:"mode"`
	UptimeSeconds int64                   `json:"uptimeSeconds"`
	Database      ComponentHealth         `json:"database"`
	Remote        ComponentHealth         `json:"remote"`
	Breaker       *remote.BreakerSnapshot `json:"breaker,omitempty"`
}

// Liveness handles GET /healthz
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, map[string]string{"status": "ok"})
}

// Health handles GET /internal/health. A database outage is fatal; an
// unreachable processing service only degrades the service.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:        "ok",
		Mode:          h.mode,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Database:      ComponentHealth{Status: "ok"},
		Remote:        ComponentHealth{Status: "ok"},
	}
	code := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Error("database health check failed", "error", err)
		resp.Database = ComponentHealth{Status: "down", Error: err.Error()}
		resp.Status = "down"
		code = http.StatusServiceUnavailable
	}

	if h.remote != nil {
		snapshot := h.remote.Breaker().Snapshot()
		resp.Breaker = &snapshot
		if err := h.remote.Health(ctx); err != nil {
			h.logger.Warn("processing service health check failed", "error", err)
			resp.Remote = ComponentHealth{Status: "down", Error: err.Error()}
			if resp.Status == "ok" {
				resp.Status = "degraded"
			}
		}
	} else {
		resp.Remote = ComponentHealth{Status: "unconfigured"}
	}

	writeJSON(w, h.logger, code, resp)
}
