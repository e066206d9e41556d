package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/pricewatch/ingestd/internal/auth"
	"github.com/pricewatch/ingestd/internal/ingestion"
)

// Dependencies are the collaborators the routes are served from. Remote,
// Tasks and Metrics are optional.
type Dependencies struct {
	Tracker     *ingestion.Tracker
	Coordinator *ingestion.Coordinator
	Dispatcher  Dispatcher
	Trigger     ChainTrigger
	Tasks       TaskReader
	Remote      RemoteHealth
	Verifier    *auth.Verifier
	Metrics     http.Handler
	Chains      []string
	// TokenSecret enables POST /internal/auth/token.
	TokenSecret string
	TokenTTL    time.Duration
	Logger      *slog.Logger
}

// SetupRoutes configures all API routes
func SetupRoutes(mux *http.ServeMux, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	runHandler := NewRunHandler(deps.Tracker, deps.Coordinator, deps.Dispatcher, logger)
	errorHandler := NewIngestionErrorHandler(deps.Tracker, logger)
	progressHandler := NewProgressHandler(deps.Tracker, logger)
	adminHandler := NewAdminHandler(deps.Dispatcher, deps.Trigger, deps.Tasks, deps.Chains, logger)
	authHandler := NewAuthHandler(deps.TokenSecret, deps.TokenTTL, logger)
	healthHandler := NewHealthHandler(deps.Tracker, deps.Remote, string(deps.Dispatcher.Mode()), logger)

	// Auth middleware
	authMiddleware := auth.Middleware(deps.Verifier)
	protect := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authMiddleware(h))
	}

	// Public routes
	mux.HandleFunc("GET /healthz", healthHandler.Liveness)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	// Run hierarchy
	protect("GET /internal/runs", runHandler.ListRuns)
	protect("DELETE /internal/runs", runHandler.DeleteRuns)
	protect("GET /internal/runs/{runId}", runHandler.GetRun)
	protect("DELETE /internal/runs/{runId}", runHandler.DeleteRun)
	protect("PATCH /internal/runs/{runId}/status", runHandler.UpdateRunStatus)
	protect("GET /internal/runs/{runId}/reruns", runHandler.ListReruns)
	protect("GET /internal/runs/{runId}/files", runHandler.ListFiles)
	protect("GET /internal/files/{fileId}/chunks", runHandler.ListChunks)

	// Reruns
	protect("POST /internal/runs/{runId}/rerun", runHandler.RerunRun)
	protect("POST /internal/files/{fileId}/rerun", runHandler.RerunFile)
	protect("POST /internal/chunks/{chunkId}/rerun", runHandler.RerunChunk)

	// Errors and statistics
	protect("GET /internal/errors", errorHandler.ListErrors)
	protect("GET /internal/stats", errorHandler.GetStats)

	// Processing service callbacks
	protect("POST /internal/runs/{runId}/progress", progressHandler.ReportProgress)

	// Admin
	protect("POST /internal/admin/ingest", adminHandler.TriggerAll)
	protect("POST /internal/admin/ingest/{chainSlug}", adminHandler.TriggerChain)
	protect("GET /internal/tasks/{taskId}", adminHandler.GetTask)
	protect("POST /internal/auth/token", authHandler.IssueToken)

	protect("GET /internal/health", healthHandler.Health)
}
