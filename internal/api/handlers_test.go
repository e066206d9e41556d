package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricewatch/ingestd/internal/auth"
	"github.com/pricewatch/ingestd/internal/ingestion"
	"github.com/pricewatch/ingestd/internal/models"
	"github.com/pricewatch/ingestd/internal/remote"
	"github.com/pricewatch/ingestd/internal/scheduler"
	"github.com/pricewatch/ingestd/internal/taskqueue"
)

const testSecret = "internal-test-secret"

type fakeDispatcher struct {
	mu      sync.Mutex
	mode    ingestion.Mode
	tracker *ingestion.Tracker
	err     error
	reruns  []string
	chains  []string
}

func (f *fakeDispatcher) Mode() ingestion.Mode { return f.mode }

func (f *fakeDispatcher) DispatchIngestion(ctx context.Context, chainSlug string, source models.RunSource, targetDate string) (*ingestion.DispatchResult, error) {
	f.mu.Lock()
	f.chains = append(f.chains, chainSlug)
	f.mu.Unlock()

	if f.mode == ingestion.ModeQueue {
		if f.err != nil {
			return nil, f.err
		}
		return &ingestion.DispatchResult{Mode: ingestion.ModeQueue, TaskID: "task_1"}, nil
	}
	run, err := f.tracker.CreateRun(ctx, chainSlug, source)
	if err != nil {
		return nil, err
	}
	return &ingestion.DispatchResult{Mode: ingestion.ModeDirect, RunID: run.ID}, f.err
}

func (f *fakeDispatcher) DispatchRerun(ctx context.Context, runID string) (*ingestion.DispatchResult, error) {
	f.mu.Lock()
	f.reruns = append(f.reruns, runID)
	f.mu.Unlock()
	if f.err != nil {
		return &ingestion.DispatchResult{Mode: f.mode, RunID: runID}, f.err
	}
	return &ingestion.DispatchResult{Mode: f.mode, RunID: runID}, nil
}

type fakeTrigger struct {
	targetDate string
}

func (f *fakeTrigger) TriggerAll(ctx context.Context, source models.RunSource, targetDate string) *scheduler.TriggerSummary {
	f.targetDate = targetDate
	return &scheduler.TriggerSummary{
		Source:     source,
		TargetDate: targetDate,
		Dispatched: []scheduler.ChainDispatch{{Chain: "victory", RunID: "run_x"}},
		Failed:     []scheduler.ChainFailure{},
	}
}

type testAPI struct {
	handler    http.Handler
	tracker    *ingestion.Tracker
	dispatcher *fakeDispatcher
	trigger    *fakeTrigger
	queue      *taskqueue.MemoryQueue
}

func newTestAPI(t *testing.T, mode ingestion.Mode, opts ...func(*Dependencies)) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tracker := ingestion.NewTracker(ingestion.NewMemoryStore(), logger)
	verifier, err := auth.NewVerifier(auth.Config{Secret: testSecret})
	require.NoError(t, err)

	api := &testAPI{
		tracker:    tracker,
		dispatcher: &fakeDispatcher{mode: mode, tracker: tracker},
		trigger:    &fakeTrigger{},
		queue:      taskqueue.NewMemoryQueue(),
	}
	deps := Dependencies{
		Tracker:     tracker,
		Coordinator: ingestion.NewCoordinator(tracker, logger),
		Dispatcher:  api.dispatcher,
		Trigger:     api.trigger,
		Tasks:       api.queue,
		Verifier:    verifier,
		Chains:      []string{"rami-levy", "victory"},
		TokenSecret: testSecret,
		TokenTTL:    time.Hour,
		Logger:      logger,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	mux := http.NewServeMux()
	SetupRoutes(mux, deps)
	api.handler = mux
	return api
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(auth.HeaderSecret, testSecret)
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

// seedRun creates a run with one registered file of two chunks.
func (a *testAPI) seedRun(t *testing.T, chain string) (*models.Run, *models.File, []models.Chunk) {
	t.Helper()
	ctx := context.Background()
	run, err := a.tracker.CreateRun(ctx, chain, models.RunSourceScheduled)
	require.NoError(t, err)
	file, chunks, err := a.tracker.RegisterFile(ctx, run.ID, ingestion.FileSpec{Filename: "PriceFull.xml", EntryCount: 20, ChunkSize: 10})
	require.NoError(t, err)
	run, err = a.tracker.GetRun(ctx, run.ID)
	require.NoError(t, err)
	return run, file, chunks
}

func TestRoutesRequireCredentials(t *testing.T) {
	a := newTestAPI(t, ingestion.ModeDirect)

	req := httptest.NewRequest(http.MethodGet, "/internal/runs", nil)
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr = httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestListRunsEnvelope(t *testing.T) {
	a := newTestAPI(t, ingestion.ModeDirect)
	for i := 0; i < 3; i++ {
		_, err := a.tracker.CreateRun(context.Background(), "victory", models.RunSourceManual)
		require.NoError(t, err)
	}
	_, err := a.tracker.CreateRun(context.Background(), "rami-levy", models.RunSourceManual)
	require.NoError(t, err)

	rr := a.do(t, http.MethodGet, "/internal/runs?chainSlug=victory&pageSize=2&page=2", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	body := decode[struct {
		Runs       []models.Run `json:"runs"`
		Total      int          `json:"total"`
		Page       int          `json:"page"`
		PageSize   int          `json:"pageSize"`
		TotalPages int          `json:"totalPages"`
	}](t, rr)
	assert.Len(t, body.Runs, 1)
	assert.Equal(t, 3, body.Total)
	assert.Equal(t, 2, body.Page)
	assert.Equal(t, 2, body.PageSize)
	assert.Equal(t, 2, body.TotalPages)
}

func TestListRunsRejectsBadQuery(t *testing.T) {
	a := newTestAPI(t, ingestion.ModeDirect)

	tests := []struct {
		name  string
		query string
		field string
	}{
		{name: "status", query: "status=exploded", field: "status"},
		{name: "page", query: "page=0", field: "page"},
		{name: "page size", query: "pageSize=1000", field: "pageSize"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := a.do(t, http.MethodGet, "/internal/runs?"+tt.query, nil)
			require.Equal(t, http.StatusBadRequest, rr.Code)
			body := decode[ErrorResponse](t, rr)
			assert.Equal(t, CodeInvalidRequest, body.Code)
			assert.Equal(t, tt.field, body.Field)
		})
	}
}

func TestGetRun(t *testing.T) {
	a := newTestAPI(t, ingestion.ModeDirect)
	run, _, _ := a.seedRun(t, "victory")

	rr := a.do(t, http.MethodGet, "/internal/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[models.Run](t, rr)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, 1, got.TotalFiles)

	rr = a.do(t, http.MethodGet, "/internal/runs/run_missing", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, CodeNotFound, decode[ErrorResponse](t, rr).Code)
}

func TestListFilesAndChunks(t *testing.T) {
	a := newTestAPI(t, ingestion.ModeDirect)
	run, file, _ := a.seedRun(t, "victory")

	rr := a.do(t, http.MethodGet, "/internal/runs/"+run.ID+"/files", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	files := decode[struct {
		Files []models.File `json:"files"`
		Total int           `json:"total"`
	}](t, rr)
	require.Len(t, files.Files, 1)
	assert.Equal(t, file.ID, files.Files[0].ID)

	rr = a.do(t, http.MethodGet, "/internal/files/"+file.ID+"/chunks?status=pending", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	chunks := decode[struct {
		Chunks []models.Chunk `json:"chunks"`
		Total  int            `json:"total"`
	}](t, rr)
	assert.Equal(t, 2, chunks.Total)

	rr = a.do(t, http.MethodGet, "/internal/runs/run_missing/files", nil)
	require.Equal(t, http.StatusOK, rr.Code, "absent parent yields an empty page")
	assert.Equal(t, 0, decode[struct {
		Total int `json:"total"`
	}](t, rr).Total)
}

func TestRerunEndpoints(t *testing.T) {
	a := newTestAPI(t, ingestion.ModeDirect)
	run, file, chunks := a.seedRun(t, "victory")

	tests := []struct {
		name      string
		path      string
		rerunType *models.RerunType
		targetID  string
	}{
		{name: "run", path: "/internal/runs/" + run.ID + "/rerun", targetID: run.ID},
		{name: "file", path: "/internal/files/" + file.ID + "/rerun", rerunType: ptr(models.RerunTypeFile), targetID: file.ID},
		{name: "chunk", path: "/internal/chunks/" + chunks[1].ID + "/rerun", rerunType: ptr(models.RerunTypeChunk), targetID: chunks[1].ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := a.do(t, http.MethodPost, tt.path, nil)
			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
			resp := decode[RerunResponse](t, rr)
			assert.True(t, resp.Success)
			require.NotEmpty(t, resp.NewRunID)

			rerun, err := a.tracker.GetRun(context.Background(), resp.NewRunID)
			require.NoError(t, err)
			assert.Equal(t, run.ID, *rerun.ParentRunID)
			assert.Equal(t, tt.rerunType, rerun.RerunType)
			assert.Equal(t, tt.targetID, *rerun.RerunTargetID)
			assert.Contains(t, a.dispatcher.reruns, resp.NewRunID)
		})
	}

	rr := a.do(t, http.MethodGet, "/internal/runs/"+run.ID+"/reruns", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 3, decode[struct {
		Total int `json:"total"`
	}](t, rr).Total)

	rr = a.do(t, http.MethodPost, "/internal/chunks/chk_missing/rerun", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRerunDispatchFailureKeepsNewRun(t *testing.T) {
	a := newTestAPI(t, ingestion.ModeDirect)
	a.dispatcher.err = fmt.Errorf("launch: %w", remote.ErrServiceUnavailable)
	run, _, _ := a.seedRun(t, "victory")

	rr := a.do(t, http.MethodPost, "/internal/runs/"+run.ID+"/rerun", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[RerunResponse](t, rr)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.NewRunID)
	assert.Equal(t, CodeServiceUnavailable, resp.Code)
}

func TestDeleteRuns(t *testing.T) {
	a := newTestAPI(t, ingestion.ModeDirect)
	first, _, _ := a.seedRun(t, "victory")
	second, _, _ := a.seedRun(t, "victory")
	third, _, _ := a.seedRun(t, "victory")

	rr := a.do(t, http.MethodDelete, "/internal/runs/"+first.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, decode[DeleteResponse](t, rr).Deleted)

	rr = a.do(t, http.MethodDelete, "/internal/runs/"+first.ID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = a.do(t, http.MethodDelete, "/internal/runs", DeleteRunsRequest{RunIDs: []string{first.ID, second.ID, third.ID}})
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[DeleteResponse](t, rr)
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.Deleted)

	rr = a.do(t, http.MethodDelete, "/internal/runs", DeleteRunsRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = a.do(t, http.MethodDelete, "/internal/runs", DeleteRunsRequest{RunIDs: []string{"file_1", "legacy-42"}})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Zero(t, decode[DeleteResponse](t, rr).Deleted)

	fourth, _, _ := a.seedRun(t, "victory")
	rr = a.do(t, http.MethodDelete, "/internal/runs", DeleteRunsRequest{RunIDs: []string{"legacy-42", fourth.ID}})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, decode[DeleteResponse](t, rr).Deleted)
}

func TestUpdateRunStatus(t *testing.T) {
	a := newTestAPI(t, ingestion.ModeDirect)
	run, _, _ := a.seedRun(t, "victory")

	rr := a.do(t, http.MethodPatch, "/internal/runs/"+run.ID+"/status", StatusUpdateRequest{
		Status:            models.StatusFailed,
		ExpectedUpdatedAt: run.UpdatedAt.Add(-time.Minute),
	})
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, CodeConflict, decode[ErrorResponse](t, rr).Code)

	rr = a.do(t, http.MethodPatch, "/internal/runs/"+run.ID+"/status", StatusUpdateRequest{
		Status:            models.StatusFailed,
		ExpectedUpdatedAt: run.UpdatedAt,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, models.StatusFailed, decode[models.Run](t, rr).Status)

	rr = a.do(t, http.MethodPatch, "/internal/runs/"+run.ID+"/status", map[string]any{"status": "failed"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "expectedUpdatedAt", decode[ErrorResponse](t, rr).Field)
}

func TestListErrorsAndStats(t *testing.T) {
	a := newTestAPI(t, ingestion.ModeDirect)
	run, file, _ := a.seedRun(t, "victory")

	_, err := a.tracker.RecordError(context.Background(), models.IngestionError{
		RunID:        run.ID,
		FileID:       &file.ID,
		ErrorType:    string(models.ErrorTypeParsingFailed),
		ErrorMessage: "bad price",
		Severity:     models.SeverityWarning,
	})
	require.NoError(t, err)

	rr := a.do(t, http.MethodGet, "/internal/errors?fileId="+file.ID+"&severity=warning", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[struct {
		Errors []models.IngestionError `json:"errors"`
		Total  int                     `json:"total"`
	}](t, rr)
	require.Len(t, body.Errors, 1)
	assert.Equal(t, "bad price", body.Errors[0].ErrorMessage)

	rr = a.do(t, http.MethodGet, "/internal/errors?severity=fatal", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = a.do(t, http.MethodGet, "/internal/stats?timeRange=7d", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	stats := decode[models.Stats](t, rr)
	assert.Equal(t, models.TimeRange7d, stats.TimeRange)
	assert.Equal(t, 1, stats.TotalRuns)
	assert.Equal(t, 1, stats.TotalErrors)

	rr = a.do(t, http.MethodGet, "/internal/stats?timeRange=1y", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestProgressCallback(t *testing.T) {
	a := newTestAPI(t, ingestion.ModeDirect)
	run, err := a.tracker.CreateRun(context.Background(), "victory", models.RunSourceScheduled)
	require.NoError(t, err)
	path := "/internal/runs/" + run.ID + "/progress"

	rr := a.do(t, http.MethodPost, path, ingestion.ProgressEvent{
		Type: ingestion.EventFileDiscovered,
		File: &ingestion.FileSpec{Filename: "Stores.xml", EntryCount: 5, ChunkSize: 5},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decode[ingestion.ProgressResult](t, rr)
	require.Len(t, res.Chunks, 1)

	rr = a.do(t, http.MethodPost, path, ingestion.ProgressEvent{
		Type:    ingestion.EventChunkCompleted,
		ChunkID: res.Chunks[0].ID,
		Result:  &ingestion.ChunkResult{PersistedCount: 5},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = a.do(t, http.MethodPost, path, ingestion.ProgressEvent{Type: ingestion.EventRunCompleted})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, models.StatusCompleted, decode[ingestion.ProgressResult](t, rr).Run.Status)

	rr = a.do(t, http.MethodPost, path, ingestion.ProgressEvent{Type: ingestion.EventRunStarted})
	assert.Equal(t, http.StatusConflict, rr.Code, "terminal runs do not restart")

	rr = a.do(t, http.MethodPost, path, map[string]any{"type": "run_started", "surprise": true})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = a.do(t, http.MethodPost, "/internal/runs/run_missing/progress", ingestion.ProgressEvent{Type: ingestion.EventRunStarted})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestTriggerChain(t *testing.T) {
	t.Run("direct", func(t *testing.T) {
		a := newTestAPI(t, ingestion.ModeDirect)
		rr := a.do(t, http.MethodPost, "/internal/admin/ingest/victory", IngestRequest{TargetDate: "2026-10-13"})
		require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
		resp := decode[IngestResponse](t, rr)
		assert.Equal(t, "started", resp.Status)
		assert.NotEmpty(t, resp.RunID)
		assert.Empty(t, resp.ID)
		assert.Equal(t, "/internal/runs/"+resp.RunID, resp.PollURL)
	})

	t.Run("queue", func(t *testing.T) {
		a := newTestAPI(t, ingestion.ModeQueue)
		rr := a.do(t, http.MethodPost, "/internal/admin/ingest/victory", nil)
		require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
		resp := decode[IngestResponse](t, rr)
		assert.Equal(t, "task_1", resp.ID)
		assert.Empty(t, resp.RunID)
		assert.Equal(t, "/internal/tasks/task_1", resp.PollURL)
	})

	t.Run("launch failure", func(t *testing.T) {
		a := newTestAPI(t, ingestion.ModeDirect)
		a.dispatcher.err = &remote.StatusError{Method: http.MethodPost, Path: "/internal/ingestion/runs", StatusCode: http.StatusBadRequest}
		rr := a.do(t, http.MethodPost, "/internal/admin/ingest/victory", nil)
		require.Equal(t, http.StatusAccepted, rr.Code)
		resp := decode[IngestResponse](t, rr)
		assert.Equal(t, "failed", resp.Status)
		assert.NotEmpty(t, resp.RunID)
		assert.Equal(t, CodeRemoteError, resp.Code)
	})

	t.Run("unknown chain", func(t *testing.T) {
		a := newTestAPI(t, ingestion.ModeDirect)
		rr := a.do(t, http.MethodPost, "/internal/admin/ingest/carrefour", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Empty(t, a.dispatcher.chains)
	})

	t.Run("bad date", func(t *testing.T) {
		a := newTestAPI(t, ingestion.ModeDirect)
		rr := a.do(t, http.MethodPost, "/internal/admin/ingest/victory", IngestRequest{TargetDate: "13/10/2026"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestTriggerAll(t *testing.T) {
	a := newTestAPI(t, ingestion.ModeDirect)
	rr := a.do(t, http.MethodPost, "/internal/admin/ingest", IngestRequest{TargetDate: "2026-10-13"})
	require.Equal(t, http.StatusAccepted, rr.Code)
	summary := decode[scheduler.TriggerSummary](t, rr)
	assert.Equal(t, models.RunSourceManual, summary.Source)
	assert.Len(t, summary.Dispatched, 1)
	assert.Equal(t, "2026-10-13", a.trigger.targetDate)
}

func TestGetTask(t *testing.T) {
	a := newTestAPI(t, ingestion.ModeQueue)
	task, err := models.NewTask(models.RerunPayload{RunID: "run_1"})
	require.NoError(t, err)
	require.NoError(t, a.queue.Enqueue(context.Background(), task))

	rr := a.do(t, http.MethodGet, "/internal/tasks/"+task.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[models.Task](t, rr)
	assert.Equal(t, models.TaskStatusPending, got.Status)

	rr = a.do(t, http.MethodGet, "/internal/tasks/task_missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestIssueToken(t *testing.T) {
	a := newTestAPI(t, ingestion.ModeDirect)

	rr := a.do(t, http.MethodPost, "/internal/auth/token", TokenRequest{Subject: "ops@pricewatch", TTLSeconds: 60})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	token := decode[TokenResponse](t, rr).Token

	req := httptest.NewRequest(http.MethodGet, "/internal/runs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	out := httptest.NewRecorder()
	a.handler.ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code)

	rr = a.do(t, http.MethodPost, "/internal/auth/token", TokenRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealth(t *testing.T) {
	var unhealthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if unhealthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	client, err := remote.NewClient(remote.Config{
		BaseURL: srv.URL,
		APIKey:  "k",
		Retry:   remote.RetryPolicy{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	a := newTestAPI(t, ingestion.ModeDirect, func(d *Dependencies) { d.Remote = client })

	rr := a.do(t, http.MethodGet, "/internal/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[HealthResponse](t, rr)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "direct", resp.Mode)
	require.NotNil(t, resp.Breaker)
	assert.Equal(t, remote.BreakerClosed, resp.Breaker.State)

	unhealthy.Store(true)
	rr = a.do(t, http.MethodGet, "/internal/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp = decode[HealthResponse](t, rr)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "down", resp.Remote.Status)
}

func ptr[T any](v T) *T {
	return &v
}
