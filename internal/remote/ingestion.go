package remote

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pricewatch/ingestd/internal/models"
)

const (
	startRunPath = "/internal/ingestion/runs"
	healthPath   = "/health"

	healthTimeout = 5 * time.Second
)

// StartRunRequest asks the processing service to ingest one chain under an
// already-created run. Rerun fields are empty for original runs.
type StartRunRequest struct {
	RunID         string            `json:"runId"`
	ChainSlug     string            `json:"chainSlug"`
	Source        models.RunSource  `json:"source"`
	TargetDate    string            `json:"targetDate,omitempty"`
	ParentRunID   *string           `json:"parentRunId,omitempty"`
	RerunType     *models.RerunType `json:"rerunType,omitempty"`
	RerunTargetID *string           `json:"rerunTargetId,omitempty"`
	CallbackURL   string            `json:"callbackUrl,omitempty"`
}

// StartRunResponse is the service acknowledgement.
type StartRunResponse struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

// NewStartRunRequest copies identity and lineage from run.
func NewStartRunRequest(run *models.Run, targetDate string) StartRunRequest {
	return StartRunRequest{
		RunID:         run.ID,
		ChainSlug:     run.ChainSlug,
		Source:        run.Source,
		TargetDate:    targetDate,
		ParentRunID:   run.ParentRunID,
		RerunType:     run.RerunType,
		RerunTargetID: run.RerunTargetID,
	}
}

// StartRun hands a run to the processing service. Starting a run is not
// idempotent on the service side, so it is attempted once.
func (c *Client) StartRun(ctx context.Context, req StartRunRequest) (*StartRunResponse, error) {
	if req.RunID == "" || req.ChainSlug == "" {
		return nil, fmt.Errorf("start run: runId and chainSlug are required")
	}

	resp, err := c.Call(ctx, startRunPath, http.MethodPost, req, 0)
	if err != nil {
		return nil, fmt.Errorf("start run %s: %w", req.RunID, err)
	}

	var out StartRunResponse
	if len(resp.Body) > 0 {
		if err := resp.Decode(&out); err != nil {
			return nil, fmt.Errorf("start run %s: %w", req.RunID, err)
		}
	}
	if out.RunID == "" {
		out.RunID = req.RunID
	}
	return &out, nil
}

// Health probes the processing service.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.CallWithRetry(ctx, healthPath, http.MethodGet, nil, RetryOptions{
		MaxRetries:        Retries(1),
		TimeoutPerAttempt: healthTimeout,
	})
	if err != nil {
		return fmt.Errorf("processing service health: %w", err)
	}
	return nil
}
