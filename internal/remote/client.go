// Package remote is the single point of outbound HTTP calls to the processing
// service. Every call passes through a shared circuit breaker, carries a trace
// id and runs under a hard timeout.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderAPIKey    = "X-API-Key"
	HeaderRequestID = "X-Request-ID"

	DefaultTimeout = 30 * time.Second

	maxBodyBytes = 4 << 20
)

// Config holds processing service connection settings.
type Config struct {
	BaseURL          string
	APIKey           string
	Timeout          time.Duration
	Retry            RetryPolicy
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Observer receives per-call telemetry. metrics.Collector implements it.
type Observer interface {
	ObserveRemoteCall(method, path, outcome string, duration time.Duration)
	SetBreakerState(target string, state string)
}

// Response is a successful (2xx) reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	RequestID  string
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return errors.New("empty response body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// RetryOptions tunes CallWithRetry. A nil MaxRetries or a zero timeout falls
// back to the client defaults; Retries(0) makes exactly one attempt.
type RetryOptions struct {
	MaxRetries        *int
	TimeoutPerAttempt time.Duration
}

// Retries returns n for RetryOptions.MaxRetries.
func Retries(n int) *int {
	return &n
}

// Client calls the processing service.
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	retry      RetryPolicy
	httpClient *http.Client
	breaker    *CircuitBreaker
	observer   Observer
	logger     *slog.Logger

	newRequestID func() string
	sleep        sleepFunc
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBreaker shares an existing breaker, so several clients of the same
// target trip together.
func WithBreaker(b *CircuitBreaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithObserver attaches call telemetry.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// NewClient creates a client for cfg.BaseURL.
func NewClient(cfg Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("processing service base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.InitialBackoff <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		timeout:      cfg.Timeout,
		retry:        cfg.Retry,
		httpClient:   &http.Client{},
		logger:       logger,
		newRequestID: func() string { return uuid.New().String() },
		sleep:        sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.breaker == nil {
		c.breaker = NewCircuitBreaker(c.baseURL, cfg.BreakerThreshold, cfg.BreakerCooldown)
	}
	if c.observer != nil {
		observer := c.observer
		c.breaker.OnStateChange(func(target string, state BreakerState) {
			observer.SetBreakerState(target, string(state))
		})
		observer.SetBreakerState(c.baseURL, string(c.breaker.State()))
	}

	return c, nil
}

// Breaker exposes the shared breaker, e.g. for health reporting.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// Call performs a single attempt. Use it for non-idempotent operations.
// A zero timeout uses the client default.
func (c *Client) Call(ctx context.Context, path, method string, body any, timeout time.Duration) (*Response, error) {
	payload, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.timeout
	}
	return c.do(ctx, path, method, payload, timeout)
}

// CallWithRetry performs up to 1+MaxRetries attempts with exponential backoff.
// Only timeouts, connection errors and 5xx responses are retried; a 4xx or an
// open breaker returns immediately.
func (c *Client) CallWithRetry(ctx context.Context, path, method string, body any, opts RetryOptions) (*Response, error) {
	payload, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	policy := c.retry
	if opts.MaxRetries != nil {
		policy.MaxRetries = max(*opts.MaxRetries, 0)
	}
	timeout := opts.TimeoutPerAttempt
	if timeout <= 0 {
		timeout = c.timeout
	}

	var resp *Response
	err = retry(ctx, policy, c.sleep, IsTransient, func(attempt int) error {
		r, callErr := c.do(ctx, path, method, payload, timeout)
		if callErr != nil {
			if IsTransient(callErr) && attempt < policy.MaxRetries {
				c.logger.Warn("processing service call failed, retrying",
					"method", method,
					"path", path,
					"attempt", attempt+1,
					"max_attempts", policy.MaxRetries+1,
					"backoff", policy.Backoff(attempt),
					"error", callErr,
				)
			}
			return callErr
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, path, method string, payload []byte, timeout time.Duration) (*Response, error) {
	start := time.Now()

	if err := c.breaker.Allow(); err != nil {
		c.observe(method, path, "breaker_open", start)
		return nil, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(attemptCtx, method, c.baseURL+path, reader)
	if err != nil {
		c.breaker.record(outcomeIgnored)
		return nil, fmt.Errorf("build request: %w", err)
	}

	requestID := c.newRequestID()
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderRequestID, requestID)
	if c.apiKey != "" {
		req.Header.Set(HeaderAPIKey, c.apiKey)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportFailure(ctx, method, path, requestID, start, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, c.transportFailure(ctx, method, path, requestID, start, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		c.breaker.RecordFailure()
		c.observe(method, path, "server_error", start)
		return nil, &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(data), RequestID: requestID}
	}

	// Any reply below 500 proves the service is reachable.
	c.breaker.RecordSuccess()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.observe(method, path, "client_error", start)
		return nil, &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(data), RequestID: requestID}
	}

	c.observe(method, path, "success", start)
	c.logger.Debug("processing service call completed",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"request_id", requestID,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		RequestID:  requestID,
	}, nil
}

// transportFailure classifies a failed round trip. A cancelled caller context
// is the caller's decision and does not count against the service.
func (c *Client) transportFailure(ctx context.Context, method, path, requestID string, start time.Time, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		c.breaker.record(outcomeIgnored)
		c.observe(method, path, "cancelled", start)
		return fmt.Errorf("%s %s: %w", method, path, ctxErr)
	}

	timeout := errors.Is(err, context.DeadlineExceeded)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		timeout = true
	}

	c.breaker.RecordFailure()
	if timeout {
		c.observe(method, path, "timeout", start)
	} else {
		c.observe(method, path, "transport_error", start)
	}

	c.logger.Debug("processing service call failed",
		"method", method,
		"path", path,
		"request_id", requestID,
		"timeout", timeout,
		"error", err,
	)

	return &TransportError{Method: method, Path: path, Timeout: timeout, Err: err}
}

func (c *Client) observe(method, path, outcome string, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveRemoteCall(method, path, outcome, time.Since(start))
	}
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		return data, nil
	}
}
