package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrServiceUnavailable is returned without touching the network while the
// circuit breaker is open.
var ErrServiceUnavailable = errors.New("processing service unavailable: circuit breaker open")

// StatusError is returned for any non-2xx response. Body holds the raw error
// payload sent by the service.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
	RequestID  string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Transient reports whether the status signals a server-side problem worth
// retrying.
func (e *StatusError) Transient() bool {
	return e.StatusCode >= http.StatusInternalServerError
}

// TransportError wraps connection failures and per-attempt timeouts.
type TransportError struct {
	Method  string
	Path    string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s %s: timed out: %v", e.Method, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying: timeouts, connection
// errors and 5xx responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}

	return false
}

// IsClientError reports whether err is a 4xx response from the service.
func IsClientError(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 400 && statusErr.StatusCode < 500
	}
	return false
}

// StatusCode extracts the HTTP status from err, or 0 when there is none.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}
