package remote

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy defines how retries should be handled.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         bool
}

// DefaultRetryPolicy doubles from one second: 1s, 2s, 4s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
	}
}

// Backoff computes the delay before retry number attempt+1.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 2.0
	}

	// Exponential backoff: initialBackoff * (factor ^ attempt)
	backoff := float64(p.InitialBackoff) * math.Pow(factor, float64(attempt))
	if p.MaxBackoff > 0 && backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}

	duration := time.Duration(backoff)
	if p.Jitter {
		// +/-10% spread to prevent thundering herd
		duration += time.Duration(float64(duration) * 0.1 * (2*rand.Float64() - 1))
	}
	return duration
}

// sleepFunc waits for d or until ctx is done.
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retry runs fn until it succeeds, returns a non-retryable error, or the
// policy's retries are used up. fn receives the zero-based attempt number.
func retry(ctx context.Context, policy RetryPolicy, sleep sleepFunc, retryable func(error) bool, fn func(attempt int) error) error {
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}

		// Don't sleep after the last attempt
		if attempt == policy.MaxRetries {
			break
		}

		if err := sleep(ctx, policy.Backoff(attempt)); err != nil {
			return fmt.Errorf("retry cancelled: %w", errors.Join(err, lastErr))
		}
	}

	return fmt.Errorf("max retries exceeded (%d): %w", policy.MaxRetries, lastErr)
}
