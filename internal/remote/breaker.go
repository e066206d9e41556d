package remote

import (
	"sync"
	"time"
)

// BreakerState is the position of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

const (
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 30 * time.Second
)

// outcome classifies a finished call for the breaker.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	// outcomeIgnored releases a half-open probe without judging the service,
	// e.g. when the caller cancelled its own context.
	outcomeIgnored
)

// BreakerSnapshot is a point-in-time copy of the breaker state.
type BreakerSnapshot struct {
	Target          string       `json:"target"`
	State           BreakerState `json:"state"`
	FailureCount    int          `json:"failureCount"`
	LastFailureTime *time.Time   `json:"lastFailureTime,omitempty"`
}

// CircuitBreaker guards one remote target. A single instance must be shared by
// every caller of that target; all mutation happens under mu.
type CircuitBreaker struct {
	target    string
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  func(target string, state BreakerState)

	mu            sync.Mutex
	state         BreakerState
	failureCount  int
	lastFailure   time.Time
	probeInFlight bool
}

// NewCircuitBreaker creates a closed breaker for target.
func NewCircuitBreaker(target string, threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	return &CircuitBreaker{
		target:    target,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		state:     BreakerClosed,
	}
}

// OnStateChange registers a callback fired after every state change. It runs
// while the breaker lock is held and must not call back into the breaker.
func (b *CircuitBreaker) OnStateChange(fn func(target string, state BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Allow reports whether a call may proceed. Once the cooldown has elapsed on
// an open breaker, exactly one caller is admitted as the half-open probe;
// everybody else keeps failing fast until that probe reports back.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) < b.cooldown {
			return ErrServiceUnavailable
		}
		b.setState(BreakerHalfOpen)
		b.probeInFlight = true
		return nil
	case BreakerHalfOpen:
		if b.probeInFlight {
			return ErrServiceUnavailable
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

func (b *CircuitBreaker) record(o outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasProbe := b.state == BreakerHalfOpen
	b.probeInFlight = false

	switch o {
	case outcomeSuccess:
		b.failureCount = 0
		if b.state != BreakerClosed {
			b.setState(BreakerClosed)
		}
	case outcomeFailure:
		b.failureCount++
		b.lastFailure = b.now()
		if wasProbe || b.failureCount >= b.threshold {
			if b.state != BreakerOpen {
				b.setState(BreakerOpen)
			}
		}
	case outcomeIgnored:
	}
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *CircuitBreaker) RecordSuccess() { b.record(outcomeSuccess) }

// RecordFailure counts a failure and opens the breaker at the threshold, or
// immediately when the failing call was the half-open probe.
func (b *CircuitBreaker) RecordFailure() { b.record(outcomeFailure) }

// State returns the current state without admitting a probe.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker state.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := BreakerSnapshot{
		Target:       b.target,
		State:        b.state,
		FailureCount: b.failureCount,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		snap.LastFailureTime = &t
	}
	return snap
}

func (b *CircuitBreaker) setState(s BreakerState) {
	b.state = s
	if b.onChange != nil {
		b.onChange(b.target, s)
	}
}
