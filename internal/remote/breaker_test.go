package remote

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(threshold int, cooldown time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 10, 14, 6, 0, 0, 0, time.UTC)}
	b := NewCircuitBreaker("http://processing", threshold, cooldown)
	b.now = clock.Now
	return b, clock
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	b, clock := newTestBreaker(3, 30*time.Second)

	for i := 0; i < 2; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("call %d: expected closed breaker to allow, got %v", i, err)
		}
		b.RecordFailure()
	}
	if b.State() != BreakerClosed {
		t.Fatalf("expected closed below threshold, got %s", b.State())
	}

	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("expected open at threshold, got %s", b.State())
	}

	snap := b.Snapshot()
	if snap.FailureCount != 3 {
		t.Errorf("expected failure count 3, got %d", snap.FailureCount)
	}
	if snap.LastFailureTime == nil || !snap.LastFailureTime.Equal(clock.Now()) {
		t.Errorf("expected last failure time %v, got %v", clock.Now(), snap.LastFailureTime)
	}

	if err := b.Allow(); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable while open, got %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != BreakerClosed {
		t.Fatalf("failures are consecutive; expected closed, got %s", b.State())
	}
}

func TestCircuitBreaker_HalfOpenSingleProbe(t *testing.T) {
	b, clock := newTestBreaker(1, 30*time.Second)

	b.RecordFailure()
	clock.Advance(29 * time.Second)
	if err := b.Allow(); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected fail fast before cooldown, got %v", err)
	}

	clock.Advance(time.Second)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != 1 {
		t.Fatalf("expected exactly one probe admitted, got %d", got)
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}
}

func TestCircuitBreaker_ProbeSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(2, 10*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(10 * time.Second)

	if err := b.Allow(); err != nil {
		t.Fatalf("expected probe to be admitted, got %v", err)
	}
	b.RecordSuccess()

	snap := b.Snapshot()
	if snap.State != BreakerClosed || snap.FailureCount != 0 {
		t.Fatalf("expected closed with zero failures, got %+v", snap)
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("expected closed breaker to allow, got %v", err)
	}
}

func TestCircuitBreaker_ProbeFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(5, 10*time.Second)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	clock.Advance(10 * time.Second)

	if err := b.Allow(); err != nil {
		t.Fatalf("expected probe to be admitted, got %v", err)
	}
	b.RecordFailure()

	if b.State() != BreakerOpen {
		t.Fatalf("expected open after failed probe, got %s", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected new cooldown after failed probe, got %v", err)
	}
}

func TestCircuitBreaker_IgnoredReleasesProbe(t *testing.T) {
	b, clock := newTestBreaker(1, time.Second)

	b.RecordFailure()
	clock.Advance(time.Second)

	if err := b.Allow(); err != nil {
		t.Fatalf("expected probe, got %v", err)
	}
	b.record(outcomeIgnored)

	if b.State() != BreakerHalfOpen {
		t.Fatalf("ignored outcome must not judge the service, got %s", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("expected a new probe after release, got %v", err)
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	b, clock := newTestBreaker(1, time.Second)

	var states []BreakerState
	b.OnStateChange(func(target string, state BreakerState) {
		if target != "http://processing" {
			t.Errorf("unexpected target %q", target)
		}
		states = append(states, state)
	})

	b.RecordFailure()
	clock.Advance(time.Second)
	_ = b.Allow()
	b.RecordSuccess()

	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(states) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], states[i])
		}
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	b := NewCircuitBreaker("x", 0, 0)
	if b.threshold != DefaultBreakerThreshold {
		t.Errorf("expected default threshold %d, got %d", DefaultBreakerThreshold, b.threshold)
	}
	if b.cooldown != DefaultBreakerCooldown {
		t.Errorf("expected default cooldown %v, got %v", DefaultBreakerCooldown, b.cooldown)
	}
}
