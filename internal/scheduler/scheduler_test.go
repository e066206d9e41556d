package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricewatch/ingestd/internal/ingestion"
	"github.com/pricewatch/ingestd/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   []string
	sources []models.RunSource
	fail    map[string]bool
	delay   time.Duration

	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeDispatcher) DispatchIngestion(ctx context.Context, chainSlug string, source models.RunSource, targetDate string) (*ingestion.DispatchResult, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.calls = append(f.calls, chainSlug)
	f.sources = append(f.sources, source)
	f.mu.Unlock()

	result := &ingestion.DispatchResult{Mode: ingestion.ModeDirect, RunID: "run-" + chainSlug}
	if f.fail[chainSlug] {
		return result, errors.New("processing service unavailable")
	}
	return result, nil
}

func (f *fakeDispatcher) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.calls...)
	sort.Strings(out)
	return out
}

type triggerRecorder struct {
	mu       sync.Mutex
	outcomes map[string]string
}

func (r *triggerRecorder) ObserveTrigger(chain, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = map[string]string{}
	}
	r.outcomes[chain] = outcome
}

func TestNewValidatesConfig(t *testing.T) {
	d := &fakeDispatcher{}

	_, err := New(Config{}, nil, nil, discardLogger())
	require.Error(t, err)

	_, err = New(Config{Cron: "every day"}, d, nil, discardLogger())
	require.Error(t, err)

	_, err = New(Config{Timezone: "Mars/Olympus"}, d, nil, discardLogger())
	require.Error(t, err)

	s, err := New(Config{}, d, nil, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, DefaultCron, s.spec)
	assert.Equal(t, 4, s.concurrency)
}

func TestNextHonoursTimezone(t *testing.T) {
	s, err := New(Config{Cron: "0 6 * * *", Timezone: "Asia/Jerusalem"}, &fakeDispatcher{}, nil, discardLogger())
	require.NoError(t, err)

	loc, err := time.LoadLocation("Asia/Jerusalem")
	require.NoError(t, err)

	from := time.Date(2026, 3, 1, 7, 0, 0, 0, loc)
	next := s.Next(from)
	assert.Equal(t, time.Date(2026, 3, 2, 6, 0, 0, 0, loc), next.In(loc))
}

func TestTriggerAllCollectsFailures(t *testing.T) {
	d := &fakeDispatcher{fail: map[string]bool{"shufersal": true}}
	rec := &triggerRecorder{}
	s, err := New(Config{Concurrency: 2}, d, []string{"rami-levy", "shufersal", "victory"}, discardLogger(), WithObserver(rec))
	require.NoError(t, err)

	summary := s.TriggerAll(context.Background(), models.RunSourceManual, "2026-10-01")

	assert.Equal(t, []string{"rami-levy", "shufersal", "victory"}, d.called())
	assert.Equal(t, models.RunSourceManual, summary.Source)
	assert.Equal(t, "2026-10-01", summary.TargetDate)
	assert.Len(t, summary.Dispatched, 2)
	require.Len(t, summary.Failed, 1)
	assert.Equal(t, "shufersal", summary.Failed[0].Chain)
	assert.Equal(t, "run-shufersal", summary.Failed[0].RunID)
	assert.Contains(t, summary.Failed[0].Error, "unavailable")

	assert.Equal(t, map[string]string{
		"rami-levy": "dispatched",
		"shufersal": "failed",
		"victory":   "dispatched",
	}, rec.outcomes)
}

func TestTriggerAllBoundsConcurrency(t *testing.T) {
	d := &fakeDispatcher{delay: 20 * time.Millisecond}
	chains := []string{"a", "b", "c", "d", "e", "f"}
	s, err := New(Config{Concurrency: 2}, d, chains, discardLogger())
	require.NoError(t, err)

	summary := s.TriggerAll(context.Background(), models.RunSourceScheduled, "")
	assert.Len(t, summary.Dispatched, len(chains))
	assert.LessOrEqual(t, d.peak.Load(), int32(2))
}

func TestTriggerAllWithoutChains(t *testing.T) {
	d := &fakeDispatcher{}
	s, err := New(Config{}, d, nil, discardLogger())
	require.NoError(t, err)

	summary := s.TriggerAll(context.Background(), models.RunSourceManual, "")
	assert.Empty(t, summary.Dispatched)
	assert.Empty(t, summary.Failed)
	assert.Empty(t, d.called())
}

func TestStartRunsOnStartAndStops(t *testing.T) {
	d := &fakeDispatcher{}
	s, err := New(Config{RunOnStart: true}, d, []string{"yohananof"}, discardLogger())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()

	require.Eventually(t, func() bool { return len(d.called()) == 1 }, time.Second, 5*time.Millisecond)
	d.mu.Lock()
	assert.Equal(t, models.RunSourceScheduled, d.sources[0])
	d.mu.Unlock()

	s.Stop()
	s.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestStartStopsOnContextCancel(t *testing.T) {
	s, err := New(Config{}, &fakeDispatcher{}, []string{"victory"}, discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
