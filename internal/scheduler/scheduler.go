// Package scheduler fires "ingest every chain" on a cron cadence or on
// demand.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/pricewatch/ingestd/internal/ingestion"
	"github.com/pricewatch/ingestd/internal/models"
)

// DefaultCron runs daily at 06:00 in the configured timezone.
const DefaultCron = "0 6 * * *"

// Dispatcher starts one chain's ingestion. *ingestion.Dispatcher implements it.
type Dispatcher interface {
	DispatchIngestion(ctx context.Context, chainSlug string, source models.RunSource, targetDate string) (*ingestion.DispatchResult, error)
}

// Observer receives per-chain trigger outcomes. *metrics.Collector
// implements it.
type Observer interface {
	ObserveTrigger(chain, outcome string)
}

// Config configures a Scheduler.
type Config struct {
	Cron        string
	Timezone    string
	Concurrency int
	RunOnStart  bool
}

// ChainDispatch is one successful per-chain dispatch.
type ChainDispatch struct {
	Chain  string `json:"chain"`
	RunID  string `json:"runId,omitempty"`
	TaskID string `json:"taskId,omitempty"`
}

// ChainFailure is one failed per-chain dispatch. RunID is set when a run was
// created but could not be launched.
type ChainFailure struct {
	Chain string `json:"chain"`
	RunID string `json:"runId,omitempty"`
	Error string `json:"error"`
}

// TriggerSummary reports the outcome of one TriggerAll.
type TriggerSummary struct {
	Source     models.RunSource `json:"source"`
	TargetDate string           `json:"targetDate,omitempty"`
	Dispatched []ChainDispatch  `json:"dispatched"`
	Failed     []ChainFailure   `json:"failed"`
}

// Scheduler triggers ingestion of every enabled chain.
type Scheduler struct {
	dispatcher  Dispatcher
	chains      []string
	logger      *slog.Logger
	observer    Observer
	concurrency int
	runOnStart  bool
	location    *time.Location
	schedule    cron.Schedule
	spec        string

	stopChan chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// Option configures optional Scheduler collaborators.
type Option func(*Scheduler)

// WithObserver reports trigger outcomes to o.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// New validates the cron expression and timezone.
func New(cfg Config, dispatcher Dispatcher, chains []string, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	if dispatcher == nil {
		return nil, errors.New("scheduler requires a dispatcher")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Cron == "" {
		cfg.Cron = DefaultCron
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	location := time.UTC
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
		}
		location = loc
	}

	schedule, err := cron.ParseStandard(cfg.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cfg.Cron, err)
	}

	s := &Scheduler{
		dispatcher:  dispatcher,
		chains:      append([]string(nil), chains...),
		logger:      logger,
		concurrency: cfg.Concurrency,
		runOnStart:  cfg.RunOnStart,
		location:    location,
		schedule:    schedule,
		spec:        cfg.Cron,
		stopChan:    make(chan struct{}),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Next returns the next fire time after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t.In(s.location))
}

// Start runs the cron loop until ctx is cancelled or Stop is called. A
// trigger still running when the next one fires is not overlapped.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(
		cron.WithLocation(s.location),
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(cron.Recover(cronLogger{s.logger}), cron.SkipIfStillRunning(cronLogger{s.logger})),
	)
	if _, err := c.AddFunc(s.spec, func() {
		s.trigger(ctx, models.RunSourceScheduled)
	}); err != nil {
		return fmt.Errorf("failed to schedule ingestion: %w", err)
	}

	s.logger.Info("Starting ingestion scheduler",
		"cron", s.spec,
		"timezone", s.location.String(),
		"chains", len(s.chains),
		"next_run", s.Next(s.now()),
	)
	c.Start()

	var initial sync.WaitGroup
	if s.runOnStart {
		initial.Add(1)
		go func() {
			defer initial.Done()
			s.trigger(ctx, models.RunSourceScheduled)
		}()
	}

	select {
	case <-ctx.Done():
		s.logger.Info("Ingestion scheduler stopping due to context cancellation")
	case <-s.stopChan:
		s.logger.Info("Ingestion scheduler stopped")
	}

	// Wait for running triggers to finish.
	<-c.Stop().Done()
	initial.Wait()
	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func (s *Scheduler) trigger(ctx context.Context, source models.RunSource) {
	summary := s.TriggerAll(ctx, source, "")
	s.logger.Info("Scheduled ingestion finished",
		"dispatched", len(summary.Dispatched),
		"failed", len(summary.Failed),
		"next_run", s.Next(s.now()),
	)
}

// TriggerAll dispatches every chain with bounded concurrency. A failing chain
// is logged and reported but never stops the others.
func (s *Scheduler) TriggerAll(ctx context.Context, source models.RunSource, targetDate string) *TriggerSummary {
	summary := &TriggerSummary{
		Source:     source,
		TargetDate: targetDate,
		Dispatched: []ChainDispatch{},
		Failed:     []ChainFailure{},
	}
	if len(s.chains) == 0 {
		s.logger.Warn("No chains configured, nothing to trigger")
		return summary
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.concurrency)

	for _, chain := range s.chains {
		g.Go(func() error {
			result, err := s.dispatcher.DispatchIngestion(ctx, chain, source, targetDate)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				failure := ChainFailure{Chain: chain, Error: err.Error()}
				if result != nil {
					failure.RunID = result.RunID
				}
				summary.Failed = append(summary.Failed, failure)
				s.logger.Error("Failed to trigger chain ingestion", "chain", chain, "run_id", failure.RunID, "error", err)
				s.observe(chain, "failed")
				return nil
			}

			summary.Dispatched = append(summary.Dispatched, ChainDispatch{
				Chain:  chain,
				RunID:  result.RunID,
				TaskID: result.TaskID,
			})
			s.logger.Info("Triggered chain ingestion", "chain", chain, "run_id", result.RunID, "task_id", result.TaskID)
			s.observe(chain, "dispatched")
			return nil
		})
	}
	_ = g.Wait()

	return summary
}

func (s *Scheduler) observe(chain, outcome string) {
	if s.observer != nil {
		s.observer.ObserveTrigger(chain, outcome)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
