package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pricewatch/ingestd/internal/config"
	"github.com/pricewatch/ingestd/internal/database"
	"github.com/pricewatch/ingestd/internal/ingestion"
	"github.com/pricewatch/ingestd/internal/metrics"
	"github.com/pricewatch/ingestd/internal/models"
	"github.com/pricewatch/ingestd/internal/remote"
	"github.com/pricewatch/ingestd/internal/scheduler"
	"github.com/pricewatch/ingestd/internal/taskqueue"
)

// app holds the collaborators shared by every long-running command.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	db      *sql.DB
	metrics *metrics.Collector

	store       ingestion.Store
	queue       taskqueue.Queue
	remote      *remote.Client
	tracker     *ingestion.Tracker
	coordinator *ingestion.Coordinator
	dispatcher  *ingestion.Dispatcher
}

// openStorage connects the configured backend and applies migrations when
// allowed. The memory driver keeps state for the life of the process only.
func openStorage(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*sql.DB, ingestion.Store, taskqueue.Queue, error) {
	if cfg.Driver == "memory" {
		logger.Warn("Using in-memory storage, run history is lost on exit")
		return nil, ingestion.NewMemoryStore(), taskqueue.NewMemoryQueue(), nil
	}

	db, err := connectDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	if cfg.AutoMigrate {
		if err := database.RunMigrations(ctx, db, database.Migrations(), logger); err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return db, database.NewPostgresTrackerStore(db), database.NewPostgresTaskQueue(db), nil
}

func connectDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*sql.DB, error) {
	dbURL := cfg.URL
	if cfg.Instance != "" {
		socketURL, err := database.BuildSocketURL(database.SocketConfig{
			Instance: cfg.Instance,
			User:     cfg.User,
			Password: cfg.Password,
			Name:     cfg.Name,
		})
		if err != nil {
			return nil, err
		}
		dbURL = socketURL
		logger.Info("Connecting to database over unix socket", "instance", cfg.Instance)
	} else {
		if dbURL == "" {
			return nil, errors.New("DATABASE_URL or INSTANCE_CONNECTION_NAME must be set")
		}
		logger.Info("Connecting to database", "url", database.RedactURL(dbURL))
	}

	dbCfg := database.DefaultConfig()
	dbCfg.URL = dbURL
	dbCfg.MaxConnections = cfg.MaxConnections

	db, err := database.Connect(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("Database connection established")
	return db, nil
}

// newApp wires storage, the processing service client and the run
// lifecycle from cfg.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	if cfg.Remote.BaseURL == "" {
		return nil, errors.New("PROCESSING_SERVICE_URL must be set")
	}
	mode, err := ingestion.ParseMode(cfg.Dispatch.Mode)
	if err != nil {
		return nil, err
	}

	collector, err := metrics.NewCollector()
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}

	db, store, queue, err := openStorage(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	retry := remote.DefaultRetryPolicy()
	retry.MaxRetries = cfg.Remote.MaxRetries
	client, err := remote.NewClient(remote.Config{
		BaseURL:          cfg.Remote.BaseURL,
		APIKey:           cfg.Remote.APIKey,
		Timeout:          cfg.Remote.Timeout,
		Retry:            retry,
		BreakerThreshold: cfg.Remote.BreakerThreshold,
		BreakerCooldown:  cfg.Remote.BreakerCooldown,
	}, logger, remote.WithObserver(collector))
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("failed to create processing service client: %w", err)
	}

	tracker := ingestion.NewTracker(store, logger, ingestion.WithRunObserver(collector))
	dispatcher, err := ingestion.NewDispatcher(ingestion.DispatcherConfig{
		Mode:            mode,
		CallbackBaseURL: cfg.Dispatch.CallbackBaseURL,
	}, tracker, client, queue, logger)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	return &app{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		metrics:     collector,
		store:       store,
		queue:       queue,
		remote:      client,
		tracker:     tracker,
		coordinator: ingestion.NewCoordinator(tracker, logger),
		dispatcher:  dispatcher,
	}, nil
}

// newWorker builds a task queue worker with the ingestion and rerun handlers.
func (a *app) newWorker() (*taskqueue.Worker, error) {
	w, err := taskqueue.NewWorker(taskqueue.WorkerConfig{
		ID:           a.cfg.Worker.ID,
		BatchSize:    a.cfg.Worker.BatchSize,
		PollInterval: a.cfg.Worker.PollInterval,
		Concurrency:  a.cfg.Worker.Concurrency,
		LeaseTTL:     a.cfg.Worker.LeaseTTL,
		MaxAttempts:  a.cfg.Worker.MaxAttempts,
	}, a.queue, a.logger, taskqueue.WithTaskObserver(a.metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}

	if err := w.RegisterHandler(models.TaskTypeIngestion, taskqueue.IngestionHandler(a.tracker, a.dispatcher, a.logger)); err != nil {
		return nil, err
	}
	if err := w.RegisterHandler(models.TaskTypeRerun, taskqueue.RerunHandler(a.tracker, a.dispatcher, a.logger)); err != nil {
		return nil, err
	}
	return w, nil
}

// newScheduler builds the daily trigger over the enabled chains.
func (a *app) newScheduler() (*scheduler.Scheduler, error) {
	return scheduler.New(scheduler.Config{
		Cron:        a.cfg.Scheduler.Cron,
		Timezone:    a.cfg.Scheduler.Timezone,
		Concurrency: a.cfg.Scheduler.Concurrency,
		RunOnStart:  a.cfg.Scheduler.RunOnStart,
	}, a.dispatcher, config.EnabledChains(a.cfg.Chains), a.logger, scheduler.WithObserver(a.metrics))
}

func (a *app) Close() {
	if a.db == nil {
		return
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("Failed to close database", "error", err)
	}
}
