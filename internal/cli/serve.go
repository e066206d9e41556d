package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pricewatch/ingestd/internal/api"
	"github.com/pricewatch/ingestd/internal/auth"
	"github.com/pricewatch/ingestd/internal/config"
	"github.com/pricewatch/ingestd/internal/ingestion"
	"github.com/pricewatch/ingestd/internal/scheduler"
	"github.com/pricewatch/ingestd/internal/server"
	"github.com/pricewatch/ingestd/internal/taskqueue"
)

var (
	serveWithWorker  bool
	serveNoScheduler bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the internal API",
	Long: `Serve the internal run API on $PORT.

The daily scheduler runs in-process unless SCHEDULER_ENABLED=false or
--no-scheduler is given. With --with-worker the task queue worker runs
alongside the API; this is required for queue dispatch on memory storage.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveWithWorker, "with-worker", false, "run the task queue worker in-process")
	serveCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "do not run the daily scheduler")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	queueMode := cfg.Dispatch.Mode == string(ingestion.ModeQueue)
	if queueMode && cfg.Database.Driver == "memory" && !serveWithWorker {
		return fmt.Errorf("queue dispatch on memory storage needs --with-worker")
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.newScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	handler, err := buildHandler(a, sched)
	if err != nil {
		return err
	}
	srv := server.New(cfg.Server, logger, handler)

	var worker *taskqueue.Worker
	if serveWithWorker {
		if worker, err = a.newWorker(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})

	if worker != nil {
		g.Go(func() error {
			return worker.Start(gctx)
		})
	}

	if cfg.Scheduler.Enabled && !serveNoScheduler {
		g.Go(func() error {
			return sched.Start(gctx)
		})
	} else {
		logger.Info("Scheduler disabled")
	}

	logger.Info("Ingestd started",
		"version", Version,
		"port", cfg.Server.Port,
		"dispatch_mode", cfg.Dispatch.Mode,
		"storage", cfg.Database.Driver,
		"chains", len(cfg.Chains),
	)

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Ingestd stopped")
	return nil
}

// buildHandler assembles the instrumented route table.
func buildHandler(a *app, sched *scheduler.Scheduler) (http.Handler, error) {
	verifier, err := auth.NewVerifier(auth.Config{
		Secret:        a.cfg.Auth.Secret,
		SecretHash:    a.cfg.Auth.SecretHash,
		TokenDuration: a.cfg.Auth.TokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure authentication: %w", err)
	}

	mux := http.NewServeMux()
	api.SetupRoutes(mux, api.Dependencies{
		Tracker:     a.tracker,
		Coordinator: a.coordinator,
		Dispatcher:  a.dispatcher,
		Trigger:     sched,
		Tasks:       a.queue,
		Remote:      a.remote,
		Verifier:    verifier,
		Metrics:     a.metrics.Handler(),
		Chains:      chainSlugs(a.cfg.Chains),
		TokenSecret: a.cfg.Auth.Secret,
		TokenTTL:    a.cfg.Auth.TokenTTL,
		Logger:      a.logger,
	})
	return a.metrics.InstrumentHandler(mux), nil
}

// chainSlugs lists every configured chain, disabled ones included, so
// disabled chains can still be triggered by hand.
func chainSlugs(chains []config.Chain) []string {
	slugs := make([]string, 0, len(chains))
	for _, c := range chains {
		slugs = append(slugs, c.Slug)
	}
	return slugs
}
