package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued ingestion and rerun tasks",
	Long: `Claim ingestion and rerun tasks from the Postgres task queue and hand
their runs to the processing service. Several workers may share a queue;
stale leases of crashed workers are released after WORKER_LEASE_TTL_SECONDS.`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if cfg.Database.Driver == "memory" {
		return fmt.Errorf("worker needs postgres storage, use serve --with-worker for memory storage")
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	worker, err := a.newWorker()
	if err != nil {
		return err
	}
	return worker.Start(ctx)
}
