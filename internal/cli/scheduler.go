package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the daily ingestion trigger without the API",
	Long: `Run the cron trigger on its own, dispatching every enabled chain on
SCHEDULE_CRON in SCHEDULE_TIMEZONE. Use this when the API runs with
--no-scheduler on several replicas.`,
	RunE: runScheduler,
}

func runScheduler(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.newScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	return sched.Start(ctx)
}
