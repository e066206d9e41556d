package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/pricewatch/ingestd/internal/config"
	"github.com/pricewatch/ingestd/internal/ingestion"
	"github.com/pricewatch/ingestd/internal/models"
	"github.com/pricewatch/ingestd/internal/scheduler"
)

var triggerDate string

var triggerCmd = &cobra.Command{
	Use:   "trigger [chain...]",
	Short: "Dispatch an ingestion run now",
	Long: `Dispatch an ingestion run for the given chains, or for every enabled
chain when none are named. Exits non-zero if any chain fails to dispatch.

Examples:
  ingestd trigger
  ingestd trigger shufersal rami-levy --date 2026-03-01`,
	RunE: runTrigger,
}

func init() {
	triggerCmd.Flags().StringVar(&triggerDate, "date", "", "target date (YYYY-MM-DD), defaults to the service's current day")
}

func runTrigger(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if triggerDate != "" {
		if _, err := time.Parse(time.DateOnly, triggerDate); err != nil {
			return fmt.Errorf("invalid --date %q: must be YYYY-MM-DD", triggerDate)
		}
	}
	if cfg.Dispatch.Mode == string(ingestion.ModeQueue) && cfg.Database.Driver == "memory" {
		return fmt.Errorf("queue dispatch on memory storage cannot be triggered out of process")
	}

	chains := args
	if len(chains) == 0 {
		chains = config.EnabledChains(cfg.Chains)
	}
	if len(chains) == 0 {
		return fmt.Errorf("no chains to trigger: name them or set CHAINS / CHAINS_FILE")
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := scheduler.New(scheduler.Config{
		Cron:        cfg.Scheduler.Cron,
		Timezone:    cfg.Scheduler.Timezone,
		Concurrency: cfg.Scheduler.Concurrency,
	}, a.dispatcher, chains, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	summary := sched.TriggerAll(ctx, models.RunSourceManual, triggerDate)
	printSummary(cmd.OutOrStdout(), summary)

	if len(summary.Failed) > 0 {
		return fmt.Errorf("%d of %d chains failed to dispatch", len(summary.Failed), len(chains))
	}
	return nil
}

func printSummary(w io.Writer, summary *scheduler.TriggerSummary) {
	for _, d := range summary.Dispatched {
		if d.TaskID != "" {
			fmt.Fprintf(w, "dispatched %s: task %s\n", d.Chain, d.TaskID)
			continue
		}
		fmt.Fprintf(w, "dispatched %s: run %s\n", d.Chain, d.RunID)
	}
	for _, f := range summary.Failed {
		if f.RunID != "" {
			fmt.Fprintf(w, "failed %s: run %s: %s\n", f.Chain, f.RunID, f.Error)
			continue
		}
		fmt.Fprintf(w, "failed %s: %s\n", f.Chain, f.Error)
	}
}
