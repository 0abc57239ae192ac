package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/htgrid/htgrid/internal/observability"
	"github.com/htgrid/htgrid/pkg/journal"
	"github.com/htgrid/htgrid/pkg/scheduler"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the scheduler daemon",
	Long: `Run the scheduler: the loop that moves every live run and task
forward one lifecycle edge per pass. Submissions, status polls, output
retrieval, and workflow steps all happen here.

Examples:
  htgrid scheduler
  htgrid scheduler --once`,
	RunE: runScheduler,
}

var schedulerOnce bool

func init() {
	rootCmd.AddCommand(schedulerCmd)
	schedulerCmd.Flags().BoolVar(&schedulerOnce, "once", false, "Run a single pass and exit")
}

func runScheduler(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	log := observability.CLILogger
	host, _ := os.Hostname()
	opts := scheduler.Options{
		PollLimit:  cfg.Scheduler.PollLimit,
		Rate:       rate.Limit(cfg.Scheduler.Rate),
		LeaseOwner: fmt.Sprintf("%s/%d", host, os.Getpid()),
		LeaseTTL:   cfg.Scheduler.LeaseTTL,
	}
	if cfg.Scheduler.Journal != "" {
		f, err := os.OpenFile(cfg.Scheduler.Journal, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open transition journal: %w", err)
		}
		defer func() { _ = f.Close() }()
		jw := journal.NewJSONLWriter(f)
		defer func() { _ = jw.Close() }()
		opts.Journal = jw
	}
	sched := scheduler.New(st, batchClient(), log, opts)

	if schedulerOnce {
		stats, err := sched.RunOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("runs: %d seen, %d advanced, %d failed, %d conflicts\n",
			stats.RunsSeen, stats.RunsAdvanced, stats.RunsFailed, stats.RunConflicts)
		fmt.Printf("tasks: %d stepped, %d errored\n",
			stats.TasksStepped, stats.TasksErrored)
		return nil
	}

	log.Info("scheduler starting",
		zap.Duration("tick", cfg.Scheduler.Tick),
		zap.Int("poll_limit", cfg.Scheduler.PollLimit))
	if err := sched.Loop(ctx, cfg.Scheduler.Tick); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("scheduler stopped")
	return nil
}
