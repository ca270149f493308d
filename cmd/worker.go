package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/credit-recovery/internal/reconciliation"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start background workers",
	Long:  `Start and manage background workers such as the stale payment sweep.`,
}

var sweepWorkerCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reconcile stale PENDING intents on a schedule",
	Long:  `Every sweep interval, list PENDING intents older than the staleness threshold and reconcile them on a worker pool.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return startSweepWorker(cmd)
	},
}

var (
	sweepOnce      bool
	maxWorkers     int
	jobQueueSize   int
	sweepInterval  time.Duration
	sweepStaleness time.Duration
)

func startSweepWorker(cmd *cobra.Command) error {
	console := os.Stdout
	if sweepOnce {
		console = os.Stderr
	}
	deps, err := initializeDependencies(console, sweepOnce)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		deps.Close(ctx)
	}()

	rc := deps.Config.Reconciliation
	sweepConfig := reconciliation.SweepConfig{
		Interval:     getDurationFlag(sweepInterval, rc.SweepInterval),
		Staleness:    getDurationFlag(sweepStaleness, rc.StalenessThreshold),
		MaxWorkers:   getIntFlag(maxWorkers, rc.MaxWorkers),
		JobQueueSize: getIntFlag(jobQueueSize, rc.JobQueueSize),
	}
	lg := deps.Logger
	sweeper := reconciliation.NewSweeper(deps.Engine, sweepConfig, deps.Metrics, lg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if sweepOnce {
		summary, err := sweeper.RunOnce(ctx)
		printSweepSummary(cmd, summary)
		if err != nil {
			return err
		}
		if summary.Retryable > 0 || summary.Errors > 0 {
			return withExitCode(ExitUnresolved, errUnresolved(summary.Retryable+summary.Errors))
		}
		return nil
	}

	lg.Info("starting sweep worker",
		"interval", sweepConfig.Interval,
		"staleness", sweepConfig.Staleness,
		"max_workers", sweepConfig.MaxWorkers,
		"job_queue_size", sweepConfig.JobQueueSize)

	sweeper.Start(ctx)
	lg.Info("sweep worker is running. Press Ctrl+C to stop.")

	<-ctx.Done()
	lg.Info("received signal, shutting down sweep worker")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	shutdownDone := make(chan struct{})
	go func() {
		sweeper.Shutdown()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		lg.Info("sweep worker shutdown complete")
	case <-shutdownCtx.Done():
		lg.Warn("shutdown timeout reached, forcing exit")
	}
	return nil
}

func printSweepSummary(cmd *cobra.Command, s reconciliation.SweepSummary) {
	out := cmd.OutOrStdout()
	fprintf(out, "scanned=%d stranded=%d credited=%d already_credited=%d failed=%d expired=%d retryable=%d errors=%d duration=%s\n",
		s.Scanned, s.Stranded, s.Credited, s.AlreadyCredited, s.Failed, s.Expired, s.Retryable, s.Errors, s.Duration.Round(time.Millisecond))
}

func getDurationFlag(flagValue, configValue time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	return configValue
}

func getIntFlag(flagValue, configValue int) int {
	if flagValue > 0 {
		return flagValue
	}
	return configValue
}

func init() {
	sweepWorkerCmd.Flags().BoolVar(&sweepOnce, "once", false, "run a single sweep and exit")
	sweepWorkerCmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "Maximum number of workers (overrides config)")
	sweepWorkerCmd.Flags().IntVar(&jobQueueSize, "job-queue-size", 0, "Job queue buffer size (overrides config)")
	sweepWorkerCmd.Flags().DurationVar(&sweepInterval, "interval", 0, "time between sweeps (overrides config)")
	sweepWorkerCmd.Flags().DurationVar(&sweepStaleness, "older-than", 0, "staleness threshold (overrides config)")

	workerCmd.AddCommand(sweepWorkerCmd)
}
