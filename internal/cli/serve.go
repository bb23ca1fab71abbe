package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/raphaelgruber/synthkit/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run queued jobs with a worker pool",
	Long: `Run the job worker pool against the configured store.

Pending jobs are picked up oldest first every jobs.poll_interval. A
monitor fails running jobs that report no progress for
jobs.stall_timeout. Ctrl+C stops polling and lets queued jobs finish;
a second Ctrl+C cancels them.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if !persistent() {
		return errors.New("serve needs a persistent store (set store.driver)")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr, err := newManager()
	if err != nil {
		return err
	}
	monitor := service.NewMonitor(jobStore, cfg.Jobs, collector, logger)

	logger.Info("starting job server",
		"store", cfg.Store.Driver,
		"workers", cfg.Jobs.Workers,
		"data_dir", cfg.Paths.DataDir)

	// Jobs outlive the first signal so the queue can drain.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(cmd.Context()))
	defer cancelWork()
	mgr.Start(workCtx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		monitor.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return pollLoop(gctx, mgr, cfg.Jobs.PollInterval)
	})

	err = g.Wait()

	logger.Info("shutting down job server...", "active", mgr.Active())
	drainJobs(cmd.Context(), mgr, cancelWork)
	logger.Info("job server stopped", "metrics", collector.Snapshot())

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// drainJobs waits for the worker pool to stop, cancelling the remaining
// jobs on a second signal.
func drainJobs(parent context.Context, mgr *service.JobManager, cancelWork context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		mgr.Shutdown()
		close(done)
	}()

	force, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-done:
	case <-force.Done():
		logger.Warn("cancelling running jobs", "active", mgr.Active())
		cancelWork()
		<-done
	}
}

// pollLoop enqueues pending jobs until ctx is done.
func pollLoop(ctx context.Context, mgr *service.JobManager, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := mgr.PollPending(ctx); err != nil && ctx.Err() == nil {
			logger.Error("failed to poll pending jobs", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
