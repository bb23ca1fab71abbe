package cli

import (
	"context"
	"errors"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/synthkit/internal/server"
	"github.com/raphaelgruber/synthkit/internal/service"
	"github.com/raphaelgruber/synthkit/internal/tools"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve job tools over MCP on stdio",
	Long: `Run an MCP server on stdin/stdout so agent clients can submit and
follow pipeline jobs. The worker pool and stall monitor run in the same
process; logs go to stderr.

Tools: ping, submit_job, get_job, list_jobs, job_stats.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr, err := newManager()
	if err != nil {
		return err
	}
	monitor := service.NewMonitor(jobStore, cfg.Jobs, collector, logger)

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(cmd.Context()))
	defer cancelWork()
	mgr.Start(workCtx)
	go monitor.Start(ctx)
	go func() {
		_ = pollLoop(ctx, mgr, cfg.Jobs.PollInterval)
	}()

	srv := server.New(Version, logger)
	srv.Setup()
	tools.RegisterAll(srv.MCPServer(), &tools.Dependencies{
		Jobs:    mgr,
		Monitor: monitor,
		Logger:  logger,
	})

	err = srv.Run(ctx)
	stop()

	logger.Info("MCP session ended, finishing queued jobs", "active", mgr.Active())
	drainJobs(cmd.Context(), mgr, cancelWork)
	if ctx.Err() != nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
