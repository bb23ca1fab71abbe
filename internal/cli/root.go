// Package cli provides the command-line interface for synthkit.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/synthkit/internal/config"
	"github.com/raphaelgruber/synthkit/internal/db"
	"github.com/raphaelgruber/synthkit/internal/llm"
	"github.com/raphaelgruber/synthkit/internal/metrics"
	"github.com/raphaelgruber/synthkit/internal/service"
	"github.com/raphaelgruber/synthkit/internal/store"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	cfgFile string
	verbose bool

	// Set up by PersistentPreRunE
	cfg        config.Config
	logger     *slog.Logger
	closeLog   func() error
	collector  *metrics.Collector
	jobStore   service.JobStore
	closeStore func() error
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "synthkit",
	Short: "Synthetic training data from documents",
	Long: `Synthkit turns documents into synthetic LLM training data.

Documents are ingested to plain text, chunked and sent to a completion
backend to generate question-answer pairs or chain-of-thought examples.
Generated pairs can be rated and filtered, then exported as JSON, JSONL,
Alpaca or ChatML.

Every step runs as a job. Jobs run inline by default; with --queue they
are stored for a 'synthkit serve' worker pool. 'synthkit mcp' exposes
the same jobs to agent clients over MCP.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip setup for version and help commands
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = slog.LevelDebug
		}
		logger, closeLog = config.SetupLogger(cfg.Logging, os.Stderr)
		slog.SetDefault(logger)

		collector = metrics.NewCollector()
		jobStore, closeStore, err = openStore(cmd.Context(), cfg, collector, logger)
		if err != nil {
			return fmt.Errorf("open job store: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeStore != nil {
			if err := closeStore(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close job store: %v\n", err)
			}
		}
		if closeLog != nil {
			_ = closeLog()
		}
	},
}

// openStore connects the configured job store and prepares its schema.
func openStore(ctx context.Context, cfg config.Config, mc *metrics.Collector, logger *slog.Logger) (service.JobStore, func() error, error) {
	switch cfg.Store.Driver {
	case config.StorePostgres, config.StoreMySQL:
		s, err := store.OpenSQL(ctx, cfg.Store.Driver, cfg.Store.DSN, mc)
		if err != nil {
			return nil, nil, err
		}
		if err := s.InitSchema(ctx); err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("initialize schema: %w", err)
		}
		return s, s.Close, nil

	case config.StoreSurreal:
		c, err := db.NewClient(ctx, cfg.Store.SurrealDB, logger, mc)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := c.InitSchema(ctx); err != nil {
			_ = c.Close()
			return nil, nil, fmt.Errorf("initialize schema: %w", err)
		}
		return c, c.Close, nil

	default:
		s := store.NewMemory()
		return s, s.Close, nil
	}
}

// persistent reports whether jobs outlive this process.
func persistent() bool {
	return cfg.Store.Driver != config.StoreMemory
}

// newManager wires the completion client, generators and job store.
func newManager() (*service.JobManager, error) {
	client, err := llm.NewClient(cfg, collector, logger)
	if err != nil {
		return nil, fmt.Errorf("init completion client: %w", err)
	}
	pipeline := service.NewPipeline(cfg, client, collector, logger)
	layout := service.Layout{Root: cfg.Paths.DataDir, RecentWindow: cfg.Jobs.RecentWindow}
	return service.NewJobManager(jobStore, pipeline.Tasks(), layout, cfg.Jobs, collector, logger), nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./config.yaml or ./configs/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Add subcommands
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(curateCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(mcpCmd)
}

// out is where command results are printed.
var out io.Writer = os.Stdout
