package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/charmbracelet/lipgloss"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/raphaelgruber/synthkit/internal/models"
	"github.com/raphaelgruber/synthkit/internal/service"
)

var (
	statsSweep bool
	statsJSON  bool
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job health statistics",
	Long: `Show job counts by status and kind plus the most recent failures.

With --sweep, running jobs that reported no progress for
jobs.stall_timeout are marked failed first.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		monitor := service.NewMonitor(jobStore, cfg.Jobs, collector, logger)
		if statsSweep {
			if _, err := monitor.Sweep(cmd.Context()); err != nil {
				return err
			}
		} else if err := monitor.Refresh(cmd.Context(), 0); err != nil {
			return err
		}

		stats := monitor.Stats()
		if statsJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}
		printHealth(out, defaultTheme, stats)
		return nil
	},
}

func init() {
	statsCmd.Flags().BoolVar(&statsSweep, "sweep", false, "fail stalled jobs before reporting")
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print as JSON")
}

var statusOrder = []models.JobStatus{
	models.JobPending, models.JobRunning, models.JobCompleted, models.JobWarning, models.JobFailed,
}

func printHealth(w io.Writer, theme Theme, stats service.HealthStats) {
	title := lipgloss.NewStyle().Bold(true)
	total := lo.Sum(lo.Values(stats.ByStatus))

	fmt.Fprintln(w, title.Render(fmt.Sprintf("Jobs: %d", total)))
	for _, s := range statusOrder {
		fmt.Fprintf(w, "  %s %d\n", statusStyle(theme, s).Render(fmt.Sprintf("%-10s", s)), stats.ByStatus[s])
	}

	if len(stats.ByKind) > 0 {
		fmt.Fprintln(w, title.Render("\nBy kind:"))
		kinds := lo.Keys(stats.ByKind)
		slices.Sort(kinds)
		for _, k := range kinds {
			fmt.Fprintf(w, "  %-10s %d\n", k, stats.ByKind[k])
		}
	}

	if stats.Swept > 0 {
		fmt.Fprintln(w, theme.warningStyle().Render(fmt.Sprintf("\nMarked %d stalled job(s) failed", stats.Swept)))
	}

	if len(stats.RecentFailures) > 0 {
		fmt.Fprintln(w, title.Render("\nRecent failures:"))
		for _, f := range stats.RecentFailures {
			fmt.Fprintf(w, "  %s (%s): %s\n", f.ID, f.Kind, f.Error)
		}
	}
}
