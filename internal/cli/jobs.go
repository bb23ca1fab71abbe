package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/raphaelgruber/synthkit/internal/models"
	"github.com/raphaelgruber/synthkit/internal/service"
)

var (
	jobsStatus string
	jobsKind   string
	jobsLimit  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect jobs",
	Long: `List stored jobs or inspect a specific job by ID.

Examples:
  synthkit jobs                      # List recent jobs
  synthkit jobs --status failed      # List failed jobs
  synthkit jobs 3f2a...              # Show details for one job
  synthkit jobs watch 3f2a...        # Follow a running job`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

var jobsWatchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a job until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watch(cmd.Context(), jobsView{jobStore}, args[0])
	},
}

func init() {
	jobsCmd.Flags().StringVarP(&jobsStatus, "status", "s", "", "filter by status")
	jobsCmd.Flags().StringVarP(&jobsKind, "kind", "k", "", "filter by kind")
	jobsCmd.Flags().IntVarP(&jobsLimit, "limit", "n", 20, "max results")

	jobsCmd.AddCommand(jobsWatchCmd)
}

// jobsView reads jobs straight from the store.
type jobsView struct {
	store service.JobStore
}

func (v jobsView) Get(ctx context.Context, id string) (*models.Job, error) {
	return v.store.GetJob(ctx, id)
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	// If job ID provided, show that specific job
	if len(args) == 1 {
		return showJob(ctx, out, args[0])
	}

	filter := models.JobFilter{
		Status: models.JobStatus(jobsStatus),
		Kind:   models.JobKind(jobsKind),
		Limit:  jobsLimit,
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		return fmt.Errorf("unknown job kind %q", jobsKind)
	}
	return listJobs(ctx, out, filter)
}

func listJobs(ctx context.Context, w io.Writer, filter models.JobFilter) error {
	jobs, err := jobStore.ListJobs(ctx, filter)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found")
		return nil
	}

	header := lipgloss.NewStyle().Bold(true)
	fmt.Fprintln(w, header.Render(fmt.Sprintf("%-36s %-7s %-10s %-9s %-19s %s", "ID", "KIND", "STATUS", "PROGRESS", "UPDATED", "INPUT")))
	fmt.Fprintln(w, "--------------------------------------------------------------------------------------------------------")

	for _, job := range jobs {
		progress := ""
		if job.Total > 0 {
			progress = fmt.Sprintf("%d/%d", job.Progress, job.Total)
		}
		updated := job.UpdatedAt.Local().Format("2006-01-02 15:04:05")
		status := statusStyle(defaultTheme, job.Status).Render(fmt.Sprintf("%-10s", job.Status))
		fmt.Fprintf(w, "%-36s %-7s %s %-9s %-19s %s\n", job.ID, job.Kind, status, progress, updated, job.InputRef)
	}

	return nil
}

func showJob(ctx context.Context, w io.Writer, id string) error {
	job, err := jobStore.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	fmt.Fprintf(w, "Job: %s\n", job.ID)
	fmt.Fprintf(w, "  Kind: %s\n", job.Kind)
	fmt.Fprintf(w, "  Status: %s\n", job.Status)
	fmt.Fprintf(w, "  Input: %s\n", job.InputRef)
	if job.OutputRef != "" {
		fmt.Fprintf(w, "  Output: %s\n", job.OutputRef)
	} else if expected, ok := job.Params[service.ParamOutput].(string); ok && !job.Status.Terminal() {
		fmt.Fprintf(w, "  Expected output: %s\n", expected)
	}
	if job.Total > 0 {
		fmt.Fprintf(w, "  Progress: %d/%d %s\n", job.Progress, job.Total, unitLabel(job.Kind))
	}
	fmt.Fprintf(w, "  Created: %s\n", job.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  Updated: %s\n", job.UpdatedAt.Format(time.RFC3339))
	if job.Status.Terminal() {
		fmt.Fprintf(w, "  Duration: %s\n", job.UpdatedAt.Sub(job.CreatedAt).Round(time.Second))
	}

	if job.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", job.Error)
	}

	if len(job.Params) > 0 {
		fmt.Fprintln(w, "\nParameters:")
		keys := lo.Keys(job.Params)
		slices.Sort(keys)
		for _, k := range keys {
			if k == service.ParamOutput {
				continue
			}
			fmt.Fprintf(w, "  %s: %v\n", k, job.Params[k])
		}
	}
	if job.Stats != "" {
		fmt.Fprintf(w, "\nStats: %s\n", job.Stats)
	}

	return nil
}

// statusStyle colors a job status.
func statusStyle(theme Theme, status models.JobStatus) lipgloss.Style {
	switch status {
	case models.JobCompleted:
		return lipgloss.NewStyle().Foreground(theme.Success)
	case models.JobWarning:
		return lipgloss.NewStyle().Foreground(theme.Warning)
	case models.JobFailed:
		return lipgloss.NewStyle().Foreground(theme.Error)
	default:
		return lipgloss.NewStyle().Foreground(theme.Status)
	}
}
