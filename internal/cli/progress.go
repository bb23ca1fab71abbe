package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/raphaelgruber/synthkit/internal/models"
	"github.com/raphaelgruber/synthkit/internal/service"
)

const pollInterval = time.Second

// jobGetter fetches the current state of a job.
type jobGetter interface {
	Get(ctx context.Context, id string) (*models.Job, error)
}

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Warning: lipgloss.Color("#FFAF00"), // amber
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

// Style functions for dynamic theming
func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) warningStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Warning).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// unitLabel names what a job's progress counts.
func unitLabel(kind models.JobKind) string {
	switch kind {
	case models.JobCreate:
		return "chunks"
	case models.JobCurate:
		return "batches"
	case models.JobExport:
		return "records"
	default:
		return "files"
	}
}

// tickMsg triggers polling the job status
type tickMsg time.Time

// jobUpdateMsg carries the updated job data
type jobUpdateMsg struct {
	job *models.Job
	err error
}

// progressModel is the bubbletea model for job progress.
type progressModel struct {
	jobs     jobGetter
	jobID    string
	job      *models.Job
	progress progress.Model
	theme    Theme
	done     bool
	quitting bool
	err      error
}

// newProgressModel creates a new progress model.
func newProgressModel(jobs jobGetter, id string) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)
	return progressModel{
		jobs:     jobs,
		jobID:    id,
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init returns the initial command (fetch right away, then poll).
func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		m.fetchJob(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		return m, m.fetchJob()

	case jobUpdateMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("failed to fetch job status: %w", msg.err)
			m.done = true
			return m, tea.Quit
		}

		m.job = msg.job
		if m.job.Status.Terminal() {
			m.done = true
			m.err = jobError(m.job)
			return m, tea.Quit
		}
		return m, tickCmd()

	case progress.FrameMsg:
		// Update progress bar animation
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

// renderContent builds the display string.
func (m progressModel) renderContent() string {
	if m.done || m.quitting {
		return m.finalView()
	}
	if m.job == nil {
		return "Loading job status...\n"
	}

	var pct float64
	if m.job.Total > 0 {
		pct = float64(m.job.Progress) / float64(m.job.Total)
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s %s]", m.job.Kind, m.job.Status))
	counts := fmt.Sprintf("%d/%d %s", m.job.Progress, m.job.Total, unitLabel(m.job.Kind))
	hint := m.theme.hintStyle().Render("Press q to stop watching")

	return fmt.Sprintf("%s %s %s\n%s\n", status, m.progress.ViewAs(pct), counts, hint)
}

// finalView renders the completion message.
func (m progressModel) finalView() string {
	if m.quitting {
		return m.theme.hintStyle().Render(
			fmt.Sprintf("\nStopped watching job %s.\nUse 'synthkit jobs %s' to check status.\n", m.jobID, m.jobID))
	}
	if m.job == nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ %s\n", m.err))
	}
	return summarize(m.theme, m.job)
}

// summarize renders a finished job.
func summarize(theme Theme, job *models.Job) string {
	var b strings.Builder
	switch job.Status {
	case models.JobCompleted:
		b.WriteString(theme.completedStyle().Render("✓ Completed") + "\n\n")
	case models.JobWarning:
		b.WriteString(theme.warningStyle().Render("! Finished with warning") + "\n\n")
	default:
		b.WriteString(theme.errorStyle().Render(fmt.Sprintf("✗ Job %s", job.Status)) + "\n\n")
	}

	fmt.Fprintf(&b, "  Job:     %s (%s)\n", job.ID, job.Kind)
	fmt.Fprintf(&b, "  Input:   %s\n", job.InputRef)
	if job.OutputRef != "" {
		fmt.Fprintf(&b, "  Output:  %s\n", job.OutputRef)
	}
	if job.Error != "" {
		fmt.Fprintf(&b, "  Error:   %s\n", job.Error)
	}

	var st service.Stats
	if job.Stats != "" && json.Unmarshal([]byte(job.Stats), &st) == nil {
		fmt.Fprintf(&b, "  Records: %d\n", st.Items)
		if st.Words > 0 {
			fmt.Fprintf(&b, "  Words:   %d\n", st.Words)
		}
		if m := st.CurateMetrics; m != nil {
			fmt.Fprintf(&b, "  Kept:    %d of %d (%.0f%%, avg score %.2f)\n",
				m.Filtered, m.Total, m.RetentionRate*100, m.AvgScore)
			if m.Defaulted > 0 {
				fmt.Fprintf(&b, "  Unrated: %d pairs got the default rating\n", m.Defaulted)
			}
		}
	}
	return b.String()
}

// jobError converts a failed job into an error.
func jobError(job *models.Job) error {
	if job.Status != models.JobFailed {
		return nil
	}
	if job.Error == "" {
		return errors.New("job failed with unknown error")
	}
	return errors.New(job.Error)
}

// fetchJob fetches the current job status.
// Runs in a separate goroutine (command) to avoid blocking Update().
func (m progressModel) fetchJob() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		job, err := m.jobs.Get(ctx, m.jobID)
		return jobUpdateMsg{job: job, err: err}
	}
}

// tickCmd returns a command that sends a tick after the poll interval.
func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// watch follows a job until it finishes. It draws a progress bar on a
// terminal and prints plain status lines otherwise. A failed job is
// returned as an error.
func watch(ctx context.Context, jobs jobGetter, id string) error {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return runJobProgress(ctx, jobs, id)
	}
	return watchPlain(ctx, jobs, id, out, pollInterval)
}

// runJobProgress runs the interactive progress UI for a job.
// Returns nil on success or when the user stops watching.
func runJobProgress(ctx context.Context, jobs jobGetter, id string) error {
	p := tea.NewProgram(newProgressModel(jobs, id), tea.WithContext(ctx))

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}
	if m, ok := finalModel.(progressModel); ok && !m.quitting {
		return m.err
	}
	return nil
}

// watchPlain polls a job and prints a line whenever its state changes.
func watchPlain(ctx context.Context, jobs jobGetter, id string, w io.Writer, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last string
	for {
		job, err := jobs.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		if job.Status.Terminal() {
			fmt.Fprint(w, summarize(defaultTheme, job))
			return jobError(job)
		}

		line := fmt.Sprintf("[%s %s] %d/%d %s", job.Kind, job.Status, job.Progress, job.Total, unitLabel(job.Kind))
		if line != last {
			fmt.Fprintln(w, line)
			last = line
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
