package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/raphaelgruber/synthkit/internal/config"
	"github.com/raphaelgruber/synthkit/internal/metrics"
	"github.com/raphaelgruber/synthkit/internal/models"
	"github.com/raphaelgruber/synthkit/internal/store"
)

const recentFailureLimit = 5

// FailureSummary is a recently failed job in the health report.
type FailureSummary struct {
	ID    string         `json:"id"`
	Kind  models.JobKind `json:"kind"`
	Error string         `json:"error"`
}

// HealthStats is the job overview refreshed by every sweep.
type HealthStats struct {
	ByStatus       map[models.JobStatus]int `json:"by_status"`
	ByKind         map[models.JobKind]int   `json:"by_kind"`
	RecentFailures []FailureSummary         `json:"recent_failures"`
	Swept          int                      `json:"swept"`
	CheckedAt      time.Time                `json:"checked_at"`
}

// Monitor fails jobs that stopped reporting progress and keeps job
// counters for health reporting. It never runs job work itself.
type Monitor struct {
	store    JobStore
	interval time.Duration
	timeout  time.Duration
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	stats HealthStats
}

// NewMonitor creates a monitor from the jobs config. The collector and
// logger may be nil.
func NewMonitor(s JobStore, cfg config.JobsConfig, mc *metrics.Collector, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 60 * time.Minute
	}
	return &Monitor{
		store:    s,
		interval: cfg.SweepInterval,
		timeout:  cfg.StallTimeout,
		metrics:  mc,
		logger:   logger.With("component", "monitor"),
		now:      time.Now,
	}
}

// StallError is the error recorded on a job failed by the sweep.
func StallError(timeout time.Duration) string {
	return fmt.Sprintf("stalled: no progress for %d minutes, timed out by monitor", int(timeout.Minutes()))
}

// Start sweeps immediately and then every interval until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.logger.Info("job monitor running", "interval", m.interval, "timeout", m.timeout)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("job sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep fails running jobs whose last update is older than the timeout,
// then refreshes the health stats. It returns the ids it failed.
func (m *Monitor) Sweep(ctx context.Context) ([]string, error) {
	now := m.now()
	cutoff := now.Add(-m.timeout)

	stalled, err := m.store.ListJobs(ctx, models.JobFilter{Status: models.JobRunning, UpdatedBefore: cutoff})
	if err != nil {
		return nil, fmt.Errorf("list stalled jobs: %w", err)
	}

	var swept []string
	for _, job := range stalled {
		_, err := m.store.UpdateJob(ctx, job.ID, models.JobUpdate{
			Status:          lo.ToPtr(models.JobFailed),
			Error:           lo.ToPtr(StallError(m.timeout)),
			IfStatus:        lo.ToPtr(models.JobRunning),
			IfUpdatedBefore: lo.ToPtr(cutoff),
		})
		switch {
		case err == nil:
			swept = append(swept, job.ID)
			m.metrics.RecordFailure(metrics.OpJob)
		case errors.Is(err, store.ErrUpdateConflict):
			// Progress or completion landed between list and update.
		default:
			m.logger.Warn("failed to time out job", "job_id", job.ID, "error", err)
		}
	}
	if len(swept) > 0 {
		m.logger.Warn("marked stalled jobs failed", "count", len(swept), "job_ids", swept)
	}

	if err := m.Refresh(ctx, len(swept)); err != nil {
		return swept, err
	}
	return swept, nil
}

// Refresh recomputes the health stats from the store.
func (m *Monitor) Refresh(ctx context.Context, swept int) error {
	jobs, err := m.store.ListJobs(ctx, models.JobFilter{})
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	failed := lo.Filter(jobs, func(j models.Job, _ int) bool { return j.Status == models.JobFailed })
	slices.SortStableFunc(failed, func(a, b models.Job) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	if len(failed) > recentFailureLimit {
		failed = failed[:recentFailureLimit]
	}

	stats := HealthStats{
		ByStatus: lo.CountValuesBy(jobs, func(j models.Job) models.JobStatus { return j.Status }),
		ByKind:   lo.CountValuesBy(jobs, func(j models.Job) models.JobKind { return j.Kind }),
		RecentFailures: lo.Map(failed, func(j models.Job, _ int) FailureSummary {
			return FailureSummary{ID: j.ID, Kind: j.Kind, Error: j.Error}
		}),
		Swept:     swept,
		CheckedAt: m.now(),
	}

	m.mu.Lock()
	m.stats = stats
	m.mu.Unlock()
	return nil
}

// Stats returns a copy of the last computed health stats.
func (m *Monitor) Stats() HealthStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.stats
	out.ByStatus = maps.Clone(m.stats.ByStatus)
	out.ByKind = maps.Clone(m.stats.ByKind)
	out.RecentFailures = slices.Clone(m.stats.RecentFailures)
	return out
}
