package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/synthkit/internal/config"
	"github.com/raphaelgruber/synthkit/internal/metrics"
	"github.com/raphaelgruber/synthkit/internal/models"
	"github.com/raphaelgruber/synthkit/internal/store"
)

func TestMonitor_Sweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := store.NewMemory(store.WithClock(clock))

	add := func(id string, kind models.JobKind, status models.JobStatus) {
		require.NoError(t, s.CreateJob(ctx, &models.Job{ID: id, Kind: kind, Status: status}))
	}
	add("stuck", models.JobCreate, models.JobRunning)
	add("busy", models.JobCurate, models.JobRunning)
	add("done", models.JobCreate, models.JobCompleted)
	add("queued", models.JobExport, models.JobPending)

	// 61 minutes pass; only "busy" reports progress in the meantime.
	now = now.Add(61 * time.Minute)
	_, err := s.UpdateJob(ctx, "busy", models.JobUpdate{Progress: lo.ToPtr(3)})
	require.NoError(t, err)

	mc := metrics.NewCollector()
	mon := NewMonitor(s, config.Default().Jobs, mc, nil)
	mon.now = clock

	swept, err := mon.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"stuck"}, swept)

	stuck, err := s.GetJob(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, stuck.Status)
	assert.Contains(t, stuck.Error, "stalled")
	assert.Contains(t, stuck.Error, "60 minutes")
	assert.Equal(t, 0, stuck.Progress, "sweep does no job work")

	for id, want := range map[string]models.JobStatus{
		"busy": models.JobRunning, "done": models.JobCompleted, "queued": models.JobPending,
	} {
		job, err := s.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, job.Status, id)
	}

	stats := mon.Stats()
	assert.Equal(t, map[models.JobStatus]int{
		models.JobFailed: 1, models.JobRunning: 1, models.JobCompleted: 1, models.JobPending: 1,
	}, stats.ByStatus)
	assert.Equal(t, map[models.JobKind]int{
		models.JobCreate: 2, models.JobCurate: 1, models.JobExport: 1,
	}, stats.ByKind)
	require.Len(t, stats.RecentFailures, 1)
	assert.Equal(t, "stuck", stats.RecentFailures[0].ID)
	assert.Equal(t, 1, stats.Swept)
	assert.Equal(t, now, stats.CheckedAt)
	assert.EqualValues(t, 1, mc.Snapshot().Job.Failures)

	// A second sweep finds nothing new.
	swept, err = mon.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, swept)
}

func TestMonitor_RecentFailuresLimit(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := store.NewMemory(store.WithClock(func() time.Time { return now }))
	for i := 0; i < 8; i++ {
		now = now.Add(time.Minute)
		require.NoError(t, s.CreateJob(ctx, &models.Job{
			ID: fmt.Sprintf("f%d", i), Kind: models.JobCreate, Status: models.JobFailed, Error: "boom",
		}))
	}

	mon := NewMonitor(s, config.JobsConfig{}, nil, nil)
	require.NoError(t, mon.Refresh(ctx, 0))

	stats := mon.Stats()
	require.Len(t, stats.RecentFailures, 5)
	assert.Equal(t, "f7", stats.RecentFailures[0].ID)
	assert.Equal(t, "f3", stats.RecentFailures[4].ID)

	// Stats returns a copy.
	stats.ByStatus[models.JobFailed] = 0
	assert.Equal(t, 8, mon.Stats().ByStatus[models.JobFailed])
}

func TestMonitor_Start(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := store.NewMemory()
	require.NoError(t, s.CreateJob(ctx, &models.Job{
		ID: "old", Kind: models.JobCreate, Status: models.JobRunning,
		CreatedAt: time.Now().Add(-2 * time.Hour), UpdatedAt: time.Now().Add(-2 * time.Hour),
	}))

	mon := NewMonitor(s, config.JobsConfig{SweepInterval: time.Hour, StallTimeout: time.Hour}, nil, nil)
	done := make(chan struct{})
	go func() {
		mon.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		job, err := s.GetJob(context.Background(), "old")
		return err == nil && job.Status == models.JobFailed
	}, 5*time.Second, 10*time.Millisecond, "first sweep runs immediately")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
