package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/synthkit/internal/models"
)

// jobStore is the surface shared by Memory and SQL.
type jobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, id string, u models.JobUpdate) (*models.Job, error)
	ListJobs(ctx context.Context, f models.JobFilter) ([]models.Job, error)
}

// testJobStore runs the behaviour every store must share.
func testJobStore(t *testing.T, s jobStore, prefix string) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	id := func(n int) string { return fmt.Sprintf("%s-%d", prefix, n) }

	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateJob(ctx, &models.Job{
			ID:        id(i),
			Kind:      models.JobCreate,
			Status:    models.JobPending,
			InputRef:  fmt.Sprintf("data/output/doc%d.txt", i),
			Params:    map[string]any{"num_pairs": 5, "type": "qa"},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	t.Run("duplicate create", func(t *testing.T) {
		err := s.CreateJob(ctx, &models.Job{ID: id(0), Kind: models.JobCreate, Status: models.JobPending})
		assert.ErrorIs(t, err, ErrJobExists)
	})

	t.Run("get", func(t *testing.T) {
		job, err := s.GetJob(ctx, id(1))
		require.NoError(t, err)
		assert.Equal(t, models.JobCreate, job.Kind)
		assert.Equal(t, "data/output/doc1.txt", job.InputRef)
		assert.EqualValues(t, 5, job.Params["num_pairs"])
		assert.True(t, job.CreatedAt.Equal(base.Add(time.Minute)))

		_, err = s.GetJob(ctx, id(99))
		assert.ErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("update", func(t *testing.T) {
		job, err := s.UpdateJob(ctx, id(0), models.JobUpdate{
			Status:   lo.ToPtr(models.JobRunning),
			Progress: lo.ToPtr(2),
			Total:    lo.ToPtr(4),
			IfStatus: lo.ToPtr(models.JobPending),
		})
		require.NoError(t, err)
		assert.Equal(t, models.JobRunning, job.Status)
		assert.Equal(t, 2, job.Progress)
		assert.Equal(t, 4, job.Total)
		assert.True(t, job.UpdatedAt.After(base))

		_, err = s.UpdateJob(ctx, id(0), models.JobUpdate{
			Status:   lo.ToPtr(models.JobRunning),
			IfStatus: lo.ToPtr(models.JobPending),
		})
		assert.ErrorIs(t, err, ErrUpdateConflict)

		_, err = s.UpdateJob(ctx, id(99), models.JobUpdate{Status: lo.ToPtr(models.JobFailed)})
		assert.ErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("updated before condition", func(t *testing.T) {
		_, err := s.UpdateJob(ctx, id(0), models.JobUpdate{
			Status:          lo.ToPtr(models.JobFailed),
			IfUpdatedBefore: lo.ToPtr(base),
		})
		assert.ErrorIs(t, err, ErrUpdateConflict)

		job, err := s.GetJob(ctx, id(0))
		require.NoError(t, err)
		assert.Equal(t, models.JobRunning, job.Status)
	})

	t.Run("list", func(t *testing.T) {
		all, err := s.ListJobs(ctx, models.JobFilter{Kind: models.JobCreate})
		require.NoError(t, err)
		all = lo.Filter(all, func(j models.Job, _ int) bool { return len(j.ID) > len(prefix) && j.ID[:len(prefix)] == prefix })
		require.Len(t, all, 3)
		assert.Equal(t, id(2), all[0].ID, "newest first")

		pending, err := s.ListJobs(ctx, models.JobFilter{Status: models.JobPending, Kind: models.JobCreate})
		require.NoError(t, err)
		assert.NotContains(t, lo.Map(pending, func(j models.Job, _ int) string { return j.ID }), id(0))

		paged, err := s.ListJobs(ctx, models.JobFilter{Kind: models.JobCreate, Limit: 1, Offset: 1})
		require.NoError(t, err)
		assert.Len(t, paged, 1)
	})
}

func TestMemory(t *testing.T) {
	testJobStore(t, NewMemory(), "mem")
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job := &models.Job{ID: "a", Kind: models.JobIngest, Status: models.JobPending, Params: map[string]any{"k": "v"}}
	require.NoError(t, s.CreateJob(ctx, job))

	job.Params["k"] = "changed"
	got, err := s.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "v", got.Params["k"])

	got.Status = models.JobFailed
	again, err := s.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, again.Status)
}

func TestMemory_Clock(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemory(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, &models.Job{ID: "a", Status: models.JobRunning}))
	got, err := s.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, now, got.CreatedAt)
	assert.Equal(t, now, got.UpdatedAt)

	now = now.Add(61 * time.Minute)
	got, err = s.UpdateJob(ctx, "a", models.JobUpdate{
		Status:          lo.ToPtr(models.JobFailed),
		IfStatus:        lo.ToPtr(models.JobRunning),
		IfUpdatedBefore: lo.ToPtr(now.Add(-60 * time.Minute)),
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, now, got.UpdatedAt)
}

func TestMemory_ConcurrentConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.CreateJob(ctx, &models.Job{ID: "a", Status: models.JobPending}))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateJob(ctx, "a", models.JobUpdate{
				Status:   lo.ToPtr(models.JobRunning),
				IfStatus: lo.ToPtr(models.JobPending),
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrUpdateConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
