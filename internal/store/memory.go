package store

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/raphaelgruber/synthkit/internal/models"
)

// Memory keeps jobs in a map. Jobs do not survive a restart.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job
	now  func() time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the time source used to stamp jobs.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an empty in-memory job store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		jobs: make(map[string]*models.Job),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateJob stores a copy of job. Zero timestamps are set to now.
func (m *Memory) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	now := m.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	stored := cloneJob(*job)
	m.jobs[job.ID] = &stored
	return nil
}

// GetJob returns a copy of the job with the given ID.
func (m *Memory) GetJob(_ context.Context, id string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, exists := m.jobs[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	out := cloneJob(*job)
	return &out, nil
}

// UpdateJob applies u atomically and returns the updated job.
func (m *Memory) UpdateJob(_ context.Context, id string, u models.JobUpdate) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if !u.Matches(*job) {
		return nil, fmt.Errorf("%w: %s is %s", ErrUpdateConflict, id, job.Status)
	}
	u.Apply(job, m.now())
	out := cloneJob(*job)
	return &out, nil
}

// ListJobs returns matching jobs, newest first.
func (m *Memory) ListJobs(_ context.Context, f models.JobFilter) ([]models.Job, error) {
	m.mu.RLock()
	out := make([]models.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if f.Matches(*job) {
			out = append(out, cloneJob(*job))
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b models.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return page(out, f.Limit, f.Offset), nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}

func cloneJob(job models.Job) models.Job {
	job.Params = maps.Clone(job.Params)
	return job
}

func page(jobs []models.Job, limit, offset int) []models.Job {
	if offset > 0 {
		if offset >= len(jobs) {
			return []models.Job{}
		}
		jobs = jobs[offset:]
	}
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs
}
