// Package service runs pipeline jobs: it persists them, hands them to a
// worker pool, resolves their outputs and sweeps stalled ones.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/raphaelgruber/synthkit/internal/config"
	"github.com/raphaelgruber/synthkit/internal/generator"
	"github.com/raphaelgruber/synthkit/internal/metrics"
	"github.com/raphaelgruber/synthkit/internal/models"
	"github.com/raphaelgruber/synthkit/internal/store"
)

var (
	// ErrJobNotPending is returned when a job that already left pending is started.
	ErrJobNotPending = errors.New("job is not pending")
	// ErrJobActive is returned when a job is already queued or running in this process.
	ErrJobActive = errors.New("job is already active")
	// ErrQueueFull is returned when the worker queue cannot take another job.
	ErrQueueFull = errors.New("job queue is full")
	// ErrShutdown is returned when enqueueing after Shutdown.
	ErrShutdown = errors.New("job manager is shut down")
)

// JobStore persists jobs. Implemented by store.Memory, store.SQL and db.Client.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, id string, u models.JobUpdate) (*models.Job, error)
	ListJobs(ctx context.Context, f models.JobFilter) ([]models.Job, error)
}

// Task does the work of one job kind. It writes its output to the path in
// job.Params[ParamOutput] and may report progress, which also serves as
// the job's heartbeat.
type Task func(ctx context.Context, job models.Job, progress generator.ProgressFunc) error

// JobManager creates jobs and runs them on a fixed pool of workers.
// A job id is held by at most one worker at a time.
type JobManager struct {
	store   JobStore
	tasks   map[models.JobKind]Task
	layout  Layout
	cfg     config.JobsConfig
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time

	queue chan string
	wg    sync.WaitGroup

	mu      sync.Mutex
	active  map[string]struct{}
	started bool
	closed  bool
}

// NewJobManager creates a job manager. The collector and logger may be nil.
func NewJobManager(s JobStore, tasks map[models.JobKind]Task, layout Layout, cfg config.JobsConfig, mc *metrics.Collector, logger *slog.Logger) *JobManager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &JobManager{
		store:   s,
		tasks:   tasks,
		layout:  layout,
		cfg:     cfg,
		metrics: mc,
		logger:  logger.With("component", "jobs"),
		now:     time.Now,
		queue:   make(chan string, cfg.QueueSize),
		active:  make(map[string]struct{}),
	}
}

// Layout returns the output layout jobs are written to.
func (m *JobManager) Layout() Layout {
	return m.layout
}

// Create persists a pending job of kind with its expected output path
// stored under params[ParamOutput].
func (m *JobManager) Create(ctx context.Context, kind models.JobKind, inputRef string, params map[string]any) (*models.Job, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown job kind %q", config.ErrConfig, kind)
	}
	if _, ok := m.tasks[kind]; !ok {
		return nil, fmt.Errorf("%w: no task registered for %s jobs", config.ErrConfig, kind)
	}

	job := models.NewJob(kind, inputRef, params)
	expected, err := m.layout.Expected(kind, inputRef, job.Params, m.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfig, err)
	}
	job.Params[ParamOutput] = expected

	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	m.logger.Info("job created", "job_id", job.ID, "kind", kind, "input", inputRef, "output", expected)
	return job, nil
}

// Get returns a job by id.
func (m *JobManager) Get(ctx context.Context, id string) (*models.Job, error) {
	return m.store.GetJob(ctx, id)
}

// List returns jobs matching f, newest first.
func (m *JobManager) List(ctx context.Context, f models.JobFilter) ([]models.Job, error) {
	return m.store.ListJobs(ctx, f)
}

// Start launches the workers. They run until Shutdown is called.
func (m *JobManager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.closed {
		return
	}
	m.started = true

	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx, i)
	}
	m.logger.Info("worker pool started", "workers", m.cfg.Workers, "queue", m.cfg.QueueSize)
}

func (m *JobManager) worker(ctx context.Context, n int) {
	defer m.wg.Done()
	for id := range m.queue {
		if _, err := m.execute(ctx, id); err != nil {
			m.logger.Warn("job not run", "worker", n, "job_id", id, "error", err)
		}
		m.release(id)
	}
}

// Enqueue hands a pending job to the worker pool without blocking.
func (m *JobManager) Enqueue(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrShutdown
	}
	if _, ok := m.active[id]; ok {
		return fmt.Errorf("%w: %s", ErrJobActive, id)
	}

	select {
	case m.queue <- id:
		m.active[id] = struct{}{}
		return nil
	default:
		return ErrQueueFull
	}
}

// Run executes a job on the calling goroutine and returns its final state.
// Job failures are recorded on the job, not returned.
func (m *JobManager) Run(ctx context.Context, id string) (*models.Job, error) {
	if err := m.claim(id); err != nil {
		return nil, err
	}
	defer m.release(id)
	return m.execute(ctx, id)
}

func (m *JobManager) claim(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[id]; ok {
		return fmt.Errorf("%w: %s", ErrJobActive, id)
	}
	m.active[id] = struct{}{}
	return nil
}

func (m *JobManager) release(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// Active returns the ids currently queued or running in this process.
func (m *JobManager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := lo.Keys(m.active)
	slices.Sort(ids)
	return ids
}

// Shutdown stops accepting jobs and waits for queued ones to finish.
func (m *JobManager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.queue)
	started := m.started
	m.mu.Unlock()

	if started {
		m.wg.Wait()
	}
	m.logger.Info("worker pool stopped")
}

// PollPending enqueues stored pending jobs, oldest first, until the queue
// fills. It returns how many were enqueued.
func (m *JobManager) PollPending(ctx context.Context) (int, error) {
	pending, err := m.store.ListJobs(ctx, models.JobFilter{Status: models.JobPending})
	if err != nil {
		return 0, fmt.Errorf("list pending jobs: %w", err)
	}

	n := 0
	for _, job := range slices.Backward(pending) {
		err := m.Enqueue(job.ID)
		switch {
		case err == nil:
			n++
		case errors.Is(err, ErrJobActive):
		case errors.Is(err, ErrQueueFull), errors.Is(err, ErrShutdown):
			return n, nil
		default:
			return n, err
		}
	}
	if n > 0 {
		m.logger.Debug("pending jobs enqueued", "count", n)
	}
	return n, nil
}

// AutoSource returns the output of the most recent completed job that
// feeds kind: create output for curate, curate then create output for export.
func (m *JobManager) AutoSource(ctx context.Context, kind models.JobKind) (string, error) {
	var upstream []models.JobKind
	switch kind {
	case models.JobCurate:
		upstream = []models.JobKind{models.JobCreate}
	case models.JobExport:
		upstream = []models.JobKind{models.JobCurate, models.JobCreate}
	default:
		return "", fmt.Errorf("%w: %s jobs need an explicit input", config.ErrConfig, kind)
	}

	for _, k := range upstream {
		jobs, err := m.store.ListJobs(ctx, models.JobFilter{Status: models.JobCompleted, Kind: k, Limit: 1})
		if err != nil {
			return "", fmt.Errorf("list %s jobs: %w", k, err)
		}
		if len(jobs) > 0 && jobs[0].OutputRef != "" {
			return jobs[0].OutputRef, nil
		}
	}
	return "", fmt.Errorf("no completed job output to use as %s input", kind)
}

// execute moves a pending job through running to a terminal state.
// The returned error means the job was not started; failures after that
// are recorded on the job.
func (m *JobManager) execute(ctx context.Context, id string) (*models.Job, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobPending {
		return job, fmt.Errorf("%w: %s is %s", ErrJobNotPending, id, job.Status)
	}
	task, ok := m.tasks[job.Kind]
	if !ok {
		return job, fmt.Errorf("%w: no task registered for %s jobs", config.ErrConfig, job.Kind)
	}

	job, err = m.store.UpdateJob(ctx, id, models.JobUpdate{
		Status:   lo.ToPtr(models.JobRunning),
		Progress: lo.ToPtr(0),
		IfStatus: lo.ToPtr(models.JobPending),
	})
	if err != nil {
		if errors.Is(err, store.ErrUpdateConflict) {
			return nil, fmt.Errorf("%w: %v", ErrJobNotPending, err)
		}
		return nil, fmt.Errorf("mark running: %w", err)
	}

	start := time.Now()
	logger := m.logger.With("job_id", id, "kind", job.Kind)
	logger.Info("job started", "input", job.InputRef)

	// Terminal updates must land even when the caller's context ends.
	persistCtx := context.WithoutCancel(ctx)

	if err := m.runTask(ctx, task, *job, logger); err != nil {
		m.metrics.RecordFailure(metrics.OpJob)
		logger.Error("job failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return m.finish(persistCtx, id, models.JobUpdate{
			Status: lo.ToPtr(models.JobFailed),
			Error:  lo.ToPtr(err.Error()),
		}, logger)
	}

	update := m.resolveOutput(*job, logger)
	m.metrics.RecordTiming(metrics.OpJob, time.Since(start))
	logger.Info("job finished", "status", *update.Status, "output", lo.FromPtr(update.OutputRef),
		"duration_ms", time.Since(start).Milliseconds())
	return m.finish(persistCtx, id, update, logger)
}

// runTask invokes task, converting a panic into an error.
func (m *JobManager) runTask(ctx context.Context, task Task, job models.Job, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", "panic", r)
			err = fmt.Errorf("internal panic: %v", r)
		}
	}()
	return task(ctx, job, m.heartbeat(ctx, job.ID, logger))
}

// heartbeat returns a progress callback that persists progress and so
// refreshes the job's updated_at.
func (m *JobManager) heartbeat(ctx context.Context, id string, logger *slog.Logger) generator.ProgressFunc {
	return func(done, total int) {
		_, err := m.store.UpdateJob(ctx, id, models.JobUpdate{
			Progress: lo.ToPtr(done),
			Total:    lo.ToPtr(total),
			IfStatus: lo.ToPtr(models.JobRunning),
		})
		if err != nil {
			logger.Warn("failed to persist job progress", "done", done, "total", total, "error", err)
		}
	}
}

// resolveOutput decides the terminal state of a job whose task returned
// without error.
func (m *JobManager) resolveOutput(job models.Job, logger *slog.Logger) models.JobUpdate {
	expected := paramString(job.Params, ParamOutput, "")
	path, ok := m.layout.Resolve(job.Kind, expected, m.now())
	if !ok {
		return models.JobUpdate{
			Status: lo.ToPtr(models.JobWarning),
			Error:  lo.ToPtr(fmt.Sprintf("output file not found (kind=%s, expected=%s)", job.Kind, expected)),
		}
	}
	if path != expected {
		logger.Warn("expected output missing, adopting recent file", "expected", expected, "found", path)
	}

	update := models.JobUpdate{
		Status:    lo.ToPtr(models.JobCompleted),
		OutputRef: lo.ToPtr(path),
	}
	stats, err := OutputStats(job.Kind, path)
	if err != nil {
		update.Status = lo.ToPtr(models.JobWarning)
		update.Error = lo.ToPtr(fmt.Sprintf("output stats unavailable: %v", err))
		return update
	}
	update.Stats = lo.ToPtr(stats)
	return update
}

// finish applies a terminal update if the job is still running. A
// conflict means the stall sweep already failed the job.
func (m *JobManager) finish(ctx context.Context, id string, u models.JobUpdate, logger *slog.Logger) (*models.Job, error) {
	u.IfStatus = lo.ToPtr(models.JobRunning)
	job, err := m.store.UpdateJob(ctx, id, u)
	if errors.Is(err, store.ErrUpdateConflict) {
		logger.Warn("job left running state before it finished", "error", err)
		return m.store.GetJob(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("finish job %s: %w", id, err)
	}
	return job, nil
}
