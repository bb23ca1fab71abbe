package models

import (
	"time"

	"github.com/google/uuid"
)

// JobKind identifies the pipeline stage a job runs.
type JobKind string

const (
	JobIngest JobKind = "ingest"
	JobCreate JobKind = "create"
	JobCurate JobKind = "curate"
	JobExport JobKind = "export"
)

// JobKinds lists every kind in pipeline order.
var JobKinds = []JobKind{JobIngest, JobCreate, JobCurate, JobExport}

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	switch k {
	case JobIngest, JobCreate, JobCurate, JobExport:
		return true
	}
	return false
}

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobWarning   JobStatus = "warning"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobWarning || s == JobFailed
}

// Job is a persisted unit of pipeline work.
type Job struct {
	ID        string         `json:"id"`
	Kind      JobKind        `json:"kind"`
	Status    JobStatus      `json:"status"`
	InputRef  string         `json:"input_ref"`
	OutputRef string         `json:"output_ref,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Error     string         `json:"error,omitempty"`
	Stats     string         `json:"stats,omitempty"`
	Progress  int            `json:"progress"`
	Total     int            `json:"total"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewJob returns a pending job with a fresh ID. The store stamps its
// timestamps on creation.
func NewJob(kind JobKind, inputRef string, params map[string]any) *Job {
	if params == nil {
		params = map[string]any{}
	}
	return &Job{
		ID:       uuid.NewString(),
		Kind:     kind,
		Status:   JobPending,
		InputRef: inputRef,
		Params:   params,
	}
}

// JobUpdate is a partial update. Nil fields are left unchanged.
// IfStatus and IfUpdatedBefore make the update conditional; a store
// rejects it with ErrUpdateConflict when the row no longer matches.
type JobUpdate struct {
	Status    *JobStatus
	OutputRef *string
	Error     *string
	Stats     *string
	Progress  *int
	Total     *int

	IfStatus        *JobStatus
	IfUpdatedBefore *time.Time
}

// Apply copies the set fields onto job and stamps UpdatedAt.
func (u JobUpdate) Apply(job *Job, now time.Time) {
	if u.Status != nil {
		job.Status = *u.Status
	}
	if u.OutputRef != nil {
		job.OutputRef = *u.OutputRef
	}
	if u.Error != nil {
		job.Error = *u.Error
	}
	if u.Stats != nil {
		job.Stats = *u.Stats
	}
	if u.Progress != nil {
		job.Progress = *u.Progress
	}
	if u.Total != nil {
		job.Total = *u.Total
	}
	job.UpdatedAt = now
}

// Matches reports whether job satisfies the update's conditions.
func (u JobUpdate) Matches(job Job) bool {
	if u.IfStatus != nil && job.Status != *u.IfStatus {
		return false
	}
	if u.IfUpdatedBefore != nil && !job.UpdatedAt.Before(*u.IfUpdatedBefore) {
		return false
	}
	return true
}

// JobFilter narrows a job listing. Zero values match everything;
// a zero Limit returns all rows.
type JobFilter struct {
	Status        JobStatus
	Kind          JobKind
	UpdatedBefore time.Time
	Limit         int
	Offset        int
}

// Matches reports whether job passes the filter, ignoring paging.
func (f JobFilter) Matches(job Job) bool {
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	if f.Kind != "" && job.Kind != f.Kind {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !job.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}
