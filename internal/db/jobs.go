package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/raphaelgruber/synthkit/internal/metrics"
	"github.com/raphaelgruber/synthkit/internal/models"
	"github.com/raphaelgruber/synthkit/internal/store"
)

const (
	conflictRetries    = 3
	conflictRetryDelay = 50 * time.Millisecond
)

// jobRecord is the row shape of the job table.
type jobRecord struct {
	ID        surrealmodels.RecordID `json:"id"`
	Kind      string                 `json:"kind"`
	Status    string                 `json:"status"`
	InputRef  string                 `json:"input_ref"`
	OutputRef string                 `json:"output_ref"`
	Params    map[string]any         `json:"params,omitempty"`
	Error     string                 `json:"error"`
	Stats     string                 `json:"stats"`
	Progress  int                    `json:"progress"`
	Total     int                    `json:"total"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

func (r jobRecord) job() models.Job {
	return models.Job{
		ID:        recordKey(r.ID),
		Kind:      models.JobKind(r.Kind),
		Status:    models.JobStatus(r.Status),
		InputRef:  r.InputRef,
		OutputRef: r.OutputRef,
		Params:    r.Params,
		Error:     r.Error,
		Stats:     r.Stats,
		Progress:  r.Progress,
		Total:     r.Total,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// recordKey extracts the string key of a job:<key> record ID.
func recordKey(id surrealmodels.RecordID) string {
	if s, ok := id.ID.(string); ok {
		return s
	}
	return fmt.Sprint(id.ID)
}

func datetime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (c *Client) observe(start time.Time, err error) {
	if err != nil {
		c.metrics.RecordFailure(metrics.OpDBQuery)
		return
	}
	c.metrics.RecordTiming(metrics.OpDBQuery, time.Since(start))
}

// CreateJob creates a job record. Zero timestamps are set to now.
func (c *Client) CreateJob(ctx context.Context, job *models.Job) (err error) {
	defer func(start time.Time) { c.observe(start, err) }(time.Now())

	if job.CreatedAt.IsZero() {
		job.CreatedAt = c.now()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	params := job.Params
	if params == nil {
		params = map[string]any{}
	}

	_, err = surrealdb.Query[[]jobRecord](ctx, c.db, `
		CREATE type::record("job", $id) CONTENT {
			kind: $kind,
			status: $status,
			input_ref: $input_ref,
			output_ref: $output_ref,
			params: $params,
			error: $error_text,
			stats: $stats,
			progress: $progress,
			total: $total,
			created_at: type::datetime($created_at),
			updated_at: type::datetime($updated_at)
		}
	`, map[string]any{
		"id":         job.ID,
		"kind":       string(job.Kind),
		"status":     string(job.Status),
		"input_ref":  job.InputRef,
		"output_ref": job.OutputRef,
		"params":     params,
		"error_text": job.Error,
		"stats":      job.Stats,
		"progress":   job.Progress,
		"total":      job.Total,
		"created_at": datetime(job.CreatedAt),
		"updated_at": datetime(job.UpdatedAt),
	})
	if err != nil {
		return fmt.Errorf("create job: %w", wrapQueryError(err))
	}
	return nil
}

// GetJob retrieves a job by ID.
func (c *Client) GetJob(ctx context.Context, id string) (job *models.Job, err error) {
	defer func(start time.Time) { c.observe(start, err) }(time.Now())

	results, err := surrealdb.Query[[]jobRecord](ctx, c.db, `
		SELECT * FROM type::record("job", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, id)
	}
	j := (*results)[0].Result[0].job()
	return &j, nil
}

// UpdateJob applies u with a single conditional UPDATE and returns the
// updated job.
func (c *Client) UpdateJob(ctx context.Context, id string, u models.JobUpdate) (*models.Job, error) {
	start := time.Now()

	vars := map[string]any{"id": id, "now": datetime(c.now())}
	sets := []string{"updated_at = type::datetime($now)"}
	set := func(field string, v any) {
		vars["v_"+field] = v
		sets = append(sets, fmt.Sprintf("%s = $v_%s", field, field))
	}
	if u.Status != nil {
		set("status", string(*u.Status))
	}
	if u.OutputRef != nil {
		set("output_ref", *u.OutputRef)
	}
	if u.Error != nil {
		set("error", *u.Error)
	}
	if u.Stats != nil {
		set("stats", *u.Stats)
	}
	if u.Progress != nil {
		set("progress", *u.Progress)
	}
	if u.Total != nil {
		set("total", *u.Total)
	}

	var where []string
	if u.IfStatus != nil {
		vars["if_status"] = string(*u.IfStatus)
		where = append(where, "status = $if_status")
	}
	if u.IfUpdatedBefore != nil {
		vars["if_before"] = datetime(*u.IfUpdatedBefore)
		where = append(where, "updated_at < type::datetime($if_before)")
	}

	query := fmt.Sprintf(`UPDATE type::record("job", $id) SET %s`, strings.Join(sets, ", "))
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " RETURN AFTER"

	// Heartbeats and the stall sweep can touch the same record at once.
	var results *[]surrealdb.QueryResult[[]jobRecord]
	retry := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(conflictRetryDelay), conflictRetries), ctx)
	err := backoff.Retry(func() error {
		var qerr error
		results, qerr = surrealdb.Query[[]jobRecord](ctx, c.db, query, vars)
		if qerr = wrapQueryError(qerr); qerr != nil && !errors.Is(qerr, ErrTransactionConflict) {
			return backoff.Permanent(qerr)
		}
		return qerr
	}, retry)
	c.observe(start, err)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		j := (*results)[0].Result[0].job()
		return &j, nil
	}

	// UPDATE on a missing record or a failed condition returns nothing.
	job, err := c.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s is %s", store.ErrUpdateConflict, id, job.Status)
}

// ListJobs returns matching jobs, newest first.
func (c *Client) ListJobs(ctx context.Context, f models.JobFilter) (jobs []models.Job, err error) {
	defer func(start time.Time) { c.observe(start, err) }(time.Now())

	vars := map[string]any{}
	var where []string
	if f.Status != "" {
		vars["status"] = string(f.Status)
		where = append(where, "status = $status")
	}
	if f.Kind != "" {
		vars["kind"] = string(f.Kind)
		where = append(where, "kind = $kind")
	}
	if !f.UpdatedBefore.IsZero() {
		vars["before"] = datetime(f.UpdatedBefore)
		where = append(where, "updated_at < type::datetime($before)")
	}

	var b strings.Builder
	b.WriteString("SELECT * FROM job")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC")
	if f.Limit > 0 {
		vars["limit"] = f.Limit
		b.WriteString(" LIMIT $limit")
	}
	if f.Offset > 0 {
		vars["start"] = f.Offset
		b.WriteString(" START $start")
	}

	results, err := surrealdb.Query[[]jobRecord](ctx, c.db, b.String(), vars)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	jobs = []models.Job{}
	if results == nil || len(*results) == 0 {
		return jobs, nil
	}
	for _, r := range (*results)[0].Result {
		jobs = append(jobs, r.job())
	}
	return jobs, nil
}
