package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"github.com/raphaelgruber/synthkit/internal/config"
	"github.com/raphaelgruber/synthkit/internal/metrics"
	"github.com/raphaelgruber/synthkit/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	input_ref   TEXT NOT NULL,
	output_ref  TEXT NOT NULL,
	params      TEXT NOT NULL,
	error       TEXT NOT NULL,
	stats       TEXT NOT NULL,
	progress    INTEGER NOT NULL DEFAULT 0,
	total       INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_status_updated ON jobs (status, updated_at);
`

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id          VARCHAR(64) PRIMARY KEY,
	kind        VARCHAR(16) NOT NULL,
	status      VARCHAR(16) NOT NULL,
	input_ref   TEXT NOT NULL,
	output_ref  TEXT NOT NULL,
	params      TEXT NOT NULL,
	error       TEXT NOT NULL,
	stats       TEXT NOT NULL,
	progress    INT NOT NULL DEFAULT 0,
	total       INT NOT NULL DEFAULT 0,
	created_at  DATETIME(6) NOT NULL,
	updated_at  DATETIME(6) NOT NULL,
	INDEX jobs_status_updated (status, updated_at)
)`

const jobColumns = `id, kind, status, input_ref, output_ref, params, error, stats, progress, total, created_at, updated_at`

// SQL stores jobs in PostgreSQL or MySQL.
type SQL struct {
	db      *sql.DB
	driver  string
	now     func() time.Time
	metrics *metrics.Collector
}

// OpenSQL connects to the database for driver (config.StorePostgres or
// config.StoreMySQL) and verifies the connection. The collector may be nil.
func OpenSQL(ctx context.Context, driver, dsn string, mc *metrics.Collector) (*SQL, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case config.StorePostgres:
		db, err = sql.Open("postgres", dsn)
	case config.StoreMySQL:
		db, err = openMySQL(dsn)
	default:
		return nil, fmt.Errorf("%w: unsupported sql driver %q", config.ErrConfig, driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return &SQL{
		db:      db,
		driver:  driver,
		now:     func() time.Time { return time.Now().UTC().Round(time.Microsecond) },
		metrics: mc,
	}, nil
}

// openMySQL forces time parsing in UTC so DATETIME columns scan into time.Time.
func openMySQL(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	// Count matched rows so an unchanged row is not read as a failed condition.
	cfg.ClientFoundRows = true
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	return sql.OpenDB(connector), nil
}

// InitSchema creates the jobs table if it does not exist.
func (s *SQL) InitSchema(ctx context.Context) error {
	stmts := []string{mysqlSchema}
	if s.driver == config.StorePostgres {
		stmts = strings.Split(strings.TrimSpace(postgresSchema), ";\n")
	}
	for _, stmt := range stmts {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close closes the database handle.
func (s *SQL) Close() error {
	return s.db.Close()
}

// arg returns the n-th (1-based) bind placeholder for the driver.
func (s *SQL) arg(n int) string {
	if s.driver == config.StorePostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQL) observe(start time.Time, err error) {
	if err != nil {
		s.metrics.RecordFailure(metrics.OpDBQuery)
		return
	}
	s.metrics.RecordTiming(metrics.OpDBQuery, time.Since(start))
}

// CreateJob inserts job. Zero timestamps are set to now.
func (s *SQL) CreateJob(ctx context.Context, job *models.Job) (err error) {
	defer func(start time.Time) { s.observe(start, err) }(time.Now())

	params, err := encodeParams(job.Params)
	if err != nil {
		return err
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}

	placeholders := make([]string, 12)
	for i := range placeholders {
		placeholders[i] = s.arg(i + 1)
	}
	query := fmt.Sprintf("INSERT INTO jobs (%s) VALUES (%s)", jobColumns, strings.Join(placeholders, ", "))
	_, err = s.db.ExecContext(ctx, query,
		job.ID, string(job.Kind), string(job.Status), job.InputRef, job.OutputRef,
		params, job.Error, job.Stats, job.Progress, job.Total,
		job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
	)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// GetJob returns the job with the given ID.
func (s *SQL) GetJob(ctx context.Context, id string) (job *models.Job, err error) {
	defer func(start time.Time) { s.observe(start, err) }(time.Now())

	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM jobs WHERE id = %s", jobColumns, s.arg(1)), id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &j, nil
}

// UpdateJob applies u in a single UPDATE whose WHERE clause carries the
// update's conditions, then returns the stored row.
func (s *SQL) UpdateJob(ctx context.Context, id string, u models.JobUpdate) (*models.Job, error) {
	start := time.Now()

	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = %s", col, s.arg(len(args))))
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
	set("updated_at", s.now())

	args = append(args, id)
	where := []string{"id = " + s.arg(len(args))}
	if u.IfStatus != nil {
		args = append(args, string(*u.IfStatus))
		where = append(where, "status = "+s.arg(len(args)))
	}
	if u.IfUpdatedBefore != nil {
		args = append(args, u.IfUpdatedBefore.UTC())
		where = append(where, "updated_at < "+s.arg(len(args)))
	}

	query := fmt.Sprintf("UPDATE jobs SET %s WHERE %s", strings.Join(sets, ", "), strings.Join(where, " AND "))
	res, err := s.db.ExecContext(ctx, query, args...)
	s.observe(start, err)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s is %s", ErrUpdateConflict, id, job.Status)
	}
	return job, nil
}

// ListJobs returns matching jobs, newest first.
func (s *SQL) ListJobs(ctx context.Context, f models.JobFilter) (jobs []models.Job, err error) {
	defer func(start time.Time) { s.observe(start, err) }(time.Now())

	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, "status = "+s.arg(len(args)))
	}
	if f.Kind != "" {
		args = append(args, string(f.Kind))
		where = append(where, "kind = "+s.arg(len(args)))
	}
	if !f.UpdatedBefore.IsZero() {
		args = append(args, f.UpdatedBefore.UTC())
		where = append(where, "updated_at < "+s.arg(len(args)))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM jobs", jobColumns)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, id")
	switch {
	case f.Limit > 0:
		fmt.Fprintf(&b, " LIMIT %d", f.Limit)
	case f.Offset > 0 && s.driver == config.StoreMySQL:
		// MySQL only accepts OFFSET after LIMIT.
		b.WriteString(" LIMIT 18446744073709551615")
	}
	if f.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs = []models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (models.Job, error) {
	var (
		j            models.Job
		kind, status string
		params       string
	)
	err := row.Scan(&j.ID, &kind, &status, &j.InputRef, &j.OutputRef, &params,
		&j.Error, &j.Stats, &j.Progress, &j.Total, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}
	j.Kind = models.JobKind(kind)
	j.Status = models.JobStatus(status)
	if params != "" && params != "null" {
		if err := json.Unmarshal([]byte(params), &j.Params); err != nil {
			return models.Job{}, fmt.Errorf("decode params of %s: %w", j.ID, err)
		}
	}
	return j, nil
}

func encodeParams(params map[string]any) (string, error) {
	if len(params) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}
	return string(b), nil
}
