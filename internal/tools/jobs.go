package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/samber/lo"

	"github.com/raphaelgruber/synthkit/internal/config"
	"github.com/raphaelgruber/synthkit/internal/models"
	"github.com/raphaelgruber/synthkit/internal/service"
	"github.com/raphaelgruber/synthkit/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// SubmitJobInput defines the input schema for the submit_job tool.
type SubmitJobInput struct {
	Kind   string         `json:"kind" jsonschema:"Job kind: ingest, create, curate or export"`
	Input  string         `json:"input,omitempty" jsonschema:"Input file path. Optional for curate and export, which then use the latest completed upstream job"`
	Params map[string]any `json:"params,omitempty" jsonschema:"Job parameters such as type, num_pairs, threshold, format or name"`
}

// NewSubmitJobHandler creates a job and hands it to the worker pool.
func NewSubmitJobHandler(deps *Dependencies) mcp.ToolHandlerFor[SubmitJobInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input SubmitJobInput) (*mcp.CallToolResult, any, error) {
		kind := models.JobKind(input.Kind)
		if !kind.Valid() {
			return ErrorResult(fmt.Sprintf("unknown job kind %q", input.Kind), "Use ingest, create, curate or export"), nil, nil
		}

		source := input.Input
		if source == "" {
			var err error
			source, err = deps.Jobs.AutoSource(ctx, kind)
			if err != nil {
				return ErrorResult(err.Error(), "Pass an input file path"), nil, nil
			}
		}

		job, err := deps.Jobs.Create(ctx, kind, source, input.Params)
		if errors.Is(err, config.ErrConfig) {
			return ErrorResult(err.Error(), "Check the kind and params"), nil, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("create job: %w", err)
		}

		queued := "queued"
		switch err := deps.Jobs.Enqueue(job.ID); {
		case err == nil:
		case errors.Is(err, service.ErrQueueFull):
			// Left pending for the next poll.
			queued = "pending (queue full)"
		default:
			return nil, nil, fmt.Errorf("enqueue job: %w", err)
		}

		deps.logger().Info("job submitted", "job_id", job.ID, "kind", kind, "input", source)
		return TextResult(fmt.Sprintf("Job %s %s (%s, input %s). Poll get_job for the result.", job.ID, queued, kind, source)), nil, nil
	}
}

// GetJobInput defines the input schema for the get_job tool.
type GetJobInput struct {
	ID string `json:"id" jsonschema:"Job ID returned by submit_job"`
}

// NewGetJobHandler returns one job as JSON.
func NewGetJobHandler(deps *Dependencies) mcp.ToolHandlerFor[GetJobInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input GetJobInput) (*mcp.CallToolResult, any, error) {
		if input.ID == "" {
			return ErrorResult("id is required", ""), nil, nil
		}
		job, err := deps.Jobs.Get(ctx, input.ID)
		if errors.Is(err, store.ErrJobNotFound) {
			return ErrorResult(fmt.Sprintf("job not found: %s", input.ID), "Use list_jobs to see job IDs"), nil, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("get job: %w", err)
		}
		res, err := JSONResult(job)
		return res, nil, err
	}
}

// ListJobsInput defines the input schema for the list_jobs tool.
type ListJobsInput struct {
	Status string `json:"status,omitempty" jsonschema:"Filter by status: pending, running, completed, warning or failed"`
	Kind   string `json:"kind,omitempty" jsonschema:"Filter by kind: ingest, create, curate or export"`
	Limit  int    `json:"limit,omitempty" jsonschema:"Maximum number of jobs (default 20, max 100)"`
}

// NewListJobsHandler lists jobs one per line.
func NewListJobsHandler(deps *Dependencies) mcp.ToolHandlerFor[ListJobsInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ListJobsInput) (*mcp.CallToolResult, any, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}
		limit = min(limit, maxListLimit)

		jobs, err := deps.Jobs.List(ctx, models.JobFilter{
			Status: models.JobStatus(input.Status),
			Kind:   models.JobKind(input.Kind),
			Limit:  limit,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("list jobs: %w", err)
		}
		if len(jobs) == 0 {
			return TextResult("No jobs found"), nil, nil
		}

		lines := lo.Map(jobs, func(j models.Job, _ int) string {
			line := fmt.Sprintf("%s [%s %s] %d/%d %s", j.ID, j.Kind, j.Status, j.Progress, j.Total, j.InputRef)
			if j.OutputRef != "" {
				line += " -> " + j.OutputRef
			}
			if j.Error != "" {
				line += " error: " + j.Error
			}
			return line
		})
		return TextResult(FormatResults(lines)), nil, nil
	}
}

// JobStatsInput defines the input schema for the job_stats tool.
type JobStatsInput struct {
	Sweep bool `json:"sweep,omitempty" jsonschema:"Fail stalled running jobs before reporting"`
}

// NewJobStatsHandler reports job health.
func NewJobStatsHandler(deps *Dependencies) mcp.ToolHandlerFor[JobStatsInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input JobStatsInput) (*mcp.CallToolResult, any, error) {
		var err error
		if input.Sweep {
			_, err = deps.Monitor.Sweep(ctx)
		} else {
			err = deps.Monitor.Refresh(ctx, 0)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("job stats: %w", err)
		}
		res, err := JSONResult(deps.Monitor.Stats())
		return res, nil, err
	}
}
