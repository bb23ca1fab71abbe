package tools

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterAll registers all tools with the MCP server.
// This is called after server creation but before Run().
func RegisterAll(server *mcp.Server, deps *Dependencies) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "ping",
		Description: "Test tool - responds with pong or echoes input",
	}, NewPingHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name: "submit_job",
		Description: "Queue a pipeline job: ingest (document to text), create (generate QA or CoT records), " +
			"curate (rate and filter QA pairs) or export (write a training-data format). " +
			"Returns the job ID immediately; poll get_job for the result.",
	}, NewSubmitJobHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_job",
		Description: "Retrieve a job by ID with its status, progress, output path and stats",
	}, NewGetJobHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_jobs",
		Description: "List jobs, newest first, optionally filtered by status and kind",
	}, NewListJobsHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "job_stats",
		Description: "Job counts by status and kind plus recent failures",
	}, NewJobStatsHandler(deps))
}
