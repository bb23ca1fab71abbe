package tools_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/synthkit/internal/config"
	"github.com/raphaelgruber/synthkit/internal/export"
	"github.com/raphaelgruber/synthkit/internal/generator"
	"github.com/raphaelgruber/synthkit/internal/models"
	"github.com/raphaelgruber/synthkit/internal/service"
	"github.com/raphaelgruber/synthkit/internal/store"
	"github.com/raphaelgruber/synthkit/internal/tools"
)

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "content should be TextContent")
	return text.Text
}

func setup(t *testing.T) (*mcp.ClientSession, *service.JobManager) {
	t.Helper()

	tasks := map[models.JobKind]service.Task{
		models.JobIngest: func(ctx context.Context, job models.Job, progress generator.ProgressFunc) error {
			if filepath.Base(job.InputRef) == "broken.txt" {
				return errors.New("cannot read broken.txt")
			}
			progress(1, 1)
			return export.WriteText(job.Params[service.ParamOutput].(string), "tides rise twice a day")
		},
	}
	s := store.NewMemory()
	jobsCfg := config.JobsConfig{Workers: 1, QueueSize: 4}
	mgr := service.NewJobManager(s, tasks, service.Layout{Root: t.TempDir(), RecentWindow: time.Minute}, jobsCfg, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	mgr.Start(ctx)
	t.Cleanup(mgr.Shutdown)

	server := mcp.NewServer(&mcp.Implementation{Name: "test-synthkit", Version: "0.0.1-test"}, nil)
	tools.RegisterAll(server, &tools.Dependencies{
		Jobs:    mgr,
		Monitor: service.NewMonitor(s, jobsCfg, nil, nil),
	})

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	go func() {
		_ = server.Run(ctx, serverTransport)
	}()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err, "client should connect successfully")
	t.Cleanup(func() { _ = session.Close() })
	return session, mgr
}

func call(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	return res
}

func waitTerminal(t *testing.T, mgr *service.JobManager, id string) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = mgr.Get(context.Background(), id)
		return err == nil && job.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestRegisterAll(t *testing.T) {
	session, _ := setup(t)

	result, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)
	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"ping", "submit_job", "get_job", "list_jobs", "job_stats"}, names)

	assert.Equal(t, "pong", textOf(t, call(t, session, "ping", map[string]any{})))
	assert.Equal(t, "hello", textOf(t, call(t, session, "ping", map[string]any{"echo": "hello"})))
}

func TestSubmitJob(t *testing.T) {
	session, mgr := setup(t)
	src := filepath.Join(t.TempDir(), "tides.txt")
	require.NoError(t, os.WriteFile(src, []byte("tides"), 0o644))

	res := call(t, session, "submit_job", map[string]any{"kind": "ingest", "input": src})
	require.False(t, res.IsError, textOf(t, res))
	assert.Contains(t, textOf(t, res), "queued")

	jobs, err := mgr.List(context.Background(), models.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	job := waitTerminal(t, mgr, jobs[0].ID)
	assert.Equal(t, models.JobCompleted, job.Status, job.Error)
	assert.Equal(t, "tides.txt", filepath.Base(job.OutputRef))

	got := call(t, session, "get_job", map[string]any{"id": job.ID})
	require.False(t, got.IsError)
	var decoded models.Job
	require.NoError(t, json.Unmarshal([]byte(textOf(t, got)), &decoded))
	assert.Equal(t, job.ID, decoded.ID)
	assert.Equal(t, models.JobCompleted, decoded.Status)
}

func TestSubmitJob_Errors(t *testing.T) {
	session, _ := setup(t)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"unknown kind", map[string]any{"kind": "summarize", "input": "a.txt"}, "unknown job kind"},
		{"no task registered", map[string]any{"kind": "export", "input": "a.json", "params": map[string]any{"format": "jsonl"}}, "Check the kind and params"},
		{"no upstream output", map[string]any{"kind": "curate"}, "Pass an input file path"},
		{"ingest without input", map[string]any{"kind": "ingest"}, "need an explicit input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := call(t, session, "submit_job", tt.args)
			assert.True(t, res.IsError)
			assert.Contains(t, textOf(t, res), tt.want)
		})
	}
}

func TestGetJob_NotFound(t *testing.T) {
	session, _ := setup(t)

	res := call(t, session, "get_job", map[string]any{"id": "missing"})
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "job not found: missing")
}

func TestListJobsAndStats(t *testing.T) {
	session, mgr := setup(t)

	assert.Equal(t, "No jobs found", textOf(t, call(t, session, "list_jobs", map[string]any{})))

	dir := t.TempDir()
	good := filepath.Join(dir, "good.txt")
	require.NoError(t, os.WriteFile(good, []byte("tides"), 0o644))
	for _, input := range []string{good, filepath.Join(dir, "broken.txt")} {
		res := call(t, session, "submit_job", map[string]any{"kind": "ingest", "input": input})
		require.False(t, res.IsError, textOf(t, res))
	}

	jobs, err := mgr.List(context.Background(), models.JobFilter{})
	require.NoError(t, err)
	for _, j := range jobs {
		waitTerminal(t, mgr, j.ID)
	}

	failed := textOf(t, call(t, session, "list_jobs", map[string]any{"status": "failed"}))
	assert.Contains(t, failed, "broken.txt")
	assert.Contains(t, failed, "error: cannot read broken.txt")
	assert.NotContains(t, failed, "good.txt")

	var stats service.HealthStats
	require.NoError(t, json.Unmarshal([]byte(textOf(t, call(t, session, "job_stats", map[string]any{}))), &stats))
	assert.Equal(t, 1, stats.ByStatus[models.JobCompleted])
	assert.Equal(t, 1, stats.ByStatus[models.JobFailed])
	assert.Equal(t, 2, stats.ByKind[models.JobIngest])
	require.Len(t, stats.RecentFailures, 1)
}
