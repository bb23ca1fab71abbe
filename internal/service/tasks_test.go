package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/synthkit/internal/config"
	"github.com/raphaelgruber/synthkit/internal/export"
	"github.com/raphaelgruber/synthkit/internal/llm"
	"github.com/raphaelgruber/synthkit/internal/metrics"
	"github.com/raphaelgruber/synthkit/internal/models"
	"github.com/raphaelgruber/synthkit/internal/store"
)

var (
	requestedPairsRE = regexp.MustCompile(`write (\d+) diverse`)
	ratedQuestionRE  = regexp.MustCompile(`"question": "([^"]+)"`)
)

// scriptedModel plays a completion backend for every prompt the pipeline sends.
type scriptedModel struct {
	mu    sync.Mutex
	calls int
}

func (s *scriptedModel) Complete(_ context.Context, messages []models.Message, _ ...llm.Option) llm.Outcome {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	prompt := messages[0].Content
	switch {
	case strings.Contains(prompt, "Summarize the following document"):
		return llm.Outcome{Status: llm.StatusOK, Text: "Tides follow the moon.", Attempts: 1}
	case strings.Contains(prompt, "You rate question-answer pairs"):
		var rated []models.RatedQAPair
		for i, m := range ratedQuestionRE.FindAllStringSubmatch(prompt, -1) {
			if m[1] == "Original question" {
				continue
			}
			rated = append(rated, models.RatedQAPair{Question: m[1], Answer: "a", Rating: float64(6 + i%3)})
		}
		b, _ := json.Marshal(rated)
		return llm.Outcome{Status: llm.StatusOK, Text: string(b), Attempts: 1}
	}

	m := requestedPairsRE.FindStringSubmatch(prompt)
	if m == nil {
		return llm.Outcome{Status: llm.StatusEmpty, Attempts: 1}
	}
	n, _ := strconv.Atoi(m[1])
	pairs := make([]models.QAPair, n)
	for i := range pairs {
		pairs[i] = models.QAPair{Question: fmt.Sprintf("What about tides %d?", i), Answer: "They rise."}
	}
	b, _ := json.Marshal(pairs)
	return llm.Outcome{Status: llm.StatusOK, Text: "Here you go:\n```json\n" + string(b) + "\n```", Attempts: 1}
}

func (s *scriptedModel) CompleteBatch(ctx context.Context, prompts [][]models.Message, _ int, opts ...llm.Option) []llm.Outcome {
	out := make([]llm.Outcome, len(prompts))
	for i, p := range prompts {
		out[i] = s.Complete(ctx, p, opts...)
	}
	return out
}

func newPipelineManager(t *testing.T, model *scriptedModel) *JobManager {
	t.Helper()
	cfg := config.Default()
	cfg.Generation.ChunkDelay = 0
	mc := metrics.NewCollector()
	pipeline := NewPipeline(cfg, model, mc, nil)
	layout := Layout{Root: t.TempDir(), RecentWindow: cfg.Jobs.RecentWindow}
	return NewJobManager(store.NewMemory(), pipeline.Tasks(), layout, cfg.Jobs, mc, nil)
}

func runJob(t *testing.T, m *JobManager, kind models.JobKind, input string, params map[string]any) *models.Job {
	t.Helper()
	ctx := context.Background()
	job, err := m.Create(ctx, kind, input, params)
	require.NoError(t, err)
	done, err := m.Run(ctx, job.ID)
	require.NoError(t, err)
	return done
}

func TestPipeline_EndToEnd(t *testing.T) {
	model := &scriptedModel{}
	m := newPipelineManager(t, model)

	src := filepath.Join(t.TempDir(), "Ocean Tides.md")
	require.NoError(t, os.WriteFile(src, []byte("---\ntitle: Ocean Tides\n---\n# Tides\n\nTides are caused by the [[Moon|moon]]. They rise twice a day.\n"), 0o644))

	ingest := runJob(t, m, models.JobIngest, src, nil)
	require.Equal(t, models.JobCompleted, ingest.Status, ingest.Error)
	assert.Equal(t, filepath.Join(m.Layout().Root, DirOutput, "ocean-tides.txt"), ingest.OutputRef)
	text, err := os.ReadFile(ingest.OutputRef)
	require.NoError(t, err)
	assert.Contains(t, string(text), "caused by the moon")
	assert.Contains(t, ingest.Stats, `"words"`)

	create := runJob(t, m, models.JobCreate, ingest.OutputRef, map[string]any{ParamNumPairs: float64(3)})
	require.Equal(t, models.JobCompleted, create.Status, create.Error)
	doc, err := export.ReadDocument(create.OutputRef)
	require.NoError(t, err)
	assert.Equal(t, "Tides follow the moon.", doc.Summary)
	assert.Len(t, doc.QAPairs, 3)
	assert.Equal(t, 1, create.Total)

	curate := runJob(t, m, models.JobCurate, create.OutputRef, map[string]any{ParamThreshold: "7"})
	require.Equal(t, models.JobCompleted, curate.Status, curate.Error)
	curated, err := export.ReadDocument(curate.OutputRef)
	require.NoError(t, err)
	require.NotNil(t, curated.Metrics)
	assert.Equal(t, 3, curated.Metrics.Total)
	assert.Equal(t, 2, curated.Metrics.Filtered)
	assert.Len(t, curated.RatedPairs, 2)
	assert.Equal(t, "Tides follow the moon.", curated.Summary)

	src2, err := m.AutoSource(context.Background(), models.JobExport)
	require.NoError(t, err)
	assert.Equal(t, curate.OutputRef, src2)

	exp := runJob(t, m, models.JobExport, src2, map[string]any{ParamFormat: export.FormatChatML, ParamName: "tides"})
	require.Equal(t, models.JobCompleted, exp.Status, exp.Error)
	assert.Equal(t, filepath.Join(m.Layout().Root, DirFinal, "tides_chatml.jsonl"), exp.OutputRef)
	assert.Contains(t, exp.Stats, `"items":2`)

	var stats Stats
	require.NoError(t, json.Unmarshal([]byte(curate.Stats), &stats))
	assert.Equal(t, 2, stats.Items)
	assert.True(t, stats.HasSummary)
	require.NotNil(t, stats.CurateMetrics)
	assert.Equal(t, 0.67, stats.CurateMetrics.RetentionRate)
}

func TestPipeline_Failures(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(empty, []byte("   \n"), 0o644))
	text := filepath.Join(dir, "doc.txt")
	require.NoError(t, os.WriteFile(text, []byte("Some text about tides."), 0o644))
	noPairs := filepath.Join(dir, "nopairs.json")
	require.NoError(t, os.WriteFile(noPairs, []byte(`{"summary":"s"}`), 0o644))
	withPairs := filepath.Join(dir, "pairs.json")
	require.NoError(t, os.WriteFile(withPairs, []byte(`[{"question":"q","answer":"a"}]`), 0o644))

	tests := []struct {
		name    string
		kind    models.JobKind
		input   string
		params  map[string]any
		wantErr string
	}{
		{"unsupported source", models.JobIngest, filepath.Join(dir, "slides.pptx"), nil, "unsupported source type"},
		{"empty source", models.JobIngest, empty, nil, "no text content"},
		{"missing input", models.JobCreate, filepath.Join(dir, "gone.txt"), nil, "read source"},
		{"unknown type", models.JobCreate, text, map[string]any{ParamType: "summary"}, "unknown generation type"},
		{"bad chunking", models.JobCreate, text, map[string]any{ParamChunkSize: 10, ParamOverlap: 10}, "invalid configuration"},
		{"nothing to curate", models.JobCurate, noPairs, nil, "no records generated"},
		{"threshold out of range", models.JobCurate, withPairs, map[string]any{ParamThreshold: 11.0}, "outside [1, 10]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newPipelineManager(t, &scriptedModel{})
			job := runJob(t, m, tt.kind, tt.input, tt.params)
			assert.Equal(t, models.JobFailed, job.Status)
			assert.Contains(t, job.Error, tt.wantErr)
		})
	}

	t.Run("unknown format rejected at creation", func(t *testing.T) {
		m := newPipelineManager(t, &scriptedModel{})
		_, err := m.Create(context.Background(), models.JobExport, withPairs, map[string]any{ParamFormat: "csv"})
		assert.ErrorIs(t, err, config.ErrConfig)
	})
}

func TestPipeline_NoRecords(t *testing.T) {
	m := newPipelineManager(t, &scriptedModel{})
	text := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(text, []byte("Some text about tides."), 0o644))

	// A CoT prompt gets an empty reply from the scripted model.
	job := runJob(t, m, models.JobCreate, text, map[string]any{ParamType: TypeCoT, ParamIncludeSteps: "true"})
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Contains(t, job.Error, "no records generated")
	assert.NoFileExists(t, job.Params[ParamOutput].(string))
}

func TestParams(t *testing.T) {
	params := map[string]any{
		"i": 3, "f": 2.5, "s": "7", "n": json.Number("4"), "b": true, "bs": "false", "empty": "",
	}
	assert.Equal(t, 3, paramInt(params, "i", 0))
	assert.Equal(t, 2, paramInt(params, "f", 0))
	assert.Equal(t, 7, paramInt(params, "s", 0))
	assert.Equal(t, 4, paramInt(params, "n", 0))
	assert.Equal(t, 9, paramInt(params, "missing", 9))
	assert.Equal(t, 3.0, paramFloat(params, "i", 0))
	assert.Equal(t, 7.0, paramFloat(params, "s", 0))
	assert.True(t, paramBool(params, "b", false))
	assert.False(t, paramBool(params, "bs", true))
	assert.Equal(t, "def", paramString(params, "empty", "def"))
	assert.Equal(t, "def", paramString(params, "i", "def"))

	zero := map[string]any{"num_pairs": float64(0), "temperature": 0}
	require.NotNil(t, optionalInt(zero, "num_pairs"))
	assert.Equal(t, 0, *optionalInt(zero, "num_pairs"))
	require.NotNil(t, optionalFloat(zero, "temperature"))
	assert.Equal(t, 0.0, *optionalFloat(zero, "temperature"))
	assert.Nil(t, optionalInt(zero, "missing"))
	assert.Nil(t, optionalFloat(params, "b"))
}

func TestOutputStats(t *testing.T) {
	dir := t.TempDir()
	lines := filepath.Join(dir, "out.jsonl")
	require.NoError(t, os.WriteFile(lines, []byte("{}\n{}\n\n{}\n"), 0o644))
	got, err := OutputStats(models.JobExport, lines)
	require.NoError(t, err)
	assert.Contains(t, got, `"items":3`)

	table := filepath.Join(dir, "out.csv")
	require.NoError(t, os.WriteFile(table, []byte("question,answer\n\"a\nb?\",c\nd?,e\n"), 0o644))
	got, err = OutputStats(models.JobExport, table)
	require.NoError(t, err)
	assert.Contains(t, got, `"items":2`)

	txt := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(txt, []byte("three small words"), 0o644))
	got, err = OutputStats(models.JobIngest, txt)
	require.NoError(t, err)
	var st Stats
	require.NoError(t, json.Unmarshal([]byte(got), &st))
	assert.Equal(t, 3, st.Words)
	assert.Equal(t, 17, st.Characters)

	doc := filepath.Join(dir, "doc.json")
	require.NoError(t, export.WriteJSON(doc, models.Document{QAPairs: []models.QAPair{
		{Question: "ab", Answer: "abcd"}, {Question: "abcd", Answer: "ab"},
	}}))
	got, err = OutputStats(models.JobCreate, doc)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(got), &st))
	assert.Equal(t, 2, st.Items)
	assert.Equal(t, 3.0, st.AvgQuestion)
	assert.Equal(t, 3.0, st.AvgAnswer)

	_, err = OutputStats(models.JobCreate, filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
