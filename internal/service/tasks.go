package service

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/samber/lo"

	"github.com/raphaelgruber/synthkit/internal/config"
	"github.com/raphaelgruber/synthkit/internal/export"
	"github.com/raphaelgruber/synthkit/internal/generator"
	"github.com/raphaelgruber/synthkit/internal/metrics"
	"github.com/raphaelgruber/synthkit/internal/models"
	"github.com/raphaelgruber/synthkit/internal/source"
)

// Job parameter keys.
const (
	ParamOutput       = "output"
	ParamType         = "type"
	ParamNumPairs     = "num_pairs"
	ParamChunkSize    = "chunk_size"
	ParamOverlap      = "overlap"
	ParamTemperature  = "temperature"
	ParamIncludeSteps = "include_steps"
	ParamThreshold    = "threshold"
	ParamBatchSize    = "batch_size"
	ParamFormat       = "format"
	ParamName         = "name"
)

// Generation types for create jobs.
const (
	TypeQA  = "qa"
	TypeCoT = "cot"
)

// ErrNoRecords fails a create or curate job that produced nothing to write.
var ErrNoRecords = errors.New("no records generated")

// Pipeline binds the generators to the job kinds.
type Pipeline struct {
	cfg     config.Config
	qa      *generator.QAGenerator
	cot     *generator.CotGenerator
	curator *generator.Curator
	logger  *slog.Logger
}

// NewPipeline creates the generators on top of client. The collector and
// logger may be nil.
func NewPipeline(cfg config.Config, client generator.Completer, mc *metrics.Collector, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:     cfg,
		qa:      generator.NewQAGenerator(client, cfg, mc, logger),
		cot:     generator.NewCotGenerator(client, cfg, mc, logger),
		curator: generator.NewCurator(client, cfg, mc, logger),
		logger:  logger.With("component", "pipeline"),
	}
}

// Tasks returns the task for every job kind.
func (p *Pipeline) Tasks() map[models.JobKind]Task {
	return map[models.JobKind]Task{
		models.JobIngest: p.Ingest,
		models.JobCreate: p.Create,
		models.JobCurate: p.Curate,
		models.JobExport: p.Export,
	}
}

// Ingest extracts the text of the input document.
func (p *Pipeline) Ingest(_ context.Context, job models.Job, progress generator.ProgressFunc) error {
	doc, err := source.Extract(job.InputRef)
	if err != nil {
		return err
	}
	if err := export.WriteText(outputPath(job), doc.Text); err != nil {
		return err
	}
	progress(1, 1)
	return nil
}

// Create generates QA pairs or CoT examples from a text file.
func (p *Pipeline) Create(ctx context.Context, job models.Job, progress generator.ProgressFunc) error {
	doc, err := source.Extract(job.InputRef)
	if err != nil {
		return err
	}

	opts := generator.Options{
		Target:      optionalInt(job.Params, ParamNumPairs),
		ChunkSize:   paramInt(job.Params, ParamChunkSize, 0),
		Overlap:     paramInt(job.Params, ParamOverlap, 0),
		Temperature: optionalFloat(job.Params, ParamTemperature),
		Progress:    progress,
	}

	var res models.GenerationResult
	switch genType := paramString(job.Params, ParamType, TypeQA); genType {
	case TypeQA:
		res, err = p.qa.ProcessDocument(ctx, doc.Text, opts)
	case TypeCoT:
		res, err = p.cot.ProcessDocument(ctx, doc.Text, generator.CotOptions{
			Options:      opts,
			IncludeSteps: paramBool(job.Params, ParamIncludeSteps, false),
		})
	default:
		return fmt.Errorf("%w: unknown generation type %q", config.ErrConfig, genType)
	}
	if err != nil {
		return err
	}
	if len(res.Records) == 0 {
		return fmt.Errorf("%w: %d of %d chunks failed", ErrNoRecords, res.FailedChunks, res.Chunks)
	}
	return export.WriteJSON(outputPath(job), res.Document())
}

// Curate rates the pairs of a generated document and keeps the good ones.
func (p *Pipeline) Curate(ctx context.Context, job models.Job, progress generator.ProgressFunc) error {
	doc, err := export.ReadDocument(job.InputRef)
	if err != nil {
		return err
	}
	pairs := doc.Pairs()
	if len(pairs) == 0 {
		return fmt.Errorf("%w: %s has no QA pairs", ErrNoRecords, job.InputRef)
	}

	res, err := p.curator.Curate(ctx, pairs, generator.CurateOptions{
		Threshold:   paramFloat(job.Params, ParamThreshold, 0),
		BatchSize:   paramInt(job.Params, ParamBatchSize, 0),
		Temperature: optionalFloat(job.Params, ParamTemperature),
		Progress:    progress,
	})
	if err != nil {
		return err
	}
	return export.WriteJSON(outputPath(job), models.Document{
		Summary:    doc.Summary,
		RatedPairs: res.Kept,
		Metrics:    &res.Metrics,
	})
}

// Export writes a document in a training-data format.
func (p *Pipeline) Export(_ context.Context, job models.Job, progress generator.ProgressFunc) error {
	doc, err := export.ReadDocument(job.InputRef)
	if err != nil {
		return err
	}
	n, err := export.Write(outputPath(job), paramString(job.Params, ParamFormat, export.FormatJSONL), doc)
	if err != nil {
		return err
	}
	progress(n, n)
	return nil
}

func outputPath(job models.Job) string {
	return paramString(job.Params, ParamOutput, "")
}

// Parameters round-trip through JSON stores, so numbers may come back as
// float64 and flags as strings.

func paramString(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}

func paramInt(params map[string]any, key string, def int) int {
	if n, ok := lookupInt(params, key); ok {
		return n
	}
	return def
}

// optionalInt is nil when key is absent or not a number, so an explicit
// zero survives.
func optionalInt(params map[string]any, key string) *int {
	if n, ok := lookupInt(params, key); ok {
		return &n
	}
	return nil
}

func lookupInt(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n), true
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n, true
		}
	}
	return 0, false
}

func paramFloat(params map[string]any, key string, def float64) float64 {
	if f, ok := lookupFloat(params, key); ok {
		return f
	}
	return def
}

func optionalFloat(params map[string]any, key string) *float64 {
	if f, ok := lookupFloat(params, key); ok {
		return &f
	}
	return nil
}

func lookupFloat(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f, true
		}
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func paramBool(params map[string]any, key string, def bool) bool {
	switch v := params[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Stats describes a job's output file.
type Stats struct {
	SizeBytes     int64                 `json:"size_bytes"`
	Items         int                   `json:"items"`
	Characters    int                   `json:"characters,omitempty"`
	Words         int                   `json:"words,omitempty"`
	AvgQuestion   float64               `json:"avg_question_chars,omitempty"`
	AvgAnswer     float64               `json:"avg_answer_chars,omitempty"`
	HasSummary    bool                  `json:"has_summary,omitempty"`
	CurateMetrics *models.CurateMetrics `json:"curate_metrics,omitempty"`
}

// OutputStats summarizes the output of a job of kind as a JSON object.
func OutputStats(kind models.JobKind, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	st := Stats{SizeBytes: info.Size()}

	switch {
	case kind == models.JobIngest:
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		st.Items = 1
		st.Characters = utf8.RuneCount(data)
		st.Words = len(strings.Fields(string(data)))
	case strings.EqualFold(filepath.Ext(path), ".jsonl"):
		n, err := countLines(path)
		if err != nil {
			return "", err
		}
		st.Items = n
	case strings.EqualFold(filepath.Ext(path), ".csv"):
		n, err := countCSVRecords(path)
		if err != nil {
			return "", err
		}
		st.Items = n
	default:
		doc, err := export.ReadDocument(path)
		if err != nil {
			return "", err
		}
		pairs := doc.Pairs()
		st.Items = len(pairs)
		st.HasSummary = doc.Summary != ""
		st.CurateMetrics = doc.Metrics
		if len(pairs) > 0 {
			st.AvgQuestion = avgLen(pairs, func(p models.QAPair) string { return p.Question })
			st.AvgAnswer = avgLen(pairs, func(p models.QAPair) string { return p.Answer })
		}
	}

	data, err := json.Marshal(st)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func avgLen(pairs []models.QAPair, field func(models.QAPair) string) float64 {
	total := lo.SumBy(pairs, func(p models.QAPair) int { return utf8.RuneCountInString(field(p)) })
	return float64(int(float64(total)/float64(len(pairs))*10+0.5)) / 10
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			n++
		}
	}
	return n, sc.Err()
}

// countCSVRecords counts data rows, excluding the header.
func countCSVRecords(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return 0, err
	}
	return max(len(rows)-1, 0), nil
}
