// Package generator turns documents into synthetic training records by
// chunking them, prompting the model per chunk and parsing the replies.
package generator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"
	"github.com/tmc/langchaingo/prompts"

	"github.com/raphaelgruber/synthkit/internal/config"
	"github.com/raphaelgruber/synthkit/internal/llm"
	"github.com/raphaelgruber/synthkit/internal/metrics"
	"github.com/raphaelgruber/synthkit/internal/models"
	"github.com/raphaelgruber/synthkit/internal/parser"
)

// Completer is the completion client used by the generators.
type Completer interface {
	Complete(ctx context.Context, messages []models.Message, opts ...llm.Option) llm.Outcome
	CompleteBatch(ctx context.Context, prompts [][]models.Message, concurrency int, opts ...llm.Option) []llm.Outcome
}

// ProgressFunc reports that done of total units of work have finished.
type ProgressFunc func(done, total int)

// Options controls one document run. A nil Target or Temperature and a
// zero ChunkSize or Concurrency fall back to the generation config. An
// explicit zero Target makes no generation calls.
type Options struct {
	Target      *int
	ChunkSize   int
	Overlap     int
	Temperature *float64
	// Concurrency above 1 sends chunk prompts through the batch path
	// instead of one at a time.
	Concurrency int
	Progress    ProgressFunc
}

// engine holds what the QA and CoT generators share: prompt rendering and
// the chunk fan-out loop.
type engine struct {
	client  Completer
	cfg     config.Config
	delay   time.Duration
	metrics *metrics.Collector
	logger  *slog.Logger
}

func newEngine(client Completer, cfg config.Config, mc *metrics.Collector, logger *slog.Logger) engine {
	if logger == nil {
		logger = slog.Default()
	}
	return engine{
		client:  client,
		cfg:     cfg,
		delay:   cfg.Generation.ChunkDelay,
		metrics: mc,
		logger:  logger.With("component", "generator"),
	}
}

// withDefaults fills unset options from the generation config.
func (e *engine) withDefaults(opts Options) Options {
	if opts.Target == nil {
		opts.Target = lo.ToPtr(e.cfg.Generation.NumPairs)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = e.cfg.Generation.ChunkSize
		if opts.Overlap == 0 {
			opts.Overlap = e.cfg.Generation.Overlap
		}
	}
	if opts.Temperature == nil {
		opts.Temperature = lo.ToPtr(e.cfg.Generation.Temperature)
	}
	if opts.Concurrency == 0 {
		opts.Concurrency = e.cfg.Generation.Concurrency
	}
	return opts
}

// render fills the named prompt template.
func (e *engine) render(name string, values map[string]any) (string, error) {
	tmpl, err := e.cfg.Prompt(name)
	if err != nil {
		return "", err
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	out, err := prompts.NewPromptTemplate(tmpl, keys).Format(values)
	if err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return out, nil
}

// systemPrompt wraps a rendered prompt as the single system turn.
func systemPrompt(content string) []models.Message {
	return []models.Message{{Role: models.RoleSystem, Content: content}}
}

// chunkRun is the aggregate of one fan-out.
type chunkRun struct {
	records []models.Record
	chunks  int
	failed  int
}

// promptFunc renders the prompt for one chunk and its quota.
type promptFunc func(chunk string, quota int) (string, error)

// fanOut splits text, allocates the target across chunks and collects the
// parsed records in chunk order. A chunk whose call fails or whose reply
// cannot be parsed contributes nothing; the run continues.
func (e *engine) fanOut(ctx context.Context, text string, opts Options, kind models.RecordKind, build promptFunc) (chunkRun, error) {
	target := *opts.Target
	if target < 0 {
		return chunkRun{}, fmt.Errorf("%w: target count %d is negative", config.ErrConfig, target)
	}
	chunks, err := parser.Split(text, opts.ChunkSize, opts.Overlap)
	if err != nil {
		return chunkRun{}, err
	}
	quotas := AllocateQuotas(target, len(chunks))

	type task struct {
		index  int
		prompt []models.Message
	}
	var tasks []task
	for i, chunk := range chunks {
		if quotas[i] == 0 {
			continue
		}
		prompt, err := build(chunk, quotas[i])
		if err != nil {
			return chunkRun{}, err
		}
		tasks = append(tasks, task{index: i, prompt: systemPrompt(prompt)})
	}

	run := chunkRun{chunks: len(chunks)}
	e.logger.Info("processing document",
		"chunks", len(chunks), "eligible", len(tasks), "target", target, "kind", kind)

	collect := func(i int, out llm.Outcome, elapsed time.Duration) {
		recs := parser.Parse(kind, out.Text)
		if !out.OK() || len(recs) == 0 {
			run.failed++
			e.metrics.RecordFailure(metrics.OpChunkGeneration)
			e.logger.Warn("chunk produced no records",
				"chunk", tasks[i].index, "status", out.Status, "error", out.Err)
		} else {
			e.metrics.RecordTiming(metrics.OpChunkGeneration, elapsed)
		}
		run.records = append(run.records, recs...)
		if opts.Progress != nil {
			opts.Progress(i+1, len(tasks))
		}
	}

	callOpts := []llm.Option{llm.WithTemperature(*opts.Temperature)}

	if opts.Concurrency > 1 {
		batch := make([][]models.Message, len(tasks))
		for i, t := range tasks {
			batch[i] = t.prompt
		}
		start := time.Now()
		outcomes := e.client.CompleteBatch(ctx, batch, opts.Concurrency, callOpts...)
		for i, out := range outcomes {
			collect(i, out, time.Since(start))
		}
		return run, ctx.Err()
	}

	for i, t := range tasks {
		if i > 0 && e.delay > 0 {
			select {
			case <-ctx.Done():
				return run, ctx.Err()
			case <-time.After(e.delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return run, err
		}
		start := time.Now()
		out := e.client.Complete(ctx, t.prompt, callOpts...)
		collect(i, out, time.Since(start))
	}
	return run, nil
}
