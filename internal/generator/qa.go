package generator

import (
	"context"
	"log/slog"

	"github.com/raphaelgruber/synthkit/internal/config"
	"github.com/raphaelgruber/synthkit/internal/llm"
	"github.com/raphaelgruber/synthkit/internal/metrics"
	"github.com/raphaelgruber/synthkit/internal/models"
)

const truncationMarker = "\n\n[...content truncated...]\n\n"

// QAGenerator produces question-answer pairs and a document summary.
type QAGenerator struct {
	engine
}

// NewQAGenerator creates a QA generator. The collector and logger may be nil.
func NewQAGenerator(client Completer, cfg config.Config, mc *metrics.Collector, logger *slog.Logger) *QAGenerator {
	return &QAGenerator{engine: newEngine(client, cfg, mc, logger)}
}

// GenerateSummary asks the model for a summary of text. Documents longer
// than 1.5x chunkSize are summarized from their head and tail. A failed
// call yields an empty summary. The temperature is sent as given.
func (g *QAGenerator) GenerateSummary(ctx context.Context, text string, chunkSize int, temperature float64) string {
	if chunkSize <= 0 {
		chunkSize = g.cfg.Generation.ChunkSize
	}
	sample := text
	if runes := []rune(text); float64(len(runes)) > 1.5*float64(chunkSize) {
		sample = string(runes[:chunkSize]) + truncationMarker + string(runes[len(runes)-chunkSize:])
	}

	prompt, err := g.render(config.PromptSummarization, map[string]any{"text": sample})
	if err != nil {
		g.logger.Error("render summary prompt", "error", err)
		return ""
	}

	out := g.client.Complete(ctx, systemPrompt(prompt), llm.WithTemperature(temperature))
	if !out.OK() {
		g.logger.Warn("summary unavailable", "status", out.Status, "error", out.Err)
		return ""
	}
	return out.Text
}

// GenerateQAPairs fans text out over chunks and returns the parsed pairs.
func (g *QAGenerator) GenerateQAPairs(ctx context.Context, text string, opts Options) (models.GenerationResult, error) {
	opts = g.withDefaults(opts)
	run, err := g.fanOut(ctx, text, opts, models.KindQA, func(chunk string, quota int) (string, error) {
		return g.render(config.PromptQAGeneration, map[string]any{"text": chunk, "num_pairs": quota})
	})
	return models.GenerationResult{
		Records:      run.records,
		Chunks:       run.chunks,
		FailedChunks: run.failed,
	}, err
}

// ProcessDocument summarizes the document, then generates QA pairs.
func (g *QAGenerator) ProcessDocument(ctx context.Context, text string, opts Options) (models.GenerationResult, error) {
	opts = g.withDefaults(opts)
	summary := g.GenerateSummary(ctx, text, opts.ChunkSize, *opts.Temperature)

	res, err := g.GenerateQAPairs(ctx, text, opts)
	res.Summary = summary
	if err != nil {
		return res, err
	}
	g.logger.Info("generated QA pairs",
		"pairs", len(res.Records), "target", *opts.Target, "failed_chunks", res.FailedChunks)
	return res, nil
}
