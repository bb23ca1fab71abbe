package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"github.com/samber/lo"

	"github.com/raphaelgruber/synthkit/internal/config"
	"github.com/raphaelgruber/synthkit/internal/llm"
	"github.com/raphaelgruber/synthkit/internal/metrics"
	"github.com/raphaelgruber/synthkit/internal/models"
	"github.com/raphaelgruber/synthkit/internal/parser"
)

// CurateOptions controls a curation pass. Zero values and a nil
// Temperature fall back to the curate config.
type CurateOptions struct {
	Threshold   float64
	BatchSize   int
	Temperature *float64
	Concurrency int
	Progress    ProgressFunc
}

// CurateResult holds every rated pair and the ones that passed.
type CurateResult struct {
	Rated   []models.RatedQAPair
	Kept    []models.RatedQAPair
	Metrics models.CurateMetrics
}

// Curator rates QA pairs with the model and filters them by score.
type Curator struct {
	engine
}

// NewCurator creates a curator. The collector and logger may be nil.
func NewCurator(client Completer, cfg config.Config, mc *metrics.Collector, logger *slog.Logger) *Curator {
	return &Curator{engine: newEngine(client, cfg, mc, logger)}
}

// Curate rates pairs in batches and keeps those rated at or above the
// threshold. Batches whose rating call fails fall back to default ratings.
func (c *Curator) Curate(ctx context.Context, pairs []models.QAPair, opts CurateOptions) (CurateResult, error) {
	opts = c.curateDefaults(opts)
	if opts.Threshold < parser.MinRating || opts.Threshold > parser.MaxRating {
		return CurateResult{}, fmt.Errorf("%w: threshold %.1f outside [1, 10]", config.ErrConfig, opts.Threshold)
	}
	if len(pairs) == 0 {
		return CurateResult{Rated: []models.RatedQAPair{}, Kept: []models.RatedQAPair{}}, nil
	}

	batches := lo.Chunk(pairs, opts.BatchSize)
	prompts := make([][]models.Message, len(batches))
	for i, batch := range batches {
		encoded, err := json.MarshalIndent(batch, "", "  ")
		if err != nil {
			return CurateResult{}, fmt.Errorf("encode batch %d: %w", i, err)
		}
		prompt, err := c.render(config.PromptQARating, map[string]any{"pairs": string(encoded)})
		if err != nil {
			return CurateResult{}, err
		}
		prompts[i] = systemPrompt(prompt)
	}

	c.logger.Info("rating QA pairs", "pairs", len(pairs), "batches", len(batches), "threshold", opts.Threshold)
	outcomes := c.client.CompleteBatch(ctx, prompts, opts.Concurrency, llm.WithTemperature(*opts.Temperature))

	var res CurateResult
	for i, out := range outcomes {
		if !out.OK() {
			c.logger.Warn("rating batch failed, using default ratings", "batch", i, "status", out.Status, "error", out.Err)
		}
		parsed := parser.ParseRatings(out.Text, batches[i])
		res.Rated = append(res.Rated, parsed.Pairs...)
		res.Metrics.Defaulted += parsed.Defaulted
		if opts.Progress != nil {
			opts.Progress(i+1, len(batches))
		}
	}
	if err := ctx.Err(); err != nil {
		return CurateResult{}, err
	}

	res.Kept = lo.Filter(res.Rated, func(p models.RatedQAPair, _ int) bool {
		return p.Rating >= opts.Threshold
	})
	res.Metrics.Total = len(res.Rated)
	res.Metrics.Filtered = len(res.Kept)
	if res.Metrics.Total > 0 {
		res.Metrics.RetentionRate = round2(float64(res.Metrics.Filtered) / float64(res.Metrics.Total))
		res.Metrics.AvgScore = round2(lo.SumBy(res.Rated, func(p models.RatedQAPair) float64 { return p.Rating }) / float64(res.Metrics.Total))
	}

	c.logger.Info("curation finished",
		"total", res.Metrics.Total, "kept", res.Metrics.Filtered,
		"avg_score", res.Metrics.AvgScore, "defaulted", res.Metrics.Defaulted)
	return res, nil
}

func (c *Curator) curateDefaults(opts CurateOptions) CurateOptions {
	if opts.Threshold == 0 {
		opts.Threshold = c.cfg.Curate.Threshold
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = c.cfg.Curate.BatchSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 8
	}
	if opts.Temperature == nil {
		opts.Temperature = lo.ToPtr(c.cfg.Curate.Temperature)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = c.cfg.Curate.InferenceBatch
	}
	return opts
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
