package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/raphaelgruber/synthkit/internal/config"
	"github.com/raphaelgruber/synthkit/internal/llm"
	"github.com/raphaelgruber/synthkit/internal/metrics"
	"github.com/raphaelgruber/synthkit/internal/models"
	"github.com/raphaelgruber/synthkit/internal/parser"
)

// CotGenerator produces chain-of-thought examples and enhances
// conversations with explicit reasoning.
type CotGenerator struct {
	engine
}

// NewCotGenerator creates a CoT generator. The collector and logger may be nil.
func NewCotGenerator(client Completer, cfg config.Config, mc *metrics.Collector, logger *slog.Logger) *CotGenerator {
	return &CotGenerator{engine: newEngine(client, cfg, mc, logger)}
}

// CotOptions extends Options with step extraction.
type CotOptions struct {
	Options
	IncludeSteps bool
}

// GenerateExamples fans text out over chunks and returns parsed examples.
func (g *CotGenerator) GenerateExamples(ctx context.Context, text string, opts Options) (models.GenerationResult, error) {
	opts = g.withDefaults(opts)
	run, err := g.fanOut(ctx, text, opts, models.KindCot, func(chunk string, quota int) (string, error) {
		return g.render(config.PromptCotGeneration, map[string]any{"text": chunk, "num_examples": quota})
	})
	return models.GenerationResult{
		Records:      run.records,
		Chunks:       run.chunks,
		FailedChunks: run.failed,
	}, err
}

// ProcessDocument generates CoT examples and, when requested, attaches the
// individual reasoning steps to each one.
func (g *CotGenerator) ProcessDocument(ctx context.Context, text string, opts CotOptions) (models.GenerationResult, error) {
	res, err := g.GenerateExamples(ctx, text, opts.Options)
	if opts.IncludeSteps {
		for i, rec := range res.Records {
			ex, ok := rec.(models.CotExample)
			if !ok || len(ex.Steps) > 0 {
				continue
			}
			ex.Steps = parser.ExtractSteps(ex.Reasoning)
			res.Records[i] = ex
		}
	}
	if err != nil {
		return res, err
	}
	g.logger.Info("generated CoT examples", "examples", len(res.Records), "failed_chunks", res.FailedChunks)
	return res, nil
}

// Enhance asks the model to add reasoning to the assistant turns of a
// conversation. The original messages are returned unchanged when the
// call fails or the reply is not a valid message list.
func (g *CotGenerator) Enhance(ctx context.Context, messages []models.Message, temperature float64, includeSteps bool) []models.Message {
	if len(messages) == 0 {
		return []models.Message{}
	}

	conversation, err := json.MarshalIndent(messages, "", "  ")
	if err != nil {
		return messages
	}
	prompt, err := g.render(config.PromptCotEnhancement, map[string]any{"conversation": string(conversation)})
	if err != nil {
		g.logger.Error("render enhancement prompt", "error", err)
		return messages
	}

	out := g.client.Complete(ctx, systemPrompt(prompt), llm.WithTemperature(temperature))
	if !out.OK() {
		g.logger.Warn("enhancement failed, keeping original messages", "status", out.Status, "error", out.Err)
		return messages
	}

	enhanced, err := decodeMessages(out.Text)
	if err != nil {
		g.logger.Warn("enhancement reply unusable, keeping original messages", "error", err)
		return messages
	}

	if includeSteps {
		for i, msg := range enhanced {
			if msg.Role != models.RoleAssistant || strings.Contains(msg.Content, "STEPS:") {
				continue
			}
			if !strings.Contains(msg.Content, "Step 1:") || !strings.Contains(msg.Content, "Step 2:") {
				continue
			}
			if steps := parser.ExtractSteps(msg.Content); len(steps) > 1 {
				enhanced[i].Content = msg.Content + formatSteps(steps)
			}
		}
	}
	return enhanced
}

func decodeMessages(text string) ([]models.Message, error) {
	v, err := parser.ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		return nil, fmt.Errorf("expected a non-empty message array, got %T", v)
	}

	out := make([]models.Message, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("message %d is not an object", i)
		}
		role, _ := obj["role"].(string)
		content, ok := obj["content"].(string)
		if role == "" || !ok {
			return nil, fmt.Errorf("message %d lacks role or content", i)
		}
		out = append(out, models.Message{Role: models.Role(role), Content: content})
	}
	return out, nil
}

func formatSteps(steps []string) string {
	var b strings.Builder
	b.WriteString("\n\nSTEPS:")
	for i, s := range steps {
		fmt.Fprintf(&b, "\n%d. %s", i+1, s)
	}
	return b.String()
}

