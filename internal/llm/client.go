// Package llm is a chat-completion client for the Llama API and
// OpenAI-compatible (vLLM) endpoints, with retries and bounded batching.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/raphaelgruber/synthkit/internal/config"
	"github.com/raphaelgruber/synthkit/internal/metrics"
	"github.com/raphaelgruber/synthkit/internal/models"
)

const maxErrorBody = 512

// errBatchAborted signals that the concurrent batch path could not finish.
var errBatchAborted = errors.New("concurrent batch aborted")

// Option overrides a sampling parameter for a single call.
type Option func(*request)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(r *request) { r.Temperature = t }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(r *request) { r.MaxTokens = n }
}

// WithTopP sets nucleus sampling mass.
func WithTopP(p float64) Option {
	return func(r *request) { r.TopP = &p }
}

// WithStop sets stop sequences.
func WithStop(stop ...string) Option {
	return func(r *request) { r.Stop = stop }
}

// Client sends chat completions to the configured endpoint.
// It is safe for concurrent use.
type Client struct {
	dialect    dialect
	model      string
	http       *http.Client
	metrics    *metrics.Collector
	logger     *slog.Logger
	maxRetries int
	backoff    time.Duration

	temperature      float64
	maxTokens        int
	batchConcurrency int
	sequential       bool
}

// NewClient creates a client for cfg.APIType. The collector may be nil.
func NewClient(cfg config.Config, mc *metrics.Collector, logger *slog.Logger) (*Client, error) {
	d, err := newDialect(cfg)
	if err != nil {
		return nil, fmt.Errorf("create completion client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	retries := cfg.Client.MaxRetries
	if retries < 1 {
		retries = 1
	}
	batch := cfg.Curate.InferenceBatch
	if batch < 1 {
		batch = 1
	}

	return &Client{
		dialect:          d,
		model:            cfg.Model(),
		http:             &http.Client{Timeout: cfg.Client.Timeout},
		metrics:          mc,
		logger:           logger.With("component", "llm", "dialect", d.name()),
		maxRetries:       retries,
		backoff:          cfg.Client.InitialBackoff,
		temperature:      cfg.Generation.Temperature,
		maxTokens:        cfg.Generation.MaxTokens,
		batchConcurrency: batch,
		sequential:       cfg.Client.Sequential,
	}, nil
}

// Model returns the model name sent with every request.
func (c *Client) Model() string {
	return c.model
}

// Complete sends one chat completion. Transport errors and non-2xx
// responses are retried with exponential backoff; a 2xx body of an
// unexpected shape is not retried and yields StatusEmpty.
func (c *Client) Complete(ctx context.Context, messages []models.Message, opts ...Option) Outcome {
	req := request{
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
	for _, opt := range opts {
		opt(&req)
	}

	body, err := json.Marshal(c.dialect.payload(c.model, req))
	if err != nil {
		return Outcome{Status: StatusFailed, Err: fmt.Errorf("encode request: %w", err)}
	}

	var (
		attempts int
		text     string
	)

	op := func() error {
		attempts++
		start := time.Now()

		got, u, err := c.send(ctx, body)
		if err != nil {
			c.metrics.RecordFailure(metrics.OpCompletion)
			return err
		}
		c.metrics.RecordUsage(metrics.OpCompletion, time.Since(start), u.Input, u.Output)
		text = got
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("completion attempt failed, retrying",
			"attempt", attempts, "max_attempts", c.maxRetries, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, c.retryPolicy(ctx), notify); err != nil {
		c.logger.Error("completion failed", "attempts", attempts, "error", err)
		return Outcome{Status: StatusFailed, Err: fmt.Errorf("%w: %w", ErrTransport, err), Attempts: attempts}
	}

	if text == "" {
		return Outcome{Status: StatusEmpty, Attempts: attempts}
	}
	return Outcome{Status: StatusOK, Text: text, Attempts: attempts}
}

// CompleteText is Complete rendered as plain text; a failed call yields
// the failure message rather than model output.
func (c *Client) CompleteText(ctx context.Context, messages []models.Message, opts ...Option) string {
	return c.Complete(ctx, messages, opts...).String()
}

// retryPolicy allows maxRetries attempts in total, waiting the initial
// backoff after the first failure and doubling after each further one.
func (c *Client) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.backoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.backoff << 10
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries-1)), ctx)
}

// send performs one HTTP round trip. A nil error with ok=false from the
// dialect is logged and returned as empty text.
func (c *Client) send(ctx context.Context, body []byte) (string, usage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.dialect.url(), bytes.NewReader(body))
	if err != nil {
		return "", usage{}, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	c.dialect.setHeaders(httpReq.Header)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", usage{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", usage{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return "", usage{}, &StatusError{Code: resp.StatusCode, Body: string(data)}
	}

	text, u, ok := c.dialect.decode(data)
	if !ok {
		snippet := data
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		c.logger.Error("unexpected response format", "body", string(snippet))
		return "", u, nil
	}
	return text, u, nil
}

// CompleteBatch runs one completion per prompt with at most concurrency
// calls in flight (the configured inference batch when concurrency <= 0).
// Outcomes are returned in prompt order. If the concurrent path cannot
// complete, the whole batch is re-run sequentially.
func (c *Client) CompleteBatch(ctx context.Context, prompts [][]models.Message, concurrency int, opts ...Option) []Outcome {
	if len(prompts) == 0 {
		return []Outcome{}
	}
	if concurrency <= 0 {
		concurrency = c.batchConcurrency
	}

	if !c.sequential {
		outcomes, err := c.completeConcurrent(ctx, prompts, concurrency, opts)
		if err == nil {
			return outcomes
		}
		c.logger.Error("batch processing failed, falling back to sequential", "error", err)
	}

	outcomes := make([]Outcome, len(prompts))
	for i, p := range prompts {
		outcomes[i] = c.Complete(ctx, p, opts...)
	}
	return outcomes
}

func (c *Client) completeConcurrent(ctx context.Context, prompts [][]models.Message, concurrency int, opts []Option) ([]Outcome, error) {
	outcomes := make([]Outcome, len(prompts))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, p := range prompts {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: prompt %d panicked: %v", errBatchAborted, i, r)
				}
			}()
			outcomes[i] = c.Complete(ctx, p, opts...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}
