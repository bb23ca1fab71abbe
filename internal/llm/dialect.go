package llm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/raphaelgruber/synthkit/internal/config"
	"github.com/raphaelgruber/synthkit/internal/models"
)

// request carries the sampling parameters of one call.
type request struct {
	Messages    []models.Message
	Temperature float64
	MaxTokens   int
	TopP        *float64
	Stop        []string
}

// usage is token accounting reported by the endpoint, when present.
type usage struct {
	Input, Output int64
}

// dialect adapts the client to one API family. The set is closed:
// llamaDialect and vllmDialect.
type dialect interface {
	name() string
	url() string
	setHeaders(h http.Header)
	payload(model string, req request) any
	// decode extracts the completion text. ok is false when the body has
	// an unexpected shape.
	decode(body []byte) (text string, u usage, ok bool)
}

func newDialect(cfg config.Config) (dialect, error) {
	switch cfg.APIType {
	case config.APITypeLlama:
		if cfg.Llama.APIKey == "" {
			return nil, fmt.Errorf("%w: llama dialect requires an API key", config.ErrConfig)
		}
		return llamaDialect{base: strings.TrimRight(cfg.Llama.APIBase, "/"), apiKey: cfg.Llama.APIKey}, nil
	case config.APITypeVLLM:
		return vllmDialect{base: strings.TrimRight(cfg.VLLM.APIBase, "/")}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported api_type %q", config.ErrConfig, cfg.APIType)
	}
}

type chatPayload struct {
	Model       string           `json:"model"`
	Messages    []models.Message `json:"messages"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
}

func newChatPayload(model string, req request) chatPayload {
	return chatPayload{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stop:        req.Stop,
	}
}

// llamaDialect talks to the hosted Llama API. The key is sent verbatim in
// the Authorization header.
type llamaDialect struct {
	base   string
	apiKey string
}

func (d llamaDialect) name() string { return config.APITypeLlama }
func (d llamaDialect) url() string  { return d.base + "/chat/completions" }

func (d llamaDialect) setHeaders(h http.Header) {
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", d.apiKey)
}

func (d llamaDialect) payload(model string, req request) any {
	return newChatPayload(model, req)
}

type llamaResponse struct {
	CompletionMessage *struct {
		Content *struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"completion_message"`
	Metrics []struct {
		Metric string  `json:"metric"`
		Value  float64 `json:"value"`
	} `json:"metrics"`
}

func (d llamaDialect) decode(body []byte) (string, usage, bool) {
	var resp llamaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", usage{}, false
	}
	if resp.CompletionMessage == nil || resp.CompletionMessage.Content == nil ||
		resp.CompletionMessage.Content.Type != "text" {
		return "", usage{}, false
	}

	var u usage
	for _, m := range resp.Metrics {
		switch m.Metric {
		case "num_prompt_tokens":
			u.Input = int64(m.Value)
		case "num_completion_tokens":
			u.Output = int64(m.Value)
		}
	}
	return resp.CompletionMessage.Content.Text, u, true
}

// vllmDialect talks to an OpenAI-compatible self-hosted endpoint without
// authentication.
type vllmDialect struct {
	base string
}

func (d vllmDialect) name() string { return config.APITypeVLLM }
func (d vllmDialect) url() string  { return d.base + "/chat/completions" }

func (d vllmDialect) setHeaders(h http.Header) {
	h.Set("Content-Type", "application/json")
}

func (d vllmDialect) payload(model string, req request) any {
	return newChatPayload(model, req)
}

type vllmResponse struct {
	Choices []struct {
		Message *struct {
			Content      *string         `json:"content"`
			FunctionCall json.RawMessage `json:"function_call"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func (d vllmDialect) decode(body []byte) (string, usage, bool) {
	var resp vllmResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", usage{}, false
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return "", usage{}, false
	}

	var u usage
	if resp.Usage != nil {
		u = usage{Input: resp.Usage.PromptTokens, Output: resp.Usage.CompletionTokens}
	}

	msg := resp.Choices[0].Message
	if len(msg.FunctionCall) > 0 && string(msg.FunctionCall) != "null" {
		return string(msg.FunctionCall), u, true
	}
	if msg.Content == nil {
		return "", u, true
	}
	return *msg.Content, u, true
}
