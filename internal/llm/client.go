// Package llm talks to an OpenAI-compatible chat completions endpoint.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/soaringjerry/NormLab/internal/services"
)

const (
	DefaultBaseURL    = "https://api.openai.com/v1"
	DefaultModel      = "gpt-4o-mini"
	DefaultMaxRetries = 2
)

type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxRetries int
	HTTPClient *http.Client
}

// Client implements services.Completer.
type Client struct {
	api   openai.Client
	model string
}

func NewClient(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errors.New("llm: api key is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithBaseURL(base + "/"),
		option.WithMaxRetries(retries),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &Client{api: openai.NewClient(opts...), model: model}, nil
}

func (c *Client) Model() string { return c.model }

func toParams(model string, messages []services.ChatMessage) openai.ChatCompletionNewParams {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case services.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case services.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: out,
	}
}

// Complete returns the first choice of a non-streamed completion.
func (c *Client) Complete(ctx context.Context, messages []services.ChatMessage) (string, error) {
	resp, err := c.api.Chat.Completions.New(ctx, toParams(c.model, messages))
	if err != nil {
		return "", fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llm: no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream forwards content deltas to onDelta and returns the concatenated text
// once the stream has finished. A stream error discards everything received.
func (c *Client) Stream(ctx context.Context, messages []services.ChatMessage, onDelta func(string)) (string, error) {
	stream := c.api.Chat.Completions.NewStreaming(ctx, toParams(c.model, messages))
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("llm: chat stream: %w", err)
	}
	return sb.String(), nil
}

var _ services.Completer = (*Client)(nil)
