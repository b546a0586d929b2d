// Package llm backs planning and task execution with the Anthropic
// Messages API.
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/mtzanidakis/kypseli/internal/config"
)

type Client struct {
	inner     anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewClient creates a client from the llm config section. Extra request
// options are appended after the API key, so tests can point the client
// at a local server.
func NewClient(cfg config.LLMConfig, opts ...option.RequestOption) (*Client, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is not configured")
	}

	reqOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_5_20250929
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &Client{
		inner:     anthropic.NewClient(reqOpts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

func (c *Client) Model() anthropic.Model {
	return c.model
}

// Complete sends a single user prompt and returns the concatenated text
// blocks of the reply.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := c.inner.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("messages api: %w", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			out.WriteString(text.Text)
		}
	}
	return out.String(), nil
}

// extractJSON returns the outermost JSON object in s, tolerating prose or
// code fences around it.
func extractJSON(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end < start {
		return "", false
	}
	return s[start : end+1], true
}
