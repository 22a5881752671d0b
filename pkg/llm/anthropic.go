package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultAnthropicMaxTokens is sent when the request leaves MaxTokens unset; the
// Messages API requires it.
const DefaultAnthropicMaxTokens = 1024

// AnthropicClient calls the Messages API.
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// NewAnthropicClient creates a Claude client with SDK retries disabled.
func NewAnthropicClient(apiKey, model, baseURL string, opts ...option.RequestOption) *AnthropicClient {
	all := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		all = append(all, option.WithBaseURL(baseURL))
	}
	all = append(all, opts...)
	return &AnthropicClient{client: anthropic.NewClient(all...), model: model}
}

// Model returns the configured model name.
func (c *AnthropicClient) Model() string {
	return c.model
}

// Complete implements Client. System messages become the system prompt.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func (c *AnthropicClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	system, rest := splitSystem(in.Messages)

	messages := make([]anthropic.MessageParam, 0, len(rest))
	for _, m := range rest {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	maxTokens := int64(in.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = DefaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(in.Temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return CompletionResponse{}, tagStatus("anthropic", apiErr.StatusCode, err)
		}
		return CompletionResponse{}, tagStatus("anthropic", 0, err)
	}

	var text strings.Builder
	if resp != nil {
		for i := range resp.Content {
			if resp.Content[i].Type == "text" {
				text.WriteString(resp.Content[i].Text)
			}
		}
	}
	if text.Len() == 0 {
		return CompletionResponse{}, emptyResponse("anthropic")
	}

	return CompletionResponse{
		Content:    text.String(),
		Model:      string(resp.Model),
		StopReason: string(resp.StopReason),
		Usage: Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}
