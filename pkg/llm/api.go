// Package llm provides the model clients the functions call through the circuit breaker
// and retry executor. Every client tags provider failures with callerrors at the SDK
// boundary so that classification never depends on message wording alone.
package llm

import (
	"context"
	"errors"
	"strings"

	"callguard/pkg/callerrors"
)

// CompletionRole represents the role of a message in a conversation.
type CompletionRole string

const (
	// RoleSystem indicates a system message that provides instructions or context.
	RoleSystem CompletionRole = "system"
	// RoleUser indicates a message from the human user.
	RoleUser CompletionRole = "user"
	// RoleAssistant indicates a message from the model.
	RoleAssistant CompletionRole = "assistant"
)

// CompletionMessage represents a message in a completion request.
type CompletionMessage struct {
	Role    CompletionRole `json:"role"`
	Content string         `json:"content"`
}

// CompletionRequest represents a request to generate a completion.
type CompletionRequest struct {
	Messages    []CompletionMessage
	MaxTokens   int
	Temperature float64
	JSON        bool // Ask for a JSON object where the provider supports it
}

// Usage reports token counts. Providers that do not report usage get tiktoken estimates.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// CompletionResponse represents a response from a completion request.
type CompletionResponse struct {
	Content    string
	Model      string
	StopReason string
	Usage      Usage
}

// Client is implemented by every provider.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
	Model() string
}

// ErrEmptyResponse is wrapped when a provider answers without any text.
var ErrEmptyResponse = errors.New("empty response")

// splitSystem pulls system messages out of the conversation, joining them in order.
func splitSystem(messages []CompletionMessage) (system string, rest []CompletionMessage) {
	var parts []string
	for _, m := range messages {
		if m.Role == RoleSystem {
			parts = append(parts, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(parts, "\n\n"), rest
}

// emptyResponse is retryable: providers occasionally return no candidates under load.
func emptyResponse(provider string) error {
	return callerrors.Wrap(callerrors.KindTemporary, ErrEmptyResponse, provider+" completion")
}

// tagStatus tags err with statusCode when the SDK exposed one. Context errors pass
// through untouched so callers can still match them.
func tagStatus(provider string, statusCode int, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if statusCode == 0 {
		return err
	}
	return callerrors.WithStatus(statusCode, err, provider+" completion")
}
