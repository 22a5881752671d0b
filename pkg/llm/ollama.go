package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

// DefaultOllamaHost is used when no host is configured.
const DefaultOllamaHost = "http://localhost:11434"

// OllamaClient calls a local or remote Ollama server.
type OllamaClient struct {
	client *api.Client
	model  string
}

// NewOllamaClient creates an Ollama client for hostURL. httpClient may be nil.
func NewOllamaClient(hostURL, model string, httpClient *http.Client) (*OllamaClient, error) {
	if hostURL == "" {
		hostURL = DefaultOllamaHost
	}
	parsed, err := url.Parse(hostURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host %q: %w", hostURL, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OllamaClient{client: api.NewClient(parsed, httpClient), model: model}, nil
}

// Model returns the configured model name.
func (o *OllamaClient) Model() string {
	return o.model
}

// Complete implements Client.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func (o *OllamaClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	messages := make([]api.Message, 0, len(in.Messages))
	for _, m := range in.Messages {
		messages = append(messages, api.Message{Role: string(m.Role), Content: m.Content})
	}

	stream := false
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}
	if in.JSON {
		req.Format = []byte(`"json"`)
	}

	var response api.ChatResponse
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			return CompletionResponse{}, tagStatus("ollama", statusErr.StatusCode, err)
		}
		return CompletionResponse{}, tagStatus("ollama", 0, err)
	}
	if response.Message.Content == "" {
		return CompletionResponse{}, emptyResponse("ollama")
	}

	return CompletionResponse{
		Content:    response.Message.Content,
		Model:      response.Model,
		StopReason: response.DoneReason,
		Usage: Usage{
			PromptTokens:     response.PromptEvalCount,
			CompletionTokens: response.EvalCount,
		},
	}, nil
}
