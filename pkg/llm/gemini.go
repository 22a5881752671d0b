package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/genai"
)

// GeminiClient calls generateContent on the Gemini API. The SDK client is created on
// first use because construction needs a context.
type GeminiClient struct {
	client  *genai.Client
	initErr error
	apiKey  string
	model   string
	baseURL string
	once    sync.Once
}

// NewGeminiClient creates a Gemini client. baseURL may be empty.
func NewGeminiClient(apiKey, model, baseURL string) *GeminiClient {
	return &GeminiClient{apiKey: apiKey, model: model, baseURL: baseURL}
}

// Model returns the configured model name.
func (g *GeminiClient) Model() string {
	return g.model
}

func (g *GeminiClient) init(ctx context.Context) error {
	g.once.Do(func() {
		cfg := &genai.ClientConfig{
			APIKey:  g.apiKey,
			Backend: genai.BackendGeminiAPI,
		}
		if g.baseURL != "" {
			cfg.HTTPOptions = genai.HTTPOptions{BaseURL: g.baseURL}
		}
		g.client, g.initErr = genai.NewClient(ctx, cfg)
	})
	if g.initErr != nil {
		return fmt.Errorf("failed to create Gemini client: %w", g.initErr)
	}
	return nil
}

// Complete implements Client.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func (g *GeminiClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	if err := g.init(ctx); err != nil {
		return CompletionResponse{}, err
	}

	system, rest := splitSystem(in.Messages)
	contents := make([]*genai.Content, 0, len(rest))
	for _, m := range rest {
		role := genai.Role(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	temperature := float32(in.Temperature)
	config := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(in.MaxTokens), //nolint:gosec // validated by config
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if in.JSON {
		config.ResponseMIMEType = "application/json"
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return CompletionResponse{}, classifyGeminiError(err)
	}
	if result == nil || result.Text() == "" {
		return CompletionResponse{}, emptyResponse("gemini")
	}

	resp := CompletionResponse{Content: result.Text(), Model: g.model}
	if len(result.Candidates) > 0 {
		resp.StopReason = string(result.Candidates[0].FinishReason)
	}
	if u := result.UsageMetadata; u != nil {
		resp.Usage = Usage{PromptTokens: int(u.PromptTokenCount), CompletionTokens: int(u.CandidatesTokenCount)}
	}
	return resp, nil
}

func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return tagStatus("gemini", apiErr.Code, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return tagStatus("gemini", apiErrPtr.Code, err)
	}
	return tagStatus("gemini", 0, err)
}
