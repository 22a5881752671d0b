package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callguard/pkg/callerrors"
	"callguard/pkg/config"
	"callguard/pkg/metrics"
)

func chatRequest() CompletionRequest {
	return CompletionRequest{
		Messages: []CompletionMessage{
			{Role: RoleSystem, Content: "You are a tutor."},
			{Role: RoleUser, Content: "What is TCP?"},
		},
		MaxTokens:   128,
		Temperature: 0.2,
	}
}

// jsonServer answers every request whose path ends with suffix using status and body,
// and captures the decoded request body.
func jsonServer(t *testing.T, suffix string, status int, body string, captured *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, suffix) {
			http.NotFound(w, r)
			return
		}
		if captured != nil {
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, captured)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func requireKind(t *testing.T, err error, want callerrors.Kind) {
	t.Helper()
	require.Error(t, err)
	kind, tagged := callerrors.KindOf(err)
	require.True(t, tagged, "error should be tagged: %v", err)
	assert.Equal(t, want, kind)
}

func TestOpenAIClient_Complete(t *testing.T) {
	var got map[string]any
	srv := jsonServer(t, "/chat/completions", http.StatusOK, `{
		"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "A transport protocol."}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
	}`, &got)

	client := NewOpenAIClient("sk-test", "gpt-4o-mini", srv.URL+"/v1/")
	resp, err := client.Complete(context.Background(), chatRequest())
	require.NoError(t, err)

	assert.Equal(t, "A transport protocol.", resp.Content)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
	assert.Equal(t, "stop", resp.StopReason)
	assert.Equal(t, Usage{PromptTokens: 12, CompletionTokens: 4}, resp.Usage)

	assert.Equal(t, "gpt-4o-mini", got["model"])
	messages, ok := got["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, messages, 2)
}

func TestOpenAIClient_TagsStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   callerrors.Kind
	}{
		{"rate limited", http.StatusTooManyRequests, callerrors.KindRateLimit},
		{"bad key", http.StatusUnauthorized, callerrors.KindPermanent},
		{"overloaded", http.StatusServiceUnavailable, callerrors.KindTemporary},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := jsonServer(t, "/chat/completions", tt.status, `{"error": {"message": "nope", "type": "error"}}`, nil)
			_, err := NewOpenAIClient("sk-test", "gpt-4o-mini", srv.URL+"/v1/").Complete(context.Background(), chatRequest())
			requireKind(t, err, tt.want)
		})
	}
}

func TestOpenAIClient_EmptyChoicesAreTemporary(t *testing.T) {
	srv := jsonServer(t, "/chat/completions", http.StatusOK,
		`{"id": "x", "object": "chat.completion", "created": 1, "model": "m", "choices": []}`, nil)
	_, err := NewOpenAIClient("sk-test", "m", srv.URL+"/v1/").Complete(context.Background(), chatRequest())
	requireKind(t, err, callerrors.KindTemporary)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestAnthropicClient_Complete(t *testing.T) {
	var got map[string]any
	srv := jsonServer(t, "/messages", http.StatusOK, `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-3-5-haiku-latest",
		"content": [{"type": "text", "text": "A transport "}, {"type": "text", "text": "protocol."}],
		"stop_reason": "end_turn", "usage": {"input_tokens": 9, "output_tokens": 3}
	}`, &got)

	client := NewAnthropicClient("sk-ant", "claude-3-5-haiku-latest", srv.URL)
	resp, err := client.Complete(context.Background(), chatRequest())
	require.NoError(t, err)

	assert.Equal(t, "A transport protocol.", resp.Content)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, Usage{PromptTokens: 9, CompletionTokens: 3}, resp.Usage)

	messages, ok := got["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, messages, 1, "system prompt is sent separately")
	assert.NotNil(t, got["system"])
}

func TestAnthropicClient_TagsStatus(t *testing.T) {
	srv := jsonServer(t, "/messages", 529, `{"type": "error", "error": {"type": "overloaded_error", "message": "Overloaded"}}`, nil)
	_, err := NewAnthropicClient("sk-ant", "claude", srv.URL).Complete(context.Background(), chatRequest())
	requireKind(t, err, callerrors.KindTemporary)
}

func TestGeminiClient_Complete(t *testing.T) {
	srv := jsonServer(t, ":generateContent", http.StatusOK, `{
		"candidates": [{"content": {"role": "model", "parts": [{"text": "A transport protocol."}]}, "finishReason": "STOP"}],
		"usageMetadata": {"promptTokenCount": 7, "candidatesTokenCount": 4}
	}`, nil)

	client := NewGeminiClient("g-key", "gemini-2.0-flash", srv.URL)
	resp, err := client.Complete(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, "A transport protocol.", resp.Content)
	assert.Equal(t, "STOP", resp.StopReason)
	assert.Equal(t, Usage{PromptTokens: 7, CompletionTokens: 4}, resp.Usage)
}

func TestGeminiClient_TagsStatus(t *testing.T) {
	srv := jsonServer(t, ":generateContent", http.StatusTooManyRequests,
		`{"error": {"code": 429, "message": "Resource has been exhausted", "status": "RESOURCE_EXHAUSTED"}}`, nil)
	_, err := NewGeminiClient("g-key", "gemini-2.0-flash", srv.URL).Complete(context.Background(), chatRequest())
	requireKind(t, err, callerrors.KindRateLimit)
}

func TestOllamaClient_Complete(t *testing.T) {
	var got map[string]any
	srv := jsonServer(t, "/api/chat", http.StatusOK,
		`{"model": "llama3.2", "message": {"role": "assistant", "content": "A transport protocol."}, "done": true, "done_reason": "stop", "prompt_eval_count": 11, "eval_count": 5}`,
		&got)

	client, err := NewOllamaClient(srv.URL, "llama3.2", srv.Client())
	require.NoError(t, err)
	resp, err := client.Complete(context.Background(), chatRequest())
	require.NoError(t, err)

	assert.Equal(t, "A transport protocol.", resp.Content)
	assert.Equal(t, Usage{PromptTokens: 11, CompletionTokens: 5}, resp.Usage)
	assert.Equal(t, false, got["stream"])
}

func TestOllamaClient_TagsStatus(t *testing.T) {
	srv := jsonServer(t, "/api/chat", http.StatusServiceUnavailable, `{"error": "model is loading"}`, nil)
	client, err := NewOllamaClient(srv.URL, "llama3.2", srv.Client())
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), chatRequest())
	requireKind(t, err, callerrors.KindTemporary)
}

func TestTagStatus_LeavesContextErrors(t *testing.T) {
	err := tagStatus("openai", http.StatusServiceUnavailable, context.DeadlineExceeded)
	assert.Equal(t, context.DeadlineExceeded, err)

	_, tagged := callerrors.KindOf(tagStatus("openai", 0, io.ErrUnexpectedEOF))
	assert.False(t, tagged)
}

func TestSplitSystem(t *testing.T) {
	system, rest := splitSystem([]CompletionMessage{
		{Role: RoleSystem, Content: "one"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleSystem, Content: "two"},
	})
	assert.Equal(t, "one\n\ntwo", system)
	assert.Equal(t, []CompletionMessage{{Role: RoleUser, Content: "hi"}}, rest)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	n := EstimateTokens("The quick brown fox jumps over the lazy dog.")
	assert.Greater(t, n, 5)
	assert.Less(t, n, 20)
	assert.Equal(t, EstimateTokens("hello")+EstimateTokens("world"),
		EstimatePromptTokens([]CompletionMessage{{Content: "hello"}, {Content: "world"}}))
}

type scriptedClient struct {
	resp CompletionResponse
	err  error
}

func (s *scriptedClient) Model() string { return "scripted" }

//nolint:gocritic // test double
func (s *scriptedClient) Complete(context.Context, CompletionRequest) (CompletionResponse, error) {
	return s.resp, s.err
}

type tokenRecorder struct {
	metrics.NoopRecorder
	model              string
	prompt, completion int
	calls              int
}

func (r *tokenRecorder) ObserveTokens(model string, prompt, completion int) {
	r.model, r.prompt, r.completion = model, prompt, completion
	r.calls++
}

func TestMeteredClient_EstimatesMissingUsage(t *testing.T) {
	rec := &tokenRecorder{}
	client := WithMetrics(&scriptedClient{resp: CompletionResponse{Content: "A transport protocol."}}, rec)

	resp, err := client.Complete(context.Background(), chatRequest())
	require.NoError(t, err)

	assert.Equal(t, "scripted", resp.Model)
	assert.Equal(t, EstimatePromptTokens(chatRequest().Messages), resp.Usage.PromptTokens)
	assert.Positive(t, resp.Usage.CompletionTokens)
	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, "scripted", rec.model)
	assert.Equal(t, resp.Usage.PromptTokens, rec.prompt)
}

func TestMeteredClient_SkipsFailures(t *testing.T) {
	rec := &tokenRecorder{}
	boom := callerrors.New(callerrors.KindTemporary, "upstream 503")
	_, err := WithMetrics(&scriptedClient{err: boom}, rec).Complete(context.Background(), chatRequest())
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, rec.calls)
}

func TestNewFromConfig(t *testing.T) {
	config.SetVault(config.NewVault(map[string]string{config.EnvOpenAIAPIKey: "sk-test"}))
	t.Cleanup(func() { config.SetVault(nil) })

	client, err := NewFromConfig(config.LLMConfig{Provider: config.ProviderOpenAI})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, client)
	assert.Equal(t, config.DefaultModels[config.ProviderOpenAI], client.Model())

	client, err = NewFromConfig(config.LLMConfig{Provider: config.ProviderOllama, Model: "mistral", BaseURL: "http://gpu:11434"})
	require.NoError(t, err)
	assert.IsType(t, &OllamaClient{}, client)
	assert.Equal(t, "mistral", client.Model())

	t.Setenv(config.EnvAnthropicAPIKey, "")
	_, err = NewFromConfig(config.LLMConfig{Provider: config.ProviderAnthropic})
	require.Error(t, err)

	_, err = NewFromConfig(config.LLMConfig{Provider: "bard"})
	require.Error(t, err)
}
