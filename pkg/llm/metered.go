package llm

import (
	"context"
	"time"

	"callguard/pkg/logx"
	"callguard/pkg/metrics"
)

// MeteredClient records token usage for every successful completion and fills in
// estimates when the provider reported none.
type MeteredClient struct {
	next     Client
	recorder metrics.Recorder
	logger   *logx.Logger
}

// WithMetrics wraps next. A nil recorder records nothing.
func WithMetrics(next Client, recorder metrics.Recorder) *MeteredClient {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return &MeteredClient{next: next, recorder: recorder, logger: logx.NewLogger("llm")}
}

// Model returns the wrapped client's model.
func (m *MeteredClient) Model() string {
	return m.next.Model()
}

// Complete implements Client.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func (m *MeteredClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	start := time.Now()
	resp, err := m.next.Complete(ctx, in)
	if err != nil {
		m.logger.WarnContext(ctx, "%s completion failed after %s: %v", m.next.Model(), time.Since(start).Round(time.Millisecond), err)
		return resp, err
	}

	if resp.Model == "" {
		resp.Model = m.next.Model()
	}
	if resp.Usage.PromptTokens == 0 {
		resp.Usage.PromptTokens = EstimatePromptTokens(in.Messages)
	}
	if resp.Usage.CompletionTokens == 0 {
		resp.Usage.CompletionTokens = EstimateTokens(resp.Content)
	}

	m.recorder.ObserveTokens(resp.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	logx.Debug(ctx, "llm", "%s completion: %d prompt + %d completion tokens in %s",
		resp.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, time.Since(start).Round(time.Millisecond))
	return resp, nil
}
