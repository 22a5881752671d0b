// Package metrics provides metrics recording for the call-resilience layer.
package metrics

import "time"

// Retry decisions reported by ObserveAttempt.
const (
	DecisionRetry     = "retry"
	DecisionFailFast  = "fail_fast"
	DecisionExhausted = "exhausted"
	DecisionSuccess   = "success"
)

// Recorder defines the interface for recording resilience metrics.
type Recorder interface {
	// ObserveAttempt records one attempt of a retried operation and the decision taken after it.
	ObserveAttempt(operation, kind, decision string)

	// ObserveRetry records the outcome of a whole retry sequence.
	ObserveRetry(operation string, success bool, attempts int, duration time.Duration)

	// ObserveTransition records a circuit state change.
	ObserveTransition(circuit, from, to string)

	// IncRejected counts calls short-circuited by an open circuit.
	IncRejected(circuit string)

	// IncFallback counts fallback results served instead of the operation's own result.
	IncFallback(circuit string)

	// ObserveAuth records an auth gate outcome ("ok", "missing_token", "invalid_token", ...).
	ObserveAuth(outcome string)

	// ObserveResponse records an envelope returned by a function.
	ObserveResponse(function, status string, duration time.Duration)

	// ObserveTokens records prompt and completion token usage for a model.
	ObserveTokens(model string, promptTokens, completionTokens int)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) ObserveAttempt(_, _, _ string) {}

func (n *NoopRecorder) ObserveRetry(_ string, _ bool, _ int, _ time.Duration) {}

func (n *NoopRecorder) ObserveTransition(_, _, _ string) {}

func (n *NoopRecorder) IncRejected(_ string) {}

func (n *NoopRecorder) IncFallback(_ string) {}

func (n *NoopRecorder) ObserveAuth(_ string) {}

func (n *NoopRecorder) ObserveResponse(_, _ string, _ time.Duration) {}

func (n *NoopRecorder) ObserveTokens(_ string, _, _ int) {}
