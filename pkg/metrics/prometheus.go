package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	attemptsTotal    *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec
	retryDuration    *prometheus.HistogramVec
	transitionsTotal *prometheus.CounterVec
	rejectedTotal    *prometheus.CounterVec
	fallbacksTotal   *prometheus.CounterVec
	authTotal        *prometheus.CounterVec
	responsesTotal   *prometheus.CounterVec
	responseDuration *prometheus.HistogramVec
	tokensTotal      *prometheus.CounterVec
}

// NewPrometheusRecorder registers the callguard collectors with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		attemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callguard_attempts_total",
				Help: "Attempts of retried operations by error kind and decision",
			},
			[]string{"operation", "kind", "decision"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callguard_retry_sequences_total",
				Help: "Completed retry sequences by outcome and attempt count",
			},
			[]string{"operation", "status", "attempts"},
		),
		retryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callguard_retry_duration_seconds",
				Help:    "Wall-clock duration of retry sequences",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callguard_circuit_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"circuit", "from", "to"},
		),
		rejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callguard_circuit_rejected_total",
				Help: "Calls short-circuited by an open circuit",
			},
			[]string{"circuit"},
		),
		fallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callguard_fallbacks_total",
				Help: "Fallback results served in place of the operation result",
			},
			[]string{"circuit"},
		),
		authTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callguard_auth_total",
				Help: "Auth gate outcomes",
			},
			[]string{"outcome"},
		),
		responsesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callguard_responses_total",
				Help: "Envelopes returned by functions by meta status",
			},
			[]string{"function", "status"},
		),
		responseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callguard_response_duration_seconds",
				Help:    "Function response time",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"function"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callguard_llm_tokens_total",
				Help: "Tokens sent to and received from LLM providers",
			},
			[]string{"model", "type"},
		),
	}
}

// Handler exposes the collectors gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (p *PrometheusRecorder) ObserveAttempt(operation, kind, decision string) {
	p.attemptsTotal.WithLabelValues(operation, kind, decision).Inc()
}

func (p *PrometheusRecorder) ObserveRetry(operation string, success bool, attempts int, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	p.retriesTotal.WithLabelValues(operation, status, strconv.Itoa(attempts)).Inc()
	p.retryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) ObserveTransition(circuit, from, to string) {
	p.transitionsTotal.WithLabelValues(circuit, from, to).Inc()
}

func (p *PrometheusRecorder) IncRejected(circuit string) {
	p.rejectedTotal.WithLabelValues(circuit).Inc()
}

func (p *PrometheusRecorder) IncFallback(circuit string) {
	p.fallbacksTotal.WithLabelValues(circuit).Inc()
}

func (p *PrometheusRecorder) ObserveAuth(outcome string) {
	p.authTotal.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) ObserveResponse(function, status string, duration time.Duration) {
	p.responsesTotal.WithLabelValues(function, status).Inc()
	p.responseDuration.WithLabelValues(function).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) ObserveTokens(model string, promptTokens, completionTokens int) {
	p.tokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	p.tokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
}
