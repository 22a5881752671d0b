package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"callguard/pkg/callerrors"
	"callguard/pkg/logx"
	"callguard/pkg/metrics"
)

// Operation is a unit of outbound work that may be attempted several times.
type Operation[T any] func(ctx context.Context) (T, error)

// Outcome reports how a retried operation ended. Once the operation has run, Attempts
// is at least 1 and Success is true exactly when Err is nil. A call rejected before
// running because its Config is invalid carries only Err, wrapping ErrInvalidConfig.
type Outcome[T any] struct {
	Result        T
	Err           error
	Attempts      int
	TotalDuration time.Duration
	Success       bool
}

// Sleeper waits for d or until ctx is done, returning ctx.Err() in the latter case.
type Sleeper func(ctx context.Context, d time.Duration) error

// Executor holds the collaborators shared by every retried call.
type Executor struct {
	classify func(error) callerrors.Kind
	sleep    Sleeper
	random   func() float64
	now      func() time.Time
	recorder metrics.Recorder
	logger   *logx.Logger
	tracer   trace.Tracer
	config   Config
}

// Option configures an Executor.
type Option func(*Executor)

// WithDefaultConfig replaces the configuration used when a call does not override it.
func WithDefaultConfig(cfg Config) Option {
	return func(e *Executor) { e.config = cfg }
}

// WithLogger sets the logger used for per-attempt events.
func WithLogger(l *logx.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithClassifier replaces callerrors.Classify.
func WithClassifier(fn func(error) callerrors.Kind) Option {
	return func(e *Executor) { e.classify = fn }
}

// WithSleeper replaces the timer-based wait between attempts.
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) { e.sleep = s }
}

// WithRandom replaces the jitter source. fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(e *Executor) { e.random = fn }
}

// WithClock replaces time.Now for duration accounting.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// New creates an executor with the standard defaults.
func New(opts ...Option) *Executor {
	e := &Executor{
		config:   DefaultConfig(),
		classify: callerrors.Classify,
		sleep:    SleepContext,
		random:   rand.Float64,
		now:      time.Now,
		recorder: metrics.Nop(),
		logger:   logx.NewLogger("retry"),
		tracer:   otel.Tracer("callguard/retry"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SleepContext blocks for d unless ctx finishes first.
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type callOptions struct {
	config *Config
	label  string
}

// CallOption customizes a single Execute call.
type CallOption func(*callOptions)

// WithLabel names the operation in logs, spans and metrics.
func WithLabel(label string) CallOption {
	return func(o *callOptions) { o.label = label }
}

// WithConfig overrides the executor's configuration for one call.
func WithConfig(cfg Config) CallOption {
	return func(o *callOptions) { o.config = &cfg }
}

// Execute runs op until it succeeds, fails with a PERMANENT error, or exhausts
// MaxRetries retries. Attempts never overlap.
func Execute[T any](ctx context.Context, e *Executor, op Operation[T], opts ...CallOption) Outcome[T] {
	call := callOptions{label: "operation"}
	for _, opt := range opts {
		opt(&call)
	}
	cfg := e.config
	if call.config != nil {
		cfg = *call.config
	}

	start := e.now()
	if err := cfg.Validate(); err != nil {
		return Outcome[T]{Err: fmt.Errorf("%w for %s: %w", ErrInvalidConfig, call.label, err)}
	}

	logger := e.logger.With("operation", call.label)

	for attempt := 1; ; attempt++ {
		attemptCtx, span := e.tracer.Start(ctx, "retry.attempt", trace.WithAttributes(
			attribute.String("retry.operation", call.label),
			attribute.Int("retry.attempt", attempt),
		))

		result, err := op(attemptCtx)
		if err == nil {
			span.End()
			elapsed := e.now().Sub(start)
			e.recorder.ObserveAttempt(call.label, "", metrics.DecisionSuccess)
			e.recorder.ObserveRetry(call.label, true, attempt, elapsed)
			if attempt > 1 {
				logger.With("attempt", attempt).Info("%s succeeded after %d attempts", call.label, attempt)
			}
			return Outcome[T]{Success: true, Result: result, Attempts: attempt, TotalDuration: elapsed}
		}

		kind := e.classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind.String())
		span.End()

		decision := metrics.DecisionRetry
		switch {
		case !callerrors.IsRetryable(kind):
			decision = metrics.DecisionFailFast
		case attempt > cfg.MaxRetries:
			decision = metrics.DecisionExhausted
		}
		e.recorder.ObserveAttempt(call.label, kind.String(), decision)

		attemptLog := logger.With("attempt", attempt, "kind", kind.String(), "decision", decision)
		if decision != metrics.DecisionRetry {
			elapsed := e.now().Sub(start)
			if decision == metrics.DecisionFailFast {
				attemptLog.Warn("%s failed permanently after %d attempts: %v", call.label, attempt, err)
			} else {
				attemptLog.Warn("%s exhausted %d attempts: %v", call.label, attempt, err)
			}
			e.recorder.ObserveRetry(call.label, false, attempt, elapsed)
			return Outcome[T]{Err: err, Attempts: attempt, TotalDuration: elapsed}
		}

		delay := cfg.Delay(attempt, kind, e.random)
		attemptLog.With("delay_ms", delay.Milliseconds()).Warn("%s attempt %d failed, retrying in %s: %v", call.label, attempt, delay, err)

		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			elapsed := e.now().Sub(start)
			e.recorder.ObserveRetry(call.label, false, attempt, elapsed)
			return Outcome[T]{
				Err:           fmt.Errorf("%s retry cancelled after %d attempts: %w (last error: %w)", call.label, attempt, sleepErr, err),
				Attempts:      attempt,
				TotalDuration: elapsed,
			}
		}
	}
}

// ExecuteThrottled retries op with ThrottledConfig and returns its result directly.
// On failure the last operation error is returned unchanged.
func ExecuteThrottled[T any](ctx context.Context, e *Executor, op Operation[T], opts ...CallOption) (T, error) {
	opts = append([]CallOption{WithConfig(ThrottledConfig())}, opts...)
	outcome := Execute(ctx, e, op, opts...)
	return outcome.Result, outcome.Err
}
