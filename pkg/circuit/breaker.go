package circuit

import (
	"context"
	"time"

	"callguard/pkg/logx"
	"callguard/pkg/metrics"
)

// Fallback produces a substitute result when the circuit is open or the operation fails.
// cause is the *OpenError or the operation's error.
type Fallback[T any] func(ctx context.Context, cause error) (T, error)

// StateChangeFunc observes status transitions.
type StateChangeFunc func(name string, from, to Status)

// Breaker guards named dependencies. All state lives in the Store, so a Breaker is
// safe for concurrent use and several processes may share one RedisStore.
type Breaker struct {
	store         Store
	now           func() time.Time
	logger        *logx.Logger
	recorder      metrics.Recorder
	onStateChange StateChangeFunc
	config        Config
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithConfig sets the configuration used by Execute.
func WithConfig(cfg Config) Option {
	return func(b *Breaker) { b.config = cfg }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger sets the transition logger.
func WithLogger(l *logx.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(b *Breaker) { b.recorder = r }
}

// OnStateChange registers fn to be called after every status transition.
func OnStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// New creates a breaker backed by store.
func New(store Store, opts ...Option) *Breaker {
	b := &Breaker{
		store:    store,
		config:   DefaultConfig(),
		now:      time.Now,
		logger:   logx.NewLogger("circuit"),
		recorder: metrics.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Config returns the breaker's default configuration.
func (b *Breaker) Config() Config {
	return b.config
}

// Execute runs op through the circuit called name using the breaker's configuration.
func Execute[T any](ctx context.Context, b *Breaker, name string, op func(context.Context) (T, error), fallback Fallback[T]) (T, error) {
	return ExecuteWithConfig(ctx, b, name, b.config, op, fallback)
}

// ExecuteWithConfig runs op through the circuit called name using cfg.
//
// While the circuit is OPEN the operation is not invoked: the fallback result is returned
// if one is supplied, otherwise an *OpenError. When op fails and a fallback is supplied the
// fallback result replaces the error.
func ExecuteWithConfig[T any](ctx context.Context, b *Breaker, name string, cfg Config, op func(context.Context) (T, error), fallback Fallback[T]) (T, error) {
	var zero T

	if err := cfg.Validate(); err != nil {
		return zero, err
	}

	allowed, state := b.admit(ctx, name, cfg)
	if !allowed {
		b.recorder.IncRejected(name)
		openErr := &OpenError{Name: name, Status: state.Status, RetryAt: state.NextAttemptTime}
		if fallback != nil {
			b.recorder.IncFallback(name)
			return fallback(ctx, openErr)
		}
		return zero, openErr
	}

	result, err := op(ctx)
	if err == nil {
		b.recordSuccess(ctx, name)
		return result, nil
	}

	b.recordFailure(ctx, name, cfg, err)
	if fallback != nil {
		b.recorder.IncFallback(name)
		b.logger.With("circuit", name).Warn("operation failed, serving fallback: %v", err)
		return fallback(ctx, err)
	}
	return zero, err
}

// admit decides whether a call may proceed. The OPEN to HALF_OPEN transition happens
// inside a store update, so exactly one caller wins each trial-call lease.
func (b *Breaker) admit(ctx context.Context, name string, cfg Config) (bool, State) {
	var allowed bool
	var from Status

	state, err := b.store.Update(ctx, name, func(current State) (State, bool) {
		now := b.now()
		from = current.Status
		allowed = false

		switch current.Status {
		case StatusClosed:
			allowed = true
			return current, false
		case StatusOpen, StatusHalfOpen:
			if now.Before(current.NextAttemptTime) {
				return current, false
			}
			current.Status = StatusHalfOpen
			current.NextAttemptTime = now.Add(cfg.RecoveryTimeout)
			allowed = true
			return current, true
		default:
			allowed = true
			return State{}, true
		}
	})
	if err != nil {
		b.logger.With("circuit", name).Warn("circuit store unavailable, allowing call: %v", err)
		return true, State{}
	}

	b.transitioned(ctx, name, from, state.Status)
	return allowed, state
}

func (b *Breaker) recordSuccess(ctx context.Context, name string) {
	var from Status
	state, err := b.store.Update(ctx, name, func(current State) (State, bool) {
		from = current.Status
		switch current.Status {
		case StatusOpen:
			// Late success from a call admitted before the circuit opened.
			return current, false
		case StatusClosed:
			if current.FailureCount == 0 {
				return current, false
			}
		}
		current.Status = StatusClosed
		current.FailureCount = 0
		current.NextAttemptTime = time.Time{}
		return current, true
	})
	if err != nil {
		b.logger.With("circuit", name).Warn("failed to record success: %v", err)
		return
	}
	b.transitioned(ctx, name, from, state.Status)
}

func (b *Breaker) recordFailure(ctx context.Context, name string, cfg Config, cause error) {
	var from Status
	state, err := b.store.Update(ctx, name, func(current State) (State, bool) {
		now := b.now()
		from = current.Status
		current.FailureCount++
		current.LastFailureTime = now

		switch current.Status {
		case StatusClosed:
			if current.FailureCount >= cfg.FailureThreshold {
				current.Status = StatusOpen
				current.NextAttemptTime = now.Add(cfg.RecoveryTimeout)
			}
		case StatusHalfOpen:
			if current.FailureCount >= cfg.FailureThreshold {
				current.Status = StatusOpen
			}
			current.NextAttemptTime = now.Add(cfg.RecoveryTimeout)
		}
		return current, true
	})
	if err != nil {
		b.logger.With("circuit", name).Warn("failed to record failure: %v", err)
		return
	}

	b.logger.With("circuit", name, "failures", state.FailureCount, "status", state.Status.String()).
		Debug("recorded failure: %v", cause)
	b.transitioned(ctx, name, from, state.Status)
}

func (b *Breaker) transitioned(ctx context.Context, name string, from, to Status) {
	if from == to {
		return
	}
	logx.DebugState(ctx, "circuit", name, to.String(), "from "+from.String())
	b.logger.With("circuit", name, "from", from.String(), "to", to.String()).Info("circuit %s: %s -> %s", name, from, to)
	b.recorder.ObserveTransition(name, from.String(), to.String())
	if b.onStateChange != nil {
		b.onStateChange(name, from, to)
	}
}

// State returns the stored state for name, or a fresh CLOSED state.
func (b *Breaker) State(ctx context.Context, name string) (State, error) {
	state, _, err := b.store.Get(ctx, name)
	return state, err
}

// Reset forces the circuit called name back to CLOSED with no failures.
func (b *Breaker) Reset(ctx context.Context, name string) error {
	current, _, err := b.store.Get(ctx, name)
	if err != nil {
		return err
	}
	if err := b.store.Set(ctx, name, State{}); err != nil {
		return err
	}
	b.transitioned(ctx, name, current.Status, StatusClosed)
	return nil
}

// Snapshot returns every known circuit state.
func (b *Breaker) Snapshot(ctx context.Context) (map[string]State, error) {
	return b.store.Snapshot(ctx)
}

// Sweep removes circuits whose last failure is older than IdleTTL.
func (b *Breaker) Sweep(ctx context.Context) (int, error) {
	return b.store.Sweep(ctx, b.now().Add(-IdleTTL))
}

// RunSweeper calls Sweep every interval until ctx is done.
func (b *Breaker) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := b.Sweep(ctx)
			if err != nil {
				b.logger.Warn("circuit sweep failed: %v", err)
				continue
			}
			if removed > 0 {
				b.logger.Debug("swept %d idle circuits", removed)
			}
		}
	}
}
