package retry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callguard/pkg/callerrors"
	"callguard/pkg/logx"
	"callguard/pkg/metrics"
)

// recordingSleeper captures requested delays without waiting.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

type decisionRecorder struct {
	metrics.NoopRecorder
	decisions []string
}

func (r *decisionRecorder) ObserveAttempt(_, _, decision string) {
	r.decisions = append(r.decisions, decision)
}

func newTestExecutor(s *recordingSleeper, opts ...Option) *Executor {
	base := []Option{WithSleeper(s.sleep), WithRandom(func() float64 { return 0.5 })}
	return New(append(base, opts...)...)
}

func failing(msg string, calls *int) Operation[string] {
	return func(context.Context) (string, error) {
		*calls++
		return "", errors.New(msg)
	}
}

func TestExecute_PermanentFailsFast(t *testing.T) {
	sleeper := &recordingSleeper{}
	rec := &decisionRecorder{}
	e := newTestExecutor(sleeper, WithRecorder(rec))

	calls := 0
	out := Execute(context.Background(), e, failing("401 unauthorized", &calls))

	require.False(t, out.Success)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, out.Attempts)
	assert.EqualError(t, out.Err, "401 unauthorized")
	assert.Empty(t, sleeper.delays)
	assert.Equal(t, []string{metrics.DecisionFailFast}, rec.decisions)
}

func TestExecute_BoundedAttempts(t *testing.T) {
	for _, maxRetries := range []int{0, 1, 3, 5} {
		sleeper := &recordingSleeper{}
		cfg := DefaultConfig()
		cfg.MaxRetries = maxRetries
		e := newTestExecutor(sleeper)

		calls := 0
		out := Execute(context.Background(), e, failing("connection reset", &calls), WithConfig(cfg))

		assert.False(t, out.Success)
		assert.Equal(t, maxRetries+1, calls, "maxRetries=%d", maxRetries)
		assert.Equal(t, maxRetries+1, out.Attempts)
		assert.Len(t, sleeper.delays, maxRetries)
		assert.EqualError(t, out.Err, "connection reset")
	}
}

func TestExecute_EventualSuccess(t *testing.T) {
	sleeper := &recordingSleeper{}
	e := newTestExecutor(sleeper)

	calls := 0
	op := func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("503 Service Unavailable")
		}
		return "hello", nil
	}

	out := Execute(context.Background(), e, op, WithLabel("llm-chat"))

	require.True(t, out.Success)
	assert.NoError(t, out.Err)
	assert.Equal(t, "hello", out.Result)
	assert.Equal(t, 3, out.Attempts)
	// jitter at 0.5 is neutral: 1s then 2s
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.delays)
}

func TestExecute_UnknownErrorsAreRetried(t *testing.T) {
	sleeper := &recordingSleeper{}
	e := newTestExecutor(sleeper)

	calls := 0
	out := Execute(context.Background(), e, failing("something odd", &calls))

	assert.Equal(t, 4, out.Attempts)
}

func TestExecute_TaggedErrorOverridesText(t *testing.T) {
	sleeper := &recordingSleeper{}
	e := newTestExecutor(sleeper)

	calls := 0
	op := func(context.Context) (int, error) {
		calls++
		return 0, callerrors.Wrap(callerrors.KindPermanent, errors.New("timeout"), "content filter")
	}

	out := Execute(context.Background(), e, op)
	assert.Equal(t, 1, calls)
	assert.False(t, out.Success)
}

func TestExecute_RateLimitUsesFloor(t *testing.T) {
	sleeper := &recordingSleeper{}
	e := newTestExecutor(sleeper)

	calls := 0
	Execute(context.Background(), e, failing("429 Too Many Requests", &calls))

	require.Len(t, sleeper.delays, 3)
	assert.Equal(t, RateLimitFloor, sleeper.delays[0])
	assert.Equal(t, RateLimitFloor, sleeper.delays[1])
	assert.Equal(t, RateLimitFloor, sleeper.delays[2])
}

func TestExecute_CancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cause := errors.New("network unreachable")

	e := New(WithSleeper(SleepContext))
	out := Execute(ctx, e, func(context.Context) (string, error) {
		cancel()
		return "", cause
	})

	require.False(t, out.Success)
	assert.Equal(t, 1, out.Attempts)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.ErrorIs(t, out.Err, cause)
}

func TestExecute_InvalidConfig(t *testing.T) {
	calls := 0
	out := Execute(context.Background(), New(), failing("x", &calls), WithConfig(Config{BaseDelay: time.Second}))

	assert.Equal(t, 0, calls)
	assert.False(t, out.Success)
	assert.Zero(t, out.Attempts, "nothing ran")
	assert.Zero(t, out.TotalDuration)
	assert.ErrorIs(t, out.Err, ErrInvalidConfig)
	assert.ErrorIs(t, out.Err, ErrMaxBelowBase)

	out = Execute(context.Background(), New(), failing("x", &calls), WithConfig(Config{
		MaxRetries: 1, BaseDelay: time.Second, MaxDelay: time.Second, BackoffMultiplier: 1,
	}))
	assert.Equal(t, 0, calls)
	assert.ErrorIs(t, out.Err, ErrInvalidConfig)
	assert.ErrorIs(t, out.Err, ErrMultiplierTooLow)
}

// lastRecord routes logs to a JSON buffer for the duration of run and returns the final record.
func lastRecord(t *testing.T, run func()) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logx.SetHandler(logx.NewHandler(&buf, logx.FormatJSON))
	t.Cleanup(func() { logx.SetOutput(&bytes.Buffer{}) })

	run()

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &rec))
	return rec
}

func TestExecute_FinalLogWordedByDecision(t *testing.T) {
	t.Run("exhausted", func(t *testing.T) {
		calls := 0
		rec := lastRecord(t, func() {
			e := newTestExecutor(&recordingSleeper{})
			Execute(context.Background(), e, failing("connection reset", &calls),
				WithLabel("llm-chat"), WithConfig(Config{MaxRetries: 1, BaseDelay: time.Second, MaxDelay: time.Second, BackoffMultiplier: 2}))
		})
		assert.Equal(t, 2, calls)
		assert.Equal(t, "llm-chat exhausted 2 attempts: connection reset", rec["msg"])
		assert.Equal(t, metrics.DecisionExhausted, rec["decision"])
	})

	t.Run("fail fast", func(t *testing.T) {
		calls := 0
		rec := lastRecord(t, func() {
			Execute(context.Background(), newTestExecutor(&recordingSleeper{}), failing("401 unauthorized", &calls), WithLabel("llm-chat"))
		})
		assert.Equal(t, 1, calls)
		assert.Equal(t, "llm-chat failed permanently after 1 attempts: 401 unauthorized", rec["msg"])
		assert.Equal(t, metrics.DecisionFailFast, rec["decision"])
	})
}

func TestExecuteThrottled_ReturnsLastErrorUnchanged(t *testing.T) {
	sleeper := &recordingSleeper{}
	e := newTestExecutor(sleeper)
	cause := callerrors.New(callerrors.KindTemporary, "provider overloaded")

	calls := 0
	_, err := ExecuteThrottled(context.Background(), e, func(context.Context) (string, error) {
		calls++
		return "", cause
	})

	assert.Equal(t, 3, calls)
	assert.Same(t, cause, err)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleeper.delays)
}

func TestExecuteThrottled_Success(t *testing.T) {
	e := newTestExecutor(&recordingSleeper{})

	got, err := ExecuteThrottled(context.Background(), e, func(context.Context) (int, error) {
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestConfig_Delay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Jitter = false

	tests := []struct {
		name    string
		attempt int
		kind    callerrors.Kind
		want    time.Duration
	}{
		{"first retry", 1, callerrors.KindTemporary, time.Second},
		{"second retry", 2, callerrors.KindTemporary, 2 * time.Second},
		{"third retry", 3, callerrors.KindUnknown, 4 * time.Second},
		{"capped", 6, callerrors.KindTemporary, 10 * time.Second},
		{"rate limit floor", 1, callerrors.KindRateLimit, 5 * time.Second},
		{"rate limit above floor", 4, callerrors.KindRateLimit, 8 * time.Second},
		{"attempt below one", 0, callerrors.KindTemporary, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.Delay(tt.attempt, tt.kind, nil))
		})
	}

	tiny := Config{MaxRetries: 1, BaseDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond, BackoffMultiplier: 2}
	assert.Equal(t, MinDelay, tiny.Delay(1, callerrors.KindTemporary, nil))

	cfg.Jitter = true
	assert.Equal(t, 900*time.Millisecond, cfg.Delay(1, callerrors.KindTemporary, func() float64 { return 0 }))
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.NoError(t, ThrottledConfig().Validate())

	base := DefaultConfig()

	negative := base
	negative.MaxRetries = -1
	assert.ErrorIs(t, negative.Validate(), ErrNegativeRetries)

	zeroDelay := base
	zeroDelay.BaseDelay = 0
	assert.ErrorIs(t, zeroDelay.Validate(), ErrNonPositiveDelay)

	inverted := base
	inverted.MaxDelay = 500 * time.Millisecond
	assert.ErrorIs(t, inverted.Validate(), ErrMaxBelowBase)

	flat := base
	flat.BackoffMultiplier = 1
	assert.ErrorIs(t, flat.Validate(), ErrMultiplierTooLow)
}

func TestProperty_DelayStaysWithinBounds(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 300
	props := gopter.NewProperties(params)

	cfg := DefaultConfig()
	upper := time.Duration(float64(RateLimitFloor) * (1 + JitterFraction))
	if capped := time.Duration(float64(cfg.MaxDelay) * (1 + JitterFraction)); capped > upper {
		upper = capped
	}

	props.Property("delay is clamped and bounded", prop.ForAll(
		func(attempt int, kind int8, r float64) bool {
			d := cfg.Delay(attempt, callerrors.Kind(kind), func() float64 { return r })
			return d >= MinDelay && d <= upper
		},
		gen.IntRange(1, 40),
		gen.Int8Range(0, 3),
		gen.Float64Range(0, 0.999999),
	))

	props.Property("rate limit delay never drops below the jittered floor", prop.ForAll(
		func(attempt int, r float64) bool {
			d := cfg.Delay(attempt, callerrors.KindRateLimit, func() float64 { return r })
			return d >= time.Duration(float64(RateLimitFloor)*(1-JitterFraction))
		},
		gen.IntRange(1, 40),
		gen.Float64Range(0, 0.999999),
	))

	props.TestingRun(t)
}
