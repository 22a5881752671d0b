package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callguard/pkg/callerrors"
	"callguard/pkg/circuit"
)

func freezeClock(t *testing.T, at time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = prev })
}

var fixed = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestBuilders_StatusAndTimestamp(t *testing.T) {
	freezeClock(t, fixed)

	ok := Success("hi", Fields{"sessionId": "s1"})
	assert.True(t, ok.Success)
	assert.Equal(t, StatusOK, ok.Meta.Status)
	assert.Equal(t, fixed, ok.Meta.Timestamp)
	assert.Equal(t, "s1", ok.Meta.Extra["sessionId"])

	warn := Warning(42, "degraded", nil)
	assert.True(t, warn.Success)
	assert.Equal(t, StatusWarning, warn.Meta.Status)
	assert.Equal(t, "degraded", warn.Warning)

	fail := Error("Something went wrong", "db timeout", nil)
	assert.False(t, fail.Success)
	assert.Equal(t, StatusError, fail.Meta.Status)
	assert.Equal(t, "db timeout", fail.Details)
}

func TestBuilders_IgnoreReservedOverrides(t *testing.T) {
	freezeClock(t, fixed)

	env := Success("x", Fields{
		"status":    "ERROR",
		"timestamp":      "1999-01-01T00:00:00Z",
		"responseTimeMs": "bogus",
		"model":          "gpt-4o-mini",
	})

	assert.Equal(t, StatusOK, env.Meta.Status)
	assert.Equal(t, fixed, env.Meta.Timestamp)
	assert.NotContains(t, env.Meta.Extra, "status")
	assert.NotContains(t, env.Meta.Extra, "timestamp")
	assert.NotContains(t, env.Meta.Extra, "responseTimeMs")
	assert.Nil(t, env.Meta.ResponseTimeMs)
	assert.Equal(t, "gpt-4o-mini", env.Meta.Extra["model"])

	body, err := json.Marshal(env)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "bogus")

	timed := AddPerformanceMetrics(Warning("x", "slow", Fields{"responseTimeMs": -1}), fixed.Add(-250*time.Millisecond), nil)
	require.NotNil(t, timed.Meta.ResponseTimeMs)
	assert.Equal(t, int64(250), *timed.Meta.ResponseTimeMs)
	assert.NotContains(t, timed.Meta.Extra, "responseTimeMs")
}

func TestEnvelope_JSONShape(t *testing.T) {
	freezeClock(t, fixed)

	env := Success(map[string]int{"a": 1}, Fields{"sessionId": "s1"})
	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, true, decoded["success"])
	assert.NotContains(t, decoded, "error")

	meta := decoded["meta"].(map[string]any)
	assert.Equal(t, "OK", meta["status"])
	assert.Equal(t, "2025-03-01T12:00:00.000Z", meta["timestamp"])
	assert.Equal(t, "s1", meta["sessionId"])
	assert.NotContains(t, meta, "responseTimeMs")

	var back Envelope[map[string]int]
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, StatusOK, back.Meta.Status)
	assert.True(t, back.Meta.Timestamp.Equal(fixed))
	assert.Equal(t, 1, back.Content["a"])
	v, ok := back.Meta.Get("sessionId")
	assert.True(t, ok)
	assert.Equal(t, "s1", v)
}

func TestAddPerformanceMetrics_DoesNotMutateInput(t *testing.T) {
	freezeClock(t, fixed)
	env := Success("x", Fields{"sessionId": "s1"})

	start := fixed.Add(-250 * time.Millisecond)
	out := AddPerformanceMetrics(env, start, Fields{"model": "gpt-4o-mini", "status": "ERROR"})

	require.NotNil(t, out.Meta.ResponseTimeMs)
	assert.Equal(t, int64(250), *out.Meta.ResponseTimeMs)
	assert.Equal(t, "gpt-4o-mini", out.Meta.Extra["model"])
	assert.Equal(t, StatusOK, out.Meta.Status)

	assert.Nil(t, env.Meta.ResponseTimeMs)
	assert.NotContains(t, env.Meta.Extra, "model")
}

func TestCreateFallbackContent(t *testing.T) {
	env := CreateFallbackContent("quiz", "beginner", "networking", "sess-9")

	assert.True(t, env.Success)
	assert.Equal(t, StatusWarning, env.Meta.Status)
	assert.Equal(t, true, env.Meta.Extra["isErrorFallback"])
	assert.Equal(t, FallbackWarning, env.Warning)

	content := env.Content
	assert.True(t, content.IsErrorFallback)
	assert.Equal(t, "sess-9", content.SessionID)
	assert.Equal(t, "Beginner quiz for networking", content.Title)
	require.NoError(t, content.Validate())
}

func TestGeneratedContent_Validate(t *testing.T) {
	assert.Error(t, GeneratedContent{}.Validate())
	assert.Error(t, GeneratedContent{Title: "t"}.Validate())
	assert.Error(t, GeneratedContent{Title: "t", Items: []ContentItem{{}}}.Validate())
	assert.NoError(t, GeneratedContent{Title: "t", Items: []ContentItem{{Body: "b"}}}.Validate())
}

func TestSafeParseJSON(t *testing.T) {
	fenced := SafeParseJSON[map[string]int]("```json\n{\"a\":1}\n```")
	require.True(t, fenced.Success)
	assert.Equal(t, map[string]int{"a": 1}, fenced.Data)
	assert.NoError(t, fenced.Err())

	prose := SafeParseJSON[GeneratedContent](`Here you go: {"title":"Intro","items":[{"title":"One","body":"b"}]} hope it helps`)
	require.True(t, prose.Success)
	assert.Equal(t, "Intro", prose.Data.Title)

	bad := SafeParseJSON[map[string]any]("not json")
	assert.False(t, bad.Success)
	assert.NotEmpty(t, bad.Error)
	assert.Error(t, bad.Err())

	broken := SafeParseJSON[map[string]any]("{\"a\": }")
	assert.False(t, broken.Success)

	reversed := SafeParseJSON[map[string]any]("} {")
	assert.False(t, reversed.Success)
}

func TestCreateHTTPResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	err := CreateHTTPResponse(rec, Success("ok", nil), http.StatusCreated, map[string]string{"X-Request-Id": "r1"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "r1", rec.Header().Get("X-Request-Id"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["content"])
}

func TestHandleError_AlwaysHTTP200(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&circuit.OpenError{Name: "llm-chat", Status: circuit.StatusOpen}, MessageUnavailable},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), MessageTimeout},
		{errors.New("429 Too Many Requests"), MessageRateLimited},
		{callerrors.New(callerrors.KindTemporary, "overloaded"), MessageTemporary},
		{errors.New("invalid model"), MessagePermanent},
		{errors.New("boom"), MessageUnexpected},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		HandleError(rec, tt.err, Fields{"requestId": "r1"})

		assert.Equal(t, http.StatusOK, rec.Code)
		var env Envelope[any]
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
		assert.False(t, env.Success)
		assert.Equal(t, StatusError, env.Meta.Status)
		assert.Equal(t, tt.want, env.Error)
		assert.Equal(t, tt.err.Error(), env.Details)
		assert.Equal(t, "r1", env.Meta.Extra["requestId"])
	}
}

func TestProperty_EnvelopeInvariant(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 300
	props := gopter.NewProperties(params)

	props.Property("success agrees with meta status for every builder", prop.ForAll(
		func(builder int, text string, status string) bool {
			overrides := Fields{"status": status, "note": text}
			switch builder {
			case 0:
				return Success(text, overrides).Consistent()
			case 1:
				return Warning(text, text, overrides).Consistent()
			default:
				env := Error(text, text, overrides)
				return env.Consistent() && !env.Success
			}
		},
		gen.IntRange(0, 2),
		gen.AnyString(),
		gen.AlphaString(),
	))

	props.Property("performance metrics preserve consistency", prop.ForAll(
		func(ms int64) bool {
			env := AddPerformanceMetrics(Error("x", "", nil), time.Now().Add(-time.Duration(ms)*time.Millisecond), Fields{"status": "OK"})
			return env.Consistent() && *env.Meta.ResponseTimeMs >= 0
		},
		gen.Int64Range(0, 100000),
	))

	props.TestingRun(t)
}
