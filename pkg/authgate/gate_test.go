package authgate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callguard/pkg/callerrors"
	"callguard/pkg/metrics"
)

type stubVerifier struct {
	user  *User
	err   error
	calls int
}

func (s *stubVerifier) Verify(_ context.Context, token string) (*User, error) {
	s.calls++
	if token == "panic" {
		panic("verifier exploded")
	}
	return s.user, s.err
}

type memoryAudit struct {
	mu       sync.Mutex
	count    int
	countErr error
	entries  []string
	since    time.Time
}

func (m *memoryAudit) CountSince(_ context.Context, _ string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.since = since
	return m.count, m.countErr
}

func (m *memoryAudit) Append(_ context.Context, userID, action string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, userID+":"+action)
	return nil
}

var protected = Config{RequireAuth: true}

func TestValidateAuth_NotRequiredSkipsVerifier(t *testing.T) {
	verifier := &stubVerifier{err: errors.New("must not be called")}
	gate := New(verifier)

	result := gate.ValidateAuth(context.Background(), "", Config{RequireAuth: false})

	assert.True(t, result.Success)
	assert.Equal(t, http.StatusOK, result.HTTPStatus)
	assert.Equal(t, 0, verifier.calls)
}

func TestValidateAuth_HeaderProblems(t *testing.T) {
	gate := New(&stubVerifier{user: &User{ID: "u1"}})

	missing := gate.ValidateAuth(context.Background(), "", protected)
	assert.False(t, missing.Success)
	assert.Equal(t, ReasonMissingHeader, missing.Error)
	assert.Equal(t, http.StatusUnauthorized, missing.HTTPStatus)

	basic := gate.ValidateAuth(context.Background(), "Basic dXNlcjpwYXNz", protected)
	assert.False(t, basic.Success)
	assert.Equal(t, ReasonBadHeader, basic.Error)
}

func TestValidateAuth_InvalidToken(t *testing.T) {
	gate := New(&stubVerifier{err: ErrInvalidToken})

	result := gate.ValidateAuth(context.Background(), "Bearer expired", protected)

	assert.False(t, result.Success)
	assert.Equal(t, ReasonInvalidToken, result.Error)
	assert.Equal(t, http.StatusUnauthorized, result.HTTPStatus)
	assert.Nil(t, result.User)
}

func TestValidateAuth_VerifierOutageIsUnavailable(t *testing.T) {
	outage := callerrors.WithStatus(http.StatusServiceUnavailable, errors.New("upstream down"), "auth service error")
	rec := &authRecorder{}
	gate := New(&stubVerifier{err: outage}, WithRecorder(rec))

	result := gate.ValidateAuth(context.Background(), "Bearer valid-but-unchecked", protected)

	assert.False(t, result.Success)
	assert.Equal(t, ReasonUnavailable, result.Error)
	assert.Equal(t, http.StatusUnauthorized, result.HTTPStatus)
	assert.Equal(t, []string{"unavailable"}, rec.outcomes)

	wrapped := New(&stubVerifier{err: fmt.Errorf("%w: token expired", ErrInvalidToken)})
	result = wrapped.ValidateAuth(context.Background(), "Bearer expired", protected)
	assert.Equal(t, ReasonInvalidToken, result.Error)
}

func TestValidateAuth_SupabaseOutage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	gate := New(NewSupabaseVerifier(srv.URL, "anon-key", srv.Client()))
	result := gate.ValidateAuth(context.Background(), "Bearer whatever", protected)
	assert.Equal(t, ReasonUnavailable, result.Error)

	srv.Close()
	result = gate.ValidateAuth(context.Background(), "Bearer whatever", protected)
	assert.Equal(t, ReasonUnavailable, result.Error)
}

type authRecorder struct {
	metrics.NoopRecorder
	outcomes []string
}

func (r *authRecorder) ObserveAuth(outcome string) { r.outcomes = append(r.outcomes, outcome) }

func TestValidateAuth_Success(t *testing.T) {
	audit := &memoryAudit{}
	gate := New(&stubVerifier{user: &User{ID: "u1", Email: "a@example.com"}}, WithAuditLog(audit))

	result := gate.ValidateAuth(context.Background(), "bearer good-token", Config{RequireAuth: true, Action: "chat"})

	require.True(t, result.Success)
	assert.Equal(t, "u1", result.UserID)
	assert.Equal(t, "a@example.com", result.User.Email)
	assert.Equal(t, []string{"u1:chat"}, audit.entries)
}

func TestValidateAuth_RoleCheck(t *testing.T) {
	user := &User{ID: "u1", Role: "authenticated", AppMetadata: map[string]any{"roles": []any{"editor"}}}
	gate := New(&stubVerifier{user: user})

	denied := gate.ValidateAuth(context.Background(), "Bearer t", Config{RequireAuth: true, AllowedRoles: []string{"admin"}})
	assert.False(t, denied.Success)
	assert.Equal(t, ReasonForbidden, denied.Error)
	assert.Equal(t, http.StatusForbidden, denied.HTTPStatus)

	allowed := gate.ValidateAuth(context.Background(), "Bearer t", Config{RequireAuth: true, AllowedRoles: []string{"admin", "editor"}})
	assert.True(t, allowed.Success)
}

func TestValidateAuth_RateLimit(t *testing.T) {
	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	audit := &memoryAudit{count: RateLimitMax}
	gate := New(&stubVerifier{user: &User{ID: "u1"}}, WithAuditLog(audit), WithClock(func() time.Time { return clock }))
	cfg := Config{RequireAuth: true, CheckRateLimit: true}

	limited := gate.ValidateAuth(context.Background(), "Bearer t", cfg)
	assert.False(t, limited.Success)
	assert.Equal(t, ReasonRateLimited, limited.Error)
	assert.Equal(t, http.StatusTooManyRequests, limited.HTTPStatus)
	assert.Equal(t, clock.Add(-5*time.Minute), audit.since)
	assert.Empty(t, audit.entries)

	audit.count = RateLimitMax - 1
	assert.True(t, gate.ValidateAuth(context.Background(), "Bearer t", cfg).Success)
}

func TestValidateAuth_AuditFailureFailsOpen(t *testing.T) {
	audit := &memoryAudit{countErr: errors.New("db down")}
	gate := New(&stubVerifier{user: &User{ID: "u1"}}, WithAuditLog(audit))

	result := gate.ValidateAuth(context.Background(), "Bearer t", Config{RequireAuth: true, CheckRateLimit: true})
	assert.True(t, result.Success)
}

func TestValidateAuth_NeverPanics(t *testing.T) {
	gate := New(&stubVerifier{})

	result := gate.ValidateAuth(context.Background(), "Bearer panic", protected)
	assert.False(t, result.Success)
	assert.Equal(t, ReasonUnavailable, result.Error)

	noVerifier := New(nil).ValidateAuth(context.Background(), "Bearer t", protected)
	assert.False(t, noVerifier.Success)
}

func TestExtractBearerToken(t *testing.T) {
	assert.Equal(t, "abc", ExtractBearerToken("Bearer abc"))
	assert.Equal(t, "abc", ExtractBearerToken("  bearer   abc "))
	assert.Equal(t, "", ExtractBearerToken("Bearer"))
	assert.Equal(t, "", ExtractBearerToken("Token abc"))
}
