// Package authgate performs the pre-flight checks run before a protected function touches
// any downstream dependency: bearer token verification, role membership and a per-user
// request budget.
package authgate

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"callguard/pkg/logx"
	"callguard/pkg/metrics"
)

const (
	// RateLimitWindow is the trailing window counted by the rate limit.
	RateLimitWindow = 5 * time.Minute
	// RateLimitMax is the number of audited requests allowed per window.
	RateLimitMax = 100
	// DefaultAction is the audit action recorded for successful validations.
	DefaultAction = "auth.validate"
)

// Failure reasons returned in Result.Error.
const (
	ReasonMissingHeader = "Missing authorization header"
	ReasonBadHeader     = "Invalid authorization header format"
	ReasonInvalidToken  = "Invalid or expired token"
	ReasonForbidden     = "Insufficient permissions"
	ReasonRateLimited   = "Rate limit exceeded. Please try again later."
	ReasonUnavailable   = "Authentication is unavailable"
)

// ErrInvalidToken is returned by verifiers for tokens the identity provider rejects.
// Any other verifier error is treated as the provider being unavailable.
var ErrInvalidToken = errors.New("invalid token")

// User is the identity returned by a Verifier.
type User struct {
	AppMetadata  map[string]any `json:"app_metadata,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	ID           string         `json:"id"`
	Email        string         `json:"email,omitempty"`
	Role         string         `json:"role,omitempty"`
}

// Roles returns every role attached to u, from the top-level role claim and from
// app_metadata "role" and "roles".
func (u *User) Roles() []string {
	var roles []string
	if u.Role != "" {
		roles = append(roles, u.Role)
	}
	if role, ok := u.AppMetadata["role"].(string); ok && role != "" {
		roles = append(roles, role)
	}
	if list, ok := u.AppMetadata["roles"].([]any); ok {
		for _, r := range list {
			if role, ok := r.(string); ok && role != "" {
				roles = append(roles, role)
			}
		}
	}
	return roles
}

// HasAnyRole reports whether u holds at least one of allowed.
func (u *User) HasAnyRole(allowed []string) bool {
	for _, role := range u.Roles() {
		if slices.Contains(allowed, role) {
			return true
		}
	}
	return false
}

// Verifier resolves a bearer token to a user.
type Verifier interface {
	Verify(ctx context.Context, token string) (*User, error)
}

// AuditLog stores one entry per validated request and counts them for the rate limit.
type AuditLog interface {
	CountSince(ctx context.Context, userID string, since time.Time) (int, error)
	Append(ctx context.Context, userID, action string, at time.Time) error
}

// Config selects which checks ValidateAuth performs.
type Config struct {
	Action         string   `json:"action" yaml:"action"`
	AllowedRoles   []string `json:"allowed_roles" yaml:"allowed_roles"`
	RequireAuth    bool     `json:"require_auth" yaml:"require_auth"`
	CheckRateLimit bool     `json:"check_rate_limit" yaml:"check_rate_limit"`
}

// Result is the outcome of ValidateAuth. HTTPStatus is a hint for the caller's response.
type Result struct {
	User       *User  `json:"user,omitempty"`
	UserID     string `json:"userId,omitempty"`
	Error      string `json:"error,omitempty"`
	HTTPStatus int    `json:"-"`
	Success    bool   `json:"success"`
}

func failure(status int, reason string) Result {
	return Result{Error: reason, HTTPStatus: status}
}

// Gate runs the auth checks.
type Gate struct {
	verifier Verifier
	audit    AuditLog
	now      func() time.Time
	logger   *logx.Logger
	recorder metrics.Recorder
}

// Option configures a Gate.
type Option func(*Gate)

// WithAuditLog enables audit entries and the rate limit.
func WithAuditLog(a AuditLog) Option {
	return func(g *Gate) { g.audit = a }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithLogger sets the gate's logger.
func WithLogger(l *logx.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(g *Gate) { g.recorder = r }
}

// New creates a gate that verifies tokens with verifier.
func New(verifier Verifier, opts ...Option) *Gate {
	g := &Gate{
		verifier: verifier,
		now:      time.Now,
		logger:   logx.NewLogger("authgate"),
		recorder: metrics.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func outcomeLabel(r Result) string {
	switch {
	case r.Success:
		return "ok"
	case r.HTTPStatus == http.StatusForbidden:
		return "forbidden"
	case r.HTTPStatus == http.StatusTooManyRequests:
		return "rate_limited"
	case r.Error == ReasonUnavailable:
		return "unavailable"
	default:
		return "unauthorized"
	}
}

// ExtractBearerToken returns the token from an "Authorization: Bearer <token>" header value.
func ExtractBearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// ValidateAuth checks header against cfg. It never returns an error: failures are
// reported in the Result with a reason and an HTTP status hint.
func (g *Gate) ValidateAuth(ctx context.Context, header string, cfg Config) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.ErrorContext(ctx, "auth validation panicked: %v", r)
			result = failure(http.StatusUnauthorized, ReasonUnavailable)
		}
		g.recorder.ObserveAuth(outcomeLabel(result))
	}()

	if !cfg.RequireAuth {
		return Result{Success: true, HTTPStatus: http.StatusOK}
	}

	if strings.TrimSpace(header) == "" {
		return failure(http.StatusUnauthorized, ReasonMissingHeader)
	}
	token := ExtractBearerToken(header)
	if token == "" {
		return failure(http.StatusUnauthorized, ReasonBadHeader)
	}

	if g.verifier == nil {
		g.logger.ErrorContext(ctx, "auth required but no verifier configured")
		return failure(http.StatusUnauthorized, ReasonUnavailable)
	}

	user, err := g.verifier.Verify(ctx, token)
	if err != nil && !errors.Is(err, ErrInvalidToken) {
		g.logger.ErrorContext(ctx, "token verifier unavailable: %v", err)
		return failure(http.StatusUnauthorized, ReasonUnavailable)
	}
	if err != nil || user == nil || user.ID == "" {
		g.logger.WarnContext(ctx, "token verification failed: %v", err)
		return failure(http.StatusUnauthorized, ReasonInvalidToken)
	}

	if len(cfg.AllowedRoles) > 0 && !user.HasAnyRole(cfg.AllowedRoles) {
		g.logger.With("user_id", user.ID).WarnContext(ctx, "user lacks required role %v", cfg.AllowedRoles)
		return failure(http.StatusForbidden, ReasonForbidden)
	}

	now := g.now()
	if cfg.CheckRateLimit && g.audit != nil {
		count, err := g.audit.CountSince(ctx, user.ID, now.Add(-RateLimitWindow))
		switch {
		case err != nil:
			g.logger.With("user_id", user.ID).WarnContext(ctx, "rate limit check failed, allowing request: %v", err)
		case count >= RateLimitMax:
			g.logger.With("user_id", user.ID, "count", count).WarnContext(ctx, "rate limit exceeded")
			return failure(http.StatusTooManyRequests, ReasonRateLimited)
		}
	}

	if g.audit != nil {
		action := cfg.Action
		if action == "" {
			action = DefaultAction
		}
		if err := g.audit.Append(ctx, user.ID, action, now); err != nil {
			g.logger.With("user_id", user.ID).WarnContext(ctx, "failed to append audit entry: %v", err)
		}
	}

	return Result{Success: true, User: user, UserID: user.ID, HTTPStatus: http.StatusOK}
}
