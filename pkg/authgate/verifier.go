package authgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"callguard/pkg/callerrors"
)

// SupabaseVerifier asks the Supabase auth service who owns a token.
type SupabaseVerifier struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewSupabaseVerifier creates a verifier for the project at baseURL. apiKey is the
// project's anon key. A nil client uses a 10 second timeout.
func NewSupabaseVerifier(baseURL, apiKey string, client *http.Client) *SupabaseVerifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SupabaseVerifier{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

// Verify calls GET /auth/v1/user with the token.
func (v *SupabaseVerifier) Verify(ctx context.Context, token string) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/auth/v1/user", http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("apikey", v.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, callerrors.Wrap(callerrors.KindTemporary, err, "auth request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, callerrors.Wrap(callerrors.KindTemporary, err, "read auth response")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusBadRequest:
		return nil, callerrors.WithStatus(resp.StatusCode, ErrInvalidToken, "auth service rejected token")
	case resp.StatusCode != http.StatusOK:
		return nil, callerrors.WithStatus(resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(body))), "auth service error")
	}

	var user User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("decode auth user: %w", err)
	}
	if user.ID == "" {
		return nil, ErrInvalidToken
	}
	return &user, nil
}

// supabaseClaims are the claims Supabase puts in access tokens.
type supabaseClaims struct {
	jwt.RegisteredClaims
	AppMetadata  map[string]any `json:"app_metadata,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	Email        string         `json:"email,omitempty"`
	Role         string         `json:"role,omitempty"`
}

// JWTVerifier validates HS256 access tokens locally with the project's JWT secret,
// avoiding a network round trip per request.
type JWTVerifier struct {
	now      func() time.Time
	secret   []byte
	audience string
	issuer   string
}

// JWTOption configures a JWTVerifier.
type JWTOption func(*JWTVerifier)

// WithAudience requires the aud claim to contain aud.
func WithAudience(aud string) JWTOption {
	return func(v *JWTVerifier) { v.audience = aud }
}

// WithIssuer requires the iss claim to equal iss.
func WithIssuer(iss string) JWTOption {
	return func(v *JWTVerifier) { v.issuer = iss }
}

// WithJWTClock replaces time.Now for expiry checks.
func WithJWTClock(now func() time.Time) JWTOption {
	return func(v *JWTVerifier) { v.now = now }
}

// NewJWTVerifier creates a verifier for tokens signed with secret.
func NewJWTVerifier(secret string, opts ...JWTOption) *JWTVerifier {
	v := &JWTVerifier{secret: []byte(secret), audience: "authenticated", now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify parses and validates token.
func (v *JWTVerifier) Verify(_ context.Context, token string) (*User, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	claims := &supabaseClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: token expired", ErrInvalidToken)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return &User{
		ID:           claims.Subject,
		Email:        claims.Email,
		Role:         claims.Role,
		AppMetadata:  claims.AppMetadata,
		UserMetadata: claims.UserMetadata,
	}, nil
}
