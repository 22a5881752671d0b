// Package functions serves the chat and training functions over HTTP. Each request
// passes the auth gate, then calls the model through the circuit breaker wrapping the
// retry executor, and is answered with a response envelope.
package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"callguard/pkg/authgate"
	"callguard/pkg/circuit"
	"callguard/pkg/envelope"
	"callguard/pkg/llm"
	"callguard/pkg/logx"
	"callguard/pkg/metrics"
	"callguard/pkg/retry"
)

// Circuit names used by the functions.
const (
	CircuitChat     = "llm-chat"
	CircuitTraining = "llm-training"
)

// MaxBodyBytes caps request bodies.
const MaxBodyBytes = 1 << 20

// Options tunes the functions. Zero values fall back to the defaults in NewServer.
type Options struct {
	Lookup          authgate.LookupFunc // Resolves RequiredAPIKeys; nil means os.LookupEnv
	Auth            authgate.Config     // Base gate config; Action is set per function
	RequiredAPIKeys []string
	MaxTokens       int
	Temperature     float64
	AttemptTimeout  time.Duration // Per model call, inside the retry loop
}

// Server holds the collaborators shared by every function.
type Server struct {
	gate     *authgate.Gate
	breaker  *circuit.Breaker
	retrier  *retry.Executor
	client   llm.Client
	recorder metrics.Recorder
	logger   *logx.Logger
	tracer   trace.Tracer
	opts     Options
}

// NewServer wires the functions. recorder may be nil.
func NewServer(gate *authgate.Gate, breaker *circuit.Breaker, retrier *retry.Executor, client llm.Client, recorder metrics.Recorder, opts Options) *Server {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 30 * time.Second
	}
	return &Server{
		gate:     gate,
		breaker:  breaker,
		retrier:  retrier,
		client:   client,
		recorder: recorder,
		logger:   logx.NewLogger("functions"),
		tracer:   otel.Tracer("callguard/functions"),
		opts:     opts,
	}
}

// Routes returns the function router. Callers may add their own routes to it.
//
//	POST    /functions/v1/chat
//	POST    /functions/v1/training
//	GET     /functions/v1/health
//	OPTIONS /functions/v1/*
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestID)
	r.Use(s.recoverer)

	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		_ = envelope.CreateHTTPResponse(w, envelope.Error("method not allowed", "", nil), http.StatusMethodNotAllowed, nil)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = envelope.CreateHTTPResponse(w, envelope.Error("not found", r.URL.Path, nil), http.StatusNotFound, nil)
	})

	r.Route("/functions/v1", func(r chi.Router) {
		r.Options("/*", preflight)
		r.Post("/chat", s.handleChat)
		r.Post("/training", s.handleTraining)
		r.Get("/health", s.handleHealth)
	})
	return r
}

// preflight answers CORS preflight requests.
func preflight(w http.ResponseWriter, _ *http.Request) {
	envelope.WriteCORS(w)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

// requestMeta seeds envelope metadata common to every function response.
func requestMeta(ctx context.Context, sessionID string) envelope.Fields {
	meta := envelope.Fields{"requestId": logx.RequestID(ctx)}
	if sessionID != "" {
		meta["sessionId"] = sessionID
	}
	return meta
}

// authorize runs the gate for action and writes the rejection when it fails.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, action string) (authgate.Result, bool) {
	cfg := s.opts.Auth
	cfg.Action = action
	result := s.gate.ValidateAuth(r.Context(), r.Header.Get("Authorization"), cfg)
	if result.Success {
		return result, true
	}
	env := envelope.Error(result.Error, "", requestMeta(r.Context(), ""))
	if err := envelope.CreateHTTPResponse(w, env, result.HTTPStatus, nil); err != nil {
		s.logger.Warn("failed to write auth rejection: %v", err)
	}
	return result, false
}

// decodeParams reads a JSON object body into dst after checking its keys.
func decodeParams(w http.ResponseWriter, r *http.Request, required, optional []string, dst any) error {
	if r.Body == nil {
		return errMissingBody
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return errMissingBody
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return fmt.Errorf("request body must be a JSON object: %w", err)
	}
	if err := authgate.ValidateRequestParams(params, required, optional); err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// badRequest writes a 400 ERROR envelope.
func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	env := envelope.Error("invalid request", err.Error(), requestMeta(r.Context(), ""))
	if writeErr := envelope.CreateHTTPResponse(w, env, http.StatusBadRequest, nil); writeErr != nil {
		s.logger.Warn("failed to write bad request response: %v", writeErr)
	}
}

// checkAPIKeys reports missing provider credentials as a handled error.
func (s *Server) checkAPIKeys() error {
	if err := authgate.ValidateRequiredAPIKeys(s.opts.RequiredAPIKeys, s.opts.Lookup); err != nil {
		return fmt.Errorf("function misconfigured: %w", err)
	}
	return nil
}

// complete calls the model through the breaker and the throttled retry executor.
// fallback runs when the circuit is open or every attempt failed.
func complete[T any](ctx context.Context, s *Server, circuitName string, req llm.CompletionRequest,
	convert func(llm.CompletionResponse) (T, error), fallback circuit.Fallback[T],
) (T, error) {
	op := func(ctx context.Context) (T, error) {
		return retry.ExecuteThrottled(ctx, s.retrier, func(ctx context.Context) (T, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, s.opts.AttemptTimeout)
			defer cancel()
			resp, err := s.client.Complete(attemptCtx, req)
			if err != nil {
				var zero T
				return zero, err
			}
			return convert(resp)
		}, retry.WithLabel(circuitName))
	}
	return circuit.Execute(ctx, s.breaker, circuitName, op, fallback)
}

func (s *Server) observe(function string, status envelope.Status, start time.Time) {
	s.recorder.ObserveResponse(function, string(status), time.Since(start))
}

// errMissingBody is returned for requests without a body.
var errMissingBody = errors.New("request body is empty")
