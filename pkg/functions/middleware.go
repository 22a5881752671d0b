package functions

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/google/uuid"

	"callguard/pkg/envelope"
	"callguard/pkg/logx"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-Id"

// requestID tags the request context with the caller's id, or a new UUID.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logx.WithRequestID(r.Context(), id)))
	})
}

// recoverer turns a panic into an ERROR envelope with HTTP 200.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler { //nolint:errorlint // sentinel compared by identity
				panic(rec)
			}
			s.logger.ErrorContext(r.Context(), "panic in %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
			envelope.HandleError(w, fmt.Errorf("panic: %v", rec), requestMeta(r.Context(), ""))
		}()
		next.ServeHTTP(w, r)
	})
}
