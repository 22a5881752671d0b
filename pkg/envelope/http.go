package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"callguard/pkg/callerrors"
	"callguard/pkg/circuit"
	"callguard/pkg/logx"
)

// CORSHeaders are attached to every function response.
//
//nolint:gochecknoglobals // Fixed header set
var CORSHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Headers": "authorization, x-client-info, apikey, content-type",
	"Access-Control-Allow-Methods": "GET, POST, OPTIONS",
}

// User-facing messages chosen by HandleError.
const (
	MessageUnavailable = "The service is temporarily unavailable. Please try again shortly."
	MessageTimeout     = "The request timed out. Please try again."
	MessageRateLimited = "Too many requests. Please wait a moment and try again."
	MessageTemporary   = "A temporary error occurred. Please try again."
	MessagePermanent   = "The request could not be processed."
	MessageUnexpected  = "An unexpected error occurred."
)

var logger = logx.NewLogger("envelope") //nolint:gochecknoglobals

// WriteCORS sets the CORS headers on w.
func WriteCORS(w http.ResponseWriter) {
	for k, v := range CORSHeaders {
		w.Header().Set(k, v)
	}
}

// CreateHTTPResponse writes env as a JSON body with the CORS headers and any caller headers.
func CreateHTTPResponse[T any](w http.ResponseWriter, env Envelope[T], status int, headers map[string]string) error {
	WriteCORS(w)
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(env)
}

// UserMessage picks the text shown to end users for err.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, circuit.ErrOpen):
		return MessageUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return MessageTimeout
	}

	switch callerrors.Classify(err) {
	case callerrors.KindRateLimit:
		return MessageRateLimited
	case callerrors.KindTemporary:
		return MessageTemporary
	case callerrors.KindPermanent:
		return MessagePermanent
	default:
		return MessageUnexpected
	}
}

// HandleError converts an error that reached the outermost handler into an ERROR
// envelope written with HTTP 200, so clients branch on success rather than status.
func HandleError(w http.ResponseWriter, err error, meta Fields) {
	if err == nil {
		err = errors.New("unknown error")
	}
	env := Error(UserMessage(err), err.Error(), meta)
	logger.With("kind", callerrors.Classify(err).String()).Error("request failed: %v", err)
	if writeErr := CreateHTTPResponse(w, env, http.StatusOK, nil); writeErr != nil {
		logger.Warn("failed to write error response: %v", writeErr)
	}
}
