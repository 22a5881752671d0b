// Package callerrors classifies failures of outbound calls into the small taxonomy that
// drives retry policy.
package callerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the retry-relevant category of a failed call.
type Kind int8

const (
	// KindTemporary covers timeouts, connection failures and 5xx responses.
	KindTemporary Kind = iota
	// KindPermanent covers malformed requests, bad credentials and missing resources.
	KindPermanent
	// KindRateLimit covers 429 responses and exhausted quotas.
	KindRateLimit
	// KindUnknown is the default for anything unrecognised.
	KindUnknown
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindTemporary:
		return "TEMPORARY"
	case KindPermanent:
		return "PERMANENT"
	case KindRateLimit:
		return "RATE_LIMIT"
	case KindUnknown:
		return "UNKNOWN"
	default:
		return "INVALID"
	}
}

// MarshalText implements encoding.TextMarshaler so kinds render by name in JSON and logs.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// IsRetryable reports whether a call that failed with kind may be attempted again.
func IsRetryable(k Kind) bool {
	return k != KindPermanent
}

// Error is a failure tagged with its kind at the call boundary, so classification
// never has to sniff message text.
type Error struct {
	Err        error  // Wrapped underlying error
	Message    string // Human-readable error message
	Kind       Kind   // Classified kind
	StatusCode int    // HTTP status code if applicable
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	case e.StatusCode != 0:
		return fmt.Sprintf("status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	default:
		return e.Kind.String() + " error"
	}
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a tagged error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap tags cause with kind.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Err: cause, Message: message}
}

// WithStatus tags an HTTP failure, deriving the kind from the status code.
func WithStatus(statusCode int, cause error, message string) *Error {
	return &Error{
		Kind:       KindForStatus(statusCode),
		StatusCode: statusCode,
		Err:        cause,
		Message:    message,
	}
}

// KindForStatus maps an HTTP status code to a kind.
func KindForStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimit
	case code == http.StatusRequestTimeout, code >= 500 && code <= 599:
		return KindTemporary
	case code >= 400 && code <= 499:
		return KindPermanent
	default:
		return KindUnknown
	}
}

// Tagged returns the first *Error in err's chain.
func Tagged(err error) (*Error, bool) {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged, true
	}
	return nil, false
}

// KindOf returns the kind of the first tagged error in err's chain.
func KindOf(err error) (Kind, bool) {
	if tagged, ok := Tagged(err); ok {
		return tagged.Kind, true
	}
	return KindUnknown, false
}
