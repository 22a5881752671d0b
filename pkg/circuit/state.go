// Package circuit provides a per-name circuit breaker whose state lives in a pluggable store.
package circuit

import (
	"errors"
	"fmt"
	"time"
)

// Status represents the current status of a named circuit.
type Status int

// Circuit statuses.
const (
	StatusClosed   Status = iota // Normal operation
	StatusOpen                   // Failing, reject requests
	StatusHalfOpen               // Probing whether the dependency recovered
)

func (s Status) String() string {
	switch s {
	case StatusClosed:
		return "CLOSED"
	case StatusOpen:
		return "OPEN"
	case StatusHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name written by MarshalText.
func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "CLOSED":
		*s = StatusClosed
	case "OPEN":
		*s = StatusOpen
	case "HALF_OPEN":
		*s = StatusHalfOpen
	default:
		return fmt.Errorf("unknown circuit status %q", text)
	}
	return nil
}

// State is the persisted condition of one named circuit. The zero value is a fresh CLOSED circuit.
type State struct {
	LastFailureTime time.Time `json:"lastFailureTime"`
	NextAttemptTime time.Time `json:"nextAttemptTime"`
	Status          Status    `json:"status"`
	FailureCount    int       `json:"failureCount"`
}

// IdleTTL is how long after its last failure a circuit's state is kept.
const IdleTTL = 10 * time.Minute

// Config defines configuration for circuit breaker behavior.
type Config struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"` // Failures before opening
	RecoveryTimeout  time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`   // Wait before a trial call, and its lease
	MonitoringWindow time.Duration `json:"monitoring_window" yaml:"monitoring_window"` // Reported only; failures are counted since the last reset
}

// DefaultConfig provides the standard thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		MonitoringWindow: 60 * time.Second,
	}
}

// Validate checks that the thresholds are usable.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("recovery timeout must be positive, got %s", c.RecoveryTimeout)
	}
	return nil
}

// ErrOpen matches every *OpenError via errors.Is.
var ErrOpen = errors.New("circuit open")

// OpenError is returned when a call is rejected without running the operation.
type OpenError struct {
	RetryAt time.Time
	Name    string
	Status  Status
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q is %s, next attempt after %s", e.Name, e.Status, e.RetryAt.Format(time.RFC3339))
}

// Is reports whether target is ErrOpen.
func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}
