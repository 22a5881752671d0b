// Package retry runs operations again after classified failures, backing off
// exponentially between attempts.
package retry

import (
	"errors"
	"fmt"
	"math"
	"time"

	"callguard/pkg/callerrors"
)

const (
	// RateLimitFloor is the smallest wait after a RATE_LIMIT failure.
	RateLimitFloor = 5 * time.Second
	// MinDelay is the smallest wait between any two attempts.
	MinDelay = 100 * time.Millisecond
	// JitterFraction bounds the uniform jitter applied to each delay.
	JitterFraction = 0.1
)

// Config defines configuration for retry behavior.
type Config struct {
	MaxRetries        int           `json:"max_retries" yaml:"max_retries"`               // Retries after the initial attempt
	BaseDelay         time.Duration `json:"base_delay" yaml:"base_delay"`                 // Delay before the first retry
	MaxDelay          time.Duration `json:"max_delay" yaml:"max_delay"`                   // Cap on the exponential delay
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"` // Growth factor per attempt
	Jitter            bool          `json:"jitter" yaml:"jitter"`                         // Spread delays by ±JitterFraction
}

// DefaultConfig is used by Execute unless a call overrides it.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            true,
	}
}

// ThrottledConfig is used by ExecuteThrottled for providers that throttle aggressively.
func ThrottledConfig() Config {
	return Config{
		MaxRetries:        2,
		BaseDelay:         2 * time.Second,
		MaxDelay:          15 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            true,
	}
}

// Validation errors returned by Config.Validate.
var (
	ErrNegativeRetries  = errors.New("max retries must not be negative")
	ErrNonPositiveDelay = errors.New("base delay must be positive")
	ErrMaxBelowBase     = errors.New("max delay must be at least the base delay")
	ErrMultiplierTooLow = errors.New("backoff multiplier must be greater than 1")
)

// ErrInvalidConfig wraps a Validate failure in the Outcome of a call that never ran.
var ErrInvalidConfig = errors.New("invalid retry config")

// Validate reports the first constraint c violates.
func (c Config) Validate() error {
	switch {
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: %d", ErrNegativeRetries, c.MaxRetries)
	case c.BaseDelay <= 0:
		return fmt.Errorf("%w: %s", ErrNonPositiveDelay, c.BaseDelay)
	case c.MaxDelay < c.BaseDelay:
		return fmt.Errorf("%w: %s < %s", ErrMaxBelowBase, c.MaxDelay, c.BaseDelay)
	case !(c.BackoffMultiplier > 1):
		return fmt.Errorf("%w: %g", ErrMultiplierTooLow, c.BackoffMultiplier)
	}
	return nil
}

// Delay computes the wait after failed attempt number attempt (1-based) of the given kind.
// random must return a value in [0, 1); it is only consulted when jitter is enabled.
func (c Config) Delay(attempt int, kind callerrors.Kind, random func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(c.BaseDelay) * math.Pow(c.BackoffMultiplier, float64(attempt-1))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}

	if kind == callerrors.KindRateLimit && delay < float64(RateLimitFloor) {
		delay = float64(RateLimitFloor)
	}

	if c.Jitter && random != nil {
		delay += delay * JitterFraction * (2*random() - 1)
	}

	if delay < float64(MinDelay) {
		return MinDelay
	}
	return time.Duration(delay)
}
