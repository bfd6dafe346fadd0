package llm

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryConfig holds retry configuration for LLM requests.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts.
	MaxAttempts int

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64

	// MaxBackoff caps the maximum backoff duration.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns sensible retry defaults for LLM requests.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// Backoff returns the delay before the next attempt after the given
// 1-based attempt number, with up to 10% jitter.
func (r RetryConfig) Backoff(attempt int) time.Duration {
	if attempt <= 0 || r.BackoffBase <= 0 {
		return 0
	}
	multiplier := math.Pow(r.BackoffMultiplier, float64(attempt-1))
	if math.IsInf(multiplier, 1) || multiplier > float64(r.MaxBackoff)/float64(r.BackoffBase) {
		delay := r.MaxBackoff
		return delay + time.Duration(rand.Float64()*0.1*float64(delay))
	}
	delay := time.Duration(float64(r.BackoffBase) * multiplier)
	if delay > r.MaxBackoff {
		delay = r.MaxBackoff
	}
	return delay + time.Duration(rand.Float64()*0.1*float64(delay))
}

// FatalError marks an error that must not be retried.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err is non-retryable.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
