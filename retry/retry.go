// Package retry provides generic retry logic with jittered exponential
// backoff for transient failures. It uses Go generics for type-safe
// retry operations and respects context cancellation.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts  int           // Maximum number of attempts (including initial attempt)
	InitialDelay time.Duration // Base delay before the first retry
	MaxDelay     time.Duration // Cap applied to the computed delay
	Multiplier   float64       // Multiplier for exponential backoff
	Jitter       float64       // Fraction of the delay randomized in [-Jitter, +Jitter]
}

// DefaultConfig provides sensible defaults for retry operations.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 1 * time.Second,
	MaxDelay:     30 * time.Second,
	Multiplier:   2.0,
	Jitter:       0.1,
}

// IsRetryable determines if an error should trigger a retry.
type IsRetryable func(error) bool

// Delay computes the backoff delay before retry number attempt
// (1-based): min(base*mult^(attempt-1) * (1 + U(-jitter, +jitter)), max).
func (c Config) Delay(attempt int) time.Duration {
	base := float64(c.InitialDelay)
	for i := 1; i < attempt; i++ {
		base *= c.Multiplier
	}
	if c.Jitter > 0 {
		base += (rand.Float64()*2 - 1) * c.Jitter * base
	}
	delay := time.Duration(base)
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// WithRetry executes a function with retry logic using generics for type
// safety. Non-retryable errors abort immediately; after the attempt
// budget is exhausted the last error is returned.
func WithRetry[T any](
	ctx context.Context,
	config Config,
	isRetryable IsRetryable,
	fn func() (T, error),
) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("context cancelled: %w", err)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}

		lastErr = err

		if !isRetryable(err) {
			return zero, err
		}

		if attempt < config.MaxAttempts {
			select {
			case <-time.After(config.Delay(attempt)):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// WithSimpleRetry uses default configuration for retry operations.
func WithSimpleRetry[T any](
	ctx context.Context,
	fn func() (T, error),
	isRetryable IsRetryable,
) (T, error) {
	return WithRetry(ctx, DefaultConfig, isRetryable, fn)
}
