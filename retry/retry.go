// Package retry wraps transient chain-RPC reads in bounded exponential
// backoff. Broadcasts are never retried here: resubmitting a signed
// transaction is the caller's decision, not a transport detail.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config bounds a retried operation.
type Config struct {
	// MaxAttempts counts the initial attempt.
	MaxAttempts int

	// InitialDelay is the wait after the first failure.
	InitialDelay time.Duration

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration

	// Multiplier scales the delay after each failed attempt.
	Multiplier float64
}

// DefaultConfig suits public RPC endpoints: three attempts inside roughly
// half a second.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2.0,
}

// Do runs op until it succeeds, the error is not retryable, the attempts
// are exhausted, or the context ends. The retryable predicate sees every
// failure; returning false surfaces that error unchanged.
func Do[T any](ctx context.Context, cfg Config, retryable func(error) bool, op func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	delay := cfg.InitialDelay
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("context cancelled: %w", err)
		}

		result, err := op()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !retryable(err) {
			return zero, err
		}

		if attempt == cfg.MaxAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
			delay = time.Duration(float64(delay) * cfg.Multiplier)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}
