// Package retry provides bounded retries with exponential backoff for
// transient failures against external stores. Transport protocol failures are
// never retried.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config bounds a retried operation.
type Config struct {
	MaxAttempts int
	Delay       time.Duration
}

// Do runs fn up to cfg.MaxAttempts times, doubling the delay between
// attempts. It returns the last error when every attempt fails.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if lastErr = fn(); lastErr == nil {
			return nil
		}

		if attempt < cfg.MaxAttempts-1 {
			delay := time.Duration(1<<uint(attempt)) * cfg.Delay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
