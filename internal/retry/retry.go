// Package retry provides a capped exponential backoff helper.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Do calls fn up to attempts times, doubling the delay between attempts from
// base up to max. It stops early when ctx is done and returns the last error.
func Do(ctx context.Context, attempts int, base, max time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > max {
			delay = max
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}
