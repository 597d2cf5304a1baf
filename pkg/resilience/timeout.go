package resilience

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when a bounded call does not finish in time.
var ErrTimeout = errors.New("operation timed out")

// WithTimeout runs fn with a deadline and returns ErrTimeout if fn has not
// returned when it expires. fn keeps running in the background until it
// observes ctx cancellation.
func WithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(timeoutCtx)
	}()

	select {
	case err := <-done:
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return err
	case <-timeoutCtx.Done():
		if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return timeoutCtx.Err()
	}
}
