package resilience

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/cristim67/diploma-generator/pkg/errors"
)

// WithTimeout runs fn with a derived context that is cancelled after the
// given timeout. When the limit is hit the returned error wraps both
// apperrors.ErrTimeout and context.DeadlineExceeded; fn keeps running in the
// background until it observes the cancelled context.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
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
		return err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("%s: parent context cancelled: %w", name, ctx.Err())
		}
		return fmt.Errorf("%s: %w (limit: %v): %w", name, apperrors.ErrTimeout, timeout, context.DeadlineExceeded)
	}
}
