package util

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Backoff describes a bounded exponential retry schedule. A zero BaseDelay
// retries immediately.
type Backoff struct {
	MaxTries  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Delay returns the wait before attempt n+1 (n starts at 1): BaseDelay doubled
// per attempt, capped at MaxDelay, with full jitter over the upper half.
func (b Backoff) Delay(n int) time.Duration {
	if b.BaseDelay <= 0 || n <= 0 {
		return 0
	}
	d := b.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if b.MaxDelay > 0 && d >= b.MaxDelay {
			d = b.MaxDelay
			break
		}
	}
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half+1)
}

// RetryBackoff calls fn until it succeeds, returns an error that retryable
// rejects, the schedule is exhausted or ctx is done. A nil retryable retries
// every error except context cancellation.
func RetryBackoff[T any](ctx context.Context, b Backoff, retryable func(error) bool, fn func(context.Context) (T, error)) (T, error) {
	maxTries := b.MaxTries
	if maxTries <= 0 {
		maxTries = 1
	}

	var lastErr error
	var zero T
	for i := 1; i <= maxTries; i++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			return zero, err
		}
		if retryable != nil && !retryable(err) {
			return zero, err
		}
		lastErr = err
		if i < maxTries {
			if err := Sleep(ctx, b.Delay(i)); err != nil {
				return zero, err
			}
		}
	}
	return zero, lastErr
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
