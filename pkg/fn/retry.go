package fn

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryOpts configures Retry.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Jitter      bool
	// Retryable reports whether err deserves another attempt. Nil retries
	// every error.
	Retryable func(error) bool
}

// DefaultRetry is used for store writes when the caller sets nothing.
var DefaultRetry = RetryOpts{
	MaxAttempts: 3,
	InitialWait: 200 * time.Millisecond,
	MaxWait:     5 * time.Second,
	Jitter:      true,
}

// backoff returns the wait before attempt n+1, doubling from InitialWait and
// capped at MaxWait.
func (o RetryOpts) backoff(n int) time.Duration {
	wait := o.InitialWait
	for i := 0; i < n && wait < o.MaxWait; i++ {
		wait *= 2
	}
	if o.Jitter {
		wait = time.Duration(float64(wait) * (0.5 + rand.Float64()))
	}
	return min(wait, o.MaxWait)
}

// Retry calls f up to MaxAttempts times. It stops early on success, on a
// non-retryable error, or when ctx is done.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	var result Result[T]
	attempts := max(opts.MaxAttempts, 1)
	for attempt := 0; attempt < attempts; attempt++ {
		result = f(ctx)
		if result.IsOk() {
			return result
		}
		if opts.Retryable != nil && !opts.Retryable(result.err) {
			return result
		}
		if attempt == attempts-1 {
			break
		}
		t := time.NewTimer(opts.backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return Err[T](ctx.Err())
		case <-t.C:
		}
	}
	return result
}
