package fn

import (
	"context"
	"math/rand"
	"time"
)

// RetryOpts configures exponential backoff.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Jitter      bool
}

// DefaultRetry provides sensible retry defaults.
var DefaultRetry = RetryOpts{
	MaxAttempts: 3,
	InitialWait: 250 * time.Millisecond,
	MaxWait:     10 * time.Second,
	Jitter:      true,
}

// Retry retries f up to MaxAttempts times with exponential backoff.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	return RetryIf(ctx, opts, func(error) bool { return true }, f)
}

// RetryIf retries f with exponential backoff while shouldRetry approves the
// returned error. A rejected error is returned immediately, so callers can
// stop retrying failures known to be permanent.
func RetryIf[T any](ctx context.Context, opts RetryOpts, shouldRetry func(error) bool, f func(context.Context) Result[T]) Result[T] {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultRetry.MaxAttempts
	}
	wait := opts.InitialWait
	if wait <= 0 {
		wait = DefaultRetry.InitialWait
	}

	var result Result[T]
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		result = f(ctx)
		if result.IsOk() {
			return result
		}
		_, err := result.Unwrap()
		if !shouldRetry(err) || attempt == opts.MaxAttempts-1 {
			return result
		}

		sleep := wait
		if opts.Jitter {
			sleep = time.Duration(float64(wait) * (0.5 + rand.Float64()))
		}
		if opts.MaxWait > 0 && sleep > opts.MaxWait {
			sleep = opts.MaxWait
		}

		select {
		case <-ctx.Done():
			return Err[T](ctx.Err())
		case <-time.After(sleep):
		}

		wait *= 2
		if opts.MaxWait > 0 && wait > opts.MaxWait {
			wait = opts.MaxWait
		}
	}
	return result
}
