package graph

import (
	"context"
	"fmt"
	"time"
)

// CallPolicy bundles the per-attempt timeout with the retry discipline for a
// single outbound call (an LLM grader, a search request).
type CallPolicy struct {
	Timeout time.Duration
	Retry   RetryPolicy
}

// WithRetry invokes fn until it succeeds, the policy is exhausted, or the
// error is not retryable. Backoff between attempts follows computeBackoff and
// is abandoned immediately if ctx is cancelled.
//
// Exhaustion after more than one attempt wraps the last error with
// ErrMaxAttemptsExceeded; the original error stays reachable through
// errors.Is so KindOf keeps classifying it.
func WithRetry[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		if !p.retryable(err) {
			return zero, err
		}
		if attempt+1 >= attempts {
			if attempts > 1 {
				return zero, fmt.Errorf("%w (%d attempts): %w", ErrMaxAttemptsExceeded, attempts, err)
			}
			return zero, err
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err)
		}

		delay := computeBackoff(attempt, p.BaseDelay, p.MaxDelay, nil)
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

// Call applies the timeout to every attempt and retries per the policy.
func Call[T any](ctx context.Context, p CallPolicy, fn func(context.Context) (T, error)) (T, error) {
	return WithRetry(ctx, p.Retry, func(ctx context.Context) (T, error) {
		return WithTimeout(ctx, p.Timeout, fn)
	})
}

// CallOr is Call with a declared fallback: when the call ultimately fails the
// fallback value is returned alongside the error, so call sites state their
// exhaustion default in one place.
func CallOr[T any](ctx context.Context, p CallPolicy, fallback T, fn func(context.Context) (T, error)) (T, error) {
	v, err := Call(ctx, p, fn)
	if err != nil {
		return fallback, err
	}
	return v, nil
}
