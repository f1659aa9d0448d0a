package graph

import (
	"math/rand"
	"time"
)

// NodePolicy configures the execution behavior for a specific node.
//
// Policies are attached to nodes with Engine.SetPolicy. Zero fields fall back
// to the engine defaults.
type NodePolicy struct {
	// Timeout is the maximum execution time allowed for this node.
	// If zero, Options.DefaultNodeTimeout is used.
	Timeout time.Duration

	// Guarded marks the node as a loop entry counted by the per-run
	// iteration guard.
	Guarded bool
}

// RetryPolicy defines automatic retry configuration for transient failures.
//
// Exponential backoff with jitter is used between attempts so concurrent
// graders do not retry in lockstep against the same provider.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff between retries.
	// The actual delay is computed as: min(BaseDelay * 2^attempt, MaxDelay) + jitter.
	BaseDelay time.Duration

	// MaxDelay caps the exponential component. Zero means no cap.
	MaxDelay time.Duration

	// Retryable decides whether an error earns another attempt.
	// If nil, IsRetryable is used (timeouts and provider errors).
	Retryable func(error) bool

	// OnRetry is called before each backoff sleep. Optional.
	OnRetry func(attempt int, err error)
}

// DefaultRetryPolicy is three attempts with a short backoff, enough to ride
// out a rate-limit blip without stalling a run.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// computeBackoff calculates the delay before retry number attempt
// (zero-based):
//
//	delay = min(base * 2^attempt, maxDelay) + jitter(0, base)
//
// With base=1s, maxDelay=30s: attempt 0 waits 1-2s, attempt 1 waits 2-3s,
// attempt 10 waits 30-31s.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}

	exponentialDelay := base * (1 << attempt)
	if maxDelay > 0 && exponentialDelay > maxDelay {
		exponentialDelay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}

	return exponentialDelay + jitter
}

// Validate checks if the RetryPolicy configuration is valid.
// Returns an error if any constraints are violated:
//   - MaxAttempts must be >= 1 (1 means no retries, just initial attempt)
//   - If both MaxDelay and BaseDelay are > 0, then MaxDelay must be >= BaseDelay
//     (MaxDelay == 0 is treated as "no maximum delay cap")
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.BaseDelay < 0 || rp.MaxDelay < 0 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

func (rp *RetryPolicy) retryable(err error) bool {
	if rp.Retryable != nil {
		return rp.Retryable(err)
	}
	return IsRetryable(err)
}
