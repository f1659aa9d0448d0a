package graph

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// WithTimeout runs fn with a deadline of d. fn runs on its own goroutine, so
// a call that ignores its context still returns control to the caller when
// the deadline passes. The abandoned goroutine finishes in the background and
// its result is discarded.
//
// If d <= 0, fn runs inline without a deadline.
//
// Returns an error wrapping ErrTimeout when the deadline fires first. When the
// parent context is cancelled the parent's error is returned instead, so a
// caller cancelling a run is never misreported as a slow provider.
func WithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return runRecovered(ctx, fn)
	}

	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := runRecovered(tctx, fn)
		done <- result{val: v, err: err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err != nil && tctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return zero, fmt.Errorf("%w after %s: %w", ErrTimeout, d, r.err)
		}
		return r.val, r.err
	case <-tctx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("%w after %s", ErrTimeout, d)
	}
}

// runRecovered converts a panic in fn into an error.
func runRecovered[T any](ctx context.Context, fn func(context.Context) (T, error)) (val T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &NodeError{
				Message: fmt.Sprintf("panic: %v\n%s", r, debug.Stack()),
				Code:    "PANIC",
			}
		}
	}()
	return fn(ctx)
}

// getNodeTimeout determines the timeout duration for a node based on precedence:
// 1. NodePolicy.Timeout (per-node override)
// 2. defaultTimeout (engine-wide default)
// 3. 0 (no timeout, unlimited execution)
func getNodeTimeout(policy *NodePolicy, defaultTimeout time.Duration) time.Duration {
	if policy != nil && policy.Timeout > 0 {
		return policy.Timeout
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// executeNode runs a node under its timeout. Panics, node errors and
// timeouts are all returned as a *NodeError naming the node.
func executeNode[S, U any](ctx context.Context, node Node[S, U], nodeID string, state S, timeout time.Duration) (U, error) {
	res, err := WithTimeout(ctx, timeout, func(ctx context.Context) (NodeResult[U], error) {
		return node.Run(ctx, state), nil
	})
	if err == nil {
		err = res.Err
	}
	if err == nil {
		return res.Update, nil
	}

	if ne, ok := err.(*NodeError); ok {
		if ne.NodeID == "" {
			ne.NodeID = nodeID
		}
		return res.Update, ne
	}
	code := "NODE_ERROR"
	if KindOf(err) == KindTimeout {
		code = "NODE_TIMEOUT"
		if !errors.Is(err, ErrTimeout) {
			err = fmt.Errorf("%w: %w", ErrTimeout, err)
		}
	}
	return res.Update, &NodeError{NodeID: nodeID, Code: code, Cause: err}
}
