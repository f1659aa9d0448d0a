// Package graph provides the workflow engine that drives the documentation
// helper pipeline: named nodes, conditional routing, per-node timeouts,
// checkpoint persistence after every step, and resumable interrupts.
package graph

import (
	"context"
	"errors"
)

// Error kinds recognised by the engine and the retry wrapper. Node
// implementations wrap one of these with %w so callers can classify failures
// with errors.Is or KindOf.
var (
	// ErrTimeout indicates a unit of work exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrProvider indicates a failure reported by an external model or
	// search provider.
	ErrProvider = errors.New("provider error")

	// ErrParse indicates structured output from a provider could not be
	// decoded.
	ErrParse = errors.New("parse error")

	// ErrValidation indicates state failed validation after a merge, or a
	// router produced a label that was never declared.
	ErrValidation = errors.New("validation error")

	// ErrIterationLimit indicates the per-run iteration guard tripped.
	ErrIterationLimit = errors.New("iteration limit exceeded")

	// ErrStore indicates the checkpoint store failed to persist a write.
	ErrStore = errors.New("checkpoint store error")
)

// Run lifecycle errors.
var (
	// ErrRunInProgress is returned when another execution already holds the
	// same (thread, namespace) identity.
	ErrRunInProgress = errors.New("run already in progress for this thread")

	// ErrAwaitingInput is returned by Run when the latest checkpoint is an
	// interrupt. Use Resume to continue it.
	ErrAwaitingInput = errors.New("run is awaiting input")

	// ErrNotInterrupted is returned by Resume when there is no interrupt to
	// resume.
	ErrNotInterrupted = errors.New("run is not awaiting input")

	// ErrMaxAttemptsExceeded wraps the last error once a retry policy is
	// exhausted.
	ErrMaxAttemptsExceeded = errors.New("max retry attempts exceeded")

	// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate.
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")
)

// ErrorKind is the coarse classification of an error, persisted into state
// and metrics labels.
type ErrorKind string

const (
	KindNone           ErrorKind = ""
	KindTimeout        ErrorKind = "timeout"
	KindProvider       ErrorKind = "provider-error"
	KindParse          ErrorKind = "parse-error"
	KindValidation     ErrorKind = "validation"
	KindIterationLimit ErrorKind = "iteration-limit"
	KindStore          ErrorKind = "store"
	KindUnknown        ErrorKind = "unknown"
)

// KindOf classifies err. Context deadline errors count as timeouts.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrProvider):
		return KindProvider
	case errors.Is(err, ErrParse):
		return KindParse
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrIterationLimit):
		return KindIterationLimit
	case errors.Is(err, ErrStore):
		return KindStore
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether err is worth another attempt. Only timeouts
// and provider failures are transient; parse and validation errors repeat
// deterministically.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindProvider:
		return true
	default:
		return false
	}
}

// EngineError reports a configuration or lifecycle problem detected by the
// engine itself.
type EngineError struct {
	Message string
	Code    string
	Cause   error
}

func (e *EngineError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NodeError represents an error that occurred during node execution.
// It provides structured error information for better observability and debugging.
type NodeError struct {
	// Message is the human-readable error description.
	Message string

	// Code is a machine-readable error code for programmatic handling.
	Code string

	// NodeID identifies which node produced this error.
	NodeID string

	// Cause is the underlying error that caused this NodeError.
	Cause error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + msg
	}
	return msg
}

// Unwrap returns the underlying cause error for error wrapping support.
func (e *NodeError) Unwrap() error {
	return e.Cause
}
