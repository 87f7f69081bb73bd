package psdloop

import (
	"errors"
	"fmt"
)

// Sentinel errors for structural failures of the scheduler and scope manager.
var (
	// ErrSchedulerClosed is returned by [Scheduler.Asap] once the scheduler
	// has been closed; no further host tasks will be arranged.
	ErrSchedulerClosed = errors.New("psdloop: scheduler is closed")

	// ErrScopeAlreadyFinalized is returned when a caller attempts to charge
	// a reference against a scope whose finalize hook already ran.
	ErrScopeAlreadyFinalized = errors.New("psdloop: scope already finalized")

	// ErrPromiseSelfResolution is the cause of the *TypeError a promise
	// rejects with when resolved with itself, so callers can test for the
	// condition with errors.Is without matching message text.
	ErrPromiseSelfResolution = errors.New("psdloop: cannot resolve a promise with itself")
)

// TypeError mirrors the JavaScript TypeError used by the resolution
// procedure when a promise would resolve with itself.
type TypeError struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *TypeError) Error() string {
	if e.Message == "" {
		return "type error"
	}
	return e.Message
}

// Unwrap supports [errors.Is] / [errors.As] through the cause chain.
func (e *TypeError) Unwrap() error { return e.Cause }

// AggregateError is the rejection reason produced by [Any] when every input
// promise has rejected. Errors preserves the order of the input slice.
type AggregateError struct {
	Message string
	Errors  []error
}

// Error implements the error interface.
func (e *AggregateError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "psdloop: all promises were rejected"
}

// Unwrap enables errors.Is/errors.As to walk every aggregated error.
func (e *AggregateError) Unwrap() []error { return e.Errors }

// Is reports whether target is also an *AggregateError, so that
// errors.Is(err, &AggregateError{}) can test for the kind without caring
// about its contents. Matching against a specific aggregated error is
// already handled by the standard errors.Is tree walk via [Unwrap].
func (e *AggregateError) Is(target error) bool {
	var agg *AggregateError
	return errors.As(target, &agg)
}

// reasonToError coerces an arbitrary rejection reason into an error, for use
// where an error value is required (e.g. aggregating into AggregateError).
func reasonToError(reason Result) error {
	if err, ok := reason.(error); ok {
		return err
	}
	return fmt.Errorf("%v", reason)
}
