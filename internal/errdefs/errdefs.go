// internal/errdefs/errdefs.go
// Package errdefs holds the error taxonomy shared by element resolution and
// verification. Recoverable errors are retried by the poller until its
// deadline; everything else propagates on first sight.
package errdefs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates that a search returned no matching element.
	ErrNotFound = errors.New("element not found")

	// ErrStaleReference indicates that a previously resolved element reference
	// is no longer attached to the document, usually after a DOM mutation or a
	// navigation.
	ErrStaleReference = errors.New("element reference is stale or detached from the document")

	// ErrConditionUnmet is returned by boolean predicates that evaluated to false.
	// It is recoverable so that the poller keeps asking until the deadline.
	ErrConditionUnmet = errors.New("condition not met")
)

// transient marks backend errors that the driver has classified as safe to retry.
type transient struct {
	err error
}

func (t *transient) Error() string { return t.err.Error() }
func (t *transient) Unwrap() error { return t.err }

// Transient wraps err so that IsRecoverable reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transient{err: err}
}

// IsRecoverable reports whether err belongs to the class the poller retries.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStaleReference) || errors.Is(err, ErrConditionUnmet) {
		return true
	}
	var t *transient
	return errors.As(err, &t)
}

// TimeoutError is returned once a deadline passes without a successful attempt.
type TimeoutError struct {
	// Op names the operation that timed out, e.g. "resolve" or "visible".
	Op      string
	Timeout time.Duration
	Elapsed time.Duration
	// Last is the last recoverable error observed before the deadline.
	Last error
}

func (e *TimeoutError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("%s timed out after %v (limit %v): %v", e.Op, e.Elapsed.Round(time.Millisecond), e.Timeout, e.Last)
	}
	return fmt.Sprintf("%s timed out after %v (limit %v)", e.Op, e.Elapsed.Round(time.Millisecond), e.Timeout)
}

// Unwrap exposes the last recoverable error so errors.Is(err, ErrNotFound) keeps working.
func (e *TimeoutError) Unwrap() error { return e.Last }

// Is lets callers treat a TimeoutError like context.DeadlineExceeded.
func (e *TimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// IsTimeout reports whether err is (or wraps) a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// UsageError signals caller misuse. It is raised synchronously and never retried.
type UsageError struct {
	Op     string
	Reason string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("invalid use of %s: %s", e.Op, e.Reason)
}

// NewUsageError builds a UsageError for op.
func NewUsageError(op, reason string) error {
	return &UsageError{Op: op, Reason: reason}
}

// VerificationError describes a verification that did not hold before its deadline.
type VerificationError struct {
	Handle    string
	Locator   string
	Condition string
	Elapsed   time.Duration
	// Observed is the last value seen for the property under test, if any.
	Observed string
	Cause    error
}

func (e *VerificationError) Error() string {
	msg := fmt.Sprintf("%s (%s): expected %s, not satisfied after %v",
		e.Handle, e.Locator, e.Condition, e.Elapsed.Round(time.Millisecond))
	if e.Observed != "" {
		msg += fmt.Sprintf(" (observed %q)", e.Observed)
	}
	if e.Cause != nil && !errors.Is(e.Cause, ErrConditionUnmet) {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *VerificationError) Unwrap() error { return e.Cause }
