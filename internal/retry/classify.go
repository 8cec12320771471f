package retry

import (
	"context"
	"errors"
)

type permanentError struct {
	err    error
	reason string
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

type skippableError struct {
	err    error
	reason string
}

func (e *skippableError) Error() string { return e.err.Error() }
func (e *skippableError) Unwrap() error { return e.err }

// Permanent marks err as fatal for DefaultClassifier.
func Permanent(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err, reason: reason}
}

// Skippable marks err as abandonable for DefaultClassifier.
func Skippable(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &skippableError{err: err, reason: reason}
}

// DefaultClassifier honours Permanent and Skippable markers, treats context
// errors as fatal and everything else as transient.
func DefaultClassifier(err error) Classification {
	var permanent *permanentError
	if errors.As(err, &permanent) {
		return Classification{Outcome: Fatal, Reason: permanent.reason}
	}
	var skippable *skippableError
	if errors.As(err, &skippable) {
		return Classification{Outcome: Abandon, Reason: skippable.reason}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Classification{Outcome: Fatal, Reason: "context done"}
	}
	return Classification{Outcome: Retry, Reason: "transient"}
}

// IsAbandoned reports whether err is an *Error whose final outcome was
// Abandon.
func IsAbandoned(err error) bool {
	var retryErr *Error
	return errors.As(err, &retryErr) && retryErr.Outcome == Abandon
}
