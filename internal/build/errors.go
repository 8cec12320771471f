package build

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is the outcome error of a cancelled build.
	ErrCancelled = errors.New("build cancelled")
	// ErrNoFetcher is returned by StepContext.Fetch when the worker has no
	// transfer configured.
	ErrNoFetcher = errors.New("no transfer fetcher configured")
)

// BuildError ties a failure to the step it happened in.
type BuildError struct {
	BuildID string
	Step    string
	Err     error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s: step %s: %v", e.BuildID, e.Step, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// PanicError wraps a value recovered from a panicking step.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
