// Package retry runs fallible operations under a bounded, classified retry
// policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Outcome is the classifier's verdict on a failed attempt.
type Outcome int

const (
	// Retry means the failure is transient and another attempt may succeed.
	Retry Outcome = iota
	// Abandon means retrying cannot help but the caller may fall back to an
	// alternative.
	Abandon
	// Fatal means retrying cannot help and the failure should propagate.
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Retry:
		return "retry"
	case Abandon:
		return "abandon"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classification is what a Classifier returns for a failed attempt.
type Classification struct {
	Outcome Outcome
	Reason  string
}

// Classifier decides how to react to an attempt's error.
type Classifier func(err error) Classification

// Backoff selects how the delay between attempts grows.
type Backoff int

const (
	// Fixed waits BaseDelay between every attempt.
	Fixed Backoff = iota
	// Linear waits BaseDelay * attempt after the given attempt.
	Linear
)

// Operation is one attempt. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// Policy bounds and classifies retries.
type Policy struct {
	Name        string
	MaxAttempts int
	BaseDelay   time.Duration
	Backoff     Backoff
	// Classify defaults to DefaultClassifier.
	Classify Classifier
	// Compensate runs at most once, after the last attempt has failed.
	Compensate func(ctx context.Context, err error) error
}

// DefaultPolicy is three attempts with linear backoff from two seconds.
func DefaultPolicy(name string) Policy {
	return Policy{
		Name:        name,
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		Backoff:     Linear,
	}
}

// Once runs an operation a single time, still classified and reported.
func Once(name string) Policy {
	return Policy{Name: name, MaxAttempts: 1}
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy %q: max attempts must be at least 1, got %d", p.Name, p.MaxAttempts)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("retry policy %q: base delay must not be negative", p.Name)
	}
	if p.Backoff != Fixed && p.Backoff != Linear {
		return fmt.Errorf("retry policy %q: unknown backoff %d", p.Name, p.Backoff)
	}
	return nil
}

// Delay returns how long to wait after the given failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Backoff == Linear {
		return p.BaseDelay * time.Duration(attempt)
	}
	return p.BaseDelay
}

// WithName returns a copy of p carrying a different name.
func (p Policy) WithName(name string) Policy {
	p.Name = name
	return p
}

// Attempt describes a finished attempt for reporting.
type Attempt struct {
	Policy      string
	Number      int
	MaxAttempts int
	Err         error
	Outcome     Outcome
	Reason      string
	Duration    time.Duration
	// Delay is the wait before the next attempt; zero when none follows.
	Delay time.Duration
	Final bool
}

// Succeeded reports whether the attempt returned no error.
func (a Attempt) Succeeded() bool {
	return a.Err == nil
}

// Reporter is told about every attempt.
type Reporter interface {
	ReportAttempt(Attempt)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Attempt)

func (f ReporterFunc) ReportAttempt(a Attempt) { f(a) }

// Reporters fans an attempt out to several reporters.
type Reporters []Reporter

func (rs Reporters) ReportAttempt(a Attempt) {
	for _, r := range rs {
		if r != nil {
			r.ReportAttempt(a)
		}
	}
}

// Result summarises an Execute call.
type Result struct {
	Attempts      int
	Duration      time.Duration
	LastErr       error
	Outcome       Outcome
	Reason        string
	Compensated   bool
	CompensateErr error
}

// Error is returned by Execute when the operation did not succeed.
type Error struct {
	Policy   string
	Attempts int
	Outcome  Outcome
	Reason   string
	Err      error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: gave up after %d attempt(s) (%s, %s): %v", e.Policy, e.Attempts, e.Outcome, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: gave up after %d attempt(s) (%s): %v", e.Policy, e.Attempts, e.Outcome, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Execute runs op until it succeeds, the classifier stops it, or the attempt
// budget is spent. The last attempt is never followed by a wait.
func Execute(ctx context.Context, policy Policy, reporter Reporter, op Operation) (Result, error) {
	if err := policy.Validate(); err != nil {
		return Result{}, err
	}
	classify := policy.Classify
	if classify == nil {
		classify = DefaultClassifier
	}

	started := time.Now()
	result := Result{}

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		attemptStart := time.Now()
		err := op(ctx, attempt)
		result.Attempts = attempt

		report := Attempt{
			Policy:      policy.Name,
			Number:      attempt,
			MaxAttempts: policy.MaxAttempts,
			Err:         err,
			Duration:    time.Since(attemptStart),
		}

		if err == nil {
			report.Final = true
			notify(reporter, report)
			result.Duration = time.Since(started)
			result.LastErr = nil
			return result, nil
		}

		verdict := classify(err)
		if ctxErr := ctx.Err(); ctxErr != nil && verdict.Outcome == Retry {
			verdict = Classification{Outcome: Fatal, Reason: "context done"}
		}
		report.Outcome = verdict.Outcome
		report.Reason = verdict.Reason
		result.LastErr = err
		result.Outcome = verdict.Outcome
		result.Reason = verdict.Reason

		last := verdict.Outcome != Retry || attempt == policy.MaxAttempts
		if !last {
			report.Delay = policy.Delay(attempt)
		}
		report.Final = last
		notify(reporter, report)

		if last {
			break
		}
		if waitErr := wait(ctx, report.Delay); waitErr != nil {
			result.Outcome = Fatal
			result.Reason = "context done"
			result.LastErr = errors.Join(err, waitErr)
			break
		}
	}

	result.Duration = time.Since(started)
	if policy.Compensate != nil {
		result.Compensated = true
		result.CompensateErr = policy.Compensate(ctx, result.LastErr)
	}

	return result, &Error{
		Policy:   policy.Name,
		Attempts: result.Attempts,
		Outcome:  result.Outcome,
		Reason:   result.Reason,
		Err:      result.LastErr,
	}
}

// Do is Execute for callers that only need the error.
func Do(ctx context.Context, policy Policy, reporter Reporter, op Operation) error {
	_, err := Execute(ctx, policy, reporter, op)
	return err
}

func notify(reporter Reporter, a Attempt) {
	if reporter != nil {
		reporter.ReportAttempt(a)
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
