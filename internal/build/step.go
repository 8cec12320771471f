package build

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cochaviz/winbake/internal/cleanup"
	"github.com/cochaviz/winbake/internal/configurations"
	"github.com/cochaviz/winbake/internal/messaging"
	"github.com/cochaviz/winbake/internal/retry"
	"github.com/cochaviz/winbake/internal/transfer"
)

// StepContext is what a step sees of the build.
type StepContext struct {
	Build *BuildContext
	Step  string

	ctx     context.Context
	worker  *Worker
	outcome *Outcome
	logger  *slog.Logger
}

// Context returns the context for blocking operations.
func (sc *StepContext) Context() context.Context {
	return sc.ctx
}

func (sc *StepContext) Logger() *slog.Logger {
	return sc.logger
}

func (sc *StepContext) Parameters() configurations.Parameters {
	return sc.Build.Parameters
}

// Policy returns the configured retry policy under the given name.
func (sc *StepContext) Policy(name string) retry.Policy {
	opts := sc.Build.Parameters.Retry
	if opts.Attempts < 1 {
		return retry.DefaultPolicy(name)
	}
	return opts.Policy(name)
}

// Info publishes an info message with slog-style key/value pairs.
func (sc *StepContext) Info(text string, args ...any) {
	sc.Build.Messages.Emit(messaging.LevelInfo, text, append(args, "step", sc.Step)...)
}

// Warn publishes a warning message.
func (sc *StepContext) Warn(text string, args ...any) {
	sc.Build.Messages.Emit(messaging.LevelWarning, text, append(args, "step", sc.Step)...)
}

// Progress publishes a progress message.
func (sc *StepContext) Progress(text string, args ...any) {
	sc.Build.Messages.Emit(messaging.LevelProgress, text, append(args, "step", sc.Step)...)
}

// SetOutput records a value that is reported with the build outcome.
func (sc *StepContext) SetOutput(key, value string) {
	sc.outcome.Outputs[key] = value
}

// Do runs op under policy, reporting each attempt as a message.
func (sc *StepContext) Do(name string, policy retry.Policy, op retry.Operation) error {
	policy.Name = name
	if err := retry.Do(sc.ctx, policy, sc.reporter(), op); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Acquire runs acquire under policy and, once it succeeds, registers release
// so the resource is torn down if the build later fails or is cancelled.
func (sc *StepContext) Acquire(name string, category cleanup.Category, policy retry.Policy, acquire retry.Operation, release func(ctx context.Context) error) (cleanup.Handle, error) {
	if err := sc.Do(name, policy, acquire); err != nil {
		return 0, err
	}
	return sc.Register(name, category, release), nil
}

// Register records a teardown action for a resource acquired without Acquire.
func (sc *StepContext) Register(name string, category cleanup.Category, release func(ctx context.Context) error) cleanup.Handle {
	return sc.Build.Cleanup.Register(cleanup.Action{Name: name, Category: category, Run: release})
}

// Release tears down a resource on the normal path and forgets it.
func (sc *StepContext) Release(h cleanup.Handle) error {
	return sc.Build.Cleanup.Release(context.WithoutCancel(sc.ctx), h)
}

// Fetch downloads source through the worker's fetcher, publishing progress on
// the build channel.
func (sc *StepContext) Fetch(source, destination string, methods []string, opts ...transfer.Option) (transfer.Report, error) {
	if sc.worker.Fetcher == nil {
		return transfer.Report{}, ErrNoFetcher
	}
	opts = append([]transfer.Option{
		transfer.WithPublisher(sc.Build.Messages),
		transfer.WithAttemptReporter(sc.reporter()),
	}, opts...)
	return sc.worker.Fetcher.Fetch(sc.ctx, source, destination, methods, opts...)
}

func (sc *StepContext) reporter() retry.Reporter {
	return retry.ReporterFunc(func(a retry.Attempt) {
		if sc.worker.Metrics != nil {
			label := "success"
			if !a.Succeeded() {
				label = a.Outcome.String()
			}
			sc.worker.Metrics.ObserveAttempt(a.Policy, label, a.Duration)
		}

		payload := map[string]any{
			"step":         sc.Step,
			"operation":    a.Policy,
			"attempt":      a.Number,
			"max_attempts": a.MaxAttempts,
		}
		if a.Succeeded() {
			_, _ = sc.Build.Messages.Publish(messaging.LevelInfo,
				fmt.Sprintf("%s succeeded (attempt %d/%d)", a.Policy, a.Number, a.MaxAttempts), payload)
			return
		}

		payload["error"] = a.Err.Error()
		payload["outcome"] = a.Outcome.String()
		if a.Reason != "" {
			payload["reason"] = a.Reason
		}
		text := fmt.Sprintf("%s failed (attempt %d/%d): %v", a.Policy, a.Number, a.MaxAttempts, a.Err)
		if !a.Final {
			payload["retry_in"] = a.Delay.String()
			text = fmt.Sprintf("%s; retrying in %s", text, a.Delay.Round(time.Millisecond))
		}
		sc.logger.Warn("operation attempt failed", "operation", a.Policy, "attempt", a.Number, "outcome", a.Outcome.String(), "error", a.Err)
		_, _ = sc.Build.Messages.Publish(messaging.LevelWarning, text, payload)
	})
}
