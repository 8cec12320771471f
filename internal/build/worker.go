package build

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cochaviz/winbake/internal/buildstate"
	"github.com/cochaviz/winbake/internal/cleanup"
	"github.com/cochaviz/winbake/internal/messaging"
	"github.com/cochaviz/winbake/internal/transfer"
)

// Step is one stage of the pipeline.
type Step struct {
	Name string
	Run  func(sc *StepContext) error
}

// Recorder receives build metrics. All methods must be safe on a nil
// receiver of the implementing type.
type Recorder interface {
	ObserveAttempt(policy, outcome string, duration time.Duration)
	ObserveStep(step, result string, duration time.Duration)
	ObserveCleanup(category, result string)
	ObserveBuild(state string, duration time.Duration)
}

// Worker runs the steps of a build in order on its own goroutine.
type Worker struct {
	Logger  *slog.Logger
	Steps   []Step
	Fetcher *transfer.Fetcher
	Metrics Recorder
	// Finalize runs while Finalizing. An error fails the build and tears
	// down every registered resource.
	Finalize func(ctx context.Context, bctx *BuildContext, outcome Outcome) error
	// OnFinish runs once the terminal state is reached, before the message
	// channel closes. Its error is logged only.
	OnFinish func(ctx context.Context, bctx *BuildContext, outcome Outcome) error
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// Start runs the build in a new goroutine. The returned channel yields the
// outcome once and is then closed.
func (w *Worker) Start(ctx context.Context, bctx *BuildContext) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() {
		defer close(out)
		out <- w.Run(ctx, bctx)
	}()
	return out
}

// Run executes the build synchronously. Cancellation is only observed
// between steps; a running step is never interrupted.
func (w *Worker) Run(ctx context.Context, bctx *BuildContext) Outcome {
	outcome := Outcome{
		BuildID:   bctx.ID,
		StartedAt: time.Now().UTC(),
		Outputs:   map[string]string{},
	}
	logger := w.logger().With("build_id", bctx.ID, "name", bctx.Parameters.Name)

	bctx.Cleanup.OnRun = w.observeCleanup(bctx)
	bctx.State.OnTransition(func(from, to buildstate.State) {
		logger.Debug("build state changed", "from", string(from), "to", string(to))
		bctx.Messages.Emit(messaging.LevelInfo, fmt.Sprintf("state %s -> %s", from, to),
			"from", string(from), "to", string(to))
	})

	if err := bctx.State.Transition(buildstate.Running); err != nil {
		outcome.State = bctx.State.Current()
		outcome.Err = err
		outcome.FinishedAt = time.Now().UTC()
		return outcome
	}
	logger.Info("build started", "steps", len(w.Steps))
	bctx.Messages.Emit(messaging.LevelInfo, fmt.Sprintf("build %s started", bctx.Parameters.Name),
		"build_id", bctx.ID, "steps", len(w.Steps))

	for i, step := range w.Steps {
		if bctx.CancelRequested() {
			return w.cancel(ctx, bctx, logger, outcome, step.Name)
		}
		bctx.Messages.Emit(messaging.LevelInfo, fmt.Sprintf("step %d/%d: %s", i+1, len(w.Steps), step.Name),
			"step", step.Name, "index", i+1, "total", len(w.Steps))

		started := time.Now()
		err := w.runStep(ctx, bctx, step, &outcome)
		w.observeStep(step.Name, err, time.Since(started))
		if err != nil {
			return w.fail(ctx, bctx, logger, outcome, step.Name, err)
		}
		elapsed := time.Since(started).Round(time.Millisecond)
		logger.Info("step completed", "step", step.Name, "duration", elapsed)
		bctx.Messages.Emit(messaging.LevelInfo, fmt.Sprintf("step %d/%d done: %s", i+1, len(w.Steps), step.Name),
			"step", step.Name, "index", i+1, "total", len(w.Steps), "duration", elapsed.String())
	}

	if bctx.CancelRequested() {
		return w.cancel(ctx, bctx, logger, outcome, "")
	}
	if err := bctx.State.Transition(buildstate.Finalizing); err != nil {
		return w.fail(ctx, bctx, logger, outcome, "finalize", err)
	}
	if w.Finalize != nil {
		if err := w.safeHook(ctx, bctx, outcome, w.Finalize); err != nil {
			return w.fail(ctx, bctx, logger, outcome, "finalize", err)
		}
	}

	bctx.Cleanup.Clear()
	if err := bctx.State.Transition(buildstate.Completed); err != nil {
		return w.fail(ctx, bctx, logger, outcome, "finalize", err)
	}
	outcome.State = buildstate.Completed
	outcome.FinishedAt = time.Now().UTC()

	payload := map[string]any{"build_id": bctx.ID, "duration": outcome.Duration().Round(time.Second).String()}
	for k, v := range outcome.Outputs {
		payload[k] = v
	}
	_, _ = bctx.Messages.Publish(messaging.LevelSuccess,
		fmt.Sprintf("build %s completed in %s", bctx.Parameters.Name, outcome.Duration().Round(time.Second)), payload)
	logger.Info("build completed", "duration", outcome.Duration())

	return w.finish(ctx, bctx, logger, outcome)
}

func (w *Worker) runStep(ctx context.Context, bctx *BuildContext, step Step, outcome *Outcome) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &PanicError{Value: recovered}
		}
	}()
	if step.Run == nil {
		return nil
	}
	sc := &StepContext{
		ctx:     ctx,
		Build:   bctx,
		Step:    step.Name,
		worker:  w,
		outcome: outcome,
		logger:  w.logger().With("build_id", bctx.ID, "step", step.Name),
	}
	return step.Run(sc)
}

func (w *Worker) fail(ctx context.Context, bctx *BuildContext, logger *slog.Logger, outcome Outcome, step string, err error) Outcome {
	buildErr := &BuildError{BuildID: bctx.ID, Step: step, Err: err}
	logger.Error("build step failed", "step", step, "error", err)

	outcome.TeardownErrors = w.teardown(ctx, bctx, logger)
	if transitionErr := bctx.State.Transition(buildstate.Failed); transitionErr != nil {
		logger.Error("failed to record build failure", "error", transitionErr)
	}
	outcome.State = buildstate.Failed
	outcome.FailedStep = step
	outcome.Err = buildErr
	outcome.FinishedAt = time.Now().UTC()

	_, _ = bctx.Messages.Publish(messaging.LevelError,
		fmt.Sprintf("build failed at step %s: %v", step, err),
		map[string]any{"build_id": bctx.ID, "step": step, "error": err.Error(), "teardown_errors": len(outcome.TeardownErrors)})

	return w.finish(ctx, bctx, logger, outcome)
}

func (w *Worker) cancel(ctx context.Context, bctx *BuildContext, logger *slog.Logger, outcome Outcome, nextStep string) Outcome {
	logger.Warn("build cancellation requested", "next_step", nextStep)
	if err := bctx.State.Transition(buildstate.Cancelling); err != nil {
		logger.Error("failed to enter cancelling state", "error", err)
	}
	bctx.Messages.Emit(messaging.LevelInfo, "cancellation requested, tearing down", "pending_cleanup", bctx.Cleanup.Len())

	outcome.TeardownErrors = w.teardown(ctx, bctx, logger)
	if err := bctx.State.Transition(buildstate.Cancelled); err != nil {
		logger.Error("failed to enter cancelled state", "error", err)
	}
	outcome.State = buildstate.Cancelled
	outcome.Err = ErrCancelled
	outcome.FinishedAt = time.Now().UTC()

	text := "build cancelled"
	if nextStep != "" {
		text = fmt.Sprintf("build cancelled before step %s", nextStep)
	}
	_, _ = bctx.Messages.Publish(messaging.LevelWarning, text,
		map[string]any{"build_id": bctx.ID, "next_step": nextStep, "teardown_errors": len(outcome.TeardownErrors)})

	return w.finish(ctx, bctx, logger, outcome)
}

func (w *Worker) teardown(ctx context.Context, bctx *BuildContext, logger *slog.Logger) []error {
	pending := bctx.Cleanup.Len()
	if pending == 0 {
		return nil
	}
	logger.Info("tearing down build resources", "actions", pending)
	errs := bctx.Cleanup.RunAll(context.WithoutCancel(ctx))
	for _, err := range errs {
		logger.Warn("teardown action failed", "error", err)
	}
	return errs
}

func (w *Worker) finish(ctx context.Context, bctx *BuildContext, logger *slog.Logger, outcome Outcome) Outcome {
	if w.Metrics != nil {
		w.Metrics.ObserveBuild(string(outcome.State), outcome.Duration())
	}
	if w.OnFinish != nil {
		if err := w.safeHook(ctx, bctx, outcome, w.OnFinish); err != nil {
			logger.Warn("build finish hook failed", "error", err)
		}
	}
	bctx.Messages.Close()
	return outcome
}

func (w *Worker) safeHook(ctx context.Context, bctx *BuildContext, outcome Outcome, hook func(context.Context, *BuildContext, Outcome) error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &PanicError{Value: recovered}
		}
	}()
	return hook(ctx, bctx, outcome)
}

func (w *Worker) observeStep(step string, err error, d time.Duration) {
	if w.Metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	w.Metrics.ObserveStep(step, result, d)
}

func (w *Worker) observeCleanup(bctx *BuildContext) func(cleanup.Event) {
	return func(ev cleanup.Event) {
		result := "success"
		level := messaging.LevelInfo
		text := fmt.Sprintf("released %s: %s", ev.Action.Category, ev.Action.Name)
		if ev.Err != nil {
			result = "failure"
			level = messaging.LevelWarning
			text = fmt.Sprintf("failed to release %s: %s: %v", ev.Action.Category, ev.Action.Name, ev.Err)
		}
		if w.Metrics != nil {
			w.Metrics.ObserveCleanup(string(ev.Action.Category), result)
		}
		bctx.Messages.Emit(level, text, "category", string(ev.Action.Category), "action", ev.Action.Name)
	}
}
