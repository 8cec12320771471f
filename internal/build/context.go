package build

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cochaviz/winbake/internal/buildstate"
	"github.com/cochaviz/winbake/internal/cleanup"
	"github.com/cochaviz/winbake/internal/configurations"
	"github.com/cochaviz/winbake/internal/logging"
	"github.com/cochaviz/winbake/internal/messaging"
	"github.com/google/uuid"
)

// BuildContext is the handle shared by the worker, the supervisor and any
// remote observer. Parameters are read-only once the build starts; the
// cancellation flag is the only field written from outside the worker.
type BuildContext struct {
	ID         string
	Parameters configurations.Parameters
	Messages   *messaging.Channel
	Cleanup    *cleanup.Registry
	State      *buildstate.Machine
	CreatedAt  time.Time

	cancelRequested atomic.Bool
}

// ContextOption customises NewContext.
type ContextOption func(*contextOptions)

type contextOptions struct {
	id       string
	logger   *slog.Logger
	messages []messaging.Option
}

// WithID fixes the build id instead of generating one.
func WithID(id string) ContextOption {
	return func(o *contextOptions) { o.id = id }
}

// WithLogger sets the logger for the cleanup registry and message sinks.
func WithLogger(logger *slog.Logger) ContextOption {
	return func(o *contextOptions) { o.logger = logger }
}

// WithMessageOptions passes options through to the message channel, e.g. a
// journal sink.
func WithMessageOptions(opts ...messaging.Option) ContextOption {
	return func(o *contextOptions) { o.messages = append(o.messages, opts...) }
}

// NewContext returns a context in NotStarted with an open channel and an empty
// cleanup registry.
func NewContext(params configurations.Parameters, opts ...ContextOption) *BuildContext {
	options := contextOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.id == "" {
		options.id = uuid.NewString()
	}
	logger := logging.Ensure(options.logger).With("build_id", options.id)

	channel := messaging.NewChannel(append([]messaging.Option{messaging.WithLogger(logger)}, options.messages...)...)
	return &BuildContext{
		ID:         options.id,
		Parameters: params,
		Messages:   channel,
		Cleanup:    cleanup.New(logger),
		State:      buildstate.New(channel),
		CreatedAt:  time.Now().UTC(),
	}
}

// RequestCancel sets the cancellation flag. It reports whether this call was
// the first request.
func (c *BuildContext) RequestCancel() bool {
	return c.cancelRequested.CompareAndSwap(false, true)
}

// CancelRequested reports whether cancellation has been requested.
func (c *BuildContext) CancelRequested() bool {
	return c.cancelRequested.Load()
}

// ShortID is the first eight characters of the id, for resource names.
func (c *BuildContext) ShortID() string {
	if len(c.ID) <= 8 {
		return c.ID
	}
	return c.ID[:8]
}

// Outcome is the worker's verdict on a finished build.
type Outcome struct {
	BuildID        string            `json:"build_id"`
	State          buildstate.State  `json:"state"`
	FailedStep     string            `json:"failed_step,omitempty"`
	Err            error             `json:"-"`
	Outputs        map[string]string `json:"outputs,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`
	TeardownErrors []error           `json:"-"`
}

// ExitCode is 0 for Completed, 130 for Cancelled and 1 otherwise.
func (o Outcome) ExitCode() int {
	return o.State.ExitCode()
}

// Duration is the wall time between start and finish.
func (o Outcome) Duration() time.Duration {
	if o.FinishedAt.IsZero() {
		return 0
	}
	return o.FinishedAt.Sub(o.StartedAt)
}
