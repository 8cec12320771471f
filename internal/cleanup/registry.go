// Package cleanup keeps a last-in-first-out list of teardown actions for
// resources a build has acquired.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cochaviz/winbake/internal/logging"
)

// Category names the kind of resource an action tears down.
type Category string

const (
	VirtualMachine   Category = "virtual machine"
	VirtualDisk      Category = "virtual disk"
	AttachedDisk     Category = "attached disk"
	MountedVolume    Category = "mounted volume"
	Network          Category = "network"
	TemporaryFile    Category = "temporary file"
	TemporaryAccount Category = "temporary account"
	Lock             Category = "lock"
	Generic          Category = "generic"
)

// Action tears down one resource.
type Action struct {
	Name     string
	Category Category
	Run      func(ctx context.Context) error
}

// Handle identifies a registered action. The zero handle is never issued.
type Handle uint64

// Event reports the result of running an action.
type Event struct {
	Action   Action
	Err      error
	Duration time.Duration
}

type entry struct {
	handle Handle
	action Action
}

// Registry is safe for concurrent use.
type Registry struct {
	Logger *slog.Logger
	// OnRun, if set, is called after every action that RunAll or Release runs.
	OnRun func(Event)

	mu      sync.Mutex
	next    Handle
	entries []entry
}

// New returns an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{Logger: logger}
}

func (r *Registry) logger() *slog.Logger {
	return logging.Ensure(r.Logger).With("component", "cleanup")
}

// Register adds action to the top of the stack.
func (r *Registry) Register(action Action) Handle {
	if action.Category == "" {
		action.Category = Generic
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.entries = append(r.entries, entry{handle: r.next, action: action})
	return r.next
}

// Unregister removes the action without running it. It reports whether the
// handle was still registered.
func (r *Registry) Unregister(h Handle) bool {
	_, ok := r.take(h)
	return ok
}

// Release removes the action and runs it now, returning its error. Releasing
// an unknown handle is a no-op.
func (r *Registry) Release(ctx context.Context, h Handle) error {
	e, ok := r.take(h)
	if !ok {
		return nil
	}
	return r.run(ctx, e.action)
}

// RunAll pops and runs every action, newest first. Failures and panics are
// logged and collected; they never stop the remaining actions. Each action
// is removed before it runs, so a second call does nothing.
func (r *Registry) RunAll(ctx context.Context) []error {
	var errs []error
	for {
		e, ok := r.pop()
		if !ok {
			return errs
		}
		if err := r.run(ctx, e.action); err != nil {
			errs = append(errs, err)
		}
	}
}

// Clear drops every action without running it.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.entries = nil
	r.mu.Unlock()
}

// Len returns the number of pending actions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Pending lists the pending actions, newest first.
func (r *Registry) Pending() []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Action, 0, len(r.entries))
	for i := len(r.entries) - 1; i >= 0; i-- {
		out = append(out, r.entries[i].action)
	}
	return out
}

func (r *Registry) take(h Handle) (entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.handle == h {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return e, true
		}
	}
	return entry{}, false
}

func (r *Registry) pop() (entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.entries)
	if n == 0 {
		return entry{}, false
	}
	e := r.entries[n-1]
	r.entries = r.entries[:n-1]
	return e, true
}

func (r *Registry) run(ctx context.Context, action Action) (err error) {
	logger := r.logger().With("action", action.Name, "category", string(action.Category))
	started := time.Now()

	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("cleanup %s panicked: %v", action.Name, recovered)
		}
		if err != nil {
			logger.Error("cleanup action failed", "error", err)
		} else {
			logger.Debug("cleanup action completed")
		}
		if r.OnRun != nil {
			r.OnRun(Event{Action: action, Err: err, Duration: time.Since(started)})
		}
	}()

	if action.Run == nil {
		return nil
	}
	if runErr := action.Run(ctx); runErr != nil {
		return fmt.Errorf("cleanup %s (%s): %w", action.Name, action.Category, runErr)
	}
	return nil
}
