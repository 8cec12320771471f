// Package supervisor runs a build worker and relays its messages to the user.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cochaviz/winbake/internal/build"
	"github.com/cochaviz/winbake/internal/logging"
	"github.com/cochaviz/winbake/internal/messaging"
	"golang.org/x/sync/errgroup"
)

// DefaultPollInterval is how often the message channel is read.
const DefaultPollInterval = 50 * time.Millisecond

// Batch is one poll's worth of build progress.
type Batch struct {
	Messages []messaging.Message `json:"messages"`
	State    string              `json:"state"`
	Closed   bool                `json:"closed"`
}

// Source yields messages newer than after. Closed must only be reported once
// the returned messages include everything the build will ever publish.
type Source interface {
	Poll(ctx context.Context, after uint64) (Batch, error)
}

// Options tunes a watch loop.
type Options struct {
	Logger       *slog.Logger
	PollInterval time.Duration
	Renderer     Renderer
	// Interrupt is called once when ctx is cancelled. The loop keeps
	// watching until the build reports closed.
	Interrupt func(ctx context.Context) error
}

func (o Options) interval() time.Duration {
	if o.PollInterval > 0 {
		return o.PollInterval
	}
	return DefaultPollInterval
}

// ChannelSource drains an in-process channel.
type ChannelSource struct {
	Channel *messaging.Channel
}

func (s ChannelSource) Poll(_ context.Context, _ uint64) (Batch, error) {
	closed := s.Channel.Closed()
	return Batch{
		Messages: s.Channel.Drain(),
		State:    s.Channel.State(),
		Closed:   closed,
	}, nil
}

// Watch polls src until the build closes its channel and returns the last
// reported state. Cancelling ctx requests cancellation through
// opts.Interrupt instead of abandoning the build.
func Watch(ctx context.Context, src Source, opts Options) (string, error) {
	logger := logging.Ensure(opts.Logger).With("component", "supervisor")
	ticker := time.NewTicker(opts.interval())
	defer ticker.Stop()

	pollCtx := context.WithoutCancel(ctx)
	interrupted := false
	var last uint64
	var state string

	for {
		batch, err := src.Poll(pollCtx, last)
		if err != nil {
			return state, err
		}
		for _, msg := range batch.Messages {
			if msg.Sequence <= last {
				continue
			}
			last = msg.Sequence
			if opts.Renderer != nil {
				opts.Renderer.Render(msg)
			}
		}
		if batch.State != "" {
			state = batch.State
		}
		if batch.Closed {
			if opts.Renderer != nil {
				opts.Renderer.Flush()
			}
			return state, nil
		}

		done := ctx.Done()
		if interrupted {
			done = nil
		}
		select {
		case <-done:
			interrupted = true
			logger.Warn("interrupt received, cancelling build at the next step boundary")
			if opts.Interrupt != nil {
				if err := opts.Interrupt(pollCtx); err != nil {
					logger.Error("failed to request cancellation", "error", err)
				}
			}
		case <-ticker.C:
		}
	}
}

// Run starts worker on bctx and renders its messages until it finishes.
// Cancelling ctx requests cooperative cancellation of the build; Run still
// waits for teardown to complete.
func Run(ctx context.Context, worker *build.Worker, bctx *build.BuildContext, opts Options) (build.Outcome, error) {
	if worker == nil || bctx == nil {
		return build.Outcome{}, errors.New("supervisor: worker and build context are required")
	}
	if opts.Interrupt == nil {
		opts.Interrupt = func(context.Context) error {
			bctx.RequestCancel()
			return nil
		}
	}

	var (
		group   errgroup.Group
		outcome build.Outcome
	)
	group.Go(func() error {
		outcome = <-worker.Start(context.WithoutCancel(ctx), bctx)
		return nil
	})
	group.Go(func() error {
		_, err := Watch(ctx, ChannelSource{Channel: bctx.Messages}, opts)
		return err
	})
	err := group.Wait()
	return outcome, err
}
