package supervisor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cochaviz/winbake/internal/build"
	"github.com/cochaviz/winbake/internal/buildstate"
	"github.com/cochaviz/winbake/internal/configurations"
	"github.com/cochaviz/winbake/internal/messaging"
	"github.com/stretchr/testify/require"
)

type recordingRenderer struct {
	mu       sync.Mutex
	messages []messaging.Message
	flushed  int
}

func (r *recordingRenderer) Render(msg messaging.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recordingRenderer) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushed++
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBuild() *build.BuildContext {
	return build.NewContext(configurations.Parameters{Name: "ws2022"}, build.WithLogger(quietLogger()))
}

func requireGapFree(t *testing.T, msgs []messaging.Message) {
	t.Helper()
	for i, msg := range msgs {
		require.Equal(t, uint64(i+1), msg.Sequence)
	}
}

func TestRunRendersEveryMessageInOrder(t *testing.T) {
	t.Parallel()

	bctx := newBuild()
	worker := &build.Worker{
		Logger: quietLogger(),
		Steps: []build.Step{
			{Name: "one", Run: func(sc *build.StepContext) error {
				for i := 0; i < 50; i++ {
					sc.Progress("working")
				}
				return nil
			}},
			{Name: "two", Run: func(sc *build.StepContext) error { return nil }},
		},
	}
	renderer := &recordingRenderer{}

	outcome, err := Run(context.Background(), worker, bctx, Options{Renderer: renderer, PollInterval: time.Millisecond, Logger: quietLogger()})
	require.NoError(t, err)
	require.Equal(t, buildstate.Completed, outcome.State)

	requireGapFree(t, renderer.messages)
	require.Equal(t, bctx.Messages.Last(), uint64(len(renderer.messages)))
	require.Equal(t, messaging.LevelSuccess, renderer.messages[len(renderer.messages)-1].Level)
	require.Equal(t, 1, renderer.flushed)
}

func TestRunTranslatesInterruptIntoCancellation(t *testing.T) {
	t.Parallel()

	bctx := newBuild()
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	torn := false

	worker := &build.Worker{
		Logger: quietLogger(),
		Steps: []build.Step{
			{Name: "one", Run: func(sc *build.StepContext) error {
				sc.Register("scratch", "temporary file", func(context.Context) error {
					torn = true
					return nil
				})
				cancel()
				<-release
				return nil
			}},
			{Name: "two", Run: func(sc *build.StepContext) error { return nil }},
		},
	}
	go func() {
		for !bctx.CancelRequested() {
			time.Sleep(time.Millisecond)
		}
		close(release)
	}()

	renderer := &recordingRenderer{}
	outcome, err := Run(ctx, worker, bctx, Options{Renderer: renderer, PollInterval: time.Millisecond, Logger: quietLogger()})
	require.NoError(t, err)
	require.Equal(t, buildstate.Cancelled, outcome.State)
	require.True(t, torn)

	last := renderer.messages[len(renderer.messages)-1]
	require.Equal(t, messaging.LevelWarning, last.Level)
	require.Equal(t, "build cancelled before step two", last.Text)
}

type scriptedSource struct {
	batches []Batch
	polls   []uint64
	err     error
}

func (s *scriptedSource) Poll(_ context.Context, after uint64) (Batch, error) {
	s.polls = append(s.polls, after)
	if s.err != nil {
		return Batch{}, s.err
	}
	if len(s.batches) == 0 {
		return Batch{Closed: true}, nil
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch, nil
}

func msg(seq uint64, text string) messaging.Message {
	return messaging.Message{Sequence: seq, Level: messaging.LevelInfo, Text: text}
}

func TestWatchAdvancesCursorAndSkipsDuplicates(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{batches: []Batch{
		{Messages: []messaging.Message{msg(1, "a"), msg(2, "b")}, State: "Running"},
		{Messages: []messaging.Message{msg(2, "b"), msg(3, "c")}, State: "Running"},
		{Messages: []messaging.Message{msg(4, "d")}, State: "Completed", Closed: true},
	}}
	renderer := &recordingRenderer{}

	state, err := Watch(context.Background(), src, Options{Renderer: renderer, PollInterval: time.Millisecond, Logger: quietLogger()})
	require.NoError(t, err)
	require.Equal(t, "Completed", state)
	require.Equal(t, []uint64{0, 2, 3}, src.polls)
	requireGapFree(t, renderer.messages)
	require.Len(t, renderer.messages, 4)
}

func TestWatchInterruptsOnce(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batches := make([]Batch, 5)
	for i := range batches {
		batches[i] = Batch{State: "Running"}
	}
	batches = append(batches, Batch{State: "Cancelled", Closed: true})
	src := &scriptedSource{batches: batches}

	interrupts := 0
	state, err := Watch(ctx, src, Options{
		PollInterval: time.Millisecond,
		Logger:       quietLogger(),
		Interrupt: func(context.Context) error {
			interrupts++
			return nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, "Cancelled", state)
	require.Equal(t, 1, interrupts)
}

func TestWatchReturnsSourceErrors(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{err: errors.New("daemon unreachable")}
	_, err := Watch(context.Background(), src, Options{Logger: quietLogger()})
	require.ErrorContains(t, err, "daemon unreachable")
}

func TestRenderers(t *testing.T) {
	t.Parallel()

	var plain bytes.Buffer
	NewRenderer(&plain).Render(messaging.Message{Level: messaging.LevelProgress, Text: "42%"})
	require.Empty(t, plain.String(), "plain renderer drops progress")

	renderer := NewRenderer(&plain)
	renderer.Render(messaging.Message{Level: messaging.LevelWarning, Text: "curl failed"})
	require.Contains(t, plain.String(), "WARNING  curl failed")

	var tty bytes.Buffer
	term := &TerminalRenderer{Writer: &tty}
	term.Render(messaging.Message{Level: messaging.LevelProgress, Text: "10%"})
	term.Render(messaging.Message{Level: messaging.LevelProgress, Text: "20%"})
	term.Render(messaging.Message{Level: messaging.LevelSuccess, Text: "done"})
	term.Flush()

	out := tty.String()
	require.Equal(t, 3, strings.Count(out, "\r\033[K"))
	require.True(t, strings.HasSuffix(out, "✓ done\n"))
}
