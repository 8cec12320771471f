// Package messaging carries user-facing build messages from the worker to
// whoever is watching the build.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Level classifies a message for rendering.
type Level string

const (
	LevelInfo     Level = "info"
	LevelProgress Level = "progress"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelSuccess  Level = "success"
)

// Valid reports whether l is one of the known levels.
func (l Level) Valid() bool {
	switch l {
	case LevelInfo, LevelProgress, LevelWarning, LevelError, LevelSuccess:
		return true
	}
	return false
}

// SlogLevel maps l onto the closest slog level.
func (l Level) SlogLevel() slog.Level {
	switch l {
	case LevelProgress:
		return slog.LevelDebug
	case LevelWarning:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Message is a single entry on a channel. Sequence numbers start at 1 and are
// assigned in publish order.
type Message struct {
	Sequence uint64         `json:"sequence"`
	Level    Level          `json:"level"`
	Text     string         `json:"text"`
	Payload  map[string]any `json:"payload,omitempty"`
	Time     time.Time      `json:"time"`
}

func (m Message) String() string {
	return fmt.Sprintf("#%d %s %s", m.Sequence, m.Level, m.Text)
}

// Publisher is the producer side of a channel.
type Publisher interface {
	Publish(level Level, text string, payload map[string]any) (Message, error)
}

// Sink receives a copy of every published message, in sequence order.
type Sink interface {
	Write(Message) error
}

// ErrClosed is returned when publishing to a closed channel.
var ErrClosed = errors.New("message channel closed")

// Option customises a Channel.
type Option func(*Channel)

// WithSink mirrors every published message into sink.
func WithSink(sink Sink) Option {
	return func(c *Channel) {
		if sink != nil {
			c.sinks = append(c.sinks, sink)
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger used to report sink failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

// Channel is a mutex-guarded, ordered message queue with a single producer
// and any number of pollers. Drain hands out each message once; Since lets
// independent observers replay from a sequence number.
type Channel struct {
	mu      sync.Mutex
	log     []Message
	drained int
	closed  bool
	done    chan struct{}
	state   string

	sinks  []Sink
	now    func() time.Time
	logger *slog.Logger
}

// NewChannel returns an empty open channel.
func NewChannel(opts ...Option) *Channel {
	c := &Channel{
		done: make(chan struct{}),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Publish appends a message and returns it with its sequence number.
func (c *Channel) Publish(level Level, text string, payload map[string]any) (Message, error) {
	if !level.Valid() {
		return Message{}, fmt.Errorf("publish message: unknown level %q", level)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Message{}, ErrClosed
	}

	msg := Message{
		Sequence: uint64(len(c.log)) + 1,
		Level:    level,
		Text:     text,
		Payload:  clonePayload(payload),
		Time:     c.now().UTC(),
	}
	c.log = append(c.log, msg)

	for _, sink := range c.sinks {
		if err := sink.Write(msg); err != nil && c.logger != nil {
			c.logger.Warn("message sink failed", "sequence", msg.Sequence, "error", err)
		}
	}
	return msg, nil
}

// Emit publishes text with slog-style key/value pairs as the payload and
// drops any error.
func (c *Channel) Emit(level Level, text string, args ...any) {
	_, _ = c.Publish(level, text, PayloadFromArgs(args...))
}

// Drain returns every message not yet drained, in order.
func (c *Channel) Drain() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.drained >= len(c.log) {
		return nil
	}
	out := append([]Message(nil), c.log[c.drained:]...)
	c.drained = len(c.log)
	return out
}

// Since returns the messages with a sequence number greater than seq. It does
// not affect Drain.
func (c *Channel) Since(seq uint64) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seq >= uint64(len(c.log)) {
		return nil
	}
	return append([]Message(nil), c.log[seq:]...)
}

// Last returns the sequence number of the newest message, or 0.
func (c *Channel) Last() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.log))
}

// SetState records the state snapshot shown to pollers.
func (c *Channel) SetState(state string) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// State returns the last snapshot written with SetState.
func (c *Channel) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close marks the channel finished. Further publishes fail with ErrClosed;
// already queued messages remain readable.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Done is closed together with the channel.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// PayloadFromArgs turns alternating key/value arguments into a payload map.
// A trailing key without a value is stored under "!BADKEY", like slog does.
func PayloadFromArgs(args ...any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	payload := make(map[string]any, len(args)/2+1)
	for i := 0; i < len(args); {
		key, ok := args[i].(string)
		if !ok || i+1 >= len(args) {
			payload["!BADKEY"] = args[i]
			i++
			continue
		}
		value := args[i+1]
		if err, isErr := value.(error); isErr && err != nil {
			value = err.Error()
		}
		payload[key] = value
		i += 2
	}
	return payload
}

func clonePayload(payload map[string]any) map[string]any {
	if len(payload) == 0 {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

// LoggerSink mirrors messages into a structured logger, typically a build
// journal.
type LoggerSink struct {
	Logger *slog.Logger
}

func (s LoggerSink) Write(msg Message) error {
	if s.Logger == nil {
		return nil
	}
	attrs := make([]any, 0, 4+2*len(msg.Payload))
	attrs = append(attrs, "sequence", msg.Sequence, "level", string(msg.Level))
	for k, v := range msg.Payload {
		attrs = append(attrs, k, v)
	}
	s.Logger.Log(context.Background(), msg.Level.SlogLevel(), msg.Text, attrs...)
	return nil
}
