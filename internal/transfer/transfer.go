// Package transfer downloads build inputs by trying several acquisition
// methods in order, each under its own retry budget.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cochaviz/winbake/internal/logging"
	"github.com/cochaviz/winbake/internal/messaging"
	"github.com/cochaviz/winbake/internal/retry"
	"golang.org/x/time/rate"
)

var (
	ErrCredentialsUnavailable = errors.New("credentials unavailable")
	ErrNotFound               = errors.New("resource not found")
	ErrNotApplicable          = errors.New("method not applicable")
	ErrIntegrity              = errors.New("integrity check failed")
)

// Reason is a short failure classification used in reports and messages.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonCredentials   Reason = "credentials-unavailable"
	ReasonNotFound      Reason = "not-found"
	ReasonNotApplicable Reason = "not-applicable"
	ReasonIntegrity     Reason = "integrity"
	ReasonCancelled     Reason = "cancelled"
	ReasonPermanent     Reason = "permanent"
	ReasonTransient     Reason = "transient"
)

// DefaultOrder is the method order used when a call does not name one.
var DefaultOrder = []string{"cloud", "ranged", "stream", "curl"}

// ReasonFor classifies err.
func ReasonFor(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrCredentialsUnavailable):
		return ReasonCredentials
	case errors.Is(err, ErrNotApplicable):
		return ReasonNotApplicable
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrIntegrity):
		return ReasonIntegrity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCancelled
	}
	if retry.DefaultClassifier(err).Outcome == retry.Fatal {
		return ReasonPermanent
	}
	return ReasonTransient
}

// Classify is the retry classifier for a single method: missing credentials
// and inapplicable sources are abandoned after one attempt, missing objects
// stop the method, and everything else is retried.
func Classify(err error) retry.Classification {
	reason := ReasonFor(err)
	switch reason {
	case ReasonCredentials, ReasonNotApplicable:
		return retry.Classification{Outcome: retry.Abandon, Reason: string(reason)}
	case ReasonNotFound, ReasonCancelled, ReasonPermanent:
		return retry.Classification{Outcome: retry.Fatal, Reason: string(reason)}
	default:
		return retry.Classification{Outcome: retry.Retry, Reason: string(reason)}
	}
}

// Request is what a method needs for one attempt.
type Request struct {
	Source string
	// Destination is the partial file the method writes to.
	Destination string
	// Progress may be nil. total is -1 when unknown.
	Progress func(written, total int64)
}

// Method is one way of fetching a source. Fetch returns the size of the
// partial file once the attempt succeeds.
type Method interface {
	Name() string
	Fetch(ctx context.Context, req Request) (int64, error)
}

// Attempt records one attempt of one method.
type Attempt struct {
	Method   string
	Number   int
	Reason   Reason
	Err      error
	Duration time.Duration
}

// Report describes a successful fetch.
type Report struct {
	Source      string
	Destination string
	Method      string
	Bytes       int64
	Duration    time.Duration
	Attempts    []Attempt
}

// MethodFailure is a method that did not produce the file.
type MethodFailure struct {
	Method string
	Reason Reason
	Err    error
}

// ExhaustedError is returned when every method failed.
type ExhaustedError struct {
	Source   string
	Failures []MethodFailure
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s (%s): %v", f.Method, f.Reason, f.Err))
	}
	return fmt.Sprintf("fetch %s: all methods failed: %s", e.Source, strings.Join(parts, "; "))
}

func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Observer receives per-method results, for metrics.
type Observer interface {
	ObserveTransfer(method, result string, bytes int64)
}

// Fetcher holds the registered methods and default retry policy.
type Fetcher struct {
	Logger *slog.Logger
	// Policy is copied for every method; its name and classifier are replaced.
	Policy retry.Policy
	// Order is used when Fetch is called without an explicit order.
	Order []string
	// ProgressInterval throttles progress messages.
	ProgressInterval time.Duration
	Observer         Observer

	methods map[string]Method
}

// NewFetcher returns a fetcher with the given methods registered.
func NewFetcher(logger *slog.Logger, methods ...Method) *Fetcher {
	f := &Fetcher{
		Logger:           logger,
		Policy:           retry.DefaultPolicy("fetch"),
		ProgressInterval: 2 * time.Second,
		methods:          make(map[string]Method, len(methods)),
	}
	for _, m := range methods {
		f.Register(m)
	}
	return f
}

// Register adds or replaces a method.
func (f *Fetcher) Register(m Method) {
	if f.methods == nil {
		f.methods = make(map[string]Method)
	}
	f.methods[m.Name()] = m
}

// Has reports whether a method with the given name is registered.
func (f *Fetcher) Has(name string) bool {
	_, ok := f.methods[name]
	return ok
}

func (f *Fetcher) logger() *slog.Logger {
	return logging.Ensure(f.Logger).With("component", "transfer")
}

type fetchConfig struct {
	sha256    string
	publisher messaging.Publisher
	reporter  retry.Reporter
}

// Option customises a single Fetch call.
type Option func(*fetchConfig)

// WithSHA256 verifies the downloaded file against a hex digest.
func WithSHA256(digest string) Option {
	return func(c *fetchConfig) { c.sha256 = strings.ToLower(strings.TrimSpace(digest)) }
}

// WithPublisher sends per-method and progress messages to p.
func WithPublisher(p messaging.Publisher) Option {
	return func(c *fetchConfig) { c.publisher = p }
}

// WithAttemptReporter forwards every retry attempt to r.
func WithAttemptReporter(r retry.Reporter) Option {
	return func(c *fetchConfig) { c.reporter = r }
}

// Fetch downloads source to destination. Methods run in order; the first
// success wins and later methods are not tried. Data is written to
// destination + ".part" and renamed on success.
func (f *Fetcher) Fetch(ctx context.Context, source, destination string, order []string, opts ...Option) (Report, error) {
	cfg := fetchConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(order) == 0 {
		order = f.Order
	}
	if len(order) == 0 {
		order = DefaultOrder
	}
	for _, name := range order {
		if !f.Has(name) {
			return Report{}, fmt.Errorf("fetch %s: unknown method %q", source, name)
		}
	}
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return Report{}, fmt.Errorf("create destination directory: %w", err)
	}

	logger := f.logger().With("source", source, "destination", destination)
	partial := destination + ".part"
	started := time.Now()
	exhausted := &ExhaustedError{Source: source}

	for i, name := range order {
		method := f.methods[name]
		if i > 0 {
			if err := os.Remove(partial); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Warn("failed to remove partial file", "error", err)
			}
		}
		bytes, attempts, err := f.fetchWith(ctx, method, source, partial, cfg)
		exhausted.Attempts = append(exhausted.Attempts, attempts...)

		if err == nil {
			if renameErr := os.Rename(partial, destination); renameErr != nil {
				return Report{}, fmt.Errorf("finalize %s: %w", destination, renameErr)
			}
			f.observe(name, "success", bytes)
			f.publish(cfg.publisher, messaging.LevelInfo, fmt.Sprintf("%s fetched %s (%d bytes)", name, source, bytes),
				map[string]any{"method": name, "bytes": bytes, "attempts": len(attempts)})
			f.publish(cfg.publisher, messaging.LevelInfo,
				fmt.Sprintf("fetch of %s succeeded via %s after %d attempt(s)", filepath.Base(destination), name, len(exhausted.Attempts)),
				map[string]any{"method": name, "methods_tried": i + 1, "attempts": len(exhausted.Attempts)})
			logger.Info("fetch completed", "method", name, "bytes", bytes, "attempts", len(attempts))
			return Report{
				Source:      source,
				Destination: destination,
				Method:      name,
				Bytes:       bytes,
				Duration:    time.Since(started),
				Attempts:    exhausted.Attempts,
			}, nil
		}

		reason := ReasonFor(err)
		f.observe(name, string(reason), 0)
		exhausted.Failures = append(exhausted.Failures, MethodFailure{Method: name, Reason: reason, Err: err})
		f.publish(cfg.publisher, messaging.LevelWarning, fmt.Sprintf("%s could not fetch %s (%s)", name, source, reason),
			map[string]any{"method": name, "reason": string(reason), "error": err.Error()})
		logger.Warn("fetch method failed", "method", name, "reason", string(reason), "error", err)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return Report{}, fmt.Errorf("fetch %s: %w", source, errors.Join(ctxErr, exhausted))
		}
	}

	f.publish(cfg.publisher, messaging.LevelWarning,
		fmt.Sprintf("fetch of %s failed: all %d method(s) exhausted", filepath.Base(destination), len(exhausted.Failures)),
		map[string]any{"methods_tried": len(exhausted.Failures), "attempts": len(exhausted.Attempts)})
	return Report{}, exhausted
}

func (f *Fetcher) fetchWith(ctx context.Context, method Method, source, partial string, cfg fetchConfig) (int64, []Attempt, error) {
	policy := f.Policy
	if policy.MaxAttempts < 1 {
		policy = retry.DefaultPolicy("")
	}
	policy.Name = "fetch via " + method.Name()
	policy.Classify = Classify

	var attempts []Attempt
	tracker := retry.ReporterFunc(func(a retry.Attempt) {
		attempts = append(attempts, Attempt{
			Method:   method.Name(),
			Number:   a.Number,
			Reason:   ReasonFor(a.Err),
			Err:      a.Err,
			Duration: a.Duration,
		})
	})

	progress := f.progressFunc(cfg.publisher, method.Name(), source)
	var written int64
	err := retry.Do(ctx, policy, retry.Reporters{tracker, cfg.reporter}, func(ctx context.Context, _ int) error {
		n, err := method.Fetch(ctx, Request{Source: source, Destination: partial, Progress: progress})
		if err != nil {
			return err
		}
		if cfg.sha256 != "" {
			if err := verifySHA256(partial, cfg.sha256); err != nil {
				_ = os.Remove(partial)
				return err
			}
		}
		written = n
		return nil
	})
	return written, attempts, err
}

func (f *Fetcher) progressFunc(pub messaging.Publisher, method, source string) func(written, total int64) {
	if pub == nil {
		return nil
	}
	interval := f.ProgressInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	return func(written, total int64) {
		if !limiter.Allow() {
			return
		}
		payload := map[string]any{"method": method, "bytes": written}
		text := fmt.Sprintf("downloading %s via %s: %d bytes", source, method, written)
		if total > 0 {
			percent := float64(written) * 100 / float64(total)
			payload["total"] = total
			payload["percent"] = percent
			text = fmt.Sprintf("downloading %s via %s: %.1f%%", source, method, percent)
		}
		_, _ = pub.Publish(messaging.LevelProgress, text, payload)
	}
}

func (f *Fetcher) publish(pub messaging.Publisher, level messaging.Level, text string, payload map[string]any) {
	if pub == nil {
		return
	}
	if _, err := pub.Publish(level, text, payload); err != nil {
		f.logger().Debug("dropping transfer message", "error", err)
	}
}

func (f *Fetcher) observe(method, result string, bytes int64) {
	if f.Observer != nil {
		f.Observer.ObserveTransfer(method, result, bytes)
	}
}
