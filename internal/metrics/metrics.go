// Package metrics records build, retry, transfer and teardown counters in a
// Prometheus registry that can be dumped to a node_exporter textfile.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder owns a private registry so several builds in one process (the
// daemon) do not collide with the default registerer. A nil *Recorder is a
// valid no-op.
type Recorder struct {
	registry *prometheus.Registry

	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	steps           *prometheus.HistogramVec
	builds          *prometheus.CounterVec
	buildDuration   *prometheus.HistogramVec
	cleanups        *prometheus.CounterVec
	transfers       *prometheus.CounterVec
	transferBytes   *prometheus.CounterVec
}

// New returns a recorder with all collectors registered.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "winbake_operation_attempts_total",
			Help: "Retried operation attempts by operation and outcome",
		}, []string{"operation", "outcome"}),
		attemptDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "winbake_operation_attempt_duration_seconds",
			Help:    "Duration of single operation attempts",
			Buckets: prometheus.ExponentialBuckets(0.05, 4, 10),
		}, []string{"operation"}),
		steps: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "winbake_step_duration_seconds",
			Help:    "Pipeline step duration by step and result",
			Buckets: prometheus.ExponentialBuckets(1, 3, 10),
		}, []string{"step", "result"}),
		builds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "winbake_builds_total",
			Help: "Finished builds by terminal state",
		}, []string{"state"}),
		buildDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "winbake_build_duration_seconds",
			Help:    "Build wall time by terminal state",
			Buckets: prometheus.ExponentialBuckets(60, 2, 10),
		}, []string{"state"}),
		cleanups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "winbake_cleanup_actions_total",
			Help: "Teardown actions run by category and result",
		}, []string{"category", "result"}),
		transfers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "winbake_transfer_methods_total",
			Help: "Transfer method results by method and result",
		}, []string{"method", "result"}),
		transferBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "winbake_transfer_bytes_total",
			Help: "Bytes fetched by method",
		}, []string{"method"}),
	}
}

func (r *Recorder) ObserveAttempt(operation, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.attempts.WithLabelValues(operation, outcome).Inc()
	r.attemptDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (r *Recorder) ObserveStep(step, result string, duration time.Duration) {
	if r == nil {
		return
	}
	r.steps.WithLabelValues(step, result).Observe(duration.Seconds())
}

func (r *Recorder) ObserveBuild(state string, duration time.Duration) {
	if r == nil {
		return
	}
	r.builds.WithLabelValues(state).Inc()
	r.buildDuration.WithLabelValues(state).Observe(duration.Seconds())
}

func (r *Recorder) ObserveCleanup(category, result string) {
	if r == nil {
		return
	}
	r.cleanups.WithLabelValues(category, result).Inc()
}

func (r *Recorder) ObserveTransfer(method, result string, bytes int64) {
	if r == nil {
		return
	}
	r.transfers.WithLabelValues(method, result).Inc()
	if bytes > 0 {
		r.transferBytes.WithLabelValues(method).Add(float64(bytes))
	}
}

// Gatherer exposes the registry, e.g. for promhttp.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.registry
}

// WriteTextfile atomically writes the current values in the text exposition
// format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
