package simple

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/cochaviz/winbake/internal/artifacts"
	"github.com/cochaviz/winbake/internal/build"
	"github.com/cochaviz/winbake/internal/configurations"
	"github.com/cochaviz/winbake/internal/daemon"
	"github.com/cochaviz/winbake/internal/history"
	"github.com/cochaviz/winbake/internal/imaging"
	"github.com/cochaviz/winbake/internal/imaging/libvirt"
	"github.com/cochaviz/winbake/internal/logging"
	"github.com/cochaviz/winbake/internal/messaging"
	"github.com/cochaviz/winbake/internal/metrics"
	"github.com/cochaviz/winbake/internal/supervisor"
	"github.com/cochaviz/winbake/internal/transfer"
)

var DefaultHistoryDir = "/var/lib/winbake/history"
var DefaultSocketPath = daemon.DefaultSocketPath
var DefaultConnectionURI = "qemu:///system"

// Options carries process-wide collaborators shared by every build.
type Options struct {
	// History records finished builds. Nil disables recording.
	History *history.Store
	// Metrics collects counters for all builds of this process.
	Metrics *metrics.Recorder
	// MetricsFile is rewritten after every build when set.
	MetricsFile string
	// HTTPClient is used by the ranged and stream methods.
	HTTPClient *http.Client
}

// Session is a prepared but not yet started build.
type Session struct {
	Worker  *build.Worker
	Build   *build.BuildContext
	Journal *logging.Journal
}

// NewFetcher registers every transfer method and applies the transfer
// options from params.
func NewFetcher(params configurations.Parameters, opts Options, logger *slog.Logger) *transfer.Fetcher {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport}
	}
	fetcher := transfer.NewFetcher(logger,
		transfer.NewCloud(),
		transfer.NewRanged(client),
		transfer.NewStream(client),
		transfer.NewCurl(),
		transfer.FileMethod{},
	)
	fetcher.Order = params.Transfer.Methods
	fetcher.ProgressInterval = params.Transfer.ProgressInterval
	if params.Transfer.Retry.Attempts > 0 {
		fetcher.Policy = params.Transfer.Retry.Policy("fetch")
	}
	if opts.Metrics != nil {
		fetcher.Observer = opts.Metrics
	}
	return fetcher
}

// Prepare validates params and assembles the worker, its build context and
// the build journal at <work-dir>/<build-id>.log.
func Prepare(params configurations.Parameters, opts Options, logger *slog.Logger) (*Session, error) {
	logger = logging.Ensure(logger).With("component", "config.simple")
	if err := params.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	journal, err := logging.OpenJournal(filepath.Join(params.WorkDir, id+".log"))
	if err != nil {
		return nil, err
	}
	journal.Logger().Info("build parameters", "parameters", fmt.Sprintf("%+v", params.Redacted()))

	bctx := build.NewContext(params,
		build.WithID(id),
		build.WithLogger(logger),
		build.WithMessageOptions(messaging.WithSink(messaging.LoggerSink{Logger: journal.Logger()})),
	)

	driver := &libvirt.Driver{ConnectionURI: params.VM.ConnectionURI, Logger: logger}
	store := &artifacts.LocalStore{BaseDir: params.OutputDir, Move: true}

	worker := &build.Worker{
		Logger:   logger.With("service", "build"),
		Steps:    imaging.Pipeline(imaging.NewHost(driver, logger), store),
		Fetcher:  NewFetcher(params, opts, logger),
		OnFinish: finishHook(opts, journal.Path),
	}
	if opts.Metrics != nil {
		worker.Metrics = opts.Metrics
	}

	// the sink writes synchronously under the channel lock, so nothing
	// reaches the journal after the channel closes
	go func() {
		<-bctx.Messages.Done()
		if err := journal.Close(); err != nil {
			logger.Warn("failed to close build journal", "path", journal.Path, "error", err)
		}
	}()

	return &Session{Worker: worker, Build: bctx, Journal: journal}, nil
}

func finishHook(opts Options, journalPath string) func(context.Context, *build.BuildContext, build.Outcome) error {
	return func(_ context.Context, bctx *build.BuildContext, outcome build.Outcome) error {
		var errs []error
		if opts.History != nil {
			record := history.Record{
				ID:         bctx.ID,
				Name:       bctx.Parameters.Name,
				State:      string(outcome.State),
				FailedStep: outcome.FailedStep,
				Outputs:    outcome.Outputs,
				Journal:    journalPath,
				Messages:   bctx.Messages.Last(),
				StartedAt:  outcome.StartedAt,
				FinishedAt: outcome.FinishedAt,
			}
			if outcome.Err != nil {
				record.Error = outcome.Err.Error()
			}
			if err := opts.History.Put(record); err != nil {
				errs = append(errs, fmt.Errorf("record build history: %w", err))
			}
		}
		if err := opts.Metrics.WriteTextfile(opts.MetricsFile); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}
}

// BuildWithLogger runs one build in the foreground, rendering its messages
// with renderer until it reaches a terminal state.
func BuildWithLogger(ctx context.Context, params configurations.Parameters, opts Options, renderer supervisor.Renderer, logger *slog.Logger) (build.Outcome, error) {
	session, err := Prepare(params, opts, logger)
	if err != nil {
		return build.Outcome{}, err
	}
	logging.Ensure(logger).Info("build prepared", "build_id", session.Build.ID, "journal", session.Journal.Path)

	return supervisor.Run(ctx, session.Worker, session.Build, supervisor.Options{
		Logger:   logger,
		Renderer: renderer,
	})
}

// Launcher adapts Prepare for the daemon.
func Launcher(opts Options, logger *slog.Logger) daemon.Launcher {
	return func(_ context.Context, req daemon.StartRequest) (*build.Worker, *build.BuildContext, error) {
		session, err := Prepare(req.Parameters, opts, logger)
		if err != nil {
			return nil, nil, err
		}
		return session.Worker, session.Build, nil
	}
}

// Serve runs the daemon until ctx is cancelled. History and metrics are
// shared by all builds it runs.
func Serve(ctx context.Context, socketPath, historyDir, metricsFile string, logger *slog.Logger) error {
	opts := Options{Metrics: metrics.New(), MetricsFile: metricsFile}
	if historyDir != "" {
		store, err := history.Open(history.Config{Path: historyDir, Logger: logger})
		if err != nil {
			return err
		}
		defer store.Close()
		opts.History = store
	}
	return daemon.New(socketPath, logger, Launcher(opts, logger)).Serve(ctx)
}

// List returns recorded builds, newest first.
func List(historyDir string, logger *slog.Logger) ([]history.Record, error) {
	if historyDir == "" {
		historyDir = DefaultHistoryDir
	}
	store, err := history.Open(history.Config{Path: historyDir, Logger: logger})
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.List()
}

// Show returns the record of one build.
func Show(historyDir, id string, logger *slog.Logger) (history.Record, error) {
	if historyDir == "" {
		historyDir = DefaultHistoryDir
	}
	store, err := history.Open(history.Config{Path: historyDir, Logger: logger})
	if err != nil {
		return history.Record{}, err
	}
	defer store.Close()
	return store.Get(id)
}

// Images lists the images published to outputDir.
func Images(outputDir string) ([]artifacts.Artifact, error) {
	store := &artifacts.LocalStore{BaseDir: outputDir}
	return store.List()
}
