package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	simple "github.com/cochaviz/winbake/config"
	"github.com/cochaviz/winbake/internal/buildstate"
	"github.com/cochaviz/winbake/internal/configurations"
	"github.com/cochaviz/winbake/internal/daemon"
	"github.com/cochaviz/winbake/internal/history"
	"github.com/cochaviz/winbake/internal/logging"
	"github.com/cochaviz/winbake/internal/metrics"
	"github.com/cochaviz/winbake/internal/supervisor"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code  int
	state string
}

func (e *exitError) Error() string {
	return fmt.Sprintf("build finished in state %s", e.state)
}

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	logLevel := defaultLogLevel
	logFormat := defaultLogFormat

	root := &cobra.Command{
		Use:           "winbake",
		Short:         "Build unattended Windows disk images on a Linux/KVM host",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", defaultLogFormat, "Set log format (text, json)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}
		mode, err := logging.ParseMode(logFormat)
		if err != nil {
			return err
		}
		levelVar.Set(level)
		// commands resolve their loggers in RunE, after this hook
		*logger = *logging.New(mode, os.Stderr, levelVar)
		slog.SetDefault(logger)
		return nil
	}

	root.AddCommand(
		newBuildCommand(logger),
		newValidateCommand(),
		newDaemonCommand(logger),
		newHistoryCommand(logger),
		newImagesCommand(),
	)
	return root
}

// parameterFlags are command-line overrides applied on top of the
// parameters file and the WINBAKE_* environment.
type parameterFlags struct {
	paramsFile  string
	name        string
	mediaURL    string
	mediaSHA256 string
	driversURL  string
	workDir     string
	outputDir   string
	connectURI  string
}

func (f *parameterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.paramsFile, "params", "p", "", "Path to a YAML build parameters file")
	cmd.Flags().StringVar(&f.name, "name", "", "Image and computer name")
	cmd.Flags().StringVar(&f.mediaURL, "media-url", "", "Location of the installation ISO")
	cmd.Flags().StringVar(&f.mediaSHA256, "media-sha256", "", "Expected SHA-256 of the installation ISO")
	cmd.Flags().StringVar(&f.driversURL, "drivers-url", "", "Location of an optional driver pack (zip)")
	cmd.Flags().StringVar(&f.workDir, "work-dir", "", "Directory for per-build scratch state")
	cmd.Flags().StringVar(&f.outputDir, "output-dir", "", "Directory where captured images are published")
	cmd.Flags().StringVar(&f.connectURI, "connect-uri", "", "Libvirt connection URI")
}

func (f *parameterFlags) load() (configurations.Parameters, error) {
	params, err := configurations.Load(f.paramsFile)
	if err != nil {
		return configurations.Parameters{}, err
	}
	override := func(dst *string, value string) {
		if value = strings.TrimSpace(value); value != "" {
			*dst = value
		}
	}
	override(&params.Name, f.name)
	override(&params.Media.URL, f.mediaURL)
	override(&params.Media.SHA256, f.mediaSHA256)
	override(&params.Drivers.URL, f.driversURL)
	override(&params.WorkDir, f.workDir)
	override(&params.OutputDir, f.outputDir)
	override(&params.VM.ConnectionURI, f.connectURI)

	if err := params.Validate(); err != nil {
		return configurations.Parameters{}, err
	}
	return params, nil
}

func newBuildCommand(logger *slog.Logger) *cobra.Command {
	var (
		flags       parameterFlags
		historyDir  string
		metricsFile string
		noHistory   bool
	)

	cmd := &cobra.Command{
		Use:   "build",
		Args:  cobra.NoArgs,
		Short: "Build an image in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "build")

			params, err := flags.load()
			if err != nil {
				return err
			}
			cmdLogger = cmdLogger.With("name", params.Name)

			opts := simple.Options{Metrics: metrics.New(), MetricsFile: metricsFile}
			if !noHistory {
				store, err := history.Open(history.Config{Path: historyDir, Logger: cmdLogger})
				if err != nil {
					cmdLogger.Warn("build history unavailable; continuing without it", "path", historyDir, "error", err)
				} else {
					defer store.Close()
					opts.History = store
				}
			}

			cmdLogger.Info("starting build", "work_dir", params.WorkDir, "output_dir", params.OutputDir)
			outcome, err := simple.BuildWithLogger(cmd.Context(), params, opts, supervisor.NewRenderer(cmd.OutOrStdout()), cmdLogger)
			if err != nil {
				return err
			}
			if image := outcome.Outputs["image"]; image != "" {
				fmt.Fprintln(cmd.OutOrStdout(), image)
			}
			if code := outcome.ExitCode(); code != 0 {
				return &exitError{code: code, state: string(outcome.State)}
			}
			cmdLogger.Info("build completed", "duration", outcome.Duration().Round(time.Second))
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&historyDir, "history-dir", simple.DefaultHistoryDir, "Directory of the build history database")
	cmd.Flags().StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile after the build")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "Do not record the build in the history database")

	return cmd
}

func newValidateCommand() *cobra.Command {
	var flags parameterFlags

	cmd := &cobra.Command{
		Use:   "validate",
		Args:  cobra.NoArgs,
		Short: "Check build parameters without building",
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := flags.load()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "parameters for %s are valid\n", params.Name)
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func newDaemonCommand(logger *slog.Logger) *cobra.Command {
	var socketPath string
	resolveSocket := func() string {
		path := strings.TrimSpace(socketPath)
		if path == "" {
			return daemon.DefaultSocketPath
		}
		return path
	}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the winbake build daemon",
	}
	cmd.PersistentFlags().StringVar(&socketPath, "socket", simple.DefaultSocketPath, "Path to daemon control socket")

	cmd.AddCommand(
		newDaemonServeCommand(logger, resolveSocket),
		newDaemonStartCommand(logger, resolveSocket),
		newDaemonCancelCommand(resolveSocket),
		newDaemonWatchCommand(logger, resolveSocket),
		newDaemonListCommand(resolveSocket),
		newDaemonInspectCommand(resolveSocket),
		newDaemonPruneCommand(resolveSocket),
	)

	return cmd
}

func newDaemonServeCommand(logger *slog.Logger, socketPath func() string) *cobra.Command {
	var (
		historyDir  string
		metricsFile string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "daemon.serve")
			cmdLogger.Info("starting daemon", "socket", socketPath())
			if err := simple.Serve(cmd.Context(), socketPath(), historyDir, metricsFile, cmdLogger); err != nil {
				return err
			}
			cmdLogger.Info("daemon stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&historyDir, "history-dir", simple.DefaultHistoryDir, "Directory of the build history database (empty disables)")
	cmd.Flags().StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile after every build")

	return cmd
}

func newDaemonStartCommand(logger *slog.Logger, socketPath func() string) *cobra.Command {
	var (
		flags parameterFlags
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Args:  cobra.NoArgs,
		Short: "Request the daemon to start a build",
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := flags.load()
			if err != nil {
				return err
			}

			client := daemon.NewClient(socketPath())
			id, err := client.StartBuild(params)
			if err != nil {
				return err
			}
			logger.Info("build scheduled", "id", id, "name", params.Name)
			if watch {
				return watchBuild(cmd, logger, client, id)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow the build's messages until it finishes")

	return cmd
}

func newDaemonCancelCommand(socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Request cancellation of a build at its next step boundary",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			client := daemon.NewClient(socketPath())
			requested, err := client.CancelBuild(id)
			if err != nil {
				return err
			}
			if !requested {
				fmt.Fprintln(cmd.OutOrStdout(), "cancellation already requested for", id)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cancellation requested for", id)
			return nil
		},
	}
}

func newDaemonWatchCommand(logger *slog.Logger, socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Follow a build's messages; Ctrl+C cancels the build",
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchBuild(cmd, logger, daemon.NewClient(socketPath()), strings.TrimSpace(args[0]))
		},
	}
}

func watchBuild(cmd *cobra.Command, logger *slog.Logger, client *daemon.Client, id string) error {
	remote := daemon.Remote{Client: client, ID: id}
	state, err := supervisor.Watch(cmd.Context(), remote, supervisor.Options{
		Logger:    logger.With("build_id", id),
		Renderer:  supervisor.NewRenderer(cmd.OutOrStdout()),
		Interrupt: remote.Cancel,
	})
	if err != nil {
		return err
	}
	if code := buildstate.State(state).ExitCode(); code != 0 {
		return &exitError{code: code, state: state}
	}
	return nil
}

func newDaemonListCommand(socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List builds managed by the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := daemon.NewClient(socketPath())
			statuses, err := client.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(statuses) == 0 {
				fmt.Fprintln(out, "no builds")
				return nil
			}

			table := uitable.New()
			table.AddRow("ID", "NAME", "STATE", "STARTED", "ERROR")
			for _, status := range statuses {
				table.AddRow(status.ID, status.Name, status.State, age(status.StartedAt), status.Error)
			}
			fmt.Fprintln(out, table)
			return nil
		},
	}
}

func newDaemonInspectCommand(socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Show the details of one daemon build",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := daemon.NewClient(socketPath())
			details, err := client.Inspect(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}

			table := uitable.New()
			table.Wrap = true
			table.AddRow("ID:", details.ID)
			table.AddRow("NAME:", details.Name)
			table.AddRow("STATE:", details.State)
			table.AddRow("STARTED:", details.StartedAt.Format(time.RFC3339))
			if !details.FinishedAt.IsZero() {
				table.AddRow("FINISHED:", details.FinishedAt.Format(time.RFC3339))
			}
			if details.FailedStep != "" {
				table.AddRow("FAILED STEP:", details.FailedStep)
			}
			if details.Error != "" {
				table.AddRow("ERROR:", details.Error)
			}
			table.AddRow("CANCEL REQUESTED:", details.CancelRequested)
			table.AddRow("MESSAGES:", details.LastSequence)
			if len(details.PendingCleanup) > 0 {
				table.AddRow("PENDING CLEANUP:", strings.Join(details.PendingCleanup, ", "))
			}
			for key, value := range details.Outputs {
				table.AddRow(strings.ToUpper(key)+":", value)
			}
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}
}

func newDaemonPruneCommand(socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Forget finished builds held by the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := daemon.NewClient(socketPath()).Prune()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d builds\n", removed)
			return nil
		},
	}
}

func newHistoryCommand(logger *slog.Logger) *cobra.Command {
	var historyDir string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect finished builds",
	}
	cmd.PersistentFlags().StringVar(&historyDir, "history-dir", simple.DefaultHistoryDir, "Directory of the build history database")

	list := &cobra.Command{
		Use:   "list",
		Short: "List finished builds, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := simple.List(historyDir, logger.With("command", "history.list"))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "no builds recorded")
				return nil
			}

			table := uitable.New()
			table.AddRow("ID", "NAME", "STATE", "FAILED STEP", "DURATION", "FINISHED")
			for _, record := range records {
				table.AddRow(
					record.ID,
					record.Name,
					record.State,
					record.FailedStep,
					record.Duration().Round(time.Second),
					age(record.FinishedAt),
				)
			}
			fmt.Fprintln(out, table)
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Show the record of one build",
		RunE: func(cmd *cobra.Command, args []string) error {
			record, err := simple.Show(historyDir, strings.TrimSpace(args[0]), logger.With("command", "history.show"))
			if err != nil {
				return err
			}

			table := uitable.New()
			table.Wrap = true
			table.AddRow("ID:", record.ID)
			table.AddRow("NAME:", record.Name)
			table.AddRow("STATE:", record.State)
			table.AddRow("STARTED:", record.StartedAt.Format(time.RFC3339))
			table.AddRow("FINISHED:", record.FinishedAt.Format(time.RFC3339))
			table.AddRow("DURATION:", record.Duration().Round(time.Second))
			if record.FailedStep != "" {
				table.AddRow("FAILED STEP:", record.FailedStep)
			}
			if record.Error != "" {
				table.AddRow("ERROR:", record.Error)
			}
			table.AddRow("MESSAGES:", record.Messages)
			table.AddRow("JOURNAL:", record.Journal)
			for key, value := range record.Outputs {
				table.AddRow(strings.ToUpper(key)+":", value)
			}
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func newImagesCommand() *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:   "images",
		Short: "List published images",
		RunE: func(cmd *cobra.Command, args []string) error {
			images, err := simple.Images(outputDir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(images) == 0 {
				fmt.Fprintln(out, "no images in", outputDir)
				return nil
			}

			table := uitable.New()
			table.AddRow("NAME", "SIZE", "CREATED", "URI")
			for _, image := range images {
				name, _ := image.Metadata["name"].(string)
				table.AddRow(name, humanize.IBytes(uint64(image.Size)), age(image.CreatedAt), image.URI)
			}
			fmt.Fprintln(out, table)
			return nil
		},
	}

	cmd.Flags().StringVar(&outputDir, "output-dir", configurations.Defaults().OutputDir, "Directory where captured images are published")
	return cmd
}

func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}
