package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cochaviz/winbake/internal/build"
	"github.com/cochaviz/winbake/internal/logging"
	"github.com/cochaviz/winbake/internal/supervisor"
)

// Launcher prepares a worker and build context for a start request. The
// daemon runs the worker; it never touches the build's resources itself.
type Launcher func(ctx context.Context, req StartRequest) (*build.Worker, *build.BuildContext, error)

// ErrUnknownBuild is returned for ids the daemon has never seen or has pruned.
var ErrUnknownBuild = errors.New("unknown build")

// ErrShuttingDown rejects builds requested after shutdown began.
var ErrShuttingDown = errors.New("daemon is shutting down")

type job struct {
	bctx      *build.BuildContext
	startedAt time.Time
	done      chan struct{}
	outcome   build.Outcome
}

func (j *job) running() bool {
	select {
	case <-j.done:
		return false
	default:
		return true
	}
}

// Server owns the running builds of one daemon process.
type Server struct {
	SocketPath string
	Logger     *slog.Logger
	Launch     Launcher
	// RequestTimeout bounds reading a request and writing its response.
	RequestTimeout time.Duration

	mu      sync.Mutex
	jobs    map[string]*job
	closing bool
	// wg counts builds from the moment Start admits them, including the
	// time spent inside Launch.
	wg sync.WaitGroup
}

// New returns a server listening on socketPath once Serve is called.
func New(socketPath string, logger *slog.Logger, launch Launcher) *Server {
	if strings.TrimSpace(socketPath) == "" {
		socketPath = DefaultSocketPath
	}
	return &Server{
		SocketPath:     socketPath,
		Logger:         logger,
		Launch:         launch,
		RequestTimeout: 30 * time.Second,
		jobs:           map[string]*job{},
	}
}

func (s *Server) logger() *slog.Logger {
	return logging.Ensure(s.Logger).With("component", "daemon")
}

// Serve accepts requests until ctx is cancelled. On shutdown every running
// build is asked to cancel and Serve waits for their teardown.
func (s *Server) Serve(ctx context.Context) error {
	if s.Launch == nil {
		return errors.New("daemon launcher is not configured")
	}
	if err := os.MkdirAll(filepath.Dir(s.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(s.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.SocketPath, err)
	}
	if err := os.Chmod(s.SocketPath, 0o660); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.logger().Info("daemon listening", "socket", s.SocketPath)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger().Warn("accept failed", "error", err)
			continue
		}
		go s.handle(ctx, conn)
	}

	s.shutdown()
	_ = os.Remove(s.SocketPath)
	return nil
}

func (s *Server) shutdown() {
	s.mu.Lock()
	s.closing = true
	for id, j := range s.jobs {
		if j.running() && j.bctx.RequestCancel() {
			s.logger().Info("cancelling build for shutdown", "build_id", id)
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	if s.RequestTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.RequestTimeout))
	}

	var req IPCRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.respond(conn, IPCResponse{Error: fmt.Sprintf("decode request: %v", err)})
		return
	}
	data, err := s.dispatch(ctx, req)
	if err != nil {
		s.logger().Debug("request failed", "command", req.Command, "id", req.ID, "error", err)
		s.respond(conn, IPCResponse{Error: err.Error()})
		return
	}
	s.respond(conn, IPCResponse{OK: true, Data: data})
}

func (s *Server) respond(conn net.Conn, resp IPCResponse) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger().Warn("write response failed", "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, req IPCRequest) (any, error) {
	switch req.Command {
	case CommandStart:
		var start StartRequest
		if err := json.Unmarshal(req.Payload, &start); err != nil {
			return nil, fmt.Errorf("decode start request: %w", err)
		}
		id, err := s.Start(ctx, start)
		if err != nil {
			return nil, err
		}
		return map[string]string{"id": id}, nil
	case CommandCancel:
		requested, err := s.Cancel(req.ID)
		if err != nil {
			return nil, err
		}
		return CancelResult{Requested: requested}, nil
	case CommandMessages:
		return s.Messages(req.ID, req.After)
	case CommandList:
		return s.List(), nil
	case CommandInspect:
		return s.Inspect(req.ID)
	case CommandPrune:
		return map[string]int{"removed": s.Prune()}, nil
	default:
		return nil, fmt.Errorf("unknown command %q", req.Command)
	}
}

// Start launches a build and returns its id without waiting for it.
func (s *Server) Start(ctx context.Context, req StartRequest) (string, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return "", ErrShuttingDown
	}
	s.wg.Add(1)
	s.mu.Unlock()

	worker, bctx, err := s.Launch(ctx, req)
	if err != nil {
		s.wg.Done()
		return "", err
	}
	j := &job{bctx: bctx, startedAt: time.Now().UTC(), done: make(chan struct{})}

	s.mu.Lock()
	if _, exists := s.jobs[bctx.ID]; exists {
		s.mu.Unlock()
		s.wg.Done()
		return "", fmt.Errorf("build %s already exists", bctx.ID)
	}
	s.jobs[bctx.ID] = j
	if s.closing {
		// launched while shutting down: the worker cancels before its
		// first step so the build still reaches a terminal state
		bctx.RequestCancel()
	}
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer close(j.done)
		j.outcome = worker.Run(context.WithoutCancel(ctx), bctx)
		s.logger().Info("build finished", "build_id", bctx.ID, "state", string(j.outcome.State))
	}()
	s.logger().Info("build started", "build_id", bctx.ID, "name", bctx.Parameters.Name)
	return bctx.ID, nil
}

// Cancel sets the build's cancellation flag.
func (s *Server) Cancel(id string) (bool, error) {
	j, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	return j.bctx.RequestCancel(), nil
}

// Messages returns the messages after seq together with the state snapshot.
func (s *Server) Messages(id string, after uint64) (supervisor.Batch, error) {
	j, err := s.lookup(id)
	if err != nil {
		return supervisor.Batch{}, err
	}
	closed := j.bctx.Messages.Closed()
	return supervisor.Batch{
		Messages: j.bctx.Messages.Since(after),
		State:    j.bctx.Messages.State(),
		Closed:   closed,
	}, nil
}

// List returns every known build, newest first.
func (s *Server) List() []BuildStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	statuses := make([]BuildStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		statuses = append(statuses, status(j))
	}
	sort.Slice(statuses, func(i, k int) bool {
		return statuses[i].StartedAt.After(statuses[k].StartedAt)
	})
	return statuses
}

// Inspect returns the detailed view of one build.
func (s *Server) Inspect(id string) (BuildDetails, error) {
	j, err := s.lookup(id)
	if err != nil {
		return BuildDetails{}, err
	}
	details := BuildDetails{
		BuildStatus:     status(j),
		LastSequence:    j.bctx.Messages.Last(),
		CancelRequested: j.bctx.CancelRequested(),
	}
	if !j.running() {
		details.FailedStep = j.outcome.FailedStep
		details.Outputs = j.outcome.Outputs
	}
	for _, action := range j.bctx.Cleanup.Pending() {
		details.PendingCleanup = append(details.PendingCleanup, fmt.Sprintf("%s (%s)", action.Name, action.Category))
	}
	return details, nil
}

// Prune forgets finished builds and returns how many were removed.
func (s *Server) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, j := range s.jobs {
		if !j.running() {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

func (s *Server) lookup(id string) (*job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBuild, id)
	}
	return j, nil
}

func status(j *job) BuildStatus {
	st := BuildStatus{
		ID:        j.bctx.ID,
		Name:      j.bctx.Parameters.Name,
		State:     string(j.bctx.State.Current()),
		Running:   j.running(),
		StartedAt: j.startedAt,
	}
	if !st.Running {
		st.FinishedAt = j.outcome.FinishedAt
		if j.outcome.Err != nil {
			st.Error = j.outcome.Err.Error()
		}
	}
	return st
}
