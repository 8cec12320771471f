// Package daemon runs builds in a long-lived process and exposes them over a
// unix socket, one JSON request per connection.
package daemon

import (
	"encoding/json"
	"time"

	"github.com/cochaviz/winbake/internal/configurations"
)

const DefaultSocketPath = "/run/winbake/daemon.sock"

type Command string

const (
	CommandStart    Command = "start"
	CommandCancel   Command = "cancel"
	CommandMessages Command = "messages"
	CommandList     Command = "list"
	CommandInspect  Command = "inspect"
	CommandPrune    Command = "prune"
)

type IPCRequest struct {
	Command Command         `json:"command"`
	ID      string          `json:"id,omitempty"`
	After   uint64          `json:"after,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type IPCResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// StartRequest asks the daemon to run a build with fully resolved parameters.
type StartRequest struct {
	Parameters configurations.Parameters `json:"parameters"`
}

// BuildStatus summarises a build known to the daemon.
type BuildStatus struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	State      string    `json:"state"`
	Running    bool      `json:"running"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Error      string    `json:"error,omitempty"`
}

// BuildDetails is the inspect view of one build.
type BuildDetails struct {
	BuildStatus
	FailedStep      string            `json:"failed_step,omitempty"`
	Outputs         map[string]string `json:"outputs,omitempty"`
	LastSequence    uint64            `json:"last_sequence"`
	PendingCleanup  []string          `json:"pending_cleanup,omitempty"`
	CancelRequested bool              `json:"cancel_requested"`
}

// CancelResult reports whether the request was the first for the build.
type CancelResult struct {
	Requested bool `json:"requested"`
}
