package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cochaviz/winbake/internal/configurations"
	"github.com/cochaviz/winbake/internal/supervisor"
)

type DaemonClient interface {
	StartBuild(params configurations.Parameters) (string, error)
	CancelBuild(id string) (bool, error)
	Messages(id string, after uint64) (supervisor.Batch, error)
	Inspect(id string) (BuildDetails, error)
	List() ([]BuildStatus, error)
	Prune() (int, error)
}

type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

func (c *Client) send(request IPCRequest, response any) error {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := json.NewEncoder(conn).Encode(request); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var resp struct {
		OK    bool            `json:"ok"`
		Error string          `json:"error,omitempty"`
		Data  json.RawMessage `json:"data,omitempty"`
	}
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !resp.OK {
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		return fmt.Errorf("daemon request failed")
	}
	if response != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, response); err != nil {
			return fmt.Errorf("unmarshal response payload: %w", err)
		}
	}
	return nil
}

func (c *Client) StartBuild(params configurations.Parameters) (string, error) {
	payload, err := json.Marshal(StartRequest{Parameters: params})
	if err != nil {
		return "", err
	}
	var result struct {
		ID string `json:"id"`
	}
	if err := c.send(IPCRequest{Command: CommandStart, Payload: payload}, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}

func (c *Client) CancelBuild(id string) (bool, error) {
	var result CancelResult
	if err := c.send(IPCRequest{Command: CommandCancel, ID: id}, &result); err != nil {
		return false, err
	}
	return result.Requested, nil
}

func (c *Client) Messages(id string, after uint64) (supervisor.Batch, error) {
	var batch supervisor.Batch
	if err := c.send(IPCRequest{Command: CommandMessages, ID: id, After: after}, &batch); err != nil {
		return supervisor.Batch{}, err
	}
	return batch, nil
}

func (c *Client) List() ([]BuildStatus, error) {
	var statuses []BuildStatus
	if err := c.send(IPCRequest{Command: CommandList}, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

func (c *Client) Inspect(id string) (BuildDetails, error) {
	var detail BuildDetails
	if err := c.send(IPCRequest{Command: CommandInspect, ID: id}, &detail); err != nil {
		return BuildDetails{}, err
	}
	return detail, nil
}

func (c *Client) Prune() (int, error) {
	var resp struct {
		Removed int `json:"removed"`
	}
	if err := c.send(IPCRequest{Command: CommandPrune}, &resp); err != nil {
		return 0, err
	}
	return resp.Removed, nil
}

// Remote adapts one daemon build to supervisor.Source.
type Remote struct {
	Client DaemonClient
	ID     string
}

func (r Remote) Poll(_ context.Context, after uint64) (supervisor.Batch, error) {
	return r.Client.Messages(r.ID, after)
}

// Cancel requests cancellation; it fits supervisor.Options.Interrupt.
func (r Remote) Cancel(context.Context) error {
	_, err := r.Client.CancelBuild(r.ID)
	return err
}
