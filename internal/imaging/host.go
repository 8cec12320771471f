package imaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cochaviz/winbake/internal/logging"
)

var _ Operations = (*Host)(nil)

// Runner executes host commands.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec and returns combined output.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	output, err := exec.CommandContext(ctx, path, args...).CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("%s %s: %w (output: %s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

// Host implements Operations on a Linux machine with libvirt, qemu-img,
// qemu-nbd and the ntfs3 kernel driver.
type Host struct {
	Hypervisor
	Logger *slog.Logger
	Runner Runner
	// NBDDevices are tried in order by AttachDisk.
	NBDDevices []string
}

// NewHost returns a host using hv for VM management.
func NewHost(hv Hypervisor, logger *slog.Logger) *Host {
	devices := make([]string, 0, 16)
	for i := 0; i < 16; i++ {
		devices = append(devices, fmt.Sprintf("/dev/nbd%d", i))
	}
	return &Host{Hypervisor: hv, Logger: logger, Runner: ExecRunner{}, NBDDevices: devices}
}

func (h *Host) logger() *slog.Logger {
	return logging.Ensure(h.Logger).With("component", "imaging.host")
}

func (h *Host) runner() Runner {
	if h.Runner != nil {
		return h.Runner
	}
	return ExecRunner{}
}

func (h *Host) CreateDisk(ctx context.Context, path, format string, sizeGB int) error {
	if sizeGB <= 0 {
		return fmt.Errorf("disk size must be positive, got %d", sizeGB)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create disk directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale disk %q: %w", path, err)
	}
	if _, err := h.runner().Run(ctx, "qemu-img", "create", "-f", format, path, fmt.Sprintf("%dG", sizeGB)); err != nil {
		return fmt.Errorf("create disk: %w", err)
	}
	h.logger().Debug("created disk", "path", path, "format", format, "size_gb", sizeGB)
	return nil
}

func (h *Host) RemoveDisk(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove disk %q: %w", path, err)
	}
	return nil
}

func (h *Host) AttachDisk(ctx context.Context, path, format string) (string, error) {
	var errs []error
	for _, device := range h.NBDDevices {
		if nbdInUse(device) {
			continue
		}
		_, err := h.runner().Run(ctx, "qemu-nbd", "--connect="+device, "--format="+format, path)
		if err == nil {
			if _, settleErr := h.runner().Run(ctx, "udevadm", "settle"); settleErr != nil {
				h.logger().Debug("udevadm settle failed", "error", settleErr)
			}
			h.logger().Debug("attached disk", "path", path, "device", device)
			return device, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", errors.New("attach disk: no free nbd device (is the nbd module loaded?)")
	}
	return "", fmt.Errorf("attach disk: %w", errors.Join(errs...))
}

func (h *Host) DetachDisk(ctx context.Context, device string) error {
	if _, err := h.runner().Run(ctx, "qemu-nbd", "--disconnect", device); err != nil {
		return fmt.Errorf("detach disk: %w", err)
	}
	return nil
}

func (h *Host) ConvertImage(ctx context.Context, src, dst, format string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	args := []string{"convert", "-p", "-O", format}
	if format == "qcow2" {
		args = append(args, "-c")
	}
	args = append(args, src, dst)
	if _, err := h.runner().Run(ctx, "qemu-img", args...); err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("convert image: %w", err)
	}
	return nil
}

// nbdInUse reports whether the kernel has a server attached to device.
func nbdInUse(device string) bool {
	pid := filepath.Join("/sys/block", filepath.Base(device), "pid")
	_, err := os.Stat(pid)
	return err == nil
}

// PartitionDevice returns the block device of partition n on device.
func PartitionDevice(device string, n int) string {
	return fmt.Sprintf("%sp%d", device, n)
}
