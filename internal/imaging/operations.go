// Package imaging implements the host-side operations of a Windows image
// build and the pipeline that strings them together.
package imaging

import (
	"context"
	"time"
)

// VMSpec describes the installer VM.
type VMSpec struct {
	Name         string
	MemoryMB     int
	VCPUs        int
	DiskPath     string
	DiskFormat   string
	InstallMedia string
	AnswerMedia  string
	Bridge       string
	TPM          bool
}

// Hypervisor manages the installer VM.
type Hypervisor interface {
	DefineAndStart(ctx context.Context, spec VMSpec) error
	// WaitForShutdown blocks until the VM powers itself off.
	WaitForShutdown(ctx context.Context, name string, poll, timeout time.Duration) error
	// Destroy stops and undefines the VM. A missing VM is not an error.
	Destroy(ctx context.Context, name string) error
	// CleanupStoragePool removes any pool the hypervisor created for dir.
	CleanupStoragePool(ctx context.Context, dir string) error
}

// Operations is every side-effecting call the pipeline makes. Each call
// either completes or fails; none is interrupted by build cancellation.
type Operations interface {
	Hypervisor

	CreateDisk(ctx context.Context, path, format string, sizeGB int) error
	RemoveDisk(ctx context.Context, path string) error
	// AttachDisk exposes the image as a host block device and returns its path.
	AttachDisk(ctx context.Context, path, format string) (string, error)
	DetachDisk(ctx context.Context, device string) error
	MountVolume(ctx context.Context, device, mountPoint, fstype string) error
	UnmountVolume(ctx context.Context, mountPoint string) error
	CreateBridge(ctx context.Context, name, cidr string) error
	DeleteBridge(ctx context.Context, name string) error
	ConvertImage(ctx context.Context, src, dst, format string) error
}
