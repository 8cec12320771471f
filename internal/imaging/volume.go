package imaging

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// DriverDir is where drivers are placed inside the Windows volume.
const DriverDir = "Drivers/winbake"

// MountVolume mounts device at mountPoint, creating the directory.
func (h *Host) MountVolume(_ context.Context, device, mountPoint, fstype string) error {
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return fmt.Errorf("create mount point: %w", err)
	}
	if err := unix.Mount(device, mountPoint, fstype, 0, ""); err != nil {
		return fmt.Errorf("mount %s on %s (%s): %w", device, mountPoint, fstype, err)
	}
	h.logger().Debug("mounted volume", "device", device, "mount_point", mountPoint)
	return nil
}

// UnmountVolume unmounts mountPoint. A path that is not mounted is not an
// error.
func (h *Host) UnmountVolume(_ context.Context, mountPoint string) error {
	err := unix.Unmount(mountPoint, 0)
	switch {
	case err == nil:
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENOENT):
		return nil
	default:
		return fmt.Errorf("unmount %s: %w", mountPoint, err)
	}
	if err := os.Remove(mountPoint); err != nil && !errors.Is(err, os.ErrNotExist) {
		h.logger().Debug("remove mount point failed", "mount_point", mountPoint, "error", err)
	}
	return nil
}

// ApplyDrivers extracts a driver archive into the mounted Windows volume and
// returns the number of files written.
func ApplyDrivers(archivePath, root string) (int, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return 0, fmt.Errorf("open driver archive: %w", err)
	}
	defer reader.Close()

	target := filepath.Join(root, filepath.FromSlash(DriverDir))
	if err := os.MkdirAll(target, 0o755); err != nil {
		return 0, fmt.Errorf("create driver directory: %w", err)
	}

	written := 0
	for _, file := range reader.File {
		dest := filepath.Join(target, filepath.FromSlash(file.Name))
		if dest != target && !strings.HasPrefix(dest, target+string(os.PathSeparator)) {
			return written, fmt.Errorf("driver archive entry %q escapes target directory", file.Name)
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return written, err
			}
			continue
		}
		if err := extractFile(file, dest); err != nil {
			return written, fmt.Errorf("extract %s: %w", file.Name, err)
		}
		written++
	}
	return written, nil
}

func extractFile(file *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
