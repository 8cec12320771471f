// Package lock provides an exclusive, non-blocking advisory lock on a file.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("lock is held by another build")

// FileLock is an acquired flock(2) lock.
type FileLock struct {
	path string
	file *os.File
}

// Acquire takes an exclusive lock on path, creating it if needed, and writes
// the current pid into it.
func Acquire(path string) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s (pid %s)", ErrLocked, path, readHolder(path))
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	if err := file.Truncate(0); err == nil {
		_, _ = file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &FileLock{path: path, file: file}, nil
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}

// Release unlocks and removes the lock file. It is safe to call twice.
func (l *FileLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	removeErr := os.Remove(l.path)
	if errors.Is(removeErr, os.ErrNotExist) {
		removeErr = nil
	}
	unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	return errors.Join(removeErr, unlockErr, closeErr)
}

func readHolder(path string) string {
	payload, err := os.ReadFile(path)
	if err != nil || len(payload) == 0 {
		return "unknown"
	}
	return string(payload[:len(payload)-1])
}
