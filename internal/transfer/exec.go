package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// CurlMethod shells out to curl.
type CurlMethod struct {
	// Binary defaults to "curl" resolved through PATH.
	Binary string
}

// NewCurl returns a curl method.
func NewCurl() *CurlMethod {
	return &CurlMethod{}
}

func (m *CurlMethod) Name() string { return "curl" }

func (m *CurlMethod) Fetch(ctx context.Context, req Request) (int64, error) {
	u, err := url.Parse(req.Source)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ftp") {
		return 0, fmt.Errorf("%w: curl cannot fetch %s", ErrNotApplicable, req.Source)
	}

	binary := m.Binary
	if binary == "" {
		binary = "curl"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotApplicable, err)
	}

	cmd := exec.CommandContext(ctx, path,
		"--fail", "--location", "--silent", "--show-error",
		"--output", req.Destination, req.Source)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		var exitErr *exec.ExitError
		// curl exits 22 for HTTP errors when --fail is set.
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 22 &&
			(strings.Contains(detail, "404") || strings.Contains(detail, "410")) {
			return 0, fmt.Errorf("%w: curl: %s", ErrNotFound, detail)
		}
		return 0, fmt.Errorf("curl %s: %w: %s", req.Source, err, detail)
	}

	size := partialSize(req.Destination)
	if req.Progress != nil {
		req.Progress(size, size)
	}
	return size, nil
}

// FileMethod copies from the local filesystem. Sources are file:// urls or
// absolute paths.
type FileMethod struct{}

func (FileMethod) Name() string { return "file" }

func (FileMethod) Fetch(_ context.Context, req Request) (int64, error) {
	path, ok := localPath(req.Source)
	if !ok {
		return 0, fmt.Errorf("%w: %s is not a local path", ErrNotApplicable, req.Source)
	}

	src, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%w: %s is a directory", ErrNotApplicable, path)
	}
	return copyInto(req.Destination, io.Reader(src), 0, info.Size(), req.Progress)
}

func localPath(source string) (string, bool) {
	if strings.HasPrefix(source, "file://") {
		u, err := url.Parse(source)
		if err != nil || u.Path == "" {
			return "", false
		}
		return u.Path, true
	}
	if filepath.IsAbs(source) {
		return source, true
	}
	return "", false
}
