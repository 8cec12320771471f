package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

type progressWriter struct {
	w        io.Writer
	written  int64
	total    int64
	progress func(written, total int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.progress != nil && n > 0 {
		p.progress(p.written, p.total)
	}
	return n, err
}

// copyInto writes r into path, appending when offset > 0 and truncating
// otherwise. It returns the resulting file size.
func copyInto(path string, r io.Reader, offset, total int64, progress func(written, total int64)) (int64, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open partial file: %w", err)
	}

	pw := &progressWriter{w: file, written: offset, total: total, progress: progress}
	_, copyErr := io.Copy(pw, r)
	syncErr := file.Sync()
	closeErr := file.Close()
	switch {
	case copyErr != nil:
		return pw.written, fmt.Errorf("write partial file: %w", copyErr)
	case syncErr != nil:
		return pw.written, fmt.Errorf("sync partial file: %w", syncErr)
	case closeErr != nil:
		return pw.written, fmt.Errorf("close partial file: %w", closeErr)
	}
	return pw.written, nil
}

func partialSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func verifySHA256(path, want string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open for verification: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	got := hex.EncodeToString(hasher.Sum(nil))
	if got != want {
		return fmt.Errorf("%w: sha256 want %s got %s", ErrIntegrity, want, got)
	}
	return nil
}
