package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalStore persists artifacts and metadata on disk under BaseDir.
type LocalStore struct {
	BaseDir string
	// Move renames the source into place instead of copying it when both
	// live on the same filesystem.
	Move bool
}

// StoreArtifact places the artifact under BaseDir as <uuid><ext>, records its
// SHA-256 and writes a JSON metadata document next to it.
func (store *LocalStore) StoreArtifact(artifactPath string, kind ArtifactKind, metadata map[string]any) (Artifact, error) {
	if store.BaseDir == "" {
		return Artifact{}, errors.New("base directory is not configured")
	}
	if artifactPath == "" {
		return Artifact{}, errors.New("artifact path is required")
	}
	if err := os.MkdirAll(store.BaseDir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("create artifact directory: %w", err)
	}

	artifactID := uuid.NewString()
	destPath := filepath.Join(store.BaseDir, artifactID+filepath.Ext(artifactPath))

	placed := false
	if store.Move {
		placed = os.Rename(artifactPath, destPath) == nil
	}
	if !placed {
		if err := copyFile(artifactPath, destPath); err != nil {
			return Artifact{}, err
		}
	}

	checksum, size, err := hashFile(destPath)
	if err != nil {
		return Artifact{}, err
	}

	artifact := Artifact{
		ID:          artifactID,
		Kind:        kind,
		URI:         FileURI(destPath),
		Checksum:    &checksum,
		Size:        size,
		ContentType: detectContentType(destPath),
		CreatedAt:   time.Now().UTC(),
		Metadata:    cloneMetadata(metadata),
	}
	if err := writeMetadata(destPath, artifact); err != nil {
		return Artifact{}, err
	}
	return artifact, nil
}

// RemoveArtifact deletes the artifact file and its metadata document.
func (store *LocalStore) RemoveArtifact(artifact Artifact) error {
	path, err := PathFromURI(artifact.URI)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(metadataPath(path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List reads every metadata document under BaseDir, newest first.
func (store *LocalStore) List() ([]Artifact, error) {
	entries, err := os.ReadDir(store.BaseDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Artifact
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		payload, err := os.ReadFile(filepath.Join(store.BaseDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		var artifact Artifact
		if err := json.Unmarshal(payload, &artifact); err != nil {
			return nil, fmt.Errorf("decode %s: %w", entry.Name(), err)
		}
		out = append(out, artifact)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// PathFromURI returns the local path of a file:// URI.
func PathFromURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, "file://") {
		return "", fmt.Errorf("not a file:// URI: %s", uri)
	}
	return strings.TrimPrefix(uri, "file://"), nil
}

// FileURI is the inverse of PathFromURI.
func FileURI(path string) string {
	return "file://" + path
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy artifact: %w", err)
	}
	return out.Close()
}

func hashFile(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	hasher := sha256.New()
	n, err := io.Copy(hasher, file)
	if err != nil {
		return "", 0, fmt.Errorf("hash artifact: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

func writeMetadata(filePath string, artifact Artifact) error {
	payload, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(metadataPath(filePath), payload, 0o644)
}

func metadataPath(path string) string {
	return path + ".json"
}

func detectContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".qcow2":
		return "application/x-qemu-disk"
	case ".vhdx", ".vmdk", ".raw", ".img":
		return "application/octet-stream"
	case ".log", ".txt":
		return "text/plain"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for k, v := range metadata {
		cloned[k] = v
	}
	return cloned
}
