package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestStoreArtifactCopiesAndHashes(t *testing.T) {
	t.Parallel()

	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "ws2022.qcow2")
	if err := os.WriteFile(src, []byte("disk-image"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	store := &LocalStore{BaseDir: filepath.Join(t.TempDir(), "images")}
	artifact, err := store.StoreArtifact(src, ImageArtifact, map[string]any{"name": "ws2022"})
	if err != nil {
		t.Fatalf("StoreArtifact() error = %v", err)
	}

	sum := sha256.Sum256([]byte("disk-image"))
	if artifact.Checksum == nil || *artifact.Checksum != hex.EncodeToString(sum[:]) {
		t.Fatalf("checksum = %v, want %x", artifact.Checksum, sum)
	}
	if artifact.Size != int64(len("disk-image")) {
		t.Fatalf("size = %d", artifact.Size)
	}
	if artifact.ContentType != "application/x-qemu-disk" {
		t.Fatalf("content type = %q", artifact.ContentType)
	}

	path, err := PathFromURI(artifact.URI)
	if err != nil {
		t.Fatalf("PathFromURI() error = %v", err)
	}
	if _, err := os.Stat(path + ".json"); err != nil {
		t.Fatalf("metadata missing: %v", err)
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("copy removed the source: %v", err)
	}

	listed, err := store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(listed) != 1 || listed[0].ID != artifact.ID || listed[0].Metadata["name"] != "ws2022" {
		t.Fatalf("List() = %+v", listed)
	}
	if listed[0].Kind != ImageArtifact {
		t.Fatalf("kind = %q, want %q", listed[0].Kind, ImageArtifact)
	}

	if err := store.RemoveArtifact(artifact); err != nil {
		t.Fatalf("RemoveArtifact() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("artifact still present: %v", err)
	}
}

func TestStoreArtifactMove(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "capture.vhdx")
	if err := os.WriteFile(src, []byte("vhdx"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	store := &LocalStore{BaseDir: filepath.Join(dir, "out"), Move: true}
	if _, err := store.StoreArtifact(src, ImageArtifact, nil); err != nil {
		t.Fatalf("StoreArtifact() error = %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("source should have been moved, stat err = %v", err)
	}
}

func TestStoreArtifactValidation(t *testing.T) {
	t.Parallel()

	if _, err := (&LocalStore{}).StoreArtifact("x", ImageArtifact, nil); err == nil {
		t.Fatal("expected error for missing base dir")
	}
	if _, err := (&LocalStore{BaseDir: t.TempDir()}).StoreArtifact("", ImageArtifact, nil); err == nil {
		t.Fatal("expected error for missing path")
	}
	if _, err := PathFromURI("gs://bucket/x"); err == nil {
		t.Fatal("expected error for non-file uri")
	}
}

func TestListMissingDirectory(t *testing.T) {
	t.Parallel()

	listed, err := (&LocalStore{BaseDir: filepath.Join(t.TempDir(), "nope")}).List()
	if err != nil || listed != nil {
		t.Fatalf("List() = %v, %v", listed, err)
	}
}
