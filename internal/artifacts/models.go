package artifacts

import "time"

type ArtifactKind string

// ImageArtifact is a captured disk image.
const ImageArtifact ArtifactKind = "image"

type Artifact struct {
	ID   string       `json:"id"`
	Kind ArtifactKind `json:"kind"`
	URI  string       `json:"uri"`

	Checksum    *string        `json:"checksum,omitempty"`
	Size        int64          `json:"size"`
	ContentType string         `json:"content_type"`
	CreatedAt   time.Time      `json:"created_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Store publishes build outputs.
type Store interface {
	StoreArtifact(artifactPath string, kind ArtifactKind, metadata map[string]any) (Artifact, error)
	RemoveArtifact(artifact Artifact) error
	List() ([]Artifact, error)
}
