package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
)

// CloudMethod reads gs://bucket/object sources from Google Cloud Storage
// using application default credentials.
type CloudMethod struct {
	// Credentials defaults to google.FindDefaultCredentials.
	Credentials func(ctx context.Context) (*google.Credentials, error)
	// ClientOptions are appended after the credentials option.
	ClientOptions []option.ClientOption
}

// NewCloud returns a cloud method using application default credentials.
func NewCloud() *CloudMethod {
	return &CloudMethod{}
}

func (m *CloudMethod) Name() string { return "cloud" }

func (m *CloudMethod) credentials(ctx context.Context) (*google.Credentials, error) {
	if m.Credentials != nil {
		return m.Credentials(ctx)
	}
	return google.FindDefaultCredentials(ctx, storage.ScopeReadOnly)
}

func (m *CloudMethod) Fetch(ctx context.Context, req Request) (int64, error) {
	bucket, object, err := parseBucketURL(req.Source)
	if err != nil {
		return 0, err
	}

	creds, err := m.credentials(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCredentialsUnavailable, err)
	}
	if creds == nil {
		return 0, fmt.Errorf("%w: no default credentials", ErrCredentialsUnavailable)
	}

	opts := append([]option.ClientOption{option.WithCredentials(creds)}, m.ClientOptions...)
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return 0, fmt.Errorf("create storage client: %w", err)
	}
	defer client.Close()

	reader, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return 0, fmt.Errorf("%w: gs://%s/%s", ErrNotFound, bucket, object)
	}
	if err != nil {
		return 0, fmt.Errorf("open gs://%s/%s: %w", bucket, object, err)
	}
	defer reader.Close()

	return copyInto(req.Destination, reader, 0, reader.Attrs.Size, req.Progress)
}

// StorageHost serves bucket objects as https://storage.googleapis.com/bucket/object.
const StorageHost = "storage.googleapis.com"

func parseBucketURL(source string) (string, string, error) {
	u, err := url.Parse(source)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s is not a bucket url", ErrNotApplicable, source)
	}

	var bucket, object string
	switch {
	case u.Scheme == "gs":
		bucket, object = u.Host, strings.TrimPrefix(u.Path, "/")
	case (u.Scheme == "https" || u.Scheme == "http") && strings.EqualFold(u.Hostname(), StorageHost):
		bucket, object, _ = strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	default:
		return "", "", fmt.Errorf("%w: %s is not a gs:// or %s url", ErrNotApplicable, source, StorageHost)
	}
	if bucket == "" || object == "" {
		return "", "", fmt.Errorf("%w: %s does not name a bucket object", ErrNotApplicable, source)
	}
	return bucket, object, nil
}
