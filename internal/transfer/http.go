package transfer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/cochaviz/winbake/internal/retry"
)

// HTTPMethod downloads over HTTP(S). With Resume set it continues a partial
// file using a Range request.
type HTTPMethod struct {
	Client *http.Client
	Resume bool
	name   string
}

// NewRanged returns the resumable HTTP method.
func NewRanged(client *http.Client) *HTTPMethod {
	return &HTTPMethod{Client: client, Resume: true, name: "ranged"}
}

// NewStream returns the plain HTTP method.
func NewStream(client *http.Client) *HTTPMethod {
	return &HTTPMethod{Client: client, name: "stream"}
}

func (m *HTTPMethod) Name() string {
	if m.name != "" {
		return m.name
	}
	if m.Resume {
		return "ranged"
	}
	return "stream"
}

func (m *HTTPMethod) client() *http.Client {
	if m.Client != nil {
		return m.Client
	}
	return http.DefaultClient
}

func (m *HTTPMethod) Fetch(ctx context.Context, req Request) (int64, error) {
	if !isHTTPURL(req.Source) {
		return 0, fmt.Errorf("%w: %s is not an http(s) url", ErrNotApplicable, req.Source)
	}

	var offset int64
	if m.Resume {
		offset = partialSize(req.Destination)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.Source, nil)
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("build request: %w", err), "bad request")
	}
	if offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := m.client().Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("GET %s: %w", req.Source, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		if !strings.HasPrefix(resp.Header.Get("Content-Range"), fmt.Sprintf("bytes %d-", offset)) {
			_ = os.Truncate(req.Destination, 0)
			return 0, fmt.Errorf("GET %s: unexpected content range %q", req.Source, resp.Header.Get("Content-Range"))
		}
		total := int64(-1)
		if resp.ContentLength >= 0 {
			total = offset + resp.ContentLength
		}
		return copyInto(req.Destination, resp.Body, offset, total, req.Progress)
	case resp.StatusCode == http.StatusOK:
		return copyInto(req.Destination, resp.Body, 0, resp.ContentLength, req.Progress)
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		return offset, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return 0, fmt.Errorf("%w: GET %s: %s", ErrNotFound, req.Source, resp.Status)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return 0, fmt.Errorf("%w: GET %s: %s", ErrCredentialsUnavailable, req.Source, resp.Status)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return 0, fmt.Errorf("GET %s: %s", req.Source, resp.Status)
	default:
		return 0, retry.Permanent(fmt.Errorf("GET %s: unexpected status %s", req.Source, resp.Status), "unexpected status")
	}
}

func isHTTPURL(source string) bool {
	u, err := url.Parse(source)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
