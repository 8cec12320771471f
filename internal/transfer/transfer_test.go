package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cochaviz/winbake/internal/messaging"
	"github.com/cochaviz/winbake/internal/retry"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2/google"
)

type fakeMethod struct {
	name    string
	calls   int
	results []error
	payload string
}

func (f *fakeMethod) Name() string { return f.name }

func (f *fakeMethod) Fetch(_ context.Context, req Request) (int64, error) {
	f.calls++
	idx := f.calls - 1
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	if idx >= 0 && f.results[idx] != nil {
		return 0, f.results[idx]
	}
	if err := os.WriteFile(req.Destination, []byte(f.payload), 0o644); err != nil {
		return 0, err
	}
	return int64(len(f.payload)), nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestFetcher(methods ...Method) *Fetcher {
	f := NewFetcher(quietLogger(), methods...)
	f.Policy = retry.Policy{MaxAttempts: 3, Backoff: retry.Fixed}
	return f
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestFetchFallsBackInOrder(t *testing.T) {
	t.Parallel()

	cloud := &fakeMethod{name: "cloud", results: []error{ErrCredentialsUnavailable}}
	ranged := &fakeMethod{name: "ranged", results: []error{ErrNotFound}}
	stream := &fakeMethod{name: "stream", results: []error{nil}, payload: "install.iso"}
	curl := &fakeMethod{name: "curl", results: []error{nil}, payload: "unused"}

	ch := messaging.NewChannel()
	dest := filepath.Join(t.TempDir(), "media", "install.iso")
	report, err := newTestFetcher(cloud, ranged, stream, curl).Fetch(context.Background(),
		"https://example.test/install.iso", dest, nil, WithPublisher(ch))

	require.NoError(t, err)
	require.Equal(t, "stream", report.Method)
	require.Equal(t, 1, cloud.calls, "credentials failure is abandoned after one attempt")
	require.Equal(t, 1, ranged.calls, "not found is not retried")
	require.Equal(t, 1, stream.calls)
	require.Zero(t, curl.calls, "methods after the winner are never tried")
	require.Len(t, report.Attempts, 3)
	require.Equal(t, ReasonCredentials, report.Attempts[0].Reason)
	require.Equal(t, ReasonNotFound, report.Attempts[1].Reason)

	contents, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "install.iso", string(contents))
	_, err = os.Stat(dest + ".part")
	require.True(t, errors.Is(err, os.ErrNotExist))

	var warnings int
	for _, msg := range ch.Drain() {
		if msg.Level == messaging.LevelWarning {
			warnings++
		}
	}
	require.Equal(t, 2, warnings)
}

func TestFetchCountsAttemptsAcrossMethods(t *testing.T) {
	t.Parallel()

	a := &fakeMethod{name: "cloud", results: []error{errors.New("timeout")}}
	b := &fakeMethod{name: "ranged", results: []error{errors.New("reset by peer")}}
	c := &fakeMethod{name: "stream", results: []error{nil}, payload: "iso"}
	d := &fakeMethod{name: "curl", results: []error{nil}, payload: "iso"}

	f := newTestFetcher(a, b, c, d)
	f.Policy = retry.Policy{MaxAttempts: 2, Backoff: retry.Fixed}

	report, err := f.Fetch(context.Background(), "https://example.test/iso", filepath.Join(t.TempDir(), "iso"), nil)
	require.NoError(t, err)
	require.Equal(t, "stream", report.Method)
	require.Len(t, report.Attempts, 5)
	require.Equal(t, 2, a.calls)
	require.Equal(t, 2, b.calls)
	require.Equal(t, 1, c.calls)
	require.Zero(t, d.calls)
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	flaky := &fakeMethod{name: "ranged", results: []error{errors.New("connection reset"), errors.New("connection reset"), nil}, payload: "ok"}
	var reported int
	report, err := newTestFetcher(flaky).Fetch(context.Background(), "https://example.test/x", filepath.Join(t.TempDir(), "x"),
		[]string{"ranged"}, WithAttemptReporter(retry.ReporterFunc(func(retry.Attempt) { reported++ })))

	require.NoError(t, err)
	require.Equal(t, 3, flaky.calls)
	require.Equal(t, 3, reported)
	require.Len(t, report.Attempts, 3)
}

func TestFetchExhausted(t *testing.T) {
	t.Parallel()

	a := &fakeMethod{name: "cloud", results: []error{ErrNotApplicable}}
	b := &fakeMethod{name: "stream", results: []error{ErrNotFound}}
	_, err := newTestFetcher(a, b).Fetch(context.Background(), "https://example.test/x", filepath.Join(t.TempDir(), "x"),
		[]string{"cloud", "stream"})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Failures, 2)
	require.Equal(t, ReasonNotApplicable, exhausted.Failures[0].Reason)
	require.Equal(t, ReasonNotFound, exhausted.Failures[1].Reason)
	require.ErrorIs(t, err, ErrNotFound)
	require.Contains(t, err.Error(), "cloud (not-applicable)")
}

func TestFetchRejectsUnknownMethod(t *testing.T) {
	t.Parallel()

	_, err := newTestFetcher().Fetch(context.Background(), "x", filepath.Join(t.TempDir(), "x"), []string{"carrier-pigeon"})
	require.ErrorContains(t, err, "unknown method")
}

func TestFetchVerifiesChecksum(t *testing.T) {
	t.Parallel()

	bad := &fakeMethod{name: "stream", results: []error{nil}, payload: "tampered"}
	dest := filepath.Join(t.TempDir(), "x")
	_, err := newTestFetcher(bad).Fetch(context.Background(), "https://example.test/x", dest, []string{"stream"},
		WithSHA256(digest("original")))

	require.ErrorIs(t, err, ErrIntegrity)
	require.Equal(t, 3, bad.calls, "integrity failures are retried")
	_, statErr := os.Stat(dest)
	require.True(t, errors.Is(statErr, os.ErrNotExist))

	good := &fakeMethod{name: "stream", results: []error{nil}, payload: "original"}
	_, err = newTestFetcher(good).Fetch(context.Background(), "https://example.test/x", dest, []string{"stream"},
		WithSHA256(strings.ToUpper(digest("original"))))
	require.NoError(t, err)
}

func TestRangedResumesPartialFile(t *testing.T) {
	t.Parallel()

	content := bytes.Repeat([]byte("winbake"), 1024)
	var sawRange atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawRange.Store(r.Header.Get("Range"))
		http.ServeContent(w, r, "media.iso", time.Time{}, bytes.NewReader(content))
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "media.iso")
	require.NoError(t, os.WriteFile(dest+".part", content[:1000], 0o644))

	report, err := newTestFetcher(NewRanged(server.Client())).Fetch(context.Background(), server.URL+"/media.iso", dest, []string{"ranged"})
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), report.Bytes)
	require.Equal(t, "bytes=1000-", sawRange.Load())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestStreamIgnoresPartialFile(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("Range"))
		_, _ = io.WriteString(w, "fresh")
	}))
	defer server.Close()

	part := filepath.Join(t.TempDir(), "x.part")
	require.NoError(t, os.WriteFile(part, []byte("stale-bytes"), 0o644))

	n, err := NewStream(server.Client()).Fetch(context.Background(), Request{Source: server.URL, Destination: part})
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
	got, _ := os.ReadFile(part)
	require.Equal(t, "fresh", string(got))
}

func TestHTTPStatusClassification(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		status int
		want   retry.Outcome
	}{
		{name: "not found", status: http.StatusNotFound, want: retry.Fatal},
		{name: "forbidden", status: http.StatusForbidden, want: retry.Abandon},
		{name: "server error", status: http.StatusBadGateway, want: retry.Retry},
		{name: "teapot", status: http.StatusTeapot, want: retry.Fatal},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(testCase.status)
			}))
			defer server.Close()

			_, err := NewStream(server.Client()).Fetch(context.Background(),
				Request{Source: server.URL, Destination: filepath.Join(t.TempDir(), "x.part")})
			require.Error(t, err)
			require.Equal(t, testCase.want, Classify(err).Outcome)
		})
	}
}

func TestMethodsRejectForeignSources(t *testing.T) {
	t.Parallel()

	part := filepath.Join(t.TempDir(), "x.part")
	_, err := NewStream(nil).Fetch(context.Background(), Request{Source: "gs://bucket/obj", Destination: part})
	require.ErrorIs(t, err, ErrNotApplicable)

	_, err = NewCloud().Fetch(context.Background(), Request{Source: "https://example.test/x", Destination: part})
	require.ErrorIs(t, err, ErrNotApplicable)

	_, err = FileMethod{}.Fetch(context.Background(), Request{Source: "https://example.test/x", Destination: part})
	require.ErrorIs(t, err, ErrNotApplicable)

	_, err = (&CurlMethod{Binary: "winbake-no-such-curl"}).Fetch(context.Background(), Request{Source: "https://example.test/x", Destination: part})
	require.ErrorIs(t, err, ErrNotApplicable)
}

func TestCloudWithoutCredentialsIsAbandoned(t *testing.T) {
	t.Parallel()

	cloud := &CloudMethod{Credentials: func(context.Context) (*google.Credentials, error) {
		return nil, errors.New("could not find default credentials")
	}}
	_, err := cloud.Fetch(context.Background(), Request{Source: "gs://images/win.iso", Destination: filepath.Join(t.TempDir(), "x.part")})
	require.ErrorIs(t, err, ErrCredentialsUnavailable)
	require.Equal(t, retry.Abandon, Classify(err).Outcome)
}

func TestParseBucketURL(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		source     string
		bucket     string
		object     string
		applicable bool
	}{
		{name: "gs scheme", source: "gs://images/win/2022.iso", bucket: "images", object: "win/2022.iso", applicable: true},
		{name: "storage host", source: "https://storage.googleapis.com/images/win/2022.iso", bucket: "images", object: "win/2022.iso", applicable: true},
		{name: "storage host with port", source: "https://storage.googleapis.com:443/images/win.iso", bucket: "images", object: "win.iso", applicable: true},
		{name: "storage host without object", source: "https://storage.googleapis.com/images", applicable: false},
		{name: "gs without object", source: "gs://images", applicable: false},
		{name: "other host", source: "https://example.test/images/win.iso", applicable: false},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			bucket, object, err := parseBucketURL(testCase.source)
			if !testCase.applicable {
				require.ErrorIs(t, err, ErrNotApplicable)
				return
			}
			require.NoError(t, err)
			require.Equal(t, testCase.bucket, bucket)
			require.Equal(t, testCase.object, object)
		})
	}
}

func TestCloudConsultsCredentialsForStorageHost(t *testing.T) {
	t.Parallel()

	consulted := false
	cloud := &CloudMethod{Credentials: func(context.Context) (*google.Credentials, error) {
		consulted = true
		return nil, errors.New("could not find default credentials")
	}}
	_, err := cloud.Fetch(context.Background(), Request{
		Source:      "https://storage.googleapis.com/images/win.iso",
		Destination: filepath.Join(t.TempDir(), "x.part"),
	})
	require.True(t, consulted)
	require.ErrorIs(t, err, ErrCredentialsUnavailable)
}

func TestFileMethod(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "drivers.zip")
	require.NoError(t, os.WriteFile(src, []byte("zipdata"), 0o644))

	n, err := FileMethod{}.Fetch(context.Background(), Request{Source: "file://" + src, Destination: filepath.Join(dir, "out.part")})
	require.NoError(t, err)
	require.Equal(t, int64(7), n)

	_, err = FileMethod{}.Fetch(context.Background(), Request{Source: filepath.Join(dir, "missing"), Destination: filepath.Join(dir, "out.part")})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestProgressMessagesAreThrottled(t *testing.T) {
	t.Parallel()

	ch := messaging.NewChannel()
	f := newTestFetcher()
	f.ProgressInterval = time.Hour
	progress := f.progressFunc(ch, "stream", "https://example.test/x")
	for i := int64(1); i <= 100; i++ {
		progress(i, 100)
	}

	msgs := ch.Drain()
	require.Len(t, msgs, 1)
	require.Equal(t, messaging.LevelProgress, msgs[0].Level)
	require.Equal(t, int64(100), msgs[0].Payload["total"])
}
