package imaging

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cochaviz/winbake/internal/artifacts"
	"github.com/cochaviz/winbake/internal/build"
	"github.com/cochaviz/winbake/internal/buildstate"
	"github.com/cochaviz/winbake/internal/configurations"
	"github.com/cochaviz/winbake/internal/lock"
	"github.com/cochaviz/winbake/internal/messaging"
	"github.com/cochaviz/winbake/internal/retry"
	"github.com/cochaviz/winbake/internal/transfer"
	"github.com/stretchr/testify/require"
)

type fakeOps struct {
	mu    sync.Mutex
	calls []string

	waitErr  error
	diskErrs []error
}

var _ Operations = (*fakeOps)(nil)

func (f *fakeOps) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeOps) called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.calls, call)
}

func (f *fakeOps) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeOps) DefineAndStart(context.Context, VMSpec) error {
	f.record("start-vm")
	return nil
}

func (f *fakeOps) WaitForShutdown(context.Context, string, time.Duration, time.Duration) error {
	f.record("wait")
	return f.waitErr
}

func (f *fakeOps) Destroy(context.Context, string) error {
	f.record("destroy-vm")
	return nil
}

func (f *fakeOps) CleanupStoragePool(context.Context, string) error {
	f.record("cleanup-pool")
	return nil
}

func (f *fakeOps) CreateDisk(_ context.Context, path, _ string, _ int) error {
	f.record("create-disk")
	f.mu.Lock()
	if len(f.diskErrs) > 0 {
		err := f.diskErrs[0]
		f.diskErrs = f.diskErrs[1:]
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()
	return os.WriteFile(path, []byte("disk"), 0o644)
}

func (f *fakeOps) RemoveDisk(_ context.Context, path string) error {
	f.record("remove-disk")
	return os.Remove(path)
}

func (f *fakeOps) AttachDisk(context.Context, string, string) (string, error) {
	f.record("attach")
	return "/dev/nbd9", nil
}

func (f *fakeOps) DetachDisk(_ context.Context, device string) error {
	f.record("detach " + device)
	return nil
}

func (f *fakeOps) MountVolume(_ context.Context, device, mountPoint, _ string) error {
	f.record("mount " + device)
	return os.MkdirAll(mountPoint, 0o755)
}

func (f *fakeOps) UnmountVolume(context.Context, string) error {
	f.record("unmount")
	return nil
}

func (f *fakeOps) CreateBridge(_ context.Context, name, _ string) error {
	f.record("create-bridge " + name)
	return nil
}

func (f *fakeOps) DeleteBridge(_ context.Context, name string) error {
	f.record("delete-bridge " + name)
	return nil
}

func (f *fakeOps) ConvertImage(_ context.Context, src, dst, _ string) error {
	f.record("convert")
	payload, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, payload, 0o644)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeDriverPack(t *testing.T, path string) {
	t.Helper()
	file, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(file)
	w, err := zw.Create("netkvm/netkvm.inf")
	require.NoError(t, err)
	_, err = w.Write([]byte("[Version]\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, file.Close())
}

type fixture struct {
	params configurations.Parameters
	ops    *fakeOps
	store  *artifacts.LocalStore
	bctx   *build.BuildContext
	worker *build.Worker
}

func newFixture(t *testing.T, withDrivers bool) *fixture {
	t.Helper()
	root := t.TempDir()

	media := filepath.Join(root, "win.iso")
	require.NoError(t, os.WriteFile(media, []byte("install media"), 0o644))

	params := configurations.Defaults()
	params.Name = "ws2022"
	params.Edition = "Windows Server 2022 SERVERSTANDARD"
	params.WorkDir = filepath.Join(root, "work")
	params.OutputDir = filepath.Join(root, "images")
	params.Media = configurations.Source{URL: media, Methods: []string{"file"}}
	params.Retry = configurations.RetryOptions{Attempts: 2, Backoff: "fixed"}
	if withDrivers {
		drivers := filepath.Join(root, "drivers.zip")
		writeDriverPack(t, drivers)
		params.Drivers = configurations.Source{URL: drivers, Methods: []string{"file"}}
	}

	fetcher := transfer.NewFetcher(quietLogger(), transfer.FileMethod{})
	fetcher.Policy = retry.Once("fetch")

	ops := &fakeOps{}
	store := &artifacts.LocalStore{BaseDir: params.OutputDir}
	return &fixture{
		params: params,
		ops:    ops,
		store:  store,
		bctx:   build.NewContext(params, build.WithID("4f1c2d3e-0000-4000-8000-000000000001"), build.WithLogger(quietLogger())),
		worker: &build.Worker{
			Logger:  quietLogger(),
			Steps:   Pipeline(ops, store),
			Fetcher: fetcher,
		},
	}
}

func TestPipelineStepOrder(t *testing.T) {
	t.Parallel()

	steps := Pipeline(&fakeOps{}, &artifacts.LocalStore{})
	var names []string
	for _, s := range steps {
		names = append(names, s.Name)
	}
	require.Equal(t, []string{
		StepPrepareWorkspace, StepFetchMedia, StepCreateDisk, StepAnswerMedia,
		StepProvisionNetwork, StepProvisionVM, StepInstallOS, StepApplyDrivers, StepCaptureImage,
	}, names)
}

func TestPipelineCompletesAndPublishesImage(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, true)
	outcome := fx.worker.Run(context.Background(), fx.bctx)

	require.Equal(t, buildstate.Completed, outcome.State, "error: %v", outcome.Err)
	require.Equal(t, "file", outcome.Outputs["media_method"])
	require.NotEmpty(t, outcome.Outputs["sha256"])

	imagePath, err := artifacts.PathFromURI(outcome.Outputs["image"])
	require.NoError(t, err)
	payload, err := os.ReadFile(imagePath)
	require.NoError(t, err)
	require.Equal(t, "disk", string(payload))

	require.True(t, fx.ops.called("create-bridge wb-4f1c2d3e"))
	require.True(t, fx.ops.called("delete-bridge wb-4f1c2d3e"))
	require.True(t, fx.ops.called("destroy-vm"))
	require.True(t, fx.ops.called("mount /dev/nbd9p3"))
	require.True(t, fx.ops.called("detach /dev/nbd9"))
	require.True(t, fx.ops.called("remove-disk"))

	_, err = os.Stat(filepath.Join(fx.params.WorkDir, fx.bctx.ID))
	require.ErrorIs(t, err, os.ErrNotExist, "build directory should be removed")
	_, err = os.Stat(filepath.Join(fx.params.WorkDir, LockFileName))
	require.ErrorIs(t, err, os.ErrNotExist, "build lock should be released")
	require.Zero(t, fx.bctx.Cleanup.Len())

	for _, msg := range fx.bctx.Messages.Since(0) {
		require.NotContains(t, msg.Text, "was not captured")
	}
}

func TestPipelineSkipsDriversWhenNoneConfigured(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, false)
	outcome := fx.worker.Run(context.Background(), fx.bctx)

	require.Equal(t, buildstate.Completed, outcome.State, "error: %v", outcome.Err)
	require.Zero(t, fx.ops.count("attach"))
	require.Zero(t, fx.ops.count("mount"))
}

func TestPipelineRetriesTransientDiskFailure(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, false)
	fx.ops.diskErrs = []error{errors.New("qemu-img: resource busy")}
	outcome := fx.worker.Run(context.Background(), fx.bctx)

	require.Equal(t, buildstate.Completed, outcome.State, "error: %v", outcome.Err)
	require.Equal(t, 2, fx.ops.count("create-disk"))
}

func TestPipelineFailureTearsDownEverything(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, false)
	fx.ops.waitErr = retry.Permanent(errors.New("install timed out"), "timeout")
	outcome := fx.worker.Run(context.Background(), fx.bctx)

	require.Equal(t, buildstate.Failed, outcome.State)
	require.Equal(t, StepInstallOS, outcome.FailedStep)
	require.Equal(t, 1, outcome.ExitCode())
	require.Empty(t, outcome.TeardownErrors)

	require.True(t, fx.ops.called("destroy-vm"))
	require.True(t, fx.ops.called("delete-bridge wb-4f1c2d3e"))
	require.True(t, fx.ops.called("remove-disk"))
	require.Zero(t, fx.ops.count("convert"))

	_, err := os.Stat(filepath.Join(fx.params.WorkDir, fx.bctx.ID))
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(filepath.Join(fx.params.WorkDir, LockFileName))
	require.ErrorIs(t, err, os.ErrNotExist)

	var accountWarned bool
	for _, msg := range fx.bctx.Messages.Since(0) {
		if msg.Level == messaging.LevelWarning && strings.Contains(msg.Text, "was not captured") {
			accountWarned = true
		}
	}
	require.True(t, accountWarned)

	images, err := fx.store.List()
	require.NoError(t, err)
	require.Empty(t, images)
}

func TestPipelineRefusesBusyWorkDirectory(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, false)
	require.NoError(t, os.MkdirAll(fx.params.WorkDir, 0o755))
	held, err := lock.Acquire(filepath.Join(fx.params.WorkDir, LockFileName))
	require.NoError(t, err)
	defer held.Release()

	outcome := fx.worker.Run(context.Background(), fx.bctx)
	require.Equal(t, buildstate.Failed, outcome.State)
	require.Equal(t, StepPrepareWorkspace, outcome.FailedStep)
	require.Zero(t, fx.ops.count("create-disk"))
}

func TestPipelineCancelBetweenSteps(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, false)
	steps := fx.worker.Steps
	// request cancellation from inside create-disk; it is honoured before
	// answer-media starts
	createDisk := steps[2].Run
	steps[2].Run = func(sc *build.StepContext) error {
		err := createDisk(sc)
		sc.Build.RequestCancel()
		return err
	}

	outcome := fx.worker.Run(context.Background(), fx.bctx)
	require.Equal(t, buildstate.Cancelled, outcome.State)
	require.Equal(t, 130, outcome.ExitCode())
	require.True(t, fx.ops.called("remove-disk"))
	require.Zero(t, fx.ops.count("create-bridge"))

	msgs := fx.bctx.Messages.Since(0)
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	require.Equal(t, "build cancelled before step "+StepAnswerMedia, last.Text)
}
