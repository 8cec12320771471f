package imaging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cochaviz/winbake/internal/artifacts"
	"github.com/cochaviz/winbake/internal/build"
	"github.com/cochaviz/winbake/internal/cleanup"
	"github.com/cochaviz/winbake/internal/lock"
	"github.com/cochaviz/winbake/internal/retry"
	"github.com/cochaviz/winbake/internal/transfer"
)

// Step names, in pipeline order.
const (
	StepPrepareWorkspace = "prepare-workspace"
	StepFetchMedia       = "fetch-media"
	StepCreateDisk       = "create-disk"
	StepAnswerMedia      = "answer-media"
	StepProvisionNetwork = "provision-network"
	StepProvisionVM      = "provision-vm"
	StepInstallOS        = "install-os"
	StepApplyDrivers     = "apply-drivers"
	StepCaptureImage     = "capture-image"
)

// LockFileName is created in the work directory while a build runs.
const LockFileName = ".winbake.lock"

const pollInterval = 10 * time.Second

// Pipeline returns the steps of a Windows image build. The steps share state,
// so every build needs its own list.
func Pipeline(ops Operations, store artifacts.Store) []build.Step {
	p := &pipeline{ops: ops, store: store}
	return []build.Step{
		{Name: StepPrepareWorkspace, Run: p.prepareWorkspace},
		{Name: StepFetchMedia, Run: p.fetchMedia},
		{Name: StepCreateDisk, Run: p.createDisk},
		{Name: StepAnswerMedia, Run: p.answerMedia},
		{Name: StepProvisionNetwork, Run: p.provisionNetwork},
		{Name: StepProvisionVM, Run: p.provisionVM},
		{Name: StepInstallOS, Run: p.installOS},
		{Name: StepApplyDrivers, Run: p.applyDrivers},
		{Name: StepCaptureImage, Run: p.captureImage},
	}
}

type pipeline struct {
	ops   Operations
	store artifacts.Store

	lock      cleanup.Handle
	workspace cleanup.Handle
	media     cleanup.Handle
	answer    cleanup.Handle
	account   cleanup.Handle
	bridge    cleanup.Handle
	vm        cleanup.Handle
	disk      cleanup.Handle
}

type layout struct {
	dir     string
	media   string
	drivers string
	disk    string
	answer  string
	staging string
	mount   string
	output  string
}

func layoutFor(sc *build.StepContext) layout {
	params := sc.Parameters()
	dir := filepath.Join(params.WorkDir, sc.Build.ID)
	return layout{
		dir:     dir,
		media:   filepath.Join(dir, "media", "install.iso"),
		drivers: filepath.Join(dir, "media", "drivers.zip"),
		disk:    filepath.Join(dir, "disk."+params.Disk.Format),
		answer:  filepath.Join(dir, "answer.iso"),
		staging: filepath.Join(dir, "answer"),
		mount:   filepath.Join(dir, "mnt"),
		output:  filepath.Join(dir, params.Name+"."+params.Disk.OutputFormat),
	}
}

func vmName(sc *build.StepContext) string {
	return "winbake-" + sc.Parameters().Name + "-" + sc.Build.ShortID()
}

func (p *pipeline) prepareWorkspace(sc *build.StepContext) error {
	params := sc.Parameters()
	paths := layoutFor(sc)

	if err := os.MkdirAll(params.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create work directory: %w", err)
	}

	var held *lock.FileLock
	handle, err := sc.Acquire("acquire build lock", cleanup.Lock, retry.Once(""), func(context.Context, int) error {
		l, err := lock.Acquire(filepath.Join(params.WorkDir, LockFileName))
		if err != nil {
			if errors.Is(err, lock.ErrLocked) {
				return retry.Permanent(err, "work directory busy")
			}
			return err
		}
		held = l
		return nil
	}, func(context.Context) error {
		return held.Release()
	})
	if err != nil {
		return err
	}
	p.lock = handle

	if err := os.MkdirAll(paths.dir, 0o755); err != nil {
		return fmt.Errorf("create build directory: %w", err)
	}
	p.workspace = sc.Register("remove build directory", cleanup.TemporaryFile, func(context.Context) error {
		return os.RemoveAll(paths.dir)
	})

	if err := sc.Do("clean stale storage pool", sc.Policy(""), func(ctx context.Context, _ int) error {
		return p.ops.CleanupStoragePool(ctx, paths.dir)
	}); err != nil {
		return err
	}
	sc.Info("workspace ready", "path", paths.dir)
	return nil
}

func (p *pipeline) fetchMedia(sc *build.StepContext) error {
	params := sc.Parameters()
	paths := layoutFor(sc)

	report, err := sc.Fetch(params.Media.URL, paths.media, params.Media.Methods, transfer.WithSHA256(params.Media.SHA256))
	if err != nil {
		return fmt.Errorf("fetch install media: %w", err)
	}
	p.media = sc.Register("remove install media", cleanup.TemporaryFile, removeFile(paths.media))
	sc.SetOutput("media_method", report.Method)

	if params.Drivers.URL == "" {
		return nil
	}
	if _, err := sc.Fetch(params.Drivers.URL, paths.drivers, params.Drivers.Methods, transfer.WithSHA256(params.Drivers.SHA256)); err != nil {
		return fmt.Errorf("fetch driver pack: %w", err)
	}
	sc.Register("remove driver pack", cleanup.TemporaryFile, removeFile(paths.drivers))
	return nil
}

func (p *pipeline) createDisk(sc *build.StepContext) error {
	params := sc.Parameters()
	paths := layoutFor(sc)

	handle, err := sc.Acquire("create disk", cleanup.VirtualDisk, sc.Policy(""), func(ctx context.Context, _ int) error {
		return p.ops.CreateDisk(ctx, paths.disk, params.Disk.Format, params.Disk.SizeGB)
	}, func(ctx context.Context) error {
		return p.ops.RemoveDisk(ctx, paths.disk)
	})
	if err != nil {
		return err
	}
	p.disk = handle
	sc.Info("disk created", "path", paths.disk, "size_gb", params.Disk.SizeGB)
	return nil
}

func (p *pipeline) answerMedia(sc *build.StepContext) error {
	params := sc.Parameters()
	paths := layoutFor(sc)

	password := params.Account.Password
	if password == "" {
		generated, err := GeneratePassword(20)
		if err != nil {
			return err
		}
		password = generated
	}

	answer := Answer{
		ComputerName:    params.Name,
		Edition:         params.Edition,
		ProductKey:      params.ProductKey,
		Locale:          params.Locale,
		Username:        params.Account.Username,
		Password:        password,
		SystemPartition: params.Disk.SystemPartition,
	}
	if err := WriteAnswerMedia(answer, paths.staging, paths.answer); err != nil {
		_ = os.RemoveAll(paths.staging)
		return err
	}
	// the rendered file holds the password in clear text
	if err := os.RemoveAll(paths.staging); err != nil {
		sc.Logger().Warn("failed to remove answer staging directory", "error", err)
	}
	p.answer = sc.Register("remove answer media", cleanup.TemporaryFile, removeFile(paths.answer))

	username := params.Account.Username
	p.account = sc.Register("discard build account "+username, cleanup.TemporaryAccount, func(context.Context) error {
		sc.Warn("image with build account "+username+" was not captured and will not be published", "account", username)
		return nil
	})
	sc.Info("answer media written", "path", paths.answer, "account", username)
	return nil
}

func (p *pipeline) provisionNetwork(sc *build.StepContext) error {
	params := sc.Parameters()
	name := BridgeName(params.VM.Bridge, sc.Build.ShortID())

	handle, err := sc.Acquire("create bridge "+name, cleanup.Network, sc.Policy(""), func(ctx context.Context, _ int) error {
		return p.ops.CreateBridge(ctx, name, params.VM.NetworkCIDR)
	}, func(ctx context.Context) error {
		return p.ops.DeleteBridge(ctx, name)
	})
	if err != nil {
		return err
	}
	p.bridge = handle
	sc.Info("bridge ready", "bridge", name)
	return nil
}

func (p *pipeline) provisionVM(sc *build.StepContext) error {
	params := sc.Parameters()
	paths := layoutFor(sc)
	spec := VMSpec{
		Name:         vmName(sc),
		MemoryMB:     params.VM.MemoryMB,
		VCPUs:        params.VM.VCPUs,
		DiskPath:     paths.disk,
		DiskFormat:   params.Disk.Format,
		InstallMedia: paths.media,
		AnswerMedia:  paths.answer,
		Bridge:       BridgeName(params.VM.Bridge, sc.Build.ShortID()),
		TPM:          params.VM.TPM,
	}

	handle, err := sc.Acquire("start vm "+spec.Name, cleanup.VirtualMachine, sc.Policy(""), func(ctx context.Context, _ int) error {
		return p.ops.DefineAndStart(ctx, spec)
	}, func(ctx context.Context) error {
		return p.ops.Destroy(ctx, spec.Name)
	})
	if err != nil {
		return err
	}
	p.vm = handle
	sc.Info("vm started", "vm", spec.Name)
	return nil
}

func (p *pipeline) installOS(sc *build.StepContext) error {
	params := sc.Parameters()
	name := vmName(sc)

	sc.Progress("waiting for unattended install to finish", "vm", name, "timeout", params.InstallTimeout.String())
	if err := sc.Do("wait for install", retry.Once(""), func(ctx context.Context, _ int) error {
		return p.ops.WaitForShutdown(ctx, name, pollInterval, params.InstallTimeout)
	}); err != nil {
		return err
	}

	// the guest is off; everything that only served the install goes now
	for _, h := range []cleanup.Handle{p.vm, p.bridge, p.answer, p.media} {
		if err := sc.Release(h); err != nil {
			sc.Warn("release after install failed", "error", err)
		}
	}
	sc.Info("install finished", "vm", name)
	return nil
}

func (p *pipeline) applyDrivers(sc *build.StepContext) error {
	params := sc.Parameters()
	paths := layoutFor(sc)
	if params.Drivers.URL == "" {
		sc.Info("no driver pack configured")
		return nil
	}

	var device string
	attached, err := sc.Acquire("attach disk", cleanup.AttachedDisk, sc.Policy(""), func(ctx context.Context, _ int) error {
		dev, err := p.ops.AttachDisk(ctx, paths.disk, params.Disk.Format)
		device = dev
		return err
	}, func(ctx context.Context) error {
		return p.ops.DetachDisk(ctx, device)
	})
	if err != nil {
		return err
	}

	partition := PartitionDevice(device, params.Disk.SystemPartition)
	mounted, err := sc.Acquire("mount "+partition, cleanup.MountedVolume, sc.Policy(""), func(ctx context.Context, _ int) error {
		return p.ops.MountVolume(ctx, partition, paths.mount, params.Disk.Filesystem)
	}, func(ctx context.Context) error {
		return p.ops.UnmountVolume(ctx, paths.mount)
	})
	if err != nil {
		return err
	}

	count, err := ApplyDrivers(paths.drivers, paths.mount)
	if err != nil {
		return fmt.Errorf("apply drivers: %w", err)
	}
	sc.Info(fmt.Sprintf("copied %d driver file(s)", count), "files", count, "path", GuestDriverPath)

	if err := sc.Release(mounted); err != nil {
		return fmt.Errorf("unmount volume: %w", err)
	}
	if err := sc.Release(attached); err != nil {
		return fmt.Errorf("detach disk: %w", err)
	}
	return nil
}

func (p *pipeline) captureImage(sc *build.StepContext) error {
	params := sc.Parameters()
	paths := layoutFor(sc)

	if err := sc.Do("convert image", sc.Policy(""), func(ctx context.Context, _ int) error {
		return p.ops.ConvertImage(ctx, paths.disk, paths.output, params.Disk.OutputFormat)
	}); err != nil {
		return err
	}

	artifact, err := p.store.StoreArtifact(paths.output, artifacts.ImageArtifact, map[string]any{
		"build_id": sc.Build.ID,
		"name":     params.Name,
		"edition":  params.Edition,
		"format":   params.Disk.OutputFormat,
	})
	if err != nil {
		return fmt.Errorf("publish image: %w", err)
	}
	sc.SetOutput("image", artifact.URI)
	if artifact.Checksum != nil {
		sc.SetOutput("sha256", *artifact.Checksum)
	}
	sc.Info("image published", "uri", artifact.URI, "size", artifact.Size)

	// captured: the account no longer blocks publishing and the scratch
	// space can go
	sc.Build.Cleanup.Unregister(p.account)
	for _, h := range []cleanup.Handle{p.disk, p.workspace, p.lock} {
		if err := sc.Release(h); err != nil {
			sc.Warn("release after capture failed", "error", err)
		}
	}
	return nil
}

func removeFile(path string) func(context.Context) error {
	return func(context.Context) error {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
}
