// Package libvirt runs the installer VM through libvirt.
package libvirt

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"text/template"
	"time"

	"github.com/cochaviz/winbake/internal/imaging"
	"github.com/cochaviz/winbake/internal/logging"
	"github.com/cochaviz/winbake/internal/retry"

	libvirt "libvirt.org/go/libvirt"
)

var _ imaging.Hypervisor = (*Driver)(nil)

//go:embed domain.xml
var defaultDomain string

var domainTemplate = template.Must(template.New("domain").Parse(defaultDomain))

// ErrInstallTimeout is returned when the guest does not power off in time.
var ErrInstallTimeout = errors.New("guest did not shut down before the install timeout")

// Driver talks to a libvirt daemon. Every call opens its own connection.
type Driver struct {
	ConnectionURI string
	Logger        *slog.Logger
}

func (d *Driver) logger() *slog.Logger {
	return logging.Ensure(d.Logger).With("component", "imaging.libvirt")
}

func (d *Driver) connect() (*libvirt.Connect, error) {
	if d.ConnectionURI == "" {
		return nil, errors.New("libvirt connection uri is not configured")
	}
	conn, err := libvirt.NewConnect(d.ConnectionURI)
	if err != nil {
		return nil, fmt.Errorf("open libvirt connection %s: %w", d.ConnectionURI, err)
	}
	return conn, nil
}

// DefineAndStart defines a persistent domain from spec and boots it.
func (d *Driver) DefineAndStart(_ context.Context, spec imaging.VMSpec) error {
	domainXML, err := renderDomainXML(spec)
	if err != nil {
		return retry.Permanent(err, "invalid domain definition")
	}

	conn, err := d.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	domain, err := conn.DomainDefineXML(string(domainXML))
	if err != nil {
		if isInLibvirtErrors(err, libvirt.ERR_XML_ERROR, libvirt.ERR_XML_DETAIL) {
			return retry.Permanent(fmt.Errorf("define domain %s: %w", spec.Name, err), "invalid domain definition")
		}
		return fmt.Errorf("define domain %s: %w", spec.Name, err)
	}
	defer domain.Free()

	if err := domain.Create(); err != nil {
		if isInLibvirtErrors(err, libvirt.ERR_OPERATION_INVALID) {
			if active, activeErr := domain.IsActive(); activeErr == nil && active {
				return nil
			}
		}
		return fmt.Errorf("start domain %s: %w", spec.Name, err)
	}
	d.logger().Info("domain started", "domain", spec.Name, "memory_mb", spec.MemoryMB, "vcpus", spec.VCPUs)
	return nil
}

// WaitForShutdown polls the domain state until it is shut off.
func (d *Driver) WaitForShutdown(ctx context.Context, name string, poll, timeout time.Duration) error {
	conn, err := d.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	domain, err := conn.LookupDomainByName(name)
	if err != nil {
		if isInLibvirtErrors(err, libvirt.ERR_NO_DOMAIN) {
			return retry.Permanent(fmt.Errorf("domain %s disappeared: %w", name, err), "domain missing")
		}
		return fmt.Errorf("lookup domain %s: %w", name, err)
	}
	defer domain.Free()

	return waitForShutoff(ctx, domain, poll, timeout, d.logger().With("domain", name))
}

// Destroy forcefully stops the domain and removes its definition and NVRAM.
func (d *Driver) Destroy(_ context.Context, name string) error {
	conn, err := d.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	domain, err := conn.LookupDomainByName(name)
	if err != nil {
		if isInLibvirtErrors(err, libvirt.ERR_NO_DOMAIN) {
			return nil
		}
		return fmt.Errorf("lookup domain %s: %w", name, err)
	}
	defer domain.Free()

	if active, err := domain.IsActive(); err == nil && active {
		if err := domain.Destroy(); err != nil && !isInLibvirtErrors(err, libvirt.ERR_OPERATION_INVALID, libvirt.ERR_NO_DOMAIN) {
			return fmt.Errorf("destroy domain %s: %w", name, err)
		}
	}
	if err := domain.UndefineFlags(libvirt.DOMAIN_UNDEFINE_NVRAM); err != nil {
		if isInLibvirtErrors(err, libvirt.ERR_NO_DOMAIN) {
			return nil
		}
		return fmt.Errorf("undefine domain %s: %w", name, err)
	}
	d.logger().Debug("domain removed", "domain", name)
	return nil
}

// CleanupStoragePool removes a pool libvirt created for targetPath, if any.
func (d *Driver) CleanupStoragePool(_ context.Context, targetPath string) error {
	conn, err := d.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	pool, err := conn.LookupStoragePoolByTargetPath(targetPath)
	if err != nil {
		if isInLibvirtErrors(err, libvirt.ERR_NO_STORAGE_POOL) {
			return nil
		}
		return err
	}
	defer pool.Free()

	active, err := pool.IsActive()
	if err == nil && active {
		if err := pool.Destroy(); err != nil {
			if !isInLibvirtErrors(err, libvirt.ERR_OPERATION_INVALID, libvirt.ERR_NO_STORAGE_POOL) {
				return err
			}
		}
	}

	if err := pool.Undefine(); err != nil {
		if isInLibvirtErrors(err, libvirt.ERR_NO_STORAGE_POOL) {
			return nil
		}
		return err
	}
	return nil
}

type stateReader interface {
	GetState() (libvirt.DomainState, int, error)
}

func waitForShutoff(ctx context.Context, domain stateReader, poll, timeout time.Duration, logger *slog.Logger) error {
	if poll <= 0 {
		poll = time.Second
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	last := libvirt.DomainState(-1)
	for {
		state, _, err := domain.GetState()
		if err != nil {
			return fmt.Errorf("read domain state: %w", err)
		}
		if state != last {
			logger.Debug("domain state", "state", stateName(state))
			last = state
		}
		switch state {
		case libvirt.DOMAIN_SHUTOFF:
			return nil
		case libvirt.DOMAIN_CRASHED:
			return retry.Permanent(errors.New("guest crashed during install"), "guest crashed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return retry.Permanent(fmt.Errorf("%w (%s)", ErrInstallTimeout, timeout), "install timeout")
		case <-ticker.C:
		}
	}
}

func stateName(state libvirt.DomainState) string {
	switch state {
	case libvirt.DOMAIN_RUNNING:
		return "running"
	case libvirt.DOMAIN_BLOCKED:
		return "blocked"
	case libvirt.DOMAIN_PAUSED:
		return "paused"
	case libvirt.DOMAIN_SHUTDOWN:
		return "shutting down"
	case libvirt.DOMAIN_SHUTOFF:
		return "shut off"
	case libvirt.DOMAIN_CRASHED:
		return "crashed"
	case libvirt.DOMAIN_PMSUSPENDED:
		return "suspended"
	default:
		return "unknown"
	}
}

func renderDomainXML(spec imaging.VMSpec) ([]byte, error) {
	if spec.Name == "" {
		return nil, errors.New("domain name is required")
	}
	if spec.DiskPath == "" || spec.InstallMedia == "" || spec.AnswerMedia == "" {
		return nil, errors.New("disk, install media and answer media paths are required")
	}
	if spec.MemoryMB <= 0 || spec.VCPUs <= 0 {
		return nil, errors.New("memory and vcpus must be positive")
	}
	if spec.DiskFormat == "" {
		spec.DiskFormat = "qcow2"
	}

	escaped := spec
	for _, field := range []*string{&escaped.Name, &escaped.DiskPath, &escaped.DiskFormat, &escaped.InstallMedia, &escaped.AnswerMedia, &escaped.Bridge} {
		var buf bytes.Buffer
		if err := xml.EscapeText(&buf, []byte(*field)); err != nil {
			return nil, err
		}
		*field = buf.String()
	}

	var buf bytes.Buffer
	if err := domainTemplate.Execute(&buf, escaped); err != nil {
		return nil, fmt.Errorf("execute domain template: %w", err)
	}
	return buf.Bytes(), nil
}

func isInLibvirtErrors(err error, codes ...libvirt.ErrorNumber) bool {
	if err == nil {
		return false
	}
	var libErr libvirt.Error
	if !errors.As(err, &libErr) {
		return false
	}
	return slices.Contains(codes, libErr.Code)
}
