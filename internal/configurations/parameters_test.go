package configurations

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cochaviz/winbake/internal/retry"
	"github.com/stretchr/testify/require"
)

const sampleParameters = `
name: ws2022-base
edition: Windows Server 2022 SERVERDATACENTER
media:
  url: https://images.example.test/ws2022.iso
  sha256: 3f2a0c5b6d7e8f9011223344556677889900aabbccddeeff0011223344556677
drivers:
  url: gs://winbake-drivers/virtio.zip
  methods: [cloud, file]
disk:
  size_gb: 80
  output_format: vhdx
transfer:
  methods: [ranged, stream]
install_timeout: 90m
`

func writeParameters(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "params.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	params, err := Load(writeParameters(t, sampleParameters))
	require.NoError(t, err)
	require.NoError(t, params.Validate())

	require.Equal(t, "ws2022-base", params.Name)
	require.Equal(t, 80, params.Disk.SizeGB)
	require.Equal(t, "vhdx", params.Disk.OutputFormat)
	require.Equal(t, "qcow2", params.Disk.Format, "default kept")
	require.Equal(t, []string{"ranged", "stream"}, params.Transfer.Methods)
	require.Equal(t, []string{"cloud", "file"}, params.Drivers.Methods)
	require.Equal(t, 90*time.Minute, params.InstallTimeout)
	require.Equal(t, "qemu:///system", params.VM.ConnectionURI)
}

func TestLoadAppliesEnvironmentOverrides(t *testing.T) {
	t.Setenv("WINBAKE_WORK_DIR", "/srv/winbake/work")
	t.Setenv("WINBAKE_VM_MEMORY_MB", "8192")
	t.Setenv("WINBAKE_ACCOUNT_PASSWORD", "s3cret!")
	t.Setenv("WINBAKE_TRANSFER_METHODS", "stream,curl")

	params, err := Load(writeParameters(t, sampleParameters))
	require.NoError(t, err)
	require.Equal(t, "/srv/winbake/work", params.WorkDir)
	require.Equal(t, 8192, params.VM.MemoryMB)
	require.Equal(t, "s3cret!", params.Account.Password)
	require.Equal(t, []string{"stream", "curl"}, params.Transfer.Methods)
	require.Equal(t, "<redacted>", params.Redacted().Account.Password)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	_, err := Load(writeParameters(t, "name: x\ncolour: blue\n"))
	require.ErrorContains(t, err, "colour")
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "open parameters file")
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Parallel()

	params := Defaults()
	params.Name = "this-name-is-far-too-long"
	params.Disk.SizeGB = 4
	params.Transfer.Methods = []string{"ranged", "telepathy"}
	params.Account.Password = "hunter2"

	err := params.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{"media.url is required", "Parameters.Name", "Parameters.Disk.SizeGB", "Parameters.Transfer.Methods[1]", "Parameters.Edition"} {
		require.True(t, strings.Contains(msg, want), "missing %q in %s", want, msg)
	}
	require.NotContains(t, msg, "hunter2")
}

func TestRetryOptionsPolicy(t *testing.T) {
	t.Parallel()

	fixed := RetryOptions{Attempts: 4, Delay: time.Second, Backoff: "fixed"}.Policy("create disk")
	require.Equal(t, retry.Fixed, fixed.Backoff)
	require.Equal(t, 4, fixed.MaxAttempts)
	require.Equal(t, "create disk", fixed.Name)
	require.NoError(t, fixed.Validate())

	linear := Defaults().Retry.Policy("x")
	require.Equal(t, retry.Linear, linear.Backoff)
}
