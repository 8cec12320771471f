package imaging

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	file, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(file)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, file.Close())
}

func TestApplyDrivers(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive := filepath.Join(dir, "drivers.zip")
	writeZip(t, archive, map[string]string{
		"viostor/w11/amd64/viostor.inf": "storage",
		"netkvm/w11/amd64/netkvm.inf":   "network",
		"netkvm/":                       "",
	})
	root := filepath.Join(dir, "mnt")

	count, err := ApplyDrivers(archive, root)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	payload, err := os.ReadFile(filepath.Join(root, "Drivers", "winbake", "viostor", "w11", "amd64", "viostor.inf"))
	require.NoError(t, err)
	require.Equal(t, "storage", string(payload))
}

func TestApplyDriversRejectsEscapingEntries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	writeZip(t, archive, map[string]string{"../../Windows/System32/evil.dll": "x"})

	_, err := ApplyDrivers(archive, filepath.Join(dir, "mnt"))
	require.ErrorContains(t, err, "escapes target directory")
	_, statErr := os.Stat(filepath.Join(dir, "Windows"))
	require.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestApplyDriversMissingArchive(t *testing.T) {
	t.Parallel()

	_, err := ApplyDrivers(filepath.Join(t.TempDir(), "missing.zip"), t.TempDir())
	require.ErrorContains(t, err, "open driver archive")
}
