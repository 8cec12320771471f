package history

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutGetList(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	older := Record{ID: "a", Name: "ws2019", State: "Failed", FailedStep: "install-os", StartedAt: base, FinishedAt: base.Add(time.Hour)}
	newer := Record{ID: "b", Name: "ws2022", State: "Completed", Outputs: map[string]string{"image": "/images/b.qcow2"}, StartedAt: base.Add(2 * time.Hour), FinishedAt: base.Add(3 * time.Hour)}
	require.NoError(t, store.Put(older))
	require.NoError(t, store.Put(newer))

	got, err := store.Get("a")
	require.NoError(t, err)
	require.Equal(t, "install-os", got.FailedStep)
	require.Equal(t, time.Hour, got.Duration())

	records, err := store.List()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "b", records[0].ID)
	require.Equal(t, "/images/b.qcow2", records[0].Outputs["image"])

	require.NoError(t, store.Delete("a"))
	_, err = store.Get("a")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestPutRequiresID(t *testing.T) {
	t.Parallel()

	require.Error(t, openTestStore(t).Put(Record{}))
}

func TestOpenPersistentStore(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := Open(Config{Path: dir})
	require.NoError(t, err)
	require.NoError(t, store.Put(Record{ID: "x", State: "Cancelled"}))
	require.NoError(t, store.Close())

	reopened, err := Open(Config{Path: dir})
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get("x")
	require.NoError(t, err)
	require.Equal(t, "Cancelled", got.State)

	_, err = Open(Config{})
	require.Error(t, err)
}
