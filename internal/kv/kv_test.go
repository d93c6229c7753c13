package kv

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openAll(t *testing.T) map[string]Storage {
	t.Helper()
	dir := t.TempDir()

	pebbleStore, err := Open(DriverPebble, filepath.Join(dir, "pebble"))
	require.NoError(t, err)
	sqliteStore, err := Open(DriverSQLite, filepath.Join(dir, "cache.db"))
	require.NoError(t, err)

	stores := map[string]Storage{
		DriverMemory: NewMemory(),
		DriverPebble: pebbleStore,
		DriverSQLite: sqliteStore,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestStorageContract(t *testing.T) {
	for name, store := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get("missing")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Set("elucide_chat_thread_b", []byte(`{"b":1}`)))
			require.NoError(t, store.Set("elucide_chat_thread_a", []byte(`{"a":1}`)))
			require.NoError(t, store.Set("other_key", []byte("x")))

			got, err := store.Get("elucide_chat_thread_a")
			require.NoError(t, err)
			require.Equal(t, `{"a":1}`, string(got))

			require.NoError(t, store.Set("elucide_chat_thread_a", []byte(`{"a":2}`)))
			got, err = store.Get("elucide_chat_thread_a")
			require.NoError(t, err)
			require.Equal(t, `{"a":2}`, string(got))

			keys, err := store.Keys("elucide_chat_")
			require.NoError(t, err)
			require.Equal(t, []string{"elucide_chat_thread_a", "elucide_chat_thread_b"}, keys)

			require.NoError(t, store.Delete("elucide_chat_thread_a"))
			require.NoError(t, store.Delete("never_written"))
			_, err = store.Get("elucide_chat_thread_a")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestPebbleSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pebble")

	store, err := OpenPebble(path)
	require.NoError(t, err)
	require.NoError(t, store.Set("k", []byte("v")))
	require.NoError(t, store.Close())

	reopened, err := OpenPebble(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get("k")
	require.NoError(t, err)
	require.Equal(t, "v", string(got))
}

func TestOpenRejectsUnknownDriverAndMissingPath(t *testing.T) {
	t.Parallel()

	_, err := Open("redis", "x")
	require.ErrorIs(t, err, ErrUnknownDriver)

	_, err = Open(DriverSQLite, " ")
	require.ErrorIs(t, err, ErrPathRequired)
}
