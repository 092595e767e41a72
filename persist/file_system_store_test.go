package persist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileSystemStore {
	t.Helper()
	store, err := NewFileSystemStore(filepath.Join(t.TempDir(), "checkpoints"))
	require.NoError(t, err)
	return store
}

func TestFileSystemStoreSaveLoad(t *testing.T) {
	store := newTestStore(t)
	data := []byte(`{"operation_id":"op1","phase":"INITIALIZATION"}`)

	require.NoError(t, store.Save("op1", data))

	loaded, err := store.Load("op1")
	require.NoError(t, err)
	assert.Equal(t, data, loaded)

	// save replaces
	updated := []byte(`{"operation_id":"op1","phase":"CLEANUP"}`)
	require.NoError(t, store.Save("op1", updated))
	loaded, err = store.Load("op1")
	require.NoError(t, err)
	assert.Equal(t, updated, loaded)
}

func TestFileSystemStoreLoadMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Load("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileSystemStoreList(t *testing.T) {
	store := newTestStore(t)

	ids, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, store.Save("op-b", []byte("{}")))
	require.NoError(t, store.Save("op-a", []byte("{}")))
	require.NoError(t, store.Save("op-c", []byte("{}")))

	ids, err = store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"op-a", "op-b", "op-c"}, ids, "Ids should be sorted")
}

func TestFileSystemStoreListIgnoresForeignFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")
	store, err := NewFileSystemStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Save("op1", []byte("{}")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	ids, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"op1"}, ids)
}

func TestFileSystemStoreDelete(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save("op1", []byte("{}")))

	deleted, err := store.Delete("op1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.Delete("op1")
	require.NoError(t, err)
	assert.False(t, deleted, "Deleting an absent checkpoint should not error")

	_, err = store.Load("op1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileSystemStoreRejectsEmptyData(t *testing.T) {
	store := newTestStore(t)
	assert.Error(t, store.Save("op1", nil))
}

func TestOperationIDValidation(t *testing.T) {
	store := newTestStore(t)

	invalid := []string{
		"",
		"../escape",
		"a/b",
		"a\\b",
		"has space",
		strings.Repeat("a", 101),
	}
	for _, id := range invalid {
		assert.Error(t, store.Save(id, []byte("{}")), "id %q should be rejected", id)
		_, err := store.Load(id)
		assert.Error(t, err, "id %q should be rejected", id)
	}
}

func TestFileSystemStorePing(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.Ping())
	assert.Equal(t, string(StoreTypeFileSystem), store.GetType())
}

func TestNewStoreFactory(t *testing.T) {
	t.Run("FileSystem", func(t *testing.T) {
		store, err := NewStore(StoreConfig{
			Type:   StoreTypeFileSystem,
			Config: map[string]interface{}{"base_path": filepath.Join(t.TempDir(), "cp")},
		})
		require.NoError(t, err)
		assert.Equal(t, string(StoreTypeFileSystem), store.GetType())
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := NewStore(StoreConfig{Type: "redis"})
		assert.Error(t, err)
	})
}
