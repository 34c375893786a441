package images_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appshelf/appshelf/internal/images"
)

func TestNewRequiresBaseDir(t *testing.T) {
	t.Parallel()

	_, err := images.New("")
	assert.Error(t, err)

	store, err := images.New(t.TempDir())
	require.NoError(t, err)
	assert.NotNil(t, store)
}

func TestSaveWritesAndReturnsPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := images.New(dir)
	require.NoError(t, err)

	path, err := store.Save("A00001.png", []byte("png"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "A00001.png"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)
}

func TestSaveCreatesBaseDirLazily(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "previews")
	store, err := images.New(dir)
	require.NoError(t, err)

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "directory must not exist before Save")

	_, err = store.Save("B00001.png", []byte("png"))
	require.NoError(t, err)
	_, err = os.Stat(dir)
	assert.NoError(t, err)
}

func TestSaveRejectsEscapingNames(t *testing.T) {
	t.Parallel()

	store, err := images.New(t.TempDir())
	require.NoError(t, err)

	_, err = store.Save("../escape.png", []byte("png"))
	assert.Error(t, err)
	_, err = store.Save("", []byte("png"))
	assert.Error(t, err)
}

func TestMissing(t *testing.T) {
	t.Parallel()

	store, err := images.New(t.TempDir())
	require.NoError(t, err)
	path, err := store.Save("A00002.png", []byte("png"))
	require.NoError(t, err)

	assert.False(t, images.Missing(path))
	assert.False(t, images.Missing(""), "no reference is not a stale reference")
	assert.True(t, images.Missing(filepath.Join(store.BaseDir(), "gone.png")))
}
