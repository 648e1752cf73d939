package filesystem

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOS_Lifecycle(t *testing.T) {
	var fsys FileSystem = OS{}

	dir := filepath.Join(t.TempDir(), "nested", "downloads")
	path := filepath.Join(dir, "a.zip")

	exists, err := fsys.Exists(path)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, fsys.MkdirAll(dir))
	require.NoError(t, fsys.MkdirAll(dir), "existing directory is not an error")

	w, err := fsys.Create(path)
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	exists, err = fsys.Exists(path)
	require.NoError(t, err)
	assert.True(t, exists)

	w, err = fsys.Create(path)
	require.NoError(t, err)
	_, err = w.Write([]byte("new"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(content), "create truncates previous content")

	require.NoError(t, fsys.Remove(path))
	require.NoError(t, fsys.Remove(path), "missing file is not an error")

	exists, err = fsys.Exists(path)
	require.NoError(t, err)
	assert.False(t, exists)
}
