package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	_, err := ResolvePath("")
	assert.Error(t, err)

	got, err := ResolvePath("./a/../b")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got))
	assert.Equal(t, "b", filepath.Base(got))

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	got, err = ResolvePath("~/TreeSync")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "TreeSync"), got)
}

func TestIsSubPath(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "home", "alice", "TreeSync")

	assert.True(t, IsSubPath(root, root))
	assert.True(t, IsSubPath(root, filepath.Join(root, "docs", "a.txt")))
	assert.False(t, IsSubPath(root, filepath.Dir(root)))
	assert.False(t, IsSubPath(root, root+"-other"))
	assert.False(t, IsSubPath(root, filepath.Join(root, "..", "other")))
	// a name that merely starts with dots is still inside
	assert.True(t, IsSubPath(root, filepath.Join(root, "..hidden")))
}

func TestEnsureParentAndExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a", "b", "c.txt")

	require.NoError(t, EnsureParent(file))
	assert.True(t, DirExists(filepath.Dir(file)))
	assert.False(t, FileExists(file))

	require.NoError(t, os.WriteFile(file, []byte("hello"), 0o644))
	assert.True(t, FileExists(file))
	assert.False(t, DirExists(file))

	hash, err := FileHash(file)
	require.NoError(t, err)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", hash)
}
