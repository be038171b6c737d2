package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkspaceSetup(t *testing.T) {
	root := t.TempDir()
	w, err := New(filepath.Join(root, "sync"), filepath.Join(root, "data"))
	require.NoError(t, err)

	require.NoError(t, w.Setup())
	t.Cleanup(func() { _ = w.Unlock() })

	assert.DirExists(t, w.SyncDir)
	assert.DirExists(t, w.TempDir)
	assert.DirExists(t, w.RecycleDir)
	assert.DirExists(t, w.LogsDir)
	assert.Equal(t, filepath.Join(root, "data", "ledger.db"), w.LedgerPath)
}

func TestWorkspaceLocking_SingleInstance(t *testing.T) {
	root := t.TempDir()
	w1, err := New(filepath.Join(root, "sync"), filepath.Join(root, "data"))
	require.NoError(t, err)
	w2, err := New(filepath.Join(root, "sync"), filepath.Join(root, "data"))
	require.NoError(t, err)

	require.NoError(t, w1.Lock())
	assert.ErrorIs(t, w2.Lock(), ErrWorkspaceLocked)

	require.NoError(t, w1.Unlock())
	_, err = os.Stat(filepath.Join(root, "data", "treesync.lock"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, w2.Lock())
	require.NoError(t, w2.Unlock())
	assert.NoError(t, w1.Unlock(), "unlocking an unlocked workspace is a no-op")
}

func TestClientIDIsStable(t *testing.T) {
	root := t.TempDir()
	w, err := New(filepath.Join(root, "sync"), filepath.Join(root, "data"))
	require.NoError(t, err)

	id, err := w.ClientID()
	require.NoError(t, err)
	assert.Len(t, id, 36)

	again, err := w.ClientID()
	require.NoError(t, err)
	assert.Equal(t, id, again)
}
