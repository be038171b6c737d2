package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/treesync/internal/scheduler"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitCommand(t *testing.T) {
	dirs := testEnv(t)

	out, err := execute(t, newTestRoot(newInitCmd()), "init", "--bucket", "my-bucket", "--prefix", "users/alice", "--path-style")
	require.NoError(t, err)
	assert.Contains(t, out, "TreeSync initialized")
	assert.Contains(t, out, dirs.config)

	v := viper.New()
	v.SetConfigFile(dirs.config)
	require.NoError(t, v.ReadInConfig())
	assert.Equal(t, "my-bucket", v.GetString("remote.s3.bucket"))
	assert.Equal(t, "users/alice", v.GetString("remote.s3.prefix"))
	assert.True(t, v.GetBool("remote.s3.use_path_style"))
	assert.Equal(t, dirs.sync, v.GetString("sync_dir"))

	out, err = execute(t, newTestRoot(newInitCmd()), "init", "--bucket", "other")
	require.NoError(t, err)
	assert.Contains(t, out, "already initialized")

	_, err = execute(t, newTestRoot(newInitCmd()), "init", "--bucket", "other", "--force")
	require.NoError(t, err)
	require.NoError(t, v.ReadInConfig())
	assert.Equal(t, "other", v.GetString("remote.s3.bucket"))
}

func TestSyncOnceAndMaintenance(t *testing.T) {
	dirs := testEnv(t)
	require.NoError(t, os.MkdirAll(dirs.sync, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dirs.sync, "a.txt"), []byte("a"), 0o644))

	root := newTestRoot(newSyncCmd(), newCleanupCmd(), newResetCmd())

	out, err := execute(t, root, "sync", "--once")
	require.NoError(t, err)
	assert.Contains(t, out, "Sync complete")
	assert.FileExists(t, filepath.Join(dirs.data, "ledger.db"))
	assert.FileExists(t, filepath.Join(dirs.data, "logs", "treesync.log"))

	out, err = execute(t, root, "cleanup", "--older-than=-1h")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed")

	out, err = execute(t, root, "sync", "--once", "--from-scratch")
	require.NoError(t, err)
	assert.Contains(t, out, "Sync complete")
	assert.FileExists(t, filepath.Join(dirs.data, "ledger.db"))

	out, err = execute(t, root, "reset")
	require.NoError(t, err)
	assert.Contains(t, out, "Ledger reset")
	assert.NoFileExists(t, filepath.Join(dirs.data, "ledger.db"))
	backups, err := filepath.Glob(filepath.Join(dirs.data, "ledger.db.*.bak"))
	require.NoError(t, err)
	assert.NotEmpty(t, backups)
}

func TestConsoleObserver(t *testing.T) {
	var out bytes.Buffer
	o := newConsoleObserver(&out)

	o.OnChangePerformed(true, "created docs/a.txt", time.Now())
	o.OnChangePerformed(false, "uploaded docs/b.txt", time.Now())
	o.OnSyncError("item failed", &scheduler.ItemError{Path: "docs/c.txt", Err: errors.New("boom")})
	o.OnSyncError("session failed", errors.New("offline"))

	got := stripANSI(out.String())
	assert.Contains(t, got, "local")
	assert.Contains(t, got, "created docs/a.txt")
	assert.Contains(t, got, "remote")
	assert.Contains(t, got, "uploaded docs/b.txt")
	assert.Contains(t, got, "ERROR docs/c.txt: boom")
	assert.NotContains(t, got, "offline")
}

func TestRunSyncStopsWithContext(t *testing.T) {
	testEnv(t)
	cfg, err := loadConfig(newTestRoot())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, runSync(ctx, &out, cfg, syncOptions{}))
	assert.Contains(t, stripANSI(out.String()), "Syncing "+cfg.SyncDir)
	assert.NotContains(t, out.String(), "ERROR")
}

func TestPrintStatus(t *testing.T) {
	status := scheduler.NewStatus(nil, nil)
	status.SetError("b.txt", "local:2", errors.New("disk full"))
	status.SetError("a.txt", "local:1", errors.New("denied"))
	status.SetConflicted("c.txt")

	var out bytes.Buffer
	printStatus(&out, status)
	got := stripANSI(out.String())
	assert.Contains(t, got, "ERROR a.txt: denied\nERROR b.txt: disk full\n")
	assert.Contains(t, got, "kept for 1 conflicting paths")
}
