package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/treesync/internal/config"
	"github.com/openmined/treesync/internal/remotetree/memtransport"
	"github.com/openmined/treesync/internal/scheduler"
	"github.com/openmined/treesync/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.SyncDir = filepath.Join(dir, "sync")
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Remote.Backend = config.BackendMem
	cfg.Sync.Debounce = 50 * time.Millisecond
	return cfg
}

func openEngine(t *testing.T, cfg *config.Config, mt *memtransport.Transport) *Engine {
	t.Helper()
	e, err := New(cfg, WithTransport(mt), WithObserver(scheduler.NopObserver{}))
	require.NoError(t, err)
	require.NoError(t, e.Open(context.Background()))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func writeFile(t *testing.T, root, rel, data string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
}

func TestSyncOnceBothWays(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	mt := memtransport.New()
	e := openEngine(t, cfg, mt)

	writeFile(t, cfg.SyncDir, "docs/a.txt", "hello")
	sum, err := e.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Failed)

	data, ok := mt.Content("TreeSync/docs/a.txt")
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))

	mt.PutFile("TreeSync/docs/b.txt", []byte("remote"))
	require.NoError(t, e.cache.Refresh(ctx))
	_, err = e.SyncOnce(ctx)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(cfg.SyncDir, "docs", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "remote", string(got))
}

func TestIgnoredFilesStayLocal(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	mt := memtransport.New()
	e := openEngine(t, cfg, mt)

	writeFile(t, cfg.SyncDir, ".hidden", "x")
	writeFile(t, cfg.SyncDir, "notes.tmp", "x")
	writeFile(t, cfg.SyncDir, "keep.txt", "x")
	_, err := e.SyncOnce(ctx)
	require.NoError(t, err)

	_, ok := mt.Resolve("TreeSync/keep.txt")
	assert.True(t, ok)
	_, ok = mt.Resolve("TreeSync/.hidden")
	assert.False(t, ok)
	_, ok = mt.Resolve("TreeSync/notes.tmp")
	assert.False(t, ok)
}

func TestOpenLocksWorkspace(t *testing.T) {
	cfg := testConfig(t)
	openEngine(t, cfg, memtransport.New())

	second, err := New(cfg, WithTransport(memtransport.New()))
	require.NoError(t, err)
	assert.ErrorIs(t, second.Open(context.Background()), workspace.ErrWorkspaceLocked)
}

func TestNotOpen(t *testing.T) {
	e, err := New(testConfig(t))
	require.NoError(t, err)

	_, err = e.SyncOnce(context.Background())
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.ErrorIs(t, e.StartSyncing(context.Background(), false), ErrNotOpen)
	assert.NoError(t, e.Close())
}

func TestCleanupTombstones(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	mt := memtransport.New()
	e := openEngine(t, cfg, mt)

	writeFile(t, cfg.SyncDir, "a.txt", "a")
	_, err := e.SyncOnce(ctx)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(cfg.SyncDir, "a.txt")))
	_, err = e.SyncOnce(ctx)
	require.NoError(t, err)
	_, ok := mt.Resolve("TreeSync/a.txt")
	require.False(t, ok)

	n, err := e.CleanupTombstones(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	// a negative retention puts the cutoff in the future
	n, err = e.CleanupTombstones(ctx, -time.Hour)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
}

func TestResetLedger(t *testing.T) {
	cfg := testConfig(t)
	e := openEngine(t, cfg, memtransport.New())
	_, err := e.SyncOnce(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, ResetLedger(cfg), workspace.ErrWorkspaceLocked)
	require.NoError(t, e.Close())

	require.NoError(t, ResetLedger(cfg))
	assert.NoFileExists(t, filepath.Join(cfg.DataDir, "ledger.db"))
	backups, err := filepath.Glob(filepath.Join(cfg.DataDir, "ledger.db.*.bak"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestStartSyncingPicksUpLocalChanges(t *testing.T) {
	cfg := testConfig(t)
	mt := memtransport.New()
	e := openEngine(t, cfg, mt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.StartSyncing(ctx, false))
	assert.ErrorIs(t, e.StartSyncing(ctx, false), scheduler.ErrSyncAlreadyRunning)

	writeFile(t, cfg.SyncDir, "live.txt", "watched")
	assert.Eventually(t, func() bool {
		data, ok := mt.Content("TreeSync/live.txt")
		return ok && string(data) == "watched"
	}, 10*time.Second, 50*time.Millisecond)

	require.NoError(t, e.Close())
}
