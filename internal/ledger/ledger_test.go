package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/treesync/internal/replica"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func openLedger(t *testing.T, name string) (*Store, *Ledger) {
	t.Helper()
	s := openStore(t)
	l, err := s.Replica(context.Background(), name)
	require.NoError(t, err)
	return s, l
}

func TestKnowledgeContains(t *testing.T) {
	k := Knowledge{Replica: "a", Tick: 5, Seen: map[string]int64{"b": 3}}

	assert.True(t, k.Contains(Version{Replica: "a", Tick: 5}))
	assert.False(t, k.Contains(Version{Replica: "a", Tick: 6}))
	assert.True(t, k.Contains(Version{Replica: "b", Tick: 3}))
	assert.False(t, k.Contains(Version{Replica: "b", Tick: 4}))
	assert.False(t, k.Contains(Version{Replica: "c", Tick: 1}))
}

func TestReplicaKeysAreStable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	s := NewStore(path)
	require.NoError(t, s.Open(ctx))
	local, err := s.Replica(ctx, "local")
	require.NoError(t, err)
	remote, err := s.Replica(ctx, "remote")
	require.NoError(t, err)
	assert.NotEqual(t, local.Key(), remote.Key())
	key := local.Key()
	require.NoError(t, s.Close())

	s = NewStore(path)
	require.NoError(t, s.Open(ctx))
	defer s.Close()
	again, err := s.Replica(ctx, "local")
	require.NoError(t, err)
	assert.Equal(t, key, again.Key())
}

func TestGetNextTickIsPersisted(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	s := NewStore(path)
	require.NoError(t, s.Open(ctx))
	l, err := s.Replica(ctx, "local")
	require.NoError(t, err)
	for want := int64(1); want <= 3; want++ {
		tick, err := l.GetNextTick(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, tick)
	}
	require.NoError(t, s.Close())

	s = NewStore(path)
	require.NoError(t, s.Open(ctx))
	defer s.Close()
	l, err = s.Replica(ctx, "local")
	require.NoError(t, err)
	tick, err := l.GetNextTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), tick)
}

func TestSaveAndFind(t *testing.T) {
	ctx := context.Background()
	_, l := openLedger(t, "local")

	e, err := l.CreateEntry(ctx, "", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, e.ItemID)
	assert.Equal(t, e.Creation, e.Change)
	assert.Equal(t, l.Key(), e.Creation.Replica)

	mod := time.Date(2025, 3, 1, 10, 0, 0, 123456789, time.UTC)
	require.NoError(t, l.SaveWithAttrs(ctx, e, replica.SyncedNodeAttributes{
		NodeID:      "n1",
		Path:        "a/b.txt",
		Fingerprint: replica.Fingerprint{Size: 10, ModTime: mod, ETag: "abc"},
	}))

	byID, err := l.FindByID(ctx, e.ItemID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "a/b.txt", byID.Path)
	assert.True(t, mod.Equal(byID.ModTime))
	assert.Equal(t, "abc", byID.ETag)

	byNode, err := l.FindByNodeID(ctx, "n1")
	require.NoError(t, err)
	require.NotNil(t, byNode)
	assert.Equal(t, e.ItemID, byNode.ItemID)

	byPath, err := l.FindByPath(ctx, "a/b.txt")
	require.NoError(t, err)
	require.NotNil(t, byPath)

	missing, err := l.FindByPath(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestTombstonesAreHiddenFromPathLookups(t *testing.T) {
	ctx := context.Background()
	s, l := openLedger(t, "local")

	e, err := l.CreateEntry(ctx, "", nil)
	require.NoError(t, err)
	e.Path, e.NodeID = "gone.txt", "n1"
	require.NoError(t, l.Save(ctx, e))

	v, err := l.NextVersion(ctx)
	require.NoError(t, err)
	require.NoError(t, l.MarkDeleted(ctx, e, v))

	byPath, err := l.FindByPath(ctx, "gone.txt")
	require.NoError(t, err)
	assert.Nil(t, byPath)

	byID, err := l.FindByID(ctx, e.ItemID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.True(t, byID.Tombstone)
	assert.Equal(t, v, byID.Change)

	// young tombstones survive the sweep
	n, err := s.CleanupTombstones(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	time.Sleep(5 * time.Millisecond)
	n, err = s.CleanupTombstones(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	byID, err = l.FindByID(ctx, e.ItemID)
	require.NoError(t, err)
	assert.Nil(t, byID)
}

func TestWatermarksNeverMoveBack(t *testing.T) {
	ctx := context.Background()
	_, l := openLedger(t, "remote")

	require.NoError(t, l.SetWatermark(ctx, "other", 7))
	require.NoError(t, l.SetWatermark(ctx, "other", 3))

	k, err := l.Knowledge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), k.Seen["other"])
	assert.Equal(t, l.Key(), k.Replica)
}

func TestChangesSince(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	local, err := s.Replica(ctx, "local")
	require.NoError(t, err)
	remote, err := s.Replica(ctx, "remote")
	require.NoError(t, err)

	for _, p := range []string{"a.txt", "b.txt"} {
		e, err := local.CreateEntry(ctx, "", nil)
		require.NoError(t, err)
		e.Path = p
		require.NoError(t, local.Save(ctx, e))
	}

	k, err := remote.Knowledge(ctx)
	require.NoError(t, err)
	changes, err := local.ChangesSince(ctx, k)
	require.NoError(t, err)
	assert.Len(t, changes, 2)

	require.NoError(t, remote.SetWatermark(ctx, local.Key(), 1))
	k, err = remote.Knowledge(ctx)
	require.NoError(t, err)
	changes, err = local.ChangesSince(ctx, k)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "b.txt", changes[0].Path)
}

func TestLiveUnder(t *testing.T) {
	ctx := context.Background()
	_, l := openLedger(t, "local")

	for _, p := range []string{"a", "a/x.txt", "a/b/y.txt", "ab.txt"} {
		e, err := l.CreateEntry(ctx, "", nil)
		require.NoError(t, err)
		e.Path = p
		require.NoError(t, l.Save(ctx, e))
	}

	under, err := l.LiveUnder(ctx, "a")
	require.NoError(t, err)
	var paths []string
	for _, e := range under {
		paths = append(paths, e.Path)
	}
	assert.Equal(t, []string{"a/b/y.txt", "a/x.txt"}, paths)
}

func TestTransactionRollback(t *testing.T) {
	ctx := context.Background()
	s, l := openLedger(t, "local")

	require.NoError(t, s.BeginTransaction(ctx))
	assert.ErrorIs(t, s.BeginTransaction(ctx), ErrTxActive)

	e, err := l.CreateEntry(ctx, "", nil)
	require.NoError(t, err)
	e.Path = "tx.txt"
	require.NoError(t, l.Save(ctx, e))

	// visible inside the transaction
	found, err := l.FindByPath(ctx, "tx.txt")
	require.NoError(t, err)
	require.NotNil(t, found)

	require.NoError(t, s.RollbackTransaction())

	found, err = l.FindByPath(ctx, "tx.txt")
	require.NoError(t, err)
	assert.Nil(t, found)
	tick, err := l.CurrentTick(ctx)
	require.NoError(t, err)
	assert.Zero(t, tick)

	assert.ErrorIs(t, s.CommitTransaction(), ErrNoTx)
}

func TestResetIssuesNewKeys(t *testing.T) {
	ctx := context.Background()
	s, l := openLedger(t, "local")
	old := l.Key()

	e, err := l.CreateEntry(ctx, "", nil)
	require.NoError(t, err)
	require.NoError(t, l.Save(ctx, e))

	require.NoError(t, s.Reset(ctx))
	assert.NotEqual(t, old, l.Key())

	entries, err := l.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDestroyMovesFileAside(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")
	s := NewStore(path)
	require.NoError(t, s.Open(ctx))

	require.NoError(t, s.Destroy())
	assert.NoFileExists(t, path)

	backups, err := filepath.Glob(path + ".*.bak")
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	// a fresh ledger can be opened in its place
	require.NoError(t, s.Open(ctx))
	require.NoError(t, s.Close())
}
