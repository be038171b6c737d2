package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/openmined/treesync/internal/replica"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func file(id, p string, size int64) replica.Item {
	return replica.Item{NodeID: id, Path: p, Fingerprint: replica.Fingerprint{Size: size, ModTime: t0}}
}

func dir(id, p string) replica.Item {
	return replica.Item{NodeID: id, Path: p, IsDir: true}
}

func TestReconcileCreatesEntries(t *testing.T) {
	ctx := context.Background()
	_, l := openLedger(t, "local")

	stats, err := l.Reconcile(ctx, []replica.Item{dir("d1", "a"), file("f1", "a/b.txt", 10)})
	require.NoError(t, err)
	assert.Equal(t, ReconcileStats{Created: 2}, stats)

	a, err := l.FindByPath(ctx, "a")
	require.NoError(t, err)
	b, err := l.FindByPath(ctx, "a/b.txt")
	require.NoError(t, err)
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.True(t, a.IsDir)
	// one version per pass
	assert.Equal(t, a.Change, b.Change)

	tick, err := l.CurrentTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), tick)
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	_, l := openLedger(t, "local")
	items := []replica.Item{dir("d1", "a"), file("f1", "a/b.txt", 10)}

	_, err := l.Reconcile(ctx, items)
	require.NoError(t, err)
	stats, err := l.Reconcile(ctx, items)
	require.NoError(t, err)
	assert.False(t, stats.Changed())

	tick, err := l.CurrentTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), tick)
}

func TestReconcileFileMoveKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	_, l := openLedger(t, "local")

	_, err := l.Reconcile(ctx, []replica.Item{file("f1", "x.txt", 3)})
	require.NoError(t, err)
	before, err := l.FindByNodeID(ctx, "f1")
	require.NoError(t, err)

	stats, err := l.Reconcile(ctx, []replica.Item{file("f1", "y.txt", 3)})
	require.NoError(t, err)
	assert.Equal(t, ReconcileStats{Updated: 1}, stats)

	after, err := l.FindByPath(ctx, "y.txt")
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, before.ItemID, after.ItemID)
	assert.Greater(t, after.Change.Tick, before.Change.Tick)
}

func TestReconcileMoveWithNewFileAtOldPath(t *testing.T) {
	ctx := context.Background()
	_, l := openLedger(t, "local")

	_, err := l.Reconcile(ctx, []replica.Item{file("f1", "a.txt", 3)})
	require.NoError(t, err)
	before, err := l.FindByNodeID(ctx, "f1")
	require.NoError(t, err)

	// a.txt was renamed to b.txt and a new a.txt written
	stats, err := l.Reconcile(ctx, []replica.Item{file("f2", "a.txt", 5), file("f1", "b.txt", 3)})
	require.NoError(t, err)
	assert.Equal(t, ReconcileStats{Created: 1, Updated: 1}, stats)

	moved, err := l.FindByNodeID(ctx, "f1")
	require.NoError(t, err)
	require.NotNil(t, moved)
	assert.Equal(t, before.ItemID, moved.ItemID)
	assert.Equal(t, "b.txt", moved.Path)

	fresh, err := l.FindByPath(ctx, "a.txt")
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.NotEqual(t, before.ItemID, fresh.ItemID)
	assert.Equal(t, "f2", fresh.NodeID)
}

func TestReconcileContentChange(t *testing.T) {
	ctx := context.Background()
	_, l := openLedger(t, "local")

	_, err := l.Reconcile(ctx, []replica.Item{file("f1", "x.txt", 3)})
	require.NoError(t, err)

	// replaced node at the same path with new content
	stats, err := l.Reconcile(ctx, []replica.Item{file("f2", "x.txt", 4)})
	require.NoError(t, err)
	assert.Equal(t, ReconcileStats{Updated: 1}, stats)

	e, err := l.FindByPath(ctx, "x.txt")
	require.NoError(t, err)
	assert.Equal(t, "f2", e.NodeID)
	assert.EqualValues(t, 4, e.Size)
}

func TestReconcileNodeIDOnlyChange(t *testing.T) {
	ctx := context.Background()
	_, l := openLedger(t, "local")

	_, err := l.Reconcile(ctx, []replica.Item{file("f1", "x.txt", 3)})
	require.NoError(t, err)
	before, err := l.FindByPath(ctx, "x.txt")
	require.NoError(t, err)

	stats, err := l.Reconcile(ctx, []replica.Item{file("f9", "x.txt", 3)})
	require.NoError(t, err)
	assert.False(t, stats.Changed())

	after, err := l.FindByPath(ctx, "x.txt")
	require.NoError(t, err)
	assert.Equal(t, "f9", after.NodeID)
	assert.Equal(t, before.Change, after.Change)
}

func TestReconcileFolderMoveIsNewIdentity(t *testing.T) {
	ctx := context.Background()
	_, l := openLedger(t, "local")

	_, err := l.Reconcile(ctx, []replica.Item{dir("d1", "old")})
	require.NoError(t, err)
	before, err := l.FindByPath(ctx, "old")
	require.NoError(t, err)

	stats, err := l.Reconcile(ctx, []replica.Item{dir("d1", "new")})
	require.NoError(t, err)
	assert.Equal(t, ReconcileStats{Created: 1, Deleted: 1}, stats)

	gone, err := l.FindByID(ctx, before.ItemID)
	require.NoError(t, err)
	assert.True(t, gone.Tombstone)

	moved, err := l.FindByPath(ctx, "new")
	require.NoError(t, err)
	require.NotNil(t, moved)
	assert.NotEqual(t, before.ItemID, moved.ItemID)
}

func TestReconcileTombstonesMissingItems(t *testing.T) {
	ctx := context.Background()
	_, l := openLedger(t, "local")

	_, err := l.Reconcile(ctx, []replica.Item{file("f1", "x.txt", 3), file("f2", "y.txt", 3)})
	require.NoError(t, err)

	stats, err := l.Reconcile(ctx, []replica.Item{file("f2", "y.txt", 3)})
	require.NoError(t, err)
	assert.Equal(t, ReconcileStats{Deleted: 1}, stats)

	x, err := l.FindByPath(ctx, "x.txt")
	require.NoError(t, err)
	assert.Nil(t, x)

	entries, err := l.Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
