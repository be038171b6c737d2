package resolver_test

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/openmined/treesync/internal/ledger"
	"github.com/openmined/treesync/internal/localfs"
	"github.com/openmined/treesync/internal/replica"
	"github.com/openmined/treesync/internal/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type side struct {
	tree   *localfs.Tree
	ledger *ledger.Ledger
}

type fixture struct {
	a, b  side
	notes []resolver.Notification
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := ledger.NewStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, store.Open(ctx))
	t.Cleanup(func() { store.Close() })

	mk := func(name string) side {
		tree, err := localfs.NewTree(t.TempDir())
		require.NoError(t, err)
		l, err := store.Replica(ctx, name)
		require.NoError(t, err)
		return side{tree: tree, ledger: l}
	}
	return &fixture{a: mk("a"), b: mk("b")}
}

func write(t *testing.T, s side, rel, content string) {
	t.Helper()
	p := filepath.Join(s.tree.Root(), filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func read(t *testing.T, s side, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(s.tree.Root(), filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func exists(s side, rel string) bool {
	_, err := os.Stat(filepath.Join(s.tree.Root(), filepath.FromSlash(rel)))
	return err == nil
}

func reconcile(t *testing.T, s side) {
	t.Helper()
	ctx := context.Background()
	items, err := s.tree.LiveItems(ctx)
	require.NoError(t, err)
	_, err = s.ledger.Reconcile(ctx, items)
	require.NoError(t, err)
}

func priority(e *ledger.Entry) int {
	switch {
	case e.Tombstone && !e.IsDir:
		return 0
	case e.Tombstone:
		return 1_000_000 - replica.Depth(e.Path)
	default:
		return 1 + replica.Depth(e.Path)
	}
}

// pass reconciles both sides and applies the unseen changes of from to to.
func (f *fixture) pass(t *testing.T, from, to side) ([]resolver.Result, *resolver.Resolver) {
	t.Helper()
	ctx := context.Background()
	reconcile(t, from)
	reconcile(t, to)

	srcK, err := from.ledger.Knowledge(ctx)
	require.NoError(t, err)
	dstK, err := to.ledger.Knowledge(ctx)
	require.NoError(t, err)
	changes, err := from.ledger.ChangesSince(ctx, dstK)
	require.NoError(t, err)
	sort.SliceStable(changes, func(i, j int) bool { return priority(changes[i]) < priority(changes[j]) })

	r := resolver.New(from.tree, to.tree, to.ledger, srcK, resolver.Config{
		OnChange: func(n resolver.Notification) { f.notes = append(f.notes, n) },
	})
	var results []resolver.Result
	failed := false
	for _, c := range changes {
		res, err := r.Apply(ctx, c)
		require.NoError(t, err)
		results = append(results, res)
		failed = failed || res.Failed()
	}
	if !failed {
		require.NoError(t, to.ledger.SetWatermark(ctx, from.ledger.Key(), srcK.Tick))
	}
	return results, r
}

func (f *fixture) sync(t *testing.T) {
	t.Helper()
	f.pass(t, f.a, f.b)
	f.pass(t, f.b, f.a)
}

func outcomes(results []resolver.Result) map[string]resolver.Outcome {
	m := make(map[string]resolver.Outcome)
	for _, r := range results {
		m[r.Path] = r.Outcome
	}
	return m
}

func TestCreatePropagates(t *testing.T) {
	f := newFixture(t)
	write(t, f.a, "a/b.txt", "0123456789")

	results, _ := f.pass(t, f.a, f.b)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Path)
	assert.Equal(t, map[string]resolver.Outcome{"a": resolver.Applied, "a/b.txt": resolver.Applied}, outcomes(results))
	assert.Equal(t, "0123456789", read(t, f.b, "a/b.txt"))

	require.Len(t, f.notes, 2)
	assert.Equal(t, "Created File: a/b.txt (10 B)", f.notes[1].Message())
	assert.True(t, f.notes[1].Local)

	back, _ := f.pass(t, f.b, f.a)
	assert.Empty(t, back)

	// nothing left in either direction
	again, _ := f.pass(t, f.a, f.b)
	assert.Empty(t, again)
}

func TestUpdateAndRenamePropagate(t *testing.T) {
	f := newFixture(t)
	write(t, f.a, "doc.txt", "v1")
	write(t, f.a, "old.txt", "moving")
	f.sync(t)

	write(t, f.a, "doc.txt", "version two")
	require.NoError(t, os.Rename(filepath.Join(f.a.tree.Root(), "old.txt"), filepath.Join(f.a.tree.Root(), "new.txt")))

	results, _ := f.pass(t, f.a, f.b)
	require.Len(t, results, 2)
	byPath := make(map[string]resolver.Result)
	for _, r := range results {
		byPath[r.Path] = r
	}
	assert.Equal(t, resolver.Update, byPath["doc.txt"].Kind)
	assert.Equal(t, resolver.Applied, byPath["doc.txt"].Outcome)
	assert.Equal(t, resolver.Rename, byPath["new.txt"].Kind)
	assert.Equal(t, resolver.Applied, byPath["new.txt"].Outcome)

	assert.Equal(t, "version two", read(t, f.b, "doc.txt"))
	assert.Equal(t, "moving", read(t, f.b, "new.txt"))
	assert.False(t, exists(f.b, "old.txt"))
}

func TestDeletePropagates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	write(t, f.a, "gone.txt", "bye")
	f.sync(t)

	require.NoError(t, os.Remove(filepath.Join(f.a.tree.Root(), "gone.txt")))
	results, _ := f.pass(t, f.a, f.b)
	require.Len(t, results, 1)
	assert.Equal(t, resolver.Delete, results[0].Kind)
	assert.Equal(t, resolver.Applied, results[0].Outcome)
	assert.False(t, exists(f.b, "gone.txt"))

	live, err := f.b.ledger.FindByPath(ctx, "gone.txt")
	require.NoError(t, err)
	assert.Nil(t, live)

	back, _ := f.pass(t, f.b, f.a)
	assert.Empty(t, back)
}

func TestConcurrentEditKeepsBothVersions(t *testing.T) {
	f := newFixture(t)
	write(t, f.a, "x.txt", "base")
	f.sync(t)

	write(t, f.a, "x.txt", "edited on a")
	write(t, f.b, "x.txt", "edited on b, longer")

	results, r := f.pass(t, f.a, f.b)
	require.Len(t, results, 1)
	assert.True(t, results[0].Conflict)
	assert.Equal(t, resolver.Applied, results[0].Outcome)
	assert.True(t, r.Minted())
	assert.Equal(t, "edited on a", read(t, f.b, "x.txt"))
	assert.Equal(t, "edited on b, longer", read(t, f.b, "x.backup1.txt"))

	f.pass(t, f.b, f.a)
	assert.Equal(t, "edited on b, longer", read(t, f.a, "x.backup1.txt"))
	assert.Equal(t, "edited on a", read(t, f.a, "x.txt"))
}

func TestCreateCollisionBacksUpTarget(t *testing.T) {
	f := newFixture(t)
	write(t, f.a, "x.txt", "from a")
	write(t, f.b, "x.txt", "from b!")

	results, _ := f.pass(t, f.a, f.b)
	require.Len(t, results, 1)
	assert.True(t, results[0].Conflict)
	assert.Equal(t, resolver.Applied, results[0].Outcome)

	f.pass(t, f.b, f.a)
	for _, s := range []side{f.a, f.b} {
		assert.Equal(t, "from a", read(t, s, "x.txt"))
		assert.Equal(t, "from b!", read(t, s, "x.backup1.txt"))
	}

	var renamed bool
	for _, n := range f.notes {
		if n.Kind == resolver.Rename && n.OldPath == "x.txt" {
			renamed = true
			assert.Equal(t, "x.backup1.txt", n.Path)
		}
	}
	assert.True(t, renamed)
}

func TestCreateCollisionAdoptsEqualContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	write(t, f.a, "same.txt", "identical")
	write(t, f.b, "same.txt", "identical")

	results, _ := f.pass(t, f.a, f.b)
	require.Len(t, results, 1)
	assert.Equal(t, resolver.Skipped, results[0].Outcome)
	assert.False(t, exists(f.b, "same.backup1.txt"))

	ea, err := f.a.ledger.FindByPath(ctx, "same.txt")
	require.NoError(t, err)
	eb, err := f.b.ledger.FindByPath(ctx, "same.txt")
	require.NoError(t, err)
	require.NotNil(t, eb)
	assert.Equal(t, ea.ItemID, eb.ItemID)

	f.pass(t, f.b, f.a)
	assert.Equal(t, "identical", read(t, f.a, "same.txt"))
	assert.False(t, exists(f.a, "same.backup1.txt"))
}

func TestFolderDeleteLosesToNewChild(t *testing.T) {
	f := newFixture(t)
	write(t, f.a, "y/z.txt", "z")
	f.sync(t)

	require.NoError(t, os.RemoveAll(filepath.Join(f.a.tree.Root(), "y")))
	write(t, f.b, "y/new.txt", "added on b")

	results, r := f.pass(t, f.a, f.b)
	got := outcomes(results)
	assert.Equal(t, resolver.Applied, got["y/z.txt"])
	assert.Equal(t, resolver.Deferred, got["y"])
	assert.True(t, r.Minted())
	assert.True(t, r.ResyncRequested())
	assert.False(t, exists(f.b, "y/z.txt"))
	assert.True(t, exists(f.b, "y/new.txt"))

	f.pass(t, f.b, f.a)
	assert.Equal(t, "added on b", read(t, f.a, "y/new.txt"))
	assert.False(t, exists(f.a, "y/z.txt"))
}

func TestMissingParentRequestsResync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	write(t, f.a, "p/c.txt", "child")
	reconcile(t, f.a)

	child, err := f.a.ledger.FindByPath(ctx, "p/c.txt")
	require.NoError(t, err)
	srcK, err := f.a.ledger.Knowledge(ctx)
	require.NoError(t, err)

	r := resolver.New(f.a.tree, f.b.tree, f.b.ledger, srcK, resolver.Config{})
	res, err := r.Apply(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, resolver.RequiresResync, res.Outcome)
	assert.True(t, res.Failed())
	assert.True(t, replica.IsConstraint(res.Err, replica.NoParent))
	assert.True(t, r.ResyncRequested())
}

func TestVanishedSourceRequestsResync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	write(t, f.a, "tmp.txt", "short lived")
	reconcile(t, f.a)
	require.NoError(t, os.Remove(filepath.Join(f.a.tree.Root(), "tmp.txt")))

	e, err := f.a.ledger.FindByPath(ctx, "tmp.txt")
	require.NoError(t, err)
	srcK, err := f.a.ledger.Knowledge(ctx)
	require.NoError(t, err)

	r := resolver.New(f.a.tree, f.b.tree, f.b.ledger, srcK, resolver.Config{})
	res, err := r.Apply(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, resolver.RequiresResync, res.Outcome)
	assert.True(t, r.ResyncRequested())
	assert.False(t, exists(f.b, "tmp.txt"))
}

func TestUpdateWinsOverConcurrentDelete(t *testing.T) {
	f := newFixture(t)
	write(t, f.a, "x.txt", "base")
	f.sync(t)

	require.NoError(t, os.Remove(filepath.Join(f.a.tree.Root(), "x.txt")))
	write(t, f.b, "x.txt", "edited on b")

	results, r := f.pass(t, f.a, f.b)
	require.Len(t, results, 1)
	assert.Equal(t, resolver.Delete, results[0].Kind)
	assert.Equal(t, resolver.Deferred, results[0].Outcome)
	assert.True(t, results[0].Conflict)
	assert.False(t, results[0].Failed())
	assert.True(t, r.Minted())
	assert.Equal(t, "edited on b", read(t, f.b, "x.txt"))

	// the rolled forward entry recreates the file on a
	back, _ := f.pass(t, f.b, f.a)
	require.Len(t, back, 1)
	assert.Equal(t, resolver.Create, back[0].Kind)
	assert.Equal(t, resolver.Applied, back[0].Outcome)
	assert.Equal(t, "edited on b", read(t, f.a, "x.txt"))

	again, _ := f.pass(t, f.a, f.b)
	assert.Empty(t, again)
}

func TestDeleteOfTombstonedItemIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	write(t, f.a, "both.txt", "shared")
	f.sync(t)

	require.NoError(t, os.Remove(filepath.Join(f.a.tree.Root(), "both.txt")))
	require.NoError(t, os.Remove(filepath.Join(f.b.tree.Root(), "both.txt")))
	f.notes = nil

	results, r := f.pass(t, f.a, f.b)
	require.Len(t, results, 1)
	assert.Equal(t, resolver.Delete, results[0].Kind)
	assert.Equal(t, resolver.Skipped, results[0].Outcome)
	assert.NoError(t, results[0].Err)
	assert.False(t, r.Minted())
	assert.Empty(t, f.notes)

	src, err := f.a.ledger.FindByPath(ctx, "both.txt")
	require.NoError(t, err)
	assert.Nil(t, src)

	back, _ := f.pass(t, f.b, f.a)
	for _, res := range back {
		assert.Equal(t, resolver.Skipped, res.Outcome)
	}
}

func TestEmptiedFileIsNotPropagated(t *testing.T) {
	f := newFixture(t)
	write(t, f.a, "notes.txt", "important content")
	f.sync(t)

	require.NoError(t, os.Truncate(filepath.Join(f.a.tree.Root(), "notes.txt"), 0))
	results, _ := f.pass(t, f.a, f.b)
	require.Len(t, results, 1)
	assert.Equal(t, resolver.Update, results[0].Kind)
	assert.Equal(t, resolver.Skipped, results[0].Outcome)
	assert.True(t, replica.IsConstraint(results[0].Err, replica.ZeroSize))
	assert.False(t, results[0].Failed())
	assert.Equal(t, "important content", read(t, f.b, "notes.txt"))

	again, _ := f.pass(t, f.a, f.b)
	assert.Empty(t, again)
}

func TestEmptyFileIsNotCreated(t *testing.T) {
	f := newFixture(t)
	write(t, f.a, "empty.txt", "")

	results, _ := f.pass(t, f.a, f.b)
	require.Len(t, results, 1)
	assert.Equal(t, resolver.Create, results[0].Kind)
	assert.Equal(t, resolver.Skipped, results[0].Outcome)
	assert.True(t, replica.IsConstraint(results[0].Err, replica.ZeroSize))
	assert.False(t, exists(f.b, "empty.txt"))
}

func TestLargeEqualFilesAdoptedByETag(t *testing.T) {
	f := newFixture(t)
	big := strings.Repeat("0123456789abcdef", 1<<10)
	write(t, f.a, "big.bin", big)
	write(t, f.b, "big.bin", big)
	reconcile(t, f.a)
	reconcile(t, f.b)

	ctx := context.Background()
	e, err := f.a.ledger.FindByPath(ctx, "big.bin")
	require.NoError(t, err)
	srcK, err := f.a.ledger.Knowledge(ctx)
	require.NoError(t, err)

	// a threshold below the size rules out the byte comparison
	r := resolver.New(f.a.tree, f.b.tree, f.b.ledger, srcK, resolver.Config{CompareThreshold: 1024})
	res, err := r.Apply(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, resolver.Skipped, res.Outcome)
	assert.False(t, exists(f.b, "big.backup1.bin"))
}

func TestNotificationMessage(t *testing.T) {
	tests := []struct {
		n    resolver.Notification
		want string
	}{
		{resolver.Notification{Kind: resolver.Create, Path: "p.txt", Size: 10}, "Created File: p.txt (10 B)"},
		{resolver.Notification{Kind: resolver.Create, IsDir: true, Path: "d"}, "Created Folder: d"},
		{resolver.Notification{Kind: resolver.Rename, OldPath: "a", Path: "b"}, "Renamed File: a to b"},
		{resolver.Notification{Kind: resolver.Delete, IsDir: true, Path: "d", Size: 1}, "Deleted Folder: d"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.n.Message())
		})
	}
}
