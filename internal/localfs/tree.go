// Package localfs is the local replica: the sync root on disk, the scanner
// that lists it, and the change source that watches it.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openmined/treesync/internal/replica"
	"github.com/openmined/treesync/internal/utils"
)

const (
	tempPattern          = ".treesync-*.tmp"
	defaultHashCacheSize = 8192

	// DefaultMinFreeSpace is the headroom kept free when materializing files.
	DefaultMinFreeSpace = 64 << 20
)

type Option func(*Tree)

func WithIgnore(ignore *IgnoreList) Option {
	return func(t *Tree) {
		t.ignore = ignore
	}
}

// WithRecycleDir moves deleted items below dir instead of unlinking them.
func WithRecycleDir(dir string) Option {
	return func(t *Tree) {
		t.recycleDir = dir
	}
}

func WithBackupPolicy(p replica.BackupPolicy) Option {
	return func(t *Tree) {
		t.backup = p
	}
}

// WithWriteHook is called with the absolute path of every item the tree
// changes, so the watcher can drop the resulting events.
func WithWriteHook(fn func(absPath string)) Option {
	return func(t *Tree) {
		t.onWrite = fn
	}
}

func WithMinFreeSpace(n uint64) Option {
	return func(t *Tree) {
		t.minFree = n
	}
}

type hashEntry struct {
	size    int64
	modTime time.Time
	etag    string
}

// Tree implements replica.Replica over a local directory.
type Tree struct {
	root       string
	ignore     *IgnoreList
	recycleDir string
	backup     replica.BackupPolicy
	onWrite    func(string)
	minFree    uint64

	hashes *lru.Cache[string, hashEntry]

	mu sync.Mutex
	// last known path per node id
	paths map[string]string
}

func NewTree(root string, opts ...Option) (*Tree, error) {
	if err := utils.EnsureDir(root); err != nil {
		return nil, fmt.Errorf("sync root %s: %w", root, err)
	}
	hashes, err := lru.New[string, hashEntry](defaultHashCacheSize)
	if err != nil {
		return nil, err
	}

	t := &Tree{
		root:    root,
		backup: replica.BackupSuffix,
		hashes: hashes,
		paths:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Tree) Name() string {
	return "local"
}

func (t *Tree) IsLocal() bool {
	return true
}

func (t *Tree) Root() string {
	return t.root
}

func (t *Tree) abs(rel string) string {
	return filepath.Join(t.root, filepath.FromSlash(rel))
}

// Excluded reports whether rel is outside synchronization: hidden or ignored.
func (t *Tree) Excluded(rel string, isDir bool) bool {
	return replica.IsHidden(rel) || t.ignore.ShouldIgnore(rel, isDir)
}

// LiveItems walks the sync root. Hidden and ignored paths and anything that
// is neither a regular file nor a directory are left out. Empty files are
// listed; the remote refuses them per item.
func (t *Tree) LiveItems(ctx context.Context) ([]replica.Item, error) {
	var items []replica.Item
	paths := make(map[string]string)

	err := filepath.WalkDir(t.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == t.root {
				return err
			}
			slog.Warn("localfs scan", "path", p, "error", err)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == t.root {
			return nil
		}

		rel, err := filepath.Rel(t.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if t.Excluded(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			// vanished during the walk
			return nil
		}
		item, ok := t.itemOf(rel, info)
		if !ok {
			return nil
		}
		items = append(items, item)
		paths[item.NodeID] = rel
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", t.root, err)
	}

	t.mu.Lock()
	t.paths = paths
	t.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	return items, nil
}

func (t *Tree) itemOf(rel string, info fs.FileInfo) (replica.Item, bool) {
	item := replica.Item{
		NodeID: fileID(info, rel),
		Path:   rel,
		IsDir:  info.IsDir(),
	}
	if item.IsDir {
		return item, true
	}

	item.Size = info.Size()
	item.ModTime = info.ModTime().UTC()
	etag, err := t.etag(rel, item.Size, item.ModTime)
	if err != nil {
		slog.Warn("localfs hash", "path", rel, "error", err)
		return replica.Item{}, false
	}
	item.ETag = etag
	return item, true
}

// etag is the md5 of the file, cached while size and mtime are unchanged.
func (t *Tree) etag(rel string, size int64, modTime time.Time) (string, error) {
	if h, ok := t.hashes.Get(rel); ok && h.size == size && h.modTime.Equal(modTime) {
		return h.etag, nil
	}
	etag, err := utils.FileHash(t.abs(rel))
	if err != nil {
		return "", err
	}
	t.hashes.Add(rel, hashEntry{size: size, modTime: modTime, etag: etag})
	return etag, nil
}

// stat returns the synchronized item at rel. Excluded paths still report as
// existing through the second result so callers never overwrite them.
func (t *Tree) stat(rel string) (replica.Item, bool, error) {
	info, err := os.Lstat(t.abs(rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return replica.Item{}, false, nil
		}
		return replica.Item{}, false, err
	}
	item := replica.Item{NodeID: fileID(info, rel), Path: rel, IsDir: info.IsDir()}
	if !item.IsDir {
		item.Size = info.Size()
		item.ModTime = info.ModTime().UTC()
		if info.Mode().IsRegular() {
			if etag, err := t.etag(rel, item.Size, item.ModTime); err == nil {
				item.ETag = etag
			}
		}
	}
	return item, true, nil
}

func (t *Tree) Lookup(rel string) (replica.Item, bool) {
	if rel == "" || t.Excluded(rel, false) {
		return replica.Item{}, false
	}
	item, ok, err := t.stat(rel)
	if err != nil || !ok {
		return replica.Item{}, false
	}
	t.remember(item)
	return item, true
}

// LookupID resolves a node id through the last known path.
func (t *Tree) LookupID(id string) (replica.Item, bool) {
	t.mu.Lock()
	rel, ok := t.paths[id]
	t.mu.Unlock()
	if !ok {
		return replica.Item{}, false
	}

	item, ok := t.Lookup(rel)
	if !ok || item.NodeID != id {
		return replica.Item{}, false
	}
	return item, true
}

func (t *Tree) remember(item replica.Item) {
	t.mu.Lock()
	t.paths[item.NodeID] = item.Path
	t.mu.Unlock()
}

func (t *Tree) forget(id string) {
	t.mu.Lock()
	delete(t.paths, id)
	t.mu.Unlock()
}

func (t *Tree) touched(rel string) {
	if t.onWrite != nil {
		t.onWrite(t.abs(rel))
	}
}

// expect loads the item at rel and checks it is the expected node.
func (t *Tree) expect(rel, expectedID string) (replica.Item, error) {
	item, ok, err := t.stat(rel)
	if err != nil {
		return replica.Item{}, err
	}
	if !ok {
		return replica.Item{}, fmt.Errorf("%s: %w", rel, replica.ErrNotFound)
	}
	if expectedID != "" && item.NodeID != expectedID {
		return replica.Item{}, replica.Mismatch(rel, expectedID, item)
	}
	return item, nil
}

func (t *Tree) Open(ctx context.Context, rel, expectedID string) (io.ReadCloser, error) {
	item, err := t.expect(rel, expectedID)
	if err != nil {
		return nil, err
	}
	if item.IsDir {
		return nil, fmt.Errorf("open %s: is a folder", rel)
	}
	return os.Open(t.abs(rel))
}

func (t *Tree) InsertNode(ctx context.Context, data replica.Item, rel string, content io.Reader) (replica.SyncedNodeAttributes, error) {
	if t.Excluded(rel, data.IsDir) {
		return replica.SyncedNodeAttributes{}, replica.Constraint(replica.Excluded, rel)
	}
	existing, ok, err := t.stat(rel)
	if err != nil {
		return replica.SyncedNodeAttributes{}, err
	}
	if ok {
		return replica.SyncedNodeAttributes{}, replica.Exists(rel, existing)
	}
	if err := t.checkParent(rel); err != nil {
		return replica.SyncedNodeAttributes{}, err
	}

	if data.IsDir {
		if err := os.Mkdir(t.abs(rel), 0o755); err != nil {
			return replica.SyncedNodeAttributes{}, fmt.Errorf("mkdir %s: %w", rel, err)
		}
		t.touched(rel)
		return t.attrs(rel)
	}

	if data.Size == 0 {
		return replica.SyncedNodeAttributes{}, replica.Constraint(replica.ZeroSize, rel)
	}
	if err := t.writeFile(rel, data, content); err != nil {
		return replica.SyncedNodeAttributes{}, err
	}
	slog.Debug("localfs insert", "path", rel, "size", data.Size)
	return t.attrs(rel)
}

// UpdateFile replaces the content of the file at rel. The file is rewritten
// through a temporary file, so its node id changes.
func (t *Tree) UpdateFile(ctx context.Context, rel string, data replica.Item, content io.Reader, expectedID string) (replica.SyncedNodeAttributes, error) {
	item, err := t.expect(rel, expectedID)
	if err != nil {
		return replica.SyncedNodeAttributes{}, err
	}
	if item.IsDir {
		return replica.AttributesOf(item), nil
	}
	if data.Size == 0 {
		return replica.SyncedNodeAttributes{}, replica.Constraint(replica.ZeroSize, rel)
	}

	if err := t.writeFile(rel, data, content); err != nil {
		return replica.SyncedNodeAttributes{}, err
	}
	t.forget(item.NodeID)
	slog.Debug("localfs update", "path", rel, "size", data.Size)
	return t.attrs(rel)
}

func (t *Tree) MoveFile(ctx context.Context, oldRel, newRel, expectedID string) (replica.SyncedNodeAttributes, error) {
	item, ok, err := t.stat(oldRel)
	if err != nil {
		return replica.SyncedNodeAttributes{}, err
	}
	if !ok {
		if moved, ok, _ := t.stat(newRel); ok && moved.NodeID == expectedID {
			return replica.AttributesOf(moved), nil
		}
		return replica.SyncedNodeAttributes{}, fmt.Errorf("move %s: %w", oldRel, replica.ErrNotFound)
	}
	if item.NodeID != expectedID {
		return replica.SyncedNodeAttributes{}, replica.Mismatch(oldRel, expectedID, item)
	}
	if oldRel == newRel {
		return replica.AttributesOf(item), nil
	}
	if t.Excluded(newRel, item.IsDir) {
		return replica.SyncedNodeAttributes{}, replica.Constraint(replica.Excluded, newRel)
	}
	if existing, ok, _ := t.stat(newRel); ok {
		return replica.SyncedNodeAttributes{}, replica.Exists(newRel, existing)
	}
	if err := t.checkParent(newRel); err != nil {
		return replica.SyncedNodeAttributes{}, err
	}

	if err := os.Rename(t.abs(oldRel), t.abs(newRel)); err != nil {
		return replica.SyncedNodeAttributes{}, fmt.Errorf("move %s: %w", oldRel, err)
	}
	t.touched(oldRel)
	t.touched(newRel)
	slog.Debug("localfs move", "from", oldRel, "to", newRel)
	return t.attrs(newRel)
}

// DeleteFile removes the item at rel, to the recycle directory when one is
// configured. A folder holding synchronized children is not empty; hidden or
// ignored leftovers go with it.
func (t *Tree) DeleteFile(ctx context.Context, rel, expectedID string) error {
	item, ok, err := t.stat(rel)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if item.NodeID != expectedID {
		return replica.Mismatch(rel, expectedID, item)
	}
	if item.IsDir {
		busy, err := t.hasSyncedChildren(rel)
		if err != nil {
			return err
		}
		if busy {
			return replica.Constraint(replica.NotEmpty, rel)
		}
	}

	if t.recycleDir != "" {
		if err := t.recycle(rel); err != nil {
			return err
		}
	} else if err := os.RemoveAll(t.abs(rel)); err != nil {
		return fmt.Errorf("delete %s: %w", rel, err)
	}

	t.forget(item.NodeID)
	t.touched(rel)
	slog.Debug("localfs delete", "path", rel, "recycled", t.recycleDir != "")
	return nil
}

func (t *Tree) hasSyncedChildren(rel string) (bool, error) {
	entries, err := os.ReadDir(t.abs(rel))
	if err != nil {
		return false, fmt.Errorf("read %s: %w", rel, err)
	}
	for _, e := range entries {
		child := path.Join(rel, e.Name())
		if !t.Excluded(child, e.IsDir()) {
			return true, nil
		}
	}
	return false, nil
}

func (t *Tree) recycle(rel string) error {
	dst := filepath.Join(t.recycleDir, time.Now().Format("20060102-150405"), filepath.FromSlash(rel))
	if err := utils.EnsureParent(dst); err != nil {
		return fmt.Errorf("recycle %s: %w", rel, err)
	}
	if err := os.Rename(t.abs(rel), dst); err != nil {
		return fmt.Errorf("recycle %s: %w", rel, err)
	}
	return nil
}

// BackupFile renames the item at rel to the first free backup name.
func (t *Tree) BackupFile(ctx context.Context, rel string) (replica.SyncedNodeAttributes, error) {
	item, ok, err := t.stat(rel)
	if err != nil {
		return replica.SyncedNodeAttributes{}, err
	}
	if !ok {
		return replica.SyncedNodeAttributes{}, fmt.Errorf("backup %s: %w", rel, replica.ErrNotFound)
	}

	target, err := t.backup.Next(rel, func(candidate string) bool {
		_, taken, _ := t.stat(candidate)
		return taken
	})
	if err != nil {
		return replica.SyncedNodeAttributes{}, err
	}
	if err := os.Rename(t.abs(rel), t.abs(target)); err != nil {
		return replica.SyncedNodeAttributes{}, fmt.Errorf("backup %s: %w", rel, err)
	}
	t.forget(item.NodeID)
	t.touched(rel)
	t.touched(target)

	slog.Info("localfs backup", "path", rel, "backup", target)
	return t.attrs(target)
}

func (t *Tree) checkParent(rel string) error {
	parent := replica.ParentPath(rel)
	if parent == "" {
		return nil
	}
	if !utils.DirExists(t.abs(parent)) {
		return replica.Constraint(replica.NoParent, rel)
	}
	return nil
}

func (t *Tree) attrs(rel string) (replica.SyncedNodeAttributes, error) {
	item, ok, err := t.stat(rel)
	if err != nil {
		return replica.SyncedNodeAttributes{}, err
	}
	if !ok {
		return replica.SyncedNodeAttributes{}, fmt.Errorf("%s: %w", rel, replica.ErrNotFound)
	}
	t.remember(item)
	return replica.AttributesOf(item), nil
}
