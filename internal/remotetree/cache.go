// Package remotetree keeps an in-memory mirror of the remote node tree.
//
// Nodes live in an arena keyed by id. Parents are referenced by id and child
// lists are computed on demand, so a refresh simply swaps the arena.
package remotetree

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jonboulle/clockwork"
	"github.com/openmined/treesync/internal/replica"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultRefreshInterval = 15 * time.Minute
	DefaultRootFolderName  = "TreeSync"

	// maxTreeDepth guards path resolution against parent cycles.
	maxTreeDepth = 4096
)

var (
	ErrNotLoaded    = errors.New("remotetree: cache not loaded")
	ErrNoRootFolder = errors.New("remotetree: remote root folder not found")
	// ErrDuplicatePath is reported for paths held by more than one remote
	// node. Only the node with the smallest id is synchronized.
	ErrDuplicatePath = errors.New("remotetree: several remote nodes share the path")
)

type Config struct {
	// RootFolderName is the folder below the remote root that is synced.
	// Empty syncs the remote root itself.
	RootFolderName  string
	UseTrash        bool
	RefreshInterval time.Duration
	Backup          replica.BackupPolicy
	// TempDir receives downloads opened through Open.
	TempDir string
	Clock   clockwork.Clock
}

func DefaultConfig() Config {
	return Config{
		RootFolderName:  DefaultRootFolderName,
		UseTrash:        true,
		RefreshInterval: DefaultRefreshInterval,
		Backup:          replica.BackupSuffix,
		Clock:           clockwork.NewRealClock(),
	}
}

// TreeCache is the remote replica. All state is guarded by a single lock.
type TreeCache struct {
	transport Transport
	cfg       Config
	clock     clockwork.Clock

	mu         sync.Mutex
	nodes      map[string]*NodeHandle
	rootID     string
	syncRootID string
	trashID    string
	loaded     bool
	// gen changes whenever the topology changes and invalidates cached paths
	gen      uint64
	index    map[string]*NodeHandle
	indexGen uint64
	// paths shared by several nodes, and the ones not yet handed out
	duplicates  mapset.Set[string]
	newlyShared []string

	refreshGroup singleflight.Group
	timer        clockwork.Timer
	stopped      bool
	runCtx       context.Context
	unsubscribe  func()

	updated chan struct{}
}

func NewTreeCache(transport Transport, cfg Config) *TreeCache {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Backup == "" {
		cfg.Backup = replica.BackupSuffix
	}
	return &TreeCache{
		transport: transport,
		cfg:       cfg,
		clock:     cfg.Clock,
		nodes:     make(map[string]*NodeHandle),
		gen:        1,
		duplicates: mapset.NewThreadUnsafeSet[string](),
		updated:    make(chan struct{}, 1),
	}
}

func (c *TreeCache) Name() string {
	return "remote"
}

func (c *TreeCache) IsLocal() bool {
	return false
}

// Start arms the periodic refresh timer and subscribes to push notifications.
func (c *TreeCache) Start(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.stopped = false
	if c.cfg.RefreshInterval > 0 && c.timer == nil {
		c.timer = c.clock.AfterFunc(c.cfg.RefreshInterval, c.onRefreshTimer)
	}
	c.mu.Unlock()

	c.unsubscribe = c.transport.Subscribe(func(batch PushBatch) {
		if err := c.ApplyPushNotification(ctx, batch); err != nil {
			slog.Warn("remotetree push", "entries", len(batch), "error", err)
		}
	})
	slog.Info("remotetree start", "interval", c.cfg.RefreshInterval, "root", c.cfg.RootFolderName)
	return nil
}

func (c *TreeCache) Stop() {
	c.mu.Lock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
	}
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	slog.Info("remotetree stopped")
}

// Updated delivers a signal after every refresh or applied push batch.
// Signals are coalesced.
func (c *TreeCache) Updated() <-chan struct{} {
	return c.updated
}

func (c *TreeCache) signalUpdated() {
	select {
	case c.updated <- struct{}{}:
	default:
	}
}

func (c *TreeCache) onRefreshTimer() {
	c.mu.Lock()
	ctx := c.runCtx
	c.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	slog.Debug("remotetree periodic refresh")
	if err := c.Refresh(ctx); err != nil {
		slog.Warn("remotetree periodic refresh", "error", err)
	}
}

// Refresh rebuilds the cache from a full listing. Concurrent callers share
// one listing.
func (c *TreeCache) Refresh(ctx context.Context) error {
	_, err, shared := c.refreshGroup.Do("refresh", func() (any, error) {
		return nil, c.refresh(ctx)
	})
	if shared {
		slog.Debug("remotetree refresh coalesced")
	}
	return err
}

func (c *TreeCache) refresh(ctx context.Context) error {
	c.mu.Lock()
	c.pauseTimerLocked()
	err := c.refreshLocked(ctx)
	c.resumeTimerLocked()
	c.mu.Unlock()

	if err != nil {
		return err
	}
	c.signalUpdated()
	return nil
}

func (c *TreeCache) refreshLocked(ctx context.Context) error {
	start := c.clock.Now()

	nodes, err := c.transport.ListNodes(ctx)
	if err != nil {
		return &replica.TransportError{Op: "list", Err: err}
	}

	arena := make(map[string]*NodeHandle, len(nodes))
	var rootID, trashID string
	for _, n := range nodes {
		if n.Type == Dummy {
			continue
		}
		arena[n.ID] = &NodeHandle{cache: c, node: n}
		switch n.Type {
		case RootFolder:
			rootID = n.ID
		case Trash:
			trashID = n.ID
		}
	}
	if rootID == "" {
		return ErrNoRootFolder
	}

	syncRootID := rootID
	if c.cfg.RootFolderName != "" {
		syncRootID = findChild(arena, rootID, c.cfg.RootFolderName)
		if syncRootID == "" {
			node, err := c.transport.CreateFolder(ctx, rootID, c.cfg.RootFolderName)
			if err != nil {
				return &replica.TransportError{Op: "create root", Path: c.cfg.RootFolderName, Err: err}
			}
			arena[node.ID] = &NodeHandle{cache: c, node: node}
			syncRootID = node.ID
			slog.Info("remotetree created sync root", "name", c.cfg.RootFolderName, "id", node.ID)
		}
	}
	if c.cfg.UseTrash && trashID == "" {
		slog.Warn("remotetree trash not found, deletes are permanent")
	}

	c.nodes = arena
	c.rootID = rootID
	c.syncRootID = syncRootID
	c.trashID = trashID
	c.loaded = true
	c.touchLocked()

	slog.Info("remotetree refresh", "nodes", len(arena), "took", c.clock.Since(start))
	return nil
}

// findChild returns the id of the folder named name below parentID. Ties are
// broken by id so repeated refreshes pick the same folder.
func findChild(arena map[string]*NodeHandle, parentID, name string) string {
	found := ""
	for id, h := range arena {
		if h.node.ParentID != parentID || h.node.Type != Folder || h.node.Name != name {
			continue
		}
		if found == "" || id < found {
			found = id
		}
	}
	return found
}

func (c *TreeCache) pauseTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
}

func (c *TreeCache) resumeTimerLocked() {
	if c.timer != nil && !c.stopped {
		c.timer.Reset(c.cfg.RefreshInterval)
	}
}

// Reset drops the whole snapshot. The next session refreshes from scratch.
func (c *TreeCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nodes = make(map[string]*NodeHandle)
	c.rootID, c.syncRootID, c.trashID = "", "", ""
	c.loaded = false
	c.touchLocked()
	slog.Warn("remotetree reset")
}

func (c *TreeCache) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

func (c *TreeCache) touchLocked() {
	c.gen++
}

func (c *TreeCache) readyLocked() error {
	if !c.loaded {
		return ErrNotLoaded
	}
	return nil
}

func (c *TreeCache) resolvePathLocked(id string) (string, bool) {
	var segs []string
	prefix := ""
	cur := id
	for depth := 0; ; depth++ {
		if depth > maxTreeDepth {
			slog.Error("remotetree parent cycle", "id", id)
			return "", false
		}
		if cur == c.syncRootID && c.syncRootID != "" {
			break
		}
		h, ok := c.nodes[cur]
		if !ok {
			return "", false
		}
		if cur != id && h.pathGen == c.gen {
			if !h.inRoot {
				return "", false
			}
			prefix = h.path
			break
		}
		segs = append(segs, h.node.Name)
		cur = h.node.ParentID
	}

	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	p := prefix
	for _, s := range segs {
		if p == "" {
			p = s
		} else {
			p += "/" + s
		}
	}
	return p, true
}

func (c *TreeCache) indexLocked() map[string]*NodeHandle {
	if c.index != nil && c.indexGen == c.gen {
		return c.index
	}

	index := make(map[string]*NodeHandle, len(c.nodes))
	shared := mapset.NewThreadUnsafeSet[string]()
	for id, h := range c.nodes {
		if id == c.syncRootID {
			continue
		}
		p, ok := h.pathLocked()
		if !ok {
			continue
		}
		if prev, dup := index[p]; dup {
			shared.Add(p)
			if prev.ID() < id {
				continue
			}
		}
		index[p] = h
	}
	for _, p := range shared.ToSlice() {
		if !c.duplicates.Contains(p) {
			slog.Warn("remotetree duplicate path", "path", p, "kept", index[p].ID())
			c.newlyShared = append(c.newlyShared, p)
		}
	}
	c.duplicates = shared
	c.index = index
	c.indexGen = c.gen
	return index
}

// TakeDuplicates returns the paths that became shared by several remote nodes
// since the last call. The extra nodes are left out of every listing.
func (c *TreeCache) TakeDuplicates() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indexLocked()
	paths := c.newlyShared
	c.newlyShared = nil
	sort.Strings(paths)
	return paths
}

func (c *TreeCache) lookupLocked(p string) (*NodeHandle, bool) {
	if p == "" {
		h, ok := c.nodes[c.syncRootID]
		return h, ok
	}
	h, ok := c.indexLocked()[p]
	return h, ok
}

func (c *TreeCache) hasChildrenLocked(id string) bool {
	for _, h := range c.nodes {
		if h.node.ParentID == id && h.node.Type != Dummy {
			return true
		}
	}
	return false
}

// Children lists the nodes directly below the node with the given id.
func (c *TreeCache) Children(id string) []RemoteNode {
	c.mu.Lock()
	defer c.mu.Unlock()

	var children []RemoteNode
	for _, h := range c.nodes {
		if h.node.ParentID == id {
			children = append(children, h.node)
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
	return children
}

// FindByPath returns the handle at a sync-root relative path.
func (c *TreeCache) FindByPath(p string) (*NodeHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(p)
}

// FindByID returns the handle for a node id, wherever it lives.
func (c *TreeCache) FindByID(id string) (*NodeHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.nodes[id]
	return h, ok
}

// SyncRootID is the id of the folder that maps to the local sync root.
func (c *TreeCache) SyncRootID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncRootID
}

func (c *TreeCache) Lookup(p string) (replica.Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p == "" {
		return replica.Item{}, false
	}
	h, ok := c.lookupLocked(p)
	if !ok {
		return replica.Item{}, false
	}
	return h.itemLocked()
}

func (c *TreeCache) LookupID(id string) (replica.Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.nodes[id]
	if !ok || id == c.syncRootID {
		return replica.Item{}, false
	}
	return h.itemLocked()
}

// LiveItems lists every node below the sync root, sorted by path.
func (c *TreeCache) LiveItems(ctx context.Context) ([]replica.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readyLocked(); err != nil {
		return nil, err
	}

	index := c.indexLocked()
	items := make([]replica.Item, 0, len(index))
	for _, h := range index {
		if item, ok := h.itemLocked(); ok {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	return items, nil
}
