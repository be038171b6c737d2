package remotetree

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"

	"github.com/openmined/treesync/internal/replica"
)

// Every mutating operation performs the remote call first and touches the
// arena only after the transport confirmed it.

func (c *TreeCache) InsertNode(ctx context.Context, data replica.Item, p string, content io.Reader) (replica.SyncedNodeAttributes, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readyLocked(); err != nil {
		return replica.SyncedNodeAttributes{}, err
	}

	if h, ok := c.lookupLocked(p); ok {
		existing, _ := h.itemLocked()
		return replica.SyncedNodeAttributes{}, replica.Exists(p, existing)
	}
	parent, err := c.parentForLocked(p)
	if err != nil {
		return replica.SyncedNodeAttributes{}, err
	}
	if !data.IsDir && data.Size == 0 {
		return replica.SyncedNodeAttributes{}, replica.Constraint(replica.ZeroSize, p)
	}

	var node RemoteNode
	name := path.Base(p)
	if data.IsDir {
		node, err = c.transport.CreateFolder(ctx, parent.ID(), name)
	} else {
		node, err = c.transport.UploadStream(ctx, parent.ID(), name, content, data.Size)
	}
	if err != nil {
		return replica.SyncedNodeAttributes{}, &replica.TransportError{Op: "insert", Path: p, Err: err}
	}

	h := c.addLocked(node)
	slog.Debug("remotetree insert", "path", p, "id", node.ID, "dir", data.IsDir)
	return c.attrsLocked(h, p)
}

// UpdateFile replaces the content of the file at p. The old node is removed
// (to the trash when enabled) and a fresh node is uploaded in its place, so
// the returned node id differs from expectedID.
func (c *TreeCache) UpdateFile(ctx context.Context, p string, data replica.Item, content io.Reader, expectedID string) (replica.SyncedNodeAttributes, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readyLocked(); err != nil {
		return replica.SyncedNodeAttributes{}, err
	}

	h, ok := c.lookupLocked(p)
	if !ok {
		return replica.SyncedNodeAttributes{}, fmt.Errorf("update %s: %w", p, replica.ErrNotFound)
	}
	if h.ID() != expectedID {
		actual, _ := h.itemLocked()
		return replica.SyncedNodeAttributes{}, replica.Mismatch(p, expectedID, actual)
	}
	if h.node.IsDir() {
		return c.attrsLocked(h, p)
	}
	if data.Size == 0 {
		return replica.SyncedNodeAttributes{}, replica.Constraint(replica.ZeroSize, p)
	}

	old := h.node
	if err := c.removeRemoteLocked(ctx, old); err != nil {
		return replica.SyncedNodeAttributes{}, &replica.TransportError{Op: "update", Path: p, Err: err}
	}
	c.detachLocked(h)

	node, err := c.transport.UploadStream(ctx, old.ParentID, old.Name, content, data.Size)
	if err != nil {
		return replica.SyncedNodeAttributes{}, &replica.TransportError{Op: "update", Path: p, Err: err}
	}

	nh := c.addLocked(node)
	slog.Debug("remotetree update", "path", p, "old", old.ID, "new", node.ID)
	return c.attrsLocked(nh, p)
}

// MoveFile renames the node when only the name changes and reparents it
// otherwise. A node already found at newPath counts as moved.
func (c *TreeCache) MoveFile(ctx context.Context, oldPath, newPath, expectedID string) (replica.SyncedNodeAttributes, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readyLocked(); err != nil {
		return replica.SyncedNodeAttributes{}, err
	}

	h, ok := c.lookupLocked(oldPath)
	if !ok {
		if cur, ok := c.nodes[expectedID]; ok {
			if p, in := cur.pathLocked(); in && p == newPath {
				return c.attrsLocked(cur, newPath)
			}
		}
		return replica.SyncedNodeAttributes{}, fmt.Errorf("move %s: %w", oldPath, replica.ErrNotFound)
	}
	if h.ID() != expectedID {
		actual, _ := h.itemLocked()
		return replica.SyncedNodeAttributes{}, replica.Mismatch(oldPath, expectedID, actual)
	}
	if oldPath == newPath {
		return c.attrsLocked(h, newPath)
	}
	if existing, ok := c.lookupLocked(newPath); ok {
		item, _ := existing.itemLocked()
		return replica.SyncedNodeAttributes{}, replica.Exists(newPath, item)
	}
	parent, err := c.parentForLocked(newPath)
	if err != nil {
		return replica.SyncedNodeAttributes{}, err
	}

	node := h.node
	if parent.ID() != node.ParentID {
		if err := c.transport.MoveNode(ctx, node.ID, parent.ID()); err != nil {
			return replica.SyncedNodeAttributes{}, c.moveFailedLocked(h, oldPath, err)
		}
		node.ParentID = parent.ID()
		h.node = node
		c.touchLocked()
	}

	if name := path.Base(newPath); name != node.Name {
		node.Name = name
		if err := c.transport.UpdateAttributes(ctx, node); err != nil {
			return replica.SyncedNodeAttributes{}, c.moveFailedLocked(h, oldPath, err)
		}
		h.node = node
		c.touchLocked()
	}

	slog.Debug("remotetree move", "from", oldPath, "to", newPath, "id", node.ID)
	return c.attrsLocked(h, newPath)
}

func (c *TreeCache) moveFailedLocked(h *NodeHandle, p string, err error) error {
	if errors.Is(err, ErrNodeNotFound) {
		c.forgetLocked(h)
		return fmt.Errorf("move %s: %w", p, replica.ErrNotFound)
	}
	return &replica.TransportError{Op: "move", Path: p, Err: err}
}

// DeleteFile removes the node at p, to the trash when enabled. A missing node
// counts as deleted.
func (c *TreeCache) DeleteFile(ctx context.Context, p, expectedID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readyLocked(); err != nil {
		return err
	}

	h, ok := c.lookupLocked(p)
	if !ok {
		return nil
	}
	if h.ID() != expectedID {
		actual, _ := h.itemLocked()
		return replica.Mismatch(p, expectedID, actual)
	}
	if h.node.IsDir() && c.hasChildrenLocked(h.ID()) {
		return replica.Constraint(replica.NotEmpty, p)
	}

	if err := c.removeRemoteLocked(ctx, h.node); err != nil {
		return &replica.TransportError{Op: "delete", Path: p, Err: err}
	}
	c.detachLocked(h)
	slog.Debug("remotetree delete", "path", p, "id", h.ID(), "trash", c.useTrashLocked())
	return nil
}

// BackupFile renames the node at p to the first free backup name.
func (c *TreeCache) BackupFile(ctx context.Context, p string) (replica.SyncedNodeAttributes, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readyLocked(); err != nil {
		return replica.SyncedNodeAttributes{}, err
	}

	h, ok := c.lookupLocked(p)
	if !ok || p == "" {
		return replica.SyncedNodeAttributes{}, fmt.Errorf("backup %s: %w", p, replica.ErrNotFound)
	}
	target, err := c.cfg.Backup.Next(p, func(q string) bool {
		_, taken := c.lookupLocked(q)
		return taken
	})
	if err != nil {
		return replica.SyncedNodeAttributes{}, err
	}

	node := h.node
	node.Name = path.Base(target)
	if err := c.transport.UpdateAttributes(ctx, node); err != nil {
		return replica.SyncedNodeAttributes{}, &replica.TransportError{Op: "backup", Path: p, Err: err}
	}
	h.node = node
	c.touchLocked()

	slog.Info("remotetree backup", "path", p, "backup", target)
	return c.attrsLocked(h, target)
}

// Open downloads the file at p into the temp directory. Closing the returned
// reader removes the download.
func (c *TreeCache) Open(ctx context.Context, p, expectedID string) (io.ReadCloser, error) {
	c.mu.Lock()
	h, ok := c.lookupLocked(p)
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("open %s: %w", p, replica.ErrNotFound)
	}
	if expectedID != "" && h.ID() != expectedID {
		actual, _ := h.itemLocked()
		c.mu.Unlock()
		return nil, replica.Mismatch(p, expectedID, actual)
	}
	node := h.node
	c.mu.Unlock()

	if node.IsDir() {
		return nil, fmt.Errorf("open %s: is a folder", p)
	}

	f, err := os.CreateTemp(c.cfg.TempDir, "download-*")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	tmp := f.Name()
	f.Close()

	if err := c.transport.DownloadToPath(ctx, node, tmp); err != nil {
		os.Remove(tmp)
		if errors.Is(err, ErrNodeNotFound) {
			return nil, fmt.Errorf("open %s: %w", p, replica.ErrNotFound)
		}
		return nil, &replica.TransportError{Op: "download", Path: p, Err: err}
	}

	rf, err := os.Open(tmp)
	if err != nil {
		os.Remove(tmp)
		return nil, err
	}
	return &tempFile{File: rf}, nil
}

type tempFile struct {
	*os.File
}

func (t *tempFile) Close() error {
	err := t.File.Close()
	os.Remove(t.File.Name())
	return err
}

func (c *TreeCache) parentForLocked(p string) (*NodeHandle, error) {
	parent, ok := c.lookupLocked(replica.ParentPath(p))
	if !ok || !parent.node.IsDir() {
		return nil, replica.Constraint(replica.NoParent, p)
	}
	return parent, nil
}

func (c *TreeCache) useTrashLocked() bool {
	return c.cfg.UseTrash && c.trashID != ""
}

func (c *TreeCache) removeRemoteLocked(ctx context.Context, node RemoteNode) error {
	var err error
	if c.useTrashLocked() {
		err = c.transport.MoveNode(ctx, node.ID, c.trashID)
	} else {
		err = c.transport.DeleteNode(ctx, node.ID)
	}
	if errors.Is(err, ErrNodeNotFound) {
		return nil
	}
	return err
}

// detachLocked takes a removed node out of the sync root: it is parked in the
// trash or forgotten.
func (c *TreeCache) detachLocked(h *NodeHandle) {
	if c.useTrashLocked() {
		h.node.ParentID = c.trashID
		c.touchLocked()
		return
	}
	c.forgetLocked(h)
}

func (c *TreeCache) forgetLocked(h *NodeHandle) {
	delete(c.nodes, h.ID())
	c.touchLocked()
}

func (c *TreeCache) addLocked(node RemoteNode) *NodeHandle {
	h := &NodeHandle{cache: c, node: node}
	c.nodes[node.ID] = h
	c.touchLocked()
	return h
}

func (c *TreeCache) attrsLocked(h *NodeHandle, p string) (replica.SyncedNodeAttributes, error) {
	item, ok := h.itemLocked()
	if !ok {
		return replica.SyncedNodeAttributes{}, fmt.Errorf("node %s left the sync root while resolving %s", h.ID(), p)
	}
	return replica.AttributesOf(item), nil
}
