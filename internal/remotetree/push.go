package remotetree

import (
	"context"
	"log/slog"
)

// ApplyPushNotification merges a batch of remote changes. File changes are
// applied in place. Anything that alters folder topology, or references a
// parent the cache does not know, forces a full Refresh instead. At most one
// updated signal is raised per batch.
func (c *TreeCache) ApplyPushNotification(ctx context.Context, batch PushBatch) error {
	c.mu.Lock()
	if !c.loaded {
		c.mu.Unlock()
		slog.Debug("remotetree push before first refresh", "entries", len(batch))
		return c.Refresh(ctx)
	}

	changed := false
	needRefresh := false
	for _, e := range batch {
		if e.Mine {
			continue
		}
		if c.applyPushEntryLocked(e) {
			changed = true
			continue
		}
		if c.pushNeedsRefreshLocked(e) {
			needRefresh = true
			break
		}
	}
	if changed {
		c.touchLocked()
	}
	c.mu.Unlock()

	if needRefresh {
		slog.Debug("remotetree push forces refresh", "entries", len(batch))
		return c.Refresh(ctx)
	}
	if changed {
		c.signalUpdated()
	}
	return nil
}

// applyPushEntryLocked applies an entry that can be merged incrementally and
// reports whether it did.
func (c *TreeCache) applyPushEntryLocked(e PushEntry) bool {
	node := e.Node
	existing, known := c.nodes[node.ID]

	switch e.Kind {
	case PushAdded, PushUpdated:
		if node.IsDir() || (known && existing.node.IsDir()) {
			return false
		}
		if _, ok := c.nodes[node.ParentID]; !ok {
			return false
		}
		if known {
			existing.node = node
		} else {
			c.nodes[node.ID] = &NodeHandle{cache: c, node: node}
		}
		slog.Debug("remotetree push", "kind", e.Kind, "id", node.ID, "name", node.Name)
		return true

	case PushDeleted:
		if !known {
			// nothing to forget
			return false
		}
		if existing.node.IsDir() {
			return false
		}
		delete(c.nodes, node.ID)
		slog.Debug("remotetree push", "kind", e.Kind, "id", node.ID)
		return true
	}
	return false
}

func (c *TreeCache) pushNeedsRefreshLocked(e PushEntry) bool {
	if e.Kind == PushDeleted {
		existing, known := c.nodes[e.Node.ID]
		return known && existing.node.IsDir()
	}
	return true
}
