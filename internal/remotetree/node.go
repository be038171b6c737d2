package remotetree

import (
	"time"

	"github.com/openmined/treesync/internal/replica"
)

// NodeType is the kind of a remote node.
type NodeType int

const (
	File NodeType = iota
	Folder
	RootFolder
	Trash
	// Dummy is a synthetic placeholder that never exists remotely.
	Dummy
)

func (t NodeType) String() string {
	switch t {
	case File:
		return "file"
	case Folder:
		return "folder"
	case RootFolder:
		return "root"
	case Trash:
		return "trash"
	case Dummy:
		return "dummy"
	default:
		return "unknown"
	}
}

// RemoteNode is one remote file or folder as reported by the transport.
type RemoteNode struct {
	ID           string
	ParentID     string
	Type         NodeType
	Name         string
	Size         int64
	ModifiedTime time.Time
	// ETag is the md5 of the content when the service knows it.
	ETag string
}

// IsDir reports whether the node can hold children.
func (n RemoteNode) IsDir() bool {
	return n.Type != File
}

// NodeHandle wraps a node inside the cache. The parent is resolved through
// the cache arena by id and the computed path is cached until the cache's
// topology generation changes.
type NodeHandle struct {
	cache *TreeCache
	node  RemoteNode

	path    string
	inRoot  bool
	pathGen uint64
}

// Node returns a copy of the wrapped node.
func (h *NodeHandle) Node() RemoteNode {
	return h.node
}

func (h *NodeHandle) ID() string {
	return h.node.ID
}

// Path returns the sync-root relative path, or false when the node is not
// below the sync root.
func (h *NodeHandle) Path() (string, bool) {
	h.cache.mu.Lock()
	defer h.cache.mu.Unlock()
	return h.pathLocked()
}

func (h *NodeHandle) pathLocked() (string, bool) {
	c := h.cache
	if h.pathGen == c.gen && h.pathGen != 0 {
		return h.path, h.inRoot
	}

	h.path, h.inRoot = c.resolvePathLocked(h.node.ID)
	h.pathGen = c.gen
	return h.path, h.inRoot
}

func (h *NodeHandle) itemLocked() (replica.Item, bool) {
	p, ok := h.pathLocked()
	if !ok {
		return replica.Item{}, false
	}
	return replica.Item{
		NodeID: h.node.ID,
		Path:   p,
		IsDir:  h.node.IsDir(),
		Fingerprint: replica.Fingerprint{
			Size:    h.node.Size,
			ModTime: h.node.ModifiedTime,
			ETag:    h.node.ETag,
		},
	}, true
}
