package remotetree

import (
	"context"
	"errors"
	"io"
)

// ErrNodeNotFound is returned by transports when the addressed node is gone.
var ErrNodeNotFound = errors.New("remotetree: node not found")

// Transport is the remote storage service as seen by the cache.
type Transport interface {
	ListNodes(ctx context.Context) ([]RemoteNode, error)
	CreateFolder(ctx context.Context, parentID, name string) (RemoteNode, error)
	UploadStream(ctx context.Context, parentID, name string, r io.Reader, size int64) (RemoteNode, error)
	DownloadToPath(ctx context.Context, node RemoteNode, localPath string) error
	MoveNode(ctx context.Context, nodeID, newParentID string) error
	// UpdateAttributes renames the node to node.Name.
	UpdateAttributes(ctx context.Context, node RemoteNode) error
	DeleteNode(ctx context.Context, nodeID string) error
	// Subscribe registers fn for push notifications and returns a function
	// that cancels the subscription.
	Subscribe(fn func(PushBatch)) (cancel func())
}

// PushKind is the kind of a pushed change.
type PushKind int

const (
	PushAdded PushKind = iota
	PushUpdated
	PushDeleted
)

func (k PushKind) String() string {
	switch k {
	case PushAdded:
		return "added"
	case PushUpdated:
		return "updated"
	case PushDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// PushEntry is one change reported by the remote service. Mine marks changes
// caused by this client, which the cache already applied.
type PushEntry struct {
	Kind PushKind
	Node RemoteNode
	Mine bool
}

// PushBatch is a group of changes delivered together.
type PushBatch []PushEntry
