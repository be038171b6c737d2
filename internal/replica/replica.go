// Package replica defines the vocabulary shared by both sides of a sync
// relationship: the items a replica holds, the operations the conflict
// resolver performs against it, and the errors those operations raise.
package replica

import (
	"context"
	"io"
	"time"
)

// Fingerprint is the cheap content identity of an item.
type Fingerprint struct {
	Size    int64
	ModTime time.Time
	ETag    string
}

// Item is a live file or folder on a replica.
// Path is slash separated and relative to the sync root.
type Item struct {
	NodeID string
	Path   string
	IsDir  bool
	Fingerprint
}

// SyncedNodeAttributes is returned by every mutating replica operation.
type SyncedNodeAttributes struct {
	NodeID string
	Path   string
	Fingerprint
}

func (a SyncedNodeAttributes) Item(isDir bool) Item {
	return Item{NodeID: a.NodeID, Path: a.Path, IsDir: isDir, Fingerprint: a.Fingerprint}
}

// AttributesOf builds the attributes reported for an existing item.
func AttributesOf(item Item) SyncedNodeAttributes {
	return SyncedNodeAttributes{NodeID: item.NodeID, Path: item.Path, Fingerprint: item.Fingerprint}
}

// Replica is one side of the sync relationship.
//
// Mutations take the node id the caller expects to find at the path and fail
// with a *ConcurrencyError when it does not match. Structural problems are
// reported as *ConstraintError.
type Replica interface {
	Name() string
	IsLocal() bool

	// LiveItems lists every synchronized item below the sync root.
	LiveItems(ctx context.Context) ([]Item, error)
	Lookup(path string) (Item, bool)
	LookupID(id string) (Item, bool)
	Open(ctx context.Context, path, expectedID string) (io.ReadCloser, error)

	InsertNode(ctx context.Context, data Item, path string, content io.Reader) (SyncedNodeAttributes, error)
	UpdateFile(ctx context.Context, path string, data Item, content io.Reader, expectedID string) (SyncedNodeAttributes, error)
	MoveFile(ctx context.Context, oldPath, newPath, expectedID string) (SyncedNodeAttributes, error)
	DeleteFile(ctx context.Context, path, expectedID string) error
	BackupFile(ctx context.Context, path string) (SyncedNodeAttributes, error)
}
