// Package memtransport is an in-memory remote storage service. It backs the
// "mem" remote backend and lets tests play the part of other clients that
// mutate the remote tree and push notifications about it.
package memtransport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/openmined/treesync/internal/remotetree"
	"github.com/openmined/treesync/internal/utils"
)

const (
	RootID  = "root"
	TrashID = "trash"
)

type entry struct {
	node remotetree.RemoteNode
	data []byte
}

// Transport implements remotetree.Transport.
type Transport struct {
	mu      sync.Mutex
	nodes   map[string]*entry
	subs    map[int]func(remotetree.PushBatch)
	nextSub int
	failing map[string]error
	calls   map[string]int
	now     func() time.Time
}

func New() *Transport {
	t := &Transport{
		nodes:   make(map[string]*entry),
		subs:    make(map[int]func(remotetree.PushBatch)),
		failing: make(map[string]error),
		calls:   make(map[string]int),
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
	t.nodes[RootID] = &entry{node: remotetree.RemoteNode{ID: RootID, Type: remotetree.RootFolder, Name: "Root"}}
	t.nodes[TrashID] = &entry{node: remotetree.RemoteNode{ID: TrashID, ParentID: RootID, Type: remotetree.Trash, Name: "Trash"}}
	return t
}

// FailNext makes the next call of op return err. op is the method name,
// e.g. "UploadStream".
func (t *Transport) FailNext(op string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failing[op] = err
}

// Calls returns how often op was invoked.
func (t *Transport) Calls(op string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[op]
}

func (t *Transport) enter(op string) error {
	t.calls[op]++
	if err, ok := t.failing[op]; ok {
		delete(t.failing, op)
		return err
	}
	return nil
}

func (t *Transport) ListNodes(ctx context.Context) ([]remotetree.RemoteNode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enter("ListNodes"); err != nil {
		return nil, err
	}

	nodes := make([]remotetree.RemoteNode, 0, len(t.nodes))
	for _, e := range t.nodes {
		nodes = append(nodes, e.node)
	}
	return nodes, nil
}

func (t *Transport) CreateFolder(ctx context.Context, parentID, name string) (remotetree.RemoteNode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enter("CreateFolder"); err != nil {
		return remotetree.RemoteNode{}, err
	}
	return t.addLocked(parentID, name, remotetree.Folder, nil)
}

func (t *Transport) UploadStream(ctx context.Context, parentID, name string, r io.Reader, size int64) (remotetree.RemoteNode, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return remotetree.RemoteNode{}, err
	}
	if int64(len(data)) != size {
		return remotetree.RemoteNode{}, fmt.Errorf("upload %s: read %d bytes, expected %d", name, len(data), size)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enter("UploadStream"); err != nil {
		return remotetree.RemoteNode{}, err
	}
	if size == 0 {
		return remotetree.RemoteNode{}, fmt.Errorf("upload %s: empty files are rejected", name)
	}
	return t.addLocked(parentID, name, remotetree.File, data)
}

func (t *Transport) DownloadToPath(ctx context.Context, node remotetree.RemoteNode, localPath string) error {
	t.mu.Lock()
	if err := t.enter("DownloadToPath"); err != nil {
		t.mu.Unlock()
		return err
	}
	e, ok := t.nodes[node.ID]
	var data []byte
	if ok {
		data = bytes.Clone(e.data)
	}
	t.mu.Unlock()

	if !ok {
		return remotetree.ErrNodeNotFound
	}
	if err := utils.EnsureParent(localPath); err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (t *Transport) MoveNode(ctx context.Context, nodeID, newParentID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enter("MoveNode"); err != nil {
		return err
	}

	e, ok := t.nodes[nodeID]
	if !ok {
		return remotetree.ErrNodeNotFound
	}
	if _, ok := t.nodes[newParentID]; !ok {
		return fmt.Errorf("move %s: parent %s: %w", nodeID, newParentID, remotetree.ErrNodeNotFound)
	}
	e.node.ParentID = newParentID
	return nil
}

func (t *Transport) UpdateAttributes(ctx context.Context, node remotetree.RemoteNode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enter("UpdateAttributes"); err != nil {
		return err
	}

	e, ok := t.nodes[node.ID]
	if !ok {
		return remotetree.ErrNodeNotFound
	}
	e.node.Name = node.Name
	return nil
}

func (t *Transport) DeleteNode(ctx context.Context, nodeID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enter("DeleteNode"); err != nil {
		return err
	}

	if _, ok := t.nodes[nodeID]; !ok {
		return remotetree.ErrNodeNotFound
	}
	for _, id := range t.subtreeLocked(nodeID).ToSlice() {
		delete(t.nodes, id)
	}
	return nil
}

func (t *Transport) Subscribe(fn func(remotetree.PushBatch)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}

// Emit delivers a batch to every subscriber.
func (t *Transport) Emit(batch remotetree.PushBatch) {
	t.mu.Lock()
	subs := make([]func(remotetree.PushBatch), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	for _, fn := range subs {
		fn(batch)
	}
}

func (t *Transport) addLocked(parentID, name string, typ remotetree.NodeType, data []byte) (remotetree.RemoteNode, error) {
	if _, ok := t.nodes[parentID]; !ok {
		return remotetree.RemoteNode{}, fmt.Errorf("add %s: parent %s: %w", name, parentID, remotetree.ErrNodeNotFound)
	}
	node := remotetree.RemoteNode{
		ID:           uuid.NewString(),
		ParentID:     parentID,
		Type:         typ,
		Name:         name,
		Size:         int64(len(data)),
		ModifiedTime: t.now(),
	}
	if typ == remotetree.File {
		node.ETag = utils.DataHash(data)
	}
	t.nodes[node.ID] = &entry{node: node, data: data}
	return node, nil
}

func (t *Transport) subtreeLocked(id string) mapset.Set[string] {
	ids := mapset.NewThreadUnsafeSet(id)
	for grew := true; grew; {
		grew = false
		for cid, e := range t.nodes {
			if ids.Contains(e.node.ParentID) && !ids.Contains(cid) {
				ids.Add(cid)
				grew = true
			}
		}
	}
	return ids
}

// The helpers below mutate the tree the way another client would: directly
// and followed by a push notification.

// Resolve returns the node at a slash separated path below the root folder.
func (t *Transport) Resolve(p string) (remotetree.RemoteNode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolveLocked(p)
}

func (t *Transport) resolveLocked(p string) (remotetree.RemoteNode, bool) {
	cur := t.nodes[RootID].node
	if p == "" {
		return cur, true
	}
	for _, seg := range strings.Split(p, "/") {
		found := false
		for _, e := range t.nodes {
			if e.node.ParentID == cur.ID && e.node.Name == seg && e.node.Type != remotetree.Trash {
				cur, found = e.node, true
				break
			}
		}
		if !found {
			return remotetree.RemoteNode{}, false
		}
	}
	return cur, true
}

// Content returns the data of the file at p.
func (t *Transport) Content(p string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.resolveLocked(p)
	if !ok || n.IsDir() {
		return nil, false
	}
	return bytes.Clone(t.nodes[n.ID].data), true
}

// MkdirAll creates the folders of p below the root folder and pushes each
// new folder.
func (t *Transport) MkdirAll(p string) remotetree.RemoteNode {
	t.mu.Lock()
	cur := t.nodes[RootID].node
	var added remotetree.PushBatch
	walked := ""
	for _, seg := range strings.Split(p, "/") {
		if walked == "" {
			walked = seg
		} else {
			walked += "/" + seg
		}
		if n, ok := t.resolveLocked(walked); ok {
			cur = n
			continue
		}
		cur, _ = t.addLocked(cur.ID, seg, remotetree.Folder, nil)
		added = append(added, remotetree.PushEntry{Kind: remotetree.PushAdded, Node: cur})
	}
	t.mu.Unlock()

	if len(added) > 0 {
		t.Emit(added)
	}
	return cur
}

// PutFile writes a file at p, replacing any file already there with a new
// node, and pushes the change. Parent folders must exist.
func (t *Transport) PutFile(p string, data []byte) remotetree.RemoteNode {
	t.mu.Lock()
	dir, name := splitPath(p)
	parent, ok := t.resolveLocked(dir)
	if !ok {
		t.mu.Unlock()
		panic(fmt.Sprintf("memtransport: parent of %s does not exist", p))
	}
	var batch remotetree.PushBatch
	if old, ok := t.resolveLocked(p); ok {
		delete(t.nodes, old.ID)
		batch = append(batch, remotetree.PushEntry{Kind: remotetree.PushDeleted, Node: old})
	}
	node, _ := t.addLocked(parent.ID, name, remotetree.File, bytes.Clone(data))
	batch = append(batch, remotetree.PushEntry{Kind: remotetree.PushAdded, Node: node})
	t.mu.Unlock()

	t.Emit(batch)
	return node
}

// Remove deletes the node at p with its subtree and pushes the deletion.
func (t *Transport) Remove(p string) bool {
	t.mu.Lock()
	n, ok := t.resolveLocked(p)
	if !ok {
		t.mu.Unlock()
		return false
	}
	for _, id := range t.subtreeLocked(n.ID).ToSlice() {
		delete(t.nodes, id)
	}
	t.mu.Unlock()

	t.Emit(remotetree.PushBatch{{Kind: remotetree.PushDeleted, Node: n}})
	return true
}

// Rename changes the name of the node at p and pushes the update.
func (t *Transport) Rename(p, name string) bool {
	t.mu.Lock()
	n, ok := t.resolveLocked(p)
	if !ok {
		t.mu.Unlock()
		return false
	}
	t.nodes[n.ID].node.Name = name
	n = t.nodes[n.ID].node
	t.mu.Unlock()

	t.Emit(remotetree.PushBatch{{Kind: remotetree.PushUpdated, Node: n}})
	return true
}

func splitPath(p string) (string, string) {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return "", p
	}
	return p[:i], p[i+1:]
}
