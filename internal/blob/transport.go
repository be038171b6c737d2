// Package blob keeps the remote tree in an S3 bucket.
//
// Files are objects and folders are zero byte marker objects whose key ends in
// a slash. Folders that only exist as the common prefix of other objects are
// reported too. Node ids and modification times live in the object metadata,
// so both survive renames, which S3 can only express as copy plus delete.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/openmined/treesync/internal/remotetree"
	"github.com/openmined/treesync/internal/utils"
	"golang.org/x/sync/errgroup"
)

const (
	RootID  = "root"
	TrashID = "trash"

	metaNodeID  = "treesync-id"
	metaModTime = "treesync-mtime"

	trashDir = ".trash/"
)

type object struct {
	key      string
	rel      string
	etag     string
	size     int64
	modified time.Time
	meta     objectMeta
}

// Transport implements remotetree.Transport on top of S3.
type Transport struct {
	api   objectAPI
	cfg   S3Config
	index *nodeIndex

	mu sync.Mutex
	// keys maps node ids to keys relative to the prefix. Folder keys end in a
	// slash and the root folder is the empty key.
	keys map[string]string

	subMu   sync.Mutex
	subs    map[int]func(remotetree.PushBatch)
	nextSub int
}

// New connects to the bucket described by cfg.
func New(ctx context.Context, cfg S3Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := newS3Client(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	return newTransport(client, cfg)
}

func newTransport(api objectAPI, cfg S3Config) (*Transport, error) {
	cfg.normalize()
	index, err := newNodeIndex(cfg.IndexSize)
	if err != nil {
		return nil, err
	}
	return &Transport{
		api:   api,
		cfg:   cfg,
		index: index,
		keys:  map[string]string{RootID: "", TrashID: trashDir},
		subs:  make(map[int]func(remotetree.PushBatch)),
	}, nil
}

func (t *Transport) ListNodes(ctx context.Context) ([]remotetree.RemoteNode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := t.cfg.Clock.Now()
	listed, err := t.listLocked(ctx, "")
	if err != nil {
		return nil, err
	}
	objects := listed[:0]
	for _, obj := range listed {
		if obj.rel == "" || strings.HasPrefix(obj.rel, trashDir) || !validRel(obj.rel) {
			continue
		}
		objects = append(objects, obj)
	}
	if err := t.resolveMetaLocked(ctx, objects); err != nil {
		return nil, err
	}

	keys := map[string]string{RootID: "", TrashID: trashDir}
	dirIDs := map[string]string{"": RootID}
	byID := make(map[string]object, len(objects))

	assign := func(obj object) string {
		id := obj.meta.ID
		if _, taken := keys[id]; id == "" || taken {
			id = "key:" + obj.rel
		}
		keys[id] = obj.rel
		byID[id] = obj
		return id
	}

	// markers first, implicit folders only fill the gaps
	for _, obj := range objects {
		if isDirRel(obj.rel) {
			dirIDs[obj.rel] = assign(obj)
		}
	}
	for _, obj := range objects {
		for d := parentRel(obj.rel); d != ""; d = parentRel(d) {
			if _, ok := dirIDs[d]; ok {
				continue
			}
			id := "dir:" + strings.TrimSuffix(d, "/")
			dirIDs[d] = id
			keys[id] = d
		}
	}
	for _, obj := range objects {
		if !isDirRel(obj.rel) {
			assign(obj)
		}
	}

	nodes := make([]remotetree.RemoteNode, 0, len(keys))
	nodes = append(nodes,
		remotetree.RemoteNode{ID: RootID, Type: remotetree.RootFolder, Name: "Root"},
		remotetree.RemoteNode{ID: TrashID, ParentID: RootID, Type: remotetree.Trash, Name: strings.TrimSuffix(trashDir, "/")},
	)
	for id, rel := range keys {
		if id == RootID || id == TrashID {
			continue
		}
		node := remotetree.RemoteNode{
			ID:       id,
			ParentID: dirIDs[parentRel(rel)],
			Type:     remotetree.File,
			Name:     baseName(rel),
		}
		if isDirRel(rel) {
			node.Type = remotetree.Folder
		}
		if obj, ok := byID[id]; ok {
			node.Size = obj.size
			node.ModifiedTime = obj.modTime()
			if node.Type == remotetree.File {
				node.ETag = contentETag(obj.etag)
			}
		}
		nodes = append(nodes, node)
	}
	t.keys = keys

	slog.Debug("blob list", "objects", len(objects), "nodes", len(nodes), "took", t.cfg.Clock.Since(start))
	return nodes, nil
}

func (t *Transport) CreateFolder(ctx context.Context, parentID, name string) (remotetree.RemoteNode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, err := t.dirLocked(parentID)
	if err != nil {
		return remotetree.RemoteNode{}, err
	}
	node := remotetree.RemoteNode{
		ID:           uuid.NewString(),
		ParentID:     parentID,
		Type:         remotetree.Folder,
		Name:         name,
		ModifiedTime: t.now(),
	}
	rel := parent + name + "/"
	if _, err := t.putLocked(ctx, rel, bytes.NewReader(nil), 0, node); err != nil {
		return remotetree.RemoteNode{}, err
	}
	return node, nil
}

func (t *Transport) UploadStream(ctx context.Context, parentID, name string, r io.Reader, size int64) (remotetree.RemoteNode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, err := t.dirLocked(parentID)
	if err != nil {
		return remotetree.RemoteNode{}, err
	}
	node := remotetree.RemoteNode{
		ID:           uuid.NewString(),
		ParentID:     parentID,
		Type:         remotetree.File,
		Name:         name,
		Size:         size,
		ModifiedTime: t.now(),
	}
	etag, err := t.putLocked(ctx, parent+name, r, size, node)
	if err != nil {
		return remotetree.RemoteNode{}, err
	}
	node.ETag = contentETag(etag)
	return node, nil
}

func (t *Transport) DownloadToPath(ctx context.Context, node remotetree.RemoteNode, localPath string) error {
	t.mu.Lock()
	rel, ok := t.keys[node.ID]
	t.mu.Unlock()
	if !ok {
		return remotetree.ErrNodeNotFound
	}
	if isDirRel(rel) || rel == "" {
		return fmt.Errorf("download %s: is a folder", rel)
	}

	key := t.key(rel)
	out, err := t.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &t.cfg.BucketName,
		Key:    &key,
	})
	if err != nil {
		if isNotFound(err) {
			return remotetree.ErrNodeNotFound
		}
		return fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()

	if err := utils.EnsureParent(localPath); err != nil {
		return err
	}
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		return fmt.Errorf("get %s: %w", key, err)
	}
	return f.Close()
}

// MoveNode moves the node below newParentID. Nodes moved to the trash land in
// a timestamped folder so names never collide there.
func (t *Transport) MoveNode(ctx context.Context, nodeID, newParentID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	src, err := t.nodeLocked(nodeID)
	if err != nil {
		return err
	}
	parent, err := t.dirLocked(newParentID)
	if err != nil {
		return err
	}
	if newParentID == TrashID {
		parent = trashDir + t.cfg.Clock.Now().UTC().Format("20060102T150405.000000000") + "/"
	}
	dst := parent + baseName(src)
	if isDirRel(src) {
		dst += "/"
	}
	return t.relocateLocked(ctx, nodeID, src, dst)
}

func (t *Transport) UpdateAttributes(ctx context.Context, node remotetree.RemoteNode) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	src, err := t.nodeLocked(node.ID)
	if err != nil {
		return err
	}
	dst := parentRel(src) + node.Name
	if isDirRel(src) {
		dst += "/"
	}
	return t.relocateLocked(ctx, node.ID, src, dst)
}

func (t *Transport) DeleteNode(ctx context.Context, nodeID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	src, err := t.nodeLocked(nodeID)
	if err != nil {
		return err
	}

	keys := []string{src}
	if isDirRel(src) {
		objects, err := t.listLocked(ctx, src)
		if err != nil {
			return err
		}
		if len(objects) == 0 {
			return remotetree.ErrNodeNotFound
		}
		keys = keys[:0]
		for _, obj := range objects {
			keys = append(keys, obj.rel)
		}
	}
	for _, rel := range keys {
		if err := t.deleteLocked(ctx, rel); err != nil {
			return err
		}
	}
	t.forgetLocked(src)
	return nil
}

// Subscribe registers fn for batches passed to Emit. S3 has no change feed of
// its own; notifications arrive through a separate events connection.
func (t *Transport) Subscribe(fn func(remotetree.PushBatch)) func() {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	return func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()
		delete(t.subs, id)
	}
}

// Emit delivers a batch to every subscriber.
func (t *Transport) Emit(batch remotetree.PushBatch) {
	t.subMu.Lock()
	subs := make([]func(remotetree.PushBatch), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.subMu.Unlock()

	for _, fn := range subs {
		fn(batch)
	}
}

func (t *Transport) listLocked(ctx context.Context, rel string) ([]object, error) {
	input := &s3.ListObjectsV2Input{Bucket: &t.cfg.BucketName}
	if prefix := t.key(rel); prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var objects []object
	paginator := s3.NewListObjectsV2Paginator(t.api, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", t.key(rel), err)
		}
		for _, o := range page.Contents {
			key := aws.ToString(o.Key)
			objects = append(objects, object{
				key:      key,
				rel:      strings.TrimPrefix(key, t.cfg.Prefix),
				etag:     trimETag(o.ETag),
				size:     aws.ToInt64(o.Size),
				modified: aws.ToTime(o.LastModified),
			})
		}
	}
	return objects, nil
}

// resolveMetaLocked fills in object metadata from the index, looking up the
// misses concurrently.
func (t *Transport) resolveMetaLocked(ctx context.Context, objects []object) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.ListConcurrency)

	for i := range objects {
		obj := &objects[i]
		if meta, ok := t.index.Get(obj.key, obj.etag); ok {
			obj.meta = meta
			continue
		}
		g.Go(func() error {
			out, err := t.api.HeadObject(gctx, &s3.HeadObjectInput{
				Bucket: &t.cfg.BucketName,
				Key:    aws.String(obj.key),
			})
			if err != nil {
				// removed since the listing; the next refresh drops it
				if isNotFound(err) {
					return nil
				}
				return fmt.Errorf("head %s: %w", obj.key, err)
			}
			obj.meta = parseMeta(out.Metadata)
			t.index.Set(obj.key, obj.etag, obj.meta)
			return nil
		})
	}
	return g.Wait()
}

// putLocked uploads one object and returns its etag.
func (t *Transport) putLocked(ctx context.Context, rel string, r io.Reader, size int64, node remotetree.RemoteNode) (string, error) {
	key := t.key(rel)
	meta := objectMeta{ID: node.ID, ModTime: node.ModifiedTime}
	out, err := t.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &t.cfg.BucketName,
		Key:           &key,
		Body:          r,
		ContentLength: aws.Int64(size),
		Metadata:      formatMeta(meta),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	etag := trimETag(out.ETag)
	t.index.Set(key, etag, meta)
	t.keys[node.ID] = rel
	slog.Debug("blob put", "key", key, "id", node.ID, "size", size)
	return etag, nil
}

// relocateLocked moves the object, or every object below a folder, from src
// to dst. Folder contents keep their metadata. Folders without a marker get
// one so the folder keeps its id.
func (t *Transport) relocateLocked(ctx context.Context, id, src, dst string) error {
	if src == dst {
		return nil
	}
	if !isDirRel(src) {
		if err := t.copyFileLocked(ctx, id, src, dst); err != nil {
			return err
		}
		if err := t.deleteLocked(ctx, src); err != nil {
			return err
		}
		t.keys[id] = dst
		return nil
	}

	objects, err := t.listLocked(ctx, src)
	if err != nil {
		return err
	}
	if len(objects) == 0 {
		return remotetree.ErrNodeNotFound
	}
	marker := false
	for _, obj := range objects {
		tail := strings.TrimPrefix(obj.rel, src)
		if tail == "" {
			marker = true
		}
		if err := t.copyLocked(ctx, obj.rel, dst+tail, nil); err != nil {
			return err
		}
	}
	if !marker {
		node := remotetree.RemoteNode{ID: id, ModifiedTime: t.now()}
		if _, err := t.putLocked(ctx, dst, bytes.NewReader(nil), 0, node); err != nil {
			return err
		}
	}
	for _, obj := range objects {
		if err := t.deleteLocked(ctx, obj.rel); err != nil {
			return err
		}
	}

	for oid, rel := range t.keys {
		if strings.HasPrefix(rel, src) {
			t.keys[oid] = dst + strings.TrimPrefix(rel, src)
		}
	}
	slog.Debug("blob move folder", "from", src, "to", dst, "objects", len(objects))
	return nil
}

// copyFileLocked copies a single object and stamps it with the node id. The
// modification time is carried over so the copy does not look like an edit.
func (t *Transport) copyFileLocked(ctx context.Context, id, src, dst string) error {
	key := t.key(src)
	head, err := t.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &t.cfg.BucketName,
		Key:    &key,
	})
	if err != nil {
		if isNotFound(err) {
			return remotetree.ErrNodeNotFound
		}
		return fmt.Errorf("head %s: %w", key, err)
	}
	meta := parseMeta(head.Metadata)
	meta.ID = id
	if meta.ModTime.IsZero() {
		meta.ModTime = aws.ToTime(head.LastModified)
	}
	return t.copyLocked(ctx, src, dst, &meta)
}

// copyLocked copies src to dst. A nil meta keeps the source metadata.
func (t *Transport) copyLocked(ctx context.Context, src, dst string, meta *objectMeta) error {
	key := t.key(dst)
	input := &s3.CopyObjectInput{
		Bucket:            &t.cfg.BucketName,
		CopySource:        aws.String(copySource(t.cfg.BucketName, t.key(src))),
		Key:               &key,
		MetadataDirective: types.MetadataDirectiveCopy,
	}
	if meta != nil {
		input.MetadataDirective = types.MetadataDirectiveReplace
		input.Metadata = formatMeta(*meta)
	}

	out, err := t.api.CopyObject(ctx, input)
	if err != nil {
		if isNotFound(err) {
			return remotetree.ErrNodeNotFound
		}
		return fmt.Errorf("copy %s to %s: %w", t.key(src), key, err)
	}
	if meta != nil && out.CopyObjectResult != nil {
		t.index.Set(key, trimETag(out.CopyObjectResult.ETag), *meta)
	}
	return nil
}

func (t *Transport) deleteLocked(ctx context.Context, rel string) error {
	key := t.key(rel)
	if _, err := t.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &t.cfg.BucketName,
		Key:    &key,
	}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (t *Transport) forgetLocked(src string) {
	for id, rel := range t.keys {
		if rel == src || (isDirRel(src) && strings.HasPrefix(rel, src)) {
			delete(t.keys, id)
		}
	}
}

func (t *Transport) nodeLocked(id string) (string, error) {
	rel, ok := t.keys[id]
	if !ok || id == RootID || id == TrashID {
		return "", remotetree.ErrNodeNotFound
	}
	return rel, nil
}

func (t *Transport) dirLocked(id string) (string, error) {
	rel, ok := t.keys[id]
	if !ok || (rel != "" && !isDirRel(rel)) {
		return "", fmt.Errorf("parent %s: %w", id, remotetree.ErrNodeNotFound)
	}
	return rel, nil
}

func (t *Transport) key(rel string) string {
	return t.cfg.Prefix + rel
}

func (t *Transport) now() time.Time {
	return t.cfg.Clock.Now().UTC().Truncate(time.Millisecond)
}

func (o object) modTime() time.Time {
	if !o.meta.ModTime.IsZero() {
		return o.meta.ModTime
	}
	return o.modified
}

func parseMeta(m map[string]string) objectMeta {
	meta := objectMeta{ID: m[metaNodeID]}
	if v, ok := m[metaModTime]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			meta.ModTime = ts.UTC()
		}
	}
	return meta
}

func formatMeta(meta objectMeta) map[string]string {
	m := map[string]string{metaNodeID: meta.ID}
	if !meta.ModTime.IsZero() {
		m[metaModTime] = meta.ModTime.UTC().Format(time.RFC3339Nano)
	}
	return m
}

// contentETag keeps etags that are the md5 of the object. Multipart uploads
// get "<md5 of part md5s>-<parts>" instead.
func contentETag(etag string) string {
	if len(etag) != 32 || strings.Contains(etag, "-") {
		return ""
	}
	return strings.ToLower(etag)
}

func isDirRel(rel string) bool {
	return strings.HasSuffix(rel, "/")
}

// parentRel returns the folder key holding rel, "" for the root.
func parentRel(rel string) string {
	rel = strings.TrimSuffix(rel, "/")
	i := strings.LastIndex(rel, "/")
	if i < 0 {
		return ""
	}
	return rel[:i+1]
}

func baseName(rel string) string {
	rel = strings.TrimSuffix(rel, "/")
	return rel[strings.LastIndex(rel, "/")+1:]
}

func validRel(rel string) bool {
	trimmed := strings.TrimSuffix(rel, "/")
	return trimmed != "" && !strings.HasPrefix(trimmed, "/") && !strings.Contains(trimmed, "//")
}

var _ remotetree.Transport = (*Transport)(nil)
