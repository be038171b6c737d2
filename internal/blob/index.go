package blob

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// objectMeta is what a listing needs from an object's metadata.
type objectMeta struct {
	ID      string
	ModTime time.Time
}

// nodeIndex remembers object metadata keyed by object key and etag. A hit
// saves a HeadObject per object during listings. A changed object has a new
// etag and misses.
type nodeIndex struct {
	entries *lru.Cache[string, objectMeta]
}

func newNodeIndex(size int) (*nodeIndex, error) {
	entries, err := lru.New[string, objectMeta](size)
	if err != nil {
		return nil, err
	}
	return &nodeIndex{entries: entries}, nil
}

func indexKey(key, etag string) string {
	return key + "\x00" + etag
}

func (x *nodeIndex) Get(key, etag string) (objectMeta, bool) {
	if etag == "" {
		return objectMeta{}, false
	}
	return x.entries.Get(indexKey(key, etag))
}

// Set records meta for the object. Objects without a node id are recorded too
// so foreign objects are not looked up on every listing.
func (x *nodeIndex) Set(key, etag string, meta objectMeta) {
	if etag == "" {
		return
	}
	x.entries.Add(indexKey(key, etag), meta)
}

func (x *nodeIndex) Len() int {
	return x.entries.Len()
}

func (x *nodeIndex) Purge() {
	x.entries.Purge()
}
