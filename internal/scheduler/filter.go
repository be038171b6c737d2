package scheduler

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/treesync/internal/localfs"
	"github.com/openmined/treesync/internal/replica"
)

// relevant reports whether a local change event should restart the debounce
// timer. Hidden and excluded paths never matter, and of folder events only
// structural ones.
func relevant(ev localfs.ChangeEvent, excluded func(rel string, isDir bool) bool) bool {
	if ev.Path == "" || replica.IsHidden(ev.Path) {
		return false
	}
	if excluded != nil && excluded(ev.Path, ev.IsDir) {
		return false
	}
	if ev.IsDir {
		return ev.Kind != localfs.Updated
	}
	return true
}

// withoutExcluded drops remote items at paths the local replica does not
// synchronize, and everything below such a folder. Both replicas then agree
// on what exists. items must be sorted by path.
func withoutExcluded(items []replica.Item, excluded func(rel string, isDir bool) bool) []replica.Item {
	dropped := mapset.NewThreadUnsafeSet[string]()
	below := func(p string) bool {
		for dir := replica.ParentPath(p); dir != ""; dir = replica.ParentPath(dir) {
			if dropped.Contains(dir) {
				return true
			}
		}
		return false
	}

	kept := make([]replica.Item, 0, len(items))
	for _, it := range items {
		if replica.IsHidden(it.Path) || excluded(it.Path, it.IsDir) || below(it.Path) {
			if it.IsDir {
				dropped.Add(it.Path)
			}
			continue
		}
		kept = append(kept, it)
	}
	return kept
}
