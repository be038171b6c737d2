package replica

import (
	"path"
	"strings"
)

// ParentPath returns the parent of a sync-root relative path, "" for the root.
func ParentPath(p string) string {
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

// Depth is the number of path segments in p.
func Depth(p string) int {
	if p == "" {
		return 0
	}
	return strings.Count(p, "/") + 1
}

// IsHidden reports whether any segment of p starts with a dot.
func IsHidden(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if strings.HasPrefix(seg, ".") && seg != "." && seg != ".." {
			return true
		}
	}
	return false
}

// IsUnder reports whether p lies strictly below dir.
func IsUnder(p, dir string) bool {
	if dir == "" {
		return p != ""
	}
	return strings.HasPrefix(p, dir+"/")
}
