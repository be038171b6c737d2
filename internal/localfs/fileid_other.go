//go:build !unix

package localfs

import (
	"io/fs"
)

// fileID falls back to the path. Renames then look like delete plus create.
func fileID(_ fs.FileInfo, rel string) string {
	return "path:" + rel
}
