//go:build unix

package localfs

import (
	"fmt"
	"io/fs"
	"syscall"
)

// fileID identifies a file by device and inode, which survive renames.
func fileID(info fs.FileInfo, rel string) string {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return fmt.Sprintf("%d:%d", st.Dev, st.Ino)
	}
	return "path:" + rel
}
