package replica

import (
	"fmt"
	"path"
	"strings"
)

// BackupPolicy names the marker placed in the file name of a conflict backup.
// We use plain dot-suffixes for command-line friendliness.
type BackupPolicy string

const (
	// BackupSuffix produces "file.backup1.txt".
	BackupSuffix BackupPolicy = "backup"
	// RemoteSuffix produces "file.remote1.txt".
	RemoteSuffix BackupPolicy = "remote"
)

// maxBackupIndex bounds the search for an unused backup name.
const maxBackupIndex = 10000

// ParseBackupPolicy validates a configured policy name.
func ParseBackupPolicy(s string) (BackupPolicy, error) {
	switch BackupPolicy(s) {
	case BackupSuffix, RemoteSuffix:
		return BackupPolicy(s), nil
	case "":
		return BackupSuffix, nil
	default:
		return "", fmt.Errorf("unknown backup policy %q", s)
	}
}

// Name builds the n-th backup name for p.
// e.g., "dir/file.txt" -> "dir/file.backup1.txt"
func (b BackupPolicy) Name(p string, n int) string {
	dir, base := path.Split(p)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		// ".profile" has no stem, the marker goes last
		stem, ext = base, ""
	}
	return dir + fmt.Sprintf("%s.%s%d%s", stem, b, n, ext)
}

// Next returns the backup name for p with the smallest n for which exists
// reports false.
func (b BackupPolicy) Next(p string, exists func(string) bool) (string, error) {
	for n := 1; n <= maxBackupIndex; n++ {
		candidate := b.Name(p, n)
		if !exists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free backup name for %s", p)
}
