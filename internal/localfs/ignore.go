package localfs

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/openmined/treesync/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFileName is read from the sync root. Being a dotfile it is never
// synchronized itself.
const IgnoreFileName = ".treesyncignore"

var defaultIgnoreLines = []string{
	// partial downloads and editor swap files
	"*.tmp",
	"*.partial",
	"*.crdownload",
	"*.swp",
	"~$*",
	// tooling
	"__pycache__/",
	"node_modules/",
	".git",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
	"Icon\r",
}

// IgnoreList decides which paths below the sync root are never synchronized.
type IgnoreList struct {
	baseDir string

	mu     sync.RWMutex
	ignore *gitignore.GitIgnore
}

func NewIgnoreList(baseDir string) *IgnoreList {
	return &IgnoreList{baseDir: baseDir}
}

// Load compiles the built-in rules plus the rules of the ignore file. It is
// called again when the ignore file changes.
func (s *IgnoreList) Load() {
	ignorePath := filepath.Join(s.baseDir, IgnoreFileName)
	lines := append([]string{}, defaultIgnoreLines...)

	if utils.FileExists(ignorePath) {
		lines = append(lines, readIgnoreFile(ignorePath)...)
	}
	compiled := gitignore.CompileIgnoreLines(lines...)

	s.mu.Lock()
	s.ignore = compiled
	s.mu.Unlock()
}

func readIgnoreFile(path string) []string {
	file, err := os.Open(path)
	if err != nil {
		slog.Warn("ignore file open", "path", path, "error", err)
		return nil
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("ignore file read", "path", path, "error", err)
	}
	slog.Info("ignore file loaded", "path", path, "rules", len(lines))
	return lines
}

// ShouldIgnore matches a slash separated path relative to the sync root.
func (s *IgnoreList) ShouldIgnore(rel string, isDir bool) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	ignore := s.ignore
	s.mu.RUnlock()

	if ignore == nil {
		return false
	}
	if ignore.MatchesPath(rel) {
		return true
	}
	// directory-only patterns need the trailing slash
	return isDir && ignore.MatchesPath(rel+"/")
}
