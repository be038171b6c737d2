// Package workspace lays out the app-data directory of a sync engine and
// guards it with an exclusive lock.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/openmined/treesync/internal/utils"
)

const (
	ledgerFile   = "ledger.db"
	lockFile     = "treesync.lock"
	clientIDFile = "client_id"
	logFile      = "treesync.log"
	tempDir      = "tmp"
	recycleDir   = "recycle"
	logsDir      = "logs"
)

var (
	ErrWorkspaceLocked = errors.New("workspace locked by another process")
)

type Workspace struct {
	SyncDir    string
	DataDir    string
	LedgerPath string
	TempDir    string
	RecycleDir string
	LogsDir    string

	flock *flock.Flock
}

func New(syncDir, dataDir string) (*Workspace, error) {
	sync, err := utils.ResolvePath(syncDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", syncDir, err)
	}
	data, err := utils.ResolvePath(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", dataDir, err)
	}

	return &Workspace{
		SyncDir:    sync,
		DataDir:    data,
		LedgerPath: filepath.Join(data, ledgerFile),
		TempDir:    filepath.Join(data, tempDir),
		RecycleDir: filepath.Join(data, recycleDir),
		LogsDir:    filepath.Join(data, logsDir),
		flock:      flock.New(filepath.Join(data, lockFile)),
	}, nil
}

// LogFile is where the CLI writes its log.
func (w *Workspace) LogFile() string {
	return filepath.Join(w.LogsDir, logFile)
}

func (w *Workspace) Lock() error {
	// one engine per data directory, the ledger is not shared
	if err := utils.EnsureDir(w.DataDir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", w.DataDir, err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}
	return nil
}

func (w *Workspace) Unlock() error {
	// if this process hasn't locked the workspace, then don't delete the lock file
	if !w.flock.Locked() {
		return nil
	}

	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock workspace: %w", err)
	}
	return os.Remove(w.flock.Path())
}

// Setup locks the workspace and creates its directories.
func (w *Workspace) Setup() error {
	if err := w.Lock(); err != nil {
		return err
	}

	for _, dir := range []string{w.SyncDir, w.TempDir, w.RecycleDir, w.LogsDir} {
		if err := utils.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	slog.Info("workspace", "sync", w.SyncDir, "data", w.DataDir)
	return nil
}

// ClientID returns the id this installation uses to recognize its own
// changes, creating it on first use.
func (w *Workspace) ClientID() (string, error) {
	path := filepath.Join(w.DataDir, clientIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	id := uuid.NewString()
	if err := utils.EnsureParent(path); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", err
	}
	return id, nil
}
