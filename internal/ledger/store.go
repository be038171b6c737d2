// Package ledger is the durable version history of every synchronized item.
//
// A single sqlite database holds one ledger per replica. Each ledger owns a
// replica key and a tick counter; versions are (key, tick) pairs and the
// knowledge table records which versions of the other replica a ledger has
// incorporated.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/openmined/treesync/internal/db"
	"github.com/openmined/treesync/internal/utils"
)

const schema = `
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS replicas (
    name TEXT PRIMARY KEY,
    replica_key TEXT NOT NULL UNIQUE,
    tick INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS knowledge (
    replica TEXT NOT NULL,
    source_key TEXT NOT NULL,
    tick INTEGER NOT NULL,
    PRIMARY KEY (replica, source_key)
);

CREATE TABLE IF NOT EXISTS items (
    replica TEXT NOT NULL,
    item_id TEXT NOT NULL,
    creation_replica TEXT NOT NULL,
    creation_tick INTEGER NOT NULL,
    change_replica TEXT NOT NULL,
    change_tick INTEGER NOT NULL,
    tombstone INTEGER NOT NULL DEFAULT 0,
    deleted_at TEXT NOT NULL DEFAULT '',
    node_id TEXT NOT NULL DEFAULT '',
    path TEXT NOT NULL DEFAULT '',
    is_dir INTEGER NOT NULL DEFAULT 0,
    size INTEGER NOT NULL DEFAULT 0,
    mod_time TEXT NOT NULL DEFAULT '',
    etag TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (replica, item_id)
);

CREATE INDEX IF NOT EXISTS idx_items_node ON items(replica, node_id);
CREATE INDEX IF NOT EXISTS idx_items_path ON items(replica, path);
CREATE INDEX IF NOT EXISTS idx_items_change ON items(replica, change_replica, change_tick);
`

const (
	metaDevice = "device"
	appID      = "treesync"
)

var (
	ErrNotOpen       = errors.New("ledger: not open")
	ErrTxActive      = errors.New("ledger: transaction already active")
	ErrNoTx          = errors.New("ledger: no active transaction")
	ErrForeignLedger = errors.New("ledger: database belongs to another device")
)

// Store owns the ledger database. All access goes through one lock.
type Store struct {
	dbPath string

	mu       sync.Mutex
	db       *sqlx.DB
	tx       *sqlx.Tx
	replicas map[string]*Ledger
}

func NewStore(dbPath string) *Store {
	return &Store{
		dbPath:   dbPath,
		replicas: make(map[string]*Ledger),
	}
}

func (s *Store) Path() string {
	return s.dbPath
}

// Open connects to the database and creates the schema. A database created
// on another machine is refused with ErrForeignLedger.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return fmt.Errorf("ledger already open")
	}

	if err := utils.EnsureParent(s.dbPath); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}

	conn, err := db.NewSqliteDB(db.WithPath(s.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		conn.Close()
		return fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	if err := checkDevice(ctx, conn); err != nil {
		conn.Close()
		return err
	}

	s.db = conn
	slog.Debug("ledger open", "path", s.dbPath)
	return nil
}

func checkDevice(ctx context.Context, conn *sqlx.DB) error {
	device, err := machineid.ProtectedID(appID)
	if err != nil {
		slog.Debug("ledger device id unavailable", "error", err)
		return nil
	}

	var stored string
	err = conn.GetContext(ctx, &stored, "SELECT value FROM meta WHERE key = ?", metaDevice)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = conn.ExecContext(ctx, "INSERT INTO meta (key, value) VALUES (?, ?)", metaDevice, device)
		return err
	case err != nil:
		return fmt.Errorf("failed to read ledger device: %w", err)
	case stored != device:
		return ErrForeignLedger
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Store) closeLocked() error {
	if s.db == nil {
		return ErrNotOpen
	}
	if s.tx != nil {
		s.tx.Rollback()
		s.tx = nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		slog.Error("ledger close", "error", err)
		return err
	}
	slog.Debug("ledger closed")
	return nil
}

// Destroy closes the database if open and moves the file aside as
// <path>.<timestamp>.bak.
func (s *Store) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		if err := s.closeLocked(); err != nil {
			return fmt.Errorf("failed to close ledger: %w", err)
		}
	}
	s.replicas = make(map[string]*Ledger)

	timestamp := time.Now().Format("20060102150405")
	if err := os.Rename(s.dbPath, fmt.Sprintf("%s.%s.bak", s.dbPath, timestamp)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rename ledger file: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		os.Remove(s.dbPath + suffix)
	}
	slog.Warn("ledger destroyed", "path", s.dbPath)
	return nil
}

// Reset forgets every item, watermark and tick. Open ledgers get fresh replica
// keys so versions minted before the reset can never match.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotOpen
	}
	if s.tx != nil {
		return ErrTxActive
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"items", "knowledge", "replicas"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	for _, l := range s.replicas {
		key, err := registerReplica(ctx, tx, l.name)
		if err != nil {
			return err
		}
		l.key = key
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	slog.Warn("ledger reset", "replicas", len(s.replicas))
	return nil
}

// Replica returns the ledger for the named replica, registering it with a
// fresh key on first use.
func (s *Store) Replica(ctx context.Context, name string) (*Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrNotOpen
	}
	if l, ok := s.replicas[name]; ok {
		return l, nil
	}

	key, err := registerReplica(ctx, s.extLocked(), name)
	if err != nil {
		return nil, err
	}
	l := &Ledger{store: s, name: name, key: key}
	s.replicas[name] = l
	return l, nil
}

func registerReplica(ctx context.Context, q sqlx.ExtContext, name string) (string, error) {
	var key string
	err := sqlx.GetContext(ctx, q, &key, "SELECT replica_key FROM replicas WHERE name = ?", name)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to query replica %s: %w", name, err)
	}

	key = uuid.NewString()
	if _, err := q.ExecContext(ctx, "INSERT INTO replicas (name, replica_key, tick) VALUES (?, ?, 0)", name, key); err != nil {
		return "", fmt.Errorf("failed to register replica %s: %w", name, err)
	}
	slog.Info("ledger replica registered", "name", name, "key", key)
	return key, nil
}

// BeginTransaction starts the session transaction. Every ledger call made
// until commit or rollback runs inside it.
func (s *Store) BeginTransaction(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotOpen
	}
	if s.tx != nil {
		return ErrTxActive
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	s.tx = tx
	return nil
}

func (s *Store) CommitTransaction() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return ErrNoTx
	}

	err := s.tx.Commit()
	s.tx = nil
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RollbackTransaction discards the active transaction. It is a no-op when
// none is active.
func (s *Store) RollbackTransaction() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return nil
	}

	err := s.tx.Rollback()
	s.tx = nil
	return err
}

// CleanupTombstones purges tombstones older than retention across all
// replicas and returns how many were removed.
func (s *Store) CleanupTombstones(ctx context.Context, retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, ErrNotOpen
	}

	cutoff := formatTime(time.Now().Add(-retention))
	res, err := s.extLocked().ExecContext(ctx,
		"DELETE FROM items WHERE tombstone = 1 AND deleted_at != '' AND deleted_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge tombstones: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Info("ledger tombstones purged", "count", n, "retention", retention)
	return n, nil
}

func (s *Store) extLocked() sqlx.ExtContext {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// with runs fn against the active transaction, or the database when none is
// active, while holding the store lock.
func (s *Store) with(fn func(q sqlx.ExtContext) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotOpen
	}
	return fn(s.extLocked())
}
