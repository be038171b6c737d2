// Package db opens the embedded sqlite database that backs the version ledger.
package db

import (
	"fmt"
	"log/slog"
	"net/url"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/treesync/internal/utils"
)

const memoryPath = ":memory:"

var pragmas = []string{
	"journal_mode=WAL",
	"synchronous=NORMAL",
	"busy_timeout=5000",
	"foreign_keys=ON",
	"temp_store=MEMORY",
}

type options struct {
	path     string
	maxConns int
}

type SqliteOption func(*options)

// WithPath sets the database file. Without it the database lives in memory.
func WithPath(path string) SqliteOption {
	return func(o *options) {
		o.path = path
	}
}

// WithMaxOpenConns caps the pool. The ledger uses a single connection so a
// transaction sees every statement of a session.
func WithMaxOpenConns(n int) SqliteOption {
	return func(o *options) {
		o.maxConns = n
	}
}

func (o *options) dsn() (string, error) {
	if o.path == "" || o.path == memoryPath {
		return memoryPath, nil
	}
	if err := utils.EnsureParent(o.path); err != nil {
		return "", fmt.Errorf("ensure parent directory: %w", err)
	}
	q := url.Values{}
	q.Set("mode", "rwc")
	q.Set("_txlock", "immediate")
	return "file:" + o.path + "?" + q.Encode(), nil
}

// NewSqliteDB connects to a sqlite database and applies the ledger pragmas.
func NewSqliteDB(opts ...SqliteOption) (*sqlx.DB, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	dsn, err := o.dsn()
	if err != nil {
		return nil, err
	}

	slog.Debug("db open", "driver", driverID, "path", o.path)
	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if o.maxConns > 0 {
		db.SetMaxOpenConns(o.maxConns)
		db.SetMaxIdleConns(o.maxConns)
	}

	for _, p := range pragmas {
		if _, err := db.Exec("PRAGMA " + p); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %s: %w", p, err)
		}
	}
	return db, nil
}
