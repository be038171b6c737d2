package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/openmined/treesync/internal/replica"
)

const selectItems = `SELECT replica, item_id, creation_replica, creation_tick, change_replica, change_tick,
    tombstone, deleted_at, node_id, path, is_dir, size, mod_time, etag FROM items`

const upsertItem = `INSERT INTO items (replica, item_id, creation_replica, creation_tick, change_replica, change_tick,
    tombstone, deleted_at, node_id, path, is_dir, size, mod_time, etag)
VALUES (:replica, :item_id, :creation_replica, :creation_tick, :change_replica, :change_tick,
    :tombstone, :deleted_at, :node_id, :path, :is_dir, :size, :mod_time, :etag)
ON CONFLICT(replica, item_id) DO UPDATE SET
    creation_replica = excluded.creation_replica,
    creation_tick = excluded.creation_tick,
    change_replica = excluded.change_replica,
    change_tick = excluded.change_tick,
    tombstone = excluded.tombstone,
    deleted_at = excluded.deleted_at,
    node_id = excluded.node_id,
    path = excluded.path,
    is_dir = excluded.is_dir,
    size = excluded.size,
    mod_time = excluded.mod_time,
    etag = excluded.etag`

// Ledger is the version history of one replica.
type Ledger struct {
	store *Store
	name  string
	key   string
}

func (l *Ledger) Name() string {
	return l.name
}

// Key identifies this replica in versions.
func (l *Ledger) Key() string {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	return l.key
}

// GetNextTick increments and returns the tick counter. The increment is
// written before the value is handed out; inside a session transaction it
// becomes durable together with the entries that use it.
func (l *Ledger) GetNextTick(ctx context.Context) (int64, error) {
	var tick int64
	err := l.store.with(func(q sqlx.ExtContext) error {
		var err error
		tick, err = l.nextTick(ctx, q)
		return err
	})
	return tick, err
}

func (l *Ledger) nextTick(ctx context.Context, q sqlx.ExtContext) (int64, error) {
	if _, err := q.ExecContext(ctx, "UPDATE replicas SET tick = tick + 1 WHERE name = ?", l.name); err != nil {
		return 0, fmt.Errorf("failed to advance tick for %s: %w", l.name, err)
	}
	var tick int64
	if err := sqlx.GetContext(ctx, q, &tick, "SELECT tick FROM replicas WHERE name = ?", l.name); err != nil {
		return 0, fmt.Errorf("failed to read tick for %s: %w", l.name, err)
	}
	return tick, nil
}

// CurrentTick returns the last tick handed out.
func (l *Ledger) CurrentTick(ctx context.Context) (int64, error) {
	var tick int64
	err := l.store.with(func(q sqlx.ExtContext) error {
		return sqlx.GetContext(ctx, q, &tick, "SELECT tick FROM replicas WHERE name = ?", l.name)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read tick for %s: %w", l.name, err)
	}
	return tick, nil
}

// NextVersion mints a new version of this replica.
func (l *Ledger) NextVersion(ctx context.Context) (Version, error) {
	tick, err := l.GetNextTick(ctx)
	if err != nil {
		return Version{}, err
	}
	return Version{Replica: l.Key(), Tick: tick}, nil
}

// CreateEntry allocates a new entry. An empty itemID mints a fresh one and a
// nil creation version mints a local version used for both creation and
// change. The entry is persisted by Save once the caller filled in where the
// item lives.
func (l *Ledger) CreateEntry(ctx context.Context, itemID string, creation *Version) (*Entry, error) {
	if itemID == "" {
		itemID = uuid.NewString()
	}
	var v Version
	if creation != nil {
		v = *creation
	} else {
		var err error
		if v, err = l.NextVersion(ctx); err != nil {
			return nil, err
		}
	}
	return &Entry{ItemID: itemID, Creation: v, Change: v}, nil
}

// Save inserts or updates the entry.
func (l *Ledger) Save(ctx context.Context, e *Entry) error {
	return l.store.with(func(q sqlx.ExtContext) error {
		return l.save(ctx, q, e)
	})
}

func (l *Ledger) save(ctx context.Context, q sqlx.ExtContext, e *Entry) error {
	if e == nil {
		return fmt.Errorf("cannot save nil entry")
	}
	if _, err := sqlx.NamedExecContext(ctx, q, upsertItem, toRow(l.name, e)); err != nil {
		return fmt.Errorf("failed to save item %s (%s): %w", e.ItemID, e.Path, err)
	}
	slog.Debug("ledger save", "replica", l.name, "item", e.ItemID, "path", e.Path, "change", e.Change, "tombstone", e.Tombstone)
	return nil
}

// SaveWithAttrs records the attributes a replica operation returned and saves
// the entry.
func (l *Ledger) SaveWithAttrs(ctx context.Context, e *Entry, attrs replica.SyncedNodeAttributes) error {
	e.SetAttributes(attrs)
	return l.Save(ctx, e)
}

// MarkDeleted tombstones the entry at version v. The row stays so the other
// replica learns of the deletion.
func (l *Ledger) MarkDeleted(ctx context.Context, e *Entry, v Version) error {
	e.Tombstone = true
	e.Change = v
	e.DeletedAt = time.Now().UTC()
	return l.Save(ctx, e)
}

// Remove drops the entry without leaving a tombstone.
func (l *Ledger) Remove(ctx context.Context, itemID string) error {
	return l.store.with(func(q sqlx.ExtContext) error {
		if _, err := q.ExecContext(ctx, "DELETE FROM items WHERE replica = ? AND item_id = ?", l.name, itemID); err != nil {
			return fmt.Errorf("failed to remove item %s: %w", itemID, err)
		}
		return nil
	})
}

// FindByID returns the entry for an item, tombstoned or not, or nil.
func (l *Ledger) FindByID(ctx context.Context, itemID string) (*Entry, error) {
	return l.findOne(ctx, selectItems+" WHERE replica = ? AND item_id = ?", l.name, itemID)
}

// FindByNodeID returns the live entry holding a node id, or nil.
func (l *Ledger) FindByNodeID(ctx context.Context, nodeID string) (*Entry, error) {
	return l.findOne(ctx, selectItems+" WHERE replica = ? AND node_id = ? AND tombstone = 0 LIMIT 1", l.name, nodeID)
}

// FindByPath returns the live entry at a path, or nil.
func (l *Ledger) FindByPath(ctx context.Context, p string) (*Entry, error) {
	return l.findOne(ctx, selectItems+" WHERE replica = ? AND path = ? AND tombstone = 0 LIMIT 1", l.name, p)
}

func (l *Ledger) findOne(ctx context.Context, query string, args ...any) (*Entry, error) {
	var row dbEntry
	err := l.store.with(func(q sqlx.ExtContext) error {
		return sqlx.GetContext(ctx, q, &row, query, args...)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	return row.toEntry()
}

// Entries lists every entry of the replica, tombstones included.
func (l *Ledger) Entries(ctx context.Context) ([]*Entry, error) {
	return l.findMany(ctx, selectItems+" WHERE replica = ? ORDER BY path", l.name)
}

// LiveUnder lists the live entries strictly below dir.
func (l *Ledger) LiveUnder(ctx context.Context, dir string) ([]*Entry, error) {
	prefix := dir + "/"
	return l.findMany(ctx, selectItems+" WHERE replica = ? AND tombstone = 0 AND substr(path, 1, ?) = ? ORDER BY path",
		l.name, len(prefix), prefix)
}

func (l *Ledger) findMany(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	var rows []dbEntry
	err := l.store.with(func(q sqlx.ExtContext) error {
		return sqlx.SelectContext(ctx, q, &rows, query, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	return toEntries(rows)
}

func toEntries(rows []dbEntry) ([]*Entry, error) {
	entries := make([]*Entry, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Knowledge returns what this replica has incorporated.
func (l *Ledger) Knowledge(ctx context.Context) (Knowledge, error) {
	k := Knowledge{Seen: make(map[string]int64)}
	err := l.store.with(func(q sqlx.ExtContext) error {
		var self struct {
			Key  string `db:"replica_key"`
			Tick int64  `db:"tick"`
		}
		if err := sqlx.GetContext(ctx, q, &self, "SELECT replica_key, tick FROM replicas WHERE name = ?", l.name); err != nil {
			return err
		}
		k.Replica, k.Tick = self.Key, self.Tick

		var marks []struct {
			Source string `db:"source_key"`
			Tick   int64  `db:"tick"`
		}
		if err := sqlx.SelectContext(ctx, q, &marks, "SELECT source_key, tick FROM knowledge WHERE replica = ?", l.name); err != nil {
			return err
		}
		for _, m := range marks {
			k.Seen[m.Source] = m.Tick
		}
		return nil
	})
	if err != nil {
		return Knowledge{}, fmt.Errorf("failed to load knowledge of %s: %w", l.name, err)
	}
	return k, nil
}

// SetWatermark records that every version of source up to tick has been
// incorporated. Watermarks never move backwards.
func (l *Ledger) SetWatermark(ctx context.Context, source string, tick int64) error {
	return l.store.with(func(q sqlx.ExtContext) error {
		_, err := q.ExecContext(ctx, `INSERT INTO knowledge (replica, source_key, tick) VALUES (?, ?, ?)
ON CONFLICT(replica, source_key) DO UPDATE SET tick = MAX(tick, excluded.tick)`, l.name, source, tick)
		if err != nil {
			return fmt.Errorf("failed to set watermark of %s: %w", l.name, err)
		}
		return nil
	})
}

// ChangesSince lists the entries whose change version k does not contain.
func (l *Ledger) ChangesSince(ctx context.Context, k Knowledge) ([]*Entry, error) {
	entries, err := l.Entries(ctx)
	if err != nil {
		return nil, err
	}

	var unseen []*Entry
	for _, e := range entries {
		if !k.Contains(e.Change) {
			unseen = append(unseen, e)
		}
	}
	return unseen, nil
}
