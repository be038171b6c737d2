package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/openmined/treesync/internal/replica"
)

// ReconcileStats counts what Reconcile recorded.
type ReconcileStats struct {
	Created int
	Updated int
	Deleted int
}

func (s ReconcileStats) Changed() bool {
	return s.Created+s.Updated+s.Deleted > 0
}

// Reconcile turns the live state of the replica into versioned history.
//
// Items are matched to live entries by node id first, and the rest by path.
// Unmatched items get new entries. A moved folder is a new folder: its entry
// is tombstoned and a new one created. A moved or modified file keeps its
// entry and gets a new change version. Entries without a live item are
// tombstoned. All changes of one call share a single version.
func (l *Ledger) Reconcile(ctx context.Context, items []replica.Item) (ReconcileStats, error) {
	var stats ReconcileStats
	err := l.store.with(func(q sqlx.ExtContext) error {
		var err error
		stats, err = l.reconcile(ctx, q, items)
		return err
	})
	if err != nil {
		return ReconcileStats{}, fmt.Errorf("reconcile %s: %w", l.name, err)
	}
	if stats.Changed() {
		slog.Info("ledger reconcile", "replica", l.name, "items", len(items),
			"created", stats.Created, "updated", stats.Updated, "deleted", stats.Deleted)
	}
	return stats, nil
}

func (l *Ledger) reconcile(ctx context.Context, q sqlx.ExtContext, items []replica.Item) (ReconcileStats, error) {
	var stats ReconcileStats

	var rows []dbEntry
	if err := sqlx.SelectContext(ctx, q, &rows, selectItems+" WHERE replica = ? AND tombstone = 0", l.name); err != nil {
		return stats, err
	}
	live, err := toEntries(rows)
	if err != nil {
		return stats, err
	}

	byNode := make(map[string]*Entry, len(live))
	byPath := make(map[string]*Entry, len(live))
	for _, e := range live {
		if e.NodeID != "" {
			byNode[e.NodeID] = e
		}
		byPath[e.Path] = e
	}

	var version *Version
	next := func() (Version, error) {
		if version == nil {
			tick, err := l.nextTick(ctx, q)
			if err != nil {
				return Version{}, err
			}
			version = &Version{Replica: l.key, Tick: tick}
		}
		return *version, nil
	}

	create := func(item replica.Item) error {
		v, err := next()
		if err != nil {
			return err
		}
		e := &Entry{ItemID: uuid.NewString(), Creation: v, Change: v, IsDir: item.IsDir}
		e.SetAttributes(replica.AttributesOf(item))
		stats.Created++
		return l.save(ctx, q, e)
	}

	tombstone := func(e *Entry) error {
		v, err := next()
		if err != nil {
			return err
		}
		e.Tombstone = true
		e.Change = v
		e.DeletedAt = time.Now().UTC()
		stats.Deleted++
		return l.save(ctx, q, e)
	}

	// node ids claim entries before paths do, so a file moved away from a
	// path keeps its entry when a new file takes the path over
	seen := mapset.NewThreadUnsafeSet[string]()
	matched := make([]*Entry, len(items))
	for i, item := range items {
		if e, ok := byNode[item.NodeID]; ok && item.NodeID != "" && !seen.Contains(e.ItemID) {
			matched[i] = e
			seen.Add(e.ItemID)
		}
	}
	for i, item := range items {
		if matched[i] != nil {
			continue
		}
		if e, ok := byPath[item.Path]; ok && !seen.Contains(e.ItemID) {
			matched[i] = e
			seen.Add(e.ItemID)
		}
	}

	for i, item := range items {
		e := matched[i]
		if e == nil {
			if err := create(item); err != nil {
				return stats, err
			}
			continue
		}

		moved := e.Path != item.Path
		if e.IsDir != item.IsDir || (item.IsDir && moved) {
			if err := tombstone(e); err != nil {
				return stats, err
			}
			if err := create(item); err != nil {
				return stats, err
			}
			continue
		}

		if !item.IsDir && (moved || fingerprintChanged(e.Fingerprint, item.Fingerprint)) {
			v, err := next()
			if err != nil {
				return stats, err
			}
			e.Change = v
			e.SetAttributes(replica.AttributesOf(item))
			stats.Updated++
			if err := l.save(ctx, q, e); err != nil {
				return stats, err
			}
			continue
		}

		if e.NodeID != item.NodeID {
			// same item, new handle
			e.NodeID = item.NodeID
			if err := l.save(ctx, q, e); err != nil {
				return stats, err
			}
		}
	}

	for _, e := range live {
		if seen.Contains(e.ItemID) {
			continue
		}
		if err := tombstone(e); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// fingerprintChanged compares size and modification time, and etags when both
// sides have one.
func fingerprintChanged(old, cur replica.Fingerprint) bool {
	if old.Size != cur.Size || !old.ModTime.Equal(cur.ModTime) {
		return true
	}
	return old.ETag != "" && cur.ETag != "" && old.ETag != cur.ETag
}
