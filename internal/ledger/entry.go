package ledger

import (
	"fmt"
	"time"

	"github.com/openmined/treesync/internal/replica"
)

// Entry is the ledger record of one synchronized item on one replica.
type Entry struct {
	ItemID    string
	Creation  Version
	Change    Version
	Tombstone bool
	DeletedAt time.Time

	// last known location on the replica
	NodeID string
	Path   string
	IsDir  bool
	replica.Fingerprint
}

// Live reports whether the entry describes an existing item.
func (e *Entry) Live() bool {
	return !e.Tombstone
}

// SetAttributes records where a replica operation left the item.
func (e *Entry) SetAttributes(attrs replica.SyncedNodeAttributes) {
	e.NodeID = attrs.NodeID
	e.Path = attrs.Path
	e.Fingerprint = attrs.Fingerprint
}

// Item returns the replica item this entry expects to find.
func (e *Entry) Item() replica.Item {
	return replica.Item{NodeID: e.NodeID, Path: e.Path, IsDir: e.IsDir, Fingerprint: e.Fingerprint}
}

// dbEntry is the row layout of the items table. Times are stored as fixed
// width UTC text so they compare correctly as strings.
type dbEntry struct {
	Replica         string `db:"replica"`
	ItemID          string `db:"item_id"`
	CreationReplica string `db:"creation_replica"`
	CreationTick    int64  `db:"creation_tick"`
	ChangeReplica   string `db:"change_replica"`
	ChangeTick      int64  `db:"change_tick"`
	Tombstone       bool   `db:"tombstone"`
	DeletedAt       string `db:"deleted_at"`
	NodeID          string `db:"node_id"`
	Path            string `db:"path"`
	IsDir           bool   `db:"is_dir"`
	Size            int64  `db:"size"`
	ModTime         string `db:"mod_time"`
	ETag            string `db:"etag"`
}

func toRow(name string, e *Entry) dbEntry {
	return dbEntry{
		Replica:         name,
		ItemID:          e.ItemID,
		CreationReplica: e.Creation.Replica,
		CreationTick:    e.Creation.Tick,
		ChangeReplica:   e.Change.Replica,
		ChangeTick:      e.Change.Tick,
		Tombstone:       e.Tombstone,
		DeletedAt:       formatTime(e.DeletedAt),
		NodeID:          e.NodeID,
		Path:            e.Path,
		IsDir:           e.IsDir,
		Size:            e.Size,
		ModTime:         formatTime(e.ModTime),
		ETag:            e.ETag,
	}
}

func (r *dbEntry) toEntry() (*Entry, error) {
	deletedAt, err := parseTime(r.DeletedAt)
	if err != nil {
		return nil, fmt.Errorf("item %s deleted_at: %w", r.ItemID, err)
	}
	modTime, err := parseTime(r.ModTime)
	if err != nil {
		return nil, fmt.Errorf("item %s mod_time: %w", r.ItemID, err)
	}
	return &Entry{
		ItemID:    r.ItemID,
		Creation:  Version{Replica: r.CreationReplica, Tick: r.CreationTick},
		Change:    Version{Replica: r.ChangeReplica, Tick: r.ChangeTick},
		Tombstone: r.Tombstone,
		DeletedAt: deletedAt,
		NodeID:    r.NodeID,
		Path:      r.Path,
		IsDir:     r.IsDir,
		Fingerprint: replica.Fingerprint{
			Size:    r.Size,
			ModTime: modTime,
			ETag:    r.ETag,
		},
	}, nil
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
