package resolver

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Kind is what a change does to the receiving replica.
type Kind int

const (
	Create Kind = iota
	Update
	Rename
	Delete
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Update:
		return "update"
	case Rename:
		return "rename"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of applying one change.
type Outcome int

const (
	// Applied changed the receiving replica.
	Applied Outcome = iota
	// Skipped recorded the version without touching the replica.
	Skipped
	// Deferred left the item for a later session.
	Deferred
	// RequiresResync could not proceed until both replicas are rescanned.
	RequiresResync
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Skipped:
		return "skipped"
	case Deferred:
		return "deferred"
	case RequiresResync:
		return "requires-resync"
	default:
		return "unknown"
	}
}

// Result describes what happened to one change. Err carries the per-item
// problem, if any; Retryable reports whether the change should be offered
// again.
type Result struct {
	Outcome   Outcome
	Kind      Kind
	Path      string
	Err       error
	Retryable bool
	Conflict  bool
}

// Failed reports whether the change has to be offered again.
func (r Result) Failed() bool {
	return r.Err != nil && r.Retryable
}

// Notification is raised for every change applied to a replica.
type Notification struct {
	Kind    Kind
	IsDir   bool
	Path    string
	OldPath string
	Size    int64
	// Local is set when the local replica was changed.
	Local bool
	Time  time.Time
}

// Message renders the notification for a change feed.
// e.g., "Created File: docs/a.txt (10 B)"
func (n Notification) Message() string {
	noun := "File"
	if n.IsDir {
		noun = "Folder"
	}

	var msg string
	switch n.Kind {
	case Create:
		msg = fmt.Sprintf("Created %s: %s", noun, n.Path)
	case Update:
		msg = fmt.Sprintf("Updated %s: %s", noun, n.Path)
	case Rename:
		msg = fmt.Sprintf("Renamed %s: %s to %s", noun, n.OldPath, n.Path)
	case Delete:
		return fmt.Sprintf("Deleted %s: %s", noun, n.Path)
	}
	if !n.IsDir && n.Size > 0 {
		msg += fmt.Sprintf(" (%s)", humanize.Bytes(uint64(n.Size)))
	}
	return msg
}
