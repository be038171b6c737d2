package ledger

import (
	"fmt"
)

// Version is a point in one replica's history.
type Version struct {
	Replica string
	Tick    int64
}

func (v Version) IsZero() bool {
	return v.Replica == "" && v.Tick == 0
}

func (v Version) String() string {
	key := v.Replica
	if len(key) > 8 {
		key = key[:8]
	}
	return fmt.Sprintf("%s@%d", key, v.Tick)
}

// Knowledge is the set of versions a replica has incorporated: everything it
// produced itself up to Tick, and for every other replica the watermark
// recorded in Seen.
type Knowledge struct {
	Replica string
	Tick    int64
	Seen    map[string]int64
}

// Contains reports whether v is already known.
func (k Knowledge) Contains(v Version) bool {
	if v.Replica == k.Replica {
		return v.Tick <= k.Tick
	}
	return v.Tick <= k.Seen[v.Replica]
}
