package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	maxRetryCount         = 3
	statusEventBufferSize = 16
)

type SyncState string

const (
	SyncStateSyncing   SyncState = "syncing"
	SyncStateCompleted SyncState = "completed"
	SyncStateError     SyncState = "error"
)

type ConflictState string

const (
	ConflictStateNone       ConflictState = "none"
	ConflictStateConflicted ConflictState = "conflicted"
)

// PathStatus is the last known sync status of one path. Version is the
// change version the status refers to.
type PathStatus struct {
	SyncState     SyncState
	ConflictState ConflictState
	Version       string
	Error         error
	ErrorCount    int
	LastUpdated   time.Time
}

func (s *PathStatus) String() string {
	return fmt.Sprintf("SyncState: %s, ConflictState: %s, Version: %s, Error: %v, ErrorCount: %d",
		s.SyncState, s.ConflictState, s.Version, s.Error, s.ErrorCount)
}

type StatusEvent struct {
	Path   string
	Status PathStatus
}

// Status tracks per-path progress across sessions. Clean completed paths are
// dropped; errors and conflicts stay until the path syncs cleanly again.
type Status struct {
	mu    sync.RWMutex
	paths map[string]*PathStatus
	now   func() time.Time

	onChange func()

	subsMu sync.RWMutex
	subs   []chan StatusEvent
}

func NewStatus(now func() time.Time, onChange func()) *Status {
	if now == nil {
		now = time.Now
	}
	return &Status{
		paths:    make(map[string]*PathStatus),
		now:      now,
		onChange: onChange,
	}
}

// Subscribe returns a channel of status changes. Slow subscribers miss events.
func (s *Status) Subscribe() <-chan StatusEvent {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	ch := make(chan StatusEvent, statusEventBufferSize)
	s.subs = append(s.subs, ch)
	return ch
}

func (s *Status) Unsubscribe(ch <-chan StatusEvent) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for i, sub := range s.subs {
		if sub == ch {
			close(sub)
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			break
		}
	}
}

func (s *Status) broadcast(path string, status PathStatus) {
	s.subsMu.RLock()
	for _, sub := range s.subs {
		select {
		case sub <- StatusEvent{Path: path, Status: status}:
		default:
		}
	}
	s.subsMu.RUnlock()

	if s.onChange != nil {
		s.onChange()
	}
}

func (s *Status) getOrCreate(path string) *PathStatus {
	if status, ok := s.paths[path]; ok {
		return status
	}
	status := &PathStatus{
		ConflictState: ConflictStateNone,
		LastUpdated:   s.now(),
	}
	s.paths[path] = status
	return status
}

// update applies fn to the status of path and broadcasts the result.
func (s *Status) update(path string, fn func(*PathStatus)) {
	s.mu.Lock()
	status := s.getOrCreate(path)
	fn(status)
	status.LastUpdated = s.now()
	snapshot := *status
	if status.SyncState == SyncStateCompleted && status.ConflictState == ConflictStateNone {
		delete(s.paths, path)
	}
	s.mu.Unlock()

	s.broadcast(path, snapshot)
}

func (s *Status) SetSyncing(path, version string) {
	s.update(path, func(st *PathStatus) {
		if st.Version != version {
			st.ErrorCount = 0
			st.ConflictState = ConflictStateNone
		}
		st.SyncState = SyncStateSyncing
		st.Version = version
		st.Error = nil
	})
}

func (s *Status) SetCompleted(path string) {
	s.update(path, func(st *PathStatus) {
		st.SyncState = SyncStateCompleted
		st.Error = nil
		st.ErrorCount = 0
	})
}

func (s *Status) SetConflicted(path string) {
	s.update(path, func(st *PathStatus) {
		st.SyncState = SyncStateCompleted
		st.ConflictState = ConflictStateConflicted
		st.Error = nil
	})
}

func (s *Status) SetError(path, version string, err error) {
	s.update(path, func(st *PathStatus) {
		if st.Version != version {
			st.ErrorCount = 0
		}
		st.SyncState = SyncStateError
		st.Version = version
		st.Error = err
		st.ErrorCount++

		if st.ErrorCount >= maxRetryCount {
			slog.Error("sync", "status", "Error", "path", path, "count", st.ErrorCount, "error", "retry limit reached. path will be excluded until it changes")
		}
	})
}

// ShouldSkip reports whether version of path already failed too often.
func (s *Status) ShouldSkip(path, version string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.paths[path]
	return ok && st.Version == version && st.ErrorCount >= maxRetryCount
}

// Clear forgets path, which makes a skipped path eligible again.
func (s *Status) Clear(path string) {
	s.mu.Lock()
	_, ok := s.paths[path]
	delete(s.paths, path)
	s.mu.Unlock()

	if ok && s.onChange != nil {
		s.onChange()
	}
}

func (s *Status) Get(path string) (PathStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.paths[path]
	if !ok {
		return PathStatus{}, false
	}
	return *st, true
}

// All returns a copy of every tracked status.
func (s *Status) All() map[string]PathStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make(map[string]PathStatus, len(s.paths))
	for p, st := range s.paths {
		all[p] = *st
	}
	return all
}

func (s *Status) ConflictedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, st := range s.paths {
		if st.ConflictState == ConflictStateConflicted {
			n++
		}
	}
	return n
}

func (s *Status) ErrorCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, st := range s.paths {
		if st.SyncState == SyncStateError {
			n++
		}
	}
	return n
}

// Cleanup drops settled entries older than maxAge.
func (s *Status) Cleanup(maxAge time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	for p, st := range s.paths {
		if st.SyncState != SyncStateSyncing && st.LastUpdated.Before(cutoff) {
			delete(s.paths, p)
		}
	}
}

func (s *Status) Close() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for _, sub := range s.subs {
		close(sub)
	}
	s.subs = nil
}
