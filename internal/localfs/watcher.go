package localfs

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rjeczalik/notify"
)

const (
	DefaultIgnoreTimeout   = 2 * time.Second
	defaultCleanupInterval = 15 * time.Second
	eventBufferSize        = 256
)

// ChangeKind is the kind of a local filesystem change.
type ChangeKind int

const (
	Created ChangeKind = iota
	Updated
	Deleted
	Renamed
)

func (k ChangeKind) String() string {
	switch k {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	case Renamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// ChangeEvent is one change below the sync root. Path is slash separated and
// relative to the root.
type ChangeEvent struct {
	Path  string
	Kind  ChangeKind
	IsDir bool
	// Size is 0 for folders and deleted items.
	Size int64
}

// FilterCallback returns true if the event should be dropped.
type FilterCallback func(ev ChangeEvent) bool

// Watcher is the local change source. It drops events caused by the engine's
// own writes, registered through IgnoreOnce.
type Watcher struct {
	watchDir        string
	rawEvents       chan notify.EventInfo
	events          chan ChangeEvent
	ignore          map[string]time.Time
	ignoreMu        sync.Mutex
	cleanupInterval time.Duration
	done            chan struct{}
	wg              sync.WaitGroup

	filter   FilterCallback
	filterMu sync.RWMutex
}

func NewWatcher(watchDir string) *Watcher {
	if resolved, err := filepath.EvalSymlinks(watchDir); err == nil {
		watchDir = resolved
	}
	return &Watcher{
		watchDir:        watchDir,
		ignore:          make(map[string]time.Time),
		cleanupInterval: defaultCleanupInterval,
		done:            make(chan struct{}),
		events:          make(chan ChangeEvent, eventBufferSize),
	}
}

// FilterPaths installs a callback that drops events before delivery
func (w *Watcher) FilterPaths(callback FilterCallback) {
	w.filterMu.Lock()
	defer w.filterMu.Unlock()
	w.filter = callback
}

func (w *Watcher) Start(ctx context.Context) error {
	slog.Info("watcher start", "dir", w.watchDir)

	w.rawEvents = make(chan notify.EventInfo, eventBufferSize)
	recursivePath := filepath.Join(w.watchDir, "...")
	if err := notify.Watch(recursivePath, w.rawEvents, notify.Create, notify.Remove, notify.Rename, notify.Write); err != nil {
		return err
	}

	w.wg.Add(2)
	go w.forwardEvents(ctx)
	go w.cleanupExpired(ctx)
	return nil
}

func (w *Watcher) Stop() {
	slog.Info("watcher stopping")
	close(w.done)
	if w.rawEvents != nil {
		notify.Stop(w.rawEvents)
	}
	w.wg.Wait()
	slog.Info("watcher stopped")
}

// Events delivers filtered change events. The channel is closed on Stop.
func (w *Watcher) Events() <-chan ChangeEvent {
	return w.events
}

// IgnoreOnce drops the next event for an absolute path
func (w *Watcher) IgnoreOnce(absPath string) {
	w.ignoreMu.Lock()
	defer w.ignoreMu.Unlock()
	w.ignore[absPath] = time.Now().Add(DefaultIgnoreTimeout)
}

func (w *Watcher) consumeIgnore(absPath string) bool {
	w.ignoreMu.Lock()
	defer w.ignoreMu.Unlock()

	expiry, ok := w.ignore[absPath]
	if !ok {
		return false
	}
	delete(w.ignore, absPath)
	return time.Now().Before(expiry)
}

func (w *Watcher) forwardEvents(ctx context.Context) {
	defer func() {
		w.wg.Done()
		close(w.events)
		slog.Debug("watcher forward done")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case raw, ok := <-w.rawEvents:
			if !ok {
				return
			}
			ev, ok := w.translate(raw)
			if !ok {
				continue
			}
			if w.consumeIgnore(raw.Path()) {
				continue
			}

			w.filterMu.RLock()
			filter := w.filter
			w.filterMu.RUnlock()
			if filter != nil && filter(ev) {
				continue
			}

			select {
			case w.events <- ev:
				slog.Debug("watcher", "kind", ev.Kind, "path", ev.Path, "dir", ev.IsDir)
			default:
				slog.Warn("watcher dropped", "reason", "channel full", "path", ev.Path)
			}
		}
	}
}

func (w *Watcher) translate(raw notify.EventInfo) (ChangeEvent, bool) {
	rel, err := filepath.Rel(w.watchDir, raw.Path())
	if err != nil || rel == "." {
		return ChangeEvent{}, false
	}
	ev := ChangeEvent{Path: filepath.ToSlash(rel)}

	switch raw.Event() {
	case notify.Create:
		ev.Kind = Created
	case notify.Write:
		ev.Kind = Updated
	case notify.Remove:
		ev.Kind = Deleted
	case notify.Rename:
		ev.Kind = Renamed
	default:
		return ChangeEvent{}, false
	}

	if ev.Kind != Deleted {
		if info, err := os.Lstat(raw.Path()); err == nil {
			ev.IsDir = info.IsDir()
			if !ev.IsDir {
				ev.Size = info.Size()
			}
		} else if ev.Kind == Renamed {
			// the old name of a rename
			ev.Kind = Deleted
		}
	}
	return ev, true
}

func (w *Watcher) cleanupExpired(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			now := time.Now()
			w.ignoreMu.Lock()
			for p, expiry := range w.ignore {
				if now.After(expiry) {
					delete(w.ignore, p)
				}
			}
			w.ignoreMu.Unlock()
		}
	}
}
