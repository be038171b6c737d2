// Package scheduler runs sync sessions between the local and the remote
// replica.
//
// Local change events and remote cache updates restart a debounce timer. When
// it fires a session runs on the worker goroutine; a signal arriving while a
// session runs schedules another one after it. At most one session runs at a
// time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/treesync/internal/ledger"
	"github.com/openmined/treesync/internal/localfs"
	"github.com/openmined/treesync/internal/replica"
	"github.com/openmined/treesync/internal/resolver"
)

const (
	DefaultDebounce      = 1500 * time.Millisecond
	DefaultRetryInterval = time.Minute
	DefaultMaxResync     = 5

	localLedgerName  = "local"
	remoteLedgerName = "remote"
)

type Config struct {
	Debounce      time.Duration
	RetryInterval time.Duration
	// MaxResync caps the sessions run back to back on resync requests.
	MaxResync int
	// ResetLedgerOnSevere also clears the ledger after a severe error.
	ResetLedgerOnSevere bool
	CompareThreshold    int64
	Clock               clockwork.Clock
}

func DefaultConfig() Config {
	return Config{
		Debounce:         DefaultDebounce,
		RetryInterval:    DefaultRetryInterval,
		MaxResync:        DefaultMaxResync,
		CompareThreshold: resolver.DefaultCompareThreshold,
		Clock:            clockwork.NewRealClock(),
	}
}

// LocalReplica is the local side of a sync relationship.
type LocalReplica interface {
	replica.Replica
	Excluded(rel string, isDir bool) bool
}

// RemoteReplica is the cached remote side of a sync relationship.
type RemoteReplica interface {
	replica.Replica
	Loaded() bool
	Refresh(ctx context.Context) error
	Reset()
	Updated() <-chan struct{}
	// TakeDuplicates returns the paths newly found to be held by several
	// remote nodes.
	TakeDuplicates() []string
}

// ChangeSource delivers local filesystem events.
type ChangeSource interface {
	Events() <-chan localfs.ChangeEvent
}

type Option func(*Scheduler)

func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		s.observer = o
	}
}

func WithChangeSource(src ChangeSource) Option {
	return func(s *Scheduler) {
		s.changes = src
	}
}

type Scheduler struct {
	cfg      Config
	clock    clockwork.Clock
	local    LocalReplica
	remote   RemoteReplica
	store    *ledger.Store
	changes  ChangeSource
	observer Observer
	status   *Status

	localLedger  *ledger.Ledger
	remoteLedger *ledger.Ledger

	mu                   sync.Mutex
	running              bool
	syncing              bool
	changedDuringSession bool
	debounce             clockwork.Timer
	retry                clockwork.Timer
	cancel               context.CancelFunc
	wake                 chan struct{}
	wg                   sync.WaitGroup
}

// New builds a scheduler over an open ledger store.
func New(ctx context.Context, local LocalReplica, remote RemoteReplica, store *ledger.Store, cfg Config, opts ...Option) (*Scheduler, error) {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.MaxResync < 0 {
		cfg.MaxResync = 0
	}

	localLedger, err := store.Replica(ctx, localLedgerName)
	if err != nil {
		return nil, fmt.Errorf("local ledger: %w", err)
	}
	remoteLedger, err := store.Replica(ctx, remoteLedgerName)
	if err != nil {
		return nil, fmt.Errorf("remote ledger: %w", err)
	}

	s := &Scheduler{
		cfg:          cfg,
		clock:        cfg.Clock,
		local:        local,
		remote:       remote,
		store:        store,
		observer:     NopObserver{},
		localLedger:  localLedger,
		remoteLedger: remoteLedger,
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.status = NewStatus(s.clock.Now, s.observer.OnProgressChanged)
	return s, nil
}

func (s *Scheduler) Status() *Status {
	return s.status
}

// Start begins scheduling sessions and runs the first one right away. With
// resyncFromScratch the remote cache and the ledger are wiped first.
func (s *Scheduler) Start(ctx context.Context, resyncFromScratch bool) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSyncAlreadyRunning
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if resyncFromScratch {
		if err := s.resetState(ctx, true); err != nil {
			s.Stop()
			return err
		}
	}

	s.wg.Add(2)
	go s.worker(ctx)
	go s.watch(ctx)

	slog.Info("scheduler start", "debounce", s.cfg.Debounce, "fromScratch", resyncFromScratch)
	s.SyncNow()
	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	if s.debounce != nil {
		s.debounce.Stop()
	}
	if s.retry != nil {
		s.retry.Stop()
	}
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	slog.Info("scheduler stopped")
}

// Trigger restarts the debounce timer.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetDebounceLocked()
}

// SyncNow asks the worker for a session without waiting for the debounce.
func (s *Scheduler) SyncNow() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) resetDebounceLocked() {
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = s.clock.AfterFunc(s.cfg.Debounce, s.onTimer)
}

func (s *Scheduler) armRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retry != nil {
		s.retry.Stop()
	}
	s.retry = s.clock.AfterFunc(s.cfg.RetryInterval, s.onTimer)
	slog.Debug("scheduler retry armed", "in", s.cfg.RetryInterval)
}

func (s *Scheduler) onTimer() {
	s.mu.Lock()
	if s.syncing {
		s.changedDuringSession = true
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.SyncNow()
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			_, err := s.Sync(ctx)
			if err != nil && !errors.Is(err, ErrSyncAlreadyRunning) && !errors.Is(err, context.Canceled) {
				slog.Error("sync", "error", err)
			}
		}
	}
}

func (s *Scheduler) watch(ctx context.Context) {
	defer s.wg.Done()

	var events <-chan localfs.ChangeEvent
	if s.changes != nil {
		events = s.changes.Events()
	}
	updated := s.remote.Updated()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.status.Clear(ev.Path)
			if relevant(ev, s.local.Excluded) {
				slog.Debug("scheduler local change", "kind", ev.Kind, "path", ev.Path)
				s.Trigger()
			}
		case <-updated:
			slog.Debug("scheduler remote change")
			s.Trigger()
		}
	}
}

// Sync runs a session now, followed by up to MaxResync sessions when one
// asks for a resync. It fails with ErrSyncAlreadyRunning while another
// session runs; that session is then followed by another one.
func (s *Scheduler) Sync(ctx context.Context) (Summary, error) {
	s.mu.Lock()
	if s.syncing {
		s.changedDuringSession = true
		s.mu.Unlock()
		return Summary{}, ErrSyncAlreadyRunning
	}
	s.syncing = true
	s.mu.Unlock()
	defer s.finishSync()

	s.observer.OnSyncStarted()
	defer s.observer.OnSyncEnded()

	start := s.clock.Now()
	var total Summary
	for n := 0; ; n++ {
		sum, err := s.session(context.WithoutCancel(ctx))
		total.add(sum)

		if err != nil {
			var severe *SevereError
			if !errors.As(err, &severe) {
				msg := "Sync failed, will retry"
				if remoteUnavailable(err) {
					msg = "Remote storage unavailable, will retry"
				}
				s.observer.OnSyncError(msg, err)
				s.armRetry()
				return total, err
			}

			s.observer.OnSyncError("Sync state was reset after an unexpected error", err)
			if rerr := s.resetState(ctx, s.cfg.ResetLedgerOnSevere); rerr != nil {
				return total, errors.Join(err, rerr)
			}
			if n >= s.cfg.MaxResync || ctx.Err() != nil {
				s.armRetry()
				return total, err
			}
			continue
		}

		if !sum.Resync || ctx.Err() != nil {
			break
		}
		if n >= s.cfg.MaxResync {
			slog.Warn("sync resync limit reached", "sessions", n+1)
			s.armRetry()
			break
		}
		slog.Info("sync resync requested", "session", n+1)
	}

	if total.Failed > 0 {
		s.armRetry()
	}
	slog.Info("sync done",
		"sessions", total.Sessions,
		"applied", total.Applied,
		"skipped", total.Skipped,
		"deferred", total.Deferred,
		"failed", total.Failed,
		"conflicts", total.Conflicts,
		"took", s.clock.Since(start),
	)
	return total, nil
}

func (s *Scheduler) finishSync() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncing = false
	if s.changedDuringSession {
		s.changedDuringSession = false
		s.resetDebounceLocked()
	}
}

// resetState wipes the remote cache, and the ledger too when resetLedger is
// set, so the next session starts from a full enumeration.
func (s *Scheduler) resetState(ctx context.Context, resetLedger bool) error {
	s.remote.Reset()
	if resetLedger {
		if err := s.store.Reset(ctx); err != nil {
			return fmt.Errorf("reset ledger: %w", err)
		}
	}
	slog.Warn("sync state reset", "ledger", resetLedger)
	return nil
}
