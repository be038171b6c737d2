// Package engine wires a local directory, the ledger and a remote backend
// into a running sync engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/treesync/internal/blob"
	"github.com/openmined/treesync/internal/config"
	"github.com/openmined/treesync/internal/events"
	"github.com/openmined/treesync/internal/ledger"
	"github.com/openmined/treesync/internal/localfs"
	"github.com/openmined/treesync/internal/remotetree"
	"github.com/openmined/treesync/internal/remotetree/memtransport"
	"github.com/openmined/treesync/internal/replica"
	"github.com/openmined/treesync/internal/scheduler"
	"github.com/openmined/treesync/internal/workspace"
)

var ErrNotOpen = errors.New("engine: not open")

const (
	statusPruneInterval = time.Hour
	statusRetention     = 24 * time.Hour
)

// emitter is implemented by transports that deliver push batches handed to
// them from outside, such as the events subscriber.
type emitter interface {
	Emit(remotetree.PushBatch)
}

type Option func(*Engine)

func WithObserver(o scheduler.Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithTransport replaces the configured remote backend.
func WithTransport(t remotetree.Transport) Option {
	return func(e *Engine) {
		e.transport = t
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

type Engine struct {
	cfg      *config.Config
	ws       *workspace.Workspace
	observer scheduler.Observer
	clock    clockwork.Clock
	clientID string

	transport remotetree.Transport
	store     *ledger.Store
	ignore    *localfs.IgnoreList
	tree      *localfs.Tree
	watcher   *localfs.Watcher
	cache     *remotetree.TreeCache
	sched     *scheduler.Scheduler

	mu      sync.Mutex
	open    bool
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates cfg and prepares an engine. Nothing touches the disk or the
// network before Open.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ws, err := workspace.New(cfg.SyncDir, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		ws:       ws,
		observer: scheduler.LogObserver{},
		clock:    clockwork.NewRealClock(),
		clientID: cfg.ClientID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Open locks the workspace, opens the ledger and builds both replicas.
func (e *Engine) Open(ctx context.Context) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.open {
		return nil
	}

	if err := e.ws.Setup(); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			e.closeLocked()
		}
	}()

	if e.clientID == "" {
		if e.clientID, err = e.ws.ClientID(); err != nil {
			return fmt.Errorf("failed to read client id: %w", err)
		}
	}

	e.store = ledger.NewStore(e.ws.LedgerPath)
	if err := e.openStore(ctx); err != nil {
		return err
	}

	if e.transport == nil {
		if e.transport, err = e.newTransport(ctx); err != nil {
			return err
		}
	}

	backup, _ := replica.ParseBackupPolicy(e.cfg.Sync.BackupSuffix)

	e.ignore = localfs.NewIgnoreList(e.ws.SyncDir)
	e.ignore.Load()
	e.watcher = localfs.NewWatcher(e.ws.SyncDir)
	e.watcher.FilterPaths(func(ev localfs.ChangeEvent) bool {
		if ev.Path == localfs.IgnoreFileName {
			e.ignore.Load()
			e.sched.Trigger()
		}
		return false
	})

	treeOpts := []localfs.Option{
		localfs.WithIgnore(e.ignore),
		localfs.WithBackupPolicy(backup),
		localfs.WithWriteHook(e.watcher.IgnoreOnce),
		localfs.WithMinFreeSpace(localfs.DefaultMinFreeSpace),
	}
	if e.cfg.Local.Recycle {
		treeOpts = append(treeOpts, localfs.WithRecycleDir(e.ws.RecycleDir))
	}
	if e.tree, err = localfs.NewTree(e.ws.SyncDir, treeOpts...); err != nil {
		return err
	}
	if err := e.tree.CleanupTemp(); err != nil {
		slog.Warn("engine temp cleanup", "error", err)
	}

	e.cache = remotetree.NewTreeCache(e.transport, remotetree.Config{
		RootFolderName:  e.cfg.Remote.RootFolder,
		UseTrash:        e.cfg.Remote.UseTrash,
		RefreshInterval: e.cfg.Sync.RefreshInterval,
		Backup:          backup,
		TempDir:         e.ws.TempDir,
		Clock:           e.clock,
	})

	e.sched, err = scheduler.New(ctx, e.tree, e.cache, e.store, scheduler.Config{
		Debounce:            e.cfg.Sync.Debounce,
		RetryInterval:       e.cfg.Sync.RetryInterval,
		MaxResync:           e.cfg.Sync.MaxResync,
		ResetLedgerOnSevere: e.cfg.Sync.ResetLedgerOnSevere,
		CompareThreshold:    e.cfg.Sync.CompareThreshold,
		Clock:               e.clock,
	}, scheduler.WithObserver(e.observer), scheduler.WithChangeSource(e.watcher))
	if err != nil {
		return err
	}

	e.open = true
	slog.Info("engine open", "sync", e.ws.SyncDir, "backend", e.cfg.Remote.Backend, "client", e.clientID)
	return nil
}

// openStore opens the ledger. A ledger written on another machine is set
// aside and a fresh one is started.
func (e *Engine) openStore(ctx context.Context) error {
	err := e.store.Open(ctx)
	if !errors.Is(err, ledger.ErrForeignLedger) {
		return err
	}
	slog.Warn("engine ledger belongs to another device, starting over", "path", e.store.Path())
	if err := e.store.Destroy(); err != nil {
		return err
	}
	return e.store.Open(ctx)
}

func (e *Engine) newTransport(ctx context.Context) (remotetree.Transport, error) {
	switch e.cfg.Remote.Backend {
	case config.BackendMem:
		return memtransport.New(), nil
	case config.BackendS3:
		s3 := e.cfg.Remote.S3
		return blob.New(ctx, blob.S3Config{
			BucketName:   s3.Bucket,
			Region:       s3.Region,
			AccessKey:    s3.AccessKey,
			SecretKey:    s3.SecretKey,
			Endpoint:     s3.Endpoint,
			UsePathStyle: s3.UsePathStyle,
			Prefix:       s3.Prefix,
			Clock:        e.clock,
		})
	default:
		return nil, fmt.Errorf("%w %q", config.ErrUnknownBackend, e.cfg.Remote.Backend)
	}
}

// StartSyncing starts watching both replicas and scheduling sessions. With
// resyncFromScratch the ledger and the remote cache are wiped first.
func (e *Engine) StartSyncing(ctx context.Context, resyncFromScratch bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return ErrNotOpen
	}
	if e.started {
		return scheduler.ErrSyncAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := e.watcher.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	if err := e.cache.Start(runCtx); err != nil {
		cancel()
		e.watcher.Stop()
		return err
	}
	e.startEvents(runCtx)
	e.wg.Add(1)
	go e.pruneStatus(runCtx)

	if err := e.sched.Start(runCtx, resyncFromScratch); err != nil {
		cancel()
		e.wg.Wait()
		e.cache.Stop()
		e.watcher.Stop()
		return err
	}

	e.cancel = cancel
	e.started = true
	return nil
}

func (e *Engine) startEvents(ctx context.Context) {
	if e.cfg.Remote.EventsURL == "" {
		return
	}

	sink := func(batch remotetree.PushBatch) {
		if err := e.cache.ApplyPushNotification(ctx, batch); err != nil {
			slog.Warn("engine push", "error", err)
		}
	}
	if em, ok := e.transport.(emitter); ok {
		sink = em.Emit
	}

	sub := events.New(e.cfg.Remote.EventsURL, e.clientID, sink, events.WithOnConnect(func() {
		// changes sent while we were away are lost
		if err := e.cache.Refresh(ctx); err != nil {
			slog.Warn("engine refresh after connect", "error", err)
		}
	}))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		sub.Run(ctx)
	}()
}

// pruneStatus drops settled per-path statuses so a long running engine does
// not accumulate every path it ever touched.
func (e *Engine) pruneStatus(ctx context.Context) {
	defer e.wg.Done()

	ticker := e.clock.NewTicker(statusPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.sched.Status().Cleanup(statusRetention)
		}
	}
}

// Run syncs until ctx is done.
func (e *Engine) Run(ctx context.Context, resyncFromScratch bool) error {
	if err := e.StartSyncing(ctx, resyncFromScratch); err != nil {
		return err
	}
	<-ctx.Done()
	slog.Info("engine stopping")
	return nil
}

// SyncOnce runs a session right away and waits for it.
func (e *Engine) SyncOnce(ctx context.Context) (scheduler.Summary, error) {
	if !e.isOpen() {
		return scheduler.Summary{}, ErrNotOpen
	}
	return e.sched.Sync(ctx)
}

// CleanupTombstones purges ledger tombstones older than retention.
func (e *Engine) CleanupTombstones(ctx context.Context, retention time.Duration) (int64, error) {
	if !e.isOpen() {
		return 0, ErrNotOpen
	}
	return e.store.CleanupTombstones(ctx, retention)
}

func (e *Engine) Status() *scheduler.Status {
	if !e.isOpen() {
		return nil
	}
	return e.sched.Status()
}

func (e *Engine) ClientID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clientID
}

func (e *Engine) isOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open
}

// Close stops syncing and releases the ledger and the workspace lock.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return nil
	}
	return e.closeLocked()
}

func (e *Engine) closeLocked() error {
	if e.started {
		e.sched.Stop()
		e.cancel()
		e.wg.Wait()
		e.watcher.Stop()
		e.cache.Stop()
		e.started = false
	}
	if e.sched != nil {
		e.sched.Status().Close()
	}

	var errs []error
	if e.store != nil {
		if err := e.store.Close(); err != nil && !errors.Is(err, ledger.ErrNotOpen) {
			errs = append(errs, err)
		}
	}
	errs = append(errs, e.ws.Unlock())
	e.open = false
	slog.Info("engine closed")
	return errors.Join(errs...)
}

// ResetLedger sets the ledger aside so the next start rebuilds it from both
// replicas. The engine must not be running.
func ResetLedger(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ws, err := workspace.New(cfg.SyncDir, cfg.DataDir)
	if err != nil {
		return err
	}
	if err := ws.Lock(); err != nil {
		return err
	}
	defer ws.Unlock()

	return ledger.NewStore(ws.LedgerPath).Destroy()
}
