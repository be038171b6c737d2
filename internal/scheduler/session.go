package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/openmined/treesync/internal/ledger"
	"github.com/openmined/treesync/internal/queue"
	"github.com/openmined/treesync/internal/remotetree"
	"github.com/openmined/treesync/internal/replica"
	"github.com/openmined/treesync/internal/resolver"
)

// folderDeleteBase orders folder deletions after everything else, deepest
// first.
const folderDeleteBase = 1_000_000

// Summary counts what sessions did.
type Summary struct {
	Sessions  int
	Applied   int
	Skipped   int
	Deferred  int
	Failed    int
	Conflicts int
	// Resync is set when another session has to follow.
	Resync bool
}

func (s *Summary) add(o Summary) {
	s.Sessions += o.Sessions
	s.Applied += o.Applied
	s.Skipped += o.Skipped
	s.Deferred += o.Deferred
	s.Failed += o.Failed
	s.Conflicts += o.Conflicts
	s.Resync = s.Resync || o.Resync
}

func (s *Summary) record(res resolver.Result) {
	switch res.Outcome {
	case resolver.Applied:
		s.Applied++
	case resolver.Skipped:
		s.Skipped++
	case resolver.Deferred, resolver.RequiresResync:
		s.Deferred++
	}
	if res.Failed() {
		s.Failed++
	}
	if res.Conflict {
		s.Conflicts++
	}
}

type side struct {
	replica replica.Replica
	ledger  *ledger.Ledger
}

// changePriority orders a pass: file deletions first, then creates and
// updates parents first, then folder deletions children first.
func changePriority(e *ledger.Entry) int {
	depth := replica.Depth(e.Path)
	switch {
	case e.Tombstone && !e.IsDir:
		return 0
	case e.Tombstone:
		return folderDeleteBase - depth
	default:
		return 1 + depth
	}
}

// session scans both replicas, reconciles the ledgers and runs the two
// passes in one ledger transaction.
func (s *Scheduler) session(ctx context.Context) (sum Summary, err error) {
	sum.Sessions = 1
	defer func() {
		if r := recover(); r != nil {
			slog.Error("sync session panic", "panic", r, "stack", string(debug.Stack()))
			err = &SevereError{Err: fmt.Errorf("%v", r), Panic: true}
		}
	}()

	if !s.remote.Loaded() {
		if err := s.remote.Refresh(ctx); err != nil {
			return sum, fmt.Errorf("refresh remote: %w", err)
		}
	}
	localItems, err := s.local.LiveItems(ctx)
	if err != nil {
		return sum, fmt.Errorf("scan local: %w", err)
	}
	remoteItems, err := s.remote.LiveItems(ctx)
	if err != nil {
		return sum, fmt.Errorf("scan remote: %w", err)
	}
	remoteItems = withoutExcluded(remoteItems, s.local.Excluded)
	for _, p := range s.remote.TakeDuplicates() {
		s.observer.OnSyncError(
			fmt.Sprintf("Could not sync %s", p),
			&ItemError{Path: p, Err: remotetree.ErrDuplicatePath},
		)
	}

	if err := s.store.BeginTransaction(ctx); err != nil {
		return sum, &SevereError{Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			if err := s.store.RollbackTransaction(); err != nil {
				slog.Error("sync rollback", "error", err)
			}
		}
	}()

	localStats, err := s.localLedger.Reconcile(ctx, localItems)
	if err != nil {
		return sum, &SevereError{Err: err}
	}
	remoteStats, err := s.remoteLedger.Reconcile(ctx, remoteItems)
	if err != nil {
		return sum, &SevereError{Err: err}
	}
	slog.Debug("sync reconciled",
		"localItems", len(localItems), "localChanged", localStats.Changed(),
		"remoteItems", len(remoteItems), "remoteChanged", remoteStats.Changed(),
	)

	local := side{replica: s.local, ledger: s.localLedger}
	remote := side{replica: s.remote, ledger: s.remoteLedger}

	up, err := s.pass(ctx, local, remote)
	if err != nil {
		return sum, &SevereError{Err: err}
	}
	down, err := s.pass(ctx, remote, local)
	if err != nil {
		return sum, &SevereError{Err: err}
	}

	if err := s.store.CommitTransaction(); err != nil {
		return sum, &SevereError{Err: err}
	}
	committed = true

	sum.add(up.Summary)
	sum.add(down.Summary)
	// versions minted by the second pass have not reached the other side yet
	sum.Resync = up.resync || down.resync || down.minted
	return sum, nil
}

type passResult struct {
	Summary
	resync bool
	minted bool
}

// pass applies the changes of from that to has not incorporated and
// advances the watermark of to. A change that failed recoverably holds the
// watermark below its tick so it is offered again.
func (s *Scheduler) pass(ctx context.Context, from, to side) (passResult, error) {
	var pr passResult

	srcKnowledge, err := from.ledger.Knowledge(ctx)
	if err != nil {
		return pr, err
	}
	dstKnowledge, err := to.ledger.Knowledge(ctx)
	if err != nil {
		return pr, err
	}
	changes, err := from.ledger.ChangesSince(ctx, dstKnowledge)
	if err != nil {
		return pr, err
	}

	pq := queue.NewPriorityQueue[*ledger.Entry]()
	for _, e := range changes {
		pq.Enqueue(e, changePriority(e))
	}

	r := resolver.New(from.replica, to.replica, to.ledger, srcKnowledge, resolver.Config{
		CompareThreshold: s.cfg.CompareThreshold,
		Clock:            s.clock,
		OnChange:         s.notifyChange,
	})

	watermark := srcKnowledge.Tick
	for _, e := range pq.DequeueAll() {
		version := e.Change.String()
		if s.status.ShouldSkip(e.Path, version) {
			slog.Debug("sync skipping failing path", "path", e.Path, "version", version)
			continue
		}

		s.status.SetSyncing(e.Path, version)
		res, err := r.Apply(ctx, e)
		if err != nil {
			return pr, err
		}
		pr.record(res)
		s.recordStatus(e, version, res)

		if res.Failed() && e.Change.Replica == srcKnowledge.Replica && e.Change.Tick <= watermark {
			watermark = e.Change.Tick - 1
		}
	}

	if err := to.ledger.SetWatermark(ctx, from.ledger.Key(), watermark); err != nil {
		return pr, err
	}
	pr.resync = r.ResyncRequested()
	pr.minted = r.Minted()

	if len(changes) > 0 {
		slog.Info("sync pass",
			"from", from.replica.Name(),
			"to", to.replica.Name(),
			"changes", len(changes),
			"applied", pr.Applied,
			"failed", pr.Failed,
			"watermark", watermark,
		)
	}
	return pr, nil
}

func (s *Scheduler) recordStatus(e *ledger.Entry, version string, res resolver.Result) {
	switch {
	case res.Err != nil:
		if res.Failed() {
			s.status.SetError(e.Path, version, res.Err)
		} else {
			s.status.SetCompleted(e.Path)
		}
		s.observer.OnSyncError(
			fmt.Sprintf("Could not %s %s", res.Kind, res.Path),
			&ItemError{Path: res.Path, Retryable: res.Retryable, Err: res.Err},
		)
	case res.Conflict:
		s.status.SetConflicted(e.Path)
	default:
		s.status.SetCompleted(e.Path)
	}
}

func (s *Scheduler) notifyChange(n resolver.Notification) {
	s.observer.OnChangePerformed(n.Local, n.Message(), n.Time)
}
