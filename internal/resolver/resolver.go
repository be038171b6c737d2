// Package resolver applies one replica's unseen changes to the other replica.
//
// Each change is a source ledger entry. The resolver looks up the receiving
// ledger's entry for the same item and picks the action from the pair:
// create, update, move, delete, resurrect, roll forward, adopt or back up.
// Constraint errors raised by the receiving replica are mapped to recovery
// actions. Only ledger failures are returned as errors; everything else is
// reported per item in the Result.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/treesync/internal/ledger"
	"github.com/openmined/treesync/internal/replica"
)

const (
	// DefaultCompareThreshold bounds byte-by-byte content comparison.
	DefaultCompareThreshold = 5 << 20

	maxAttempts = 2
)

var errSourceMissing = errors.New("resolver: source item is gone")

type Config struct {
	CompareThreshold int64
	Clock            clockwork.Clock
	// OnChange receives a notification for every applied change.
	OnChange func(Notification)
}

// Resolver applies the changes of one pass, from Source to Target.
type Resolver struct {
	src       replica.Replica
	dst       replica.Replica
	ledger    *ledger.Ledger
	knowledge ledger.Knowledge
	cfg       Config

	resync bool
	minted bool
}

// New builds a resolver for one pass. knowledge is what the source replica
// had incorporated when the pass started; a target version outside it is a
// concurrent edit.
func New(src, dst replica.Replica, dstLedger *ledger.Ledger, knowledge ledger.Knowledge, cfg Config) *Resolver {
	if cfg.CompareThreshold <= 0 {
		cfg.CompareThreshold = DefaultCompareThreshold
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Resolver{
		src:       src,
		dst:       dst,
		ledger:    dstLedger,
		knowledge: knowledge,
		cfg:       cfg,
	}
}

// ResyncRequested reports whether a change asked for both replicas to be
// rescanned before the next attempt.
func (r *Resolver) ResyncRequested() bool {
	return r.resync
}

// Minted reports whether the pass created versions of the target replica,
// which the source has yet to receive.
func (r *Resolver) Minted() bool {
	return r.minted
}

// Apply brings the target replica in line with one source entry.
func (r *Resolver) Apply(ctx context.Context, src *ledger.Entry) (Result, error) {
	dstEntry, err := r.ledger.FindByID(ctx, src.ItemID)
	if err != nil {
		return Result{}, err
	}

	if dstEntry != nil && dstEntry.Change == src.Change {
		return Result{Outcome: Skipped, Kind: kindOf(src, dstEntry), Path: src.Path}, nil
	}
	if src.Tombstone {
		return r.applyDelete(ctx, src, dstEntry, 0)
	}
	return r.applyUpdate(ctx, src, dstEntry, 0)
}

func kindOf(src, dst *ledger.Entry) Kind {
	switch {
	case src.Tombstone:
		return Delete
	case dst == nil || dst.Tombstone:
		return Create
	case dst.Path != src.Path:
		return Rename
	default:
		return Update
	}
}

func (r *Resolver) concurrent(dst *ledger.Entry) bool {
	return !r.knowledge.Contains(dst.Change)
}

func (r *Resolver) applyDelete(ctx context.Context, src, dst *ledger.Entry, attempt int) (Result, error) {
	res := Result{Kind: Delete, Path: src.Path}

	switch {
	case dst == nil:
		// never seen here: remember the deletion
		e := &ledger.Entry{
			ItemID:    src.ItemID,
			Creation:  src.Creation,
			Change:    src.Change,
			Tombstone: true,
			DeletedAt: src.DeletedAt,
			Path:      src.Path,
			IsDir:     src.IsDir,
		}
		res.Outcome = Skipped
		return res, r.ledger.Save(ctx, e)

	case dst.Tombstone:
		dst.Change = src.Change
		res.Outcome = Skipped
		return res, r.ledger.Save(ctx, dst)

	case r.concurrent(dst):
		// update wins over delete
		slog.Info("resolver delete conflicts with update", "replica", r.dst.Name(), "path", dst.Path)
		res.Conflict = true
		return r.rollForward(ctx, dst, res)
	}

	err := r.dst.DeleteFile(ctx, dst.Path, dst.NodeID)
	if err == nil || errors.Is(err, replica.ErrNotFound) {
		if err := r.ledger.MarkDeleted(ctx, dst, src.Change); err != nil {
			return Result{}, err
		}
		r.notify(Notification{Kind: Delete, IsDir: dst.IsDir, Path: dst.Path})
		res.Outcome = Applied
		return res, nil
	}

	var mismatch *replica.ConcurrencyError
	switch {
	case replica.IsConstraint(err, replica.NotEmpty):
		return r.deleteBlocked(ctx, dst, res, err)
	case errors.As(err, &mismatch):
		return r.relocate(ctx, dst, res, err, attempt, func(moved *ledger.Entry) (Result, error) {
			return r.applyDelete(ctx, src, moved, attempt+1)
		})
	}
	return r.deferred(res, err), nil
}

// deleteBlocked handles a folder delete refused because of live children.
// Children the source has not seen win: the folder rolls forward so it is
// recreated there.
func (r *Resolver) deleteBlocked(ctx context.Context, dst *ledger.Entry, res Result, cause error) (Result, error) {
	r.resync = true

	children, err := r.ledger.LiveUnder(ctx, dst.Path)
	if err != nil {
		return Result{}, err
	}
	for _, child := range children {
		if r.concurrent(child) {
			slog.Info("resolver folder delete blocked by new children", "replica", r.dst.Name(), "path", dst.Path, "child", child.Path)
			res.Conflict = true
			return r.rollForward(ctx, dst, res)
		}
	}

	res.Outcome = RequiresResync
	res.Err = cause
	res.Retryable = true
	return res, nil
}

// rollForward gives the target entry a fresh target version so it is offered
// back to the source.
func (r *Resolver) rollForward(ctx context.Context, dst *ledger.Entry, res Result) (Result, error) {
	v, err := r.ledger.NextVersion(ctx)
	if err != nil {
		return Result{}, err
	}
	dst.Change = v
	if err := r.ledger.Save(ctx, dst); err != nil {
		return Result{}, err
	}
	r.minted = true
	res.Outcome = Deferred
	return res, nil
}

func (r *Resolver) applyUpdate(ctx context.Context, src, dst *ledger.Entry, attempt int) (Result, error) {
	res := Result{Kind: kindOf(src, dst), Path: src.Path}

	srcItem, ok := r.src.LookupID(src.NodeID)
	if !ok || srcItem.Path != src.Path {
		// the next reconcile records where it went
		r.resync = true
		res.Outcome = RequiresResync
		res.Err = fmt.Errorf("%s %s: %w", r.src.Name(), src.Path, errSourceMissing)
		res.Retryable = true
		return res, nil
	}

	switch {
	case dst == nil:
		e := &ledger.Entry{ItemID: src.ItemID, Creation: src.Creation}
		return r.createItem(ctx, src, srcItem, e, res, attempt)

	case dst.Tombstone:
		slog.Info("resolver resurrect", "replica", r.dst.Name(), "path", src.Path)
		res.Conflict = r.concurrent(dst)
		return r.createItem(ctx, src, srcItem, dst, res, attempt)

	case r.concurrent(dst) && !src.IsDir && !dst.IsDir:
		res.Conflict = true
		if r.contentEqual(ctx, srcItem, dst.Item()) {
			dst.Change = src.Change
			res.Outcome = Skipped
			return res, r.ledger.Save(ctx, dst)
		}
		return r.backupAndReplace(ctx, src, srcItem, dst, res, attempt)
	}

	return r.updateItem(ctx, src, srcItem, dst, res, attempt)
}

// createItem inserts the source item into the target and records it in e.
func (r *Resolver) createItem(ctx context.Context, src *ledger.Entry, srcItem replica.Item, e *ledger.Entry, res Result, attempt int) (Result, error) {
	res.Kind = Create

	var content io.ReadCloser
	if !srcItem.IsDir {
		rc, err := r.src.Open(ctx, srcItem.Path, srcItem.NodeID)
		if err != nil {
			return r.sourceFailed(res, err), nil
		}
		defer rc.Close()
		content = rc
	}

	attrs, err := r.dst.InsertNode(ctx, srcItem, srcItem.Path, content)
	if err != nil {
		var ce *replica.ConstraintError
		if errors.As(err, &ce) && ce.Type == replica.TargetExists && ce.Existing != nil {
			return r.resolveCollision(ctx, src, srcItem, e, *ce.Existing, res, attempt)
		}
		return r.replicaFailed(ctx, e, res, err)
	}

	e.IsDir = srcItem.IsDir
	e.Tombstone = false
	e.DeletedAt = time.Time{}
	e.Change = src.Change
	if err := r.ledger.SaveWithAttrs(ctx, e, attrs); err != nil {
		return Result{}, err
	}

	r.notify(Notification{Kind: Create, IsDir: srcItem.IsDir, Path: attrs.Path, Size: attrs.Size})
	res.Outcome = Applied
	return res, nil
}

// resolveCollision handles an insert into a path the target already uses.
// Equal content is adopted as the same item. Otherwise the existing item is
// backed up and the insert retried.
func (r *Resolver) resolveCollision(ctx context.Context, src *ledger.Entry, srcItem replica.Item, e *ledger.Entry, existing replica.Item, res Result, attempt int) (Result, error) {
	res.Conflict = true
	if attempt >= maxAttempts {
		return r.deferred(res, fmt.Errorf("collision at %s not resolved after %d attempts", existing.Path, attempt)), nil
	}

	other, err := r.ledger.FindByPath(ctx, existing.Path)
	if err != nil {
		return Result{}, err
	}
	if other != nil && other.ItemID == e.ItemID {
		other = nil
	}

	// an item the source already knows about must not be absorbed
	adoptable := other == nil || !r.knowledge.Contains(other.Creation)
	equal := existing.IsDir == srcItem.IsDir && (existing.IsDir || r.contentEqual(ctx, srcItem, existing))

	if adoptable && equal {
		if other != nil {
			v, err := r.ledger.NextVersion(ctx)
			if err != nil {
				return Result{}, err
			}
			if err := r.ledger.MarkDeleted(ctx, other, v); err != nil {
				return Result{}, err
			}
			r.minted = true
		}
		e.IsDir = srcItem.IsDir
		e.Tombstone = false
		e.Change = src.Change
		if err := r.ledger.SaveWithAttrs(ctx, e, replica.AttributesOf(existing)); err != nil {
			return Result{}, err
		}
		slog.Info("resolver adopted existing item", "replica", r.dst.Name(), "path", existing.Path)
		res.Outcome = Skipped
		return res, nil
	}

	attrs, err := r.dst.BackupFile(ctx, existing.Path)
	if err != nil {
		return r.replicaFailed(ctx, nil, res, err)
	}
	if err := r.recordBackup(ctx, existing, other, attrs); err != nil {
		return Result{}, err
	}
	return r.createItem(ctx, src, srcItem, e, res, attempt+1)
}

// recordBackup tracks a backup made by BackupFile as a new target change.
// entry is the ledger entry of the backed up item, if any.
func (r *Resolver) recordBackup(ctx context.Context, item replica.Item, entry *ledger.Entry, attrs replica.SyncedNodeAttributes) error {
	v, err := r.ledger.NextVersion(ctx)
	if err != nil {
		return err
	}
	if entry == nil {
		if entry, err = r.ledger.CreateEntry(ctx, "", &v); err != nil {
			return err
		}
	}
	entry.IsDir = item.IsDir
	entry.Tombstone = false
	entry.Change = v
	if err := r.ledger.SaveWithAttrs(ctx, entry, attrs); err != nil {
		return err
	}
	r.minted = true

	slog.Info("resolver backup", "replica", r.dst.Name(), "path", item.Path, "backup", attrs.Path)
	r.notify(Notification{Kind: Rename, IsDir: item.IsDir, OldPath: item.Path, Path: attrs.Path, Size: attrs.Size})
	return nil
}

// backupAndReplace keeps the concurrently edited target item under a backup
// name and materializes the incoming version in its place.
func (r *Resolver) backupAndReplace(ctx context.Context, src *ledger.Entry, srcItem replica.Item, dst *ledger.Entry, res Result, attempt int) (Result, error) {
	current, ok := r.dst.LookupID(dst.NodeID)
	if !ok {
		current = dst.Item()
	}

	// the backup becomes a new item, dst keeps tracking the incoming one
	attrs, err := r.dst.BackupFile(ctx, current.Path)
	if err != nil {
		return r.replicaFailed(ctx, dst, res, err)
	}
	if err := r.recordBackup(ctx, current, nil, attrs); err != nil {
		return Result{}, err
	}
	dst.NodeID = ""
	dst.Path = srcItem.Path
	if err := r.ledger.Save(ctx, dst); err != nil {
		return Result{}, err
	}
	return r.createItem(ctx, src, srcItem, dst, res, attempt)
}

// updateItem moves the target item to the source path and replaces its
// content when it differs.
func (r *Resolver) updateItem(ctx context.Context, src *ledger.Entry, srcItem replica.Item, dst *ledger.Entry, res Result, attempt int) (Result, error) {
	changed := false

	if dst.Path != srcItem.Path {
		oldPath := dst.Path
		attrs, err := r.dst.MoveFile(ctx, dst.Path, srcItem.Path, dst.NodeID)
		if err != nil {
			return r.updateFailed(ctx, src, dst, res, err, attempt)
		}
		dst.SetAttributes(attrs)
		changed = true
		r.notify(Notification{Kind: Rename, IsDir: dst.IsDir, OldPath: oldPath, Path: attrs.Path, Size: attrs.Size})
	}

	if !srcItem.IsDir && !r.contentEqual(ctx, srcItem, dst.Item()) {
		rc, err := r.src.Open(ctx, srcItem.Path, srcItem.NodeID)
		if err != nil {
			return r.sourceFailed(res, err), nil
		}
		attrs, err := r.dst.UpdateFile(ctx, srcItem.Path, srcItem, rc, dst.NodeID)
		rc.Close()
		if err != nil {
			if changed {
				// keep the move
				if lerr := r.ledger.Save(ctx, dst); lerr != nil {
					return Result{}, lerr
				}
			}
			return r.updateFailed(ctx, src, dst, res, err, attempt)
		}
		dst.SetAttributes(attrs)
		changed = true
		res.Kind = Update
		r.notify(Notification{Kind: Update, Path: attrs.Path, Size: attrs.Size})
	}

	dst.Change = src.Change
	if err := r.ledger.Save(ctx, dst); err != nil {
		return Result{}, err
	}
	if changed {
		res.Outcome = Applied
	} else {
		res.Outcome = Skipped
	}
	return res, nil
}

func (r *Resolver) updateFailed(ctx context.Context, src, dst *ledger.Entry, res Result, err error, attempt int) (Result, error) {
	var mismatch *replica.ConcurrencyError
	if errors.As(err, &mismatch) {
		return r.relocate(ctx, dst, res, err, attempt, func(moved *ledger.Entry) (Result, error) {
			return r.applyUpdate(ctx, src, moved, attempt+1)
		})
	}
	var ce *replica.ConstraintError
	if errors.As(err, &ce) && ce.Type == replica.TargetExists && ce.Existing != nil && attempt < maxAttempts {
		other, lerr := r.ledger.FindByPath(ctx, ce.Existing.Path)
		if lerr != nil {
			return Result{}, lerr
		}
		attrs, berr := r.dst.BackupFile(ctx, ce.Existing.Path)
		if berr != nil {
			return r.replicaFailed(ctx, nil, res, berr)
		}
		if lerr := r.recordBackup(ctx, *ce.Existing, other, attrs); lerr != nil {
			return Result{}, lerr
		}
		res.Conflict = true
		return r.applyUpdate(ctx, src, dst, attempt+1)
	}
	return r.replicaFailed(ctx, dst, res, err)
}

// relocate re-derives the target entry after an id mismatch: the node moved
// elsewhere, or it is gone and the entry is dropped.
func (r *Resolver) relocate(ctx context.Context, dst *ledger.Entry, res Result, cause error, attempt int, retry func(*ledger.Entry) (Result, error)) (Result, error) {
	if item, ok := r.dst.LookupID(dst.NodeID); ok && attempt < maxAttempts {
		slog.Debug("resolver node moved", "replica", r.dst.Name(), "from", dst.Path, "to", item.Path)
		dst.SetAttributes(replica.AttributesOf(item))
		if err := r.ledger.Save(ctx, dst); err != nil {
			return Result{}, err
		}
		return retry(dst)
	}
	return r.forget(ctx, dst, res, cause)
}

// forget drops an entry whose node vanished and asks for a resync.
func (r *Resolver) forget(ctx context.Context, dst *ledger.Entry, res Result, cause error) (Result, error) {
	slog.Info("resolver forgetting stale entry", "replica", r.dst.Name(), "path", dst.Path, "cause", cause)
	if err := r.ledger.Remove(ctx, dst.ItemID); err != nil {
		return Result{}, err
	}
	r.resync = true
	res.Outcome = RequiresResync
	res.Err = cause
	res.Retryable = true
	return res, nil
}

// replicaFailed maps a target replica error that has no specific recovery.
// e is the entry the operation targeted, if it exists on the target.
func (r *Resolver) replicaFailed(ctx context.Context, e *ledger.Entry, res Result, err error) (Result, error) {
	var ce *replica.ConstraintError
	switch {
	case errors.As(err, &ce) && ce.Type == replica.NoParent:
		r.resync = true
		res.Outcome = RequiresResync
		res.Err = err
		res.Retryable = true
		return res, nil

	case errors.As(err, &ce) && (ce.Type == replica.ZeroSize || ce.Type == replica.Excluded):
		res.Outcome = Skipped
		res.Err = err
		return res, nil

	case errors.Is(err, replica.ErrNotFound) && e != nil && e.Live() && e.NodeID != "":
		return r.forget(ctx, e, res, err)
	}
	return r.deferred(res, err), nil
}

// sourceFailed handles a failure to read the incoming content.
func (r *Resolver) sourceFailed(res Result, err error) Result {
	r.resync = true
	res.Outcome = Deferred
	res.Err = fmt.Errorf("read %s from %s: %w", res.Path, r.src.Name(), err)
	res.Retryable = true
	return res
}

func (r *Resolver) deferred(res Result, err error) Result {
	res.Outcome = Deferred
	res.Err = err
	res.Retryable = true
	return res
}

func (r *Resolver) notify(n Notification) {
	n.Local = r.dst.IsLocal()
	n.Time = r.cfg.Clock.Now()
	slog.Info("resolver "+n.Kind.String(), "replica", r.dst.Name(), "path", n.Path, "dir", n.IsDir)
	if r.cfg.OnChange != nil {
		r.cfg.OnChange(n)
	}
}
