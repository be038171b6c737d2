package scheduler

import (
	"errors"
	"log/slog"
	"time"
)

// Observer receives the lifecycle notifications of a scheduler. Calls are
// made from the scheduler goroutine and must not block.
type Observer interface {
	OnChangePerformed(isLocal bool, message string, at time.Time)
	OnSyncStarted()
	OnSyncEnded()
	// OnSyncError reports per-item problems with an *ItemError cause and
	// session failures with the session error, a *SevereError when state was
	// reset.
	OnSyncError(message string, cause error)
	OnProgressChanged()
}

type NopObserver struct{}

func (NopObserver) OnChangePerformed(bool, string, time.Time) {}
func (NopObserver) OnSyncStarted()                            {}
func (NopObserver) OnSyncEnded()                              {}
func (NopObserver) OnSyncError(string, error)                 {}
func (NopObserver) OnProgressChanged()                        {}

// LogObserver writes notifications to the default logger.
type LogObserver struct{}

func (LogObserver) OnChangePerformed(isLocal bool, message string, at time.Time) {
	side := "remote"
	if isLocal {
		side = "local"
	}
	slog.Info("change", "side", side, "msg", message)
}

func (LogObserver) OnSyncStarted() {
	slog.Debug("sync started")
}

func (LogObserver) OnSyncEnded() {
	slog.Debug("sync ended")
}

func (LogObserver) OnSyncError(message string, cause error) {
	var item *ItemError
	if errors.As(cause, &item) {
		slog.Warn("sync item", "msg", message, "path", item.Path, "error", item.Err)
		return
	}
	slog.Error("sync", "msg", message, "error", cause)
}

func (LogObserver) OnProgressChanged() {}
