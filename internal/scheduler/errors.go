package scheduler

import (
	"errors"
	"fmt"

	"github.com/openmined/treesync/internal/replica"
)

var ErrSyncAlreadyRunning = errors.New("scheduler: sync already running")

// SevereError aborts a session whose state can no longer be trusted. It
// wipes the remote cache and, when configured, the ledger.
type SevereError struct {
	Err   error
	Panic bool
}

func (e *SevereError) Error() string {
	if e.Panic {
		return fmt.Sprintf("severe: panic: %v", e.Err)
	}
	return fmt.Sprintf("severe: %v", e.Err)
}

func (e *SevereError) Unwrap() error {
	return e.Err
}

// ItemError is a per-item problem. The session carried on without the item.
type ItemError struct {
	Path      string
	Retryable bool
	Err       error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

func remoteUnavailable(err error) bool {
	var te *replica.TransportError
	return errors.As(err, &te)
}
