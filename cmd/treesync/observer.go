package main

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/openmined/treesync/internal/scheduler"
)

// consoleObserver prints performed changes and item errors. Everything
// else goes to the log.
type consoleObserver struct {
	scheduler.LogObserver

	mu  sync.Mutex
	out io.Writer
}

func newConsoleObserver(out io.Writer) *consoleObserver {
	return &consoleObserver{out: out}
}

func (o *consoleObserver) OnChangePerformed(isLocal bool, message string, at time.Time) {
	side := cyan.Render("remote")
	if isLocal {
		side = green.Render("local ")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.out, "%s %s %s\n", gray.Render(at.Local().Format(time.TimeOnly)), side, message)
}

func (o *consoleObserver) OnSyncError(message string, cause error) {
	var item *scheduler.ItemError
	if !errors.As(cause, &item) {
		o.LogObserver.OnSyncError(message, cause)
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.out, "%s %s: %v\n", red.Render("ERROR"), item.Path, item.Err)
}
