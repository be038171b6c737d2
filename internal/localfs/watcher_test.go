package localfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherDeliversChanges(t *testing.T) {
	dir := t.TempDir()
	w := NewWatcher(dir)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(w.watchDir, "hello.txt"), []byte("hi"), 0o644))

	assert.Eventually(t, func() bool {
		select {
		case ev := <-w.Events():
			return ev.Path == "hello.txt" && !ev.IsDir
		default:
			return false
		}
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcherIgnoreOnce(t *testing.T) {
	w := NewWatcher(t.TempDir())
	p := filepath.Join(w.watchDir, "own.txt")

	w.IgnoreOnce(p)
	assert.True(t, w.consumeIgnore(p))
	assert.False(t, w.consumeIgnore(p))
}
