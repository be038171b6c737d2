package utils

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogInterceptor(t *testing.T) {
	var out bytes.Buffer
	li := NewLogInterceptor(&out)
	li.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }

	n, err := li.Write([]byte("first\r\nsec"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "line=1 time=2026-03-01T10:00:00Z first\n", out.String())

	_, err = li.Write([]byte("ond\nthi"))
	require.NoError(t, err)
	require.NoError(t, li.Close())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "line=2 time=2026-03-01T10:00:00Z second", lines[1])
	assert.Equal(t, "line=3 time=2026-03-01T10:00:00Z thi", lines[2])

	require.NoError(t, li.Close())
	assert.Len(t, strings.Split(strings.TrimSpace(out.String()), "\n"), 3)
}

func TestMultiLogHandler(t *testing.T) {
	var debug, warn bytes.Buffer
	h := NewMultiLogHandler(
		slog.NewTextHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&warn, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)
	logger := slog.New(h).With("component", "test").WithGroup("g")

	logger.Debug("quiet", "k", 1)
	logger.Warn("loud", "k", 2)

	assert.Contains(t, debug.String(), "msg=quiet")
	assert.Contains(t, debug.String(), "msg=loud")
	assert.Contains(t, debug.String(), "component=test")
	assert.Contains(t, debug.String(), "g.k=2")
	assert.NotContains(t, warn.String(), "quiet")
	assert.Contains(t, warn.String(), "msg=loud")
}
