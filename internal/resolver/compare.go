package resolver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/openmined/treesync/internal/replica"
)

const compareChunk = 64 << 10

// contentEqual reports whether the source item a and the target item b hold
// the same content at the same path. Anything it cannot prove equal is
// different, which at worst costs a backup.
func (r *Resolver) contentEqual(ctx context.Context, a, b replica.Item) bool {
	if a.Path != b.Path {
		return false
	}
	if a.IsDir || b.IsDir {
		return a.IsDir == b.IsDir
	}
	if a.Size != b.Size {
		return false
	}
	if a.ETag != "" && a.ETag == b.ETag {
		return true
	}
	if a.Size > r.cfg.CompareThreshold {
		slog.Debug("resolver skipping deep compare", "path", a.Path, "size", a.Size)
		return false
	}

	ra, err := r.src.Open(ctx, a.Path, a.NodeID)
	if err != nil {
		slog.Debug("resolver compare open", "replica", r.src.Name(), "path", a.Path, "error", err)
		return false
	}
	defer ra.Close()

	rb, err := r.dst.Open(ctx, b.Path, b.NodeID)
	if err != nil {
		slog.Debug("resolver compare open", "replica", r.dst.Name(), "path", b.Path, "error", err)
		return false
	}
	defer rb.Close()

	same, err := sameContent(ra, rb)
	if err != nil {
		slog.Debug("resolver compare read", "path", a.Path, "error", err)
		return false
	}
	return same
}

func sameContent(a, b io.Reader) (bool, error) {
	bufA := make([]byte, compareChunk)
	bufB := make([]byte, compareChunk)
	for {
		na, errA := io.ReadFull(a, bufA)
		nb, errB := io.ReadFull(b, bufB)
		if !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}

		endA, err := chunkEnd(errA)
		if err != nil {
			return false, err
		}
		endB, err := chunkEnd(errB)
		if err != nil {
			return false, err
		}
		if endA || endB {
			return endA == endB, nil
		}
	}
}

func chunkEnd(err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true, nil
	}
	return false, err
}
