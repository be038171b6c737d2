package localfs

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/openmined/treesync/internal/replica"
	"github.com/shirou/gopsutil/v4/disk"
)

// writeFile materializes content at rel through a temporary file in the same
// directory, so readers never observe a partial file. The modification time
// of data is carried over.
func (t *Tree) writeFile(rel string, data replica.Item, content io.Reader) error {
	if content == nil {
		return fmt.Errorf("write %s: no content", rel)
	}
	if err := t.checkSpace(data.Size); err != nil {
		return err
	}

	dst := t.abs(rel)
	tmp, err := os.CreateTemp(filepath.Dir(dst), tempPattern)
	if err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	n, err := io.Copy(tmp, content)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	if n != data.Size {
		return fmt.Errorf("write %s: got %d bytes, expected %d", rel, n, data.Size)
	}

	if !data.ModTime.IsZero() {
		if err := os.Chtimes(tmpPath, data.ModTime, data.ModTime); err != nil {
			slog.Debug("localfs chtimes", "path", rel, "error", err)
		}
	}
	t.touched(rel)
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

func (t *Tree) checkSpace(size int64) error {
	usage, err := disk.Usage(t.root)
	if err != nil {
		slog.Debug("localfs disk usage", "error", err)
		return nil
	}
	need := uint64(size) + t.minFree
	if usage.Free < need {
		return fmt.Errorf("need %s, %s free: %w",
			humanize.Bytes(need), humanize.Bytes(usage.Free), replica.ErrInsufficientSpace)
	}
	return nil
}

// CleanupTemp removes temporary files left behind by an interrupted write.
func (t *Tree) CleanupTemp() error {
	var errs []error
	err := filepath.WalkDir(t.root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(tempPattern, d.Name()); ok {
			if err := os.Remove(p); err != nil {
				errs = append(errs, err)
			} else {
				slog.Debug("localfs removed stale temp file", "path", p)
			}
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
