// Package recording removes staged recordings that were never committed to
// a mailbox.
package recording

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// UploadPattern matches recordings staged by the deposit API.
const UploadPattern = "vmupload-*.wav"

// Sweep removes files in dir matching pattern whose modification time is
// older than maxAge. It returns the removed paths.
func Sweep(dir, pattern string, maxAge time.Duration, now time.Time) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, p := range matches {
		fi, err := os.Stat(p)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		if now.Sub(fi.ModTime()) < maxAge {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, err
		}
		removed = append(removed, p)
	}
	return removed, nil
}

// StartCleanupTicker runs a background goroutine that periodically removes
// staged recordings older than maxAge from dir. Uploads interrupted by a
// crash are otherwise never removed. The goroutine stops when ctx is
// cancelled.
func StartCleanupTicker(ctx context.Context, dir string, maxAge, interval time.Duration, logger *slog.Logger) {
	logger = logger.With("subsystem", "upload_cleanup")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				paths, err := Sweep(dir, UploadPattern, maxAge, time.Now())
				if err != nil {
					logger.Warn("staged recording cleanup failed", "dir", dir, "error", err)
				}
				if len(paths) > 0 {
					logger.Info("staged recording cleanup", "deleted", len(paths), "max_age", maxAge)
				}
			}
		}
	}()
}
