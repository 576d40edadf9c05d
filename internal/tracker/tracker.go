// Package tracker decides whether an image file has already been processed,
// so repeated scans and watcher events don't re-run the vision model on
// unchanged files. Sources are consulted in priority order and any source
// error fails open: an unreadable record means "process it again".
package tracker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Source reports whether a path has a durable processed record.
type Source interface {
	Processed(path string) (bool, error)
}

// Marker is a Source that can record a successful processing run.
type Marker interface {
	MarkProcessed(path string) error
}

// Tracker combines dedup sources in priority order.
type Tracker struct {
	sources []Source
	logger  *slog.Logger
}

func New(logger *slog.Logger, sources ...Source) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{sources: sources, logger: logger}
}

// ShouldSkip reports whether path can be skipped. force always returns
// false so explicit reprocessing requests win over any recorded state.
func (t *Tracker) ShouldSkip(path string, force bool) bool {
	if force {
		return false
	}
	for _, src := range t.sources {
		ok, err := src.Processed(path)
		if err != nil {
			t.logger.Warn("dedup source check failed", "path", path, "error", err)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// MarkProcessed records a fully successful run on every source that keeps
// its own records. Call only after both the vision call and the metadata
// write succeeded.
func (t *Tracker) MarkProcessed(path string) error {
	for _, src := range t.sources {
		m, ok := src.(Marker)
		if !ok {
			continue
		}
		if err := m.MarkProcessed(path); err != nil {
			return err
		}
	}
	return nil
}

// Fingerprint returns the hex SHA-256 of the file's contents.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
