// Package watcher reacts to filesystem events on registered folders: new
// images get processed as they appear, modified images get their stale
// record dropped and are processed again.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/icewall905/image-tagger/internal/pipeline"
	"github.com/icewall905/image-tagger/internal/storage"
)

// Processor runs the tagging pipeline for one file.
type Processor interface {
	ProcessImage(ctx context.Context, path string, force bool) pipeline.Outcome
}

// RecordStore is the slice of the storage layer the watcher touches. Calls
// are short-lived, one per event; the watcher never holds a session open.
type RecordStore interface {
	DeleteImageByPath(path string) error
}

// Skipper answers whether a file already has a processed record.
type Skipper interface {
	ShouldSkip(path string, force bool) bool
}

// Deps collects the watcher's collaborators.
type Deps struct {
	Enabled   bool
	Processor Processor
	Store     RecordStore
	Tracker   Skipper
	Logger    *slog.Logger
}

// Service watches active folders with one goroutine per folder. A disabled
// service is a valid no-op handle: Start and Stop both succeed.
//
// Two watchers racing on the same path is possible when a scan and an event
// overlap; there is no per-path lock. The dedup check directly before
// processing makes the loser a no-op.
type Service struct {
	deps     Deps
	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
	stopErr  error
}

func New(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{deps: deps}
}

// Start begins watching every active folder in the list. Inactive folders
// are ignored. When the service is disabled by configuration this is a
// no-op, not an error.
func (s *Service) Start(ctx context.Context, folders []storage.Folder) error {
	if !s.deps.Enabled {
		s.deps.Logger.Info("folder watching disabled")
		return nil
	}

	ctx, s.cancel = context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	s.group = group

	started := 0
	for _, f := range folders {
		if !f.Active {
			continue
		}
		folder := f
		group.Go(func() error {
			return s.watchFolder(gctx, folder)
		})
		started++
	}

	s.deps.Logger.Info("folder watching started", "folders", started)
	return nil
}

// Stop shuts the watchers down and waits for their goroutines. It is
// idempotent and safe on a nil or never-started service.
func (s *Service) Stop() error {
	if s == nil {
		return nil
	}
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.group != nil {
			if err := s.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				s.stopErr = err
			}
		}
	})
	return s.stopErr
}

func (s *Service) watchFolder(ctx context.Context, folder storage.Folder) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher for %s: %w", folder.Path, err)
	}
	defer w.Close()

	if err := s.addWatches(w, folder.Path, folder.Recursive); err != nil {
		return err
	}
	s.deps.Logger.Info("watching folder", "path", folder.Path, "recursive", folder.Recursive)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			s.handleEvent(ctx, w, folder, event)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.deps.Logger.Warn("watch error", "folder", folder.Path, "error", err)
		}
	}
}

// addWatches registers dir and, when recursive, every subdirectory.
func (s *Service) addWatches(w *fsnotify.Watcher, dir string, recursive bool) error {
	if !recursive {
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
		return nil
	}
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.deps.Logger.Warn("walk error while adding watches", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

func (s *Service) handleEvent(ctx context.Context, w *fsnotify.Watcher, folder storage.Folder, event fsnotify.Event) {
	switch {
	case event.Op.Has(fsnotify.Create):
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if folder.Recursive {
				if err := s.addWatches(w, event.Name, true); err != nil {
					s.deps.Logger.Warn("adding watch for new directory", "path", event.Name, "error", err)
				}
			}
			return
		}
		if !pipeline.IsImagePath(event.Name) {
			return
		}
		if s.deps.Tracker != nil && s.deps.Tracker.ShouldSkip(event.Name, false) {
			return
		}
		s.process(ctx, event.Name)

	case event.Op.Has(fsnotify.Write):
		if !pipeline.IsImagePath(event.Name) {
			return
		}
		// The old description and tags no longer describe the file; drop
		// the record before reprocessing so stale tags cannot survive.
		if err := s.deps.Store.DeleteImageByPath(event.Name); err != nil {
			s.deps.Logger.Warn("dropping record for modified image", "path", event.Name, "error", err)
		}
		s.process(ctx, event.Name)
	}
}

func (s *Service) process(ctx context.Context, path string) {
	outcome := s.deps.Processor.ProcessImage(ctx, path, false)
	if outcome.Status == pipeline.OutcomeFailed {
		s.deps.Logger.Error("processing watched image", "path", path, "error", outcome.Err)
	}
}
