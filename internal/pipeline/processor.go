// Package pipeline orchestrates the per-image tagging flow: dedup check,
// encode, vision call, tag extraction, metadata write, and record keeping.
// A single image failing never aborts a directory run; failures become
// counts and recorded errors.
package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/icewall905/image-tagger/internal/tagging"
	"github.com/icewall905/image-tagger/internal/tracker"
)

// Store is the slice of the storage layer the processor writes through.
type Store interface {
	StartAttempt(path, contentHash string, modifiedAt time.Time, size int64) (int64, error)
	CompleteImage(id int64, description string, tags []string) error
	FailImage(id int64, errMsg string) error
}

// Dedup decides whether a file can be skipped and records successes.
type Dedup interface {
	ShouldSkip(path string, force bool) bool
	MarkProcessed(path string) error
}

// Describer produces a description for a base64-encoded JPEG.
type Describer interface {
	Describe(ctx context.Context, imageB64 string) (string, error)
}

// Encoder turns a file into the model's base64 JPEG payload.
type Encoder interface {
	Encode(path string) (string, error)
}

// MetadataWriter embeds description and tags into the file itself.
type MetadataWriter interface {
	Write(ctx context.Context, path, description string, tags []string) error
}

// Outcome statuses for a single image.
const (
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Outcome is the result of processing one image.
type Outcome struct {
	Status      string
	Description string
	Tags        []string
	Err         error
}

// Result aggregates a directory run.
type Result struct {
	Success int `json:"success"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
	Total   int `json:"total"`
}

// Job describes one directory run. Offset and Total let a multi-folder
// operation present one continuous progress bar; leave them zero for a
// standalone run.
type Job struct {
	Dir       string
	Recursive bool
	Force     bool
	Offset    int
	Total     int
}

// Processor runs the tagging pipeline. All collaborators are injected.
type Processor struct {
	store    Store
	dedup    Dedup
	describe Describer
	encode   Encoder
	metadata MetadataWriter
	progress *Progress
	logger   *slog.Logger

	// ExtractTags is swappable in tests; defaults to tagging.Extract.
	ExtractTags func(description string) []string

	// BatchSize > 0 splits directory runs into batches with BatchDelay
	// pauses, giving the GPU a breather on large libraries.
	BatchSize  int
	BatchDelay time.Duration
}

// Deps collects the processor's collaborators.
type Deps struct {
	Store    Store
	Dedup    Dedup
	Describe Describer
	Encode   Encoder
	Metadata MetadataWriter
	Progress *Progress
	Logger   *slog.Logger
}

func New(deps Deps) *Processor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:       deps.Store,
		dedup:       deps.Dedup,
		describe:    deps.Describe,
		encode:      deps.Encode,
		metadata:    deps.Metadata,
		progress:    deps.Progress,
		logger:      logger,
		ExtractTags: tagging.Extract,
	}
}

var imageExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".bmp": {},
	".heic": {}, ".heif": {}, ".tif": {}, ".tiff": {}, ".webp": {},
}

// IsImagePath reports whether the file extension marks an image the
// pipeline handles.
func IsImagePath(path string) bool {
	_, ok := imageExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// ProcessImage runs the full pipeline for one file. The record in the
// store tracks every transition; completion is recorded only after both
// the vision call and the metadata write succeeded.
func (p *Processor) ProcessImage(ctx context.Context, path string, force bool) Outcome {
	if p.dedup != nil && p.dedup.ShouldSkip(path, force) {
		p.logger.Debug("skipping already-processed image", "path", path)
		return Outcome{Status: OutcomeSkipped}
	}

	info, err := os.Stat(path)
	if err != nil {
		return Outcome{Status: OutcomeFailed, Err: fmt.Errorf("stat %s: %w", path, err)}
	}

	hash, err := tracker.Fingerprint(path)
	if err != nil {
		return Outcome{Status: OutcomeFailed, Err: err}
	}

	id, err := p.store.StartAttempt(path, hash, info.ModTime().UTC(), info.Size())
	if err != nil {
		return Outcome{Status: OutcomeFailed, Err: fmt.Errorf("recording attempt for %s: %w", path, err)}
	}

	fail := func(err error) Outcome {
		if ferr := p.store.FailImage(id, err.Error()); ferr != nil {
			p.logger.Error("recording failure", "path", path, "error", ferr)
		}
		return Outcome{Status: OutcomeFailed, Err: err}
	}

	encoded, err := p.encode.Encode(path)
	if err != nil {
		return fail(err)
	}

	description, err := p.describe.Describe(ctx, encoded)
	if err != nil {
		return fail(err)
	}

	tags := p.ExtractTags(description)

	if err := p.metadata.Write(ctx, path, description, tags); err != nil {
		return fail(err)
	}

	if err := p.store.CompleteImage(id, description, tags); err != nil {
		return Outcome{Status: OutcomeFailed, Err: fmt.Errorf("recording completion for %s: %w", path, err)}
	}

	if p.dedup != nil {
		if err := p.dedup.MarkProcessed(path); err != nil {
			// The DB record already says completed; the log entry is a
			// second line of defense, so a failed append is not fatal.
			p.logger.Warn("recording processed mark failed", "path", path, "error", err)
		}
	}

	p.logger.Info("tagged image", "path", path, "tags", len(tags))
	return Outcome{Status: OutcomeCompleted, Description: description, Tags: tags}
}

// ProcessDirectory processes every image under job.Dir, newest first.
// Cancellation is cooperative: the context is checked between files, never
// mid-file, so a cancelled run leaves no half-written metadata.
func (p *Processor) ProcessDirectory(ctx context.Context, job Job) (Result, error) {
	files, err := p.collectImages(job.Dir, job.Recursive)
	if err != nil {
		return Result{}, err
	}

	total := job.Total
	if total <= 0 {
		total = job.Offset + len(files)
	}
	if p.progress != nil && job.Total <= 0 {
		p.progress.SetTotal(total)
	}

	var res Result
	res.Total = len(files)

	for i, path := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if p.BatchSize > 0 && i > 0 && i%p.BatchSize == 0 && p.BatchDelay > 0 {
			p.logger.Info("batch pause", "delay", p.BatchDelay, "processed", i, "remaining", len(files)-i)
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(p.BatchDelay):
			}
		}

		outcome := p.ProcessImage(ctx, path, job.Force)
		switch outcome.Status {
		case OutcomeCompleted:
			res.Success++
		case OutcomeSkipped:
			res.Skipped++
		default:
			res.Errors++
			p.logger.Error("image failed", "path", path, "error", outcome.Err)
			if p.progress != nil && outcome.Err != nil {
				p.progress.RecordError(outcome.Err.Error())
			}
		}

		if p.progress != nil {
			p.progress.Update(job.Offset+i+1, path)
		}
	}

	return res, nil
}

// CountImages counts the image files under dir without touching them. It
// lets a multi-folder operation size its progress total before any work
// starts.
func CountImages(dir string, recursive bool) (int, error) {
	if _, err := os.Stat(dir); err != nil {
		return 0, fmt.Errorf("counting images in %s: %w", dir, err)
	}

	count := 0
	if recursive {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if !d.IsDir() && IsImagePath(path) {
				count++
			}
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("walking %s: %w", dir, err)
		}
		return count, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", dir, err)
	}
	for _, d := range entries {
		if !d.IsDir() && IsImagePath(d.Name()) {
			count++
		}
	}
	return count, nil
}

// collectImages lists image files under dir sorted by modification time,
// newest first, with path as the deterministic tie-break.
func (p *Processor) collectImages(dir string, recursive bool) ([]string, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}

	type entry struct {
		path    string
		modTime time.Time
	}
	var entries []entry

	add := func(path string, info fs.FileInfo) {
		if IsImagePath(path) {
			entries = append(entries, entry{path: path, modTime: info.ModTime()})
		}
	}

	if recursive {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				p.logger.Warn("walk error", "path", path, "error", err)
				return nil
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			add(path, info)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", dir, err)
		}
	} else {
		dirEntries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", dir, err)
		}
		for _, d := range dirEntries {
			if d.IsDir() {
				continue
			}
			info, err := d.Info()
			if err != nil {
				continue
			}
			add(filepath.Join(dir, d.Name()), info)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].modTime.Equal(entries[j].modTime) {
			return entries[i].modTime.After(entries[j].modTime)
		}
		return entries[i].path < entries[j].path
	})

	files := make([]string, len(entries))
	for i, e := range entries {
		files[i] = e.path
	}
	return files, nil
}
