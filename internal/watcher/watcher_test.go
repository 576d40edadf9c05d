package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/icewall905/image-tagger/internal/pipeline"
	"github.com/icewall905/image-tagger/internal/storage"
)

type recordingProcessor struct {
	events chan string
}

func (r *recordingProcessor) ProcessImage(_ context.Context, path string, _ bool) pipeline.Outcome {
	r.events <- path
	return pipeline.Outcome{Status: pipeline.OutcomeCompleted}
}

type recordingStore struct {
	mu      sync.Mutex
	deleted []string
}

func (r *recordingStore) DeleteImageByPath(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, path)
	return nil
}

func (r *recordingStore) deletedPaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.deleted...)
}

type stubSkipper struct{ skip bool }

func (s stubSkipper) ShouldSkip(string, bool) bool { return s.skip }

func startTestService(t *testing.T, dir string, recursive bool, skip bool) (*Service, *recordingProcessor, *recordingStore) {
	t.Helper()
	proc := &recordingProcessor{events: make(chan string, 16)}
	store := &recordingStore{}
	svc := New(Deps{
		Enabled:   true,
		Processor: proc,
		Store:     store,
		Tracker:   stubSkipper{skip: skip},
	})
	folders := []storage.Folder{{ID: 1, Path: dir, Recursive: recursive, Active: true}}
	if err := svc.Start(context.Background(), folders); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { svc.Stop() })
	// Give the watcher goroutine a beat to register its watches.
	time.Sleep(100 * time.Millisecond)
	return svc, proc, store
}

func waitForPath(t *testing.T, events chan string, want string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-events:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s to be processed", want)
		}
	}
}

func expectNoEvents(t *testing.T, events chan string) {
	t.Helper()
	select {
	case got := <-events:
		t.Fatalf("unexpected processing of %s", got)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDisabledServiceIsNoOp(t *testing.T) {
	svc := New(Deps{Enabled: false})

	if err := svc.Start(context.Background(), []storage.Folder{{Path: t.TempDir(), Active: true}}); err != nil {
		t.Fatalf("Start on disabled service: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop on disabled service: %v", err)
	}
}

func TestStopNilAndIdempotent(t *testing.T) {
	var nilSvc *Service
	if err := nilSvc.Stop(); err != nil {
		t.Errorf("Stop on nil service: %v", err)
	}

	svc, _, _ := startTestService(t, t.TempDir(), false, false)
	if err := svc.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestCreateEventProcessesImage(t *testing.T) {
	dir := t.TempDir()
	_, proc, _ := startTestService(t, dir, false, false)

	path := filepath.Join(dir, "new.jpg")
	if err := os.WriteFile(path, []byte("jpeg bytes"), 0o644); err != nil {
		t.Fatalf("writing image: %v", err)
	}

	waitForPath(t, proc.events, path)
}

func TestCreateEventIgnoresNonImages(t *testing.T) {
	dir := t.TempDir()
	_, proc, _ := startTestService(t, dir, false, false)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("text"), 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}

	expectNoEvents(t, proc.events)
}

// TestCreateEventSkipsTracked verifies a bare create of an already-tracked
// image does not reprocess it.
func TestCreateEventSkipsTracked(t *testing.T) {
	dir := t.TempDir()
	_, proc, _ := startTestService(t, dir, false, true)

	// Open+close emits only a create event, no write.
	f, err := os.OpenFile(filepath.Join(dir, "known.jpg"), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("creating file: %v", err)
	}
	f.Close()

	expectNoEvents(t, proc.events)
}

// TestWriteEventInvalidatesRecord verifies modifying an image drops its
// record before reprocessing, so stale tags cannot survive.
func TestWriteEventInvalidatesRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "existing.jpg")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatalf("writing image: %v", err)
	}

	_, proc, store := startTestService(t, dir, false, false)

	if err := os.WriteFile(path, []byte("v2 with new content"), 0o644); err != nil {
		t.Fatalf("modifying image: %v", err)
	}

	waitForPath(t, proc.events, path)

	deleted := store.deletedPaths()
	found := false
	for _, p := range deleted {
		if p == path {
			found = true
		}
	}
	if !found {
		t.Errorf("record not deleted before reprocess; deleted = %v", deleted)
	}
}

// TestRecursiveWatchesNewSubdirectories verifies images appearing in
// directories created after Start are still picked up.
func TestRecursiveWatchesNewSubdirectories(t *testing.T) {
	dir := t.TempDir()
	_, proc, _ := startTestService(t, dir, true, false)

	sub := filepath.Join(dir, "album")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// Let the create event register the new watch.
	time.Sleep(200 * time.Millisecond)

	path := filepath.Join(sub, "inside.jpg")
	if err := os.WriteFile(path, []byte("jpeg"), 0o644); err != nil {
		t.Fatalf("writing image: %v", err)
	}

	waitForPath(t, proc.events, path)
}

func TestInactiveFoldersNotWatched(t *testing.T) {
	dir := t.TempDir()
	proc := &recordingProcessor{events: make(chan string, 16)}
	svc := New(Deps{
		Enabled:   true,
		Processor: proc,
		Store:     &recordingStore{},
		Tracker:   stubSkipper{},
	})
	folders := []storage.Folder{{ID: 1, Path: dir, Active: false}}
	if err := svc.Start(context.Background(), folders); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { svc.Stop() })
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("jpeg"), 0o644); err != nil {
		t.Fatalf("writing image: %v", err)
	}

	expectNoEvents(t, proc.events)
}
