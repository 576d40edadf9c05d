package storage

import (
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func completeTestImage(t *testing.T, s *Store, path string, tags []string) int64 {
	t.Helper()
	id, err := s.StartAttempt(path, "hash-"+path, time.Now().UTC(), 1024)
	if err != nil {
		t.Fatalf("StartAttempt(%q): %v", path, err)
	}
	if err := s.CompleteImage(id, "description of "+path, tags); err != nil {
		t.Fatalf("CompleteImage(%q): %v", path, err)
	}
	return id
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestIndexesExist verifies the image and tag indexes are created by the migration.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_images_status", "idx_images_hash", "idx_image_tags_tag"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestAddAndGetFolder(t *testing.T) {
	s := openTestStore(t)

	f, err := s.AddFolder("/photos/vacation", true)
	if err != nil {
		t.Fatalf("AddFolder: %v", err)
	}
	if f.ID == 0 {
		t.Error("folder ID not assigned")
	}
	if !f.Recursive || !f.Active {
		t.Errorf("Recursive=%v Active=%v, want both true", f.Recursive, f.Active)
	}

	got, err := s.GetFolder(f.ID)
	if err != nil {
		t.Fatalf("GetFolder: %v", err)
	}
	if got.Path != "/photos/vacation" {
		t.Errorf("Path = %q, want /photos/vacation", got.Path)
	}
	if got.AddedAt.IsZero() {
		t.Error("AddedAt not recorded")
	}
}

// TestAddFolderReactivates verifies re-adding a deactivated folder flips it
// back to active instead of erroring on the unique path.
func TestAddFolderReactivates(t *testing.T) {
	s := openTestStore(t)

	f, err := s.AddFolder("/photos", true)
	if err != nil {
		t.Fatalf("AddFolder: %v", err)
	}
	if err := s.SetFolderActive(f.ID, false); err != nil {
		t.Fatalf("SetFolderActive: %v", err)
	}

	again, err := s.AddFolder("/photos", false)
	if err != nil {
		t.Fatalf("AddFolder (again): %v", err)
	}
	if again.ID != f.ID {
		t.Errorf("ID = %d, want %d (same row)", again.ID, f.ID)
	}
	if !again.Active {
		t.Error("folder not reactivated")
	}
	if again.Recursive {
		t.Error("recursive flag not updated")
	}
}

func TestListFoldersActiveOnly(t *testing.T) {
	s := openTestStore(t)

	a, err := s.AddFolder("/a", true)
	if err != nil {
		t.Fatalf("AddFolder /a: %v", err)
	}
	if _, err := s.AddFolder("/b", true); err != nil {
		t.Fatalf("AddFolder /b: %v", err)
	}
	if err := s.SetFolderActive(a.ID, false); err != nil {
		t.Fatalf("SetFolderActive: %v", err)
	}

	all, err := s.ListFolders(false)
	if err != nil {
		t.Fatalf("ListFolders(false): %v", err)
	}
	if len(all) != 2 {
		t.Errorf("got %d folders, want 2", len(all))
	}

	active, err := s.ListFolders(true)
	if err != nil {
		t.Fatalf("ListFolders(true): %v", err)
	}
	if len(active) != 1 || active[0].Path != "/b" {
		t.Errorf("active folders = %+v, want just /b", active)
	}
}

func TestSetFolderActiveNotFound(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetFolderActive(999, false); err != ErrNotFound {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestStartAttemptIncrementsCount(t *testing.T) {
	s := openTestStore(t)

	mod := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	id1, err := s.StartAttempt("/photos/a.jpg", "h1", mod, 100)
	if err != nil {
		t.Fatalf("StartAttempt: %v", err)
	}

	img, err := s.GetImage(id1)
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if img.Status != StatusProcessing {
		t.Errorf("Status = %q, want processing", img.Status)
	}
	if img.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", img.AttemptCount)
	}
	if !img.FileModifiedAt.Equal(mod) {
		t.Errorf("FileModifiedAt = %v, want %v", img.FileModifiedAt, mod)
	}

	// Second attempt reuses the row and bumps the count.
	id2, err := s.StartAttempt("/photos/a.jpg", "h2", mod, 100)
	if err != nil {
		t.Fatalf("StartAttempt (second): %v", err)
	}
	if id2 != id1 {
		t.Errorf("second attempt created new row: %d != %d", id2, id1)
	}
	img, err = s.GetImage(id2)
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if img.AttemptCount != 2 {
		t.Errorf("AttemptCount = %d, want 2", img.AttemptCount)
	}
	if img.ContentHash != "h2" {
		t.Errorf("ContentHash = %q, want h2", img.ContentHash)
	}
}

func TestCompleteImageWithTags(t *testing.T) {
	s := openTestStore(t)

	id := completeTestImage(t, s, "/photos/beach.jpg", []string{"beach", "sunset", "ocean"})

	img, err := s.GetImage(id)
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if img.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed", img.Status)
	}
	if len(img.Tags) != 3 {
		t.Fatalf("got %d tags, want 3: %v", len(img.Tags), img.Tags)
	}
	// Alphabetical.
	if img.Tags[0] != "beach" || img.Tags[1] != "ocean" || img.Tags[2] != "sunset" {
		t.Errorf("Tags = %v, want [beach ocean sunset]", img.Tags)
	}
}

// TestCompleteImageReplacesTags reprocesses an image with a different tag set
// and verifies stale links are gone but tag rows survive.
func TestCompleteImageReplacesTags(t *testing.T) {
	s := openTestStore(t)

	id := completeTestImage(t, s, "/photos/x.jpg", []string{"cat", "indoor"})
	if err := s.CompleteImage(id, "new description", []string{"dog"}); err != nil {
		t.Fatalf("CompleteImage (second): %v", err)
	}

	img, err := s.GetImage(id)
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if len(img.Tags) != 1 || img.Tags[0] != "dog" {
		t.Errorf("Tags = %v, want [dog]", img.Tags)
	}

	// "cat" keeps its tag row with a zero count.
	tags, err := s.ListTags()
	if err != nil {
		t.Fatalf("ListTags: %v", err)
	}
	counts := make(map[string]int)
	for _, tc := range tags {
		counts[tc.Name] = tc.Count
	}
	if counts["dog"] != 1 {
		t.Errorf("dog count = %d, want 1", counts["dog"])
	}
	if c, ok := counts["cat"]; !ok || c != 0 {
		t.Errorf("cat count = %d (present=%v), want 0 and present", c, ok)
	}
}

func TestFailImage(t *testing.T) {
	s := openTestStore(t)

	id, err := s.StartAttempt("/photos/bad.jpg", "h", time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("StartAttempt: %v", err)
	}
	if err := s.FailImage(id, "vision service unavailable"); err != nil {
		t.Fatalf("FailImage: %v", err)
	}

	img, err := s.GetImage(id)
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if img.Status != StatusFailed {
		t.Errorf("Status = %q, want failed", img.Status)
	}
	if img.ErrorMessage != "vision service unavailable" {
		t.Errorf("ErrorMessage = %q", img.ErrorMessage)
	}
}

func TestGetImageNotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetImage(42); err != ErrNotFound {
		t.Errorf("GetImage error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetImageByPath("/nope.jpg"); err != ErrNotFound {
		t.Errorf("GetImageByPath error = %v, want ErrNotFound", err)
	}
}

func TestListImagesFilters(t *testing.T) {
	s := openTestStore(t)

	completeTestImage(t, s, "/photos/a.jpg", []string{"cat"})
	completeTestImage(t, s, "/photos/b.jpg", []string{"dog"})
	id, err := s.StartAttempt("/photos/c.jpg", "h", time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("StartAttempt: %v", err)
	}
	if err := s.FailImage(id, "boom"); err != nil {
		t.Fatalf("FailImage: %v", err)
	}

	all, err := s.ListImages(ListImagesOptions{})
	if err != nil {
		t.Fatalf("ListImages: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d images, want 3", len(all))
	}

	cats, err := s.ListImages(ListImagesOptions{Tag: "cat"})
	if err != nil {
		t.Fatalf("ListImages(tag=cat): %v", err)
	}
	if len(cats) != 1 || cats[0].Path != "/photos/a.jpg" {
		t.Errorf("tag filter = %+v, want just a.jpg", cats)
	}

	failed, err := s.ListImages(ListImagesOptions{Status: StatusFailed})
	if err != nil {
		t.Fatalf("ListImages(status=failed): %v", err)
	}
	if len(failed) != 1 || failed[0].Path != "/photos/c.jpg" {
		t.Errorf("status filter = %+v, want just c.jpg", failed)
	}

	// Skips never persist as rows; the filter is valid but always empty.
	skipped, err := s.ListImages(ListImagesOptions{Status: StatusSkipped})
	if err != nil {
		t.Fatalf("ListImages(status=skipped): %v", err)
	}
	if len(skipped) != 0 {
		t.Errorf("skipped filter = %+v, want none", skipped)
	}
}

func TestListImagesPagination(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 5; i++ {
		completeTestImage(t, s, fmt.Sprintf("/photos/%d.jpg", i), nil)
	}

	page, err := s.ListImages(ListImagesOptions{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListImages: %v", err)
	}
	if len(page) != 2 {
		t.Errorf("got %d images, want 2", len(page))
	}
}

func TestSearchImages(t *testing.T) {
	s := openTestStore(t)

	id, err := s.StartAttempt("/photos/sunset.jpg", "h1", time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("StartAttempt: %v", err)
	}
	if err := s.CompleteImage(id, "A golden sunset over the mountains", []string{"sunset", "mountains"}); err != nil {
		t.Fatalf("CompleteImage: %v", err)
	}
	id2, err := s.StartAttempt("/photos/cat.jpg", "h2", time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("StartAttempt: %v", err)
	}
	if err := s.CompleteImage(id2, "A cat sleeping on a couch", []string{"cat", "indoor"}); err != nil {
		t.Fatalf("CompleteImage: %v", err)
	}

	// Description substring match.
	got, err := s.SearchImages("golden", 10)
	if err != nil {
		t.Fatalf("SearchImages: %v", err)
	}
	if len(got) != 1 || got[0].Path != "/photos/sunset.jpg" {
		t.Errorf("description search = %+v, want sunset.jpg", got)
	}

	// Tag name match.
	got, err = s.SearchImages("indoor", 10)
	if err != nil {
		t.Fatalf("SearchImages: %v", err)
	}
	if len(got) != 1 || got[0].Path != "/photos/cat.jpg" {
		t.Errorf("tag search = %+v, want cat.jpg", got)
	}

	// No match.
	got, err = s.SearchImages("submarine", 10)
	if err != nil {
		t.Fatalf("SearchImages: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d results, want 0", len(got))
	}
}

func TestDeleteImageCascadesTags(t *testing.T) {
	s := openTestStore(t)

	id := completeTestImage(t, s, "/photos/gone.jpg", []string{"old"})
	if err := s.DeleteImage(id); err != nil {
		t.Fatalf("DeleteImage: %v", err)
	}

	if _, err := s.GetImage(id); err != ErrNotFound {
		t.Errorf("GetImage after delete = %v, want ErrNotFound", err)
	}

	var links int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM image_tags WHERE image_id = ?`, id).Scan(&links); err != nil {
		t.Fatalf("counting image_tags: %v", err)
	}
	if links != 0 {
		t.Errorf("image_tags links = %d, want 0 after cascade", links)
	}
}

func TestDeleteImageByPathMissingOK(t *testing.T) {
	s := openTestStore(t)

	if err := s.DeleteImageByPath("/never/existed.jpg"); err != nil {
		t.Errorf("DeleteImageByPath on missing row: %v", err)
	}
}

func TestCountImagesByStatus(t *testing.T) {
	s := openTestStore(t)

	completeTestImage(t, s, "/photos/ok.jpg", nil)
	id, err := s.StartAttempt("/photos/bad.jpg", "h", time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("StartAttempt: %v", err)
	}
	if err := s.FailImage(id, "x"); err != nil {
		t.Fatalf("FailImage: %v", err)
	}

	counts, err := s.CountImagesByStatus()
	if err != nil {
		t.Fatalf("CountImagesByStatus: %v", err)
	}
	if counts[StatusCompleted] != 1 || counts[StatusFailed] != 1 {
		t.Errorf("counts = %v, want 1 completed and 1 failed", counts)
	}
}

func TestAllImagePaths(t *testing.T) {
	s := openTestStore(t)

	a := completeTestImage(t, s, "/photos/a.jpg", nil)
	b := completeTestImage(t, s, "/photos/b.jpg", nil)

	paths, err := s.AllImagePaths()
	if err != nil {
		t.Fatalf("AllImagePaths: %v", err)
	}
	if len(paths) != 2 || paths[a] != "/photos/a.jpg" || paths[b] != "/photos/b.jpg" {
		t.Errorf("paths = %v", paths)
	}
}
