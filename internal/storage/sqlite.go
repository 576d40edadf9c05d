package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for folders, images, and tags.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "image-tagger.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	// image_tags rows cascade when an image or tag row is deleted.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// Timestamps are stored as RFC3339 text; the empty string means "never".

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// --- Folders ---

// AddFolder registers a folder for watching. Re-adding an existing path
// reactivates it and updates the recursive flag instead of failing.
func (s *Store) AddFolder(path string, recursive bool) (Folder, error) {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO folders (path, recursive, active, added_at) VALUES (?, ?, 1, ?)
		ON CONFLICT(path) DO UPDATE SET recursive = excluded.recursive, active = 1`,
		path, recursive, now.Format(time.RFC3339),
	)
	if err != nil {
		return Folder{}, err
	}
	return s.GetFolderByPath(path)
}

func (s *Store) GetFolder(id int64) (Folder, error) {
	return s.scanFolder(s.db.QueryRow(
		`SELECT id, path, recursive, active, added_at FROM folders WHERE id = ?`, id))
}

func (s *Store) GetFolderByPath(path string) (Folder, error) {
	return s.scanFolder(s.db.QueryRow(
		`SELECT id, path, recursive, active, added_at FROM folders WHERE path = ?`, path))
}

func (s *Store) scanFolder(row *sql.Row) (Folder, error) {
	var f Folder
	var addedAt string
	err := row.Scan(&f.ID, &f.Path, &f.Recursive, &f.Active, &addedAt)
	if err == sql.ErrNoRows {
		return Folder{}, ErrNotFound
	}
	if err != nil {
		return Folder{}, err
	}
	if f.AddedAt, err = parseTime(addedAt); err != nil {
		return Folder{}, fmt.Errorf("parsing added_at: %w", err)
	}
	return f, nil
}

// ListFolders returns folders ordered by path. With activeOnly it returns
// only folders the watcher should cover.
func (s *Store) ListFolders(activeOnly bool) ([]Folder, error) {
	query := `SELECT id, path, recursive, active, added_at FROM folders`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY path ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Folder
	for rows.Next() {
		var f Folder
		var addedAt string
		if err := rows.Scan(&f.ID, &f.Path, &f.Recursive, &f.Active, &addedAt); err != nil {
			return nil, err
		}
		if f.AddedAt, err = parseTime(addedAt); err != nil {
			return nil, fmt.Errorf("parsing added_at: %w", err)
		}
		results = append(results, f)
	}
	return results, rows.Err()
}

// SetFolderActive toggles a folder in or out of the watch set without
// discarding the registration or its image records.
func (s *Store) SetFolderActive(id int64, active bool) error {
	res, err := s.db.Exec(`UPDATE folders SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Images ---

const imageColumns = `id, path, content_hash, status, description, last_attempt_at,
	attempt_count, error_message, file_modified_at, file_size`

// StartAttempt creates or resets the image row for path, marks it processing,
// and bumps attempt_count. Returns the row ID.
func (s *Store) StartAttempt(path, contentHash string, modifiedAt time.Time, size int64) (int64, error) {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO images (path, content_hash, status, last_attempt_at, attempt_count, error_message, file_modified_at, file_size)
		VALUES (?, ?, ?, ?, 1, '', ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			content_hash = excluded.content_hash,
			status = excluded.status,
			last_attempt_at = excluded.last_attempt_at,
			attempt_count = images.attempt_count + 1,
			error_message = '',
			file_modified_at = excluded.file_modified_at,
			file_size = excluded.file_size`,
		path, contentHash, StatusProcessing, now.Format(time.RFC3339),
		formatTime(modifiedAt), size,
	)
	if err != nil {
		return 0, err
	}
	var id int64
	if err := s.db.QueryRow(`SELECT id FROM images WHERE path = ?`, path).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// CompleteImage marks the row completed with its description and replaces
// the image's tag set in one transaction. Tag rows are created lazily and
// never deleted here.
func (s *Store) CompleteImage(id int64, description string, tags []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE images SET status = ?, description = ?, error_message = '' WHERE id = ?`,
		StatusCompleted, description, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(`DELETE FROM image_tags WHERE image_id = ?`, id); err != nil {
		return err
	}
	for _, name := range tags {
		if _, err := tx.Exec(`INSERT INTO tags (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO image_tags (image_id, tag_id)
			SELECT ?, id FROM tags WHERE name = ?
			ON CONFLICT DO NOTHING`, id, name); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// FailImage marks the row failed and records the error message.
func (s *Store) FailImage(id int64, errMsg string) error {
	res, err := s.db.Exec(`UPDATE images SET status = ?, error_message = ? WHERE id = ?`,
		StatusFailed, errMsg, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetImage(id int64) (Image, error) {
	img, err := s.scanImage(s.db.QueryRow(
		`SELECT `+imageColumns+` FROM images WHERE id = ?`, id))
	if err != nil {
		return Image{}, err
	}
	img.Tags, err = s.TagsForImage(img.ID)
	return img, err
}

func (s *Store) GetImageByPath(path string) (Image, error) {
	img, err := s.scanImage(s.db.QueryRow(
		`SELECT `+imageColumns+` FROM images WHERE path = ?`, path))
	if err != nil {
		return Image{}, err
	}
	img.Tags, err = s.TagsForImage(img.ID)
	return img, err
}

func (s *Store) scanImage(row *sql.Row) (Image, error) {
	var img Image
	var lastAttempt, fileModified string
	err := row.Scan(&img.ID, &img.Path, &img.ContentHash, &img.Status, &img.Description,
		&lastAttempt, &img.AttemptCount, &img.ErrorMessage, &fileModified, &img.FileSize)
	if err == sql.ErrNoRows {
		return Image{}, ErrNotFound
	}
	if err != nil {
		return Image{}, err
	}
	if img.LastAttemptAt, err = parseTime(lastAttempt); err != nil {
		return Image{}, fmt.Errorf("parsing last_attempt_at: %w", err)
	}
	if img.FileModifiedAt, err = parseTime(fileModified); err != nil {
		return Image{}, fmt.Errorf("parsing file_modified_at: %w", err)
	}
	return img, nil
}

// ListImagesOptions filters and pages ListImages. Zero Limit means 100.
type ListImagesOptions struct {
	Tag    string
	Status string
	Limit  int
	Offset int
}

// ListImages returns image records newest-attempt first, optionally filtered
// by tag name or status. Tags are populated on each result.
func (s *Store) ListImages(opts ListImagesOptions) ([]Image, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	var where []string
	var args []interface{}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, opts.Status)
	}
	if opts.Tag != "" {
		where = append(where, `id IN (
			SELECT it.image_id FROM image_tags it JOIN tags t ON t.id = it.tag_id WHERE t.name = ?)`)
		args = append(args, opts.Tag)
	}

	query := `SELECT ` + imageColumns + ` FROM images`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY last_attempt_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	return s.queryImages(query, args...)
}

// SearchImages matches q against descriptions (substring) and exact tag
// names, newest first.
func (s *Store) SearchImages(q string, limit int) ([]Image, error) {
	if limit <= 0 {
		limit = 100
	}
	pattern := "%" + q + "%"
	query := `SELECT ` + imageColumns + ` FROM images
		WHERE description LIKE ? OR id IN (
			SELECT it.image_id FROM image_tags it JOIN tags t ON t.id = it.tag_id
			WHERE t.name = ?)
		ORDER BY last_attempt_at DESC, id DESC LIMIT ?`
	return s.queryImages(query, pattern, strings.ToLower(q), limit)
}

func (s *Store) queryImages(query string, args ...interface{}) ([]Image, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Image
	for rows.Next() {
		var img Image
		var lastAttempt, fileModified string
		if err := rows.Scan(&img.ID, &img.Path, &img.ContentHash, &img.Status, &img.Description,
			&lastAttempt, &img.AttemptCount, &img.ErrorMessage, &fileModified, &img.FileSize); err != nil {
			return nil, err
		}
		if img.LastAttemptAt, err = parseTime(lastAttempt); err != nil {
			return nil, fmt.Errorf("parsing last_attempt_at: %w", err)
		}
		if img.FileModifiedAt, err = parseTime(fileModified); err != nil {
			return nil, fmt.Errorf("parsing file_modified_at: %w", err)
		}
		results = append(results, img)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range results {
		if results[i].Tags, err = s.TagsForImage(results[i].ID); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// DeleteImage removes an image record and (via cascade) its tag links.
func (s *Store) DeleteImage(id int64) error {
	res, err := s.db.Exec(`DELETE FROM images WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteImageByPath removes the record for path if one exists. Missing rows
// are not an error; the watcher calls this on every write event.
func (s *Store) DeleteImageByPath(path string) error {
	_, err := s.db.Exec(`DELETE FROM images WHERE path = ?`, path)
	return err
}

// AllImagePaths returns every recorded (id, path) pair, used by cleanup to
// stat files and drop records for those that no longer exist.
func (s *Store) AllImagePaths() (map[int64]string, error) {
	rows, err := s.db.Query(`SELECT id, path FROM images`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[int64]string)
	for rows.Next() {
		var id int64
		var path string
		if err := rows.Scan(&id, &path); err != nil {
			return nil, err
		}
		result[id] = path
	}
	return result, rows.Err()
}

// CountImagesByStatus returns the number of image records per status.
func (s *Store) CountImagesByStatus() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM images GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		result[status] = count
	}
	return result, rows.Err()
}

// --- Tags ---

// TagsForImage returns the image's tag names sorted alphabetically.
func (s *Store) TagsForImage(imageID int64) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT t.name FROM tags t
		JOIN image_tags it ON it.tag_id = t.id
		WHERE it.image_id = ?
		ORDER BY t.name ASC`, imageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tags = append(tags, name)
	}
	return tags, rows.Err()
}

// ListTags returns all tags with their image counts, most used first. Tags
// with no remaining images are included with a zero count.
func (s *Store) ListTags() ([]TagCount, error) {
	rows, err := s.db.Query(`
		SELECT t.name, COUNT(it.image_id) FROM tags t
		LEFT JOIN image_tags it ON it.tag_id = t.id
		GROUP BY t.id
		ORDER BY COUNT(it.image_id) DESC, t.name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []TagCount
	for rows.Next() {
		var tc TagCount
		if err := rows.Scan(&tc.Name, &tc.Count); err != nil {
			return nil, err
		}
		results = append(results, tc)
	}
	return results, rows.Err()
}
