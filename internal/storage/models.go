package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Image processing states. Skips are decided before a row is touched, so
// StatusSkipped appears in reports and filters, never as a stored state
// transition.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
)

// Folder is a watched folder registration.
type Folder struct {
	ID        int64
	Path      string
	Recursive bool
	Active    bool
	AddedAt   time.Time
}

// Image is the processing record for a single file on disk. Status reaches
// "completed" only after both the vision call and the metadata write succeed.
type Image struct {
	ID             int64
	Path           string
	ContentHash    string
	Status         string
	Description    string
	LastAttemptAt  time.Time
	AttemptCount   int
	ErrorMessage   string
	FileModifiedAt time.Time
	FileSize       int64
	Tags           []string
}

// TagCount is a tag name with the number of images carrying it.
type TagCount struct {
	Name  string
	Count int
}
