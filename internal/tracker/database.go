package tracker

import (
	"errors"
	"os"
	"time"

	"github.com/icewall905/image-tagger/internal/storage"
)

// ImageGetter is the slice of the store the database source needs.
type ImageGetter interface {
	GetImageByPath(path string) (storage.Image, error)
}

// DatabaseSource answers from the images table: a completed record whose
// file has not been modified since the recorded mtime means "skip".
type DatabaseSource struct {
	store ImageGetter
}

func NewDatabaseSource(store ImageGetter) *DatabaseSource {
	return &DatabaseSource{store: store}
}

func (d *DatabaseSource) Processed(path string) (bool, error) {
	img, err := d.store.GetImageByPath(path)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if img.Status != storage.StatusCompleted {
		return false, nil
	}
	if img.FileModifiedAt.IsZero() {
		return true, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	// RFC3339 storage drops sub-second precision, so compare at seconds.
	return !info.ModTime().UTC().Truncate(time.Second).After(img.FileModifiedAt.Truncate(time.Second)), nil
}
