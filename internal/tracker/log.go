package tracker

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LogSource is an append-only dedup log: one UTF-8 line per processed file,
// "<path>:<hex-sha256>". It survives database resets, so an image already
// tagged before a reset is still skipped.
type LogSource struct {
	path string
	mu   sync.Mutex
}

func NewLogSource(path string) *LogSource {
	return &LogSource{path: path}
}

// Processed reports whether the log contains the file's current content
// hash. A changed file no longer matches its recorded line and is
// processed again.
func (l *LogSource) Processed(path string) (bool, error) {
	hash, err := Fingerprint(path)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("opening dedup log: %w", err)
	}
	defer f.Close()

	want := path + ":" + hash
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == want {
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("reading dedup log: %w", err)
	}
	return false, nil
}

// MarkProcessed appends the file's current path:hash line, creating the log
// and its parent directory on first use.
func (l *LogSource) MarkProcessed(path string) error {
	hash, err := Fingerprint(path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating dedup log directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening dedup log: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s:%s\n", path, hash); err != nil {
		return fmt.Errorf("appending to dedup log: %w", err)
	}
	return nil
}
