// Package metadata embeds descriptions and keyword tags into image files
// through exiftool, so the tags travel with the file into any photo manager.
package metadata

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Tool runs exiftool with the given arguments and returns its combined
// output. Tests substitute a fake; production uses ExifTool.
type Tool func(ctx context.Context, args ...string) ([]byte, error)

// ExifTool shells out to the exiftool binary on PATH.
func ExifTool(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, "exiftool", args...).CombinedOutput()
}

// Container formats that need different tag families. Everything that isn't
// PNG takes the EXIF/IPTC set; exiftool maps those onto TIFF, WebP and the
// rest itself.
const (
	formatPNG  = "png"
	formatEXIF = "exif"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}

// sniffFormat inspects magic bytes rather than trusting the extension;
// mislabeled files are common in old photo dumps.
func sniffFormat(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	header := make([]byte, len(pngMagic))
	if _, err := io.ReadFull(f, header); err != nil {
		// A file too short to hold the magic cannot be a PNG.
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return formatEXIF, nil
		}
		return "", err
	}
	if bytes.Equal(header, pngMagic) {
		return formatPNG, nil
	}
	return formatEXIF, nil
}

// Writer updates image metadata with bounded retries. A failure leaves the
// file untouched: exiftool writes to a temp copy and renames over the
// original only on success.
type Writer struct {
	tool       Tool
	maxRetries int
	logger     *slog.Logger

	// RetryDelay is the pause between attempts; tests zero it.
	RetryDelay time.Duration
}

func NewWriter(tool Tool, maxRetries int, logger *slog.Logger) *Writer {
	if tool == nil {
		tool = ExifTool
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		tool:       tool,
		maxRetries: maxRetries,
		logger:     logger,
		RetryDelay: time.Second,
	}
}

func writeArgs(format, path, description string, tags []string) []string {
	args := []string{"-overwrite_original"}
	tagsStr := strings.Join(tags, ", ")

	switch format {
	case formatPNG:
		args = append(args, "-PNG:Description="+description)
		for _, tag := range tags {
			args = append(args, "-XMP:Subject+="+tag)
		}
	default:
		args = append(args,
			"-ImageDescription="+description,
			"-UserComment="+description+"\nTags: "+tagsStr,
			"-XPKeywords="+tagsStr)
		for _, tag := range tags {
			args = append(args, "-Keywords+="+tag)
		}
	}

	return append(args, path)
}

// formatMismatch recognizes exiftool's complaints about a file whose real
// container differs from the tag family we targeted.
func formatMismatch(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "looks more like a") ||
		strings.Contains(lower, "not a valid")
}

func otherFormat(format string) string {
	if format == formatPNG {
		return formatEXIF
	}
	return formatPNG
}

// Write embeds the description and tags into the file at path. The tag
// family is chosen by sniffing the container; if exiftool still reports a
// format mismatch the other family is forced once. Exhaustion returns the
// last tool error.
func (w *Writer) Write(ctx context.Context, path, description string, tags []string) error {
	format, err := sniffFormat(path)
	if err != nil {
		return fmt.Errorf("sniffing format of %s: %w", path, err)
	}

	var lastErr error
	forced := false

	for attempt := 1; attempt <= w.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		out, err := w.tool(ctx, writeArgs(format, path, description, tags)...)
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("exiftool: %w: %s", err, strings.TrimSpace(string(out)))
		w.logger.Warn("metadata write failed",
			"path", path, "attempt", attempt, "format", format, "error", err)

		if !forced && formatMismatch(string(out)) {
			forced = true
			format = otherFormat(format)
			continue
		}

		if attempt < w.maxRetries && w.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.RetryDelay):
			}
		}
	}

	return fmt.Errorf("updating metadata for %s after %d attempts: %w", path, w.maxRetries, lastErr)
}

// Read returns the file's text metadata fields, lowercased, for search and
// round-trip verification.
func (w *Writer) Read(ctx context.Context, path string) (string, error) {
	out, err := w.tool(ctx, "-s",
		"-ImageDescription", "-UserComment", "-XPKeywords", "-Keywords",
		"-PNG:Description", "-XMP:Subject", path)
	if err != nil {
		return "", fmt.Errorf("reading metadata from %s: %w: %s", path, err, strings.TrimSpace(string(out)))
	}
	return strings.ToLower(string(out)), nil
}
