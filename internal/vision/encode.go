package vision

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/disintegration/imaging"

	// Register decoders beyond imaging's JPEG/PNG defaults so camera dumps
	// with mixed formats decode in-process.
	_ "image/gif"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrUnsupportedImage is returned when a file can be neither decoded
// in-process nor converted by any available external tool. The caller fails
// fast without spending a network round-trip.
var ErrUnsupportedImage = errors.New("unsupported image format")

// Vision models cap their input resolution; anything larger just wastes
// upload time and VRAM.
const maxDimension = 1024

// converter shells out to an external tool that emits a capped JPEG on
// stdout. Used for formats with no Go decoder, HEIC in particular.
type converter struct {
	name string
	run  func(path string, maxDim int) ([]byte, error)
}

func magickConvert(path string, maxDim int) ([]byte, error) {
	dim := strconv.Itoa(maxDim)
	// ">" only shrinks, never upscales.
	cmd := exec.Command("magick", path, "-auto-orient", "-resize", dim+"x"+dim+">", "jpeg:-")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("magick: %w", err)
	}
	return out.Bytes(), nil
}

func ffmpegConvert(path string, maxDim int) ([]byte, error) {
	dim := strconv.Itoa(maxDim)
	scale := fmt.Sprintf("scale='min(%s,iw)':'min(%s,ih)':force_original_aspect_ratio=decrease", dim, dim)
	cmd := exec.Command("ffmpeg", "-loglevel", "error", "-i", path,
		"-vf", scale, "-frames:v", "1", "-f", "mjpeg", "pipe:1")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w", err)
	}
	return out.Bytes(), nil
}

// Encoder turns image files into the base64 JPEG payload the model accepts.
type Encoder struct {
	// MaxDimension caps the longer side of the encoded image.
	MaxDimension int

	converters []converter
}

func NewEncoder() *Encoder {
	return &Encoder{
		MaxDimension: maxDimension,
		converters: []converter{
			{name: "magick", run: magickConvert},
			{name: "ffmpeg", run: ffmpegConvert},
		},
	}
}

// Encode loads path, shrinks it to fit MaxDimension, and returns it as
// base64 JPEG. Files no Go decoder handles go through the external
// converter chain; when that fails too the error wraps ErrUnsupportedImage.
func (e *Encoder) Encode(path string) (string, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err == nil {
		bounds := img.Bounds()
		if bounds.Dx() > e.MaxDimension || bounds.Dy() > e.MaxDimension {
			img = imaging.Fit(img, e.MaxDimension, e.MaxDimension, imaging.Lanczos)
		}
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
			return "", fmt.Errorf("encoding %s as JPEG: %w", path, err)
		}
		return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
	}

	var convErrs []error
	for _, c := range e.converters {
		if _, lerr := exec.LookPath(c.name); lerr != nil {
			continue
		}
		data, cerr := c.run(path, e.MaxDimension)
		if cerr == nil && len(data) > 0 {
			return base64.StdEncoding.EncodeToString(data), nil
		}
		convErrs = append(convErrs, cerr)
	}

	return "", fmt.Errorf("%w: %s (decode: %v, converters: %v)", ErrUnsupportedImage, path, err, convErrs)
}
