// Package media encodes camera frames for the live session video channel.
package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"

	"golang.org/x/image/draw"

	_ "image/gif" // Register GIF decoder
	_ "image/png" // Register PNG decoder

	_ "golang.org/x/image/webp" // Register WebP decoder
)

// MIMETypeJPEG is the MIME type of every encoded frame.
const MIMETypeJPEG = "image/jpeg"

// Default encoder settings.
const (
	DefaultQuality      = 50
	DefaultMaxDimension = 1024
)

// ErrEmptyFrame is returned for nil images and empty frame data.
var ErrEmptyFrame = errors.New("empty frame")

// FrameEncoder turns images into JPEG bytes at a fixed quality, scaling down
// any frame whose longer side exceeds MaxDimension.
type FrameEncoder struct {
	// Quality is the JPEG quality (1-100).
	Quality int

	// MaxDimension bounds the longer side in pixels. Zero disables scaling.
	MaxDimension int
}

// NewFrameEncoder creates an encoder. Out-of-range quality falls back to DefaultQuality.
func NewFrameEncoder(quality, maxDimension int) *FrameEncoder {
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	if maxDimension < 0 {
		maxDimension = 0
	}
	return &FrameEncoder{Quality: quality, MaxDimension: maxDimension}
}

// Encode scales img if needed and encodes it as JPEG.
func (e *FrameEncoder) Encode(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, ErrEmptyFrame
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, ErrEmptyFrame
	}

	w, h := fitWithin(bounds.Dx(), bounds.Dy(), e.MaxDimension)
	if w != bounds.Dx() || h != bounds.Dy() {
		img = scale(img, w, h)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.Quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses JPEG, PNG, GIF or WebP bytes into an image.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// DecodeFile reads and decodes an image file.
func DecodeFile(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame %s: %w", path, err)
	}
	return Decode(data)
}

// fitWithin returns dimensions that keep the aspect ratio with the longer side at most maxDim.
func fitWithin(width, height, maxDim int) (targetWidth, targetHeight int) {
	if maxDim <= 0 || (width <= maxDim && height <= maxDim) {
		return width, height
	}

	if width >= height {
		targetWidth = maxDim
		targetHeight = int(float64(height) * float64(maxDim) / float64(width))
	} else {
		targetHeight = maxDim
		targetWidth = int(float64(width) * float64(maxDim) / float64(height))
	}
	return max(targetWidth, 1), max(targetHeight, 1)
}

func scale(src image.Image, width, height int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}
