// Package post holds post-processing of accepted images.
package post

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"

	"github.com/nfnt/resize"
)

// Thumbnailer produces bounded-box PNG thumbnails of accepted images.
type Thumbnailer struct {
	enabled bool
	maxPx   uint
}

// NewThumbnailer builds a thumbnailer; a disabled one returns nil thumbnails.
func NewThumbnailer(enabled bool, maxPx int) *Thumbnailer {
	if maxPx <= 0 {
		maxPx = 256
	}
	return &Thumbnailer{enabled: enabled, maxPx: uint(maxPx)}
}

// Thumbnail returns the encoded thumbnail, or nil when disabled.
func (t *Thumbnailer) Thumbnail(data []byte) ([]byte, error) {
	if !t.enabled {
		return nil, nil
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image for thumbnail: %w", err)
	}
	thumb := resize.Thumbnail(t.maxPx, t.maxPx, img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := png.Encode(&buf, thumb); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
