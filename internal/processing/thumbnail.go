package processing

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/config"
	"github.com/disintegration/imaging"
)

// ImagingThumbnailer renders fixed-aspect JPEG thumbnails.
// Landscape sources (wider than tall) get a Long x Short frame, everything else Short x Long.
type ImagingThumbnailer struct {
	Short   int
	Long    int
	Quality int
}

// NewImagingThumbnailer derives frame sizes from cfg. The default 150 at 16:9 gives 266x150.
func NewImagingThumbnailer(cfg config.ThumbnailConfig) *ImagingThumbnailer {
	quality := cfg.Quality
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	return &ImagingThumbnailer{
		Short:   cfg.Scale,
		Long:    cfg.Scale * cfg.AspectW / cfg.AspectH,
		Quality: quality,
	}
}

// FrameFor returns the thumbnail dimensions for a source of the given size.
func (t *ImagingThumbnailer) FrameFor(width, height int) (int, int) {
	if width > height {
		return t.Long, t.Short
	}
	return t.Short, t.Long
}

// Generate decodes data honouring the EXIF orientation and returns the encoded thumbnail.
func (t *ImagingThumbnailer) Generate(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return t.render(src)
}

func (t *ImagingThumbnailer) render(src image.Image) ([]byte, error) {
	b := src.Bounds()
	w, h := t.FrameFor(b.Dx(), b.Dy())
	thumb := imaging.Fill(src, w, h, imaging.Center, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(t.Quality)); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
