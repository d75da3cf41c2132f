// Package processing holds the adapters that compute derived assets and scores:
// EXIF metadata, thumbnails, embeddings, quality metrics and clustering.
package processing

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Metadata is what the metadata stage merges into an image row. Nil fields were not present.
type Metadata struct {
	Width        *int
	Height       *int
	Orientation  *int
	ShotAt       *time.Time
	CameraMake   *string
	CameraModel  *string
	FocalLength  *float64
	FNumber      *float64
	ExposureTime *string
	ISO          *int
	Latitude     *float64
	Longitude    *float64
}

// Updates converts the present fields to image column updates.
func (m Metadata) Updates() map[string]interface{} {
	out := make(map[string]interface{})
	put := func(col string, present bool, v interface{}) {
		if present {
			out[col] = v
		}
	}
	put("width", m.Width != nil, m.Width)
	put("height", m.Height != nil, m.Height)
	put("orientation", m.Orientation != nil, m.Orientation)
	put("shot_at", m.ShotAt != nil, m.ShotAt)
	put("camera_make", m.CameraMake != nil, m.CameraMake)
	put("camera_model", m.CameraModel != nil, m.CameraModel)
	put("focal_length", m.FocalLength != nil, m.FocalLength)
	put("f_number", m.FNumber != nil, m.FNumber)
	put("exposure_time", m.ExposureTime != nil, m.ExposureTime)
	put("iso", m.ISO != nil, m.ISO)
	put("latitude", m.Latitude != nil, m.Latitude)
	put("longitude", m.Longitude != nil, m.Longitude)
	return out
}

// ExifExtractor reads pixel dimensions and EXIF tags.
// Images without EXIF (PNG, most GIFs) yield dimensions only; undecodable bytes yield an
// empty Metadata. Neither case is an error, so the stage completes and is not retried.
type ExifExtractor struct{}

// NewExifExtractor creates an ExifExtractor.
func NewExifExtractor() *ExifExtractor {
	return &ExifExtractor{}
}

// Extract parses data. It only fails when ctx is done.
func (e *ExifExtractor) Extract(ctx context.Context, data []byte) (Metadata, error) {
	var m Metadata
	if err := ctx.Err(); err != nil {
		return m, err
	}

	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		m.Width, m.Height = intPtr(cfg.Width), intPtr(cfg.Height)
	}

	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return m, nil
	}

	if s, ok := exifString(x, exif.Make); ok {
		m.CameraMake = &s
	}
	if s, ok := exifString(x, exif.Model); ok {
		m.CameraModel = &s
	}
	if tag, err := x.Get(exif.Orientation); err == nil {
		if v, err := tag.Int(0); err == nil {
			m.Orientation = intPtr(v)
		}
	}
	if t, err := x.DateTime(); err == nil {
		m.ShotAt = &t
	}
	if v, ok := exifFloat(x, exif.FNumber); ok {
		m.FNumber = &v
	}
	if v, ok := exifFloat(x, exif.FocalLength); ok {
		m.FocalLength = &v
	}
	if v, ok := exifFloat(x, exif.ExposureTime); ok && v > 0 {
		s := formatExposure(v)
		m.ExposureTime = &s
	}
	if tag, err := x.Get(exif.ISOSpeedRatings); err == nil {
		if v, err := tag.Int(0); err == nil {
			m.ISO = intPtr(v)
		}
	}
	if lat, long, err := x.LatLong(); err == nil && !math.IsNaN(lat) && !math.IsNaN(long) {
		m.Latitude, m.Longitude = &lat, &long
	}

	return m, nil
}

func exifString(x *exif.Exif, name exif.FieldName) (string, bool) {
	tag, err := x.Get(name)
	if err != nil {
		return "", false
	}
	s, err := tag.StringVal()
	if err != nil {
		return "", false
	}
	s = strings.TrimSpace(strings.TrimRight(s, "\x00"))
	return s, s != ""
}

func exifFloat(x *exif.Exif, name exif.FieldName) (float64, bool) {
	tag, err := x.Get(name)
	if err != nil {
		return 0, false
	}
	r, err := tag.Rat(0)
	if err != nil {
		return 0, false
	}
	f, _ := r.Float64()
	return f, true
}

// formatExposure renders shutter speeds below one second as 1/N.
func formatExposure(seconds float64) string {
	if seconds >= 1 {
		return fmt.Sprintf("%gs", seconds)
	}
	return fmt.Sprintf("1/%d", int(math.Round(1/seconds)))
}

func intPtr(v int) *int { return &v }
