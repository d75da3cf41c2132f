package testutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"image/color"
	"testing"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/domain"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// ImageOption customises a seeded image row.
type ImageOption func(img *domain.Image)

// WithFeatures sets the image's embedding.
func WithFeatures(v ...float32) ImageOption {
	return func(img *domain.Image) { img.Features = v }
}

// WithQuality sets a cached quality score.
func WithQuality(score float64, metric string) ImageOption {
	return func(img *domain.Image) {
		img.QualityScore = &score
		img.QualityMetric = &metric
	}
}

// SeedImage inserts an image row with a random hash and returns it.
func SeedImage(t testing.TB, db *gorm.DB, opts ...ImageOption) *domain.Image {
	t.Helper()
	id := uuid.NewString()
	sum := sha256.Sum256([]byte(id))
	hash := hex.EncodeToString(sum[:])
	img := &domain.Image{
		ID:           id,
		ContentHash:  hash,
		OriginalName: id + ".jpg",
		MimeType:     "image/jpeg",
		StorageKey:   "images/" + hash[:2] + "/" + hash + ".jpg",
	}
	for _, opt := range opts {
		opt(img)
	}
	require.NoError(t, db.Create(img).Error)
	return img
}

// SeedImages inserts n images and returns their ids in creation order.
func SeedImages(t testing.TB, db *gorm.DB, n int, opts ...ImageOption) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = SeedImage(t, db, opts...).ID
	}
	return ids
}

// JPEG encodes a solid-colour image of the given size. Different shades give different bytes.
func JPEG(t testing.TB, width, height int, shade uint8) []byte {
	t.Helper()
	img := imaging.New(width, height, color.NRGBA{R: shade, G: 255 - shade, B: shade / 2, A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.JPEG))
	return buf.Bytes()
}

// PNG encodes a solid-colour PNG.
func PNG(t testing.TB, width, height int, shade uint8) []byte {
	t.Helper()
	img := imaging.New(width, height, color.NRGBA{R: shade, G: shade, B: 255 - shade, A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}
