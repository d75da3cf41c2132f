package processing

import (
	"bytes"
	"context"
	"image"
	"testing"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/config"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImagingThumbnailerFrames(t *testing.T) {
	thumb := NewImagingThumbnailer(config.ThumbnailConfig{Scale: 150, AspectW: 16, AspectH: 9, Quality: 85})

	testCases := []struct {
		name          string
		data          []byte
		width, height int
	}{
		{name: "landscape", data: testutil.JPEG(t, 400, 200, 30), width: 266, height: 150},
		{name: "portrait", data: testutil.JPEG(t, 200, 400, 60), width: 150, height: 266},
		{name: "square", data: testutil.PNG(t, 300, 300, 90), width: 150, height: 266},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := thumb.Generate(context.Background(), tc.data)
			require.NoError(t, err)

			cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
			require.NoError(t, err)
			assert.Equal(t, "jpeg", format)
			assert.Equal(t, tc.width, cfg.Width)
			assert.Equal(t, tc.height, cfg.Height)
		})
	}
}

func TestImagingThumbnailerRejectsGarbage(t *testing.T) {
	thumb := NewImagingThumbnailer(config.ThumbnailConfig{Scale: 150, AspectW: 16, AspectH: 9})
	_, err := thumb.Generate(context.Background(), []byte("nope"))
	assert.Error(t, err)
	assert.Equal(t, 85, thumb.Quality)
}
