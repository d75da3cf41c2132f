package storage

import (
	"path"
	"strings"
)

// OriginalKey is the content-addressed key of an uploaded original.
// Two uploads with the same hash share one key, so the store never holds two copies.
func OriginalKey(hash, ext string) string {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return path.Join("images", hash[:2], hash+ext)
}

// ThumbnailKey is the key of the JPEG thumbnail derived from the image with hash.
func ThumbnailKey(hash string) string {
	return path.Join("thumbnails", hash[:2], hash+".jpg")
}
