package storage

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorageLifecycle(t *testing.T) {
	s := NewLocalStorageFs(afero.NewMemMapFs(), "http://cdn.local/")
	ctx := context.Background()
	key := OriginalKey("abcdef0123", "JPG")
	data := []byte("hello image")

	assert.Equal(t, "images/ab/abcdef0123.jpg", key)
	assert.Equal(t, "http://cdn.local/"+key, s.GetURL(key))

	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), "image/jpeg"))

	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := ReadAll(ctx, s, key)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.Delete(ctx, key), "deleting a missing key is not an error")

	_, err = s.Download(ctx, key)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestLocalStorageShortWriteLeavesNothing(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewLocalStorageFs(fs, "")
	ctx := context.Background()
	key := ThumbnailKey("ff00aa")

	err := s.Upload(ctx, key, bytes.NewReader([]byte("abc")), 10, "image/jpeg")
	require.Error(t, err)

	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := afero.ReadDir(fs, "/thumbnails/ff")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLocalStorageRejectsEmptyKey(t *testing.T) {
	s := NewLocalStorageFs(afero.NewMemMapFs(), "")
	err := s.Upload(context.Background(), "", io.LimitReader(nil, 0), 0, "")
	assert.Error(t, err)
}

func TestLocalStorageKeysStayInsideRoot(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewLocalStorageFs(fs, "")
	ctx := context.Background()

	require.NoError(t, s.Upload(ctx, "../../etc/x", bytes.NewReader([]byte("x")), 1, ""))
	ok, err := afero.Exists(fs, "/etc/x")
	require.NoError(t, err)
	assert.True(t, ok)
}
