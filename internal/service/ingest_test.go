package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/domain"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/storage"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestIngestDuplicateStoresBytesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := testutil.JPEG(t, 32, 24, 10)

	first, err := f.ingest.Ingest(ctx, data, "a.jpg", "image/jpeg")
	require.NoError(t, err)
	created, ok := first.(domain.Created)
	require.True(t, ok, "first ingest should create, got %T", first)
	assert.Equal(t, HashContent(data), created.Image.ContentHash)
	assert.Equal(t, storage.OriginalKey(created.Image.ContentHash, ".jpg"), created.Image.StorageKey)

	second, err := f.ingest.Ingest(ctx, data, "renamed.jpg", "")
	require.NoError(t, err)
	dup, ok := second.(domain.Duplicate)
	require.True(t, ok, "second ingest should be a duplicate, got %T", second)
	assert.Equal(t, created.Image.ID, dup.ExistingID)

	assert.Equal(t, int32(1), f.store.uploads.Load())
	assert.Equal(t, int64(1), f.countImages(t))
	assert.ElementsMatch(t, domain.AllStages, f.dispatcher.forImage(created.Image.ID))
}

func TestIngestConcurrentSameBytesCreatesOneRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := testutil.PNG(t, 16, 16, 200)

	const n = 8
	results := make([]domain.IngestResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.ingest.Ingest(ctx, data, "same.png", "image/png")
		}(i)
	}
	wg.Wait()

	createdCount := 0
	ids := map[string]bool{}
	for i := range results {
		require.NoError(t, errs[i])
		if _, ok := results[i].(domain.Created); ok {
			createdCount++
		}
		ids[results[i].ImageID()] = true
	}
	assert.Equal(t, 1, createdCount)
	assert.Len(t, ids, 1)
	assert.Equal(t, int64(1), f.countImages(t))
}

func TestIngestRejectsInvalidUploads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	testCases := []struct {
		name string
		file string
		data []byte
	}{
		{name: "empty", file: "a.jpg", data: nil},
		{name: "too large", file: "a.jpg", data: make([]byte, 1<<20+1)},
		{name: "extension", file: "notes.txt", data: []byte("hello")},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.ingest.Ingest(ctx, tc.data, tc.file, "")
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
	assert.Zero(t, f.countImages(t))
	assert.Zero(t, f.store.uploads.Load())
}

func TestIngestManyKeepsInputOrder(t *testing.T) {
	f := newFixture(t)
	a := testutil.JPEG(t, 8, 8, 1)
	b := testutil.JPEG(t, 8, 8, 90)

	outcomes := f.ingest.IngestMany(context.Background(), []Upload{
		upload("a.jpg", a),
		upload("bad.gif", b),
		upload("b.jpg", b),
		upload("a-again.jpg", a),
		{Name: "broken.jpg", Size: 4, Open: func() (io.ReadCloser, error) { return nil, errors.New("gone") }},
	})

	require.Len(t, outcomes, 5)
	assert.Equal(t, "a.jpg", outcomes[0].Filename)
	assert.NotEmpty(t, outcomes[0].ImageID)
	assert.NotEmpty(t, outcomes[1].Error)
	assert.Empty(t, outcomes[1].ImageID)
	assert.NotEmpty(t, outcomes[2].ImageID)
	assert.NotEqual(t, outcomes[0].ImageID, outcomes[2].ImageID)
	assert.Equal(t, outcomes[0].ImageID, outcomes[3].ImageID)
	assert.True(t, outcomes[3].IsDuplicate)
	assert.Contains(t, outcomes[4].Error, "gone")
	assert.Equal(t, int64(2), f.countImages(t))
}

func TestDeleteKeepsRowWhenStorageFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := testutil.SeedImages(t, f.db, 2)
	f.newBatch(t, ids)

	f.store.failDelete.Store(true)
	err := f.ingest.Delete(ctx, ids[0])
	assert.ErrorIs(t, err, domain.ErrIO)

	_, err = f.images.GetByID(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.countImages(t))
}

func TestDeleteRemovesBytesRowAndAssociations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := testutil.JPEG(t, 10, 10, 33)

	res, err := f.ingest.Ingest(ctx, data, "x.jpg", "")
	require.NoError(t, err)
	img := res.(domain.Created).Image
	other := testutil.SeedImage(t, f.db)
	batch := f.newBatch(t, []string{img.ID, other.ID})

	require.NoError(t, f.ingest.Delete(ctx, img.ID))

	ok, err := f.store.Exists(ctx, img.StorageKey)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = f.ingest.Get(ctx, img.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got, err := f.batchSvc.Get(ctx, batch.ID, false)
	require.NoError(t, err)
	assert.Equal(t, []string{other.ID}, got.ImageIDs())

	assert.ErrorIs(t, f.ingest.Delete(ctx, img.ID), domain.ErrNotFound)
}

func TestOpenStreamsOriginalAndThumbnail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := testutil.PNG(t, 12, 12, 5)

	res, err := f.ingest.Ingest(ctx, data, "p.png", "")
	require.NoError(t, err)
	id := res.ImageID()

	rc, contentType, err := f.ingest.Open(ctx, id, false)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "image/png", contentType)

	_, _, err = f.ingest.Open(ctx, id, true)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSimilarRequiresIndexAndFeatures(t *testing.T) {
	f := newFixture(t)
	img := testutil.SeedImage(t, f.db, testutil.WithFeatures(1, 0))

	_, err := f.ingest.Similar(context.Background(), img.ID, 5)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestGetBuildsURLs(t *testing.T) {
	f := newFixture(t)
	img := testutil.SeedImage(t, f.db, testutil.WithFeatures(1, 2))

	view, err := f.ingest.Get(context.Background(), img.ID)
	require.NoError(t, err)
	assert.Equal(t, "http://files.test/"+img.StorageKey, view.URL)
	assert.Empty(t, view.ThumbnailURL)
	assert.True(t, view.HasFeatures)
}

// failImageInserts makes every insert fail while the returned flag is set.
func failImageInserts(t *testing.T, f *fixture) *atomic.Bool {
	t.Helper()
	var fail atomic.Bool
	require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register("test:fail_inserts", func(tx *gorm.DB) {
		if fail.Load() {
			_ = tx.AddError(errors.New("disk full"))
		}
	}))
	return &fail
}

func TestIngestFailedInsertRemovesItsBytes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := testutil.PNG(t, 12, 12, 90)
	fail := failImageInserts(t, f)
	fail.Store(true)

	_, err := f.ingest.Ingest(ctx, data, "lost.png", "image/png")
	require.Error(t, err)
	assert.Zero(t, f.countImages(t))

	key := storage.OriginalKey(HashContent(data), "png")
	ok, err := f.store.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIngestCleanupKeepsBytesClaimedByConcurrentWriter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := testutil.PNG(t, 12, 12, 91)
	hash := HashContent(data)
	fail := failImageInserts(t, f)
	fail.Store(true)

	// another process commits a row for the same bytes while ours is being cleaned up
	f.store.onDelete = func(key string) {
		fail.Store(false)
		require.NoError(t, f.db.Create(&domain.Image{
			ID:          "other-writer",
			ContentHash: hash,
			MimeType:    "image/png",
			StorageKey:  key,
		}).Error)
	}

	_, err := f.ingest.Ingest(ctx, data, "race.png", "image/png")
	require.Error(t, err)

	got, err := f.images.GetByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "other-writer", got.ID)

	stored, err := storage.ReadAll(ctx, f.store, got.StorageKey)
	require.NoError(t, err, "the surviving row must still resolve to its original")
	assert.Equal(t, data, stored)
	assert.Equal(t, int32(2), f.store.uploads.Load())
}
