package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/config"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/domain"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/logger"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/pipeline"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/repository"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/storage"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var errStorageDown = errors.New("storage unavailable")

// flakyStorage counts uploads and can be told to fail deletes.
type flakyStorage struct {
	storage.ObjectStorage
	uploads    atomic.Int32
	failDelete atomic.Bool
	// onDelete runs before a delete reaches the backing store.
	onDelete func(key string)
}

func (s *flakyStorage) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	s.uploads.Add(1)
	return s.ObjectStorage.Upload(ctx, key, r, size, contentType)
}

func (s *flakyStorage) Delete(ctx context.Context, key string) error {
	if s.failDelete.Load() {
		return errStorageDown
	}
	if s.onDelete != nil {
		s.onDelete(key)
	}
	return s.ObjectStorage.Delete(ctx, key)
}

type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []pipeline.Task
}

func (d *recordingDispatcher) Dispatch(_ context.Context, task pipeline.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, task)
	return nil
}

func (d *recordingDispatcher) forImage(id string) []domain.StageKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	var stages []domain.StageKind
	for _, task := range d.tasks {
		if task.ImageID == id {
			stages = append(stages, task.Stage)
		}
	}
	return stages
}

type fixture struct {
	db         *gorm.DB
	images     *repository.ImageRepository
	batches    *repository.BatchRepository
	store      *flakyStorage
	dispatcher *recordingDispatcher
	locks      *KeyedMutex
	ingest     *IngestService
	batchSvc   *BatchService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	f := &fixture{
		db:         db,
		images:     repository.NewImageRepository(db),
		batches:    repository.NewBatchRepository(db),
		store:      &flakyStorage{ObjectStorage: storage.NewLocalStorageFs(afero.NewMemMapFs(), "http://files.test/")},
		dispatcher: &recordingDispatcher{},
		locks:      NewKeyedMutex(),
	}
	f.ingest = NewIngestService(f.images, f.store, f.dispatcher, nil, nil, logger.GetDefault(), config.IngestConfig{
		MaxFileSize:       1 << 20,
		AllowedExtensions: []string{".jpg", ".jpeg", ".png"},
		Workers:           4,
	})
	f.batchSvc = NewBatchService(f.batches, f.images, f.ingest, f.locks)
	return f
}

// storeOriginal writes bytes for a seeded image at its storage key.
func (f *fixture) storeOriginal(t *testing.T, img *domain.Image, data []byte) {
	t.Helper()
	require.NoError(t, f.store.Upload(context.Background(), img.StorageKey, bytes.NewReader(data), int64(len(data)), img.MimeType))
}

func (f *fixture) newBatch(t *testing.T, imageIDs []string) *domain.Batch {
	t.Helper()
	b, err := f.batchSvc.Create(context.Background(), "trip", imageIDs)
	require.NoError(t, err)
	return b
}

func (f *fixture) countImages(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&domain.Image{}).Count(&n).Error)
	return n
}

func fastPolicy(attempts int) pipeline.RetryPolicy {
	return pipeline.RetryPolicy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

func upload(name string, data []byte) Upload {
	return Upload{
		Name: name,
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
	}
}
