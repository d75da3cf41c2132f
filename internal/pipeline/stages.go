package pipeline

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/domain"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/logger"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/processing"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/repository"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/storage"
)

// MetadataExtractor parses dimensions and EXIF fields.
type MetadataExtractor interface {
	Extract(ctx context.Context, data []byte) (processing.Metadata, error)
}

// ThumbnailGenerator renders a thumbnail for an original.
type ThumbnailGenerator interface {
	Generate(ctx context.Context, data []byte) ([]byte, error)
}

// Embedder computes a feature vector. A nil vector means the model produced nothing.
type Embedder interface {
	Embed(ctx context.Context, data []byte, mimeType string) ([]float32, error)
}

// VectorIndex mirrors embeddings into a similarity index.
type VectorIndex interface {
	Upsert(ctx context.Context, imageID string, vector []float32, payload *repository.ImagePayload) error
}

func loadOriginal(ctx context.Context, store storage.ObjectStorage, img *domain.Image) ([]byte, error) {
	data, err := storage.ReadAll(ctx, store, img.StorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, domain.NewNotFound("original bytes", img.StorageKey)
		}
		return nil, domain.NewIO("download", img.StorageKey, err)
	}
	return data, nil
}

// MetadataStage fills the EXIF columns and stamps metadata_extracted_at.
type MetadataStage struct {
	store     storage.ObjectStorage
	extractor MetadataExtractor
	now       func() time.Time
}

// NewMetadataStage creates a MetadataStage.
func NewMetadataStage(store storage.ObjectStorage, extractor MetadataExtractor) *MetadataStage {
	return &MetadataStage{store: store, extractor: extractor, now: time.Now}
}

func (s *MetadataStage) Kind() domain.StageKind { return domain.StageMetadata }

func (s *MetadataStage) Satisfied(img *domain.Image) bool { return img.HasMetadata() }

func (s *MetadataStage) Run(ctx context.Context, img *domain.Image) (map[string]interface{}, error) {
	data, err := loadOriginal(ctx, s.store, img)
	if err != nil {
		return nil, err
	}
	meta, err := s.extractor.Extract(ctx, data)
	if err != nil {
		return nil, domain.NewProcessing("extract metadata", err)
	}
	updates := meta.Updates()
	updates["metadata_extracted_at"] = s.now()
	return updates, nil
}

// ThumbnailStage renders a thumbnail and stores it under a content-addressed key.
type ThumbnailStage struct {
	store     storage.ObjectStorage
	generator ThumbnailGenerator
}

// NewThumbnailStage creates a ThumbnailStage.
func NewThumbnailStage(store storage.ObjectStorage, generator ThumbnailGenerator) *ThumbnailStage {
	return &ThumbnailStage{store: store, generator: generator}
}

func (s *ThumbnailStage) Kind() domain.StageKind { return domain.StageThumbnail }

func (s *ThumbnailStage) Satisfied(img *domain.Image) bool { return img.HasThumbnail }

func (s *ThumbnailStage) Run(ctx context.Context, img *domain.Image) (map[string]interface{}, error) {
	data, err := loadOriginal(ctx, s.store, img)
	if err != nil {
		return nil, err
	}
	thumb, err := s.generator.Generate(ctx, data)
	if err != nil {
		return nil, domain.NewProcessing("generate thumbnail", err)
	}
	key := storage.ThumbnailKey(img.ContentHash)
	if err := s.store.Upload(ctx, key, bytes.NewReader(thumb), int64(len(thumb)), "image/jpeg"); err != nil {
		return nil, domain.NewIO("upload", key, err)
	}
	return map[string]interface{}{
		"has_thumbnail": true,
		"thumbnail_key": key,
	}, nil
}

// Discard removes a thumbnail written for an image that was deleted meanwhile.
func (s *ThumbnailStage) Discard(ctx context.Context, updates map[string]interface{}) {
	key, _ := updates["thumbnail_key"].(string)
	if key == "" {
		return
	}
	if err := s.store.Delete(ctx, key); err != nil {
		logger.FromContext(ctx).WithField("storage_key", key).WithError(err).
			Warn("Orphaned thumbnail left in storage")
	}
}

// EmbeddingStage computes the feature vector and optionally mirrors it into a vector index.
type EmbeddingStage struct {
	store    storage.ObjectStorage
	embedder Embedder
	index    VectorIndex
}

// NewEmbeddingStage creates an EmbeddingStage. index may be nil.
func NewEmbeddingStage(store storage.ObjectStorage, embedder Embedder, index VectorIndex) *EmbeddingStage {
	return &EmbeddingStage{store: store, embedder: embedder, index: index}
}

func (s *EmbeddingStage) Kind() domain.StageKind { return domain.StageEmbedding }

func (s *EmbeddingStage) Satisfied(img *domain.Image) bool { return img.HasFeatures() }

func (s *EmbeddingStage) Run(ctx context.Context, img *domain.Image) (map[string]interface{}, error) {
	data, err := loadOriginal(ctx, s.store, img)
	if err != nil {
		return nil, err
	}
	vec, err := s.embedder.Embed(ctx, data, img.MimeType)
	if err != nil {
		return nil, domain.NewProcessing("embed", err)
	}
	if len(vec) == 0 {
		return nil, domain.NewProcessing("embed", errors.New("model returned no embedding"))
	}
	if s.index != nil {
		payload := &repository.ImagePayload{
			ImageID:      img.ID,
			ContentHash:  img.ContentHash,
			OriginalName: img.OriginalName,
		}
		if err := s.index.Upsert(ctx, img.ID, vec, payload); err != nil {
			return nil, domain.NewProcessing("index embedding", err)
		}
	}
	return map[string]interface{}{"features": domain.Vector(vec)}, nil
}
