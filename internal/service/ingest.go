package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/config"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/domain"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/logger"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/metrics"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/pipeline"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/repository"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/storage"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// VectorSearcher is the similarity index behind GET /images/:id/similar.
type VectorSearcher interface {
	SearchSimilar(ctx context.Context, vector []float32, topK int, excludeID string) ([]repository.SimilarImage, error)
	Delete(ctx context.Context, imageID string) error
}

// IngestService deduplicates uploads, stores originals and schedules derived-asset stages.
type IngestService struct {
	images     *repository.ImageRepository
	storage    storage.ObjectStorage
	dispatcher pipeline.Dispatcher
	vectors    VectorSearcher
	metrics    *metrics.Metrics
	logger     *logger.Logger
	hashLocks  *KeyedMutex

	maxFileSize int64
	allowedExts map[string]struct{}
	workers     int
}

// NewIngestService creates a new ingest service. vectors may be nil.
func NewIngestService(
	images *repository.ImageRepository,
	objectStorage storage.ObjectStorage,
	dispatcher pipeline.Dispatcher,
	vectors VectorSearcher,
	m *metrics.Metrics,
	log *logger.Logger,
	cfg config.IngestConfig,
) *IngestService {
	exts := make(map[string]struct{}, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		exts[strings.ToLower(ext)] = struct{}{}
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &IngestService{
		images:      images,
		storage:     objectStorage,
		dispatcher:  dispatcher,
		vectors:     vectors,
		metrics:     m,
		logger:      log,
		hashLocks:   NewKeyedMutex(),
		maxFileSize: cfg.MaxFileSize,
		allowedExts: exts,
		workers:     workers,
	}
}

// log returns a logger from context if available, otherwise returns the default logger
func (s *IngestService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// HashContent returns the hex SHA-256 of data. It is the deduplication key.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidateUpload checks an upload's name and size before its bytes are read.
func (s *IngestService) ValidateUpload(originalName string, size int64) error {
	if size <= 0 {
		return domain.NewValidation(fmt.Sprintf("%s is empty", originalName))
	}
	if s.maxFileSize > 0 && size > s.maxFileSize {
		return domain.NewValidation(fmt.Sprintf("%s exceeds the %d byte limit", originalName, s.maxFileSize))
	}
	if len(s.allowedExts) > 0 {
		ext := strings.ToLower(filepath.Ext(originalName))
		if _, ok := s.allowedExts[ext]; !ok {
			return domain.NewValidation(fmt.Sprintf("%s has an unsupported extension %q", originalName, ext))
		}
	}
	return nil
}

// Ingest stores data unless identical bytes were ingested before.
// Returns domain.Created for new content and domain.Duplicate otherwise; never both.
func (s *IngestService) Ingest(ctx context.Context, data []byte, originalName, mimeHint string) (domain.IngestResult, error) {
	if err := s.ValidateUpload(originalName, int64(len(data))); err != nil {
		s.metrics.RecordIngest("error")
		return nil, err
	}

	hash := HashContent(data)
	// Identical bytes share one storage key, so their store-then-insert runs one at a time.
	unlock := s.hashLocks.Lock(hash)
	defer unlock()

	if existing, err := s.images.GetByHash(ctx, hash); err == nil {
		s.metrics.RecordIngest("duplicate")
		return domain.Duplicate{ExistingID: existing.ID}, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	mimeType := detectMimeType(data, mimeHint)
	key := storage.OriginalKey(hash, extensionFor(originalName, mimeType))

	existsInStorage, err := s.storage.Exists(ctx, key)
	if err != nil {
		return nil, domain.NewIO("exists", key, err)
	}
	uploaded := false
	if !existsInStorage {
		if err := s.storage.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), mimeType); err != nil {
			s.metrics.RecordIngest("error")
			return nil, domain.NewIO("upload", key, err)
		}
		uploaded = true
	}

	img := &domain.Image{
		ID:           uuid.New().String(),
		ContentHash:  hash,
		OriginalName: originalName,
		MimeType:     mimeType,
		FileSize:     int64(len(data)),
		StorageKey:   key,
	}
	if err := s.images.Create(ctx, img); err != nil {
		// A racing upload of the same bytes won the unique index.
		if existing, lookupErr := s.images.GetByHash(ctx, hash); lookupErr == nil {
			s.metrics.RecordIngest("duplicate")
			return domain.Duplicate{ExistingID: existing.ID}, nil
		}
		s.metrics.RecordIngest("error")
		if uploaded {
			if cleanupErr := s.cleanupOrphan(ctx, hash, key, data, mimeType); cleanupErr != nil {
				return nil, cleanupErr
			}
		}
		return nil, fmt.Errorf("failed to save image: %w", err)
	}

	s.metrics.RecordIngest("created")
	logger.With(logger.Fields{logger.FieldImageID: img.ID}).
		WithSize(len(data)).
		Debug(ctx, "Image stored at %s", key)
	s.schedule(ctx, img.ID)
	return domain.Created{Image: img}, nil
}

// cleanupOrphan removes bytes written for a row that was never created, unless some row
// references the key by now. A writer in another process may insert a row for the same
// bytes while they are being deleted, so the hash is checked again afterwards and the
// bytes are put back if a row appeared.
func (s *IngestService) cleanupOrphan(ctx context.Context, hash, key string, data []byte, mimeType string) error {
	refs, err := s.images.CountByStorageKey(ctx, key)
	if err == nil && refs > 0 {
		return nil
	}
	if err := s.storage.Delete(ctx, key); err != nil {
		s.log(ctx).WithField("storage_key", key).WithError(err).
			Error("Orphaned original left in storage, needs garbage collection")
		return domain.NewIO("delete", key, err)
	}

	existing, err := s.images.GetByHash(ctx, hash)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	} else if err != nil {
		s.log(ctx).WithField("storage_key", key).WithError(err).
			Warn("Could not confirm the deleted original is unreferenced")
		return nil
	}
	if err := s.storage.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), mimeType); err != nil {
		s.log(ctx).WithFields(logger.Fields{
			logger.FieldImageID: existing.ID,
			"storage_key":       key,
		}).WithError(err).Error("Image row references a deleted original")
		return domain.NewIO("restore", key, err)
	}
	return nil
}

// schedule dispatches every stage for a new image. Failures are left to the reconciler.
func (s *IngestService) schedule(ctx context.Context, imageID string) {
	for _, stage := range domain.AllStages {
		if err := s.dispatcher.Dispatch(ctx, pipeline.Task{ImageID: imageID, Stage: stage}); err != nil {
			s.log(ctx).WithFields(logger.Fields{
				logger.FieldImageID: imageID,
				logger.FieldStage:   string(stage),
			}).WithError(err).Warn("Failed to dispatch stage, the reconciler will pick it up")
			continue
		}
		s.metrics.RecordDispatch(string(stage), "ingest")
	}
}

// Upload is one file of a multi-file request.
type Upload struct {
	Name     string
	MimeType string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

// UploadOutcome reports what happened to one Upload.
type UploadOutcome struct {
	Filename    string `json:"filename"`
	ImageID     string `json:"image_id,omitempty"`
	IsDuplicate bool   `json:"is_duplicate"`
	Error       string `json:"error,omitempty"`
}

// IngestMany ingests uploads concurrently. Outcomes keep the input order and one failed
// file never fails the others.
func (s *IngestService) IngestMany(ctx context.Context, uploads []Upload) []UploadOutcome {
	outcomes := make([]UploadOutcome, len(uploads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, up := range uploads {
		i, up := i, up
		g.Go(func() error {
			outcomes[i] = s.ingestOne(gctx, up)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (s *IngestService) ingestOne(ctx context.Context, up Upload) UploadOutcome {
	out := UploadOutcome{Filename: up.Name}
	if err := s.ValidateUpload(up.Name, up.Size); err != nil {
		out.Error = err.Error()
		return out
	}
	rc, err := up.Open()
	if err != nil {
		out.Error = fmt.Sprintf("failed to open upload: %v", err)
		return out
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, up.Size+1))
	if err != nil {
		out.Error = fmt.Sprintf("failed to read upload: %v", err)
		return out
	}

	res, err := s.Ingest(ctx, data, up.Name, up.MimeType)
	if err != nil {
		s.log(ctx).WithField("filename", up.Name).WithError(err).Warn("Upload failed")
		out.Error = err.Error()
		return out
	}
	switch r := res.(type) {
	case domain.Created:
		out.ImageID = r.Image.ID
	case domain.Duplicate:
		out.ImageID = r.ExistingID
		out.IsDuplicate = true
	}
	return out
}

// Get returns one image with its URLs.
func (s *IngestService) Get(ctx context.Context, id string) (*domain.ImageView, error) {
	img, err := s.images.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	view := s.view(img)
	return &view, nil
}

// List pages through images newest first.
func (s *IngestService) List(ctx context.Context, limit, offset int) ([]domain.ImageView, int64, error) {
	images, total, err := s.images.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	views := make([]domain.ImageView, len(images))
	for i := range images {
		views[i] = s.view(&images[i])
	}
	return views, total, nil
}

func (s *IngestService) view(img *domain.Image) domain.ImageView {
	v := domain.ImageView{
		Image:       *img,
		HasFeatures: img.HasFeatures(),
		URL:         s.storage.GetURL(img.StorageKey),
	}
	if img.HasThumbnail {
		v.ThumbnailURL = s.storage.GetURL(img.ThumbnailKey)
	}
	return v
}

// Open streams an image's original, or its thumbnail when thumbnail is set.
// The caller closes the reader.
func (s *IngestService) Open(ctx context.Context, id string, thumbnail bool) (io.ReadCloser, string, error) {
	img, err := s.images.GetByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	key, contentType := img.StorageKey, img.MimeType
	if thumbnail {
		if !img.HasThumbnail {
			return nil, "", domain.NewNotFound("thumbnail", id)
		}
		key, contentType = img.ThumbnailKey, "image/jpeg"
	}
	rc, err := s.storage.Download(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, "", domain.NewNotFound("stored bytes", key)
		}
		return nil, "", domain.NewIO("download", key, err)
	}
	return rc, contentType, nil
}

// SimilarImage is one neighbour returned by Similar.
type SimilarImage struct {
	Image domain.ImageView `json:"image"`
	Score float32          `json:"score"`
}

// Similar returns the topK images whose embeddings are closest to id's.
func (s *IngestService) Similar(ctx context.Context, id string, topK int) ([]SimilarImage, error) {
	if s.vectors == nil {
		return nil, domain.NewValidation("similarity search is not enabled")
	}
	img, err := s.images.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !img.HasFeatures() {
		return nil, domain.NewValidation("image has no features yet", id)
	}
	hits, err := s.vectors.SearchSimilar(ctx, img.Features, topK, id)
	if err != nil {
		return nil, domain.NewProcessing("similarity search", err)
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ImageID
	}
	found, err := s.images.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*domain.Image, len(found))
	for i := range found {
		byID[found[i].ID] = &found[i]
	}
	out := make([]SimilarImage, 0, len(hits))
	for _, h := range hits {
		if match, ok := byID[h.ImageID]; ok {
			out = append(out, SimilarImage{Image: s.view(match), Score: h.Score})
		}
	}
	return out, nil
}

// Delete removes an image's bytes, then its row and associations.
// If the bytes cannot be removed the row is kept and an IOError is returned.
func (s *IngestService) Delete(ctx context.Context, id string) error {
	img, err := s.images.GetByID(ctx, id)
	if err != nil {
		return err
	}

	// The content-addressed thumbnail key is removed even when the flag is unset,
	// in case a stage wrote it and has not merged its result yet.
	keys := []string{img.StorageKey, storage.ThumbnailKey(img.ContentHash)}
	if img.ThumbnailKey != "" && img.ThumbnailKey != keys[1] {
		keys = append(keys, img.ThumbnailKey)
	}
	for _, key := range keys {
		if err := s.storage.Delete(ctx, key); err != nil {
			return domain.NewIO("delete", key, err)
		}
	}

	if s.vectors != nil && img.HasFeatures() {
		if err := s.vectors.Delete(ctx, id); err != nil {
			s.log(ctx).WithField(logger.FieldImageID, id).WithError(err).Warn("Failed to delete vector point")
		}
	}

	if err := s.images.Delete(ctx, id); err != nil {
		return err
	}
	s.log(ctx).WithField(logger.FieldImageID, id).Info("Image deleted")
	return nil
}

// detectMimeType prefers a specific hint and falls back to content sniffing.
func detectMimeType(data []byte, hint string) string {
	hint = strings.TrimSpace(strings.ToLower(hint))
	if strings.HasPrefix(hint, "image/") {
		return hint
	}
	return http.DetectContentType(data)
}

func extensionFor(originalName, mimeType string) string {
	if ext := filepath.Ext(originalName); ext != "" {
		return ext
	}
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/bmp":
		return ".bmp"
	case "image/tiff":
		return ".tiff"
	default:
		return ""
	}
}
