package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/domain"
	"gorm.io/gorm"
)

// ImageRepository owns Image rows and the content-hash uniqueness constraint.
type ImageRepository struct {
	db *gorm.DB
}

// NewImageRepository creates a new ImageRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *ImageRepository: repository instance bound to db.
func NewImageRepository(db *gorm.DB) *ImageRepository {
	return &ImageRepository{db: db}
}

// Create inserts a new image record.
// A second image with the same content hash fails with gorm.ErrDuplicatedKey.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - img: image record to persist.
// Returns:
//   - error: non-nil if the insert fails.
func (r *ImageRepository) Create(ctx context.Context, img *domain.Image) error {
	return r.db.WithContext(ctx).Create(img).Error
}

// GetByID retrieves an image by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: image ID.
// Returns:
//   - *domain.Image: image record if found.
//   - error: domain.NotFoundError if no row matches.
func (r *ImageRepository) GetByID(ctx context.Context, id string) (*domain.Image, error) {
	var img domain.Image
	if err := r.db.WithContext(ctx).First(&img, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFound("image", id)
		}
		return nil, fmt.Errorf("failed to get image: %w", err)
	}
	return &img, nil
}

// GetByHash retrieves an image by its content hash for deduplication.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - hash: hex SHA-256 of the original bytes.
// Returns:
//   - *domain.Image: image record if found.
//   - error: domain.NotFoundError if no row matches.
func (r *ImageRepository) GetByHash(ctx context.Context, hash string) (*domain.Image, error) {
	var img domain.Image
	if err := r.db.WithContext(ctx).First(&img, "content_hash = ?", hash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFound("image with hash", hash)
		}
		return nil, fmt.Errorf("failed to get image by hash: %w", err)
	}
	return &img, nil
}

// CountByStorageKey counts images whose original or thumbnail lives at key.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - key: object storage key.
// Returns:
//   - int64: number of referencing rows.
//   - error: non-nil if the query fails.
func (r *ImageRepository) CountByStorageKey(ctx context.Context, key string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Image{}).
		Where("storage_key = ? OR thumbnail_key = ?", key, key).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count images by storage key: %w", err)
	}
	return count, nil
}

// GetByIDs retrieves images by a list of IDs.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - ids: list of image IDs.
// Returns:
//   - []domain.Image: matching image records, in no particular order.
//   - error: non-nil if the query fails.
func (r *ImageRepository) GetByIDs(ctx context.Context, ids []string) ([]domain.Image, error) {
	if len(ids) == 0 {
		return []domain.Image{}, nil
	}
	var images []domain.Image
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&images).Error; err != nil {
		return nil, fmt.Errorf("failed to get images by IDs: %w", err)
	}
	return images, nil
}

// MissingIDs returns the subset of ids that do not resolve to an image, in input order.
func (r *ImageRepository) MissingIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var found []string
	if err := r.db.WithContext(ctx).Model(&domain.Image{}).
		Where("id IN ?", ids).
		Pluck("id", &found).Error; err != nil {
		return nil, fmt.Errorf("failed to resolve image IDs: %w", err)
	}
	present := make(map[string]struct{}, len(found))
	for _, id := range found {
		present[id] = struct{}{}
	}
	var missing []string
	seen := make(map[string]struct{})
	for _, id := range ids {
		if _, ok := present[id]; ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		missing = append(missing, id)
	}
	return missing, nil
}

// List retrieves images newest first with pagination.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - limit: maximum number of records to return.
//   - offset: number of records to skip.
// Returns:
//   - []domain.Image: page of image records.
//   - int64: total number of images.
//   - error: non-nil if the query fails.
func (r *ImageRepository) List(ctx context.Context, limit, offset int) ([]domain.Image, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&domain.Image{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count images: %w", err)
	}
	var images []domain.Image
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").Order("id").
		Limit(limit).
		Offset(offset).
		Find(&images).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list images: %w", err)
	}
	return images, total, nil
}

// missingCondition is the SQL form of a stage's unsatisfied completion predicate.
func missingCondition(stage domain.StageKind) (string, error) {
	switch stage {
	case domain.StageThumbnail:
		return "has_thumbnail = ?", nil
	case domain.StageEmbedding:
		return "features IS NULL", nil
	case domain.StageMetadata:
		return "metadata_extracted_at IS NULL", nil
	}
	return "", fmt.Errorf("unknown stage %q", stage)
}

// ListMissing pages through images whose stage predicate is unsatisfied, ordered by id.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - stage: derived-asset stage to check.
//   - afterID: keyset cursor; empty starts from the beginning.
//   - limit: page size.
// Returns:
//   - []string: ids of images missing the asset.
//   - error: non-nil if the query fails.
func (r *ImageRepository) ListMissing(ctx context.Context, stage domain.StageKind, afterID string, limit int) ([]string, error) {
	cond, err := missingCondition(stage)
	if err != nil {
		return nil, err
	}
	query := r.db.WithContext(ctx).Model(&domain.Image{})
	if stage == domain.StageThumbnail {
		query = query.Where(cond, false)
	} else {
		query = query.Where(cond)
	}
	if afterID != "" {
		query = query.Where("id > ?", afterID)
	}
	var ids []string
	if err := query.Order("id").Limit(limit).Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list images missing %s: %w", stage, err)
	}
	return ids, nil
}

// ApplyUpdates merges stage output columns into one image row.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: image ID.
//   - updates: column name to value.
// Returns:
//   - error: domain.NotFoundError if the image vanished, or the update error.
func (r *ImageRepository) ApplyUpdates(ctx context.Context, id string, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	res := r.db.WithContext(ctx).Model(&domain.Image{ID: id}).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update image: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.NewNotFound("image", id)
	}
	return nil
}

// UpdateQuality stores a freshly computed quality score on the image.
func (r *ImageRepository) UpdateQuality(ctx context.Context, id string, score float64, metric string, at time.Time) error {
	return r.ApplyUpdates(ctx, id, map[string]interface{}{
		"quality_score":       score,
		"quality_metric":      metric,
		"quality_analyzed_at": at,
	})
}

// Delete removes an image and every association that references it in one transaction.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: image ID to delete.
// Returns:
//   - error: domain.NotFoundError if no row matched, or the delete error.
func (r *ImageRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("image_id = ?", id).Delete(&domain.Association{}).Error; err != nil {
			return fmt.Errorf("failed to delete image associations: %w", err)
		}
		res := tx.Delete(&domain.Image{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("failed to delete image: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return domain.NewNotFound("image", id)
		}
		return nil
	})
}
