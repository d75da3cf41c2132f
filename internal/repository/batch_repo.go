package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrAssociationsChanged is returned when a label or rank write matched a different
// association set than the caller computed it for. The transaction is rolled back.
var ErrAssociationsChanged = errors.New("batch associations changed during write")

// BatchRepository owns Batch rows and the image-batch association table.
type BatchRepository struct {
	db *gorm.DB
}

// NewBatchRepository creates a new BatchRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *BatchRepository: repository instance bound to db.
func NewBatchRepository(db *gorm.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

// Create inserts a batch and one unlabelled association per image in a single transaction.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - batch: batch record to persist; its Associations field is ignored.
//   - imageIDs: images to attach, in batch order; duplicates are collapsed.
// Returns:
//   - error: non-nil if either insert fails.
func (r *BatchRepository) Create(ctx context.Context, batch *domain.Batch, imageIDs []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(batch).Error; err != nil {
			return fmt.Errorf("failed to create batch: %w", err)
		}
		assocs := newAssociations(batch.ID, dedupe(imageIDs), 0)
		if len(assocs) == 0 {
			return nil
		}
		if err := tx.Omit(clause.Associations).Create(&assocs).Error; err != nil {
			return fmt.Errorf("failed to create batch associations: %w", err)
		}
		return nil
	})
}

// GetByID retrieves a batch with its associations ordered by position.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: batch ID.
//   - withImages: also load each association's Image.
// Returns:
//   - *domain.Batch: batch record if found.
//   - error: domain.NotFoundError if no row matches.
func (r *BatchRepository) GetByID(ctx context.Context, id string, withImages bool) (*domain.Batch, error) {
	query := r.db.WithContext(ctx).Preload("Associations", func(db *gorm.DB) *gorm.DB {
		return db.Order("position").Order("image_id")
	})
	if withImages {
		query = query.Preload("Associations.Image")
	}
	var batch domain.Batch
	if err := query.First(&batch, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFound("batch", id)
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return &batch, nil
}

// List retrieves batch summaries newest first with pagination.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - limit: maximum number of records to return.
//   - offset: number of records to skip.
// Returns:
//   - []domain.BatchSummary: page of summaries including image counts.
//   - int64: total number of batches.
//   - error: non-nil if the query fails.
func (r *BatchRepository) List(ctx context.Context, limit, offset int) ([]domain.BatchSummary, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&domain.Batch{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count batches: %w", err)
	}
	var batches []domain.Batch
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").Order("id").
		Limit(limit).
		Offset(offset).
		Find(&batches).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list batches: %w", err)
	}

	counts := make(map[string]int64, len(batches))
	if len(batches) > 0 {
		ids := make([]string, len(batches))
		for i, b := range batches {
			ids[i] = b.ID
		}
		var rows []struct {
			BatchID string
			N       int64
		}
		if err := r.db.WithContext(ctx).Model(&domain.Association{}).
			Select("batch_id, COUNT(*) AS n").
			Where("batch_id IN ?", ids).
			Group("batch_id").
			Scan(&rows).Error; err != nil {
			return nil, 0, fmt.Errorf("failed to count batch images: %w", err)
		}
		for _, row := range rows {
			counts[row.BatchID] = row.N
		}
	}

	summaries := make([]domain.BatchSummary, len(batches))
	for i, b := range batches {
		summaries[i] = domain.BatchSummary{
			ID:         b.ID,
			Name:       b.Name,
			Status:     b.Status,
			Parameters: b.Parameters,
			ImageCount: counts[b.ID],
			CreatedAt:  b.CreatedAt,
			UpdatedAt:  b.UpdatedAt,
		}
	}
	return summaries, total, nil
}

// Rename changes the batch name.
func (r *BatchRepository) Rename(ctx context.Context, id, name string) error {
	return r.updateBatch(ctx, r.db.WithContext(ctx), id, map[string]interface{}{"name": name})
}

// Delete removes a batch and all of its associations in one transaction.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: batch ID to delete.
// Returns:
//   - error: domain.NotFoundError if no row matched, or the delete error.
func (r *BatchRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("batch_id = ?", id).Delete(&domain.Association{}).Error; err != nil {
			return fmt.Errorf("failed to delete batch associations: %w", err)
		}
		res := tx.Delete(&domain.Batch{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("failed to delete batch: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return domain.NewNotFound("batch", id)
		}
		return nil
	})
}

// AddImages attaches images to a batch after its current last position.
// Images already in the batch are left untouched.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - batchID: batch ID.
//   - imageIDs: images to attach.
// Returns:
//   - int64: number of associations actually created.
//   - error: non-nil if the insert fails.
func (r *BatchRepository) AddImages(ctx context.Context, batchID string, imageIDs []string) (int64, error) {
	var added int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var next struct{ Pos *int }
		if err := tx.Model(&domain.Association{}).
			Select("MAX(position) AS pos").
			Where("batch_id = ?", batchID).
			Scan(&next).Error; err != nil {
			return fmt.Errorf("failed to read batch positions: %w", err)
		}
		start := 0
		if next.Pos != nil {
			start = *next.Pos + 1
		}
		assocs := newAssociations(batchID, dedupe(imageIDs), start)
		if len(assocs) == 0 {
			return nil
		}
		res := tx.Omit(clause.Associations).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&assocs)
		if res.Error != nil {
			return fmt.Errorf("failed to add batch images: %w", res.Error)
		}
		added = res.RowsAffected
		return r.touch(tx, batchID)
	})
	return added, err
}

// RemoveImages detaches images from a batch. Their rank data goes with the rows;
// the remaining ranks in the affected groups are not renumbered.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - batchID: batch ID.
//   - imageIDs: images to detach.
// Returns:
//   - int64: number of associations deleted.
//   - error: non-nil if the delete fails.
func (r *BatchRepository) RemoveImages(ctx context.Context, batchID string, imageIDs []string) (int64, error) {
	if len(imageIDs) == 0 {
		return 0, nil
	}
	var removed int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("batch_id = ? AND image_id IN ?", batchID, imageIDs).Delete(&domain.Association{})
		if res.Error != nil {
			return fmt.Errorf("failed to remove batch images: %w", res.Error)
		}
		removed = res.RowsAffected
		return r.touch(tx, batchID)
	})
	return removed, err
}

// MarkProcessing records the parameters of a grouping run and flips status to processing.
func (r *BatchRepository) MarkProcessing(ctx context.Context, id string, params domain.GroupingParams, at time.Time) error {
	return r.updateBatch(ctx, r.db.WithContext(ctx), id, map[string]interface{}{
		"status":                domain.BatchStatusProcessing,
		"parameters":            params,
		"processing_started_at": at,
		"last_error":            "",
	})
}

// MarkFailed flips status to failed and records the triggering error.
func (r *BatchRepository) MarkFailed(ctx context.Context, id, reason string) error {
	return r.updateBatch(ctx, r.db.WithContext(ctx), id, map[string]interface{}{
		"status":                domain.BatchStatusFailed,
		"processing_started_at": nil,
		"last_error":            reason,
	})
}

// ReplaceGroupLabels overwrites every association's group label and clears all ranks
// in one transaction, then marks the batch complete.
// The keys of labels must be exactly the batch's image set; any other shape rolls back.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - batchID: batch ID.
//   - labels: image ID to group label.
// Returns:
//   - error: ErrAssociationsChanged if the stored set differs, or the write error.
func (r *BatchRepository) ReplaceGroupLabels(ctx context.Context, batchID string, labels map[string]string) error {
	byLabel := make(map[string][]string)
	for imageID, label := range labels {
		byLabel[label] = append(byLabel[label], imageID)
	}
	names := make([]string, 0, len(byLabel))
	for name := range byLabel {
		names = append(names, name)
	}
	sort.Strings(names)

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&domain.Association{}).Where("batch_id = ?", batchID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to count batch associations: %w", err)
		}
		if count != int64(len(labels)) {
			return ErrAssociationsChanged
		}

		var updated int64
		for _, name := range names {
			res := tx.Model(&domain.Association{}).
				Where("batch_id = ? AND image_id IN ?", batchID, byLabel[name]).
				Updates(map[string]interface{}{
					"group_label":    name,
					"quality_rank":   nil,
					"ranked_at":      nil,
					"ranking_metric": nil,
				})
			if res.Error != nil {
				return fmt.Errorf("failed to write group label %q: %w", name, res.Error)
			}
			updated += res.RowsAffected
		}
		if updated != int64(len(labels)) {
			return ErrAssociationsChanged
		}

		return r.updateBatch(ctx, tx, batchID, map[string]interface{}{
			"status":                domain.BatchStatusComplete,
			"processing_started_at": nil,
			"last_error":            "",
		})
	})
}

// GroupMembers returns the associations of one group with their images loaded.
func (r *BatchRepository) GroupMembers(ctx context.Context, batchID, label string) ([]domain.Association, error) {
	var assocs []domain.Association
	if err := r.db.WithContext(ctx).
		Preload("Image").
		Where("batch_id = ? AND group_label = ?", batchID, label).
		Order("position").Order("image_id").
		Find(&assocs).Error; err != nil {
		return nil, fmt.Errorf("failed to load group members: %w", err)
	}
	return assocs, nil
}

// WriteRanks stamps ranks 1..k onto one group in the given order, together with
// the metric and timestamp, as one transaction.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - batchID: batch ID.
//   - label: group label.
//   - orderedImageIDs: the group's images, best first; must be the whole group.
//   - metric: quality metric the order was computed with.
//   - at: ranking timestamp.
// Returns:
//   - error: ErrAssociationsChanged if the group no longer matches, or the write error.
func (r *BatchRepository) WriteRanks(ctx context.Context, batchID, label string, orderedImageIDs []string, metric string, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&domain.Association{}).
			Where("batch_id = ? AND group_label = ?", batchID, label).
			Count(&count).Error; err != nil {
			return fmt.Errorf("failed to count group members: %w", err)
		}
		if count != int64(len(orderedImageIDs)) {
			return ErrAssociationsChanged
		}
		for i, imageID := range orderedImageIDs {
			res := tx.Model(&domain.Association{}).
				Where("batch_id = ? AND image_id = ? AND group_label = ?", batchID, imageID, label).
				Updates(map[string]interface{}{
					"quality_rank":   i + 1,
					"ranked_at":      at,
					"ranking_metric": metric,
				})
			if res.Error != nil {
				return fmt.Errorf("failed to write rank: %w", res.Error)
			}
			if res.RowsAffected != 1 {
				return ErrAssociationsChanged
			}
		}
		return r.touch(tx, batchID)
	})
}

// ListStaleProcessing returns ids of batches that entered processing before cutoff.
func (r *BatchRepository) ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	if err := r.db.WithContext(ctx).Model(&domain.Batch{}).
		Where("status = ? AND (processing_started_at IS NULL OR processing_started_at < ?)", domain.BatchStatusProcessing, cutoff).
		Order("id").
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list stale batches: %w", err)
	}
	return ids, nil
}

func (r *BatchRepository) updateBatch(ctx context.Context, db *gorm.DB, id string, updates map[string]interface{}) error {
	res := db.WithContext(ctx).Model(&domain.Batch{ID: id}).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update batch: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.NewNotFound("batch", id)
	}
	return nil
}

// touch bumps updated_at so list views reflect membership changes.
func (r *BatchRepository) touch(tx *gorm.DB, id string) error {
	if err := tx.Model(&domain.Batch{ID: id}).Update("updated_at", time.Now()).Error; err != nil {
		return fmt.Errorf("failed to touch batch: %w", err)
	}
	return nil
}

func newAssociations(batchID string, imageIDs []string, start int) []domain.Association {
	now := time.Now()
	assocs := make([]domain.Association, len(imageIDs))
	for i, id := range imageIDs {
		assocs[i] = domain.Association{
			BatchID:   batchID,
			ImageID:   id,
			Position:  start + i,
			CreatedAt: now,
		}
	}
	return assocs
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
