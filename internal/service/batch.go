package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/domain"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/logger"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/repository"
	"github.com/google/uuid"
)

// BatchService owns batch membership and manual grouping.
// Every mutation of one batch runs under that batch's lock.
type BatchService struct {
	batches *repository.BatchRepository
	images  *repository.ImageRepository
	ingest  *IngestService
	locks   *KeyedMutex
}

// NewBatchService creates a BatchService. locks is shared with the grouping and ranking services.
func NewBatchService(batches *repository.BatchRepository, images *repository.ImageRepository, ingest *IngestService, locks *KeyedMutex) *BatchService {
	return &BatchService{batches: batches, images: images, ingest: ingest, locks: locks}
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", domain.NewValidation("batch name must not be empty")
	}
	return name, nil
}

func (s *BatchService) requireImages(ctx context.Context, imageIDs []string) error {
	missing, err := s.images.MissingIDs(ctx, imageIDs)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return domain.NewNotFound("image", missing...)
	}
	return nil
}

// Create makes a pending batch over existing images.
func (s *BatchService) Create(ctx context.Context, name string, imageIDs []string) (*domain.Batch, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	if err := s.requireImages(ctx, imageIDs); err != nil {
		return nil, err
	}
	batch := &domain.Batch{ID: uuid.New().String(), Name: name, Status: domain.BatchStatusPending}
	if err := s.batches.Create(ctx, batch, imageIDs); err != nil {
		return nil, err
	}
	logger.With(logger.Fields{logger.FieldBatchID: batch.ID}).WithCount(len(imageIDs)).Info(ctx, "Batch created")
	return s.batches.GetByID(ctx, batch.ID, false)
}

// Get returns a batch with its associations, and their images when withImages is set.
func (s *BatchService) Get(ctx context.Context, id string, withImages bool) (*domain.Batch, error) {
	return s.batches.GetByID(ctx, id, withImages)
}

// List pages through batches newest first.
func (s *BatchService) List(ctx context.Context, limit, offset int) ([]domain.BatchSummary, int64, error) {
	return s.batches.List(ctx, limit, offset)
}

// Rename changes a batch's display name.
func (s *BatchService) Rename(ctx context.Context, id, name string) (*domain.Batch, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	if err := s.batches.Rename(ctx, id, name); err != nil {
		return nil, err
	}
	return s.batches.GetByID(ctx, id, false)
}

// Delete removes a batch and its associations. Images are untouched.
func (s *BatchService) Delete(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.batches.Delete(ctx, id)
}

// AddImages attaches images to a batch. Ids already present are ignored.
func (s *BatchService) AddImages(ctx context.Context, id string, imageIDs []string) (*domain.Batch, error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.addImagesLocked(ctx, id, imageIDs)
}

func (s *BatchService) addImagesLocked(ctx context.Context, id string, imageIDs []string) (*domain.Batch, error) {
	if _, err := s.batches.GetByID(ctx, id, false); err != nil {
		return nil, err
	}
	if err := s.requireImages(ctx, imageIDs); err != nil {
		return nil, err
	}
	added, err := s.batches.AddImages(ctx, id, imageIDs)
	if err != nil {
		return nil, err
	}
	logger.With(logger.Fields{logger.FieldBatchID: id}).WithCount(int(added)).Debug(ctx, "Images added to batch")
	return s.batches.GetByID(ctx, id, false)
}

// RemoveImages detaches images from a batch. The remaining ranks are not renumbered.
func (s *BatchService) RemoveImages(ctx context.Context, id string, imageIDs []string) (*domain.Batch, error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	if _, err := s.batches.GetByID(ctx, id, false); err != nil {
		return nil, err
	}
	if _, err := s.batches.RemoveImages(ctx, id, imageIDs); err != nil {
		return nil, err
	}
	return s.batches.GetByID(ctx, id, false)
}

// ManualGroupUpdate replaces every group label of the batch with groups.
// groups must partition the batch's image set exactly; otherwise nothing changes.
func (s *BatchService) ManualGroupUpdate(ctx context.Context, id string, groups map[string][]string) (*domain.Batch, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	batch, err := s.batches.GetByID(ctx, id, false)
	if err != nil {
		return nil, err
	}
	labels, verr := partitionLabels(batch.ImageIDs(), groups)
	if verr != nil {
		return nil, verr
	}
	if err := s.batches.ReplaceGroupLabels(ctx, id, labels); err != nil {
		if errors.Is(err, repository.ErrAssociationsChanged) {
			return nil, domain.NewValidation("batch membership changed during the update, retry")
		}
		return nil, err
	}
	logger.With(logger.Fields{logger.FieldBatchID: id}).WithCount(len(groups)).Info(ctx, "Groups updated manually")
	return s.batches.GetByID(ctx, id, false)
}

// partitionLabels checks that groups is a strict partition of batchIDs and inverts it.
func partitionLabels(batchIDs []string, groups map[string][]string) (map[string]string, *domain.ValidationError) {
	inBatch := make(map[string]bool, len(batchIDs))
	for _, id := range batchIDs {
		inBatch[id] = true
	}

	var emptyLabels []string
	labels := make(map[string]string)
	dupes := make(map[string]bool)
	extraneous := make(map[string]bool)
	for label, ids := range groups {
		if strings.TrimSpace(label) == "" || len(ids) == 0 {
			emptyLabels = append(emptyLabels, label)
			continue
		}
		for _, id := range ids {
			if _, seen := labels[id]; seen {
				dupes[id] = true
				continue
			}
			labels[id] = label
			if !inBatch[id] {
				extraneous[id] = true
			}
		}
	}
	if len(emptyLabels) > 0 {
		sort.Strings(emptyLabels)
		return nil, &domain.ValidationError{
			Reason: fmt.Sprintf("groups must have a non-empty label and at least one image: %q", emptyLabels),
		}
	}

	var missing []string
	for _, id := range batchIDs {
		if _, ok := labels[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 && len(extraneous) == 0 && len(dupes) == 0 {
		return labels, nil
	}
	sort.Strings(missing)
	return nil, &domain.ValidationError{
		Reason:     "groups must partition the batch's images exactly",
		Missing:    missing,
		Extraneous: sortedKeys(extraneous),
		Duplicated: sortedKeys(dupes),
	}
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// UploadAndAdd ingests uploads and attaches every resolved image, new or duplicate, to the batch.
func (s *BatchService) UploadAndAdd(ctx context.Context, id string, uploads []Upload) ([]UploadOutcome, *domain.Batch, error) {
	if _, err := s.batches.GetByID(ctx, id, false); err != nil {
		return nil, nil, err
	}
	outcomes := s.ingest.IngestMany(ctx, uploads)

	var ids []string
	for _, o := range outcomes {
		if o.ImageID != "" {
			ids = append(ids, o.ImageID)
		}
	}

	unlock := s.locks.Lock(id)
	defer unlock()
	batch, err := s.addImagesLocked(ctx, id, ids)
	if err != nil {
		return outcomes, nil, err
	}
	return outcomes, batch, nil
}
