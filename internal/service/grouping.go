package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/domain"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/logger"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/metrics"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/pipeline"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/processing"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/repository"
)

// GroupingService partitions a batch by clustering its images' features.
type GroupingService struct {
	batches   *repository.BatchRepository
	clusterer processing.Clusterer
	locks     *KeyedMutex
	policy    pipeline.RetryPolicy
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewGroupingService creates a GroupingService. policy bounds every clusterer call.
func NewGroupingService(batches *repository.BatchRepository, clusterer processing.Clusterer, locks *KeyedMutex, policy pipeline.RetryPolicy, m *metrics.Metrics) *GroupingService {
	return &GroupingService{
		batches:   batches,
		clusterer: clusterer,
		locks:     locks,
		policy:    policy,
		metrics:   m,
		now:       time.Now,
	}
}

// AnalyzeResult is a freshly grouped batch plus statistics about the run.
type AnalyzeResult struct {
	Batch *domain.Batch       `json:"batch"`
	Stats domain.ClusterStats `json:"stats"`
}

// Analyze clusters the batch and overwrites every group label.
// On clusterer failure the batch is marked failed and no label changes.
func (s *GroupingService) Analyze(ctx context.Context, batchID string, params domain.GroupingParams) (*AnalyzeResult, error) {
	if err := processing.ValidateParams(params); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(batchID)
	defer unlock()
	ctx = logger.SetBatchID(ctx, batchID)

	batch, err := s.batches.GetByID(ctx, batchID, true)
	if err != nil {
		return nil, err
	}
	matrix, err := featureMatrix(batch)
	if err != nil {
		return nil, err
	}

	if err := s.batches.MarkProcessing(ctx, batchID, params, s.now()); err != nil {
		return nil, err
	}

	start := time.Now()
	var labels []int
	res := s.policy.Do(ctx, func(actx context.Context) error {
		out, err := s.clusterer.Cluster(actx, matrix, params)
		if err != nil {
			return err
		}
		if len(out) != len(matrix) {
			return domain.NewProcessing("cluster", fmt.Errorf("got %d labels for %d images", len(out), len(matrix)))
		}
		labels = out
		return nil
	})
	if !res.Succeeded() {
		s.metrics.RecordGrouping(params.Algorithm, metrics.OutcomeFailed, time.Since(start))
		return nil, s.fail(ctx, batchID, domain.NewProcessing("cluster", res.Err))
	}

	names, stats := MapLabels(labels)
	assignment := make(map[string]string, len(names))
	for i, a := range batch.Associations {
		assignment[a.ImageID] = names[i]
	}
	if err := s.batches.ReplaceGroupLabels(ctx, batchID, assignment); err != nil {
		s.metrics.RecordGrouping(params.Algorithm, metrics.OutcomeFailed, time.Since(start))
		if errors.Is(err, repository.ErrAssociationsChanged) {
			err = domain.NewProcessing("write labels", err)
		}
		return nil, s.fail(ctx, batchID, err)
	}
	s.metrics.RecordGrouping(params.Algorithm, metrics.OutcomeSuccess, time.Since(start))

	logger.With(logger.Fields{
		"clusters": stats.Clusters,
		"noise":    stats.Noise,
	}).WithCount(len(matrix)).WithDuration(time.Since(start).Milliseconds()).Info(ctx, "Batch grouped")

	updated, err := s.batches.GetByID(ctx, batchID, false)
	if err != nil {
		return nil, err
	}
	return &AnalyzeResult{Batch: updated, Stats: stats}, nil
}

// fail records cause on the batch and returns it. A failure to record is logged, not returned.
func (s *GroupingService) fail(ctx context.Context, batchID string, cause error) error {
	if err := s.batches.MarkFailed(context.WithoutCancel(ctx), batchID, cause.Error()); err != nil {
		logger.FromContext(ctx).WithError(err).Error("Failed to mark batch failed")
	}
	logger.FromContext(ctx).WithError(cause).Warn("Grouping failed")
	return cause
}

// featureMatrix returns one row per association in batch order.
func featureMatrix(batch *domain.Batch) ([][]float32, error) {
	if len(batch.Associations) == 0 {
		return nil, domain.NewValidation("batch has no images")
	}
	matrix := make([][]float32, len(batch.Associations))
	var offenders []string
	for i, a := range batch.Associations {
		if a.Image == nil || !a.Image.HasFeatures() {
			offenders = append(offenders, a.ImageID)
			continue
		}
		matrix[i] = a.Image.Features
	}
	if len(offenders) > 0 {
		return nil, domain.NewValidation("images have no features yet, run the embedding stage first", offenders...)
	}
	return matrix, nil
}

// MapLabels converts clusterer output to display names. Distinct non-noise labels sorted
// ascending become "Group 1", "Group 2", ... and the noise label becomes "Ungrouped".
func MapLabels(labels []int) ([]string, domain.ClusterStats) {
	distinct := make(map[int]struct{})
	for _, l := range labels {
		if l != domain.NoiseLabel {
			distinct[l] = struct{}{}
		}
	}
	ordered := make([]int, 0, len(distinct))
	for l := range distinct {
		ordered = append(ordered, l)
	}
	sort.Ints(ordered)
	nameOf := make(map[int]string, len(ordered))
	for i, l := range ordered {
		nameOf[l] = fmt.Sprintf("Group %d", i+1)
	}

	stats := domain.ClusterStats{Clusters: len(ordered), GroupSizes: make(map[string]int)}
	names := make([]string, len(labels))
	for i, l := range labels {
		if l == domain.NoiseLabel {
			names[i] = domain.UngroupedLabel
			stats.Noise++
		} else {
			names[i] = nameOf[l]
		}
		stats.GroupSizes[names[i]]++
	}
	return names, stats
}
