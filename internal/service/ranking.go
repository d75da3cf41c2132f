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
	"github.com/Abhinav-Prajapati/pixal-judge/internal/storage"
	"golang.org/x/sync/errgroup"
)

// QualityScorer computes a no-reference quality score for one image.
type QualityScorer interface {
	Score(ctx context.Context, data []byte, mimeType, metric string) (float64, error)
}

// RankingService orders the images of one group by quality.
type RankingService struct {
	batches     *repository.BatchRepository
	images      *repository.ImageRepository
	storage     storage.ObjectStorage
	scorer      QualityScorer
	locks       *KeyedMutex
	policy      pipeline.RetryPolicy
	metrics     *metrics.Metrics
	concurrency int
	now         func() time.Time
}

// NewRankingService creates a RankingService. concurrency caps parallel scorer calls per group.
func NewRankingService(
	batches *repository.BatchRepository,
	images *repository.ImageRepository,
	objectStorage storage.ObjectStorage,
	scorer QualityScorer,
	locks *KeyedMutex,
	policy pipeline.RetryPolicy,
	m *metrics.Metrics,
	concurrency int,
) *RankingService {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &RankingService{
		batches:     batches,
		images:      images,
		storage:     objectStorage,
		scorer:      scorer,
		locks:       locks,
		policy:      policy,
		metrics:     m,
		concurrency: concurrency,
		now:         time.Now,
	}
}

func lookupMetric(metric string) (processing.MetricInfo, error) {
	info, ok := processing.LookupMetric(metric)
	if !ok {
		return info, domain.NewValidation(fmt.Sprintf("unknown quality metric %q, expected one of %v", metric, processing.MetricNames()))
	}
	return info, nil
}

type scoredImage struct {
	imageID string
	score   float64
}

// RankGroup scores every member of groupLabel and writes ranks 1..k as one unit.
// Higher-is-better metrics rank the highest score first, the others the lowest. Ties
// are broken by image id.
func (s *RankingService) RankGroup(ctx context.Context, batchID, groupLabel, metric string) (*domain.Batch, error) {
	info, err := lookupMetric(metric)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(batchID)
	defer unlock()
	ctx = logger.SetBatchID(ctx, batchID)

	if _, err := s.batches.GetByID(ctx, batchID, false); err != nil {
		return nil, err
	}
	members, err := s.batches.GroupMembers(ctx, batchID, groupLabel)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, domain.NewValidation(fmt.Sprintf("batch has no group %q", groupLabel))
	}

	for _, m := range members {
		if m.Image == nil {
			return nil, domain.NewNotFound("image", m.ImageID)
		}
	}

	scored := make([]scoredImage, len(members))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, m := range members {
		i, img := i, m.Image
		g.Go(func() error {
			score, err := s.scoreImage(gctx, img, metric, false)
			if err != nil {
				return err
			}
			scored[i] = scoredImage{imageID: img.ID, score: score}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.metrics.RecordRanking(metric, metrics.OutcomeFailed)
		return nil, err
	}

	sortScores(scored, info.HigherIsBetter)
	ordered := make([]string, len(scored))
	for i, sc := range scored {
		ordered[i] = sc.imageID
	}
	if err := s.batches.WriteRanks(ctx, batchID, groupLabel, ordered, metric, s.now()); err != nil {
		s.metrics.RecordRanking(metric, metrics.OutcomeFailed)
		if errors.Is(err, repository.ErrAssociationsChanged) {
			return nil, domain.NewValidation("group membership changed while ranking, retry")
		}
		return nil, err
	}
	s.metrics.RecordRanking(metric, metrics.OutcomeSuccess)
	logger.With(logger.Fields{"group": groupLabel, "metric": metric}).
		WithCount(len(ordered)).Info(ctx, "Group ranked")

	return s.batches.GetByID(ctx, batchID, false)
}

func sortScores(scored []scoredImage, higherIsBetter bool) {
	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.score != b.score {
			if higherIsBetter {
				return a.score > b.score
			}
			return a.score < b.score
		}
		return a.imageID < b.imageID
	})
}

// scoreImage returns the cached score for metric, or computes and stores it.
func (s *RankingService) scoreImage(ctx context.Context, img *domain.Image, metric string, force bool) (float64, error) {
	if !force {
		if score, ok := img.CachedScore(metric); ok {
			s.metrics.RecordQualityScore(metric, true)
			return score, nil
		}
	}
	data, err := storage.ReadAll(ctx, s.storage, img.StorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return 0, domain.NewNotFound("original bytes", img.StorageKey)
		}
		return 0, domain.NewIO("download", img.StorageKey, err)
	}

	var score float64
	res := s.policy.Do(ctx, func(actx context.Context) error {
		v, err := s.scorer.Score(actx, data, img.MimeType, metric)
		if err != nil {
			return domain.NewProcessing("score "+metric, err)
		}
		score = v
		return nil
	})
	if !res.Succeeded() {
		return 0, res.Err
	}
	if err := s.images.UpdateQuality(ctx, img.ID, score, metric, s.now()); err != nil {
		return 0, err
	}
	s.metrics.RecordQualityScore(metric, false)
	return score, nil
}

// QualityResult is the score of one image under one metric.
type QualityResult struct {
	ImageID        string    `json:"image_id"`
	Metric         string    `json:"metric"`
	Score          float64   `json:"score"`
	HigherIsBetter bool      `json:"higher_is_better"`
	Cached         bool      `json:"cached"`
	AnalyzedAt     time.Time `json:"analyzed_at"`
}

// AnalyzeQuality scores one image. force recomputes a score already cached for metric.
func (s *RankingService) AnalyzeQuality(ctx context.Context, imageID, metric string, force bool) (*QualityResult, error) {
	info, err := lookupMetric(metric)
	if err != nil {
		return nil, err
	}
	img, err := s.images.GetByID(ctx, imageID)
	if err != nil {
		return nil, err
	}
	_, cached := img.CachedScore(metric)
	cached = cached && !force

	score, err := s.scoreImage(ctx, img, metric, force)
	if err != nil {
		return nil, err
	}
	analyzedAt := s.now()
	if cached && img.QualityAnalyzedAt != nil {
		analyzedAt = *img.QualityAnalyzedAt
	}
	return &QualityResult{
		ImageID:        imageID,
		Metric:         metric,
		Score:          score,
		HigherIsBetter: info.HigherIsBetter,
		Cached:         cached,
		AnalyzedAt:     analyzedAt,
	}, nil
}

// QualityOutcome is the result of scoring one image of a bulk request.
type QualityOutcome struct {
	ImageID  string         `json:"image_id"`
	Result   *QualityResult `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Category string         `json:"category,omitempty"`
}

// AnalyzeQualityMany scores imageIDs concurrently. Outcomes keep the input order and one
// failed image never fails the others. Only an unknown metric fails the whole call.
func (s *RankingService) AnalyzeQualityMany(ctx context.Context, imageIDs []string, metric string, force bool) ([]QualityOutcome, error) {
	if _, err := lookupMetric(metric); err != nil {
		return nil, err
	}
	outcomes := make([]QualityOutcome, len(imageIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, id := range imageIDs {
		i, id := i, id
		g.Go(func() error {
			outcomes[i].ImageID = id
			res, err := s.AnalyzeQuality(gctx, id, metric, force)
			if err != nil {
				outcomes[i].Error = err.Error()
				outcomes[i].Category = string(domain.CategoryOf(err))
				return nil
			}
			outcomes[i].Result = res
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, o := range outcomes {
		if o.Error != "" {
			failed++
		}
	}
	logger.With(logger.Fields{"metric": metric, "failed": failed}).
		WithCount(len(imageIDs)).
		Info(ctx, "Bulk quality analysis finished")
	return outcomes, nil
}
