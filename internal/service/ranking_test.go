package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/domain"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// byteScorer scores an image by looking its bytes up in a table.
type byteScorer struct {
	mu     sync.Mutex
	scores map[string]float64
	calls  map[string]int
	err    error
}

func newByteScorer() *byteScorer {
	return &byteScorer{scores: map[string]float64{}, calls: map[string]int{}}
}

func (s *byteScorer) Score(_ context.Context, data []byte, _, metric string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[metric]++
	if s.err != nil {
		return 0, s.err
	}
	score, ok := s.scores[string(data)]
	if !ok {
		return 0, errors.New("unexpected image")
	}
	return score, nil
}

func (s *byteScorer) callCount(metric string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[metric]
}

type rankFixture struct {
	*fixture
	scorer  *byteScorer
	ranking *RankingService
}

func newRankFixture(t *testing.T) *rankFixture {
	f := newFixture(t)
	scorer := newByteScorer()
	return &rankFixture{
		fixture: f,
		scorer:  scorer,
		ranking: NewRankingService(f.batches, f.images, f.store, scorer, f.locks, fastPolicy(1), nil, 2),
	}
}

// seedScored creates images whose stored bytes score as given and puts them in one group.
func (f *rankFixture) seedScored(t *testing.T, scores ...float64) (*domain.Batch, []string) {
	t.Helper()
	ids := make([]string, len(scores))
	for i, score := range scores {
		img := testutil.SeedImage(t, f.db)
		data := "bytes-of-" + img.ID
		f.storeOriginal(t, img, []byte(data))
		f.scorer.scores[data] = score
		ids[i] = img.ID
	}
	b := f.newBatch(t, ids)
	_, err := f.batchSvc.ManualGroupUpdate(context.Background(), b.ID, map[string][]string{"G": ids})
	require.NoError(t, err)
	return b, ids
}

func ranksOf(t *testing.T, b *domain.Batch) map[string]int {
	t.Helper()
	ranks := map[string]int{}
	for _, a := range b.Associations {
		if a.QualityRank != nil {
			ranks[a.ImageID] = *a.QualityRank
		}
	}
	return ranks
}

func TestRankGroupHigherIsBetter(t *testing.T) {
	f := newRankFixture(t)
	ctx := context.Background()
	b, ids := f.seedScored(t, 3.1, 4.6, 2.2)

	got, err := f.ranking.RankGroup(ctx, b.ID, "G", "liqe")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{ids[1]: 1, ids[0]: 2, ids[2]: 3}, ranksOf(t, got))
	for _, a := range got.Associations {
		require.NotNil(t, a.RankingMetric)
		assert.Equal(t, "liqe", *a.RankingMetric)
		assert.NotNil(t, a.RankedAt)
	}

	img, err := f.images.GetByID(ctx, ids[1])
	require.NoError(t, err)
	score, ok := img.CachedScore("liqe")
	require.True(t, ok)
	assert.InDelta(t, 4.6, score, 1e-9)
}

func TestRankGroupLowerIsBetter(t *testing.T) {
	f := newRankFixture(t)
	b, ids := f.seedScored(t, 40, 12, 75)

	got, err := f.ranking.RankGroup(context.Background(), b.ID, "G", "brisque")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{ids[1]: 1, ids[0]: 2, ids[2]: 3}, ranksOf(t, got))
}

func TestRankGroupBreaksTiesByImageID(t *testing.T) {
	f := newRankFixture(t)
	b, ids := f.seedScored(t, 0.5, 0.5, 0.9)

	got, err := f.ranking.RankGroup(context.Background(), b.ID, "G", "clipiqa+")
	require.NoError(t, err)
	first, second := ids[0], ids[1]
	if second < first {
		first, second = second, first
	}
	assert.Equal(t, map[string]int{ids[2]: 1, first: 2, second: 3}, ranksOf(t, got))
}

func TestRankGroupUsesCachedScores(t *testing.T) {
	f := newRankFixture(t)
	ctx := context.Background()
	a := testutil.SeedImage(t, f.db, testutil.WithQuality(2.0, "liqe"))
	c := testutil.SeedImage(t, f.db, testutil.WithQuality(3.0, "liqe"))
	b := f.newBatch(t, []string{a.ID, c.ID})
	_, err := f.batchSvc.ManualGroupUpdate(ctx, b.ID, map[string][]string{"G": {a.ID, c.ID}})
	require.NoError(t, err)

	got, err := f.ranking.RankGroup(ctx, b.ID, "G", "liqe")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{c.ID: 1, a.ID: 2}, ranksOf(t, got))
	assert.Zero(t, f.scorer.callCount("liqe"))

	// a score cached under another metric does not count
	_, err = f.ranking.RankGroup(ctx, b.ID, "G", "niqe")
	assert.ErrorIs(t, err, domain.ErrNotFound, "originals were never stored")
}

func TestRankGroupRejectsBadInput(t *testing.T) {
	f := newRankFixture(t)
	ctx := context.Background()
	b, _ := f.seedScored(t, 1)

	_, err := f.ranking.RankGroup(ctx, b.ID, "G", "sharpness")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.ranking.RankGroup(ctx, b.ID, "no such group", "liqe")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.ranking.RankGroup(ctx, "ghost", "G", "liqe")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRankGroupScorerFailureWritesNothing(t *testing.T) {
	f := newRankFixture(t)
	ctx := context.Background()
	b, _ := f.seedScored(t, 1, 2)
	f.scorer.err = errors.New("gpu on fire")

	_, err := f.ranking.RankGroup(ctx, b.ID, "G", "liqe")
	assert.ErrorIs(t, err, domain.ErrProcessing)

	got, err := f.batchSvc.Get(ctx, b.ID, false)
	require.NoError(t, err)
	assert.Empty(t, ranksOf(t, got))
}

func TestRemoveImagesKeepsRemainingRanks(t *testing.T) {
	f := newRankFixture(t)
	ctx := context.Background()
	b, ids := f.seedScored(t, 1, 3, 2)

	_, err := f.ranking.RankGroup(ctx, b.ID, "G", "liqe")
	require.NoError(t, err)

	got, err := f.batchSvc.RemoveImages(ctx, b.ID, []string{ids[1]})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{ids[2]: 2, ids[0]: 3}, ranksOf(t, got))
}

func TestManualRegroupClearsRanks(t *testing.T) {
	f := newRankFixture(t)
	ctx := context.Background()
	b, ids := f.seedScored(t, 1, 2)

	_, err := f.ranking.RankGroup(ctx, b.ID, "G", "liqe")
	require.NoError(t, err)

	got, err := f.batchSvc.ManualGroupUpdate(ctx, b.ID, map[string][]string{"A": {ids[0]}, "B": {ids[1]}})
	require.NoError(t, err)
	assert.Empty(t, ranksOf(t, got))
}

func TestAnalyzeQuality(t *testing.T) {
	f := newRankFixture(t)
	ctx := context.Background()
	_, ids := f.seedScored(t, 55)

	res, err := f.ranking.AnalyzeQuality(ctx, ids[0], "musiq", false)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.True(t, res.HigherIsBetter)
	assert.InDelta(t, 55, res.Score, 1e-9)

	res, err = f.ranking.AnalyzeQuality(ctx, ids[0], "musiq", false)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, 1, f.scorer.callCount("musiq"))

	res, err = f.ranking.AnalyzeQuality(ctx, ids[0], "musiq", true)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, 2, f.scorer.callCount("musiq"))

	_, err = f.ranking.AnalyzeQuality(ctx, "ghost", "musiq", false)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.ranking.AnalyzeQuality(ctx, ids[0], "vibes", false)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestAnalyzeQualityManyReportsEachImage(t *testing.T) {
	f := newRankFixture(t)
	ctx := context.Background()
	_, ids := f.seedScored(t, 12, 34)

	outcomes, err := f.ranking.AnalyzeQualityMany(ctx, []string{ids[1], "ghost", ids[0]}, "cnniqa", false)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	assert.Equal(t, ids[1], outcomes[0].ImageID)
	require.NotNil(t, outcomes[0].Result)
	assert.InDelta(t, 34, outcomes[0].Result.Score, 1e-9)

	assert.Equal(t, "ghost", outcomes[1].ImageID)
	assert.Nil(t, outcomes[1].Result)
	assert.Equal(t, string(domain.CategoryNotFound), outcomes[1].Category)
	assert.NotEmpty(t, outcomes[1].Error)

	require.NotNil(t, outcomes[2].Result)
	assert.InDelta(t, 12, outcomes[2].Result.Score, 1e-9)

	_, err = f.ranking.AnalyzeQualityMany(ctx, ids, "vibes", false)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 2, f.scorer.callCount("cnniqa"))
}
