package processing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/config"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoBlobs() [][]float32 {
	return [][]float32{
		{0, 0}, {10, 10}, {0, 0.1}, {0.1, 0}, {10, 10.1}, {50, 50}, {0.1, 0.1}, {10.1, 10},
	}
}

func TestDBSCANFindsDenseGroups(t *testing.T) {
	params := domain.GroupingParams{Algorithm: domain.AlgorithmDBSCAN, Metric: "euclidean", Eps: 0.5, MinSamples: 2, MinClusterSize: 3}
	labels, err := NewDBSCAN().Cluster(context.Background(), twoBlobs(), params)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 0, 0, 1, domain.NoiseLabel, 0, 1}, labels)
}

func TestDBSCANDissolvesSmallClusters(t *testing.T) {
	params := domain.GroupingParams{Algorithm: domain.AlgorithmDBSCAN, Metric: "euclidean", Eps: 0.5, MinSamples: 2, MinClusterSize: 4}
	labels, err := NewDBSCAN().Cluster(context.Background(), twoBlobs(), params)
	require.NoError(t, err)
	assert.Equal(t, []int{0, -1, 0, 0, -1, -1, 0, -1}, labels)
}

func TestDBSCANCosine(t *testing.T) {
	matrix := [][]float32{{1, 0}, {2, 0.01}, {0, 1}, {0.01, 3}, {5, 0}}
	params := domain.GroupingParams{Algorithm: domain.AlgorithmDBSCAN, Metric: "cosine", Eps: 0.01, MinSamples: 2, MinClusterSize: 2}
	labels, err := NewDBSCAN().Cluster(context.Background(), matrix, params)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 1, 1, 0}, labels)
}

func TestDBSCANRejectsRaggedMatrix(t *testing.T) {
	params := domain.GroupingParams{Metric: "euclidean", Eps: 1, MinSamples: 1, MinClusterSize: 2}
	_, err := NewDBSCAN().Cluster(context.Background(), [][]float32{{1, 2}, {1}}, params)
	assert.Error(t, err)
}

func TestDistances(t *testing.T) {
	a, b := []float32{0, 0}, []float32{3, 4}
	assert.InDelta(t, 5, Distances["euclidean"](a, b), 1e-9)
	assert.InDelta(t, 7, Distances["manhattan"](a, b), 1e-9)
	assert.InDelta(t, 4, Distances["chebyshev"](a, b), 1e-9)
	assert.InDelta(t, 1, Distances["cosine"]([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, 0, Distances["cosine"]([]float32{1, 1}, []float32{2, 2}), 1e-6)
}

func TestValidateParams(t *testing.T) {
	ok := domain.GroupingParams{Algorithm: "dbscan", Metric: "cosine", MinClusterSize: 5, MinSamples: 5, Eps: 0.5}
	require.NoError(t, ValidateParams(ok))

	testCases := map[string]func(p *domain.GroupingParams){
		"algorithm":        func(p *domain.GroupingParams) { p.Algorithm = "kmeans" },
		"metric":           func(p *domain.GroupingParams) { p.Metric = "hamming" },
		"min cluster size": func(p *domain.GroupingParams) { p.MinClusterSize = 1 },
		"min samples":      func(p *domain.GroupingParams) { p.MinSamples = 0 },
		"eps":              func(p *domain.GroupingParams) { p.Eps = 0 },
	}
	for name, mutate := range testCases {
		t.Run(name, func(t *testing.T) {
			p := ok
			mutate(&p)
			assert.ErrorIs(t, ValidateParams(p), domain.ErrValidation)
		})
	}

	hdb := ok
	hdb.Algorithm, hdb.Eps = "hdbscan", 0
	assert.NoError(t, ValidateParams(hdb))
}

func TestRemoteClusterer(t *testing.T) {
	var got clusterRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cluster", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"labels":[1,0,-1]}`))
	}))
	defer srv.Close()

	router := NewAlgorithmRouter(NewRemoteClusterer(config.GroupingConfig{BaseURL: srv.URL + "/"}))
	params := domain.GroupingParams{Algorithm: "hdbscan", Metric: "cosine", MinClusterSize: 5, MinSamples: 3}
	labels, err := router.Cluster(context.Background(), [][]float32{{1}, {2}, {3}}, params)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0, -1}, labels)
	assert.Equal(t, 5, got.MinClusterSize)
	assert.Equal(t, [][]float32{{1}, {2}, {3}}, got.Features)
}

func TestAlgorithmRouterWithoutRemote(t *testing.T) {
	_, err := NewAlgorithmRouter(nil).Cluster(context.Background(), nil, domain.GroupingParams{Algorithm: "hdbscan"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
