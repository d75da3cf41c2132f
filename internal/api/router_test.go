package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/api/handler"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/config"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/domain"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/logger"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/metrics"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/pipeline"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/repository"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/service"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/storage"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/testutil"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(context.Context, pipeline.Task) error { return nil }

type capturingClusterer struct {
	mu     sync.Mutex
	params domain.GroupingParams
}

func (c *capturingClusterer) Cluster(_ context.Context, matrix [][]float32, params domain.GroupingParams) ([]int, error) {
	c.mu.Lock()
	c.params = params
	c.mu.Unlock()
	return make([]int, len(matrix)), nil
}

type constScorer struct{}

func (constScorer) Score(_ context.Context, data []byte, _, _ string) (float64, error) {
	return float64(len(data)), nil
}

type testServer struct {
	router    *gin.Engine
	db        *gorm.DB
	clusterer *capturingClusterer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db := testutil.NewDB(t)
	images := repository.NewImageRepository(db)
	batches := repository.NewBatchRepository(db)
	store := storage.NewLocalStorageFs(afero.NewMemMapFs(), "")
	locks := service.NewKeyedMutex()
	policy := pipeline.RetryPolicy{MaxAttempts: 1}

	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	require.NoError(t, err)

	ingest := service.NewIngestService(images, store, nopDispatcher{}, nil, m, logger.GetDefault(), config.IngestConfig{
		MaxFileSize:       1 << 20,
		AllowedExtensions: []string{".jpg", ".png"},
		Workers:           2,
	})
	clusterer := &capturingClusterer{}
	svc := Services{
		Ingest:   ingest,
		Batches:  service.NewBatchService(batches, images, ingest, locks),
		Grouping: service.NewGroupingService(batches, clusterer, locks, policy, m),
		Ranking:  service.NewRankingService(batches, images, store, constScorer{}, locks, policy, m, 2),
	}
	router := SetupRouter(svc, RouterOptions{
		Mode: "test",
		CORS: config.CORSConfig{AllowedOrigins: []string{"http://app.local"}},
		GroupingDefaults: domain.GroupingParams{
			Algorithm: domain.AlgorithmDBSCAN, Metric: "cosine", MinClusterSize: 5, MinSamples: 5, Eps: 0.5,
		},
		DefaultMetric: "liqe",
		Gatherer:      registry,
		HealthChecks: map[string]handler.HealthCheck{
			"database": func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
		},
	})
	return &testServer{router: router, db: db, clusterer: clusterer}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) upload(t *testing.T, path string, files map[string][]byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, data := range files {
		part, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestUploadReportsDuplicatesAsSuccess(t *testing.T) {
	s := newTestServer(t)
	data := testutil.JPEG(t, 16, 16, 40)

	w := s.upload(t, "/api/v1/images", map[string][]byte{"a.jpg": data})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decode[handler.UploadResponse](t, w)
	require.Len(t, first.Results, 1)
	assert.Equal(t, 1, first.Created)
	assert.False(t, first.Results[0].IsDuplicate)

	w = s.upload(t, "/api/v1/images", map[string][]byte{"copy.jpg": data, "notes.txt": []byte("x")})
	require.Equal(t, http.StatusOK, w.Code)
	second := decode[handler.UploadResponse](t, w)
	assert.Equal(t, 1, second.Duplicates)
	assert.Equal(t, 1, second.Failed)
	for _, r := range second.Results {
		if r.Filename == "copy.jpg" {
			assert.True(t, r.IsDuplicate)
			assert.Equal(t, first.Results[0].ImageID, r.ImageID)
		}
	}

	w = s.do(t, http.MethodGet, "/api/v1/images/"+first.Results[0].ImageID+"/file", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, data, w.Body.Bytes())
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))

	w = s.upload(t, "/api/v1/images", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorCategoriesMapToStatus(t *testing.T) {
	s := newTestServer(t)
	ids := testutil.SeedImages(t, s.db, 2)

	w := s.do(t, http.MethodGet, "/api/v1/images/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	notFound := decode[handler.ErrorResponse](t, w)
	assert.Equal(t, "not-found", notFound.Category)
	assert.NotEmpty(t, notFound.RequestID)
	assert.Equal(t, w.Header().Get("X-Request-ID"), notFound.RequestID)

	w = s.do(t, http.MethodPost, "/api/v1/batches", map[string]interface{}{"name": "b", "image_ids": []string{ids[0], "ghost"}})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, []string{"ghost"}, decode[handler.ErrorResponse](t, w).IDs)

	w = s.do(t, http.MethodPost, "/api/v1/batches", map[string]interface{}{"image_ids": ids})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/images/"+ids[0]+"/quality", map[string]interface{}{"metric": "sharpness"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/images/"+ids[0]+"/thumbnail", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBatchLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	ids := testutil.SeedImages(t, s.db, 3, testutil.WithFeatures(1, 0))

	w := s.do(t, http.MethodPost, "/api/v1/batches", map[string]interface{}{"name": "trip", "image_ids": ids[:2]})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	batch := decode[domain.Batch](t, w)

	w = s.do(t, http.MethodPost, "/api/v1/batches/"+batch.ID+"/images", map[string]interface{}{"image_ids": ids[2:]})
	require.Equal(t, http.StatusOK, w.Code)
	grown := decode[domain.Batch](t, w)
	assert.Equal(t, ids, grown.ImageIDs())

	w = s.do(t, http.MethodPut, "/api/v1/batches/"+batch.ID+"/groups", map[string]interface{}{
		"groups": map[string][]string{"A": {ids[0]}, "B": {ids[1]}},
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, []string{ids[2]}, decode[handler.ErrorResponse](t, w).Missing)

	w = s.do(t, http.MethodPut, "/api/v1/batches/"+batch.ID+"/groups", map[string]interface{}{
		"groups": map[string][]string{"A": {ids[0], ids[2]}, "B": {ids[1]}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPatch, "/api/v1/batches/"+batch.ID, map[string]interface{}{"name": "renamed"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "renamed", decode[domain.Batch](t, w).Name)

	w = s.do(t, http.MethodGet, "/api/v1/batches?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[handler.ListResponse[domain.BatchSummary]](t, w)
	assert.Equal(t, int64(1), list.Total)
	assert.Equal(t, 5, list.Limit)

	w = s.do(t, http.MethodDelete, "/api/v1/batches/"+batch.ID+"/images", map[string]interface{}{"image_ids": ids[:1]})
	require.Equal(t, http.StatusOK, w.Code)
	shrunk := decode[domain.Batch](t, w)
	assert.Equal(t, ids[1:], shrunk.ImageIDs())

	w = s.do(t, http.MethodDelete, "/api/v1/batches/"+batch.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, http.MethodGet, "/api/v1/batches/"+batch.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAnalyzeFillsDefaults(t *testing.T) {
	s := newTestServer(t)
	ids := testutil.SeedImages(t, s.db, 2, testutil.WithFeatures(1, 0))
	w := s.do(t, http.MethodPost, "/api/v1/batches", map[string]interface{}{"name": "b", "image_ids": ids})
	require.Equal(t, http.StatusCreated, w.Code)
	batch := decode[domain.Batch](t, w)

	w = s.do(t, http.MethodPost, "/api/v1/batches/"+batch.ID+"/analyze", map[string]interface{}{"min_cluster_size": 2, "metric": "euclidean"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.GroupingParams{
		Algorithm: domain.AlgorithmDBSCAN, Metric: "euclidean", MinClusterSize: 2, MinSamples: 5, Eps: 0.5,
	}, s.clusterer.params)
	res := decode[service.AnalyzeResult](t, w)
	assert.Equal(t, map[string][]string{"Group 1": ids}, res.Batch.Groups())

	w = s.do(t, http.MethodPost, "/api/v1/batches/"+batch.ID+"/analyze", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "cosine", s.clusterer.params.Metric)
	assert.Equal(t, 5, s.clusterer.params.MinClusterSize)

	w = s.do(t, http.MethodPost, "/api/v1/batches/"+batch.ID+"/analyze", map[string]interface{}{"algorithm": "kmeans"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestRankGroupUsesDefaultMetric(t *testing.T) {
	s := newTestServer(t)
	data := map[string][]byte{
		"small.png": testutil.PNG(t, 4, 4, 1),
		"large.png": testutil.PNG(t, 64, 64, 2),
	}
	w := s.do(t, http.MethodPost, "/api/v1/batches", map[string]interface{}{"name": "b"})
	require.Equal(t, http.StatusCreated, w.Code)
	batch := decode[domain.Batch](t, w)

	w = s.upload(t, "/api/v1/batches/"+batch.ID+"/upload", data)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	up := decode[handler.UploadToBatchResponse](t, w)
	require.Len(t, up.Batch.ImageIDs(), 2)

	w = s.do(t, http.MethodPut, "/api/v1/batches/"+batch.ID+"/groups", map[string]interface{}{
		"groups": map[string][]string{"G": up.Batch.ImageIDs()},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/batches/"+batch.ID+"/groups/rank", map[string]interface{}{"group_label": "G"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ranked := decode[domain.Batch](t, w)

	largeID := ""
	for _, r := range up.Results {
		if r.Filename == "large.png" {
			largeID = r.ImageID
		}
	}
	for _, a := range ranked.Associations {
		require.NotNil(t, a.QualityRank)
		require.NotNil(t, a.RankingMetric)
		assert.Equal(t, "liqe", *a.RankingMetric)
		if a.ImageID == largeID {
			assert.Equal(t, 1, *a.QualityRank, "the larger file scores higher")
		}
	}

	w = s.do(t, http.MethodPost, "/api/v1/batches/"+batch.ID+"/groups/rank", map[string]interface{}{"group_label": "nope"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHealthMetricsAndMiddleware(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	s.upload(t, "/api/v1/images", map[string][]byte{"a.png": testutil.PNG(t, 4, 4, 9)})
	w = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ingest_uploads_total")

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/images", nil)
	req.Header.Set("Origin", "http://app.local")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://app.local", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.local")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealthReportsFailingCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := handler.NewHealthHandler(map[string]handler.HealthCheck{
		"ok":     func(context.Context) error { return nil },
		"qdrant": func(context.Context) error { return errors.New("connection refused") },
	})
	r.GET("/health", h.Health)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestBulkQualityReportsPerImage(t *testing.T) {
	s := newTestServer(t)
	w := s.upload(t, "/api/v1/images", map[string][]byte{"one.png": testutil.PNG(t, 8, 8, 3)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	up := decode[handler.UploadResponse](t, w)
	require.Len(t, up.Results, 1)
	id := up.Results[0].ImageID

	w = s.do(t, http.MethodPost, "/api/v1/images/quality/batch", map[string]interface{}{
		"image_ids": []string{id, "ghost"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[handler.BulkQualityResponse](t, w)
	assert.Equal(t, 1, res.Analyzed)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Results, 2)
	require.NotNil(t, res.Results[0].Result)
	assert.Equal(t, "liqe", res.Results[0].Result.Metric)
	assert.Equal(t, string(domain.CategoryNotFound), res.Results[1].Category)

	w = s.do(t, http.MethodPost, "/api/v1/images/quality/batch", map[string]interface{}{"image_ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/images/quality/batch", map[string]interface{}{
		"image_ids": []string{id},
		"metric":    "vibes",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}
