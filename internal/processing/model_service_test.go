package processing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddingClientEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		raw, err := base64.StdEncoding.DecodeString(req.Image)
		require.NoError(t, err)
		assert.Equal(t, "pixels", string(raw))
		assert.Equal(t, "clip", req.Model)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"embedding":[0.5,-0.25]}`))
	}))
	defer srv.Close()

	c := NewEmbeddingClient(config.ModelServiceConfig{BaseURL: srv.URL, APIKey: "secret", Model: "clip"})
	vec, err := c.Embed(context.Background(), []byte("pixels"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -0.25}, vec)
}

func TestEmbeddingClientEmptyAndErrors(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(`{"embedding":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"detail":"model not loaded"}`))
	}))
	defer srv.Close()

	c := NewEmbeddingClient(config.ModelServiceConfig{BaseURL: srv.URL})
	vec, err := c.Embed(context.Background(), []byte("x"), "image/png")
	require.NoError(t, err)
	assert.Nil(t, vec)

	status = http.StatusServiceUnavailable
	_, err = c.Embed(context.Background(), []byte("x"), "image/png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestQualityClientScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/score", r.URL.Path)
		var req scoreRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		if req.Metric == "niqe" {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		_, _ = w.Write([]byte(`{"score":3.75}`))
	}))
	defer srv.Close()

	c := NewQualityClient(config.QualityConfig{ModelServiceConfig: config.ModelServiceConfig{BaseURL: srv.URL}})
	score, err := c.Score(context.Background(), []byte("x"), "image/jpeg", "liqe")
	require.NoError(t, err)
	assert.InDelta(t, 3.75, score, 1e-9)

	_, err = c.Score(context.Background(), []byte("x"), "image/jpeg", "niqe")
	assert.Error(t, err)

	_, err = c.Score(context.Background(), []byte("x"), "image/jpeg", "sharpness")
	assert.Error(t, err)
}

func TestMetricRegistry(t *testing.T) {
	assert.Equal(t, []string{"brisque", "clipiqa+", "cnniqa", "liqe", "musiq", "niqe"}, MetricNames())
	m, ok := LookupMetric(DefaultMetric)
	require.True(t, ok)
	assert.True(t, m.HigherIsBetter)
	m, _ = LookupMetric("brisque")
	assert.False(t, m.HigherIsBetter)
}
