package processing

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"sort"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/config"
	"github.com/go-resty/resty/v2"
)

// MetricInfo describes one no-reference image quality metric.
type MetricInfo struct {
	Name           string  `json:"name"`
	Description    string  `json:"description"`
	HigherIsBetter bool    `json:"higher_is_better"`
	Min            float64 `json:"min"`
	Max            float64 `json:"max"`
}

// Metrics is the registry of supported quality metrics.
var Metrics = map[string]MetricInfo{
	"clipiqa+": {Name: "clipiqa+", Description: "CLIP-based quality assessment", HigherIsBetter: true, Min: 0, Max: 1},
	"brisque":  {Name: "brisque", Description: "Blind/referenceless spatial quality evaluator", HigherIsBetter: false, Min: 0, Max: 100},
	"niqe":     {Name: "niqe", Description: "Natural image quality evaluator", HigherIsBetter: false, Min: 0, Max: 100},
	"musiq":    {Name: "musiq", Description: "Multi-scale image quality transformer", HigherIsBetter: true, Min: 0, Max: 100},
	"cnniqa":   {Name: "cnniqa", Description: "Convolutional neural network quality assessment", HigherIsBetter: true, Min: 0, Max: 1},
	"liqe":     {Name: "liqe", Description: "Language-image quality evaluator", HigherIsBetter: true, Min: 1, Max: 5},
}

// DefaultMetric is used when neither the request nor config names one.
const DefaultMetric = "liqe"

// LookupMetric returns the registry entry for name.
func LookupMetric(name string) (MetricInfo, bool) {
	m, ok := Metrics[name]
	return m, ok
}

// MetricNames returns the registered metric names sorted.
func MetricNames() []string {
	names := make([]string, 0, len(Metrics))
	for name := range Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// QualityClient calls a quality-scoring service over HTTP.
type QualityClient struct {
	client *resty.Client
}

// NewQualityClient creates a client for cfg.BaseURL.
func NewQualityClient(cfg config.QualityConfig) *QualityClient {
	return &QualityClient{client: newServiceClient(cfg.ModelServiceConfig)}
}

type scoreRequest struct {
	Metric   string `json:"metric"`
	Image    string `json:"image"`
	MimeType string `json:"mime_type,omitempty"`
}

type scoreResponse struct {
	Score  *float64 `json:"score"`
	Detail string   `json:"detail,omitempty"`
}

// Score computes metric for one image.
func (c *QualityClient) Score(ctx context.Context, data []byte, mimeType, metric string) (float64, error) {
	if _, ok := Metrics[metric]; !ok {
		return 0, fmt.Errorf("unsupported quality metric %q", metric)
	}
	var resp scoreResponse
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetBody(scoreRequest{
			Metric:   metric,
			Image:    base64.StdEncoding.EncodeToString(data),
			MimeType: mimeType,
		}).
		SetResult(&resp).
		SetError(&resp).
		Post("/score")
	if err != nil {
		return 0, fmt.Errorf("failed to call quality service: %w", err)
	}
	if err := statusError("quality service", httpResp, resp.Detail); err != nil {
		return 0, err
	}
	if resp.Score == nil || math.IsNaN(*resp.Score) || math.IsInf(*resp.Score, 0) {
		return 0, fmt.Errorf("quality service returned no usable score for %s", metric)
	}
	return *resp.Score, nil
}
