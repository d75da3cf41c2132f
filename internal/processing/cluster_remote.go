package processing

import (
	"context"
	"fmt"
	"strings"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/config"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/domain"
	"github.com/go-resty/resty/v2"
)

// RemoteClusterer delegates HDBSCAN to a clustering service.
type RemoteClusterer struct {
	client *resty.Client
}

// NewRemoteClusterer creates a client for cfg.BaseURL.
func NewRemoteClusterer(cfg config.GroupingConfig) *RemoteClusterer {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json")
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return &RemoteClusterer{client: client}
}

type clusterRequest struct {
	Algorithm      string      `json:"algorithm"`
	Metric         string      `json:"metric"`
	MinClusterSize int         `json:"min_cluster_size"`
	MinSamples     int         `json:"min_samples"`
	Features       [][]float32 `json:"features"`
}

type clusterResponse struct {
	Labels []int  `json:"labels"`
	Detail string `json:"detail,omitempty"`
}

// Cluster posts the matrix and returns the service's labels unchanged.
func (c *RemoteClusterer) Cluster(ctx context.Context, matrix [][]float32, params domain.GroupingParams) ([]int, error) {
	var resp clusterResponse
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetBody(clusterRequest{
			Algorithm:      params.Algorithm,
			Metric:         params.Metric,
			MinClusterSize: params.MinClusterSize,
			MinSamples:     params.MinSamples,
			Features:       matrix,
		}).
		SetResult(&resp).
		SetError(&resp).
		Post("/cluster")
	if err != nil {
		return nil, fmt.Errorf("failed to call clustering service: %w", err)
	}
	if err := statusError("clustering service", httpResp, resp.Detail); err != nil {
		return nil, err
	}
	return resp.Labels, nil
}

// AlgorithmRouter picks a Clusterer by params.Algorithm.
type AlgorithmRouter struct {
	byAlgorithm map[string]Clusterer
}

// NewAlgorithmRouter always serves dbscan locally. hdbscan is only available when remote is non-nil.
func NewAlgorithmRouter(remote Clusterer) *AlgorithmRouter {
	r := &AlgorithmRouter{byAlgorithm: map[string]Clusterer{
		domain.AlgorithmDBSCAN: NewDBSCAN(),
	}}
	if remote != nil {
		r.byAlgorithm[domain.AlgorithmHDBSCAN] = remote
	}
	return r
}

// Cluster forwards to the clusterer registered for params.Algorithm.
func (r *AlgorithmRouter) Cluster(ctx context.Context, matrix [][]float32, params domain.GroupingParams) ([]int, error) {
	c, ok := r.byAlgorithm[params.Algorithm]
	if !ok {
		return nil, domain.NewValidation(fmt.Sprintf("clustering algorithm %q is not available", params.Algorithm))
	}
	return c.Cluster(ctx, matrix, params)
}
