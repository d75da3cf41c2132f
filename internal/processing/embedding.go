package processing

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/config"
	"github.com/go-resty/resty/v2"
)

// EmbeddingClient calls an image feature-extraction service over HTTP.
type EmbeddingClient struct {
	client *resty.Client
	model  string
}

// NewEmbeddingClient creates a client for cfg.BaseURL.
func NewEmbeddingClient(cfg config.ModelServiceConfig) *EmbeddingClient {
	return &EmbeddingClient{
		client: newServiceClient(cfg),
		model:  cfg.Model,
	}
}

// Model returns the model name sent with each request.
func (c *EmbeddingClient) Model() string {
	return c.model
}

type embedRequest struct {
	Model    string `json:"model,omitempty"`
	Image    string `json:"image"`
	MimeType string `json:"mime_type,omitempty"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	Detail    string    `json:"detail,omitempty"`
}

// Embed returns the feature vector for one image. A nil vector with a nil error means the
// model produced nothing for this input.
func (c *EmbeddingClient) Embed(ctx context.Context, data []byte, mimeType string) ([]float32, error) {
	var resp embedResponse
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetBody(embedRequest{
			Model:    c.model,
			Image:    base64.StdEncoding.EncodeToString(data),
			MimeType: mimeType,
		}).
		SetResult(&resp).
		SetError(&resp).
		Post("/embed")
	if err != nil {
		return nil, fmt.Errorf("failed to call embedding service: %w", err)
	}
	if err := statusError("embedding service", httpResp, resp.Detail); err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, nil
	}
	return resp.Embedding, nil
}

// newServiceClient builds the shared resty setup for the model services.
func newServiceClient(cfg config.ModelServiceConfig) *resty.Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return client
}

func statusError(service string, resp *resty.Response, detail string) error {
	if resp.StatusCode() == http.StatusOK {
		return nil
	}
	if detail != "" {
		return fmt.Errorf("%s error: %s", service, detail)
	}
	return fmt.Errorf("%s error: status %d", service, resp.StatusCode())
}
