package handler

import (
	"net/http"
	"strconv"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/domain"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/service"
	"github.com/gin-gonic/gin"
)

// BatchHandler serves /api/v1/batches.
type BatchHandler struct {
	batches  *service.BatchService
	grouping *service.GroupingService
	ranking  *service.RankingService

	groupingDefaults domain.GroupingParams
	defaultMetric    string
}

// NewBatchHandler creates a BatchHandler. groupingDefaults and defaultMetric fill in
// whatever an analyze or rank request leaves out.
func NewBatchHandler(
	batches *service.BatchService,
	grouping *service.GroupingService,
	ranking *service.RankingService,
	groupingDefaults domain.GroupingParams,
	defaultMetric string,
) *BatchHandler {
	return &BatchHandler{
		batches:          batches,
		grouping:         grouping,
		ranking:          ranking,
		groupingDefaults: groupingDefaults,
		defaultMetric:    defaultMetric,
	}
}

// CreateBatchRequest is the body of POST /api/v1/batches.
type CreateBatchRequest struct {
	Name     string   `json:"name" binding:"required"`
	ImageIDs []string `json:"image_ids"`
}

// RenameBatchRequest is the body of PATCH /api/v1/batches/:id.
type RenameBatchRequest struct {
	Name string `json:"name" binding:"required"`
}

// ImageIDsRequest names images to attach or detach.
type ImageIDsRequest struct {
	ImageIDs []string `json:"image_ids" binding:"required,min=1"`
}

// AnalyzeRequest overrides individual clustering defaults.
type AnalyzeRequest struct {
	Algorithm      *string  `json:"algorithm"`
	Metric         *string  `json:"metric"`
	MinClusterSize *int     `json:"min_cluster_size"`
	MinSamples     *int     `json:"min_samples"`
	Eps            *float64 `json:"eps"`
}

// params merges the request onto defaults.
func (r AnalyzeRequest) params(defaults domain.GroupingParams) domain.GroupingParams {
	p := defaults
	if r.Algorithm != nil {
		p.Algorithm = *r.Algorithm
	}
	if r.Metric != nil {
		p.Metric = *r.Metric
	}
	if r.MinClusterSize != nil {
		p.MinClusterSize = *r.MinClusterSize
	}
	if r.MinSamples != nil {
		p.MinSamples = *r.MinSamples
	}
	if r.Eps != nil {
		p.Eps = *r.Eps
	}
	return p
}

// GroupsRequest is the body of PUT /api/v1/batches/:id/groups.
type GroupsRequest struct {
	Groups map[string][]string `json:"groups" binding:"required"`
}

// RankRequest is the body of POST /api/v1/batches/:id/groups/rank.
type RankRequest struct {
	GroupLabel string `json:"group_label" binding:"required"`
	Metric     string `json:"metric"`
}

// UploadToBatchResponse is an UploadResponse plus the updated batch.
type UploadToBatchResponse struct {
	UploadResponse
	Batch *domain.Batch `json:"batch"`
}

// Create handles POST /api/v1/batches.
func (h *BatchHandler) Create(c *gin.Context) {
	var req CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	batch, err := h.batches.Create(c.Request.Context(), req.Name, req.ImageIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, batch)
}

// List handles GET /api/v1/batches.
func (h *BatchHandler) List(c *gin.Context) {
	limit, offset := pagination(c)
	summaries, total, err := h.batches.List(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ListResponse[domain.BatchSummary]{Items: summaries, Total: total, Limit: limit, Offset: offset})
}

// Get handles GET /api/v1/batches/:id?include_images=true.
func (h *BatchHandler) Get(c *gin.Context) {
	withImages, _ := strconv.ParseBool(c.DefaultQuery("include_images", "false"))
	batch, err := h.batches.Get(c.Request.Context(), c.Param("id"), withImages)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

// Rename handles PATCH /api/v1/batches/:id.
func (h *BatchHandler) Rename(c *gin.Context) {
	var req RenameBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	batch, err := h.batches.Rename(c.Request.Context(), c.Param("id"), req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

// Delete handles DELETE /api/v1/batches/:id.
func (h *BatchHandler) Delete(c *gin.Context) {
	if err := h.batches.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AddImages handles POST /api/v1/batches/:id/images.
func (h *BatchHandler) AddImages(c *gin.Context) {
	var req ImageIDsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	batch, err := h.batches.AddImages(c.Request.Context(), c.Param("id"), req.ImageIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

// RemoveImages handles DELETE /api/v1/batches/:id/images.
func (h *BatchHandler) RemoveImages(c *gin.Context) {
	var req ImageIDsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	batch, err := h.batches.RemoveImages(c.Request.Context(), c.Param("id"), req.ImageIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

// Upload handles POST /api/v1/batches/:id/upload.
func (h *BatchHandler) Upload(c *gin.Context) {
	uploads, ok := uploadsFromForm(c)
	if !ok {
		return
	}
	outcomes, batch, err := h.batches.UploadAndAdd(c.Request.Context(), c.Param("id"), uploads)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, UploadToBatchResponse{UploadResponse: newUploadResponse(outcomes), Batch: batch})
}

// Analyze handles POST /api/v1/batches/:id/analyze. An empty body clusters with the defaults.
func (h *BatchHandler) Analyze(c *gin.Context) {
	var req AnalyzeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
	}
	res, err := h.grouping.Analyze(c.Request.Context(), c.Param("id"), req.params(h.groupingDefaults))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// UpdateGroups handles PUT /api/v1/batches/:id/groups.
func (h *BatchHandler) UpdateGroups(c *gin.Context) {
	var req GroupsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	batch, err := h.batches.ManualGroupUpdate(c.Request.Context(), c.Param("id"), req.Groups)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

// RankGroup handles POST /api/v1/batches/:id/groups/rank.
func (h *BatchHandler) RankGroup(c *gin.Context) {
	var req RankRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.Metric == "" {
		req.Metric = h.defaultMetric
	}
	batch, err := h.ranking.RankGroup(c.Request.Context(), c.Param("id"), req.GroupLabel, req.Metric)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}
