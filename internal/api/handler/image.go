package handler

import (
	"io"
	"net/http"
	"strconv"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/domain"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/service"
	"github.com/gin-gonic/gin"
)

// UploadFormField is the multipart field holding uploaded files.
const UploadFormField = "files"

// ImageHandler serves /api/v1/images.
type ImageHandler struct {
	ingest        *service.IngestService
	ranking       *service.RankingService
	defaultMetric string
}

// NewImageHandler creates an ImageHandler. defaultMetric is used when a quality
// request names no metric.
func NewImageHandler(ingest *service.IngestService, ranking *service.RankingService, defaultMetric string) *ImageHandler {
	return &ImageHandler{ingest: ingest, ranking: ranking, defaultMetric: defaultMetric}
}

// UploadResponse reports every file of a multi-file upload.
type UploadResponse struct {
	Results    []service.UploadOutcome `json:"results"`
	Created    int                     `json:"created"`
	Duplicates int                     `json:"duplicates"`
	Failed     int                     `json:"failed"`
}

func newUploadResponse(outcomes []service.UploadOutcome) UploadResponse {
	resp := UploadResponse{Results: outcomes}
	for _, o := range outcomes {
		switch {
		case o.Error != "":
			resp.Failed++
		case o.IsDuplicate:
			resp.Duplicates++
		default:
			resp.Created++
		}
	}
	return resp
}

// uploadsFromForm turns the multipart files field into service uploads.
func uploadsFromForm(c *gin.Context) ([]service.Upload, bool) {
	form, err := c.MultipartForm()
	if err != nil {
		badRequest(c, "expected a multipart form: "+err.Error())
		return nil, false
	}
	files := form.File[UploadFormField]
	if len(files) == 0 {
		badRequest(c, "no files in field \""+UploadFormField+"\"")
		return nil, false
	}
	uploads := make([]service.Upload, len(files))
	for i, fh := range files {
		fh := fh
		uploads[i] = service.Upload{
			Name:     fh.Filename,
			MimeType: fh.Header.Get("Content-Type"),
			Size:     fh.Size,
			Open:     func() (io.ReadCloser, error) { return fh.Open() },
		}
	}
	return uploads, true
}

// Upload handles POST /api/v1/images. Duplicates are reported, not rejected.
func (h *ImageHandler) Upload(c *gin.Context) {
	uploads, ok := uploadsFromForm(c)
	if !ok {
		return
	}
	outcomes := h.ingest.IngestMany(c.Request.Context(), uploads)
	c.JSON(http.StatusOK, newUploadResponse(outcomes))
}

// List handles GET /api/v1/images.
func (h *ImageHandler) List(c *gin.Context) {
	limit, offset := pagination(c)
	views, total, err := h.ingest.List(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ListResponse[domain.ImageView]{Items: views, Total: total, Limit: limit, Offset: offset})
}

// Get handles GET /api/v1/images/:id.
func (h *ImageHandler) Get(c *gin.Context) {
	view, err := h.ingest.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// File handles GET /api/v1/images/:id/file.
func (h *ImageHandler) File(c *gin.Context) {
	h.stream(c, false)
}

// Thumbnail handles GET /api/v1/images/:id/thumbnail.
func (h *ImageHandler) Thumbnail(c *gin.Context) {
	h.stream(c, true)
}

func (h *ImageHandler) stream(c *gin.Context, thumbnail bool) {
	rc, contentType, err := h.ingest.Open(c.Request.Context(), c.Param("id"), thumbnail)
	if err != nil {
		respondError(c, err)
		return
	}
	defer rc.Close()
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.DataFromReader(http.StatusOK, -1, contentType, rc, nil)
}

// Similar handles GET /api/v1/images/:id/similar?top_k=N.
func (h *ImageHandler) Similar(c *gin.Context) {
	topK, err := strconv.Atoi(c.DefaultQuery("top_k", "10"))
	if err != nil || topK <= 0 || topK > maxPageSize {
		badRequest(c, "top_k must be between 1 and 100")
		return
	}
	hits, err := h.ingest.Similar(c.Request.Context(), c.Param("id"), topK)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": hits})
}

// QualityRequest is the body of POST /api/v1/images/:id/quality.
type QualityRequest struct {
	Metric string `json:"metric"`
	Force  bool   `json:"force"`
}

// Quality handles POST /api/v1/images/:id/quality. An empty body uses the default metric.
func (h *ImageHandler) Quality(c *gin.Context) {
	var req QualityRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
	}
	if req.Metric == "" {
		req.Metric = h.defaultMetric
	}
	res, err := h.ranking.AnalyzeQuality(c.Request.Context(), c.Param("id"), req.Metric, req.Force)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// BulkQualityRequest is the body of POST /api/v1/images/quality/batch.
type BulkQualityRequest struct {
	ImageIDs []string `json:"image_ids" binding:"required,min=1"`
	Metric   string   `json:"metric"`
	Force    bool     `json:"force"`
}

// BulkQualityResponse reports per-image scores and failures.
type BulkQualityResponse struct {
	Results  []service.QualityOutcome `json:"results"`
	Analyzed int                      `json:"analyzed"`
	Failed   int                      `json:"failed"`
}

// BulkQuality handles POST /api/v1/images/quality/batch.
func (h *ImageHandler) BulkQuality(c *gin.Context) {
	var req BulkQualityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.Metric == "" {
		req.Metric = h.defaultMetric
	}
	outcomes, err := h.ranking.AnalyzeQualityMany(c.Request.Context(), req.ImageIDs, req.Metric, req.Force)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := BulkQualityResponse{Results: outcomes}
	for _, o := range outcomes {
		if o.Error != "" {
			resp.Failed++
		} else {
			resp.Analyzed++
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Delete handles DELETE /api/v1/images/:id.
func (h *ImageHandler) Delete(c *gin.Context) {
	if err := h.ingest.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
