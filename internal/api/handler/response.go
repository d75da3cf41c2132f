package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/api/middleware"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/domain"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/logger"
	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error      string   `json:"error"`
	Category   string   `json:"category,omitempty"`
	IDs        []string `json:"ids,omitempty"`
	Missing    []string `json:"missing,omitempty"`
	Extraneous []string `json:"extraneous,omitempty"`
	Duplicated []string `json:"duplicated,omitempty"`
	RequestID  string   `json:"request_id,omitempty"`
}

// ListResponse wraps one page of a collection.
type ListResponse[T any] struct {
	Items  []T   `json:"items"`
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// statusFor maps an error category onto an HTTP status.
func statusFor(err error) int {
	switch domain.CategoryOf(err) {
	case domain.CategoryNotFound:
		return http.StatusNotFound
	case domain.CategoryValidation:
		return http.StatusUnprocessableEntity
	case domain.CategoryProcessing:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with the status its category maps to.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	body := ErrorResponse{
		Error:     err.Error(),
		Category:  string(domain.CategoryOf(err)),
		RequestID: logger.GetRequestID(c.Request.Context()),
	}

	var verr *domain.ValidationError
	var nferr *domain.NotFoundError
	switch {
	case errors.As(err, &verr):
		body.IDs = verr.IDs
		body.Missing = verr.Missing
		body.Extraneous = verr.Extraneous
		body.Duplicated = verr.Duplicated
	case errors.As(err, &nferr):
		body.IDs = nferr.IDs
	}

	log := middleware.GetLogger(c).WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed")
	} else {
		log.Debug("Request rejected")
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, body)
}

// badRequest reports a malformed request body or query.
func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Error:     msg,
		RequestID: logger.GetRequestID(c.Request.Context()),
	})
}

// pagination reads limit and offset, clamping them to sane bounds.
func pagination(c *gin.Context) (int, int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if err != nil || limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}
