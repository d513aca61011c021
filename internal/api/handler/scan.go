package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dealscan/hubspot-deals-etl/internal/domain"
	"github.com/dealscan/hubspot-deals-etl/internal/repository"
	"github.com/dealscan/hubspot-deals-etl/internal/service"
)

// ScanHandler exposes the scan lifecycle over HTTP.
type ScanHandler struct {
	scans *service.ScanService
}

// NewScanHandler creates a new scan handler.
// Parameters:
//   - scans: scan lifecycle service.
// Returns:
//   - *ScanHandler: initialized handler.
func NewScanHandler(scans *service.ScanService) *ScanHandler {
	return &ScanHandler{scans: scans}
}

// StartScanRequest is the POST /api/v1/scans request body.
type StartScanRequest struct {
	TenantID    string            `json:"tenant_id" binding:"required"`
	ScanType    string            `json:"scan_type"`
	AccessToken string            `json:"access_token" binding:"required"`
	Properties  []string          `json:"properties"`
	Archived    bool              `json:"archived"`
	BatchSize   int               `json:"batch_size"`
	Filters     map[string]string `json:"filters"`
}

// StartScan handles POST /api/v1/scans.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *ScanHandler) StartScan(c *gin.Context) {
	var req StartScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.scans.StartScan(c.Request.Context(), req.TenantID, domain.ScanType(req.ScanType), domain.ScanConfig{
		AccessToken: req.AccessToken,
		Properties:  req.Properties,
		Archived:    req.Archived,
		BatchSize:   req.BatchSize,
		Extra:       req.Filters,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, snapshot(job))
}

// GetStatus handles GET /api/v1/scans/:scanId.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *ScanHandler) GetStatus(c *gin.Context) {
	job, err := h.scans.GetStatus(c.Request.Context(), c.Param("scanId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot(job))
}

// Cancel handles POST /api/v1/scans/:scanId/cancel.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *ScanHandler) Cancel(c *gin.Context) {
	job, err := h.scans.Cancel(c.Request.Context(), c.Param("scanId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message": "cancellation requested",
		"scan_id": job.ScanID,
	})
}

// Remove handles DELETE /api/v1/scans/:scanId.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *ScanHandler) Remove(c *gin.Context) {
	deleted, err := h.scans.RemoveScan(c.Request.Context(), c.Param("scanId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// ListResults handles GET /api/v1/scans/:scanId/deals.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *ScanHandler) ListResults(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))

	filters := &repository.ListFilters{
		Pipeline:  c.Query("pipeline"),
		DealStage: c.Query("deal_stage"),
		Currency:  c.Query("currency"),
		Search:    c.Query("search"),
	}

	result, err := h.scans.ListResults(c.Request.Context(), c.Param("scanId"), page, pageSize, filters, c.Query("sort"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ScanSnapshot is the externally visible view of a scan job. Progress is -1
// while the total is still unknown.
type ScanSnapshot struct {
	ScanID         string  `json:"scan_id"`
	TenantID       string  `json:"tenant_id"`
	Status         string  `json:"status"`
	ScanType       string  `json:"scan_type"`
	TotalItems     int64   `json:"total_items"`
	ProcessedItems int64   `json:"processed_items"`
	FailedItems    int64   `json:"failed_items"`
	Progress       float64 `json:"progress"`
	SuccessRate    float64 `json:"success_rate"`
	ErrorDetail    string  `json:"error_detail,omitempty"`
	StartedAt      string  `json:"started_at,omitempty"`
	CompletedAt    string  `json:"completed_at,omitempty"`
}

func snapshot(job *domain.ScanJob) *ScanSnapshot {
	s := &ScanSnapshot{
		ScanID:         job.ScanID,
		TenantID:       job.TenantID,
		Status:         string(job.Status),
		ScanType:       string(job.ScanType),
		TotalItems:     job.TotalItems,
		ProcessedItems: job.ProcessedItems,
		FailedItems:    job.FailedItems,
		Progress:       job.Progress(),
		SuccessRate:    job.SuccessRate,
		ErrorDetail:    job.ErrorDetail,
	}
	if job.StartedAt != nil {
		s.StartedAt = job.StartedAt.Format("2006-01-02T15:04:05.000Z07:00")
	}
	if job.CompletedAt != nil {
		s.CompletedAt = job.CompletedAt.Format("2006-01-02T15:04:05.000Z07:00")
	}
	return s
}

// writeError maps the domain error taxonomy to HTTP status codes.
func writeError(c *gin.Context, err error) {
	var validationErr *domain.ValidationError
	var notFoundErr *domain.NotFoundError
	var conflictErr *domain.ConflictError

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validationErr):
		status = http.StatusBadRequest
	case errors.As(err, &notFoundErr):
		status = http.StatusNotFound
	case errors.As(err, &conflictErr):
		status = http.StatusConflict
	}

	c.JSON(status, gin.H{"error": err.Error()})
}
