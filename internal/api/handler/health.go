package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	db *gorm.DB
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(db *gorm.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

// Health returns the health status of the service, including database
// reachability.
func (h *HealthHandler) Health(c *gin.Context) {
	overall := "ok"
	dbStatus := "ok"
	status := http.StatusOK

	if sqlDB, err := h.db.DB(); err != nil {
		overall, dbStatus = "degraded", err.Error()
		status = http.StatusServiceUnavailable
	} else if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		overall, dbStatus = "degraded", err.Error()
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":   overall,
		"database": dbStatus,
	})
}
