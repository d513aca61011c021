package api

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/dealscan/hubspot-deals-etl/internal/api/handler"
	"github.com/dealscan/hubspot-deals-etl/internal/api/middleware"
	"github.com/dealscan/hubspot-deals-etl/internal/config"
	"github.com/dealscan/hubspot-deals-etl/internal/logger"
	"github.com/dealscan/hubspot-deals-etl/internal/metrics"
	"github.com/dealscan/hubspot-deals-etl/internal/service"
)

// SetupRouter configures the Gin router with all routes
func SetupRouter(
	cfg *config.ServerConfig,
	scans *service.ScanService,
	db *gorm.DB,
	log *logger.Logger,
) *gin.Engine {
	// Set Gin mode
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(log))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.CORS.AllowAllOrigins,
	}))

	// Create handlers
	healthHandler := handler.NewHealthHandler(db)
	scanHandler := handler.NewScanHandler(scans)

	// Health check and metrics stay outside the API key check
	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// API v1 routes
	v1 := r.Group("/api/v1")
	v1.Use(middleware.APIKey(cfg.APIKey))
	{
		v1.POST("/scans", scanHandler.StartScan)
		v1.GET("/scans/:scanId", scanHandler.GetStatus)
		v1.POST("/scans/:scanId/cancel", scanHandler.Cancel)
		v1.DELETE("/scans/:scanId", scanHandler.Remove)
		v1.GET("/scans/:scanId/deals", scanHandler.ListResults)
	}

	return r
}
