package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dealscan/hubspot-deals-etl/internal/api"
	"github.com/dealscan/hubspot-deals-etl/internal/config"
	"github.com/dealscan/hubspot-deals-etl/internal/hubspot"
	"github.com/dealscan/hubspot-deals-etl/internal/logger"
	"github.com/dealscan/hubspot-deals-etl/internal/repository"
	"github.com/dealscan/hubspot-deals-etl/internal/service"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	appLogger := logger.New(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "deals-etl-api",
		LogFile:     cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
		Compress:    cfg.Log.Compress,
	})
	logger.SetDefaultLogger(appLogger)

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}
	if cfg.Database.AutoMigrate {
		if err := repository.Migrate(db); err != nil {
			appLogger.WithError(err).Fatal("Failed to run migrations")
		}
	}

	// Initialize repositories
	jobRepo := repository.NewScanJobRepository(db)
	dealRepo := repository.NewDealRepository(db)

	// Initialize services
	limiter := hubspot.NewRateLimiter(&cfg.HubSpot.Rate)
	extractor := service.NewExtractor(cfg, jobRepo, dealRepo, limiter)
	scans := service.NewScanService(cfg, jobRepo, dealRepo, extractor, appLogger)

	// Setup router
	router := api.SetupRouter(&cfg.Server, scans, db, appLogger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}

	// Stop in-flight scans; they persist their state before exiting.
	if err := scans.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Warn("Timed out waiting for scans to stop")
	}

	appLogger.Info("Server exited")
}
