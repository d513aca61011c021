package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dealscan/hubspot-deals-etl/internal/config"
	"github.com/dealscan/hubspot-deals-etl/internal/domain"
	"github.com/dealscan/hubspot-deals-etl/internal/hubspot"
	"github.com/dealscan/hubspot-deals-etl/internal/logger"
	"github.com/dealscan/hubspot-deals-etl/internal/repository"
	"github.com/dealscan/hubspot-deals-etl/internal/service"
)

func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "deals-etl-scan",
	})
	logger.SetDefaultLogger(appLogger)

	// Parse command line flags
	tenantID := flag.String("tenant-id", "", "Tenant the scan belongs to")
	scanType := flag.String("scan-type", "full", "Scan type: full or incremental")
	batchSize := flag.Int("batch-size", 0, "Deals per CRM page (0 uses the configured default)")
	properties := flag.String("properties", "", "Comma-separated deal properties to request")
	archived := flag.Bool("archived", false, "Include archived deals")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	if *tenantID == "" {
		appLogger.Fatal("--tenant-id is required")
	}
	accessToken := os.Getenv("HUBSPOT_ACCESS_TOKEN")
	if accessToken == "" {
		appLogger.Fatal("HUBSPOT_ACCESS_TOKEN environment variable is required")
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	appLogger.WithFields(logger.Fields{
		"tenant_id":  *tenantID,
		"scan_type":  *scanType,
		"batch_size": *batchSize,
	}).Info("Starting scan")

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

	// Initialize repositories and services
	jobRepo := repository.NewScanJobRepository(db)
	dealRepo := repository.NewDealRepository(db)
	limiter := hubspot.NewRateLimiter(&cfg.HubSpot.Rate)
	extractor := service.NewExtractor(cfg, jobRepo, dealRepo, limiter)
	scans := service.NewScanService(cfg, jobRepo, dealRepo, extractor, appLogger)

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, canceling...")
		cancel()
	}()

	scanCfg := domain.ScanConfig{
		AccessToken: accessToken,
		Archived:    *archived,
		BatchSize:   *batchSize,
	}
	if *properties != "" {
		for _, p := range strings.Split(*properties, ",") {
			if p = strings.TrimSpace(p); p != "" {
				scanCfg.Properties = append(scanCfg.Properties, p)
			}
		}
	}

	// Run the scan synchronously
	job, err := scans.RunScan(ctx, *tenantID, domain.ScanType(*scanType), scanCfg)
	if err != nil {
		if job != nil {
			appLogger.WithError(err).WithFields(logger.Fields{
				"scan_id":   job.ScanID,
				"status":    string(job.Status),
				"processed": job.ProcessedItems,
				"failed":    job.FailedItems,
			}).Error("Scan did not complete")
		} else {
			appLogger.WithError(err).Error("Failed to start scan")
		}
		os.Exit(1)
	}

	appLogger.WithFields(logger.Fields{
		"scan_id":      job.ScanID,
		"status":       string(job.Status),
		"total":        job.TotalItems,
		"processed":    job.ProcessedItems,
		"failed":       job.FailedItems,
		"success_rate": job.SuccessRate,
	}).Info("Scan finished")
}
