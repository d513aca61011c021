package service

import (
	"context"
	"errors"
	"time"

	"github.com/dealscan/hubspot-deals-etl/internal/config"
	"github.com/dealscan/hubspot-deals-etl/internal/domain"
	"github.com/dealscan/hubspot-deals-etl/internal/hubspot"
	"github.com/dealscan/hubspot-deals-etl/internal/logger"
	"github.com/dealscan/hubspot-deals-etl/internal/metrics"
	"github.com/dealscan/hubspot-deals-etl/internal/normalizer"
	"github.com/dealscan/hubspot-deals-etl/internal/repository"
)

// Extractor drives one scan job through the CRM: page through the listing
// endpoint, normalize, persist, advance progress, honor cancellation. Exactly
// one Extractor invocation owns a job while it is active; page fetch,
// normalize, and persist are strictly sequential because the next page
// depends on the cursor the previous one returned.
type Extractor struct {
	cfg     *config.Config
	jobs    *repository.ScanJobRepository
	deals   *repository.DealRepository
	limiter *hubspot.RateLimiter
}

// NewExtractor creates a scan orchestrator.
// Parameters:
//   - cfg: service configuration.
//   - jobs: scan job repository.
//   - deals: deal record repository (the persister).
//   - limiter: shared CRM rate limiter.
// Returns:
//   - *Extractor: initialized orchestrator.
func NewExtractor(cfg *config.Config, jobs *repository.ScanJobRepository, deals *repository.DealRepository, limiter *hubspot.RateLimiter) *Extractor {
	return &Extractor{
		cfg:     cfg,
		jobs:    jobs,
		deals:   deals,
		limiter: limiter,
	}
}

// Run executes the scan loop for one job until exhaustion, fatal error, or
// cancellation, and leaves the job in the matching terminal state. Progress
// is durable per page: a fatal error never rolls back batches that already
// committed.
// Parameters:
//   - ctx: context for the whole scan; cancellation is honored at page boundaries.
//   - job: the pending scan job to execute; mutated in place.
// Returns:
//   - error: the fatal error when the job failed, nil for completed or cancelled.
func (e *Extractor) Run(ctx context.Context, job *domain.ScanJob) error {
	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldScanID:    job.ScanID,
		logger.FieldJobID:     job.ID,
		logger.FieldTenantID:  job.TenantID,
		logger.FieldComponent: "extractor",
	})

	started := time.Now()
	metrics.ScansStarted.WithLabelValues(string(job.ScanType)).Inc()

	// Cancellation can arrive before the first iteration. A flag read error
	// here is tolerated; the in-loop check repeats it once the job is running.
	if cancelled, err := e.cancelRequested(ctx, job); err == nil && cancelled {
		return e.cancel(ctx, job, started)
	}

	if err := job.Start(time.Now().UTC()); err != nil {
		return err
	}
	if err := e.jobs.Save(ctx, job); err != nil {
		return err
	}

	client := hubspot.NewClient(&e.cfg.HubSpot, e.limiter, job.Config.AccessToken)
	if err := client.VerifyCredentials(ctx); err != nil {
		return e.fail(ctx, job, err)
	}

	sc := &normalizer.ScanContext{
		TenantID:    job.TenantID,
		ScanID:      job.ScanID,
		ScanJobID:   job.ID,
		ExtractedAt: time.Now().UTC(),
	}

	properties := job.Config.Properties
	if len(properties) == 0 {
		properties = e.cfg.Scan.Properties
	}
	batchSize := job.Config.BatchSize
	if batchSize <= 0 {
		batchSize = e.cfg.Scan.BatchSize
	}
	checkpoint := e.cfg.Scan.CheckpointInterval
	if checkpoint <= 0 {
		checkpoint = 50
	}

	cursor := ""
	pageNum := 0
	lastCheckpoint := int64(0)

	for {
		if cancelled, err := e.cancelRequested(ctx, job); err != nil {
			return e.fail(ctx, job, err)
		} else if cancelled {
			return e.cancel(ctx, job, started)
		}

		page, err := client.FetchPage(ctx, &hubspot.PageRequest{
			Cursor:     cursor,
			Properties: properties,
			Archived:   job.Config.Archived,
			PageSize:   batchSize,
			Filters:    job.Config.Extra,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return e.cancel(ctx, job, started)
			}
			return e.fail(ctx, job, err)
		}

		pageNum++
		metrics.PagesFetched.Inc()

		records := make([]*domain.DealRecord, 0, len(page.Results))
		failedExtra := 0
		for i := range page.Results {
			record, err := normalizer.Normalize(&page.Results[i], sc)
			if err != nil {
				if domain.IsFatalScanError(err) {
					return e.fail(ctx, job, err)
				}
				failedExtra++
				logger.FromContext(ctx).WithFields(logger.Fields{
					logger.FieldPage: pageNum,
				}).WithError(err).Warn("Skipping unusable record")
				continue
			}
			records = append(records, record)
		}

		// An already-fetched page is always persisted and accounted for,
		// even when cancellation arrived while it was in flight.
		if len(records) > 0 || failedExtra > 0 {
			result, err := e.deals.PersistBatch(ctx, job, records, failedExtra)
			if err != nil {
				return e.fail(ctx, job, err)
			}
			metrics.Records.WithLabelValues(metrics.OutcomeProcessed).Add(float64(result.Inserted))
			metrics.Records.WithLabelValues(metrics.OutcomeFailed).Add(float64(result.Failed + failedExtra))
		}

		if job.ProcessedItems-lastCheckpoint >= int64(checkpoint) {
			lastCheckpoint = job.ProcessedItems
			logger.FromContext(ctx).WithFields(logger.Fields{
				logger.FieldPage:  pageNum,
				logger.FieldCount: job.ProcessedItems,
			}).Info("Extraction checkpoint")
		}

		if page.NextCursor == "" {
			return e.complete(ctx, job, started)
		}
		cursor = page.NextCursor
	}
}

// cancelRequested checks both the run context and the durable cancellation
// flag. Polled at page boundaries only: cancellation is cooperative, not
// preemptive.
func (e *Extractor) cancelRequested(ctx context.Context, job *domain.ScanJob) (bool, error) {
	if ctx.Err() != nil {
		return true, nil
	}
	return e.jobs.IsCancelRequested(context.WithoutCancel(ctx), job.ID)
}

func (e *Extractor) complete(ctx context.Context, job *domain.ScanJob, started time.Time) error {
	if err := job.Complete(time.Now().UTC()); err != nil {
		return err
	}
	if err := e.jobs.Save(context.WithoutCancel(ctx), job); err != nil {
		return err
	}
	e.observeFinish(job, started)
	logger.FromContext(ctx).WithFields(logger.Fields{
		"total":     job.TotalItems,
		"processed": job.ProcessedItems,
		"failed":    job.FailedItems,
	}).Info("Scan completed")
	return nil
}

func (e *Extractor) cancel(ctx context.Context, job *domain.ScanJob, started time.Time) error {
	if err := job.Cancel(time.Now().UTC()); err != nil {
		return err
	}
	if err := e.jobs.Save(context.WithoutCancel(ctx), job); err != nil {
		return err
	}
	e.observeFinish(job, started)
	logger.FromContext(ctx).WithFields(logger.Fields{
		"processed": job.ProcessedItems,
		"failed":    job.FailedItems,
	}).Info("Scan cancelled")
	return nil
}

// fail transitions the job to failed with the fatal error captured verbatim.
// Batches committed before the failure stay committed.
func (e *Extractor) fail(ctx context.Context, job *domain.ScanJob, cause error) error {
	started := time.Now()
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	if err := job.Fail(time.Now().UTC(), cause.Error()); err != nil {
		return err
	}
	if err := e.jobs.Save(context.WithoutCancel(ctx), job); err != nil {
		return err
	}
	e.observeFinish(job, started)
	logger.FromContext(ctx).WithError(cause).Error("Scan failed")
	return cause
}

func (e *Extractor) observeFinish(job *domain.ScanJob, started time.Time) {
	metrics.ScansFinished.WithLabelValues(string(job.Status)).Inc()
	metrics.ScanDuration.Observe(time.Since(started).Seconds())
}
