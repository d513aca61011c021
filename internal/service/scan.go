package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dealscan/hubspot-deals-etl/internal/config"
	"github.com/dealscan/hubspot-deals-etl/internal/domain"
	"github.com/dealscan/hubspot-deals-etl/internal/logger"
	"github.com/dealscan/hubspot-deals-etl/internal/repository"
)

// modifiedSinceFilter is the provider filter key used to bound incremental
// scans to deals modified after the tenant's last successful extraction.
const modifiedSinceFilter = "hs_lastmodifieddate__gte"

// ScanService exposes the scan lifecycle operations consumed by the API
// layer: start, status, cancel, remove, and result listing. Each started scan
// runs as one independent goroutine owning its job.
type ScanService struct {
	cfg       *config.Config
	jobs      *repository.ScanJobRepository
	deals     *repository.DealRepository
	extractor *Extractor
	logger    *logger.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc // job id -> scan context cancel
	wg      sync.WaitGroup
}

// NewScanService creates the scan lifecycle service.
// Parameters:
//   - cfg: service configuration.
//   - jobs: scan job repository.
//   - deals: deal record repository.
//   - extractor: scan orchestrator used for started jobs.
//   - log: base logger.
// Returns:
//   - *ScanService: initialized service.
func NewScanService(cfg *config.Config, jobs *repository.ScanJobRepository, deals *repository.DealRepository, extractor *Extractor, log *logger.Logger) *ScanService {
	return &ScanService{
		cfg:       cfg,
		jobs:      jobs,
		deals:     deals,
		extractor: extractor,
		logger:    log,
		running:   make(map[string]context.CancelFunc),
	}
}

// StartScan validates the request, registers a pending job, and launches its
// extractor. A tenant with an already-active scan is rejected with a
// ConflictError; the unique active-token index makes the check hold across
// service instances, not just in-process.
// Parameters:
//   - ctx: context for the registration (not the scan itself).
//   - tenantID: tenant the scan belongs to.
//   - scanType: full or incremental.
//   - scanCfg: scan configuration including the CRM access token.
// Returns:
//   - *domain.ScanJob: detached snapshot of the created job in pending status.
//   - error: ValidationError or ConflictError on bad input or duplicate scans.
func (s *ScanService) StartScan(ctx context.Context, tenantID string, scanType domain.ScanType, scanCfg domain.ScanConfig) (*domain.ScanJob, error) {
	job, err := s.register(ctx, tenantID, scanType, scanCfg)
	if err != nil {
		return nil, err
	}

	// The launched goroutine owns job exclusively from here on; the caller
	// gets a detached pending-state snapshot so reading it never races with
	// the extractor's mutations.
	view := *job
	s.launch(job)

	return &view, nil
}

// RunScan registers a scan like StartScan but runs the extractor on the
// calling goroutine, returning once the job reaches a terminal state. Used
// by the one-shot CLI.
// Parameters:
//   - ctx: context governing the whole scan; cancellation is cooperative.
//   - tenantID: tenant the scan belongs to.
//   - scanType: full or incremental.
//   - scanCfg: scan configuration including the CRM access token.
// Returns:
//   - *domain.ScanJob: the job in its terminal state.
//   - error: registration errors, or the failure that ended the scan.
func (s *ScanService) RunScan(ctx context.Context, tenantID string, scanType domain.ScanType, scanCfg domain.ScanConfig) (*domain.ScanJob, error) {
	job, err := s.register(ctx, tenantID, scanType, scanCfg)
	if err != nil {
		return nil, err
	}
	return job, s.extractor.Run(s.logger.WithContext(ctx), job)
}

func (s *ScanService) register(ctx context.Context, tenantID string, scanType domain.ScanType, scanCfg domain.ScanConfig) (*domain.ScanJob, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, &domain.ValidationError{Msg: "tenant id is required"}
	}
	if strings.TrimSpace(scanCfg.AccessToken) == "" {
		return nil, &domain.ValidationError{Msg: "access token is required"}
	}
	switch scanType {
	case domain.ScanTypeFull, domain.ScanTypeIncremental:
	case "":
		scanType = domain.ScanTypeFull
	default:
		return nil, &domain.ValidationError{Msg: fmt.Sprintf("unknown scan type %q", scanType)}
	}
	if scanCfg.BatchSize < 0 {
		return nil, &domain.ValidationError{Msg: "batch size must not be negative"}
	}
	if scanCfg.BatchSize == 0 {
		scanCfg.BatchSize = s.cfg.Scan.BatchSize
	}

	// Friendlier error than the constraint violation; the constraint remains
	// the authority under races.
	if active, err := s.jobs.HasActiveScan(ctx, tenantID); err != nil {
		return nil, err
	} else if active {
		return nil, &domain.ConflictError{Msg: "tenant " + tenantID + " already has an active scan"}
	}

	if scanType == domain.ScanTypeIncremental {
		since, err := s.jobs.LastCompletedAt(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if since != nil {
			if scanCfg.Extra == nil {
				scanCfg.Extra = make(map[string]string)
			}
			scanCfg.Extra[modifiedSinceFilter] = strconv.FormatInt(since.UnixMilli(), 10)
		}
	}

	now := time.Now().UTC()
	tenant := tenantID
	job := &domain.ScanJob{
		ID:          uuid.New().String(),
		ScanID:      newScanID(now),
		TenantID:    tenantID,
		Status:      domain.ScanStatusPending,
		ScanType:    scanType,
		Config:      scanCfg,
		ActiveToken: &tenant,
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	return job, nil
}

// launch runs the extractor for a freshly created job in its own goroutine,
// detached from the caller's request context.
func (s *ScanService) launch(job *domain.ScanJob) {
	scanCtx, cancel := context.WithCancel(context.Background())
	scanCtx = s.logger.WithContext(scanCtx)

	s.mu.Lock()
	s.running[job.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, job.ID)
			s.mu.Unlock()
			cancel()
		}()
		// Run owns the terminal transition; the error is already recorded
		// on the job, nothing to do with it here.
		_ = s.extractor.Run(scanCtx, job)
	}()
}

// GetStatus returns a snapshot of the scan job for the given scan identifier.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - scanID: external scan identifier.
// Returns:
//   - *domain.ScanJob: current job snapshot.
//   - error: NotFoundError for unknown scans.
func (s *ScanService) GetStatus(ctx context.Context, scanID string) (*domain.ScanJob, error) {
	return s.jobs.GetByScanID(ctx, scanID)
}

// Cancel requests cooperative cancellation of an active scan. The durable
// flag is honored by any instance's extractor at the next page boundary; when
// this instance owns the scan, its run context is cancelled as well so an
// in-flight page fetch is interrupted instead of waited out. An already
// fetched page is still persisted first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - scanID: external scan identifier.
// Returns:
//   - *domain.ScanJob: the job the cancellation was recorded against.
//   - error: NotFoundError for unknown scans, ConflictError for terminal jobs.
func (s *ScanService) Cancel(ctx context.Context, scanID string) (*domain.ScanJob, error) {
	job, err := s.jobs.RequestCancel(ctx, scanID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if cancel, ok := s.running[job.ID]; ok {
		cancel()
	}
	s.mu.Unlock()

	return job, nil
}

// RemoveScan deletes a terminal scan job and all records it owns.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - scanID: external scan identifier.
// Returns:
//   - int64: number of rows removed.
//   - error: NotFoundError for unknown scans, ConflictError while the scan is
//     still active.
func (s *ScanService) RemoveScan(ctx context.Context, scanID string) (int64, error) {
	job, err := s.jobs.GetByScanID(ctx, scanID)
	if err != nil {
		return 0, err
	}
	if !job.Status.Terminal() {
		return 0, &domain.ConflictError{Msg: "scan " + scanID + " is still active; cancel it first"}
	}
	return s.jobs.Delete(ctx, scanID)
}

// ListResults returns one page of a completed scan's deal records. Listing a
// scan that has not completed is a conflict, not an empty page.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - scanID: external scan identifier.
//   - page: 1-based page number.
//   - pageSize: records per page.
//   - filters: optional narrowing filters.
//   - sort: sort expression, "column" or "column:desc".
// Returns:
//   - *repository.ResultPage: records plus total count.
//   - error: NotFoundError, ConflictError, or ValidationError.
func (s *ScanService) ListResults(ctx context.Context, scanID string, page, pageSize int, filters *repository.ListFilters, sort string) (*repository.ResultPage, error) {
	job, err := s.jobs.GetByScanID(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.ScanStatusCompleted {
		return nil, &domain.ConflictError{Msg: "scan " + scanID + " is " + string(job.Status) + ", results are available once completed"}
	}
	return s.deals.ListByJob(ctx, job.ID, page, pageSize, filters, sort)
}

// Shutdown cancels all in-flight scans and waits for their extractors to
// reach a terminal state or the context to end.
// Parameters:
//   - ctx: bound on how long to wait for extractors to finish.
// Returns:
//   - error: ctx.Err() when the wait was cut short.
func (s *ScanService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newScanID builds the externally visible scan identifier: human-readable,
// time-ordered, with a short random suffix for uniqueness within a second.
func newScanID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:4]
	return fmt.Sprintf("scan_%s_%s", now.Format("20060102_150405"), suffix)
}
