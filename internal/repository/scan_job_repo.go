package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/dealscan/hubspot-deals-etl/internal/domain"
)

// ScanJobRepository handles scan job persistence and progress accounting.
type ScanJobRepository struct {
	db *gorm.DB
}

// NewScanJobRepository creates a new ScanJobRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *ScanJobRepository: repository instance bound to db.
func NewScanJobRepository(db *gorm.DB) *ScanJobRepository {
	return &ScanJobRepository{db: db}
}

// Create inserts a new scan job. The unique index on active_token rejects a
// second pending/running job for the same tenant; that violation surfaces as
// a ConflictError so callers can map it to an HTTP 409.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: scan job to persist.
// Returns:
//   - error: ConflictError on a duplicate active scan, otherwise the raw failure.
func (r *ScanJobRepository) Create(ctx context.Context, job *domain.ScanJob) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return &domain.ConflictError{Msg: "tenant " + job.TenantID + " already has an active scan"}
		}
		return &domain.PersistenceError{Op: "create scan job", Err: err}
	}
	return nil
}

// GetByID retrieves a scan job by its internal id.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: internal job id.
// Returns:
//   - *domain.ScanJob: job record if found.
//   - error: NotFoundError if absent.
func (r *ScanJobRepository) GetByID(ctx context.Context, id string) (*domain.ScanJob, error) {
	var job domain.ScanJob
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &domain.NotFoundError{Resource: "scan job", ID: id}
		}
		return nil, &domain.PersistenceError{Op: "get scan job", Err: err}
	}
	return &job, nil
}

// GetByScanID retrieves a scan job by its externally visible scan identifier.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - scanID: external scan identifier.
// Returns:
//   - *domain.ScanJob: job record if found.
//   - error: NotFoundError if absent.
func (r *ScanJobRepository) GetByScanID(ctx context.Context, scanID string) (*domain.ScanJob, error) {
	var job domain.ScanJob
	if err := r.db.WithContext(ctx).First(&job, "scan_id = ?", scanID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &domain.NotFoundError{Resource: "scan", ID: scanID}
		}
		return nil, &domain.PersistenceError{Op: "get scan job", Err: err}
	}
	return &job, nil
}

// Save persists the job's current state, including status transitions.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: job with updated fields.
// Returns:
//   - error: non-nil if the update fails.
func (r *ScanJobRepository) Save(ctx context.Context, job *domain.ScanJob) error {
	if err := r.db.WithContext(ctx).Save(job).Error; err != nil {
		return &domain.PersistenceError{Op: "save scan job", Err: err}
	}
	return nil
}

// RequestCancel marks cancellation intent on a non-terminal job. The flag is
// durable so any instance's extractor sees it at the next page boundary.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - scanID: external scan identifier.
// Returns:
//   - *domain.ScanJob: the job the request was recorded against.
//   - error: NotFoundError for unknown scans, ConflictError for terminal jobs.
func (r *ScanJobRepository) RequestCancel(ctx context.Context, scanID string) (*domain.ScanJob, error) {
	job, err := r.GetByScanID(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, &domain.ConflictError{Msg: "scan " + scanID + " is already " + string(job.Status)}
	}

	res := r.db.WithContext(ctx).Model(&domain.ScanJob{}).
		Where("id = ? AND status IN ?", job.ID, []domain.ScanStatus{domain.ScanStatusPending, domain.ScanStatusRunning}).
		Update("cancel_requested", true)
	if res.Error != nil {
		return nil, &domain.PersistenceError{Op: "request cancel", Err: res.Error}
	}
	if res.RowsAffected == 0 {
		// Lost the race against a terminal transition.
		return nil, &domain.ConflictError{Msg: "scan " + scanID + " already finished"}
	}
	job.CancelRequested = true
	return job, nil
}

// IsCancelRequested reloads the durable cancellation flag for a job.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: internal job id.
// Returns:
//   - bool: true when cancellation was requested.
//   - error: non-nil if the lookup fails.
func (r *ScanJobRepository) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	var requested bool
	if err := r.db.WithContext(ctx).Model(&domain.ScanJob{}).
		Where("id = ?", jobID).
		Pluck("cancel_requested", &requested).Error; err != nil {
		return false, &domain.PersistenceError{Op: "check cancel flag", Err: err}
	}
	return requested, nil
}

// LastCompletedAt returns the completion time of the tenant's most recent
// successful scan, used to compute the modified-since bound of incremental
// scans. Nil when the tenant has no completed scan yet.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - tenantID: tenant identifier.
// Returns:
//   - *time.Time: completion time of the latest completed scan, or nil.
//   - error: non-nil if the query fails.
func (r *ScanJobRepository) LastCompletedAt(ctx context.Context, tenantID string) (*time.Time, error) {
	var job domain.ScanJob
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantID, domain.ScanStatusCompleted).
		Order("completed_at DESC").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, &domain.PersistenceError{Op: "last completed scan", Err: err}
	}
	return job.CompletedAt, nil
}

// HasActiveScan reports whether the tenant has a pending or running job.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - tenantID: tenant identifier.
// Returns:
//   - bool: true when an active job exists.
//   - error: non-nil if the query fails.
func (r *ScanJobRepository) HasActiveScan(ctx context.Context, tenantID string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.ScanJob{}).
		Where("tenant_id = ? AND status IN ?", tenantID,
			[]domain.ScanStatus{domain.ScanStatusPending, domain.ScanStatusRunning}).
		Count(&count).Error; err != nil {
		return false, &domain.PersistenceError{Op: "count active scans", Err: err}
	}
	return count > 0, nil
}

// Delete removes a scan job and, through the foreign key, every deal record
// it owns.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - scanID: external scan identifier.
// Returns:
//   - int64: number of rows removed (owned records plus the job itself).
//   - error: NotFoundError for unknown scans.
func (r *ScanJobRepository) Delete(ctx context.Context, scanID string) (int64, error) {
	job, err := r.GetByScanID(ctx, scanID)
	if err != nil {
		return 0, err
	}

	var deleted int64
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var records int64
		if err := tx.Model(&domain.DealRecord{}).
			Where("scan_job_id = ?", job.ID).
			Count(&records).Error; err != nil {
			return err
		}
		if err := tx.Delete(&domain.ScanJob{}, "id = ?", job.ID).Error; err != nil {
			return err
		}
		deleted = records + 1
		return nil
	})
	if err != nil {
		return 0, &domain.PersistenceError{Op: "delete scan job", Err: err}
	}
	return deleted, nil
}
