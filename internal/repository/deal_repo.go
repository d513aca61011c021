package repository

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dealscan/hubspot-deals-etl/internal/domain"
)

// DealRepository handles deal record persistence. It is the Persister of the
// extraction pipeline: each PersistBatch call is one atomic transaction that
// writes a page's records and advances the owning job's counters together.
type DealRepository struct {
	db *gorm.DB
}

// NewDealRepository creates a new DealRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *DealRepository: repository instance bound to db.
func NewDealRepository(db *gorm.DB) *DealRepository {
	return &DealRepository{db: db}
}

// BatchResult summarises one persisted batch.
type BatchResult struct {
	Inserted int
	Failed   int
}

// PersistBatch upserts one page's records and advances the job's counters in
// a single transaction. Upserts are keyed by (tenant_id, deal_id), so
// re-persisting the same page after a crash converges to the same end state.
// A constraint violation on an individual record excludes that record and
// counts it as failed while the rest of the batch still commits; failedExtra
// carries records of the same page that already failed before persistence
// (normalization failures) so the page is accounted for atomically.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: owning scan job; counters are advanced in-place on success.
//   - records: normalized rows of the page.
//   - failedExtra: page records that failed before reaching the persister.
// Returns:
//   - *BatchResult: inserted and failed counts for the persisted records.
//   - error: PersistenceError when the transaction itself fails; the batch is
//     then not accounted for at all.
func (r *DealRepository) PersistBatch(ctx context.Context, job *domain.ScanJob, records []*domain.DealRecord, failedExtra int) (*BatchResult, error) {
	result := &BatchResult{}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, record := range records {
			sp := fmt.Sprintf("sp_record_%d", i)
			if err := tx.SavePoint(sp).Error; err != nil {
				return err
			}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "deal_id"}},
				UpdateAll: true,
			}).Create(record).Error
			if err != nil {
				if err := tx.RollbackTo(sp).Error; err != nil {
					return err
				}
				result.Failed++
				continue
			}
			result.Inserted++
		}

		processed := int64(result.Inserted)
		failed := int64(result.Failed + failedExtra)
		total := processed + failed

		return tx.Model(&domain.ScanJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"total_items":     gorm.Expr("total_items + ?", total),
				"processed_items": gorm.Expr("processed_items + ?", processed),
				"failed_items":    gorm.Expr("failed_items + ?", failed),
			}).Error
	})
	if err != nil {
		return nil, &domain.PersistenceError{Op: "persist batch", Err: err}
	}

	job.ProcessedItems += int64(result.Inserted)
	job.FailedItems += int64(result.Failed + failedExtra)
	job.TotalItems += int64(result.Inserted + result.Failed + failedExtra)

	return result, nil
}

// ListFilters narrows a result listing.
type ListFilters struct {
	Pipeline  string
	DealStage string
	Currency  string
	// Search matches a substring of the deal name.
	Search string
}

// ResultPage is one page of deal records plus the total match count.
type ResultPage struct {
	Items    []domain.DealRecord `json:"items"`
	Total    int64               `json:"total"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
}

// sortColumns whitelists sortable columns so the sort parameter can never
// inject SQL.
var sortColumns = map[string]string{
	"extracted_at": "extracted_at",
	"amount":       "amount",
	"deal_name":    "deal_name",
	"close_date":   "close_date",
	"create_date":  "create_date",
	"deal_stage":   "deal_stage",
}

// ListByJob returns one page of a completed scan's records.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: internal id of the owning scan job.
//   - page: 1-based page number.
//   - pageSize: records per page.
//   - filters: optional narrowing filters.
//   - sort: "column" or "column:desc" from the sortable column set.
// Returns:
//   - *ResultPage: matching records with the total count.
//   - error: ValidationError for an unknown sort column, otherwise query failures.
func (r *DealRepository) ListByJob(ctx context.Context, jobID string, page, pageSize int, filters *ListFilters, sort string) (*ResultPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}

	order, err := buildOrder(sort)
	if err != nil {
		return nil, err
	}

	query := r.db.WithContext(ctx).Model(&domain.DealRecord{}).
		Where("scan_job_id = ? AND is_deleted = ?", jobID, false)

	if filters != nil {
		if filters.Pipeline != "" {
			query = query.Where("pipeline = ?", filters.Pipeline)
		}
		if filters.DealStage != "" {
			query = query.Where("deal_stage = ?", filters.DealStage)
		}
		if filters.Currency != "" {
			query = query.Where("currency = ?", filters.Currency)
		}
		if filters.Search != "" {
			query = query.Where("deal_name LIKE ?", "%"+filters.Search+"%")
		}
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, &domain.PersistenceError{Op: "count deal records", Err: err}
	}

	var items []domain.DealRecord
	if err := query.
		Order(order).
		Limit(pageSize).
		Offset((page - 1) * pageSize).
		Find(&items).Error; err != nil {
		return nil, &domain.PersistenceError{Op: "list deal records", Err: err}
	}

	return &ResultPage{
		Items:    items,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}, nil
}

func buildOrder(sort string) (string, error) {
	if sort == "" {
		return "extracted_at DESC", nil
	}
	column, direction := sort, "ASC"
	if idx := strings.IndexByte(sort, ':'); idx >= 0 {
		column = sort[:idx]
		switch strings.ToLower(sort[idx+1:]) {
		case "asc":
			direction = "ASC"
		case "desc":
			direction = "DESC"
		default:
			return "", &domain.ValidationError{Msg: "sort direction must be asc or desc"}
		}
	}
	col, ok := sortColumns[column]
	if !ok {
		return "", &domain.ValidationError{Msg: "unsupported sort column " + column}
	}
	return col + " " + direction, nil
}

// CountByJob counts the records owned by a scan job.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: internal id of the owning scan job.
// Returns:
//   - int64: number of owned records.
//   - error: non-nil if the query fails.
func (r *DealRepository) CountByJob(ctx context.Context, jobID string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.DealRecord{}).
		Where("scan_job_id = ?", jobID).
		Count(&count).Error; err != nil {
		return 0, &domain.PersistenceError{Op: "count deal records", Err: err}
	}
	return count, nil
}
