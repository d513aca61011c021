package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dealscan/hubspot-deals-etl/internal/domain"
)

func newTestRecord(job *domain.ScanJob, dealID string) *domain.DealRecord {
	name := job.TenantID + "/" + dealID + "/" + job.ID
	return &domain.DealRecord{
		RowID:         uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String(),
		DealID:        dealID,
		TenantID:      job.TenantID,
		DealName:      "Deal " + dealID,
		Currency:      "USD",
		RawProperties: domain.RawProperties{"dealname": "Deal " + dealID},
		ScanJobID:     job.ID,
		ScanID:        job.ScanID,
		ExtractedAt:   time.Now().UTC(),
		SourceSystem:  domain.SourceSystem,
		APIVersion:    domain.APIVersion,
	}
}

func runningJob(t *testing.T, jobs *ScanJobRepository, tenantID string) *domain.ScanJob {
	t.Helper()
	job := newTestJob(tenantID)
	if err := jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	_ = job.Start(time.Now().UTC())
	if err := jobs.Save(context.Background(), job); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	return job
}

// TestPersistBatchCounters verifies counters advance in both the row and the
// in-memory job, including pre-persistence failures
func TestPersistBatchCounters(t *testing.T) {
	db := testDB(t)
	jobs := NewScanJobRepository(db)
	deals := NewDealRepository(db)
	ctx := context.Background()

	job := runningJob(t, jobs, "tenant-a")
	records := []*domain.DealRecord{newTestRecord(job, "d1"), newTestRecord(job, "d2")}

	result, err := deals.PersistBatch(ctx, job, records, 1)
	if err != nil {
		t.Fatalf("PersistBatch failed: %v", err)
	}
	if result.Inserted != 2 || result.Failed != 0 {
		t.Errorf("BatchResult = %+v, want 2 inserted, 0 failed", result)
	}
	if job.TotalItems != 3 || job.ProcessedItems != 2 || job.FailedItems != 1 {
		t.Errorf("In-memory counters = total %d processed %d failed %d",
			job.TotalItems, job.ProcessedItems, job.FailedItems)
	}

	stored, err := jobs.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if stored.TotalItems != 3 || stored.ProcessedItems != 2 || stored.FailedItems != 1 {
		t.Errorf("Stored counters = total %d processed %d failed %d",
			stored.TotalItems, stored.ProcessedItems, stored.FailedItems)
	}
}

// TestPersistBatchUpsertIdempotent verifies re-persisting the same page does
// not duplicate rows and updates changed fields
func TestPersistBatchUpsertIdempotent(t *testing.T) {
	db := testDB(t)
	jobs := NewScanJobRepository(db)
	deals := NewDealRepository(db)
	ctx := context.Background()

	job := runningJob(t, jobs, "tenant-a")
	rec := newTestRecord(job, "d1")
	if _, err := deals.PersistBatch(ctx, job, []*domain.DealRecord{rec}, 0); err != nil {
		t.Fatalf("First PersistBatch failed: %v", err)
	}

	updated := newTestRecord(job, "d1")
	updated.DealName = "Renamed"
	if _, err := deals.PersistBatch(ctx, job, []*domain.DealRecord{updated}, 0); err != nil {
		t.Fatalf("Second PersistBatch failed: %v", err)
	}

	count, err := deals.CountByJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("CountByJob failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Upsert created %d rows, want 1", count)
	}

	var got domain.DealRecord
	if err := db.First(&got, "deal_id = ? AND tenant_id = ?", "d1", job.TenantID).Error; err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got.DealName != "Renamed" {
		t.Errorf("DealName = %q, upsert did not update", got.DealName)
	}
}

// TestPersistBatchPartialFailure verifies one bad record fails alone while
// the rest of the batch commits
func TestPersistBatchPartialFailure(t *testing.T) {
	db := testDB(t)
	jobs := NewScanJobRepository(db)
	deals := NewDealRepository(db)
	ctx := context.Background()

	job := runningJob(t, jobs, "tenant-a")
	good1 := newTestRecord(job, "d1")
	good2 := newTestRecord(job, "d2")
	// Same primary key as good1 but a different upsert key, so the insert
	// hits the primary key constraint instead of the upsert path.
	bad := newTestRecord(job, "d3")
	bad.RowID = good1.RowID

	result, err := deals.PersistBatch(ctx, job, []*domain.DealRecord{good1, good2, bad}, 0)
	if err != nil {
		t.Fatalf("PersistBatch failed: %v", err)
	}
	if result.Inserted != 2 || result.Failed != 1 {
		t.Errorf("BatchResult = %+v, want 2 inserted, 1 failed", result)
	}

	count, err := deals.CountByJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("CountByJob failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Committed %d rows, want 2", count)
	}
	if job.TotalItems != 3 || job.ProcessedItems != 2 || job.FailedItems != 1 {
		t.Errorf("Counters = total %d processed %d failed %d",
			job.TotalItems, job.ProcessedItems, job.FailedItems)
	}
}

// TestListByJob verifies pagination, filtering, and sorting of results
func TestListByJob(t *testing.T) {
	db := testDB(t)
	jobs := NewScanJobRepository(db)
	deals := NewDealRepository(db)
	ctx := context.Background()

	job := runningJob(t, jobs, "tenant-a")
	amounts := []float64{300, 100, 200}
	stages := []string{"closedwon", "appointmentscheduled", "closedwon"}
	var records []*domain.DealRecord
	for i, amount := range amounts {
		rec := newTestRecord(job, fmt.Sprintf("d%d", i+1))
		a := amount
		rec.Amount = &a
		rec.DealStage = stages[i]
		rec.Pipeline = "default"
		records = append(records, rec)
	}
	if _, err := deals.PersistBatch(ctx, job, records, 0); err != nil {
		t.Fatalf("PersistBatch failed: %v", err)
	}

	t.Run("sorted page", func(t *testing.T) {
		page, err := deals.ListByJob(ctx, job.ID, 1, 2, nil, "amount:asc")
		if err != nil {
			t.Fatalf("ListByJob failed: %v", err)
		}
		if page.Total != 3 {
			t.Errorf("Total = %d, want 3", page.Total)
		}
		if len(page.Items) != 2 {
			t.Fatalf("Page has %d items, want 2", len(page.Items))
		}
		if *page.Items[0].Amount != 100 || *page.Items[1].Amount != 200 {
			t.Errorf("Sort order wrong: %v, %v", *page.Items[0].Amount, *page.Items[1].Amount)
		}

		page2, err := deals.ListByJob(ctx, job.ID, 2, 2, nil, "amount:asc")
		if err != nil {
			t.Fatalf("ListByJob page 2 failed: %v", err)
		}
		if len(page2.Items) != 1 || *page2.Items[0].Amount != 300 {
			t.Errorf("Page 2 items = %+v", page2.Items)
		}
	})

	t.Run("stage filter", func(t *testing.T) {
		page, err := deals.ListByJob(ctx, job.ID, 1, 50, &ListFilters{DealStage: "closedwon"}, "")
		if err != nil {
			t.Fatalf("ListByJob failed: %v", err)
		}
		if page.Total != 2 {
			t.Errorf("Total = %d, want 2", page.Total)
		}
	})

	t.Run("name search", func(t *testing.T) {
		page, err := deals.ListByJob(ctx, job.ID, 1, 50, &ListFilters{Search: "Deal d2"}, "")
		if err != nil {
			t.Fatalf("ListByJob failed: %v", err)
		}
		if page.Total != 1 {
			t.Errorf("Total = %d, want 1", page.Total)
		}
	})

	t.Run("unknown sort column", func(t *testing.T) {
		var vErr *domain.ValidationError
		if _, err := deals.ListByJob(ctx, job.ID, 1, 50, nil, "password"); !errors.As(err, &vErr) {
			t.Errorf("Expected ValidationError, got %v", err)
		}
	})

	t.Run("bad sort direction", func(t *testing.T) {
		var vErr *domain.ValidationError
		if _, err := deals.ListByJob(ctx, job.ID, 1, 50, nil, "amount:sideways"); !errors.As(err, &vErr) {
			t.Errorf("Expected ValidationError, got %v", err)
		}
	})
}

// TestListByJobExcludesSoftDeleted verifies soft-deleted rows never surface
func TestListByJobExcludesSoftDeleted(t *testing.T) {
	db := testDB(t)
	jobs := NewScanJobRepository(db)
	deals := NewDealRepository(db)
	ctx := context.Background()

	job := runningJob(t, jobs, "tenant-a")
	rec := newTestRecord(job, "d1")
	rec.IsDeleted = true
	if _, err := deals.PersistBatch(ctx, job, []*domain.DealRecord{rec}, 0); err != nil {
		t.Fatalf("PersistBatch failed: %v", err)
	}

	page, err := deals.ListByJob(ctx, job.ID, 1, 50, nil, "")
	if err != nil {
		t.Fatalf("ListByJob failed: %v", err)
	}
	if page.Total != 0 {
		t.Errorf("Total = %d, soft-deleted rows must be excluded", page.Total)
	}
}
