package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ScanStatus represents the status of a scan job.
// Values include ScanStatusPending, ScanStatusRunning, ScanStatusCompleted,
// ScanStatusFailed, and ScanStatusCancelled.
type ScanStatus string

const (
	ScanStatusPending   ScanStatus = "pending"
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
	ScanStatusCancelled ScanStatus = "cancelled"
)

// ScanType distinguishes full extractions from incremental ones.
type ScanType string

const (
	ScanTypeFull        ScanType = "full"
	ScanTypeIncremental ScanType = "incremental"
)

// Terminal reports whether the status admits no further transitions.
func (s ScanStatus) Terminal() bool {
	switch s {
	case ScanStatusCompleted, ScanStatusFailed, ScanStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a transition from s to next is legal.
// Legal transitions: pending->running, running->{completed,failed,cancelled},
// pending->cancelled. Terminal states admit nothing.
func (s ScanStatus) CanTransition(next ScanStatus) bool {
	switch s {
	case ScanStatusPending:
		return next == ScanStatusRunning || next == ScanStatusCancelled
	case ScanStatusRunning:
		return next == ScanStatusCompleted || next == ScanStatusFailed || next == ScanStatusCancelled
	}
	return false
}

// ScanConfig is the typed scan configuration stored on the job. Extra is the
// escape hatch for provider-specific filters that have no dedicated field.
type ScanConfig struct {
	AccessToken string            `json:"access_token"`
	Properties  []string          `json:"properties,omitempty"`
	Archived    bool              `json:"archived"`
	BatchSize   int               `json:"batch_size"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON-encoded representation of the config.
//   - error: non-nil if marshaling fails.
func (c ScanConfig) Value() (driver.Value, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
// Parameters:
//   - value: raw database value to decode.
// Returns:
//   - error: non-nil if decoding fails or the type is unexpected.
func (c *ScanConfig) Scan(value interface{}) error {
	if value == nil {
		*c = ScanConfig{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan ScanConfig")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, c)
}

// ScanJob represents one extraction run and its progress metadata.
// ActiveToken equals TenantID while the job is pending or running and is nil
// once terminal; the unique index on it is what enforces a single active scan
// per tenant across service instances.
type ScanJob struct {
	ID              string     `gorm:"type:text;primaryKey" json:"id"`
	ScanID          string     `gorm:"type:text;not null;uniqueIndex:idx_scan_jobs_scan_id" json:"scan_id"`
	TenantID        string     `gorm:"type:text;not null;index:idx_scan_jobs_tenant" json:"tenant_id"`
	Status          ScanStatus `gorm:"type:text;default:pending;index:idx_scan_jobs_status" json:"status"`
	ScanType        ScanType   `gorm:"type:text;default:full" json:"scan_type"`
	Config          ScanConfig `gorm:"type:text" json:"config"`
	ActiveToken     *string    `gorm:"type:text;uniqueIndex:idx_scan_jobs_active" json:"-"`
	CancelRequested bool       `gorm:"default:false" json:"cancel_requested"`
	TotalItems      int64      `gorm:"default:0" json:"total_items"`
	ProcessedItems  int64      `gorm:"default:0" json:"processed_items"`
	FailedItems     int64      `gorm:"default:0" json:"failed_items"`
	SuccessRate     float64    `gorm:"default:0" json:"success_rate"`
	ErrorDetail     string     `json:"error_detail,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName returns the database table name for ScanJob.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (ScanJob) TableName() string {
	return "scan_jobs"
}

// ErrIllegalTransition is returned when a status change violates the state machine.
var ErrIllegalTransition = errors.New("illegal scan status transition")

func (j *ScanJob) transition(next ScanStatus) error {
	if !j.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, j.Status, next)
	}
	j.Status = next
	return nil
}

// Start moves the job from pending to running and stamps started_at.
// Parameters:
//   - now: transition time.
// Returns:
//   - error: ErrIllegalTransition if the job is not pending.
func (j *ScanJob) Start(now time.Time) error {
	if err := j.transition(ScanStatusRunning); err != nil {
		return err
	}
	j.StartedAt = &now
	return nil
}

// Complete moves the job to completed, stamps completed_at, computes the
// success rate, and releases the active-tenant token.
// Parameters:
//   - now: transition time.
// Returns:
//   - error: ErrIllegalTransition if the job is not running.
func (j *ScanJob) Complete(now time.Time) error {
	if err := j.transition(ScanStatusCompleted); err != nil {
		return err
	}
	j.CompletedAt = &now
	j.SuccessRate = j.computeSuccessRate()
	j.ActiveToken = nil
	return nil
}

// Fail moves the job to failed, stamps completed_at, stores the error detail
// verbatim, and releases the active-tenant token.
// Parameters:
//   - now: transition time.
//   - detail: fatal error description for operator diagnosis.
// Returns:
//   - error: ErrIllegalTransition if the job is not running.
func (j *ScanJob) Fail(now time.Time, detail string) error {
	if err := j.transition(ScanStatusFailed); err != nil {
		return err
	}
	j.CompletedAt = &now
	j.ErrorDetail = detail
	j.SuccessRate = j.computeSuccessRate()
	j.ActiveToken = nil
	return nil
}

// Cancel moves the job to cancelled from pending or running, stamps
// completed_at, and releases the active-tenant token. Already-advanced
// counters are kept as the progress snapshot.
// Parameters:
//   - now: transition time.
// Returns:
//   - error: ErrIllegalTransition if the job is already terminal.
func (j *ScanJob) Cancel(now time.Time) error {
	if err := j.transition(ScanStatusCancelled); err != nil {
		return err
	}
	j.CompletedAt = &now
	j.SuccessRate = j.computeSuccessRate()
	j.ActiveToken = nil
	return nil
}

func (j *ScanJob) computeSuccessRate() float64 {
	if j.TotalItems == 0 {
		return 0
	}
	return float64(j.ProcessedItems) / float64(j.TotalItems) * 100
}

// Progress returns the completion percentage, or -1 while total_items is
// still unknown (streaming extraction before the first page lands).
// Parameters: none.
// Returns:
//   - float64: progress percentage in [0,100], or -1 if indeterminate.
func (j *ScanJob) Progress() float64 {
	if j.TotalItems == 0 {
		return -1
	}
	return float64(j.ProcessedItems+j.FailedItems) / float64(j.TotalItems) * 100
}
