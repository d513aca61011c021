package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// SourceSystem and APIVersion tag every extracted row with its origin.
const (
	SourceSystem = "hubspot"
	APIVersion   = "v3"
)

// RawProperties is a custom type for storing the verbatim CRM property bag as
// JSON in the database. The bag is preserved unmodified for forward
// compatibility with properties the normalized columns do not cover.
type RawProperties map[string]string

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON-encoded representation of the property bag.
//   - error: non-nil if marshaling fails.
func (p RawProperties) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
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
func (p *RawProperties) Scan(value interface{}) error {
	if value == nil {
		*p = RawProperties{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan RawProperties")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, p)
}

// DealRecord is the canonical storage row for one extracted CRM deal: a fixed
// set of normalized scalar columns plus the raw property bag, stamped with ETL
// metadata. Rows are owned by their ScanJob and removed with it.
type DealRecord struct {
	RowID    string `gorm:"type:text;primaryKey" json:"row_id"`
	DealID   string `gorm:"type:text;not null;uniqueIndex:idx_deal_records_deal_tenant" json:"deal_id"`
	TenantID string `gorm:"type:text;not null;uniqueIndex:idx_deal_records_deal_tenant" json:"tenant_id"`

	// Core deal information
	DealName    string   `gorm:"type:text" json:"deal_name"`
	Amount      *float64 `json:"amount,omitempty"`
	Currency    string   `gorm:"type:text;default:USD" json:"currency"`
	DealStage   string   `gorm:"type:text;index:idx_deal_records_stage" json:"deal_stage"`
	DealType    string   `gorm:"type:text" json:"deal_type"`
	Pipeline    string   `gorm:"type:text;index:idx_deal_records_pipeline" json:"pipeline"`
	Description string   `gorm:"type:text" json:"description,omitempty"`
	OwnerID     string   `gorm:"type:text" json:"owner_id,omitempty"`

	// Deal metrics
	NumAssociatedContacts  int      `gorm:"default:0" json:"num_associated_contacts"`
	NumAssociatedCompanies int      `gorm:"default:0" json:"num_associated_companies"`
	ForecastAmount         *float64 `json:"forecast_amount,omitempty"`
	ForecastProbability    *float64 `json:"forecast_probability,omitempty"`

	// Status flags
	IsClosedWon  *bool  `json:"is_closed_won,omitempty"`
	IsClosedLost *bool  `json:"is_closed_lost,omitempty"`
	Priority     string `gorm:"type:text" json:"priority,omitempty"`
	Archived     bool   `gorm:"default:false" json:"archived"`

	// Dates and timestamps from the source object
	CloseDate        *time.Time `json:"close_date,omitempty"`
	CreateDate       *time.Time `json:"create_date,omitempty"`
	LastModifiedDate *time.Time `json:"last_modified_date,omitempty"`
	SourceCreatedAt  *time.Time `json:"source_created_at,omitempty"`
	SourceUpdatedAt  *time.Time `json:"source_updated_at,omitempty"`

	// Raw data storage
	RawProperties RawProperties `gorm:"type:text" json:"raw_properties"`

	// ETL metadata
	ScanJobID    string    `gorm:"type:text;not null;index:idx_deal_records_job" json:"scan_job_id"`
	ScanJob      *ScanJob  `gorm:"foreignKey:ScanJobID;constraint:OnDelete:CASCADE" json:"-"`
	ScanID       string    `gorm:"type:text;not null" json:"scan_id"`
	ExtractedAt  time.Time `gorm:"not null" json:"extracted_at"`
	SourceSystem string    `gorm:"type:text;default:hubspot" json:"source_system"`
	APIVersion   string    `gorm:"type:text;default:v3" json:"api_version"`
	IsDeleted    bool      `gorm:"default:false" json:"is_deleted"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for DealRecord.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (DealRecord) TableName() string {
	return "deal_records"
}
