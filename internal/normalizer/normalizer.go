// Package normalizer maps raw CRM deal payloads into canonical DealRecord
// rows. Normalization is deterministic and does no I/O: everything a row
// needs beyond the payload itself comes in through the ScanContext.
package normalizer

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dealscan/hubspot-deals-etl/internal/domain"
	"github.com/dealscan/hubspot-deals-etl/internal/hubspot"
)

// Canonical CRM property names for the fixed extracted fields.
const (
	propDealName               = "dealname"
	propAmount                 = "amount"
	propDealStage              = "dealstage"
	propDealType               = "dealtype"
	propPipeline               = "pipeline"
	propCloseDate              = "closedate"
	propCreateDate             = "createdate"
	propLastModifiedDate       = "hs_lastmodifieddate"
	propOwnerID                = "hubspot_owner_id"
	propCurrencyCode           = "deal_currency_code"
	propDescription            = "description"
	propNumAssociatedContacts  = "num_associated_contacts"
	propNumAssociatedCompanies = "num_associated_companies"
	propForecastAmount         = "hs_forecast_amount"
	propForecastProbability    = "hs_forecast_probability"
	propIsClosedWon            = "hs_is_closed_won"
	propIsClosedLost           = "hs_is_closed_lost"
	propPriority               = "hs_priority"
)

const defaultCurrency = "USD"

// ScanContext carries the ETL metadata stamped onto every normalized row.
type ScanContext struct {
	TenantID    string
	ScanID      string
	ScanJobID   string
	ExtractedAt time.Time
}

// Normalize maps one raw CRM deal into a DealRecord. Missing optional fields
// become nulls; the only failure mode is a missing CRM object id, which is a
// SchemaViolationError. The raw property bag is preserved verbatim alongside
// the extracted columns.
// Parameters:
//   - raw: deal object as returned by the CRM listing endpoint.
//   - sc: scan context providing the ETL metadata stamp.
// Returns:
//   - *domain.DealRecord: normalized row ready for persistence.
//   - error: SchemaViolationError when the deal id is absent.
func Normalize(raw *hubspot.RawDeal, sc *ScanContext) (*domain.DealRecord, error) {
	if strings.TrimSpace(raw.ID) == "" {
		return nil, &domain.SchemaViolationError{Field: "id", Msg: "CRM object id is required"}
	}

	props := raw.Properties
	if props == nil {
		props = map[string]string{}
	}

	currency := props[propCurrencyCode]
	if currency == "" {
		currency = defaultCurrency
	}

	record := &domain.DealRecord{
		RowID:    rowID(sc.TenantID, raw.ID, sc.ScanJobID),
		DealID:   raw.ID,
		TenantID: sc.TenantID,

		DealName:    props[propDealName],
		Amount:      toNumber(props[propAmount]),
		Currency:    currency,
		DealStage:   props[propDealStage],
		DealType:    props[propDealType],
		Pipeline:    props[propPipeline],
		Description: props[propDescription],
		OwnerID:     props[propOwnerID],

		NumAssociatedContacts:  toCount(props[propNumAssociatedContacts]),
		NumAssociatedCompanies: toCount(props[propNumAssociatedCompanies]),
		ForecastAmount:         toNumber(props[propForecastAmount]),
		ForecastProbability:    toNumber(props[propForecastProbability]),

		IsClosedWon:  toBool(props[propIsClosedWon]),
		IsClosedLost: toBool(props[propIsClosedLost]),
		Priority:     props[propPriority],
		Archived:     raw.Archived,

		CloseDate:        toTime(props[propCloseDate]),
		CreateDate:       toTime(props[propCreateDate]),
		LastModifiedDate: toTime(props[propLastModifiedDate]),
		SourceCreatedAt:  raw.CreatedAt,
		SourceUpdatedAt:  raw.UpdatedAt,

		RawProperties: domain.RawProperties(props),

		ScanJobID:    sc.ScanJobID,
		ScanID:       sc.ScanID,
		ExtractedAt:  sc.ExtractedAt,
		SourceSystem: domain.SourceSystem,
		APIVersion:   domain.APIVersion,
		IsDeleted:    false,
	}

	return record, nil
}

// rowID derives the globally unique ETL row identifier from the stable
// identity of the row. Deterministic so re-normalizing the same deal in the
// same scan yields the same id, which keeps re-persisted pages idempotent.
func rowID(tenantID, dealID, scanJobID string) string {
	name := tenantID + "/" + dealID + "/" + scanJobID
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// toNumber coerces a string-encoded number, dropping negative amounts and
// unparsable values to null.
func toNumber(s string) *float64 {
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return nil
	}
	return &f
}

// toCount coerces a string-encoded non-negative integer, defaulting to 0.
func toCount(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func toBool(s string) *bool {
	if s == "" {
		return nil
	}
	b := strings.EqualFold(s, "true")
	return &b
}

// toTime parses the CRM's ISO-8601 timestamps, falling back to the
// millisecond epoch encoding older properties use.
func toTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		return &t
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		return &t
	}
	return nil
}
