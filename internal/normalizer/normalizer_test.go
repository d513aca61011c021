package normalizer

import (
	"errors"
	"testing"
	"time"

	"github.com/dealscan/hubspot-deals-etl/internal/domain"
	"github.com/dealscan/hubspot-deals-etl/internal/hubspot"
)

func testScanContext() *ScanContext {
	return &ScanContext{
		TenantID:    "tenant-a",
		ScanID:      "scan_20250101_120000_abcd",
		ScanJobID:   "0f1e2d3c-0000-0000-0000-000000000001",
		ExtractedAt: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

// TestNormalizeDeterministicRowID verifies that the same deal in the same scan
// always maps to the same row id
func TestNormalizeDeterministicRowID(t *testing.T) {
	sc := testScanContext()
	raw := &hubspot.RawDeal{ID: "123", Properties: map[string]string{"dealname": "Acme"}}

	r1, err := Normalize(raw, sc)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	r2, err := Normalize(raw, sc)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if r1.RowID != r2.RowID {
		t.Errorf("Row id not deterministic: %s != %s", r1.RowID, r2.RowID)
	}
	if len(r1.RowID) != 36 {
		t.Errorf("Invalid UUID length: got %d, want 36", len(r1.RowID))
	}

	other := *sc
	other.ScanJobID = "0f1e2d3c-0000-0000-0000-000000000002"
	r3, err := Normalize(raw, &other)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if r1.RowID == r3.RowID {
		t.Errorf("Different scan jobs should produce different row ids: %s", r1.RowID)
	}
}

// TestNormalizeMissingID verifies that a deal without a CRM object id is a
// schema violation
func TestNormalizeMissingID(t *testing.T) {
	for _, id := range []string{"", "   "} {
		_, err := Normalize(&hubspot.RawDeal{ID: id}, testScanContext())
		var sv *domain.SchemaViolationError
		if !errors.As(err, &sv) {
			t.Errorf("id=%q: expected SchemaViolationError, got %v", id, err)
		}
	}
}

// TestNormalizeFieldCoercion verifies the per-field coercion rules
func TestNormalizeFieldCoercion(t *testing.T) {
	sc := testScanContext()
	raw := &hubspot.RawDeal{
		ID: "42",
		Properties: map[string]string{
			"dealname":                 "Big Deal",
			"amount":                   "1500.50",
			"dealstage":                "closedwon",
			"pipeline":                 "default",
			"deal_currency_code":       "EUR",
			"num_associated_contacts":  "3",
			"num_associated_companies": "not-a-number",
			"hs_forecast_amount":       "-10",
			"hs_forecast_probability":  "0.8",
			"hs_is_closed_won":         "true",
			"hs_is_closed_lost":        "false",
			"closedate":                "2025-03-01T00:00:00Z",
			"createdate":               "1709251200000",
		},
	}

	rec, err := Normalize(raw, sc)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	if rec.DealName != "Big Deal" {
		t.Errorf("DealName = %q", rec.DealName)
	}
	if rec.Amount == nil || *rec.Amount != 1500.50 {
		t.Errorf("Amount = %v, want 1500.50", rec.Amount)
	}
	if rec.Currency != "EUR" {
		t.Errorf("Currency = %q, want EUR", rec.Currency)
	}
	if rec.NumAssociatedContacts != 3 {
		t.Errorf("NumAssociatedContacts = %d, want 3", rec.NumAssociatedContacts)
	}
	if rec.NumAssociatedCompanies != 0 {
		t.Errorf("NumAssociatedCompanies = %d, want 0 for unparsable input", rec.NumAssociatedCompanies)
	}
	if rec.ForecastAmount != nil {
		t.Errorf("ForecastAmount = %v, want nil for negative input", *rec.ForecastAmount)
	}
	if rec.ForecastProbability == nil || *rec.ForecastProbability != 0.8 {
		t.Errorf("ForecastProbability = %v, want 0.8", rec.ForecastProbability)
	}
	if rec.IsClosedWon == nil || !*rec.IsClosedWon {
		t.Errorf("IsClosedWon = %v, want true", rec.IsClosedWon)
	}
	if rec.IsClosedLost == nil || *rec.IsClosedLost {
		t.Errorf("IsClosedLost = %v, want false", rec.IsClosedLost)
	}
	if rec.CloseDate == nil || !rec.CloseDate.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("CloseDate = %v", rec.CloseDate)
	}
	if rec.CreateDate == nil || !rec.CreateDate.Equal(time.UnixMilli(1709251200000).UTC()) {
		t.Errorf("CreateDate = %v", rec.CreateDate)
	}
}

// TestNormalizeDefaults verifies defaults for absent optional fields
func TestNormalizeDefaults(t *testing.T) {
	rec, err := Normalize(&hubspot.RawDeal{ID: "7"}, testScanContext())
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if rec.Currency != "USD" {
		t.Errorf("Currency = %q, want USD default", rec.Currency)
	}
	if rec.Amount != nil {
		t.Errorf("Amount = %v, want nil", *rec.Amount)
	}
	if rec.IsClosedWon != nil {
		t.Errorf("IsClosedWon = %v, want nil", *rec.IsClosedWon)
	}
	if rec.CloseDate != nil {
		t.Errorf("CloseDate = %v, want nil", rec.CloseDate)
	}
}

// TestNormalizeMetadataStamp verifies the ETL metadata stamped onto each row
func TestNormalizeMetadataStamp(t *testing.T) {
	sc := testScanContext()
	rec, err := Normalize(&hubspot.RawDeal{ID: "9", Properties: map[string]string{"dealname": "x"}}, sc)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if rec.TenantID != sc.TenantID {
		t.Errorf("TenantID = %q, want %q", rec.TenantID, sc.TenantID)
	}
	if rec.ScanID != sc.ScanID {
		t.Errorf("ScanID = %q, want %q", rec.ScanID, sc.ScanID)
	}
	if rec.ScanJobID != sc.ScanJobID {
		t.Errorf("ScanJobID = %q, want %q", rec.ScanJobID, sc.ScanJobID)
	}
	if !rec.ExtractedAt.Equal(sc.ExtractedAt) {
		t.Errorf("ExtractedAt = %v, want %v", rec.ExtractedAt, sc.ExtractedAt)
	}
	if rec.SourceSystem != "hubspot" {
		t.Errorf("SourceSystem = %q", rec.SourceSystem)
	}
	if rec.APIVersion != "v3" {
		t.Errorf("APIVersion = %q", rec.APIVersion)
	}
	if rec.RawProperties["dealname"] != "x" {
		t.Errorf("RawProperties not preserved: %v", rec.RawProperties)
	}
}

// TestToTime verifies timestamp parsing across the encodings the CRM emits
func TestToTime(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		want  *time.Time
	}{
		{name: "empty", input: "", want: nil},
		{name: "garbage", input: "not-a-date", want: nil},
		{
			name:  "rfc3339",
			input: "2024-06-15T10:30:00Z",
			want:  timePtr(time.Date(2024, 6, 15, 10, 30, 0, 0, time.UTC)),
		},
		{
			name:  "epoch millis",
			input: "1718447400000",
			want:  timePtr(time.UnixMilli(1718447400000).UTC()),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := toTime(tc.input)
			if (got == nil) != (tc.want == nil) {
				t.Fatalf("toTime(%q) = %v, want %v", tc.input, got, tc.want)
			}
			if got != nil && !got.Equal(*tc.want) {
				t.Errorf("toTime(%q) = %v, want %v", tc.input, got, tc.want)
			}
		})
	}
}

func timePtr(t time.Time) *time.Time { return &t }
