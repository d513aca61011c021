package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dealscan/hubspot-deals-etl/internal/config"
	"github.com/dealscan/hubspot-deals-etl/internal/hubspot"
	"github.com/dealscan/hubspot-deals-etl/internal/logger"
	"github.com/dealscan/hubspot-deals-etl/internal/repository"
	"github.com/dealscan/hubspot-deals-etl/internal/service"
)

func newTestRouter(t *testing.T, apiKey string) http.Handler {
	t.Helper()

	// Fake CRM that serves one empty listing page.
	crm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results": []}`)
	}))
	t.Cleanup(crm.Close)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON")
	if err := repository.Migrate(db); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	cfg := &config.Config{
		Server: config.ServerConfig{Mode: "test", APIKey: apiKey},
		HubSpot: config.HubSpotConfig{
			BaseURL:    crm.URL,
			APIVersion: "v3",
			Timeout:    5 * time.Second,
			MaxRetries: 1,
			RetryBase:  time.Millisecond,
			RetryMax:   5 * time.Millisecond,
			Rate: config.RateConfig{
				RequestsPerWindow: 1000,
				Window:            time.Second,
				Headroom:          1,
				MaxWait:           time.Second,
			},
		},
		Scan: config.ScanConfig{BatchSize: 100, CheckpointInterval: 50},
	}

	log := logger.New(&logger.Config{Level: "error", Format: "text", ServiceName: "test"})
	jobs := repository.NewScanJobRepository(db)
	deals := repository.NewDealRepository(db)
	limiter := hubspot.NewRateLimiter(&cfg.HubSpot.Rate)
	extractor := service.NewExtractor(cfg, jobs, deals, limiter)
	scans := service.NewScanService(cfg, jobs, deals, extractor, log)
	return SetupRouter(&cfg.Server, scans, db, log)
}

func doJSON(t *testing.T, router http.Handler, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// TestScanEndpoints exercises the scan lifecycle over HTTP
func TestScanEndpoints(t *testing.T) {
	router := newTestRouter(t, "")

	w := doJSON(t, router, http.MethodPost, "/api/v1/scans", "", map[string]any{
		"tenant_id":    "tenant-a",
		"access_token": "tok",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("StartScan status = %d, body %s", w.Code, w.Body.String())
	}
	var started struct {
		ScanID string `json:"scan_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &started); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if started.ScanID == "" {
		t.Fatal("StartScan returned no scan_id")
	}

	// The scan runs asynchronously against an empty listing; wait for it.
	deadline := time.Now().Add(5 * time.Second)
	for {
		w = doJSON(t, router, http.MethodGet, "/api/v1/scans/"+started.ScanID, "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("GetStatus status = %d, body %s", w.Code, w.Body.String())
		}
		var snap struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
			t.Fatalf("Failed to decode status: %v", err)
		}
		if snap.Status == "completed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Scan never completed, last status %q", snap.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/scans/"+started.ScanID+"/deals", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ListResults status = %d, body %s", w.Code, w.Body.String())
	}

	// Cancelling a completed scan conflicts.
	w = doJSON(t, router, http.MethodPost, "/api/v1/scans/"+started.ScanID+"/cancel", "", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Cancel on completed scan status = %d, want 409", w.Code)
	}

	w = doJSON(t, router, http.MethodDelete, "/api/v1/scans/"+started.ScanID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Remove status = %d, body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/scans/"+started.ScanID, "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("GetStatus after removal = %d, want 404", w.Code)
	}
}

// TestErrorStatusMapping verifies the taxonomy maps to the right HTTP codes
func TestErrorStatusMapping(t *testing.T) {
	router := newTestRouter(t, "")

	testCases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{
			name:   "missing required fields",
			method: http.MethodPost,
			path:   "/api/v1/scans",
			body:   map[string]any{"tenant_id": "tenant-a"},
			want:   http.StatusBadRequest,
		},
		{
			name:   "unknown scan type",
			method: http.MethodPost,
			path:   "/api/v1/scans",
			body:   map[string]any{"tenant_id": "tenant-a", "access_token": "tok", "scan_type": "weekly"},
			want:   http.StatusBadRequest,
		},
		{
			name:   "unknown scan id",
			method: http.MethodGet,
			path:   "/api/v1/scans/scan_nope",
			want:   http.StatusNotFound,
		},
		{
			name:   "cancel unknown scan",
			method: http.MethodPost,
			path:   "/api/v1/scans/scan_nope/cancel",
			want:   http.StatusNotFound,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, router, tc.method, tc.path, "", tc.body)
			if w.Code != tc.want {
				t.Errorf("Status = %d, want %d (body %s)", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

// TestAPIKeyMiddleware verifies protected routes demand the key while health
// stays open
func TestAPIKeyMiddleware(t *testing.T) {
	router := newTestRouter(t, "secret")

	w := doJSON(t, router, http.MethodGet, "/api/v1/scans/scan_x", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("No key: status = %d, want 401", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/scans/scan_x", "wrong", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Wrong key: status = %d, want 401", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/scans/scan_x", "secret", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Right key: status = %d, want 404 for unknown scan", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Health: status = %d, want 200", w.Code)
	}
}
