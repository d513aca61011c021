package domain

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError indicates bad input to an API-facing operation.
// User-fixable, surfaced as a 4xx response.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Msg
}

// ConflictError indicates a state conflict, such as a duplicate active scan
// for a tenant or listing results before a scan completed.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Msg
}

// NotFoundError indicates an unknown scan identifier.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// AuthenticationError indicates the CRM rejected our credential (HTTP 401/403).
// Fatal for the scan, never retried.
type AuthenticationError struct {
	StatusCode int
	Msg        string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed (HTTP %d): %s", e.StatusCode, e.Msg)
}

// RateLimitedError indicates the CRM returned HTTP 429. Carries the provider's
// retry-after hint; the caller must back off and retry the same page.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// TransientNetworkError indicates a timeout or 5xx from the CRM. Retried with
// bounded exponential backoff before surfacing as fatal.
type TransientNetworkError struct {
	StatusCode int // 0 for connection-level failures
	Err        error
}

func (e *TransientNetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient network error (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient network error: %v", e.Err)
}

func (e *TransientNetworkError) Unwrap() error {
	return e.Err
}

// MalformedResponseError indicates the CRM response body lacked the required
// results container. Fatal for the page.
type MalformedResponseError struct {
	Msg string
}

func (e *MalformedResponseError) Error() string {
	return "malformed response: " + e.Msg
}

// SchemaViolationError indicates a single record's data is unusable, typically
// a missing CRM object id. The record counts as failed; the scan continues.
type SchemaViolationError struct {
	Field string
	Msg   string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("schema violation on %q: %s", e.Field, e.Msg)
}

// PersistenceError indicates a storage-layer failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsFatalScanError reports whether err must abort the scan rather than be
// absorbed as a per-record failure.
// Parameters:
//   - err: error returned by the CRM client or persister.
// Returns:
//   - bool: true when the scan must transition to failed.
func IsFatalScanError(err error) bool {
	var authErr *AuthenticationError
	var malformedErr *MalformedResponseError
	var persistErr *PersistenceError
	var netErr *TransientNetworkError
	return errors.As(err, &authErr) ||
		errors.As(err, &malformedErr) ||
		errors.As(err, &persistErr) ||
		errors.As(err, &netErr)
}
