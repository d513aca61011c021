package hubspot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/dealscan/hubspot-deals-etl/internal/config"
	"github.com/dealscan/hubspot-deals-etl/internal/domain"
	"github.com/dealscan/hubspot-deals-etl/internal/logger"
)

const (
	userAgent = "hubspot-deals-etl/1.0"

	// maxPageSize is the provider cap on the deals listing endpoint.
	maxPageSize = 100
)

// RawDeal is one deal object exactly as returned by the CRM listing endpoint.
type RawDeal struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
	Archived   bool              `json:"archived"`
	CreatedAt  *time.Time        `json:"createdAt,omitempty"`
	UpdatedAt  *time.Time        `json:"updatedAt,omitempty"`
}

// Page is one page of the deals listing. NextCursor is empty on the last page.
type Page struct {
	Results    []RawDeal
	NextCursor string
}

// PageRequest describes one paginated listing call. Cursor is the opaque token
// from the previous page, echoed back verbatim; never interpreted.
type PageRequest struct {
	Cursor     string
	Properties []string
	Archived   bool
	PageSize   int
	// Filters is the provider-specific escape hatch, appended as query
	// parameters as-is.
	Filters map[string]string
}

// Client wraps paginated GET requests to the CRM deals listing endpoint and
// translates HTTP-level failures into the typed errors of the domain package.
// One Client is built per scan, bound to that scan's access token.
type Client struct {
	http       *resty.Client
	limiter    *RateLimiter
	baseURL    string
	apiVersion string
	maxRetries int
	retryBase  time.Duration
	retryMax   time.Duration
}

// NewClient creates a CRM client bound to one access token.
// Parameters:
//   - cfg: provider endpoint, timeout, and retry configuration.
//   - limiter: shared rate limiter; must not be nil.
//   - accessToken: bearer token from the scan configuration.
// Returns:
//   - *Client: initialized client.
func NewClient(cfg *config.HubSpotConfig, limiter *RateLimiter, accessToken string) *Client {
	httpClient := resty.New()
	httpClient.SetHeader("Authorization", "Bearer "+accessToken)
	httpClient.SetHeader("Content-Type", "application/json")
	httpClient.SetHeader("User-Agent", userAgent)
	httpClient.SetTimeout(cfg.Timeout)

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = time.Second
	}
	retryMax := cfg.RetryMax
	if retryMax <= 0 {
		retryMax = 30 * time.Second
	}

	return &Client{
		http:       httpClient,
		limiter:    limiter,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiVersion: cfg.APIVersion,
		maxRetries: maxRetries,
		retryBase:  retryBase,
		retryMax:   retryMax,
	}
}

func (c *Client) dealsURL() string {
	return fmt.Sprintf("%s/crm/%s/objects/deals", c.baseURL, c.apiVersion)
}

// VerifyCredentials checks the access token with a limit-1 listing call.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - error: AuthenticationError if the token is rejected, or the underlying
//     failure for other errors.
func (c *Client) VerifyCredentials(ctx context.Context) error {
	_, err := c.FetchPage(ctx, &PageRequest{PageSize: 1})
	if err != nil {
		return fmt.Errorf("credential verification: %w", err)
	}
	return nil
}

// FetchPage issues one authenticated listing GET for the requested page,
// retrying rate limits and transient failures with bounded backoff.
// Authentication and malformed-response failures surface immediately.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - req: page request; page sizes above the provider cap are clamped.
// Returns:
//   - *Page: decoded page with the next cursor, empty cursor on the last page.
//   - error: typed domain error after retries are exhausted.
func (c *Client) FetchPage(ctx context.Context, req *PageRequest) (*Page, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt, lastErr); err != nil {
				return nil, err
			}
		}

		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, err
		}

		page, err := c.fetchPageOnce(ctx, req)
		if err == nil {
			return page, nil
		}
		lastErr = err

		var rateErr *domain.RateLimitedError
		var netErr *domain.TransientNetworkError
		switch {
		case errors.As(err, &rateErr):
			c.limiter.Cooldown(rateErr.RetryAfter)
			logger.CtxWarn(ctx, "CRM rate limit hit, cooling down for %s", rateErr.RetryAfter)
		case errors.As(err, &netErr):
			logger.CtxWarn(ctx, "Transient CRM failure (attempt %d/%d): %v", attempt+1, c.maxRetries+1, err)
		default:
			// Fatal: authentication, malformed response.
			return nil, err
		}
	}
	return nil, lastErr
}

// backoff sleeps for an exponentially growing, fully jittered delay.
// Rate-limit errors skip the jitter sleep; the limiter cooldown already
// covers the provider's retry-after hint.
func (c *Client) backoff(ctx context.Context, attempt int, lastErr error) error {
	var rateErr *domain.RateLimitedError
	if errors.As(lastErr, &rateErr) {
		return nil
	}

	ceiling := c.retryBase << (attempt - 1)
	if ceiling > c.retryMax || ceiling <= 0 {
		ceiling = c.retryMax
	}
	delay := time.Duration(rand.Int63n(int64(ceiling) + 1))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) fetchPageOnce(ctx context.Context, req *PageRequest) (*Page, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = maxPageSize
	}
	if pageSize > maxPageSize {
		logger.CtxWarn(ctx, "Page size %d exceeds provider max %d, clamping", pageSize, maxPageSize)
		pageSize = maxPageSize
	}

	r := c.http.R().
		SetContext(ctx).
		SetQueryParam("limit", strconv.Itoa(pageSize)).
		SetQueryParam("archived", strconv.FormatBool(req.Archived))

	if req.Cursor != "" {
		r.SetQueryParam("after", req.Cursor)
	}
	if len(req.Properties) > 0 {
		r.SetQueryParam("properties", strings.Join(req.Properties, ","))
	}
	for k, v := range req.Filters {
		r.SetQueryParam(k, v)
	}

	resp, err := r.Get(c.dealsURL())
	if err != nil {
		return nil, &domain.TransientNetworkError{Err: err}
	}

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	return decodePage(resp.Body())
}

// classifyStatus maps non-2xx responses to the typed error taxonomy.
func classifyStatus(resp *resty.Response) error {
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &domain.AuthenticationError{StatusCode: code, Msg: apiErrorMessage(resp.Body())}
	case code == http.StatusTooManyRequests:
		return &domain.RateLimitedError{RetryAfter: retryAfter(resp)}
	case code >= 500:
		return &domain.TransientNetworkError{
			StatusCode: code,
			Err:        fmt.Errorf("server error: %s", apiErrorMessage(resp.Body())),
		}
	default:
		return &domain.MalformedResponseError{
			Msg: fmt.Sprintf("unexpected HTTP %d: %s", code, apiErrorMessage(resp.Body())),
		}
	}
}

func retryAfter(resp *resty.Response) time.Duration {
	if v := resp.Header().Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}

func apiErrorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	msg := string(body)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// decodePage validates the top-level response shape and decodes one page.
// The results container is required; the paging container is optional and its
// absence signals the last page.
func decodePage(body []byte) (*Page, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, &domain.MalformedResponseError{Msg: fmt.Sprintf("response is not a JSON object: %v", err)}
	}
	if _, ok := probe["results"]; !ok {
		return nil, &domain.MalformedResponseError{Msg: "response missing results container"}
	}

	var envelope struct {
		Results []RawDeal `json:"results"`
		Paging  *struct {
			Next *struct {
				After string `json:"after"`
			} `json:"next"`
		} `json:"paging"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &domain.MalformedResponseError{Msg: fmt.Sprintf("failed to decode results: %v", err)}
	}

	page := &Page{Results: envelope.Results}
	if envelope.Paging != nil && envelope.Paging.Next != nil {
		page.NextCursor = envelope.Paging.Next.After
	}
	return page, nil
}
