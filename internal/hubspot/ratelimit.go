package hubspot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dealscan/hubspot-deals-etl/internal/config"
)

// RateLimiter throttles outbound CRM calls to stay under the provider quota.
// The quota is shared across all scans running in this process; the effective
// rate is the advertised limit scaled down by the configured headroom. A
// retry-after signal from the provider puts the limiter into a cooldown during
// which Acquire blocks for at least the signaled duration.
type RateLimiter struct {
	limiter *rate.Limiter
	maxWait time.Duration

	mu            sync.Mutex
	cooldownUntil time.Time
}

// NewRateLimiter creates a limiter from the provider quota configuration.
// Parameters:
//   - cfg: quota expressed as requests per sliding window plus headroom.
// Returns:
//   - *RateLimiter: limiter safe for concurrent use by multiple scans.
func NewRateLimiter(cfg *config.RateConfig) *RateLimiter {
	window := cfg.Window
	if window <= 0 {
		window = 10 * time.Second
	}
	headroom := cfg.Headroom
	if headroom <= 0 || headroom > 1 {
		headroom = 0.7
	}
	perSecond := float64(cfg.RequestsPerWindow) * headroom / window.Seconds()
	if perSecond <= 0 {
		perSecond = 1
	}
	// Allow bursting up to one second's allowance.
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = time.Minute
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		maxWait: maxWait,
	}
}

// Acquire blocks until it is safe to issue one more outbound request. The
// total wait is bounded by the configured maximum, never unbounded.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - error: non-nil if the context ends or the bounded wait is exceeded.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	deadline := time.Now().Add(l.maxWait)

	l.mu.Lock()
	cooldown := time.Until(l.cooldownUntil)
	l.mu.Unlock()

	if cooldown > 0 {
		if time.Now().Add(cooldown).After(deadline) {
			return fmt.Errorf("rate limiter cooldown %s exceeds max wait %s", cooldown, l.maxWait)
		}
		timer := time.NewTimer(cooldown)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	if err := l.limiter.Wait(waitCtx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}
	return nil
}

// Cooldown enters a cooldown for at least d, clamped to the maximum wait.
// Called when the provider returns an explicit retry-after signal.
// Parameters:
//   - d: provider-signaled retry-after duration.
// Returns: none.
func (l *RateLimiter) Cooldown(d time.Duration) {
	if d <= 0 {
		return
	}
	if d > l.maxWait {
		d = l.maxWait
	}
	until := time.Now().Add(d)

	l.mu.Lock()
	if until.After(l.cooldownUntil) {
		l.cooldownUntil = until
	}
	l.mu.Unlock()
}
