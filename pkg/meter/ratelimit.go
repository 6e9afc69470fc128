package meter

import (
	"context"
	"fmt"
	"time"
)

// Scope selects the per-minute ceiling for an endpoint class. AI-proxy
// endpoints run at half the default per-minute rate; the daily ceiling is
// shared.
type Scope string

const (
	// ScopeDefault applies the configured per-minute ceiling.
	ScopeDefault Scope = "default"
	// ScopeAI applies half the per-minute ceiling.
	ScopeAI Scope = "ai"
)

// AccountIdentity returns the rate-limit key for an authenticated caller.
func AccountIdentity(accountID string) string { return "account:" + accountID }

// IPIdentity returns the rate-limit key for an anonymous caller.
func IPIdentity(addr string) string { return "ip:" + addr }

// LimiterConfig holds fixed-window rate-limit settings.
type LimiterConfig struct {
	// Enabled turns the limiter off entirely when false.
	Enabled bool

	// PerMinute and PerDay are the default window ceilings.
	PerMinute int
	PerDay    int
}

// Limiter is a fixed-window request-count throttle keyed by caller identity.
// Counts live in a shared CounterStore so every gateway process enforces the
// same windows. The limiter never blocks; it only answers allow or deny with
// a retry-after hint.
type Limiter struct {
	counters CounterStore
	config   LimiterConfig
	logger   Logger
	metrics  Metrics
}

// NewLimiter creates a rate limiter over the given counter store.
func NewLimiter(counters CounterStore, config LimiterConfig, logger Logger, metrics Metrics) *Limiter {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &Limiter{counters: counters, config: config, logger: logger, metrics: metrics}
}

// Allow checks the per-minute and per-day windows for identity, in that
// order. On denial the returned error is a *RateLimitedError carrying the
// window's reset as the retry-after hint. Counter-store failures admit the
// request: rate limiting degrades open rather than blocking traffic.
func (l *Limiter) Allow(ctx context.Context, identity string, scope Scope) error {
	if !l.config.Enabled {
		return nil
	}

	perMinute := l.config.PerMinute
	if scope == ScopeAI && perMinute > 0 {
		perMinute /= 2
		if perMinute < 1 {
			perMinute = 1
		}
	}

	if err := l.check(ctx, identity, "minute", time.Minute, perMinute); err != nil {
		return err
	}
	return l.check(ctx, identity, "day", 24*time.Hour, l.config.PerDay)
}

func (l *Limiter) check(ctx context.Context, identity, window string, windowLen time.Duration, limit int) error {
	if limit <= 0 {
		return nil
	}

	key := fmt.Sprintf("%s:%s", identity, window)
	count, resetIn, err := l.counters.Incr(ctx, key, windowLen)
	if err != nil {
		// Degrade open on store failure.
		l.logger.Warn("rate-limit counter unavailable, allowing request",
			Field{Key: "identity", Value: identity},
			Field{Key: "error", Value: err})
		return nil
	}

	if count > int64(limit) {
		l.metrics.RecordRateLimitDenied(window)
		l.logger.Warn("rate limit exceeded",
			Field{Key: "identity", Value: identity},
			Field{Key: "window", Value: window},
			Field{Key: "count", Value: count},
			Field{Key: "limit", Value: limit})
		return &RateLimitedError{Window: window, Limit: limit, RetryAfter: resetIn}
	}
	return nil
}
