// Package gin provides Gin middleware for gateway admission enforcement.
package gin

import (
	"errors"
	"fmt"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/cursive-ai/gateway/pkg/meter"
)

// AccountExtractor extracts the account ID from a Gin context.
// Return empty string if the caller is not authenticated.
type AccountExtractor func(c *gongin.Context) string

// Config holds middleware configuration.
type Config struct {
	// Pipeline is the admission pipeline instance (required)
	Pipeline *meter.Pipeline

	// GetAccountID extracts the account from the context (required)
	GetAccountID AccountExtractor

	// OnRateLimited is called when the rate limiter denies the request.
	// If nil, uses the default 429 JSON response with a Retry-After header.
	OnRateLimited func(c *gongin.Context, err *meter.RateLimitedError)

	// OnQuotaExceeded is called when the quota gate denies the request.
	// If nil, uses the default 429 JSON response.
	OnQuotaExceeded func(c *gongin.Context, err *meter.QuotaExceededError)

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error.
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that runs admission on every request.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Pipeline == nil {
		panic("gateway/gin: Config.Pipeline is required")
	}
	if cfg.GetAccountID == nil {
		panic("gateway/gin: Config.GetAccountID is required")
	}

	return func(c *gongin.Context) {
		caller := meter.Caller{
			AccountID:  cfg.GetAccountID(c),
			RemoteAddr: c.ClientIP(),
		}

		err := cfg.Pipeline.Admit(c.Request.Context(), caller)
		if err == nil {
			c.Next()
			return
		}

		var rateErr *meter.RateLimitedError
		if errors.As(err, &rateErr) {
			c.Header("Retry-After", fmt.Sprintf("%.0f", rateErr.RetryAfter.Seconds()))
			if cfg.OnRateLimited != nil {
				cfg.OnRateLimited(c, rateErr)
			} else {
				c.JSON(http.StatusTooManyRequests, gongin.H{
					"error":       "Rate limit exceeded",
					"retry_after": rateErr.RetryAfter.Seconds(),
				})
			}
			c.Abort()
			return
		}

		var quotaErr *meter.QuotaExceededError
		if errors.As(err, &quotaErr) {
			if cfg.OnQuotaExceeded != nil {
				cfg.OnQuotaExceeded(c, quotaErr)
			} else {
				c.JSON(http.StatusTooManyRequests, gongin.H{
					"error":   "Quota exceeded",
					"message": quotaErr.Message(),
				})
			}
			c.Abort()
			return
		}

		if cfg.OnError != nil {
			cfg.OnError(c, err)
		} else {
			c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
		}
		c.Abort()
	}
}

// FromContext returns an AccountExtractor that reads the account ID set by an
// auth middleware via c.Set.
func FromContext(key string) AccountExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns an AccountExtractor that reads the account ID from a
// header.
func FromHeader(headerName string) AccountExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}
