// Package http provides net/http middleware that runs the gateway's
// admission pipeline (rate limiter, then quota gate) in front of any handler.
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/cursive-ai/gateway/pkg/meter"
)

// AccountExtractor extracts the account ID from an HTTP request.
// Return empty string if the caller is not authenticated.
type AccountExtractor func(r *http.Request) string

// Config holds middleware configuration.
type Config struct {
	// Pipeline is the admission pipeline instance (required)
	Pipeline *meter.Pipeline

	// GetAccountID extracts the account from the request (required)
	GetAccountID AccountExtractor

	// OnDenied is called when admission is denied.
	// If nil, returns 429 Too Many Requests with a JSON body.
	OnDenied func(w http.ResponseWriter, r *http.Request, err error)

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that enforces admission on every
// request it wraps.
func Middleware(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := meter.Caller{
				AccountID:  config.GetAccountID(r),
				RemoteAddr: r.RemoteAddr,
			}

			err := config.Pipeline.Admit(r.Context(), caller)
			if err == nil {
				next.ServeHTTP(w, r)
				return
			}

			if errors.Is(err, meter.ErrRateLimited) || errors.Is(err, meter.ErrQuotaExceeded) {
				if config.OnDenied != nil {
					config.OnDenied(w, r, err)
				} else {
					writeDenied(w, err)
				}
				return
			}

			if config.OnError != nil {
				config.OnError(w, r, err)
			} else {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		})
	}
}

func writeDenied(w http.ResponseWriter, err error) {
	body := map[string]string{"error": "Too many requests"}

	var rateErr *meter.RateLimitedError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds())+1))
		body["error"] = "Rate limit exceeded"
	}
	var quotaErr *meter.QuotaExceededError
	if errors.As(err, &quotaErr) {
		body["error"] = "Quota exceeded"
		body["message"] = quotaErr.Message()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(body)
}
