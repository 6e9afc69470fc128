package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/cursive-ai/gateway/pkg/meter"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Response already committed, nothing left to do.
		return
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeAdmissionError maps admission pipeline denials onto the HTTP surface:
// both throttle classes answer 429, rate limiting with a Retry-After hint.
func writeAdmissionError(w http.ResponseWriter, err error) {
	var rateErr *meter.RateLimitedError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds())+1))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:   "Rate limit exceeded",
			Message: fmt.Sprintf("Too many requests. Limit: %d per %s.", rateErr.Limit, rateErr.Window),
		})
		return
	}

	var quotaErr *meter.QuotaExceededError
	if errors.As(err, &quotaErr) {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:   "Quota exceeded",
			Message: quotaErr.Message(),
		})
		return
	}

	if errors.Is(err, meter.ErrAccountNotFound) {
		writeError(w, http.StatusUnauthorized, "unknown account")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

var errBodyTooLarge = errors.New("request body too large")

// readBody reads the request body up to limit, failing on oversized payloads
// instead of truncating them.
func readBody(r *http.Request, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := readBody(r, maxRequestBody)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "failed to read request body")
		}
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
