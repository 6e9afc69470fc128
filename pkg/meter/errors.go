package meter

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrQuotaExceeded is returned when the period token ceiling is reached.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrRateLimited is returned when a request-rate window is exhausted.
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalidTokenCount is returned for negative token counts.
	ErrInvalidTokenCount = errors.New("invalid token count")

	// ErrAccountNotFound is returned when the account does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrBillingRecordMissing indicates an account without a billing record.
	// Every account gets one at registration, so this is a data-integrity
	// fault, not a user-facing quota condition.
	ErrBillingRecordMissing = errors.New("billing record missing")

	// ErrBillingRecordNotFound is returned when a billing record lookup by
	// external identifier matches nothing.
	ErrBillingRecordNotFound = errors.New("billing record not found")

	// ErrNoCredential is returned when an account has no private upstream
	// credential on file.
	ErrNoCredential = errors.New("no private credential")

	// ErrStoreUnavailable is returned when the backing store is unreachable.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// QuotaExceededError carries the user-facing detail for a quota denial.
type QuotaExceededError struct {
	Tier    Tier
	Ceiling int64
	Used    int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %d of %d monthly tokens used on the %s tier", e.Used, e.Ceiling, e.Tier)
}

// Is makes errors.Is(err, ErrQuotaExceeded) match.
func (e *QuotaExceededError) Is(target error) bool { return target == ErrQuotaExceeded }

// Message is the text shown to the caller, naming the ceiling and the ways
// out of it.
func (e *QuotaExceededError) Message() string {
	return fmt.Sprintf(
		"You have exceeded your monthly token quota of %d. Please upgrade your plan or add your own API key.",
		e.Ceiling)
}

// RateLimitedError carries the retry-after hint for a throttled request.
type RateLimitedError struct {
	Window     string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %d per %s exceeded, retry in %s", e.Limit, e.Window, e.RetryAfter)
}

// Is makes errors.Is(err, ErrRateLimited) match.
func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }
