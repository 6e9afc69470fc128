package meter

import (
	"fmt"
	"time"
)

// Tier is a subscription level governing quota ceilings and rate-limit
// exemptions.
type Tier string

const (
	// TierFree is the default tier for new accounts.
	TierFree Tier = "free"
	// TierPro is the paid tier with a larger included token allowance.
	TierPro Tier = "pro"
	// TierEnterprise is unmetered: no token ceiling, no rate limiting.
	TierEnterprise Tier = "enterprise"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierEnterprise:
		return true
	}
	return false
}

// SubscriptionStatus is the lifecycle state of a billing record. It only
// changes in reaction to payment-processor events.
type SubscriptionStatus string

const (
	StatusInactive  SubscriptionStatus = "inactive"
	StatusActive    SubscriptionStatus = "active"
	StatusPastDue   SubscriptionStatus = "past_due"
	StatusCanceling SubscriptionStatus = "canceling"
	StatusCanceled  SubscriptionStatus = "canceled"
	StatusTrialing  SubscriptionStatus = "trialing"
)

// Account is the slice of the externally-owned account row that the metering
// core reads: identity, tier, and whether a private upstream credential is on
// file. The credential itself is only reachable through a CredentialVault.
type Account struct {
	ID            string
	Email         string
	Tier          Tier
	HasCredential bool
	CreatedAt     time.Time
}

// BillingRecord tracks one account's subscription state and the running
// token counter for the current billing period. Exactly one exists per
// account; it is created at registration with status inactive.
type BillingRecord struct {
	AccountID            string
	Status               SubscriptionStatus
	PeriodStart          time.Time
	PeriodEnd            time.Time
	TokensUsedThisPeriod int64

	// External payment-processor identifiers. Empty when the account has
	// never checked out; unique across records when set.
	CustomerID     string
	SubscriptionID string

	UpdatedAt time.Time
}

// UsageEvent is an immutable record of one upstream call's token consumption.
// Events are append-only; the per-period counter on BillingRecord is a cached
// aggregate of them.
type UsageEvent struct {
	ID           int64
	AccountID    string
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64

	// CostMicros is the attributed cost in micro-USD (six fractional
	// digits of a dollar). Zero for exempt (BYOK) calls.
	CostMicros int64

	Model     string
	Endpoint  string
	CreatedAt time.Time
}

// TokenCounts carries the token usage reported by the upstream provider for
// one call.
type TokenCounts struct {
	Input  int64
	Output int64
}

// Total returns input plus output tokens.
func (c TokenCounts) Total() int64 { return c.Input + c.Output }

// TierQuotas maps tiers to their monthly token ceilings. Enterprise is never
// consulted here: the quota gate admits it unconditionally. Unknown tiers
// fall back to the free ceiling.
type TierQuotas map[Tier]int64

// Ceiling returns the monthly token ceiling for a tier.
func (q TierQuotas) Ceiling(tier Tier) int64 {
	if limit, ok := q[tier]; ok {
		return limit
	}
	return q[TierFree]
}

// UsageSummary aggregates usage events over a window for the reporting
// surface.
type UsageSummary struct {
	AccountID       string
	TotalTokens     int64
	TotalCostMicros int64
	EventCount      int64
}

// FormatMicros renders a micro-USD amount as a decimal string with six
// fractional digits, e.g. 20700 -> "0.020700".
func FormatMicros(micros int64) string {
	sign := ""
	if micros < 0 {
		sign = "-"
		micros = -micros
	}
	return fmt.Sprintf("%s%d.%06d", sign, micros/1_000_000, micros%1_000_000)
}
