package billing

import (
	"time"

	"github.com/cursive-ai/gateway/pkg/meter"
)

// Reduce folds one event into an account and its billing record. It is pure:
// given the same inputs it always produces the same mutation, which makes
// webhook convergence a property of the fold rather than of database update
// order. Returns false when the event is a no-op for this record (replay or
// unknown kind).
func Reduce(acct *meter.Account, rec *meter.BillingRecord, ev Event, now time.Time, periodLength time.Duration) bool {
	switch e := ev.(type) {
	case CheckoutCompleted:
		// Replay guard: the same checkout re-delivered must not reset
		// the period again.
		if rec.Status == meter.StatusActive && rec.SubscriptionID == e.SubscriptionID {
			return false
		}
		rec.Status = meter.StatusActive
		rec.SubscriptionID = e.SubscriptionID
		if e.CustomerID != "" {
			rec.CustomerID = e.CustomerID
		}
		rec.PeriodStart = now
		rec.PeriodEnd = now.Add(periodLength)
		rec.TokensUsedThisPeriod = 0
		acct.Tier = e.Tier
		return true

	case SubscriptionUpdated:
		if rec.Status == e.Status {
			return false
		}
		rec.Status = e.Status
		return true

	case SubscriptionDeleted:
		if rec.Status == meter.StatusCanceled && rec.SubscriptionID == "" {
			return false
		}
		rec.Status = meter.StatusCanceled
		rec.SubscriptionID = ""
		acct.Tier = meter.TierFree
		return true

	case PaymentFailed:
		if rec.Status == meter.StatusPastDue {
			return false
		}
		rec.Status = meter.StatusPastDue
		return true

	default:
		return false
	}
}
