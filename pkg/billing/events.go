// Package billing owns the subscription lifecycle of a billing record. The
// state machine never transitions unprompted: every change is the application
// of one payment-processor event, delivered at-least-once and possibly out of
// order.
package billing

import (
	"time"

	"github.com/cursive-ai/gateway/pkg/meter"
)

// Event is one payment-processor notification, already verified and parsed
// into a tagged variant. Each variant maps to exactly one state-machine
// transition.
type Event interface {
	// Kind returns the stable event kind name used in logs, metrics, and
	// the billing event log.
	Kind() string
}

// CheckoutCompleted activates a subscription: status active, fresh billing
// period, token counter reset, account tier set to the purchased tier.
type CheckoutCompleted struct {
	AccountID      string
	Tier           meter.Tier
	SubscriptionID string
	CustomerID     string
	OccurredAt     time.Time
}

func (CheckoutCompleted) Kind() string { return "checkout_completed" }

// SubscriptionUpdated carries the processor's view of the subscription
// status, applied verbatim.
type SubscriptionUpdated struct {
	SubscriptionID string
	Status         meter.SubscriptionStatus
}

func (SubscriptionUpdated) Kind() string { return "subscription_updated" }

// SubscriptionDeleted ends a subscription: status canceled, external
// subscription id cleared, account downgraded to free.
type SubscriptionDeleted struct {
	SubscriptionID string
}

func (SubscriptionDeleted) Kind() string { return "subscription_deleted" }

// PaymentFailed marks the record past due, looked up by customer id since
// failed invoices may not reference a subscription.
type PaymentFailed struct {
	CustomerID string
}

func (PaymentFailed) Kind() string { return "payment_failed" }

// Unknown is any event kind this subsystem does not react to. Accepted and
// ignored for forward compatibility.
type Unknown struct {
	Type string
}

func (u Unknown) Kind() string { return "unknown:" + u.Type }
