package billing

import "context"

// CheckoutRequest describes a hosted checkout session for upgrading an
// account to a paid tier.
type CheckoutRequest struct {
	AccountID  string
	Email      string
	Tier       string
	CustomerID string // existing payment customer, empty to create one
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is the result of creating a hosted checkout session.
type CheckoutSession struct {
	ID  string
	URL string
}

// PaymentProcessor is the generic interface that any payment backend must
// implement. The gateway never talks to a payment API directly; it goes
// through this interface so the processor can be swapped or faked in tests.
type PaymentProcessor interface {
	// Name returns the processor name (e.g., "stripe")
	Name() string

	// VerifyWebhook validates the raw webhook payload against its signature
	// and translates it into a billing Event. Unrecognized event types map
	// to Unknown rather than an error; signature failures return
	// ErrInvalidWebhookSignature.
	VerifyWebhook(payload []byte, signature string) (Event, error)

	// CreateCustomer registers the account with the processor and returns
	// the processor-side customer ID.
	CreateCustomer(ctx context.Context, accountID, email string) (string, error)

	// CreateCheckoutSession creates a hosted checkout session for a tier
	// upgrade and returns the session the caller should redirect to.
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)

	// CancelSubscription schedules the subscription for cancellation at the
	// end of the current billing period.
	CancelSubscription(ctx context.Context, subscriptionID string) error
}
