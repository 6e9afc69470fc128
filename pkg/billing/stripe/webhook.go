package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/cursive-ai/gateway/pkg/billing"
	"github.com/cursive-ai/gateway/pkg/meter"
)

// VerifyWebhook validates the Stripe signature header against the raw
// payload and translates the event into a billing variant. Event types this
// subsystem does not react to come back as billing.Unknown with a nil error;
// the webhook endpoint acknowledges them so Stripe stops retrying.
func (p *Processor) VerifyWebhook(payload []byte, signature string) (billing.Event, error) {
	event, err := stripe.ConstructEvent(payload, signature, p.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
	}
	return p.eventFromStripe(&event)
}

// eventFromStripe maps a verified Stripe event to a billing variant. Kept
// separate from signature verification so tests can exercise the mapping
// with constructed events.
func (p *Processor) eventFromStripe(event *stripe.Event) (billing.Event, error) {
	switch event.Type {
	case "checkout.session.completed":
		return p.checkoutCompleted(event)

	case "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: unmarshal subscription: %v", billing.ErrInvalidWebhookPayload, err)
		}
		if sub.ID == "" {
			return nil, fmt.Errorf("%w: subscription id missing", billing.ErrInvalidWebhookPayload)
		}
		return billing.SubscriptionUpdated{
			SubscriptionID: sub.ID,
			Status:         meter.SubscriptionStatus(sub.Status),
		}, nil

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: unmarshal subscription: %v", billing.ErrInvalidWebhookPayload, err)
		}
		if sub.ID == "" {
			return nil, fmt.Errorf("%w: subscription id missing", billing.ErrInvalidWebhookPayload)
		}
		return billing.SubscriptionDeleted{SubscriptionID: sub.ID}, nil

	case "invoice.payment_failed":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return nil, fmt.Errorf("%w: unmarshal invoice: %v", billing.ErrInvalidWebhookPayload, err)
		}
		if invoice.Customer == nil || invoice.Customer.ID == "" {
			return nil, fmt.Errorf("%w: invoice customer missing", billing.ErrInvalidWebhookPayload)
		}
		return billing.PaymentFailed{CustomerID: invoice.Customer.ID}, nil

	default:
		return billing.Unknown{Type: string(event.Type)}, nil
	}
}

func (p *Processor) checkoutCompleted(event *stripe.Event) (billing.Event, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("%w: unmarshal checkout session: %v", billing.ErrInvalidWebhookPayload, err)
	}

	accountID := ""
	if session.Metadata != nil {
		accountID = session.Metadata["account_id"]
	}
	if accountID == "" {
		return nil, fmt.Errorf("%w: metadata.account_id missing on session %s",
			billing.ErrInvalidWebhookPayload, session.ID)
	}

	tier := meter.TierPro
	if session.Metadata["tier"] != "" {
		tier = meter.Tier(session.Metadata["tier"])
		if !tier.Valid() {
			return nil, fmt.Errorf("%w: unknown tier %q on session %s",
				billing.ErrInvalidWebhookPayload, session.Metadata["tier"], session.ID)
		}
	}

	subscriptionID := ""
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
	}
	if subscriptionID == "" {
		// One-time payment checkout, nothing to activate.
		return billing.Unknown{Type: string(event.Type)}, nil
	}

	customerID := ""
	if session.Customer != nil {
		customerID = session.Customer.ID
	}

	return billing.CheckoutCompleted{
		AccountID:      accountID,
		Tier:           tier,
		SubscriptionID: subscriptionID,
		CustomerID:     customerID,
		OccurredAt:     time.Unix(event.Created, 0),
	}, nil
}
