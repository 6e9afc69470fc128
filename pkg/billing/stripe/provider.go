// Package stripe implements billing.PaymentProcessor on top of the Stripe
// API. Webhook verification uses Stripe's signed-payload scheme; all other
// calls go through the official client.
package stripe

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/cursive-ai/gateway/pkg/billing"
	"github.com/cursive-ai/gateway/pkg/meter"
)

const processorName = "stripe"

// Config holds the Stripe credentials and the tier-to-price mapping.
type Config struct {
	APIKey        string
	WebhookSecret string

	// PriceIDs maps a paid tier to the Stripe Price ID sold for it.
	PriceIDs map[meter.Tier]string

	Logger  meter.Logger
	Metrics meter.Metrics
}

// Processor implements the billing.PaymentProcessor interface for Stripe.
type Processor struct {
	client        *stripe.Client
	webhookSecret string
	priceIDs      map[meter.Tier]string
	logger        meter.Logger
	metrics       meter.Metrics
}

// NewProcessor creates a new Stripe payment processor.
func NewProcessor(config Config) (*Processor, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProcessorNotConfigured
	}
	webhookSecret := strings.TrimSpace(config.WebhookSecret)
	if webhookSecret == "" {
		return nil, billing.ErrProcessorNotConfigured
	}

	logger := config.Logger
	if logger == nil {
		logger = &meter.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &meter.NoopMetrics{}
	}

	priceIDs := make(map[meter.Tier]string, len(config.PriceIDs))
	for tier, priceID := range config.PriceIDs {
		priceIDs[tier] = strings.TrimSpace(priceID)
	}

	return &Processor{
		client:        stripe.NewClient(apiKey),
		webhookSecret: webhookSecret,
		priceIDs:      priceIDs,
		logger:        logger,
		metrics:       metrics,
	}, nil
}

// Name returns the processor name.
func (p *Processor) Name() string {
	return processorName
}

// CreateCustomer registers the account as a Stripe customer. The account id
// travels in customer metadata so webhook handlers can always map back.
func (p *Processor) CreateCustomer(ctx context.Context, accountID, email string) (string, error) {
	params := &stripe.CustomerCreateParams{
		Email: stripe.String(email),
	}
	params.AddMetadata("account_id", accountID)

	cust, err := p.client.V1Customers.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%w: create customer: %v", billing.ErrProcessorAPIError, err)
	}
	return cust.ID, nil
}

// CreateCheckoutSession creates a subscription-mode Checkout Session for the
// requested tier. Account id and tier are injected into session metadata so
// the checkout.session.completed webhook can complete the upgrade without
// extra lookups.
func (p *Processor) CreateCheckoutSession(
	ctx context.Context, req billing.CheckoutRequest,
) (*billing.CheckoutSession, error) {
	priceID := p.priceIDs[meter.Tier(req.Tier)]
	if priceID == "" {
		return nil, fmt.Errorf("%w: %s", billing.ErrTierNotConfigured, req.Tier)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	params.Metadata = map[string]string{
		"account_id": req.AccountID,
		"tier":       req.Tier,
	}

	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else {
		params.ClientReferenceID = stripe.String(req.AccountID)
		if req.Email != "" {
			params.CustomerEmail = stripe.String(req.Email)
		}
	}

	session, err := p.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: create checkout session: %v", billing.ErrProcessorAPIError, err)
	}
	return &billing.CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// CancelSubscription schedules the subscription to lapse at the end of the
// current billing period. The eventual customer.subscription.deleted webhook
// performs the downgrade.
func (p *Processor) CancelSubscription(ctx context.Context, subscriptionID string) error {
	if subscriptionID == "" {
		return billing.ErrNoActiveSubscription
	}
	params := &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	if _, err := p.client.V1Subscriptions.Update(ctx, subscriptionID, params); err != nil {
		return fmt.Errorf("%w: cancel subscription: %v", billing.ErrProcessorAPIError, err)
	}
	return nil
}
