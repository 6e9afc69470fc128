package billing

import "errors"

var (
	// ErrProcessorNotConfigured is returned when a payment processor is not properly configured
	ErrProcessorNotConfigured = errors.New("payment processor not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when a webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrTierNotConfigured is returned when a tier has no configured price
	ErrTierNotConfigured = errors.New("tier has no configured price")

	// ErrNoActiveSubscription is returned when cancellation is requested for an
	// account without an active subscription
	ErrNoActiveSubscription = errors.New("no active subscription")

	// ErrProcessorAPIError is returned when the processor's API returns an error
	ErrProcessorAPIError = errors.New("payment processor API error")
)
