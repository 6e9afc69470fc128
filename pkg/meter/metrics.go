package meter

import "time"

// Metrics defines the interface for tracking metering operations.
type Metrics interface {
	// RecordAdmission records an admission-pipeline decision.
	// outcome is one of "allowed", "rate_limited", "quota_exceeded", "error".
	RecordAdmission(tier string, outcome string)

	// RecordUsage records a persisted usage event.
	RecordUsage(tier, model string, tokens int64, costMicros int64, exempt bool)

	// RecordRateLimitDenied records a rate-limit denial for a window
	// ("minute" or "day").
	RecordRateLimitDenied(window string)

	// RecordStreamOutcome records a finished upstream stream
	// ("completed" or "failed").
	RecordStreamOutcome(outcome string)

	// RecordWebhookEvent records a processed payment-processor event by
	// kind and outcome ("applied", "ignored", "dropped", "error").
	RecordWebhookEvent(kind, outcome string)

	// RecordStoreOperation records the duration and status of a store
	// operation.
	RecordStoreOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordAdmission(tier string, outcome string)                             {}
func (n *NoopMetrics) RecordUsage(tier, model string, tokens int64, costMicros int64, exempt bool) {}
func (n *NoopMetrics) RecordRateLimitDenied(window string)                                     {}
func (n *NoopMetrics) RecordStreamOutcome(outcome string)                                      {}
func (n *NoopMetrics) RecordWebhookEvent(kind, outcome string)                                 {}
func (n *NoopMetrics) RecordStoreOperation(operation string, duration time.Duration, err error) {
}
