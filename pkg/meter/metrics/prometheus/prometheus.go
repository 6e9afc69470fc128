// Package prommetrics provides a Prometheus implementation of meter.Metrics.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements meter.Metrics using Prometheus.
type Metrics struct {
	admissionTotal        *prometheus.CounterVec
	usageTokensTotal      *prometheus.CounterVec
	usageCostMicrosTotal  *prometheus.CounterVec
	usageEventsTotal      *prometheus.CounterVec
	rateLimitDeniedTotal  *prometheus.CounterVec
	streamOutcomesTotal   *prometheus.CounterVec
	webhookEventsTotal    *prometheus.CounterVec
	storeOpsDuration      *prometheus.HistogramVec
	storeOpsErrors        *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		admissionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_total",
			Help:      "Total number of admission-pipeline decisions.",
		}, []string{"tier", "outcome"}),

		usageTokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_tokens_total",
			Help:      "Total tokens recorded against the ledger.",
		}, []string{"model", "exempt"}),

		usageCostMicrosTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_cost_micros_total",
			Help:      "Total attributed cost in micro-USD.",
		}, []string{"model"}),

		usageEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_events_total",
			Help:      "Total number of usage events recorded.",
		}, []string{"model", "exempt"}),

		rateLimitDeniedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_denied_total",
			Help:      "Total number of rate-limit denials.",
		}, []string{"window"}),

		streamOutcomesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_outcomes_total",
			Help:      "Total number of finished upstream streams.",
		}, []string{"outcome"}),

		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Total number of payment-processor webhook events.",
		}, []string{"kind", "outcome"}),

		storeOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Latency of store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storeOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operation_errors_total",
			Help:      "Total number of store operation errors.",
		}, []string{"operation"}),
	}
}

// RecordAdmission implements meter.Metrics.
func (m *Metrics) RecordAdmission(tier string, outcome string) {
	if tier == "" {
		tier = "anonymous"
	}
	m.admissionTotal.WithLabelValues(tier, outcome).Inc()
}

// RecordUsage implements meter.Metrics.
func (m *Metrics) RecordUsage(tier, model string, tokens int64, costMicros int64, exempt bool) {
	ex := strconv.FormatBool(exempt)
	m.usageTokensTotal.WithLabelValues(model, ex).Add(float64(tokens))
	m.usageEventsTotal.WithLabelValues(model, ex).Inc()
	if !exempt {
		m.usageCostMicrosTotal.WithLabelValues(model).Add(float64(costMicros))
	}
}

// RecordRateLimitDenied implements meter.Metrics.
func (m *Metrics) RecordRateLimitDenied(window string) {
	m.rateLimitDeniedTotal.WithLabelValues(window).Inc()
}

// RecordStreamOutcome implements meter.Metrics.
func (m *Metrics) RecordStreamOutcome(outcome string) {
	m.streamOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordWebhookEvent implements meter.Metrics.
func (m *Metrics) RecordWebhookEvent(kind, outcome string) {
	m.webhookEventsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordStoreOperation implements meter.Metrics.
func (m *Metrics) RecordStoreOperation(operation string, duration time.Duration, err error) {
	m.storeOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storeOpsErrors.WithLabelValues(operation).Inc()
	}
}
