package meter

import (
	"context"
	"time"
)

// Ledger persists usage events and keeps the per-period token counter
// current. Every completed upstream call funnels through Record exactly once.
type Ledger struct {
	store   Store
	cost    CostModel
	logger  Logger
	metrics Metrics
}

// NewLedger creates a ledger over the given store and cost model.
func NewLedger(store Store, cost CostModel, logger Logger, metrics Metrics) *Ledger {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &Ledger{store: store, cost: cost, logger: logger, metrics: metrics}
}

// RecordRequest describes one completed upstream call to account for.
type RecordRequest struct {
	AccountID    string
	Tokens       TokenCounts
	Model        string
	Endpoint     string

	// Exempt marks a BYOK call: logged with zero attributed cost, not
	// counted against the period quota.
	Exempt bool
}

// Record computes the cost and writes the usage event plus counter increment
// as one atomic store operation. A missing billing record surfaces as
// ErrBillingRecordMissing; nothing is applied in that case.
func (l *Ledger) Record(ctx context.Context, req RecordRequest) (*UsageEvent, error) {
	if req.Tokens.Input < 0 || req.Tokens.Output < 0 {
		return nil, ErrInvalidTokenCount
	}

	var costMicros int64
	if !req.Exempt {
		costMicros = l.cost.Cost(req.Tokens.Input, req.Tokens.Output, req.Model)
	}

	start := time.Now()
	event, err := l.store.RecordUsage(ctx, &RecordUsageRequest{
		AccountID:    req.AccountID,
		InputTokens:  req.Tokens.Input,
		OutputTokens: req.Tokens.Output,
		CostMicros:   costMicros,
		Model:        req.Model,
		Endpoint:     req.Endpoint,
		Exempt:       req.Exempt,
	})
	l.metrics.RecordStoreOperation("record_usage", time.Since(start), err)
	if err != nil {
		l.logger.Error("failed to record usage",
			Field{Key: "account_id", Value: req.AccountID},
			Field{Key: "tokens", Value: req.Tokens.Total()},
			Field{Key: "error", Value: err})
		return nil, err
	}

	l.metrics.RecordUsage("", req.Model, req.Tokens.Total(), costMicros, req.Exempt)
	l.logger.Info("usage recorded",
		Field{Key: "account_id", Value: req.AccountID},
		Field{Key: "tokens", Value: req.Tokens.Total()},
		Field{Key: "cost", Value: FormatMicros(costMicros)},
		Field{Key: "model", Value: req.Model},
		Field{Key: "endpoint", Value: req.Endpoint})
	return event, nil
}
