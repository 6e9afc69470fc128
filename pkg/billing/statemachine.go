package billing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cursive-ai/gateway/pkg/meter"
)

// DefaultPeriodLength is the fixed billing-period length started by a
// completed checkout.
const DefaultPeriodLength = 30 * 24 * time.Hour

// StateMachine applies verified payment-processor events to billing records.
// Each application is idempotent and serialized per record by the store;
// events for distinct records never contend.
type StateMachine struct {
	store        meter.Store
	periodLength time.Duration
	logger       meter.Logger
	metrics      meter.Metrics
	now          func() time.Time
}

// StateMachineConfig holds optional state-machine settings.
type StateMachineConfig struct {
	// PeriodLength overrides DefaultPeriodLength.
	PeriodLength time.Duration

	Logger  meter.Logger
	Metrics meter.Metrics

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewStateMachine creates a state machine over the given store.
func NewStateMachine(store meter.Store, config StateMachineConfig) *StateMachine {
	if config.PeriodLength <= 0 {
		config.PeriodLength = DefaultPeriodLength
	}
	if config.Logger == nil {
		config.Logger = &meter.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &meter.NoopMetrics{}
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	return &StateMachine{
		store:        store,
		periodLength: config.PeriodLength,
		logger:       config.Logger,
		metrics:      config.Metrics,
		now:          config.Now,
	}
}

// Apply folds one event into its billing record. Unknown event kinds are
// accepted and ignored; events referencing an external id with no record are
// logged and dropped, since the record may simply not exist yet under
// at-least-once, unordered delivery. Store failures are the only errors.
func (m *StateMachine) Apply(ctx context.Context, ev Event) error {
	ref, ok := m.refFor(ev)
	if !ok {
		m.metrics.RecordWebhookEvent(ev.Kind(), "ignored")
		m.logger.Debug("ignoring unhandled billing event",
			meter.Field{Key: "kind", Value: ev.Kind()})
		return nil
	}

	var applied bool
	var accountID string
	err := m.store.MutateBilling(ctx, ref, func(acct *meter.Account, rec *meter.BillingRecord) error {
		accountID = rec.AccountID
		applied = Reduce(acct, rec, ev, m.now(), m.periodLength)
		return nil
	})
	if err != nil {
		if errors.Is(err, meter.ErrBillingRecordNotFound) {
			m.metrics.RecordWebhookEvent(ev.Kind(), "dropped")
			m.logger.Warn("billing event references unknown record, dropping",
				meter.Field{Key: "kind", Value: ev.Kind()},
				meter.Field{Key: "ref", Value: ref})
			return nil
		}
		m.metrics.RecordWebhookEvent(ev.Kind(), "error")
		return err
	}

	if applied {
		m.metrics.RecordWebhookEvent(ev.Kind(), "applied")
		m.appendLog(ctx, accountID, ev)
	} else {
		m.metrics.RecordWebhookEvent(ev.Kind(), "ignored")
	}
	m.logger.Info("billing event processed",
		meter.Field{Key: "kind", Value: ev.Kind()},
		meter.Field{Key: "applied", Value: applied})
	return nil
}

func (m *StateMachine) refFor(ev Event) (meter.RecordRef, bool) {
	switch e := ev.(type) {
	case CheckoutCompleted:
		return meter.ByAccount(e.AccountID), true
	case SubscriptionUpdated:
		return meter.BySubscription(e.SubscriptionID), true
	case SubscriptionDeleted:
		return meter.BySubscription(e.SubscriptionID), true
	case PaymentFailed:
		return meter.ByCustomer(e.CustomerID), true
	default:
		return meter.RecordRef{}, false
	}
}

// appendLog records the applied event in the per-record event log. Best
// effort: a log append failure does not undo the transition.
func (m *StateMachine) appendLog(ctx context.Context, accountID string, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		payload = nil
	}
	if err := m.store.AppendBillingEvent(ctx, &meter.BillingEventRecord{
		AccountID: accountID,
		Kind:      ev.Kind(),
		Payload:   payload,
		CreatedAt: m.now(),
	}); err != nil {
		m.logger.Warn("failed to append billing event log",
			meter.Field{Key: "kind", Value: ev.Kind()},
			meter.Field{Key: "error", Value: err})
	}
}
