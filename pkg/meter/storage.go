package meter

import (
	"context"
	"time"
)

// RecordRef identifies a billing record for mutation. Exactly one field is
// set: webhook handlers look records up by the external identifier carried in
// the event payload, everything else by account id.
type RecordRef struct {
	AccountID      string
	SubscriptionID string
	CustomerID     string
}

// ByAccount references a billing record by account id.
func ByAccount(accountID string) RecordRef { return RecordRef{AccountID: accountID} }

// BySubscription references a billing record by external subscription id.
func BySubscription(subscriptionID string) RecordRef {
	return RecordRef{SubscriptionID: subscriptionID}
}

// ByCustomer references a billing record by external customer id.
func ByCustomer(customerID string) RecordRef { return RecordRef{CustomerID: customerID} }

// RecordUsageRequest is the atomic unit the ledger hands to the store: insert
// one usage event and advance the account's period counter.
type RecordUsageRequest struct {
	AccountID    string
	InputTokens  int64
	OutputTokens int64
	CostMicros   int64
	Model        string
	Endpoint     string

	// Exempt marks a BYOK call recorded for observability only: the event
	// is inserted with zero cost and the period counter is not advanced.
	Exempt bool
}

// BillingEventRecord is one entry in the append-only billing event log kept
// per record, making webhook convergence inspectable after the fact.
type BillingEventRecord struct {
	AccountID string
	Kind      string
	Payload   []byte
	CreatedAt time.Time
}

// Store defines the persistence interface for accounts, billing records, and
// usage events. Implementations must serialize mutations per account (row
// lock or equivalent) and keep unrelated accounts free of contention.
type Store interface {
	// GetAccount retrieves the metering view of an account.
	// Returns ErrAccountNotFound when it does not exist.
	GetAccount(ctx context.Context, accountID string) (*Account, error)

	// CreateAccount stores a new account together with its billing record
	// (status inactive), mirroring registration.
	CreateAccount(ctx context.Context, acct *Account) error

	// GetBillingRecord retrieves an account's billing record.
	// Returns ErrBillingRecordMissing when the account exists without one.
	GetBillingRecord(ctx context.Context, accountID string) (*BillingRecord, error)

	// MutateBilling loads the referenced billing record and its account
	// under the record's lock, applies fn, and persists both. fn may
	// change the record's fields and the account's tier; any other account
	// field is ignored. Returns ErrBillingRecordNotFound when ref matches
	// nothing.
	MutateBilling(ctx context.Context, ref RecordRef, fn func(acct *Account, rec *BillingRecord) error) error

	// RecordUsage atomically inserts a usage event and, unless the request
	// is exempt, increments tokens_used_this_period. Fails without partial
	// effect when the account has no billing record
	// (ErrBillingRecordMissing).
	RecordUsage(ctx context.Context, req *RecordUsageRequest) (*UsageEvent, error)

	// UsageSummary aggregates tokens and cost for events at or after
	// since. A zero since means all time.
	UsageSummary(ctx context.Context, accountID string, since time.Time) (*UsageSummary, error)

	// ListUsageEvents returns events for an account at or after since,
	// newest first, capped at limit.
	ListUsageEvents(ctx context.Context, accountID string, since time.Time, limit int) ([]*UsageEvent, error)

	// AppendBillingEvent appends to the per-record billing event log.
	AppendBillingEvent(ctx context.Context, rec *BillingEventRecord) error

	// GetCredential returns the sealed private-credential blob for an
	// account, or nil when none is stored.
	GetCredential(ctx context.Context, accountID string) ([]byte, error)

	// SetCredential stores (or, with nil, clears) the sealed
	// private-credential blob.
	SetCredential(ctx context.Context, accountID string, blob []byte) error
}

// CounterStore is the shared fixed-window counting backend for the rate
// limiter, sharded by key so that multiple gateway processes see the same
// counts.
type CounterStore interface {
	// Incr increments the counter for key in the fixed window containing
	// now and returns the new count together with the time remaining until
	// the window resets.
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}
