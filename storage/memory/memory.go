// Package memory provides an in-memory implementation of the meter.Store and
// meter.CounterStore interfaces. This implementation is primarily intended
// for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cursive-ai/gateway/pkg/meter"
)

// Store implements meter.Store using in-memory maps. A single mutex guards
// everything; contention is irrelevant at test scale.
type Store struct {
	mu             sync.RWMutex
	accounts       map[string]*meter.Account
	records        map[string]*meter.BillingRecord
	events         map[string][]*meter.UsageEvent
	billingLog     map[string][]*meter.BillingEventRecord
	credentials    map[string][]byte
	nextEventID    int64
	bySubscription map[string]string // subscription id -> account id
	byCustomer     map[string]string // customer id -> account id
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		accounts:       make(map[string]*meter.Account),
		records:        make(map[string]*meter.BillingRecord),
		events:         make(map[string][]*meter.UsageEvent),
		billingLog:     make(map[string][]*meter.BillingEventRecord),
		credentials:    make(map[string][]byte),
		bySubscription: make(map[string]string),
		byCustomer:     make(map[string]string),
	}
}

// GetAccount implements meter.Store.
func (s *Store) GetAccount(_ context.Context, accountID string) (*meter.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, meter.ErrAccountNotFound
	}

	// Return a copy to prevent external mutations
	acctCopy := *acct
	return &acctCopy, nil
}

// CreateAccount implements meter.Store. The billing record is created in the
// same step with status inactive.
func (s *Store) CreateAccount(_ context.Context, acct *meter.Account) error {
	if acct == nil || acct.ID == "" {
		return fmt.Errorf("invalid account")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acct.ID]; ok {
		return fmt.Errorf("account %s already exists", acct.ID)
	}

	acctCopy := *acct
	if acctCopy.Tier == "" {
		acctCopy.Tier = meter.TierFree
	}
	if acctCopy.CreatedAt.IsZero() {
		acctCopy.CreatedAt = time.Now()
	}
	s.accounts[acct.ID] = &acctCopy
	s.records[acct.ID] = &meter.BillingRecord{
		AccountID: acct.ID,
		Status:    meter.StatusInactive,
		UpdatedAt: acctCopy.CreatedAt,
	}
	return nil
}

// GetBillingRecord implements meter.Store.
func (s *Store) GetBillingRecord(_ context.Context, accountID string) (*meter.BillingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[accountID]
	if !ok {
		if _, exists := s.accounts[accountID]; exists {
			return nil, meter.ErrBillingRecordMissing
		}
		return nil, meter.ErrAccountNotFound
	}

	recCopy := *rec
	return &recCopy, nil
}

// MutateBilling implements meter.Store.
func (s *Store) MutateBilling(
	_ context.Context, ref meter.RecordRef, fn func(acct *meter.Account, rec *meter.BillingRecord) error,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	accountID, err := s.resolveLocked(ref)
	if err != nil {
		return err
	}
	rec := s.records[accountID]
	acct := s.accounts[accountID]

	// Work on copies so a failing fn leaves nothing half-applied.
	recCopy := *rec
	acctCopy := *acct
	if err := fn(&acctCopy, &recCopy); err != nil {
		return err
	}

	// Keep the external-id indexes in sync with the record.
	if rec.SubscriptionID != "" && rec.SubscriptionID != recCopy.SubscriptionID {
		delete(s.bySubscription, rec.SubscriptionID)
	}
	if recCopy.SubscriptionID != "" {
		s.bySubscription[recCopy.SubscriptionID] = accountID
	}
	if rec.CustomerID != "" && rec.CustomerID != recCopy.CustomerID {
		delete(s.byCustomer, rec.CustomerID)
	}
	if recCopy.CustomerID != "" {
		s.byCustomer[recCopy.CustomerID] = accountID
	}

	recCopy.UpdatedAt = time.Now()
	acct.Tier = acctCopy.Tier
	s.records[accountID] = &recCopy
	return nil
}

// RecordUsage implements meter.Store.
func (s *Store) RecordUsage(_ context.Context, req *meter.RecordUsageRequest) (*meter.UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[req.AccountID]
	if !ok {
		return nil, meter.ErrBillingRecordMissing
	}

	s.nextEventID++
	ev := &meter.UsageEvent{
		ID:           s.nextEventID,
		AccountID:    req.AccountID,
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
		TotalTokens:  req.InputTokens + req.OutputTokens,
		CostMicros:   req.CostMicros,
		Model:        req.Model,
		Endpoint:     req.Endpoint,
		CreatedAt:    time.Now(),
	}
	s.events[req.AccountID] = append(s.events[req.AccountID], ev)

	if !req.Exempt {
		rec.TokensUsedThisPeriod += ev.TotalTokens
		rec.UpdatedAt = ev.CreatedAt
	}

	evCopy := *ev
	return &evCopy, nil
}

// UsageSummary implements meter.Store.
func (s *Store) UsageSummary(_ context.Context, accountID string, since time.Time) (*meter.UsageSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := &meter.UsageSummary{AccountID: accountID}
	for _, ev := range s.events[accountID] {
		if !since.IsZero() && ev.CreatedAt.Before(since) {
			continue
		}
		summary.TotalTokens += ev.TotalTokens
		summary.TotalCostMicros += ev.CostMicros
		summary.EventCount++
	}
	return summary, nil
}

// ListUsageEvents implements meter.Store.
func (s *Store) ListUsageEvents(
	_ context.Context, accountID string, since time.Time, limit int,
) ([]*meter.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*meter.UsageEvent
	for _, ev := range s.events[accountID] {
		if !since.IsZero() && ev.CreatedAt.Before(since) {
			continue
		}
		evCopy := *ev
		out = append(out, &evCopy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendBillingEvent implements meter.Store.
func (s *Store) AppendBillingEvent(_ context.Context, rec *meter.BillingEventRecord) error {
	if rec == nil || rec.AccountID == "" {
		return fmt.Errorf("invalid billing event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recCopy := *rec
	s.billingLog[rec.AccountID] = append(s.billingLog[rec.AccountID], &recCopy)
	return nil
}

// BillingEvents returns the event log for an account, oldest first. Test
// helper, not part of meter.Store.
func (s *Store) BillingEvents(accountID string) []*meter.BillingEventRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*meter.BillingEventRecord, 0, len(s.billingLog[accountID]))
	for _, rec := range s.billingLog[accountID] {
		recCopy := *rec
		out = append(out, &recCopy)
	}
	return out
}

// GetCredential implements meter.Store.
func (s *Store) GetCredential(_ context.Context, accountID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, ok := s.credentials[accountID]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

// SetCredential implements meter.Store.
func (s *Store) SetCredential(_ context.Context, accountID string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return meter.ErrAccountNotFound
	}
	if blob == nil {
		delete(s.credentials, accountID)
		acct.HasCredential = false
		return nil
	}
	stored := make([]byte, len(blob))
	copy(stored, blob)
	s.credentials[accountID] = stored
	acct.HasCredential = true
	return nil
}

func (s *Store) resolveLocked(ref meter.RecordRef) (string, error) {
	switch {
	case ref.AccountID != "":
		if _, ok := s.records[ref.AccountID]; ok {
			return ref.AccountID, nil
		}
	case ref.SubscriptionID != "":
		if accountID, ok := s.bySubscription[ref.SubscriptionID]; ok {
			return accountID, nil
		}
	case ref.CustomerID != "":
		if accountID, ok := s.byCustomer[ref.CustomerID]; ok {
			return accountID, nil
		}
	}
	return "", meter.ErrBillingRecordNotFound
}
