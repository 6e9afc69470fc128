package meter_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cursive-ai/gateway/pkg/meter"
)

var testCostModel = meter.CostModel{
	InputPricePerK:  0.003,
	OutputPricePerK: 0.015,
	MarkupFraction:  0.15,
}

func TestLedgerRecord(t *testing.T) {
	store, _ := newTestStore(t)
	ledger := meter.NewLedger(store, testCostModel, nil, nil)
	createAccount(t, store, "u1", meter.TierFree)

	ev, err := ledger.Record(context.Background(), meter.RecordRequest{
		AccountID: "u1",
		Tokens:    meter.TokenCounts{Input: 1000, Output: 1000},
		Model:     "claude-3-sonnet",
		Endpoint:  "/api/ai/message",
	})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if ev.CostMicros != 20700 {
		t.Errorf("CostMicros = %d, want 20700", ev.CostMicros)
	}
	if ev.TotalTokens != 2000 {
		t.Errorf("TotalTokens = %d, want 2000", ev.TotalTokens)
	}

	rec, err := store.GetBillingRecord(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetBillingRecord failed: %v", err)
	}
	if rec.TokensUsedThisPeriod != 2000 {
		t.Errorf("TokensUsedThisPeriod = %d, want 2000", rec.TokensUsedThisPeriod)
	}
}

func TestLedgerRejectsNegativeTokens(t *testing.T) {
	store, _ := newTestStore(t)
	ledger := meter.NewLedger(store, testCostModel, nil, nil)
	createAccount(t, store, "u1", meter.TierFree)

	_, err := ledger.Record(context.Background(), meter.RecordRequest{
		AccountID: "u1",
		Tokens:    meter.TokenCounts{Input: -1, Output: 10},
	})
	if !errors.Is(err, meter.ErrInvalidTokenCount) {
		t.Fatalf("expected ErrInvalidTokenCount, got %v", err)
	}

	summary, err := store.UsageSummary(context.Background(), "u1", zeroTime())
	if err != nil {
		t.Fatalf("UsageSummary failed: %v", err)
	}
	if summary.EventCount != 0 {
		t.Errorf("EventCount = %d, want 0 after rejected record", summary.EventCount)
	}
}

func TestLedgerExemptRecordsZeroCost(t *testing.T) {
	store, _ := newTestStore(t)
	ledger := meter.NewLedger(store, testCostModel, nil, nil)
	createAccount(t, store, "byok", meter.TierFree)

	ev, err := ledger.Record(context.Background(), meter.RecordRequest{
		AccountID: "byok",
		Tokens:    meter.TokenCounts{Input: 500, Output: 500},
		Model:     "claude-3-sonnet",
		Exempt:    true,
	})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if ev.CostMicros != 0 {
		t.Errorf("exempt CostMicros = %d, want 0", ev.CostMicros)
	}

	rec, _ := store.GetBillingRecord(context.Background(), "byok")
	if rec.TokensUsedThisPeriod != 0 {
		t.Errorf("exempt usage advanced the counter: %d", rec.TokensUsedThisPeriod)
	}
	summary, _ := store.UsageSummary(context.Background(), "byok", zeroTime())
	if summary.EventCount != 1 {
		t.Errorf("exempt usage not logged: EventCount = %d, want 1", summary.EventCount)
	}
}

func TestLedgerMissingBillingRecord(t *testing.T) {
	store, _ := newTestStore(t)
	ledger := meter.NewLedger(store, testCostModel, nil, nil)

	_, err := ledger.Record(context.Background(), meter.RecordRequest{
		AccountID: "ghost",
		Tokens:    meter.TokenCounts{Input: 1, Output: 1},
	})
	if !errors.Is(err, meter.ErrBillingRecordMissing) {
		t.Fatalf("expected ErrBillingRecordMissing, got %v", err)
	}
}

// Fifty concurrent recordings of 100 tokens each must land exactly once:
// counter at 5000, fifty rows, no lost updates.
func TestLedgerConcurrentRecording(t *testing.T) {
	store, _ := newTestStore(t)
	ledger := meter.NewLedger(store, testCostModel, nil, nil)
	createAccount(t, store, "u1", meter.TierPro)

	const workers = 50
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Record(context.Background(), meter.RecordRequest{
				AccountID: "u1",
				Tokens:    meter.TokenCounts{Input: 60, Output: 40},
				Model:     "claude-3-sonnet",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Record failed: %v", err)
		}
	}

	rec, err := store.GetBillingRecord(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetBillingRecord failed: %v", err)
	}
	if rec.TokensUsedThisPeriod != 5000 {
		t.Errorf("TokensUsedThisPeriod = %d, want exactly 5000", rec.TokensUsedThisPeriod)
	}

	events, err := store.ListUsageEvents(context.Background(), "u1", zeroTime(), 0)
	if err != nil {
		t.Fatalf("ListUsageEvents failed: %v", err)
	}
	if len(events) != workers {
		t.Errorf("usage events = %d, want %d", len(events), workers)
	}
}
