package meter_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cursive-ai/gateway/pkg/meter"
	"github.com/cursive-ai/gateway/storage/memory"
)

func zeroTime() time.Time { return time.Time{} }

var testQuotas = meter.TierQuotas{
	meter.TierFree: 10_000,
	meter.TierPro:  50_000,
}

var testKey = make([]byte, 32)

func newTestStore(t *testing.T) (*memory.Store, *meter.SealedVault) {
	t.Helper()
	store := memory.New()
	vault, err := meter.NewSealedVault(store, testKey)
	if err != nil {
		t.Fatalf("NewSealedVault failed: %v", err)
	}
	return store, vault
}

func createAccount(t *testing.T, store *memory.Store, id string, tier meter.Tier) {
	t.Helper()
	err := store.CreateAccount(context.Background(), &meter.Account{ID: id, Tier: tier})
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
}

func setUsed(t *testing.T, store *memory.Store, id string, used int64) {
	t.Helper()
	err := store.MutateBilling(context.Background(), meter.ByAccount(id),
		func(_ *meter.Account, rec *meter.BillingRecord) error {
			rec.TokensUsedThisPeriod = used
			return nil
		})
	if err != nil {
		t.Fatalf("MutateBilling failed: %v", err)
	}
}

func TestGateAdmitsUnderCeiling(t *testing.T) {
	store, vault := newTestStore(t)
	gate := meter.NewGate(store, vault, testQuotas, nil, nil)
	createAccount(t, store, "u1", meter.TierFree)
	setUsed(t, store, "u1", 9_999)

	if err := gate.Admit(context.Background(), "u1"); err != nil {
		t.Fatalf("expected admission at 9999 of 10000, got %v", err)
	}
}

func TestGateDeniesAtCeiling(t *testing.T) {
	store, vault := newTestStore(t)
	gate := meter.NewGate(store, vault, testQuotas, nil, nil)
	createAccount(t, store, "u1", meter.TierFree)
	setUsed(t, store, "u1", 10_000)

	err := gate.Admit(context.Background(), "u1")
	if !errors.Is(err, meter.ErrQuotaExceeded) {
		t.Fatalf("expected quota exceeded at ceiling, got %v", err)
	}

	var quotaErr *meter.QuotaExceededError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("expected *QuotaExceededError, got %T", err)
	}
	if quotaErr.Ceiling != 10_000 {
		t.Errorf("Ceiling = %d, want 10000", quotaErr.Ceiling)
	}
	want := "You have exceeded your monthly token quota of 10000. " +
		"Please upgrade your plan or add your own API key."
	if quotaErr.Message() != want {
		t.Errorf("Message() = %q, want %q", quotaErr.Message(), want)
	}
}

func TestGateEnterpriseUnmetered(t *testing.T) {
	store, vault := newTestStore(t)
	gate := meter.NewGate(store, vault, testQuotas, nil, nil)
	createAccount(t, store, "ent", meter.TierEnterprise)
	setUsed(t, store, "ent", 100_000_000)

	if err := gate.Admit(context.Background(), "ent"); err != nil {
		t.Fatalf("enterprise should never hit the ceiling, got %v", err)
	}
}

func TestGatePrivateCredentialBypassesQuota(t *testing.T) {
	store, vault := newTestStore(t)
	gate := meter.NewGate(store, vault, testQuotas, nil, nil)
	createAccount(t, store, "byok", meter.TierFree)
	setUsed(t, store, "byok", 999_999)

	if err := vault.SetPrivateCredential(context.Background(), "byok", "sk-their-own"); err != nil {
		t.Fatalf("SetPrivateCredential failed: %v", err)
	}
	if err := gate.Admit(context.Background(), "byok"); err != nil {
		t.Fatalf("credential holder should bypass quota, got %v", err)
	}
}

func TestGateUnknownTierFallsBackToFree(t *testing.T) {
	store, vault := newTestStore(t)
	gate := meter.NewGate(store, vault, testQuotas, nil, nil)
	createAccount(t, store, "u1", meter.Tier("legacy"))
	setUsed(t, store, "u1", 10_000)

	if err := gate.Admit(context.Background(), "u1"); !errors.Is(err, meter.ErrQuotaExceeded) {
		t.Fatalf("unknown tier should use the free ceiling, got %v", err)
	}
}

// The gate is check-then-act: requests admitted before their usage lands can
// overrun the ceiling, but only by the requests that were in flight at
// admission time. Once their usage is recorded, the next check denies.
func TestGateOverrunBoundedByInFlightRequests(t *testing.T) {
	store, vault := newTestStore(t)
	gate := meter.NewGate(store, vault, testQuotas, nil, nil)
	ledger := meter.NewLedger(store, testCostModel, nil, nil)
	createAccount(t, store, "u1", meter.TierFree)
	setUsed(t, store, "u1", 9_999)

	// All in-flight requests clear the gate before any usage lands.
	const inFlight = 8
	var g errgroup.Group
	for i := 0; i < inFlight; i++ {
		g.Go(func() error {
			return gate.Admit(context.Background(), "u1")
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("in-flight admission failed: %v", err)
	}

	for i := 0; i < inFlight; i++ {
		_, err := ledger.Record(context.Background(), meter.RecordRequest{
			AccountID: "u1",
			Tokens:    meter.TokenCounts{Input: 50, Output: 50},
			Model:     "claude-3-sonnet",
			Endpoint:  "/api/ai/message",
		})
		if err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	rec, err := store.GetBillingRecord(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetBillingRecord failed: %v", err)
	}
	wantUsed := int64(9_999 + inFlight*100)
	if rec.TokensUsedThisPeriod != wantUsed {
		t.Fatalf("TokensUsedThisPeriod = %d, want %d", rec.TokensUsedThisPeriod, wantUsed)
	}

	// Every in-flight request has settled; the overrun stops here.
	if err := gate.Admit(context.Background(), "u1"); !errors.Is(err, meter.ErrQuotaExceeded) {
		t.Fatalf("expected quota exceeded after in-flight usage settled, got %v", err)
	}
}

func TestGateUnknownAccount(t *testing.T) {
	store, vault := newTestStore(t)
	gate := meter.NewGate(store, vault, testQuotas, nil, nil)

	if err := gate.Admit(context.Background(), "ghost"); !errors.Is(err, meter.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

// missingRecordStore mimics a driver that annotates its errors before
// returning them.
type missingRecordStore struct {
	meter.Store
}

func (missingRecordStore) GetAccount(_ context.Context, id string) (*meter.Account, error) {
	return &meter.Account{ID: id, Tier: meter.TierFree}, nil
}

func (missingRecordStore) GetBillingRecord(_ context.Context, id string) (*meter.BillingRecord, error) {
	return nil, fmt.Errorf("load billing record for %s: %w", id, meter.ErrBillingRecordMissing)
}

func TestGateWrappedMissingRecord(t *testing.T) {
	gate := meter.NewGate(missingRecordStore{}, nil, testQuotas, nil, nil)

	err := gate.Admit(context.Background(), "u1")
	if !errors.Is(err, meter.ErrBillingRecordMissing) {
		t.Fatalf("expected wrapped ErrBillingRecordMissing to propagate, got %v", err)
	}
}
