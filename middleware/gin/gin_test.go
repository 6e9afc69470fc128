package gin_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	gongin "github.com/gin-gonic/gin"

	gatewaygin "github.com/cursive-ai/gateway/middleware/gin"
	"github.com/cursive-ai/gateway/pkg/meter"
	"github.com/cursive-ai/gateway/storage/memory"
)

func newTestRouter(t *testing.T, perMinute int) (*gongin.Engine, *memory.Store) {
	t.Helper()
	gongin.SetMode(gongin.TestMode)

	store := memory.New()
	vault, err := meter.NewSealedVault(store, make([]byte, 32))
	if err != nil {
		t.Fatalf("NewSealedVault failed: %v", err)
	}
	limiter := meter.NewLimiter(memory.NewCounters(), meter.LimiterConfig{
		Enabled:   true,
		PerMinute: perMinute,
		PerDay:    perMinute * 100,
	}, nil, nil)
	gate := meter.NewGate(store, vault, meter.TierQuotas{meter.TierFree: 1000}, nil, nil)
	pipeline := meter.NewPipeline(limiter, gate, store, vault, nil)

	router := gongin.New()
	router.Use(gatewaygin.Middleware(gatewaygin.Config{
		Pipeline:     pipeline,
		GetAccountID: gatewaygin.FromHeader("X-Account-ID"),
	}))
	router.GET("/ping", func(c *gongin.Context) {
		c.String(http.StatusOK, "pong")
	})
	return router, store
}

func do(router *gongin.Engine, accountID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	if accountID != "" {
		req.Header.Set("X-Account-ID", accountID)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareAdmits(t *testing.T) {
	router, store := newTestRouter(t, 100)
	if err := store.CreateAccount(context.Background(), &meter.Account{ID: "u1", Tier: meter.TierFree}); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	rec := do(router, "u1")
	if rec.Code != http.StatusOK || rec.Body.String() != "pong" {
		t.Errorf("status = %d body = %q", rec.Code, rec.Body.String())
	}
}

func TestMiddlewareRateLimits(t *testing.T) {
	router, store := newTestRouter(t, 4) // halved to 2 for AI scope
	if err := store.CreateAccount(context.Background(), &meter.Account{ID: "u1", Tier: meter.TierFree}); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = do(router, "u1")
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("429 without Retry-After")
	}
}

func TestMiddlewareQuotaDenies(t *testing.T) {
	router, store := newTestRouter(t, 100)
	ctx := context.Background()
	if err := store.CreateAccount(ctx, &meter.Account{ID: "u1", Tier: meter.TierFree}); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	err := store.MutateBilling(ctx, meter.ByAccount("u1"), func(_ *meter.Account, rec *meter.BillingRecord) error {
		rec.TokensUsedThisPeriod = 1000
		return nil
	})
	if err != nil {
		t.Fatalf("MutateBilling failed: %v", err)
	}

	rec := do(router, "u1")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
}

func TestMiddlewareRequiredConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Middleware without a pipeline did not panic")
		}
	}()
	gatewaygin.Middleware(gatewaygin.Config{})
}
