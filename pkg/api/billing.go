package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/cursive-ai/gateway/pkg/billing"
	"github.com/cursive-ai/gateway/pkg/meter"
)

// Usage periods accepted by GET /api/billing/usage.
const (
	periodCurrent = "current"
	periodLast30  = "last_30_days"
	periodAllTime = "all_time"
)

type usageResponse struct {
	AccountID   string `json:"account_id"`
	Tier        string `json:"tier"`
	Period      string `json:"period"`
	TotalTokens int64  `json:"total_tokens"`
	TotalCost   string `json:"total_cost"`
	EventCount  int64  `json:"event_count"`

	// Quota standing for the current billing period, independent of the
	// requested aggregation window.
	TokensUsedThisPeriod int64 `json:"tokens_used_this_period"`
	QuotaCeiling         int64 `json:"quota_ceiling,omitempty"`
	QuotaRemaining       int64 `json:"quota_remaining,omitempty"`
}

// Usage reports aggregated usage for the authenticated account.
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	acct, err := h.config.Store.GetAccount(ctx, accountID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	rec, err := h.config.Store.GetBillingRecord(ctx, accountID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	period := r.URL.Query().Get("period")
	if period == "" {
		period = periodCurrent
	}

	var since time.Time
	switch period {
	case periodCurrent:
		since = rec.PeriodStart
		if since.IsZero() {
			// Never checked out: fall back to a rolling month.
			since = time.Now().AddDate(0, 0, -30)
		}
	case periodLast30:
		since = time.Now().AddDate(0, 0, -30)
	case periodAllTime:
		// zero since means all time
	default:
		writeError(w, http.StatusBadRequest, "period must be current, last_30_days, or all_time")
		return
	}

	summary, err := h.config.Store.UsageSummary(ctx, accountID, since)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	resp := usageResponse{
		AccountID:            accountID,
		Tier:                 string(acct.Tier),
		Period:               period,
		TotalTokens:          summary.TotalTokens,
		TotalCost:            meter.FormatMicros(summary.TotalCostMicros),
		EventCount:           summary.EventCount,
		TokensUsedThisPeriod: rec.TokensUsedThisPeriod,
	}
	if acct.Tier != meter.TierEnterprise {
		resp.QuotaCeiling = h.config.Quotas.Ceiling(acct.Tier)
		resp.QuotaRemaining = resp.QuotaCeiling - rec.TokensUsedThisPeriod
		if resp.QuotaRemaining < 0 {
			resp.QuotaRemaining = 0
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type subscriptionResponse struct {
	AccountID            string     `json:"account_id"`
	Tier                 string     `json:"tier"`
	Status               string     `json:"status"`
	TokensUsedThisPeriod int64      `json:"tokens_used_this_period"`
	HasOwnAPIKey         bool       `json:"has_own_api_key"`
	PeriodStart          *time.Time `json:"period_start,omitempty"`
	PeriodEnd            *time.Time `json:"period_end,omitempty"`
}

// Subscription reports the account's billing state.
func (h *Handler) Subscription(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	acct, err := h.config.Store.GetAccount(r.Context(), accountID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	rec, err := h.config.Store.GetBillingRecord(r.Context(), accountID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	resp := subscriptionResponse{
		AccountID:            accountID,
		Tier:                 string(acct.Tier),
		Status:               string(rec.Status),
		TokensUsedThisPeriod: rec.TokensUsedThisPeriod,
		HasOwnAPIKey:         acct.HasCredential,
	}
	if !rec.PeriodStart.IsZero() {
		resp.PeriodStart = &rec.PeriodStart
		resp.PeriodEnd = &rec.PeriodEnd
	}
	writeJSON(w, http.StatusOK, resp)
}

type checkoutRequest struct {
	Tier string `json:"tier"`
}

type checkoutResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// Checkout creates a hosted checkout session for a tier upgrade. The actual
// state transition happens later, when the processor's webhook confirms the
// completed checkout.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var req checkoutRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tier := meter.Tier(req.Tier)
	if !tier.Valid() || tier == meter.TierFree {
		writeError(w, http.StatusBadRequest, "tier must be pro or enterprise")
		return
	}

	acct, err := h.config.Store.GetAccount(ctx, accountID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	rec, err := h.config.Store.GetBillingRecord(ctx, accountID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	// Reuse the processor customer across checkouts to avoid duplicates.
	customerID := rec.CustomerID
	if customerID == "" {
		customerID, err = h.config.Processor.CreateCustomer(ctx, accountID, acct.Email)
		if err != nil {
			h.logger.Error("failed to create processor customer",
				meter.Field{Key: "account_id", Value: accountID},
				meter.Field{Key: "error", Value: err})
			writeError(w, http.StatusBadGateway, "payment processor unavailable")
			return
		}
		err = h.config.Store.MutateBilling(ctx, meter.ByAccount(accountID),
			func(_ *meter.Account, rec *meter.BillingRecord) error {
				rec.CustomerID = customerID
				return nil
			})
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
	}

	session, err := h.config.Processor.CreateCheckoutSession(ctx, billing.CheckoutRequest{
		AccountID:  accountID,
		Email:      acct.Email,
		Tier:       string(tier),
		CustomerID: customerID,
		SuccessURL: h.config.CheckoutSuccessURL,
		CancelURL:  h.config.CheckoutCancelURL,
	})
	if err != nil {
		if errors.Is(err, billing.ErrTierNotConfigured) {
			writeError(w, http.StatusBadRequest, "tier is not purchasable")
			return
		}
		h.logger.Error("failed to create checkout session",
			meter.Field{Key: "account_id", Value: accountID},
			meter.Field{Key: "error", Value: err})
		writeError(w, http.StatusBadGateway, "payment processor unavailable")
		return
	}

	writeJSON(w, http.StatusOK, checkoutResponse{SessionID: session.ID, URL: session.URL})
}

// Cancel schedules the subscription to end at the period boundary. The record
// moves to canceling now; the downgrade lands when the processor's deletion
// webhook arrives.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	rec, err := h.config.Store.GetBillingRecord(ctx, accountID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if rec.SubscriptionID == "" {
		writeError(w, http.StatusNotFound, "no active subscription")
		return
	}

	if err := h.config.Processor.CancelSubscription(ctx, rec.SubscriptionID); err != nil {
		h.logger.Error("failed to cancel subscription",
			meter.Field{Key: "account_id", Value: accountID},
			meter.Field{Key: "error", Value: err})
		writeError(w, http.StatusBadGateway, "payment processor unavailable")
		return
	}

	err = h.config.Store.MutateBilling(ctx, meter.ByAccount(accountID),
		func(_ *meter.Account, rec *meter.BillingRecord) error {
			rec.Status = meter.StatusCanceling
			return nil
		})
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": string(meter.StatusCanceling)})
}

// Webhook receives payment-processor events. Signature failures are rejected;
// events for unknown records are acknowledged so the processor stops
// retrying what will never apply.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r, maxWebhookBody)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		} else {
			writeError(w, http.StatusBadRequest, "failed to read payload")
		}
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	ev, err := h.config.Processor.VerifyWebhook(body, signature)
	if err != nil {
		if errors.Is(err, billing.ErrInvalidWebhookSignature) {
			writeError(w, http.StatusBadRequest, "invalid signature")
			return
		}
		h.logger.Warn("webhook payload rejected", meter.Field{Key: "error", Value: err})
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	if err := h.config.Billing.Apply(r.Context(), ev); err != nil {
		h.logger.Error("failed to apply billing event",
			meter.Field{Key: "kind", Value: ev.Kind()},
			meter.Field{Key: "error", Value: err})
		writeError(w, http.StatusInternalServerError, "failed to process event")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, meter.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, meter.ErrBillingRecordMissing), errors.Is(err, meter.ErrBillingRecordNotFound):
		h.logger.Error("billing record missing", meter.Field{Key: "error", Value: err})
		writeError(w, http.StatusInternalServerError, "billing record missing")
	default:
		h.logger.Error("store operation failed", meter.Field{Key: "error", Value: err})
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
