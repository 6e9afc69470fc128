// Package api exposes the gateway's HTTP surface: the AI proxy endpoints,
// billing and usage reporting, credential management, and the payment
// webhook.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/cursive-ai/gateway/pkg/billing"
	"github.com/cursive-ai/gateway/pkg/meter"
	"github.com/cursive-ai/gateway/pkg/upstream"
)

const (
	maxRequestBody = 1 << 20   // AI proxy and account requests
	maxWebhookBody = 256 << 10 // payment webhooks are small
	maxAccountID   = 255
)

// AccountExtractor resolves the authenticated account id from a request.
// Empty means anonymous. Deployments plug in their session or token scheme
// here; the default trusts the X-Account-ID header, which is only acceptable
// behind an authenticating reverse proxy.
type AccountExtractor func(r *http.Request) string

// HeaderAccountExtractor reads the account id from the X-Account-ID header.
func HeaderAccountExtractor(r *http.Request) string {
	return r.Header.Get("X-Account-ID")
}

// Config wires the handler's collaborators.
type Config struct {
	Store     meter.Store
	Vault     *meter.SealedVault
	Pipeline  *meter.Pipeline
	Ledger    *meter.Ledger
	Provider  upstream.Provider
	Processor billing.PaymentProcessor
	Billing   *billing.StateMachine
	Quotas    meter.TierQuotas

	// CheckoutSuccessURL and CheckoutCancelURL are where the payment
	// processor redirects after hosted checkout.
	CheckoutSuccessURL string
	CheckoutCancelURL  string

	// ExtractAccount defaults to HeaderAccountExtractor.
	ExtractAccount AccountExtractor

	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler

	Logger  meter.Logger
	Metrics meter.Metrics
}

// Handler is the gateway HTTP API.
type Handler struct {
	config  Config
	logger  meter.Logger
	metrics meter.Metrics
}

// NewHandler creates the API handler.
func NewHandler(config Config) *Handler {
	if config.ExtractAccount == nil {
		config.ExtractAccount = HeaderAccountExtractor
	}
	logger := config.Logger
	if logger == nil {
		logger = &meter.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &meter.NoopMetrics{}
	}
	return &Handler{config: config, logger: logger, metrics: metrics}
}

// Router builds the chi router with all routes mounted.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(5 * time.Minute))

	r.Get("/healthz", h.Healthz)
	if h.config.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", h.config.MetricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/accounts", h.CreateAccount)

		r.Route("/ai", func(r chi.Router) {
			r.Post("/message", h.Message)
			r.Post("/message/stream", h.MessageStream)
		})

		r.Route("/billing", func(r chi.Router) {
			r.Get("/usage", h.Usage)
			r.Get("/subscription", h.Subscription)
			r.Post("/checkout", h.Checkout)
			r.Post("/cancel", h.Cancel)
			r.Post("/webhook", h.Webhook)
		})

		r.Route("/account", func(r chi.Router) {
			r.Put("/credential", h.PutCredential)
			r.Delete("/credential", h.DeleteCredential)
		})
	})

	return r
}

// Healthz reports process liveness.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// accountID returns the authenticated account, writing 401 when absent.
func (h *Handler) accountID(w http.ResponseWriter, r *http.Request) (string, bool) {
	accountID := h.config.ExtractAccount(r)
	if accountID == "" || len(accountID) > maxAccountID {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	return accountID, true
}
