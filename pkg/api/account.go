package api

import (
	"net/http"
	"strings"

	"github.com/cursive-ai/gateway/pkg/meter"
)

type createAccountRequest struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// CreateAccount registers an account together with its inactive billing
// record.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" || len(req.ID) > maxAccountID {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	acct := &meter.Account{ID: req.ID, Email: req.Email, Tier: meter.TierFree}
	if err := h.config.Store.CreateAccount(r.Context(), acct); err != nil {
		h.logger.Error("failed to create account",
			meter.Field{Key: "account_id", Value: req.ID},
			meter.Field{Key: "error", Value: err})
		writeError(w, http.StatusConflict, "account could not be created")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":   acct.ID,
		"tier": string(acct.Tier),
	})
}

type putCredentialRequest struct {
	APIKey string `json:"api_key"`
}

// PutCredential stores the account's own upstream API key. Requests made
// with a stored key bypass quota and rate limiting and are billed to the
// key's owner upstream.
func (h *Handler) PutCredential(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	var req putCredentialRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.APIKey) == "" {
		writeError(w, http.StatusBadRequest, "api_key is required")
		return
	}

	if err := h.config.Vault.SetPrivateCredential(r.Context(), accountID, req.APIKey); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"has_credential": true})
}

// DeleteCredential removes the stored key; the account returns to metered
// platform usage.
func (h *Handler) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	if err := h.config.Vault.SetPrivateCredential(r.Context(), accountID, ""); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"has_credential": false})
}
