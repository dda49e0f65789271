package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/rewordgate/pkg/billing"
)

func (h *Handler) billingEnabled(w http.ResponseWriter, r *http.Request) bool {
	if h.billing == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, codeBillingDisabled, "billing is not configured")
		return false
	}
	return true
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !h.billingEnabled(w, r) {
		return
	}
	h.billing.WebhookHandler().ServeHTTP(w, r)
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if !h.billingEnabled(w, r) {
		return
	}
	var req CheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	email := strings.TrimSpace(req.Email)
	if !validAccountID(req.AccountID) || email == "" {
		h.respondError(w, r, http.StatusBadRequest, codeInvalidRequest, "accountId and email are required")
		return
	}

	id, err := h.billing.CheckoutSession(r.Context(), billing.CheckoutRequest{
		AccountID:       strings.TrimSpace(req.AccountID),
		Email:           email,
		IsReinstatement: req.IsReinstatement,
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]string{"sessionId": id})
}

func (h *Handler) handlePortal(w http.ResponseWriter, r *http.Request) {
	if !h.billingEnabled(w, r) {
		return
	}
	var req PortalRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !validAccountID(req.AccountID) {
		h.respondError(w, r, http.StatusBadRequest, codeInvalidRequest, "accountId is required")
		return
	}

	url, err := h.billing.PortalURL(r.Context(), strings.TrimSpace(req.AccountID))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]string{"url": url})
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	if !h.billingEnabled(w, r) {
		return
	}
	accountID := chi.URLParam(r, "accountId")
	if !validAccountID(accountID) {
		h.respondError(w, r, http.StatusBadRequest, codeInvalidRequest, "invalid account id")
		return
	}

	ent, err := h.billing.SyncAccount(r.Context(), accountID)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.logger.Info().Str("account_id", accountID).Str("tier", string(ent.Tier)).Msg("account synced with billing provider")
	h.respond(w, http.StatusOK, newEntitlementResponse(ent, h.gate.Policy().Evaluate(ent, 0, h.config.Now())))
}

func (h *Handler) handleSubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	if !h.billingEnabled(w, r) {
		return
	}
	accountID := chi.URLParam(r, "accountId")
	if !validAccountID(accountID) {
		h.respondError(w, r, http.StatusBadRequest, codeInvalidRequest, "invalid account id")
		return
	}

	status, err := h.billing.SubscriptionStatus(r.Context(), accountID)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, status)
}
