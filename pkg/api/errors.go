package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/mihaimyh/rewordgate/pkg/billing"
	"github.com/mihaimyh/rewordgate/pkg/entitlement"
	"github.com/mihaimyh/rewordgate/pkg/formalizer"
)

// Error codes returned in the "error" field
const (
	codeInvalidRequest   = "invalid_request"
	codeQuotaExceeded    = "quota_exceeded"
	codeUnauthorized     = "unauthorized"
	codeNotFound         = "not_found"
	codeBillingDisabled  = "billing_disabled"
	codeBillingProvider  = "billing_provider_error"
	codeNoBillingAccount = "no_billing_identity"
	codeModelUnavailable = "model_unavailable"
	codeModelFailed      = "model_error"
	codeStoreUnavailable = "store_unavailable"
	codeInternal         = "internal_error"
)

func (h *Handler) respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.respond(w, status, ErrorResponse{
		Error:     code,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// respondErr maps a domain error to its HTTP status. Account errors map to 404 here;
// the feature route maps them to 401 itself.
func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{RequestID: middleware.GetReqID(r.Context())}
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, entitlement.ErrInvalidAccount):
		status, resp.Error, resp.Message = http.StatusBadRequest, codeInvalidRequest, "accountId is required"
	case errors.Is(err, entitlement.ErrAccountNotFound):
		status, resp.Error, resp.Message = http.StatusNotFound, codeNotFound, "account not found"
	case errors.Is(err, entitlement.ErrNoDevice):
		status, resp.Error, resp.Message = http.StatusBadRequest, codeInvalidRequest, "deviceId is required"
	case errors.Is(err, billing.ErrNoBillingIdentity):
		status, resp.Error = http.StatusUnprocessableEntity, codeNoBillingAccount
		resp.Message = "no billing customer for this account; start a checkout first"
	case errors.Is(err, billing.ErrBillingProvider):
		status, resp.Error, resp.Retryable = http.StatusBadGateway, codeBillingProvider, true
		resp.Message = "billing provider request failed"
	case errors.Is(err, formalizer.ErrEmptyContent), errors.Is(err, formalizer.ErrContentTooLong):
		status, resp.Error, resp.Message = http.StatusBadRequest, codeInvalidRequest, err.Error()
	case errors.Is(err, formalizer.ErrModel):
		status, resp.Error, resp.Retryable = http.StatusBadGateway, codeModelFailed, true
		resp.Message = "failed to formalize content"
	case errors.Is(err, entitlement.ErrStoreUnavailable), errors.Is(err, entitlement.ErrCircuitOpen):
		status, resp.Error, resp.Retryable = http.StatusServiceUnavailable, codeStoreUnavailable, true
	default:
		resp.Error = codeInternal
	}

	if status >= 500 {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Str("request_id", resp.RequestID).Msg("request failed")
	}
	h.respond(w, status, resp)
}
