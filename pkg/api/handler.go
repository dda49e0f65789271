// Package api exposes the gated formalizer, sign-in, account and billing endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	httpmw "github.com/mihaimyh/rewordgate/middleware/http"
	"github.com/mihaimyh/rewordgate/pkg/billing"
	"github.com/mihaimyh/rewordgate/pkg/entitlement"
	"github.com/mihaimyh/rewordgate/pkg/formalizer"
)

const (
	maxBodyBytes  = 64 * 1024
	maxAccountLen = 255
	healthTimeout = 2 * time.Second
)

// Handler serves the HTTP API
type Handler struct {
	config  Config
	gate    *entitlement.Gate
	model   formalizer.Formalizer
	billing billing.Provider
	logger  zerolog.Logger
	metrics *httpMetrics
}

// Routes builds the router. All routes live under /api.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.instrument)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{h.config.ClientURL},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", httpmw.DeviceHeader, httpmw.AccountHeader},
		ExposedHeaders:   []string{httpmw.DeviceHeader, "X-Quota-Tier", "X-Quota-Remaining"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if h.config.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.config.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(h.config.RequestTimeout))

		r.Get("/health", h.handleHealth)

		// the webhook reads its own raw body for signature verification
		r.Post("/webhook", h.handleWebhook)

		r.Group(func(r chi.Router) {
			r.Use(httpmw.DeviceIDs(h.config.SecureCookies))
			r.Post("/formalize", h.handleFormalize)
			r.Post("/sign-in", h.handleSignIn)
		})

		r.Post("/checkout-session", h.handleCheckout)
		r.Post("/portal-session", h.handlePortal)

		r.Route("/account/{accountId}", func(r chi.Router) {
			r.Get("/entitlement", h.handleGetEntitlement)
			r.Post("/sync", h.handleSync)
			r.Get("/subscription-status", h.handleSubscriptionStatus)
		})
	})

	return r
}

func (h *Handler) handleFormalize(w http.ResponseWriter, r *http.Request) {
	var req FormalizeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		h.respondError(w, r, http.StatusBadRequest, codeInvalidRequest, "content is required")
		return
	}
	if len(req.Content) > formalizer.MaxContentLength {
		h.respondError(w, r, http.StatusBadRequest, codeInvalidRequest, formalizer.ErrContentTooLong.Error())
		return
	}
	if h.model == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, codeModelUnavailable, "language model not configured")
		return
	}

	caller := callerFor(r, req.AccountID, req.DeviceID)
	var result string
	d, err := h.gate.Invoke(r.Context(), caller, func(ctx context.Context, d entitlement.Decision) error {
		out, err := h.model.Formalize(ctx, req.Content, d.Display)
		result = out
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, entitlement.ErrQuotaExceeded):
		h.respond(w, http.StatusConflict, QuotaExceededResponse{
			Error:     codeQuotaExceeded,
			Tier:      d.Display,
			Remaining: d.Remaining,
		})
		return
	case errors.Is(err, entitlement.ErrAccountNotFound):
		h.respondError(w, r, http.StatusUnauthorized, codeUnauthorized, "sign in again to continue")
		return
	default:
		h.respondErr(w, r, err)
		return
	}

	w.Header().Set("X-Quota-Tier", string(d.Display))
	w.Header().Set("X-Quota-Remaining", d.Remaining.String())
	h.respond(w, http.StatusOK, FormalizeResponse{
		Result:    result,
		Remaining: d.Remaining,
		Tier:      d.Display,
		Until:     d.Until,
		Degraded:  d.Degraded,
	})
}

func (h *Handler) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req SignInRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !validAccountID(req.AccountID) {
		h.respondError(w, r, http.StatusBadRequest, codeInvalidRequest, "accountId is required")
		return
	}
	caller := callerFor(r, req.AccountID, req.DeviceID)

	res, err := h.gate.SignIn(r.Context(), entitlement.SignInRequest{
		AccountID: caller.AccountID,
		DeviceID:  caller.DeviceID,
		Email:     strings.TrimSpace(req.Email),
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, SignInResponse{
		Entitlement: newEntitlementResponse(res.Entitlement, res.Decision),
		Merged:      res.Merged,
		Created:     res.Created,
		Degraded:    res.Degraded,
	})
}

func (h *Handler) handleGetEntitlement(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	if !validAccountID(accountID) {
		h.respondError(w, r, http.StatusBadRequest, codeInvalidRequest, "invalid account id")
		return
	}
	ent, err := h.gate.Entitlement(r.Context(), accountID)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, newEntitlementResponse(ent, h.gate.Policy().Evaluate(ent, 0, h.config.Now())))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: h.config.Now().UTC(),
		Services: HealthServices{
			Model:   "disabled",
			Billing: h.billing != nil,
			Store:   "disabled",
		},
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if h.model != nil {
		resp.Services.Model = "ok"
		if p, ok := h.model.(Pinger); ok {
			if err := p.Ping(ctx); err != nil {
				h.logger.Warn().Err(err).Msg("model health check failed")
				resp.Status = "degraded"
				resp.Services.Model = "unavailable"
			}
		}
	}
	if h.config.Store != nil && !h.gate.AnonymousOnly() {
		if err := h.config.Store.Ping(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("store health check failed")
			resp.Status = "degraded"
			resp.Services.Store = "unavailable"
		} else {
			resp.Services.Store = "ok"
		}
	}
	h.respond(w, http.StatusOK, resp)
}

// decode reads a bounded JSON body. It writes the 400 itself and reports false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondError(w, r, http.StatusRequestEntityTooLarge, codeInvalidRequest, "request body too large")
			return false
		}
		h.respondError(w, r, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
		return false
	}
	return true
}

// callerFor prefers ids from the body, then the X-Account-ID header and the device id
// assigned by the DeviceIDs middleware.
func callerFor(r *http.Request, accountID, deviceID string) entitlement.Caller {
	c := httpmw.FromHeaders()(r)
	if id := strings.TrimSpace(accountID); id != "" {
		c.AccountID = id
	}
	if id := strings.TrimSpace(deviceID); id != "" {
		c.DeviceID = id
	}
	return c
}

func validAccountID(id string) bool {
	id = strings.TrimSpace(id)
	return id != "" && len(id) <= maxAccountLen
}
