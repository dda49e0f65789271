// Package http provides net/http middleware that gates handlers on entitlement decisions
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/rewordgate/pkg/entitlement"
)

const (
	// DeviceHeader carries the anonymous device id in both directions
	DeviceHeader = "X-Device-ID"

	// DeviceCookie persists the anonymous device id in browsers
	DeviceCookie = "rg_device"

	// AccountHeader carries the signed-in account id
	AccountHeader = "X-Account-ID"

	deviceCookieMaxAge = 400 * 24 * time.Hour
)

// CallerExtractor identifies the caller of a request
type CallerExtractor func(r *http.Request) entitlement.Caller

// Config holds middleware configuration
type Config struct {
	// Gate makes the quota decisions (required)
	Gate *entitlement.Gate

	// GetCaller identifies the caller. Default: FromHeaders()
	GetCaller CallerExtractor

	// OnQuotaExceeded is called when the caller has no quota left
	// If nil, returns 409 Conflict with {"error":"quota_exceeded"}
	OnQuotaExceeded func(w http.ResponseWriter, r *http.Request, d entitlement.Decision)

	// OnUnauthorized is called for an account id with no record
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware checks the caller's quota before the handler runs and records one use when
// the handler answers with a 2xx status. The handler's response is buffered so the quota
// headers can reflect the recorded use; the decision is available via DecisionFromContext.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.GetCaller == nil {
		config.GetCaller = FromHeaders()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			caller := config.GetCaller(r)

			d, err := config.Gate.Check(ctx, caller)
			if err != nil {
				if errors.Is(err, entitlement.ErrAccountNotFound) {
					if config.OnUnauthorized != nil {
						config.OnUnauthorized(w, r)
					} else {
						http.Error(w, "Unauthorized", http.StatusUnauthorized)
					}
					return
				}
				if errors.Is(err, entitlement.ErrNoDevice) {
					http.Error(w, "Device ID required", http.StatusBadRequest)
					return
				}
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			if !d.Allowed {
				if config.OnQuotaExceeded != nil {
					config.OnQuotaExceeded(w, r, d)
				} else {
					writeQuotaExceeded(w, d)
				}
				return
			}

			buf := &bufferedWriter{header: make(http.Header), status: http.StatusOK}
			next.ServeHTTP(buf, r.WithContext(WithDecision(ctx, d)))

			if buf.status >= 200 && buf.status < 300 {
				// a failed record is logged by the gate; the use is not charged
				if after, err := config.Gate.Record(ctx, caller, d); err == nil {
					d = after
				}
			}
			buf.flush(w, d)
		})
	}
}

// HandlerFunc creates the gating middleware for http.HandlerFunc values
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func writeQuotaExceeded(w http.ResponseWriter, d entitlement.Decision) {
	setQuotaHeaders(w.Header(), d)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusConflict)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     "quota_exceeded",
		"tier":      d.Display,
		"remaining": d.Remaining,
	})
}

func setQuotaHeaders(h http.Header, d entitlement.Decision) {
	h.Set("X-Quota-Tier", string(d.Display))
	h.Set("X-Quota-Remaining", d.Remaining.String())
}

// bufferedWriter holds a handler's response until the use has been recorded
type bufferedWriter struct {
	header http.Header
	status int
	wrote  bool
	body   bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if b.wrote {
		return
	}
	b.status = status
	b.wrote = true
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	b.wrote = true
	return b.body.Write(p)
}

func (b *bufferedWriter) flush(w http.ResponseWriter, d entitlement.Decision) {
	for k, v := range b.header {
		w.Header()[k] = v
	}
	setQuotaHeaders(w.Header(), d)
	w.Header().Set("Content-Length", strconv.Itoa(b.body.Len()))
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}

// DeviceIDs ensures every request carries a device id. A missing id is generated and
// returned to the client in the X-Device-ID header and the rg_device cookie.
func DeviceIDs(secureCookie bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := deviceFromRequest(r)
			if id == "" {
				id = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     DeviceCookie,
					Value:    id,
					Path:     "/",
					MaxAge:   int(deviceCookieMaxAge.Seconds()),
					HttpOnly: true,
					Secure:   secureCookie,
					SameSite: http.SameSiteLaxMode,
				})
			}
			w.Header().Set(DeviceHeader, id)
			next.ServeHTTP(w, r.WithContext(WithDeviceID(r.Context(), id)))
		})
	}
}

func deviceFromRequest(r *http.Request) string {
	if id := r.Header.Get(DeviceHeader); id != "" {
		return id
	}
	if c, err := r.Cookie(DeviceCookie); err == nil {
		return c.Value
	}
	return ""
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// DeviceIDKey is the context key for the device id
	DeviceIDKey ContextKey = "entitlement:deviceID"

	// AccountIDKey is the context key for the account id
	AccountIDKey ContextKey = "entitlement:accountID"

	decisionKey ContextKey = "entitlement:decision"
)

// WithDeviceID adds a device id to the context
func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, DeviceIDKey, deviceID)
}

// DeviceIDFromContext returns the device id set by DeviceIDs
func DeviceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(DeviceIDKey).(string)
	return id
}

// WithAccountID adds an authenticated account id to the context
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, AccountIDKey, accountID)
}

// WithDecision adds a gate decision to the context
func WithDecision(ctx context.Context, d entitlement.Decision) context.Context {
	return context.WithValue(ctx, decisionKey, d)
}

// DecisionFromContext returns the decision made by Middleware
func DecisionFromContext(ctx context.Context) (entitlement.Decision, bool) {
	d, ok := ctx.Value(decisionKey).(entitlement.Decision)
	return d, ok
}

// FromHeaders identifies the caller from X-Account-ID and the device id
// (context, then X-Device-ID header, then cookie)
func FromHeaders() CallerExtractor {
	return func(r *http.Request) entitlement.Caller {
		device := DeviceIDFromContext(r.Context())
		if device == "" {
			device = deviceFromRequest(r)
		}
		return entitlement.Caller{
			AccountID: r.Header.Get(AccountHeader),
			DeviceID:  device,
		}
	}
}

// FromContext identifies the caller from ids placed in the request context by an auth layer
func FromContext() CallerExtractor {
	return func(r *http.Request) entitlement.Caller {
		account, _ := r.Context().Value(AccountIDKey).(string)
		return entitlement.Caller{
			AccountID: account,
			DeviceID:  DeviceIDFromContext(r.Context()),
		}
	}
}
