package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpmw "github.com/mihaimyh/rewordgate/middleware/http"
	"github.com/mihaimyh/rewordgate/pkg/billing"
	"github.com/mihaimyh/rewordgate/pkg/entitlement"
	"github.com/mihaimyh/rewordgate/pkg/formalizer"
	"github.com/mihaimyh/rewordgate/storage/memory"
)

const testClientURL = "http://localhost:5173"

type fakeModel struct {
	calls    int
	err      error
	pingErr  error
	displays []entitlement.DisplayState
}

func (f *fakeModel) Ping(context.Context) error { return f.pingErr }

func (f *fakeModel) Formalize(_ context.Context, content string, display entitlement.DisplayState) (string, error) {
	f.calls++
	f.displays = append(f.displays, display)
	if f.err != nil {
		return "", f.err
	}
	return "Dear colleague, " + content, nil
}

type fakeBilling struct {
	store       *memory.Storage
	checkoutReq billing.CheckoutRequest
	checkoutErr error
	portalErr   error
	syncErr     error
	webhooks    int
}

func (f *fakeBilling) Name() string { return "fake" }

func (f *fakeBilling) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.webhooks++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"received":true}`))
	})
}

func (f *fakeBilling) CheckoutSession(_ context.Context, req billing.CheckoutRequest) (string, error) {
	f.checkoutReq = req
	if f.checkoutErr != nil {
		return "", f.checkoutErr
	}
	return "cs_test_1", nil
}

func (f *fakeBilling) PortalURL(_ context.Context, accountID string) (string, error) {
	if f.portalErr != nil {
		return "", f.portalErr
	}
	return "https://billing.example.com/p/" + accountID, nil
}

func (f *fakeBilling) SyncAccount(ctx context.Context, accountID string) (*entitlement.Entitlement, error) {
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	return f.store.GetEntitlement(ctx, accountID)
}

func (f *fakeBilling) SubscriptionStatus(_ context.Context, accountID string) (*billing.SubscriptionStatus, error) {
	return &billing.SubscriptionStatus{AccountID: accountID, StoredTier: entitlement.TierFree, InSync: true}, nil
}

type pingFunc func(ctx context.Context) error

func (p pingFunc) Ping(ctx context.Context) error { return p(ctx) }

type testEnv struct {
	handler http.Handler
	store   *memory.Storage
	model   *fakeModel
	billing *fakeBilling
	reg     *prometheus.Registry
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	store := memory.New()
	env := &testEnv{
		store:   store,
		model:   &fakeModel{},
		billing: &fakeBilling{store: store},
		reg:     prometheus.NewRegistry(),
	}
	cfg := Config{
		Gate:       entitlement.NewGate(store, entitlement.GateConfig{}),
		Formalizer: env.model,
		Billing:    env.billing,
		ClientURL:  testClientURL,
		Registerer: env.reg,
		Gatherer:   env.reg,
		Logger:     zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h, err := NewHandler(cfg)
	if err != nil {
		t.Fatalf("NewHandler returned error: %v", err)
	}
	env.handler = h.Routes()
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestNewHandler_Validation(t *testing.T) {
	if _, err := NewHandler(Config{ClientURL: testClientURL}); err == nil {
		t.Fatal("expected error without gate")
	}
	gate := entitlement.NewGate(memory.New(), entitlement.GateConfig{})
	if _, err := NewHandler(Config{Gate: gate}); err == nil {
		t.Fatal("expected error without client URL")
	}
}

// Anonymous use, sign-in merge, free allowance exhausted, then denial.
func TestFormalize_AnonymousThroughFree(t *testing.T) {
	env := newTestEnv(t, nil)
	device := map[string]string{httpmw.DeviceHeader: "dev1"}

	rec := env.do(t, http.MethodPost, "/api/formalize", FormalizeRequest{Content: "hey, send it"}, device)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[FormalizeResponse](t, rec)
	assert.Equal(t, "Dear colleague, hey, send it", resp.Result)
	assert.Equal(t, entitlement.DisplayAnonymous, resp.Tier)
	assert.Equal(t, entitlement.Remaining{Count: 0}, resp.Remaining)
	assert.Equal(t, "anonymous", rec.Header().Get("X-Quota-Tier"))

	rec = env.do(t, http.MethodPost, "/api/formalize", FormalizeRequest{Content: "again"}, device)
	require.Equal(t, http.StatusConflict, rec.Code)
	denied := decodeBody[QuotaExceededResponse](t, rec)
	assert.Equal(t, "quota_exceeded", denied.Error)
	assert.Equal(t, 1, env.model.calls, "denied call must not reach the model")

	rec = env.do(t, http.MethodPost, "/api/sign-in", SignInRequest{AccountID: "acct1", Email: "a@example.com"}, device)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	signIn := decodeBody[SignInResponse](t, rec)
	assert.True(t, signIn.Created)
	assert.Equal(t, 1, signIn.Merged)
	assert.Equal(t, 1, signIn.Entitlement.UsageCount)
	assert.Equal(t, entitlement.Remaining{Count: 2}, signIn.Entitlement.Quota.Remaining)

	for want := 1; want >= 0; want-- {
		rec = env.do(t, http.MethodPost, "/api/formalize", FormalizeRequest{Content: "x", AccountID: "acct1"}, device)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, entitlement.Remaining{Count: want}, decodeBody[FormalizeResponse](t, rec).Remaining)
	}

	rec = env.do(t, http.MethodPost, "/api/formalize", FormalizeRequest{Content: "x", AccountID: "acct1"}, device)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 3, env.model.calls)
}

func TestFormalize_AssignsDeviceID(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/formalize", FormalizeRequest{Content: "hello"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	id := rec.Header().Get(httpmw.DeviceHeader)
	if id == "" {
		t.Fatal("expected a generated device id")
	}
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, httpmw.DeviceCookie, cookies[0].Name)
	assert.Equal(t, id, cookies[0].Value)

	n, err := env.store.GetAnonymous(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFormalize_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     any
		raw      string
		modelErr error
		want     int
	}{
		{name: "empty content", body: FormalizeRequest{Content: "   "}, want: http.StatusBadRequest},
		{name: "content too long", body: FormalizeRequest{Content: strings.Repeat("a", formalizer.MaxContentLength+1)}, want: http.StatusBadRequest},
		{name: "malformed json", raw: "{", want: http.StatusBadRequest},
		{name: "unknown account", body: FormalizeRequest{Content: "hi", AccountID: "ghost"}, want: http.StatusUnauthorized},
		{name: "model failure", body: FormalizeRequest{Content: "hi"}, modelErr: fmt.Errorf("%w: upstream 500", formalizer.ErrModel), want: http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.model.err = tt.modelErr

			var rec *httptest.ResponseRecorder
			if tt.raw != "" {
				req := httptest.NewRequest(http.MethodPost, "/api/formalize", strings.NewReader(tt.raw))
				rec = httptest.NewRecorder()
				env.handler.ServeHTTP(rec, req)
			} else {
				rec = env.do(t, http.MethodPost, "/api/formalize", tt.body, map[string]string{httpmw.DeviceHeader: "dev1"})
			}
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestFormalize_ModelFailureNotCounted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.model.err = fmt.Errorf("%w: timeout", formalizer.ErrModel)
	device := map[string]string{httpmw.DeviceHeader: "dev1"}

	rec := env.do(t, http.MethodPost, "/api/formalize", FormalizeRequest{Content: "hi"}, device)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.True(t, decodeBody[ErrorResponse](t, rec).Retryable)

	env.model.err = nil
	rec = env.do(t, http.MethodPost, "/api/formalize", FormalizeRequest{Content: "hi"}, device)
	assert.Equal(t, http.StatusOK, rec.Code, "the failed call must not use the anonymous allowance")
}

func TestFormalize_PremiumUsesPremiumDisplay(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.store.CreateEntitlement(context.Background(), &entitlement.Entitlement{
		AccountID: "acct1", Tier: entitlement.TierPremium, SubscriptionID: entitlement.StringPtr("sub_1"), UsageCount: 50,
	}))

	rec := env.do(t, http.MethodPost, "/api/formalize", FormalizeRequest{Content: "hi"}, map[string]string{httpmw.AccountHeader: "acct1"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "unlimited", resp["remaining"])
	assert.Equal(t, "premium-active", resp["tier"])
	assert.Equal(t, []entitlement.DisplayState{entitlement.DisplayPremiumActive}, env.model.displays)
}

func TestFormalize_ModelDisabled(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Formalizer = nil })
	rec := env.do(t, http.MethodPost, "/api/formalize", FormalizeRequest{Content: "hi"}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSignIn_Validation(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/api/sign-in", SignInRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/sign-in", SignInRequest{AccountID: strings.Repeat("a", maxAccountLen+1)}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignIn_AnonymousOnlyIsDegraded(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Gate = entitlement.NewGate(memory.New(), entitlement.GateConfig{AnonymousOnly: true})
	})
	rec := env.do(t, http.MethodPost, "/api/sign-in", SignInRequest{AccountID: "acct1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[SignInResponse](t, rec)
	assert.True(t, resp.Degraded)
	assert.Equal(t, entitlement.TierFree, resp.Entitlement.Tier)
}

func TestGetEntitlement(t *testing.T) {
	env := newTestEnv(t, nil)
	end := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, env.store.CreateEntitlement(context.Background(), &entitlement.Entitlement{
		AccountID:           "acct1",
		Tier:                entitlement.TierPremium,
		SubscriptionID:      entitlement.StringPtr("sub_1"),
		SubscriptionEndDate: &end,
		BillingCustomerID:   entitlement.StringPtr("cus_1"),
	}))

	rec := env.do(t, http.MethodGet, "/api/account/acct1/entitlement", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[EntitlementResponse](t, rec)
	assert.Equal(t, entitlement.TierPremium, resp.Tier)
	require.NotNil(t, resp.SubscriptionEndDate)
	assert.True(t, end.Equal(*resp.SubscriptionEndDate))
	assert.Equal(t, entitlement.DisplayPremiumUntil, resp.Quota.Display)

	rec = env.do(t, http.MethodGet, "/api/account/ghost/entitlement", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBilling_Disabled(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Billing = nil })

	for _, path := range []string{"/api/checkout-session", "/api/portal-session", "/api/webhook", "/api/account/a/sync"} {
		rec := env.do(t, http.MethodPost, path, map[string]string{"accountId": "a", "email": "a@example.com"}, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
		assert.Equal(t, "billing_disabled", decodeBody[ErrorResponse](t, rec).Error, path)
	}
	rec := env.do(t, http.MethodGet, "/api/account/a/subscription-status", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// gating still works
	rec = env.do(t, http.MethodPost, "/api/formalize", FormalizeRequest{Content: "hi"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCheckoutSession(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/checkout-session", CheckoutRequest{AccountID: "acct1", Email: "a@example.com", IsReinstatement: true}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cs_test_1", decodeBody[map[string]string](t, rec)["sessionId"])
	assert.Equal(t, billing.CheckoutRequest{AccountID: "acct1", Email: "a@example.com", IsReinstatement: true}, env.billing.checkoutReq)

	rec = env.do(t, http.MethodPost, "/api/checkout-session", CheckoutRequest{AccountID: "acct1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.billing.checkoutErr = fmt.Errorf("%w: /checkout/sessions: 503", billing.ErrBillingProvider)
	rec = env.do(t, http.MethodPost, "/api/checkout-session", CheckoutRequest{AccountID: "acct1", Email: "a@example.com"}, nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	resp := decodeBody[ErrorResponse](t, rec)
	assert.True(t, resp.Retryable)
	assert.NotEmpty(t, resp.RequestID)

	env.billing.checkoutErr = entitlement.ErrAccountNotFound
	rec = env.do(t, http.MethodPost, "/api/checkout-session", CheckoutRequest{AccountID: "acct1", Email: "a@example.com"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPortalSession(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/portal-session", PortalRequest{AccountID: "acct1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://billing.example.com/p/acct1", decodeBody[map[string]string](t, rec)["url"])

	env.billing.portalErr = billing.ErrNoBillingIdentity
	rec = env.do(t, http.MethodPost, "/api/portal-session", PortalRequest{AccountID: "acct1"}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decodeBody[ErrorResponse](t, rec).Message, "checkout")
}

func TestSyncAndStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.store.CreateEntitlement(context.Background(), &entitlement.Entitlement{AccountID: "acct1", Tier: entitlement.TierFree}))

	rec := env.do(t, http.MethodPost, "/api/account/acct1/sync", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, entitlement.TierFree, decodeBody[EntitlementResponse](t, rec).Tier)

	rec = env.do(t, http.MethodGet, "/api/account/acct1/subscription-status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[billing.SubscriptionStatus](t, rec)
	assert.True(t, status.InSync)

	env.billing.syncErr = fmt.Errorf("wrap: %w", entitlement.ErrStoreUnavailable)
	rec = env.do(t, http.MethodPost, "/api/account/acct1/sync", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhook_Delegates(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/webhook", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.billing.webhooks)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Store = pingFunc(func(context.Context) error { return errors.New("connection refused") })
	})
	rec := env.do(t, http.MethodGet, "/api/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[HealthResponse](t, rec)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "unavailable", resp.Services.Store)
	assert.Equal(t, "ok", resp.Services.Model)
	assert.True(t, resp.Services.Billing)

	env = newTestEnv(t, func(c *Config) {
		c.Store = pingFunc(func(context.Context) error { return nil })
		c.Billing = nil
	})
	resp = decodeBody[HealthResponse](t, env.do(t, http.MethodGet, "/api/health", nil, nil))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "ok", resp.Services.Store)
	assert.False(t, resp.Services.Billing)

	env = newTestEnv(t, func(c *Config) {
		c.Store = pingFunc(func(context.Context) error { return nil })
	})
	env.model.pingErr = fmt.Errorf("%w: 401 invalid api key", formalizer.ErrModel)
	resp = decodeBody[HealthResponse](t, env.do(t, http.MethodGet, "/api/health", nil, nil))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "unavailable", resp.Services.Model)
	assert.Equal(t, "ok", resp.Services.Store)
}

func TestCORS_AllowsClientOrigin(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/formalize", nil)
	req.Header.Set("Origin", testClientURL)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, testClientURL, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/formalize", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetrics_Exposed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodGet, "/api/health", nil, nil)

	families, err := env.reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() != "rewordgate_http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "route" && l.GetValue() == "/api/health" {
					found = true
					assert.Equal(t, 1.0, m.GetCounter().GetValue())
				}
			}
		}
	}
	if !found {
		t.Fatal("expected request counter for /api/health")
	}

	rec := env.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rewordgate_http_request_duration_seconds")
}

func TestRespondErr_MissingDevice(t *testing.T) {
	h, err := NewHandler(Config{
		Gate:      entitlement.NewGate(memory.New(), entitlement.GateConfig{}),
		ClientURL: testClientURL,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.respondErr(rec, httptest.NewRequest(http.MethodPost, "/api/formalize", nil), fmt.Errorf("check: %w", entitlement.ErrNoDevice))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, codeInvalidRequest, resp.Error)
	assert.False(t, resp.Retryable)
}
