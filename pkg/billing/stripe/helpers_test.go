package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"
	stripewebhook "github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/rewordgate/pkg/billing"
	"github.com/mihaimyh/rewordgate/storage/memory"
)

const testSecret = "whsec_test_secret"

// fakeAPI records calls and serves canned Stripe objects.
type fakeAPI struct {
	mu            sync.Mutex
	customers     map[string]*stripe.Customer
	subscriptions map[string]*stripe.Subscription
	created       []*stripe.CustomerCreateParams
	checkouts     []*stripe.CheckoutSessionCreateParams
	portals       []*stripe.BillingPortalSessionCreateParams
	failures      map[string][]error // queued errors per method
	calls         map[string]int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		customers:     make(map[string]*stripe.Customer),
		subscriptions: make(map[string]*stripe.Subscription),
		failures:      make(map[string][]error),
		calls:         make(map[string]int),
	}
}

func (f *fakeAPI) failNext(method string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], errs...)
}

func (f *fakeAPI) next(method string) error {
	f.calls[method]++
	if q := f.failures[method]; len(q) > 0 {
		f.failures[method] = q[1:]
		return q[0]
	}
	return nil
}

func (f *fakeAPI) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeAPI) RetrieveCustomer(_ context.Context, id string) (*stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next("RetrieveCustomer"); err != nil {
		return nil, err
	}
	c, ok := f.customers[id]
	if !ok {
		return nil, &stripe.Error{HTTPStatusCode: http.StatusNotFound, Msg: "No such customer"}
	}
	return c, nil
}

func (f *fakeAPI) CreateCustomer(_ context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next("CreateCustomer"); err != nil {
		return nil, err
	}
	f.created = append(f.created, params)
	c := &stripe.Customer{ID: "cus_new", Metadata: params.Metadata}
	f.customers[c.ID] = c
	return c, nil
}

func (f *fakeAPI) RetrieveSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next("RetrieveSubscription"); err != nil {
		return nil, err
	}
	s, ok := f.subscriptions[id]
	if !ok {
		return nil, &stripe.Error{HTTPStatusCode: http.StatusNotFound, Msg: "No such subscription"}
	}
	return s, nil
}

func (f *fakeAPI) CreateCheckoutSession(_ context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next("CreateCheckoutSession"); err != nil {
		return nil, err
	}
	f.checkouts = append(f.checkouts, params)
	return &stripe.CheckoutSession{ID: "cs_test_1"}, nil
}

func (f *fakeAPI) CreatePortalSession(_ context.Context, params *stripe.BillingPortalSessionCreateParams) (*stripe.BillingPortalSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next("CreatePortalSession"); err != nil {
		return nil, err
	}
	f.portals = append(f.portals, params)
	return &stripe.BillingPortalSession{URL: "https://billing.stripe.com/p/session_1"}, nil
}

var errNetwork = errors.New("connection reset by peer")

func newTestProvider(t *testing.T) (*Provider, *memory.Storage, *fakeAPI) {
	t.Helper()
	store := memory.New()
	api := newFakeAPI()
	p, err := NewProvider(Config{
		Config: billing.Config{
			Store:         store,
			WebhookSecret: testSecret,
			ClientURL:     "https://app.example.com/",
		},
		API:        api,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	return p, store, api
}

// subscriptionObject builds a subscription JSON object as Stripe sends it.
func subscriptionObject(fields map[string]interface{}) map[string]interface{} {
	obj := map[string]interface{}{
		"id":                   "sub_1",
		"object":               "subscription",
		"customer":             "cus_1",
		"status":               "active",
		"cancel_at_period_end": false,
		"created":              int64(1735689600), // 2025-01-01
		"metadata":             map[string]string{MetadataAccountKey: "acct1"},
	}
	for k, v := range fields {
		obj[k] = v
	}
	return obj
}

func eventJSON(t *testing.T, eventType string, created int64, object map[string]interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{
		"id":      "evt_" + eventType,
		"object":  "event",
		"type":    eventType,
		"created": created,
		"data":    map[string]interface{}{"object": object},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return b
}

func signedWebhookRequest(t *testing.T, secret string, payload []byte) *http.Request {
	t.Helper()

	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func deliver(t *testing.T, p *Provider, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(rec, signedWebhookRequest(t, testSecret, payload))
	return rec
}
