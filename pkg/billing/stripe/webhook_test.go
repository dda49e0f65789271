package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/rewordgate/pkg/billing"
	"github.com/mihaimyh/rewordgate/pkg/entitlement"
	"github.com/mihaimyh/rewordgate/storage/memory"
)

const (
	t0        = int64(1740000000)
	periodEnd = int64(1742000000)
)

func TestWebhook_InvalidSignatureRejected(t *testing.T) {
	p, store, _ := newTestProvider(t)

	payload := eventJSON(t, eventSubscriptionCreated, t0, subscriptionObject(nil))
	rec := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(rec, signedWebhookRequest(t, "whsec_wrong", payload))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid signature")

	_, err := store.GetEntitlement(context.Background(), "acct1")
	assert.ErrorIs(t, err, entitlement.ErrAccountNotFound, "rejected deliveries must not mutate state")
}

func TestWebhook_MissingSignatureRejected(t *testing.T) {
	p, _, _ := newTestProvider(t)

	payload := eventJSON(t, eventSubscriptionCreated, t0, subscriptionObject(nil))
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(payload)))
	rec := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_MethodAndConfig(t *testing.T) {
	p, _, _ := newTestProvider(t)

	rec := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	unconfigured, err := NewProvider(Config{Config: billing.Config{Store: memory.New()}, API: newFakeAPI()})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	unconfigured.WebhookHandler().ServeHTTP(rec, signedWebhookRequest(t, testSecret, []byte(`{}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhook_ActiveSubscriptionGrantsPremium(t *testing.T) {
	p, store, _ := newTestProvider(t)

	rec := deliver(t, p, eventJSON(t, eventSubscriptionCreated, t0, subscriptionObject(nil)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())

	ent, err := store.GetEntitlement(context.Background(), "acct1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierPremium, ent.Tier)
	require.NotNil(t, ent.SubscriptionID)
	assert.Equal(t, "sub_1", *ent.SubscriptionID)
	assert.Nil(t, ent.SubscriptionEndDate)
	require.NotNil(t, ent.BillingCustomerID)
	assert.Equal(t, "cus_1", *ent.BillingCustomerID)
	assert.Equal(t, 0, ent.UsageCount)
}

// Cancellation is scheduled, then the deletion arrives before a late replay of the update.
func TestWebhook_CancellationLifecycle(t *testing.T) {
	p, store, _ := newTestProvider(t)
	ctx := context.Background()

	require.Equal(t, http.StatusOK, deliver(t, p, eventJSON(t, eventSubscriptionCreated, t0, subscriptionObject(nil))).Code)

	cancelling := subscriptionObject(map[string]interface{}{
		"cancel_at_period_end": true,
		"current_period_end":   periodEnd,
	})
	require.Equal(t, http.StatusOK, deliver(t, p, eventJSON(t, eventSubscriptionUpdated, t0+10, cancelling)).Code)

	ent, _ := store.GetEntitlement(ctx, "acct1")
	assert.Equal(t, entitlement.TierPremium, ent.Tier)
	require.NotNil(t, ent.SubscriptionEndDate)
	assert.Equal(t, periodEnd, ent.SubscriptionEndDate.Unix())

	d := entitlement.DefaultPolicy.Evaluate(ent, 0, time.Unix(t0+20, 0))
	assert.Equal(t, entitlement.DisplayPremiumUntil, d.Display)

	deleted := subscriptionObject(map[string]interface{}{"status": "canceled"})
	require.Equal(t, http.StatusOK, deliver(t, p, eventJSON(t, eventSubscriptionDeleted, t0+100, deleted)).Code)

	// late redelivery of the older cancel update must not resurrect premium
	require.Equal(t, http.StatusOK, deliver(t, p, eventJSON(t, eventSubscriptionUpdated, t0+10, cancelling)).Code)

	ent, _ = store.GetEntitlement(ctx, "acct1")
	assert.Equal(t, entitlement.TierFree, ent.Tier)
	assert.Nil(t, ent.SubscriptionID)
	assert.Nil(t, ent.SubscriptionEndDate)
	require.NoError(t, ent.Validate())
}

func TestWebhook_ReplayIsIdempotent(t *testing.T) {
	p, store, _ := newTestProvider(t)
	ctx := context.Background()

	payload := eventJSON(t, eventSubscriptionUpdated, t0, subscriptionObject(map[string]interface{}{
		"cancel_at_period_end": true,
		"current_period_end":   periodEnd,
	}))
	require.Equal(t, http.StatusOK, deliver(t, p, payload).Code)
	first, _ := store.GetEntitlement(ctx, "acct1")

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, deliver(t, p, payload).Code)
	}
	again, _ := store.GetEntitlement(ctx, "acct1")

	assert.Equal(t, first.Tier, again.Tier)
	assert.Equal(t, *first.SubscriptionID, *again.SubscriptionID)
	assert.True(t, first.SubscriptionEndDate.Equal(*again.SubscriptionEndDate))
	assert.Equal(t, first.BillingEventAt, again.BillingEventAt)
}

func TestWebhook_OutOfOrderDelivery(t *testing.T) {
	p, store, _ := newTestProvider(t)

	active := eventJSON(t, eventSubscriptionUpdated, t0, subscriptionObject(nil))
	pastDue := eventJSON(t, eventSubscriptionUpdated, t0+50, subscriptionObject(map[string]interface{}{"status": "past_due"}))

	require.Equal(t, http.StatusOK, deliver(t, p, pastDue).Code)
	require.Equal(t, http.StatusOK, deliver(t, p, active).Code)

	ent, _ := store.GetEntitlement(context.Background(), "acct1")
	assert.Equal(t, entitlement.TierFree, ent.Tier, "the newer event wins regardless of arrival order")
	assert.Nil(t, ent.SubscriptionID)
}

func TestWebhook_UnknownEventAcknowledged(t *testing.T) {
	p, store, _ := newTestProvider(t)

	rec := deliver(t, p, eventJSON(t, "invoice.paid", t0, map[string]interface{}{"id": "in_1"}))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())

	_, err := store.GetEntitlement(context.Background(), "acct1")
	assert.ErrorIs(t, err, entitlement.ErrAccountNotFound)
}

func TestWebhook_ResolvesAccountFromCustomer(t *testing.T) {
	p, store, api := newTestProvider(t)
	api.customers["cus_1"] = &stripe.Customer{ID: "cus_1", Metadata: map[string]string{MetadataAccountKey: "acct9"}}

	obj := subscriptionObject(map[string]interface{}{"metadata": map[string]string{}})
	require.Equal(t, http.StatusOK, deliver(t, p, eventJSON(t, eventSubscriptionCreated, t0, obj)).Code)

	ent, err := store.GetEntitlement(context.Background(), "acct9")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierPremium, ent.Tier)
}

func TestWebhook_ResolvesAccountFromCustomerIndex(t *testing.T) {
	p, store, api := newTestProvider(t)
	ctx := context.Background()

	require.NoError(t, store.CreateEntitlement(ctx, &entitlement.Entitlement{AccountID: "acct2", Tier: entitlement.TierFree}))
	require.NoError(t, store.SetBillingCustomerID(ctx, "acct2", "cus_1"))

	obj := subscriptionObject(map[string]interface{}{"metadata": map[string]string{}})
	require.Equal(t, http.StatusOK, deliver(t, p, eventJSON(t, eventSubscriptionCreated, t0, obj)).Code)

	ent, _ := store.GetEntitlement(ctx, "acct2")
	assert.Equal(t, entitlement.TierPremium, ent.Tier)
	assert.Equal(t, 0, api.callCount("RetrieveCustomer"), "local index should avoid the API lookup")
}

func TestWebhook_UnresolvableAccountSkipped(t *testing.T) {
	p, _, api := newTestProvider(t)
	api.failNext("RetrieveCustomer", errNetwork)

	obj := subscriptionObject(map[string]interface{}{"metadata": map[string]string{}})
	rec := deliver(t, p, eventJSON(t, eventSubscriptionCreated, t0, obj))
	assert.Equal(t, http.StatusOK, rec.Code, "a non-transient lookup failure is logged and acknowledged")
}

func TestWebhook_CustomerLookupOutageRequestsRedelivery(t *testing.T) {
	p, store, api := newTestProvider(t)
	api.customers["cus_1"] = &stripe.Customer{ID: "cus_1", Metadata: map[string]string{MetadataAccountKey: "acct9"}}
	unavailable := &stripe.Error{HTTPStatusCode: http.StatusServiceUnavailable}
	api.failNext("RetrieveCustomer", unavailable, unavailable)

	obj := subscriptionObject(map[string]interface{}{"metadata": map[string]string{}})
	payload := eventJSON(t, eventSubscriptionCreated, t0, obj)
	rec := deliver(t, p, payload)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 so Stripe redelivers", rec.Code)
	}
	_, err := store.GetEntitlement(context.Background(), "acct9")
	assert.ErrorIs(t, err, entitlement.ErrAccountNotFound)

	require.Equal(t, http.StatusOK, deliver(t, p, payload).Code)
	ent, err := store.GetEntitlement(context.Background(), "acct9")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierPremium, ent.Tier)
}

func TestWebhook_StoreFailureRequestsRedelivery(t *testing.T) {
	store := &brokenStore{Storage: memory.New()}
	p, err := NewProvider(Config{
		Config: billing.Config{Store: store, WebhookSecret: testSecret},
		API:    newFakeAPI(),
	})
	require.NoError(t, err)

	rec := deliver(t, p, eventJSON(t, eventSubscriptionCreated, t0, subscriptionObject(nil)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebhook_InvalidPayload(t *testing.T) {
	p, _, _ := newTestProvider(t)

	rec := deliver(t, p, eventJSON(t, eventSubscriptionCreated, t0, map[string]interface{}{"status": "active"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_Callback(t *testing.T) {
	store := memory.New()
	var events []billing.WebhookEvent
	p, err := NewProvider(Config{
		Config: billing.Config{
			Store:         store,
			WebhookSecret: testSecret,
			WebhookCallback: func(e billing.WebhookEvent) error {
				events = append(events, e)
				return errors.New("callback errors do not fail the webhook")
			},
		},
		API: newFakeAPI(),
	})
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, deliver(t, p, eventJSON(t, eventSubscriptionCreated, t0, subscriptionObject(nil))).Code)
	// stale event: no callback
	require.Equal(t, http.StatusOK, deliver(t, p, eventJSON(t, eventSubscriptionUpdated, t0-1, subscriptionObject(nil))).Code)

	require.Len(t, events, 1)
	assert.Equal(t, "acct1", events[0].AccountID)
	assert.Equal(t, entitlement.Tier(""), events[0].PreviousTier)
	assert.Equal(t, entitlement.TierPremium, events[0].NewTier)
	assert.Equal(t, "stripe", events[0].Provider)
	assert.Equal(t, time.Unix(t0, 0).UTC(), events[0].EventTimestamp)
}

func TestReconcile_Outcomes(t *testing.T) {
	p, _, _ := newTestProvider(t)
	ctx := context.Background()

	raw, err := json.Marshal(subscriptionObject(nil))
	require.NoError(t, err)
	event := &stripe.Event{
		ID:      "evt_1",
		Type:    eventSubscriptionCreated,
		Created: t0,
		Data:    &stripe.EventData{Raw: raw},
	}

	outcome, err := p.Reconcile(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	outcome, err = p.Reconcile(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome, "ties re-apply")

	event.Created = t0 - 5
	outcome, err = p.Reconcile(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	outcome, err = p.Reconcile(ctx, &stripe.Event{Type: "charge.refunded"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	outcome, err = p.Reconcile(ctx, &stripe.Event{
		Type:    eventSubscriptionUpdated,
		Created: t0,
		Data:    &stripe.EventData{Raw: []byte(`{"id":"sub_2","customer":"cus_2","status":"active"}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnresolved, outcome)
}

// brokenStore fails every subscription write.
type brokenStore struct {
	entitlement.Storage
}

func (b *brokenStore) ApplySubscriptionState(context.Context, *entitlement.SubscriptionUpdate) (bool, error) {
	return false, entitlement.ErrStoreUnavailable
}
