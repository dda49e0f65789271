package firestore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/rewordgate/pkg/entitlement"
)

const testProjectID = "test-project"

// setupStorage connects to the emulator named by FIRESTORE_EMULATOR_HOST
// and isolates each test in its own collections.
func setupStorage(t *testing.T) *Storage {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	ctx := context.Background()
	client, err := firestore.NewClient(ctx, testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	suffix := fmt.Sprintf("%s_%d", t.Name(), time.Now().UnixNano())
	storage, err := New(client, Config{
		EntitlementsCollection: "test_ent_" + suffix,
		AnonymousCollection:    "test_anon_" + suffix,
	})
	require.NoError(t, err)
	return storage
}

func TestNew(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func TestDecode_MissingFields(t *testing.T) {
	ent := decode("acct1", map[string]interface{}{})
	assert.Equal(t, entitlement.TierFree, ent.Tier)
	assert.Equal(t, 0, ent.UsageCount)
	assert.Nil(t, ent.SubscriptionEndDate)
	assert.Nil(t, ent.BillingCustomerID)
	assert.True(t, ent.BillingEventAt.IsZero())
}

func TestEncodeDecode(t *testing.T) {
	end := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	ent := &entitlement.Entitlement{
		AccountID:           "acct1",
		Tier:                entitlement.TierPremium,
		SubscriptionID:      entitlement.StringPtr("sub_1"),
		SubscriptionEndDate: &end,
		BillingCustomerID:   entitlement.StringPtr("cus_1"),
		BillingEventAt:      end.Add(-time.Hour),
	}
	data := encode(ent)
	_, hasUsage := data[fieldUsageCount]
	assert.False(t, hasUsage, "usage is owned by the counter transforms")

	data[fieldUsageCount] = int64(7)
	got := decode("acct1", data)
	assert.Equal(t, 7, got.UsageCount)
	assert.Equal(t, "sub_1", *got.SubscriptionID)
	assert.True(t, got.SubscriptionEndDate.Equal(end))
	assert.True(t, got.BillingEventAt.Equal(ent.BillingEventAt))
}

func TestStorage_Entitlement(t *testing.T) {
	storage := setupStorage(t)
	ctx := context.Background()

	_, err := storage.GetEntitlement(ctx, "acct1")
	assert.ErrorIs(t, err, entitlement.ErrAccountNotFound)

	require.NoError(t, storage.CreateEntitlement(ctx, &entitlement.Entitlement{AccountID: "acct1", Tier: entitlement.TierFree}))
	assert.Error(t, storage.CreateEntitlement(ctx, &entitlement.Entitlement{AccountID: "acct1", Tier: entitlement.TierFree}))

	n, err := storage.IncrementUsage(ctx, "acct1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = storage.IncrementUsage(ctx, "missing", 1)
	assert.ErrorIs(t, err, entitlement.ErrAccountNotFound)

	require.NoError(t, storage.SetBillingCustomerID(ctx, "acct1", "cus_1"))
	account, err := storage.FindAccountByCustomerID(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "acct1", account)

	_, err = storage.FindAccountByCustomerID(ctx, "cus_unknown")
	assert.ErrorIs(t, err, entitlement.ErrAccountNotFound)
}

func TestStorage_ConcurrentIncrements(t *testing.T) {
	storage := setupStorage(t)
	ctx := context.Background()
	require.NoError(t, storage.CreateEntitlement(ctx, &entitlement.Entitlement{AccountID: "acct1", Tier: entitlement.TierFree}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = storage.IncrementUsage(ctx, "acct1", 1)
		}()
	}
	wg.Wait()

	got, err := storage.GetEntitlement(ctx, "acct1")
	require.NoError(t, err)
	assert.Equal(t, 10, got.UsageCount)
}

func TestStorage_MergeAnonymousUsage(t *testing.T) {
	storage := setupStorage(t)
	ctx := context.Background()

	_, err := storage.IncrementAnonymous(ctx, "dev1")
	require.NoError(t, err)

	res, err := storage.MergeAnonymousUsage(ctx, &entitlement.MergeRequest{AccountID: "acct1", DeviceID: "dev1", Email: "a@example.com"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 1, res.Merged)

	// retried sign-in adds nothing
	res, err = storage.MergeAnonymousUsage(ctx, &entitlement.MergeRequest{AccountID: "acct1", DeviceID: "dev1"})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, 0, res.Merged)
	assert.Equal(t, 1, res.Entitlement.UsageCount)

	n, _ := storage.GetAnonymous(ctx, "dev1")
	assert.Equal(t, 0, n)
}

func TestStorage_ApplySubscriptionState(t *testing.T) {
	storage := setupStorage(t)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	end := t0.Add(48 * time.Hour)

	applied, err := storage.ApplySubscriptionState(ctx, &entitlement.SubscriptionUpdate{
		AccountID: "acct1",
		State: entitlement.SubscriptionState{
			Tier:                entitlement.TierPremium,
			SubscriptionID:      entitlement.StringPtr("sub_1"),
			SubscriptionEndDate: &end,
		},
		CustomerID: "cus_1",
		EventAt:    t0,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = storage.ApplySubscriptionState(ctx, &entitlement.SubscriptionUpdate{
		AccountID: "acct1",
		State:     entitlement.SubscriptionState{Tier: entitlement.TierFree},
		EventAt:   t0.Add(-time.Minute),
	})
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = storage.ApplySubscriptionState(ctx, &entitlement.SubscriptionUpdate{
		AccountID:             "acct1",
		State:                 entitlement.SubscriptionState{Tier: entitlement.TierFree},
		EventAt:               t0.Add(time.Hour),
		Deleted:               true,
		RemovedSubscriptionID: "sub_1",
	})
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := storage.GetEntitlement(ctx, "acct1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierFree, got.Tier)
	assert.Nil(t, got.SubscriptionID)
	assert.Nil(t, got.SubscriptionEndDate)
	require.NotNil(t, got.BillingCustomerID)
	assert.Equal(t, "cus_1", *got.BillingCustomerID)
}

func TestStorage_Anonymous(t *testing.T) {
	storage := setupStorage(t)
	ctx := context.Background()

	_, err := storage.IncrementAnonymous(ctx, "")
	assert.ErrorIs(t, err, entitlement.ErrNoDevice)

	for i := 1; i <= 2; i++ {
		n, err := storage.IncrementAnonymous(ctx, "dev1")
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	require.NoError(t, storage.ClearAnonymous(ctx, "dev1"))
	n, err := storage.GetAnonymous(ctx, "dev1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, storage.Ping(ctx))
}
