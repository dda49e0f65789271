package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/mihaimyh/rewordgate/pkg/billing"
	"github.com/mihaimyh/rewordgate/pkg/entitlement"
)

// SyncAccount re-pulls the account's stored subscription from Stripe and applies the
// derived state as if it were a webhook received now. Accounts that never subscribed
// are returned unchanged.
func (p *Provider) SyncAccount(ctx context.Context, accountID string) (*entitlement.Entitlement, error) {
	start := time.Now()
	ent, err := p.store.GetEntitlement(ctx, accountID)
	if err != nil {
		p.metrics.RecordAccountSync(providerName, "error")
		return nil, err
	}
	if ent.SubscriptionID == nil {
		p.metrics.RecordAccountSync(providerName, "no_subscription")
		return ent, nil
	}

	subID := *ent.SubscriptionID
	sub, err := p.retrieveSubscription(ctx, subID)
	deleted := false
	if err != nil {
		if !isResourceMissing(err) {
			p.metrics.RecordAccountSync(providerName, "error")
			return nil, err
		}
		// the subscription no longer exists at Stripe
		sub = &Subscription{ID: subID}
		deleted = true
	}

	if _, err := p.apply(ctx, accountID, sub, deleted, "sync", p.now().UTC()); err != nil {
		p.metrics.RecordAccountSync(providerName, "error")
		return nil, err
	}

	updated, err := p.store.GetEntitlement(ctx, accountID)
	if err != nil {
		p.metrics.RecordAccountSync(providerName, "error")
		return nil, err
	}
	p.metrics.RecordAccountSync(providerName, "success")
	p.logger.Debug("account synced",
		entitlement.Field{Key: "account_id", Value: accountID},
		entitlement.Field{Key: "duration_ms", Value: time.Since(start).Milliseconds()})
	return updated, nil
}

// SubscriptionStatus reports the stored tier next to Stripe's current status.
func (p *Provider) SubscriptionStatus(ctx context.Context, accountID string) (*billing.SubscriptionStatus, error) {
	ent, err := p.store.GetEntitlement(ctx, accountID)
	if err != nil {
		return nil, err
	}

	status := &billing.SubscriptionStatus{
		AccountID:  accountID,
		StoredTier: ent.Tier,
		InSync:     ent.SubscriptionID == nil && ent.Tier == entitlement.TierFree,
	}
	if ent.BillingCustomerID != nil {
		status.BillingCustomerID = *ent.BillingCustomerID
	}
	if ent.SubscriptionID == nil {
		return status, nil
	}

	sub, err := p.retrieveSubscription(ctx, *ent.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("retrieve subscription: %w", err)
	}
	status.SubscriptionID = sub.ID
	status.ProviderStatus = sub.Status
	status.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	status.InSync = Derive(sub, false).Tier == ent.Tier
	return status, nil
}
