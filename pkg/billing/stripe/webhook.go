package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/rewordgate/pkg/billing"
	"github.com/mihaimyh/rewordgate/pkg/billing/internal"
	"github.com/mihaimyh/rewordgate/pkg/entitlement"
)

const (
	eventSubscriptionCreated = "customer.subscription.created"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
)

// Outcome describes what a webhook delivery did to the store.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeSkipped    Outcome = "skipped"    // older than the stored state or for a superseded subscription
	OutcomeIgnored    Outcome = "ignored"    // event type not handled
	OutcomeUnresolved Outcome = "unresolved" // no account could be tied to the subscription
)

// handleWebhook verifies and reconciles one Stripe delivery.
// 400 is final; 500 asks Stripe to redeliver.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		internal.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if p.webhookSecret == "" {
		internal.WriteError(w, http.StatusServiceUnavailable, "webhook not configured")
		return
	}

	body, err := internal.ReadBodyStrict(w, r, webhookBodyLimit)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
			internal.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		internal.WriteError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	event, err := p.verify(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		p.metrics.RecordWebhookError(providerName, "invalid_signature")
		p.logger.Warn("rejected webhook with invalid signature",
			entitlement.Field{Key: "remote_ip", Value: internal.ClientIP(r)},
			entitlement.Field{Key: "error", Value: err.Error()})
		internal.WriteError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	eventType := string(event.Type)
	outcome, err := p.Reconcile(r.Context(), &event)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(start))
	if err != nil {
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		if errors.Is(err, billing.ErrInvalidWebhookPayload) {
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
			p.logger.Warn("undecodable subscription payload",
				entitlement.Field{Key: "event_id", Value: event.ID},
				entitlement.Field{Key: "error", Value: err.Error()})
			internal.WriteError(w, http.StatusBadRequest, "invalid payload")
			return
		}
		reason := "store_unavailable"
		if errors.Is(err, billing.ErrBillingProvider) {
			reason = "provider_unavailable"
		}
		p.metrics.RecordWebhookError(providerName, reason)
		p.logger.Error("webhook reconciliation failed",
			entitlement.Field{Key: "event_id", Value: event.ID},
			entitlement.Field{Key: "event_type", Value: eventType},
			entitlement.Field{Key: "error", Value: err.Error()})
		internal.WriteError(w, http.StatusInternalServerError, "failed to process webhook")
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, string(outcome))
	_ = internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// verify checks the signature header against the raw payload.
func (p *Provider) verify(payload []byte, header string) (stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, header, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %w", billing.ErrInvalidSignature, err)
	}
	return event, nil
}

// Reconcile applies a verified event. Store failures and transient Stripe failures during
// account resolution are returned so the delivery is retried; accounts that cannot be
// resolved and unhandled types are acknowledged.
func (p *Provider) Reconcile(ctx context.Context, event *stripe.Event) (Outcome, error) {
	eventType := string(event.Type)
	switch eventType {
	case eventSubscriptionCreated, eventSubscriptionUpdated, eventSubscriptionDeleted:
	default:
		p.logger.Debug("ignoring webhook event", entitlement.Field{Key: "event_type", Value: eventType})
		return OutcomeIgnored, nil
	}
	if event.Data == nil {
		return "", fmt.Errorf("%w: event has no data", billing.ErrInvalidWebhookPayload)
	}

	sub, err := ParseSubscription(event.Data.Raw)
	if err != nil {
		return "", err
	}

	accountID, err := p.resolveAccount(ctx, sub)
	if err != nil {
		if !errors.Is(err, billing.ErrAccountUnresolved) {
			return "", err
		}
		p.logger.Warn("no account for subscription, skipping",
			entitlement.Field{Key: "subscription_id", Value: sub.ID},
			entitlement.Field{Key: "customer_id", Value: sub.CustomerID},
			entitlement.Field{Key: "error", Value: err.Error()})
		return OutcomeUnresolved, nil
	}

	deleted := eventType == eventSubscriptionDeleted
	return p.apply(ctx, accountID, sub, deleted, eventType, time.Unix(event.Created, 0).UTC())
}

// apply writes the derived state and reports tier changes.
func (p *Provider) apply(ctx context.Context, accountID string, sub *Subscription, deleted bool,
	eventType string, eventAt time.Time) (Outcome, error) {
	var previous entitlement.Tier
	existing, err := p.store.GetEntitlement(ctx, accountID)
	switch {
	case err == nil:
		previous = existing.Tier
	case errors.Is(err, entitlement.ErrAccountNotFound):
	default:
		return "", fmt.Errorf("load entitlement: %w", err)
	}

	update := &entitlement.SubscriptionUpdate{
		AccountID:  accountID,
		State:      Derive(sub, deleted),
		CustomerID: sub.CustomerID,
		EventAt:    eventAt,
		Deleted:    deleted,
	}
	if deleted {
		update.RemovedSubscriptionID = sub.ID
	}

	applied, err := p.store.ApplySubscriptionState(ctx, update)
	if err != nil {
		return "", fmt.Errorf("apply subscription state: %w", err)
	}
	if !applied {
		p.logger.Info("skipped stale subscription event",
			entitlement.Field{Key: "account_id", Value: accountID},
			entitlement.Field{Key: "subscription_id", Value: sub.ID},
			entitlement.Field{Key: "event_type", Value: eventType})
		return OutcomeSkipped, nil
	}

	newTier := update.State.Tier
	if previous != newTier {
		p.metrics.RecordTierChange(providerName, string(previous), string(newTier))
	}
	p.logger.Info("entitlement reconciled",
		entitlement.Field{Key: "account_id", Value: accountID},
		entitlement.Field{Key: "subscription_id", Value: sub.ID},
		entitlement.Field{Key: "status", Value: sub.Status},
		entitlement.Field{Key: "tier", Value: string(newTier)})

	if p.callback != nil {
		evt := billing.WebhookEvent{
			AccountID:      accountID,
			PreviousTier:   previous,
			NewTier:        newTier,
			Provider:       providerName,
			EventType:      eventType,
			EventTimestamp: eventAt,
			SubscriptionID: sub.ID,
			EndsAt:         update.State.SubscriptionEndDate,
		}
		if err := p.callback(evt); err != nil {
			p.logger.Warn("webhook callback failed",
				entitlement.Field{Key: "account_id", Value: accountID},
				entitlement.Field{Key: "error", Value: err.Error()})
		}
	}
	return OutcomeApplied, nil
}

// resolveAccount finds the account for a subscription: its own metadata first, then the
// local customer index, then the Stripe customer's metadata.
func (p *Provider) resolveAccount(ctx context.Context, sub *Subscription) (string, error) {
	if id := sub.AccountID(); id != "" {
		return id, nil
	}
	if sub.CustomerID == "" {
		return "", billing.ErrAccountUnresolved
	}

	id, err := p.store.FindAccountByCustomerID(ctx, sub.CustomerID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, entitlement.ErrAccountNotFound) {
		p.logger.Warn("customer index lookup failed",
			entitlement.Field{Key: "customer_id", Value: sub.CustomerID},
			entitlement.Field{Key: "error", Value: err.Error()})
	}

	var cust *stripe.Customer
	err = p.call(ctx, "/customers/retrieve", func(ctx context.Context) error {
		var e error
		cust, e = p.api.RetrieveCustomer(ctx, sub.CustomerID)
		return e
	})
	if err != nil {
		if isTransient(err) {
			return "", fmt.Errorf("resolve customer %s: %w", sub.CustomerID, err)
		}
		return "", fmt.Errorf("%w: %w", billing.ErrAccountUnresolved, err)
	}
	if id := cust.Metadata[MetadataAccountKey]; id != "" {
		return id, nil
	}
	return "", billing.ErrAccountUnresolved
}
