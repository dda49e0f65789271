package stripe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/rewordgate/pkg/billing"
	"github.com/mihaimyh/rewordgate/pkg/entitlement"
)

const (
	statusActive   = "active"
	statusCanceled = "canceled"

	// unknownPeriodLength estimates the end of a monthly period when Stripe omits it
	unknownPeriodLength = 30 * 24 * time.Hour
)

// Subscription is the part of a Stripe subscription that drives entitlements.
type Subscription struct {
	ID                string
	CustomerID        string
	Status            string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  time.Time // zero when unknown
	Created           time.Time
	Metadata          map[string]string
}

// AccountID returns the account recorded in the subscription metadata, if any.
func (s *Subscription) AccountID() string {
	return s.Metadata[MetadataAccountKey]
}

// subscriptionPayload mirrors the webhook JSON. Newer API versions report the
// period end on subscription items instead of the subscription itself.
type subscriptionPayload struct {
	ID                string            `json:"id"`
	Customer          customerRef       `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	Created           int64             `json:"created"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// customerRef accepts a bare customer id or an expanded customer object.
type customerRef string

func (c *customerRef) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*c = customerRef(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*c = customerRef(obj.ID)
	return nil
}

// ParseSubscription decodes a subscription object from a webhook or API payload.
func ParseSubscription(raw []byte) (*Subscription, error) {
	var p subscriptionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", billing.ErrInvalidWebhookPayload, err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: subscription id missing", billing.ErrInvalidWebhookPayload)
	}

	periodEnd := p.CurrentPeriodEnd
	if periodEnd == 0 {
		for _, item := range p.Items.Data {
			if item.CurrentPeriodEnd > periodEnd {
				periodEnd = item.CurrentPeriodEnd
			}
		}
	}

	sub := &Subscription{
		ID:                p.ID,
		CustomerID:        string(p.Customer),
		Status:            p.Status,
		CancelAtPeriodEnd: p.CancelAtPeriodEnd,
		Metadata:          p.Metadata,
	}
	if periodEnd > 0 {
		sub.CurrentPeriodEnd = time.Unix(periodEnd, 0).UTC()
	}
	if p.Created > 0 {
		sub.Created = time.Unix(p.Created, 0).UTC()
	}
	return sub, nil
}

// fromAPI converts a subscription returned by the API client.
func fromAPI(s *stripe.Subscription) (*Subscription, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return ParseSubscription(raw)
}

// Derive maps a subscription snapshot to the absolute entitlement state it implies.
//
//	deleted event                          -> free, no subscription
//	active, not cancelling                 -> premium, no end date
//	active, cancelling, period end known   -> premium until period end
//	active, cancelling, period end unknown -> premium until created + 30 days
//	canceled                               -> premium until period end (or open ended)
//	any other status                       -> free, no subscription
func Derive(sub *Subscription, deleted bool) entitlement.SubscriptionState {
	if deleted {
		return entitlement.SubscriptionState{Tier: entitlement.TierFree}
	}

	premium := entitlement.SubscriptionState{
		Tier:           entitlement.TierPremium,
		SubscriptionID: entitlement.StringPtr(sub.ID),
	}

	switch sub.Status {
	case statusActive:
		if !sub.CancelAtPeriodEnd {
			return premium
		}
		end := sub.CurrentPeriodEnd
		if end.IsZero() && !sub.Created.IsZero() {
			end = sub.Created.Add(unknownPeriodLength)
		}
		if !end.IsZero() {
			premium.SubscriptionEndDate = &end
		}
		return premium
	case statusCanceled:
		if !sub.CurrentPeriodEnd.IsZero() {
			end := sub.CurrentPeriodEnd
			premium.SubscriptionEndDate = &end
		}
		return premium
	default:
		return entitlement.SubscriptionState{Tier: entitlement.TierFree}
	}
}
