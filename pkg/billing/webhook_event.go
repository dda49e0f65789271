package billing

import (
	"time"

	"github.com/mihaimyh/rewordgate/pkg/entitlement"
)

// WebhookEvent describes an entitlement change applied from a billing event.
// It is passed to Config.WebhookCallback after the store accepted the update.
type WebhookEvent struct {
	AccountID      string
	PreviousTier   entitlement.Tier // empty when the record was created by this event
	NewTier        entitlement.Tier
	Provider       string
	EventType      string
	EventTimestamp time.Time
	SubscriptionID string

	// EndsAt is the scheduled end of a cancelled subscription
	EndsAt *time.Time
}
