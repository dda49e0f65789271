package entitlement

import (
	"fmt"
	"time"
)

// Tier is the persisted access level of an account
type Tier string

const (
	// TierFree is the default tier after sign-in
	TierFree Tier = "free"
	// TierPremium covers active subscriptions and cancelled ones still inside the paid period
	TierPremium Tier = "premium"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierFree || t == TierPremium
}

// Entitlement is the durable per-account record.
//
// Invariants:
//   - SubscriptionEndDate != nil implies Tier == TierPremium and SubscriptionID != nil
//   - Tier == TierFree implies SubscriptionID == nil and SubscriptionEndDate == nil
type Entitlement struct {
	AccountID           string
	Tier                Tier
	UsageCount          int
	BillingCustomerID   *string
	SubscriptionID      *string
	SubscriptionEndDate *time.Time
	Email               string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	LastUsedAt          *time.Time

	// BillingEventAt is the creation time of the last billing event applied to this record.
	// Zero when no billing event has been applied yet.
	BillingEventAt time.Time
}

// Validate checks the tier/subscription invariants.
func (e *Entitlement) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidEntitlement)
	}
	if e.AccountID == "" {
		return fmt.Errorf("%w: empty account id", ErrInvalidEntitlement)
	}
	if !e.Tier.Valid() {
		return fmt.Errorf("%w: unknown tier %q", ErrInvalidEntitlement, e.Tier)
	}
	if e.UsageCount < 0 {
		return fmt.Errorf("%w: negative usage count", ErrInvalidEntitlement)
	}
	if e.SubscriptionEndDate != nil && (e.Tier != TierPremium || e.SubscriptionID == nil) {
		return fmt.Errorf("%w: end date set without premium subscription", ErrInvalidEntitlement)
	}
	if e.Tier == TierFree && (e.SubscriptionID != nil || e.SubscriptionEndDate != nil) {
		return fmt.Errorf("%w: free tier carries subscription data", ErrInvalidEntitlement)
	}
	return nil
}

// Clone returns a deep copy.
func (e *Entitlement) Clone() *Entitlement {
	if e == nil {
		return nil
	}
	c := *e
	c.BillingCustomerID = cloneString(e.BillingCustomerID)
	c.SubscriptionID = cloneString(e.SubscriptionID)
	c.SubscriptionEndDate = cloneTime(e.SubscriptionEndDate)
	c.LastUsedAt = cloneTime(e.LastUsedAt)
	return &c
}

// SubscriptionState is the absolute target state derived from a billing event.
type SubscriptionState struct {
	Tier                Tier
	SubscriptionID      *string
	SubscriptionEndDate *time.Time
}

// SubscriptionUpdate applies a SubscriptionState to one account
type SubscriptionUpdate struct {
	AccountID string
	State     SubscriptionState

	// CustomerID is recorded as the billing customer when non-empty
	CustomerID string

	// EventAt orders updates; updates strictly older than the stored BillingEventAt are skipped
	EventAt time.Time

	// Deleted marks a subscription removal. It is skipped when the record already tracks
	// a different subscription id.
	Deleted bool

	// RemovedSubscriptionID is the id of the subscription being removed when Deleted is set
	RemovedSubscriptionID string
}

// Apply computes the record that results from applying u to current (which may be nil).
// It reports false when the update must be skipped. Storage backends without server-side
// scripting share this rule.
func (u *SubscriptionUpdate) Apply(current *Entitlement, now time.Time) (*Entitlement, bool) {
	if current != nil && !current.BillingEventAt.IsZero() && current.BillingEventAt.After(u.EventAt) {
		return nil, false
	}
	if u.Deleted && current != nil && current.SubscriptionID != nil &&
		u.RemovedSubscriptionID != "" && *current.SubscriptionID != u.RemovedSubscriptionID {
		return nil, false
	}

	next := current.Clone()
	if next == nil {
		next = &Entitlement{AccountID: u.AccountID, CreatedAt: now}
	}
	next.Tier = u.State.Tier
	next.SubscriptionID = cloneString(u.State.SubscriptionID)
	next.SubscriptionEndDate = cloneTime(u.State.SubscriptionEndDate)
	if u.CustomerID != "" {
		id := u.CustomerID
		next.BillingCustomerID = &id
	}
	next.BillingEventAt = u.EventAt
	next.UpdatedAt = now
	return next, true
}

// MergeRequest folds a device's anonymous usage into an account on sign-in
type MergeRequest struct {
	AccountID string
	DeviceID  string
	Email     string
}

// MergeResult reports the outcome of a merge
type MergeResult struct {
	Entitlement *Entitlement
	Merged      int
	Created     bool
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// StringPtr returns a pointer to s, or nil for an empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
