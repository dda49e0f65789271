package entitlement

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// DisplayState is the user-facing status shown next to the remaining uses
type DisplayState string

const (
	DisplayAnonymous     DisplayState = "anonymous"
	DisplayFree          DisplayState = "free"
	DisplayPremiumActive DisplayState = "premium-active"
	DisplayPremiumUntil  DisplayState = "premium-until"
)

const unlimitedLabel = "unlimited"

// Remaining is either a non-negative count or unlimited.
// It marshals to a JSON number or the string "unlimited".
type Remaining struct {
	Count     int
	Unlimited bool
}

// Unlimited is the remaining value of premium accounts.
var Unlimited = Remaining{Unlimited: true}

func (r Remaining) String() string {
	if r.Unlimited {
		return unlimitedLabel
	}
	return strconv.Itoa(r.Count)
}

func (r Remaining) MarshalJSON() ([]byte, error) {
	if r.Unlimited {
		return json.Marshal(unlimitedLabel)
	}
	return json.Marshal(r.Count)
}

func (r *Remaining) UnmarshalJSON(data []byte) error {
	var label string
	if err := json.Unmarshal(data, &label); err == nil {
		if label != unlimitedLabel {
			return fmt.Errorf("invalid remaining value %q", label)
		}
		*r = Unlimited
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid remaining value: %w", err)
	}
	*r = Remaining{Count: n}
	return nil
}

// Decision is the result of a quota evaluation
type Decision struct {
	Allowed   bool         `json:"allowed"`
	Remaining Remaining    `json:"remaining"`
	Display   DisplayState `json:"tier"`

	// Until is the scheduled end of a cancelled subscription, set with DisplayPremiumUntil
	Until *time.Time `json:"until,omitempty"`

	// Degraded is set when the decision was made without the persisted record
	Degraded bool `json:"degraded,omitempty"`
}

// Policy holds the per-tier allowances.
type Policy struct {
	AnonymousLimit int
	FreeLimit      int
}

// DefaultPolicy allows one anonymous use and three free uses.
var DefaultPolicy = Policy{AnonymousLimit: 1, FreeLimit: 3}

// Evaluate decides whether the caller may use the feature.
// ent is nil for anonymous callers; anonymousCount is only consulted for them, since a
// signed-in account's usage already includes whatever was merged at sign-in.
func (p Policy) Evaluate(ent *Entitlement, anonymousCount int, now time.Time) Decision {
	if ent == nil {
		return Decision{
			Allowed:   anonymousCount < p.AnonymousLimit,
			Remaining: Remaining{Count: max(0, p.AnonymousLimit-anonymousCount)},
			Display:   DisplayAnonymous,
		}
	}

	if ent.Tier == TierPremium {
		d := Decision{Allowed: true, Remaining: Unlimited, Display: DisplayPremiumActive}
		if ent.SubscriptionEndDate != nil && ent.SubscriptionEndDate.After(now) {
			until := *ent.SubscriptionEndDate
			d.Display = DisplayPremiumUntil
			d.Until = &until
		}
		return d
	}

	return Decision{
		Allowed:   ent.UsageCount < p.FreeLimit,
		Remaining: Remaining{Count: max(0, p.FreeLimit-ent.UsageCount)},
		Display:   DisplayFree,
	}
}
