package entitlement

import (
	"context"
)

// Storage defines the interface for entitlement persistence.
// Anonymous device counters live in the same backend so sign-in can merge them in one transaction.
type Storage interface {
	// GetEntitlement retrieves an account's entitlement
	// Returns ErrAccountNotFound when no record exists
	GetEntitlement(ctx context.Context, accountID string) (*Entitlement, error)

	// CreateEntitlement stores a new record, failing if one already exists
	CreateEntitlement(ctx context.Context, ent *Entitlement) error

	// IncrementUsage atomically adds delta to UsageCount and returns the new count
	// Returns ErrAccountNotFound when no record exists
	IncrementUsage(ctx context.Context, accountID string, delta int) (int, error)

	// MergeAnonymousUsage reads and deletes the device counter and either creates the
	// entitlement with that usage or adds it to the existing count, in one transaction.
	// A retried merge finds no counter and adds nothing.
	MergeAnonymousUsage(ctx context.Context, req *MergeRequest) (*MergeResult, error)

	// ApplySubscriptionState writes the derived billing state as a conditional update.
	// Returns false when the update was skipped (older event or superseded subscription).
	ApplySubscriptionState(ctx context.Context, update *SubscriptionUpdate) (bool, error)

	// SetBillingCustomerID records the provider customer id for an account
	SetBillingCustomerID(ctx context.Context, accountID, customerID string) error

	// FindAccountByCustomerID resolves a provider customer id to an account id
	// Returns ErrAccountNotFound when unknown
	FindAccountByCustomerID(ctx context.Context, customerID string) (string, error)

	// IncrementAnonymous atomically increments a device counter and returns the new value
	IncrementAnonymous(ctx context.Context, deviceID string) (int, error)

	// GetAnonymous returns a device counter, 0 when absent
	GetAnonymous(ctx context.Context, deviceID string) (int, error)

	// ClearAnonymous deletes a device counter
	ClearAnonymous(ctx context.Context, deviceID string) error
}

// Pinger is implemented by backends that can report liveness
type Pinger interface {
	Ping(ctx context.Context) error
}
