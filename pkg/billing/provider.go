package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/rewordgate/pkg/entitlement"
)

// Provider is the interface the HTTP layer uses to talk to the billing backend.
type Provider interface {
	// Name returns the provider name (e.g. "stripe")
	Name() string

	// WebhookHandler verifies and reconciles subscription events.
	WebhookHandler() http.Handler

	// CheckoutSession starts a subscription checkout and returns the session id.
	CheckoutSession(ctx context.Context, req CheckoutRequest) (string, error)

	// PortalURL returns a customer portal URL for the account.
	// Returns ErrNoBillingIdentity when no customer can be resolved.
	PortalURL(ctx context.Context, accountID string) (string, error)

	// SyncAccount re-pulls the account's subscription and applies the derived state.
	SyncAccount(ctx context.Context, accountID string) (*entitlement.Entitlement, error)

	// SubscriptionStatus compares the stored entitlement with the provider's view.
	SubscriptionStatus(ctx context.Context, accountID string) (*SubscriptionStatus, error)
}

// CheckoutRequest starts a checkout for an account
type CheckoutRequest struct {
	AccountID       string
	Email           string
	IsReinstatement bool
}

// SubscriptionStatus is the provider's view of an account's subscription
type SubscriptionStatus struct {
	AccountID         string           `json:"accountId"`
	StoredTier        entitlement.Tier `json:"storedTier"`
	ProviderStatus    string           `json:"providerStatus,omitempty"`
	SubscriptionID    string           `json:"subscriptionId,omitempty"`
	BillingCustomerID string           `json:"billingCustomerId,omitempty"`
	CancelAtPeriodEnd bool             `json:"cancelAtPeriodEnd"`
	InSync            bool             `json:"inSync"`
}
