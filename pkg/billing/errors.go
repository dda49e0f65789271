package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidSignature is returned when webhook signature verification fails.
	// Such deliveries are rejected and never retried.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when a verified webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrAccountUnresolved is returned when a subscription cannot be tied to an account
	ErrAccountUnresolved = errors.New("account could not be resolved from subscription")

	// ErrBillingProvider is returned when the provider's API fails
	ErrBillingProvider = errors.New("billing provider error")

	// ErrNoBillingIdentity is returned when an account has no resolvable billing customer
	ErrNoBillingIdentity = errors.New("no billing customer for account")
)
