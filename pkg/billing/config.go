package billing

import (
	"net/http"
	"time"

	"github.com/mihaimyh/rewordgate/pkg/entitlement"
)

// Config defines the configuration a provider accepts
type Config struct {
	// Store receives the reconciled entitlements
	Store entitlement.Storage

	// SecretKey is used for outbound API calls to the billing provider
	SecretKey string

	// WebhookSecret verifies incoming webhook signatures
	WebhookSecret string

	// ClientURL is the browser origin used to build checkout and portal return URLs
	ClientURL string

	// PriceID selects a preconfigured recurring price. When empty, Price is sent inline.
	PriceID string
	Price   PriceData

	// PortalConfigurationID optionally selects a customer portal configuration
	PortalConfigurationID string

	// Timeout bounds each provider API call. Default 10s.
	Timeout time.Duration

	// HTTPClient is an optional HTTP client for API calls.
	HTTPClient *http.Client

	// WebhookCallback is invoked after a webhook changed an entitlement.
	// Errors are logged and do not fail the webhook.
	WebhookCallback func(WebhookEvent) error

	// Metrics is optional; nil disables metrics.
	Metrics Metrics

	// Logger is optional; nil disables logging.
	Logger entitlement.Logger
}

// PriceData describes the inline recurring price used when no PriceID is configured
type PriceData struct {
	Currency    string
	UnitAmount  int64
	Interval    string
	ProductName string
}

// DefaultPrice is the monthly premium plan.
var DefaultPrice = PriceData{
	Currency:    "gbp",
	UnitAmount:  299,
	Interval:    "month",
	ProductName: "Premium",
}
