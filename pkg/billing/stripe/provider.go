package stripe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/rewordgate/pkg/billing"
	"github.com/mihaimyh/rewordgate/pkg/billing/internal"
	"github.com/mihaimyh/rewordgate/pkg/entitlement"
)

const (
	providerName             = "stripe"
	defaultAPITimeout        = 10 * time.Second
	defaultRetryDelay        = 200 * time.Millisecond
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	webhookBodyLimit         = 256 * 1024

	// MetadataAccountKey links customers, subscriptions and checkout sessions to an account.
	MetadataAccountKey = "account_id"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// API replaces the Stripe client; nil builds one from SecretKey.
	API API

	// RetryDelay is the pause before retrying a transient API failure. Default 200ms.
	RetryDelay time.Duration

	Now func() time.Time
}

// Provider implements billing.Provider for Stripe
type Provider struct {
	store         entitlement.Storage
	api           API
	webhookSecret string
	clientURL     string
	priceID       string
	price         billing.PriceData
	portalConfig  string
	timeout       time.Duration
	retryDelay    time.Duration
	rateLimiter   *internal.RateLimiter
	callback      func(billing.WebhookEvent) error
	metrics       billing.Metrics
	logger        entitlement.Logger
	now           func() time.Time
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("%w: store is required", billing.ErrProviderNotConfigured)
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}

	api := config.API
	if api == nil {
		key := strings.TrimSpace(config.SecretKey)
		if key == "" {
			return nil, fmt.Errorf("%w: secret key is required", billing.ErrProviderNotConfigured)
		}
		httpClient := config.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: timeout}
		}
		// retries are done by the provider so each call gets exactly one
		backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{
			HTTPClient:        httpClient,
			MaxNetworkRetries: stripe.Int64(0),
		})
		api = &clientAPI{client: stripe.NewClient(key, stripe.WithBackends(backends))}
	}

	price := config.Price
	if price == (billing.PriceData{}) {
		price = billing.DefaultPrice
	}
	retryDelay := config.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	return &Provider{
		store:         config.Store,
		api:           api,
		webhookSecret: strings.TrimSpace(config.WebhookSecret),
		clientURL:     strings.TrimRight(config.ClientURL, "/"),
		priceID:       strings.TrimSpace(config.PriceID),
		price:         price,
		portalConfig:  config.PortalConfigurationID,
		timeout:       timeout,
		retryDelay:    retryDelay,
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		callback:      config.WebhookCallback,
		metrics:       metrics,
		logger:        logger,
		now:           now,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// call runs fn with a bounded timeout and retries it once on a transient failure.
// Failures are wrapped in billing.ErrBillingProvider.
func (p *Provider) call(ctx context.Context, endpoint string, fn func(ctx context.Context) error) error {
	start := time.Now()
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			p.logger.Warn("retrying billing API call",
				entitlement.Field{Key: "endpoint", Value: endpoint},
				entitlement.Field{Key: "error", Value: err.Error()})
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %s: %w", billing.ErrBillingProvider, endpoint, ctx.Err())
			case <-time.After(p.retryDelay):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err = fn(callCtx)
		cancel()
		if err == nil || !isTransient(err) || ctx.Err() != nil {
			break
		}
	}

	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpoint, apiStatus(err))
		return fmt.Errorf("%w: %s: %w", billing.ErrBillingProvider, endpoint, err)
	}
	p.metrics.RecordAPICall(providerName, endpoint, "success")
	return nil
}

// isTransient reports network failures, timeouts, rate limiting and 5xx responses.
func isTransient(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.HTTPStatusCode == http.StatusTooManyRequests || stripeErr.HTTPStatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func apiStatus(err error) string {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode != 0 {
		return fmt.Sprintf("%d", stripeErr.HTTPStatusCode)
	}
	return "error"
}

func isResourceMissing(err error) bool {
	var stripeErr *stripe.Error
	return errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound
}
