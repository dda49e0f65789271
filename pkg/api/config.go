package api

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/rewordgate/pkg/billing"
	"github.com/mihaimyh/rewordgate/pkg/entitlement"
	"github.com/mihaimyh/rewordgate/pkg/formalizer"
)

const defaultRequestTimeout = 60 * time.Second

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds configuration for the HTTP API
type Config struct {
	// Gate makes quota decisions (required)
	Gate *entitlement.Gate

	// Formalizer is the gated feature. If nil, /formalize answers 503.
	Formalizer formalizer.Formalizer

	// Billing serves checkout, portal, sync and webhooks. If nil, those routes answer 503.
	Billing billing.Provider

	// Store is pinged by /health. Optional.
	Store Pinger

	// ClientURL is the browser origin allowed by CORS
	ClientURL string

	// SecureCookies marks the device cookie Secure
	SecureCookies bool

	// RequestTimeout bounds each request. Default 60s.
	RequestTimeout time.Duration

	// Registerer receives the HTTP metrics; Gatherer is served on /metrics.
	// Either may be nil.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	Logger zerolog.Logger

	Now func() time.Time
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Gate == nil {
		return fmt.Errorf("gate is required")
	}
	if c.ClientURL == "" {
		return fmt.Errorf("client URL is required")
	}
	return nil
}

// NewHandler creates the API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Handler{
		config:  config,
		gate:    config.Gate,
		model:   config.Formalizer,
		billing: config.Billing,
		logger:  config.Logger.With().Str("component", "api").Logger(),
		metrics: newHTTPMetrics(config.Registerer),
	}, nil
}
