package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/rewordgate/internal/config"
	"github.com/mihaimyh/rewordgate/internal/logging"
	"github.com/mihaimyh/rewordgate/pkg/api"
	"github.com/mihaimyh/rewordgate/pkg/billing"
	billingprom "github.com/mihaimyh/rewordgate/pkg/billing/metrics/prometheus"
	stripebilling "github.com/mihaimyh/rewordgate/pkg/billing/stripe"
	"github.com/mihaimyh/rewordgate/pkg/entitlement"
	zlog "github.com/mihaimyh/rewordgate/pkg/entitlement/logger/zerolog"
	entitlementprom "github.com/mihaimyh/rewordgate/pkg/entitlement/metrics/prometheus"
	"github.com/mihaimyh/rewordgate/pkg/formalizer"
	"github.com/mihaimyh/rewordgate/storage/postgres"
)

const (
	metricsNamespace = "rewordgate"
	shutdownTimeout  = 15 * time.Second
	breakerThreshold = 5
	breakerCoolDown  = 30 * time.Second
)

var autoMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		logger := logging.New(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel}, nil)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&autoMigrate, "migrate", false, "apply the PostgreSQL schema before serving")
}

func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	adapter := zlog.NewLogger(&logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	gateMetrics := entitlementprom.NewMetrics(registry, metricsNamespace)
	billingMetrics := billingprom.NewMetrics(registry, metricsNamespace)

	be, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	if pg, ok := be.store.(*postgres.Storage); ok && autoMigrate {
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
	}

	breaker := entitlement.NewCircuitBreaker(breakerThreshold, breakerCoolDown, func(s entitlement.BreakerState) {
		gateMetrics.RecordCircuitBreakerStateChange(string(s))
		logger.Warn().Str("state", string(s)).Msg("store circuit breaker changed state")
	})
	store := entitlement.NewResilientStorage(be.store, entitlement.ResilientConfig{
		Timeout: cfg.StoreTimeout,
		Breaker: breaker,
		Metrics: gateMetrics,
		Logger:  adapter.Component("store"),
	})

	gate := entitlement.NewGate(store, entitlement.GateConfig{
		Policy:        &entitlement.Policy{AnonymousLimit: cfg.AnonymousLimit, FreeLimit: cfg.FreeLimit},
		AnonymousOnly: cfg.AnonymousOnly(),
		Logger:        adapter.Component("gate"),
		Metrics:       gateMetrics,
	})

	apiCfg := api.Config{
		Gate:          gate,
		Store:         store,
		ClientURL:     cfg.ClientURL,
		SecureCookies: cfg.SecureCookies(),
		Registerer:    registry,
		Gatherer:      registry,
		Logger:        logger,
	}

	if cfg.ModelEnabled() {
		model, err := formalizer.New(formalizer.Config{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL})
		if err != nil {
			return fmt.Errorf("formalizer: %w", err)
		}
		apiCfg.Formalizer = model
	} else {
		logger.Warn().Msg("OPENAI_API_KEY not set; /api/formalize is disabled")
	}

	switch {
	case !cfg.BillingEnabled():
		logger.Warn().Msg("STRIPE_SECRET_KEY not set; billing endpoints are disabled")
	case cfg.AnonymousOnly():
		logger.Warn().Msg("billing requires an entitlement store; billing endpoints are disabled")
	default:
		provider, err := stripebilling.NewProvider(stripebilling.Config{
			Config: billing.Config{
				Store:                 store,
				SecretKey:             cfg.StripeSecretKey,
				WebhookSecret:         cfg.StripeWebhookSecret,
				ClientURL:             cfg.ClientURL,
				PriceID:               cfg.StripePriceID,
				PortalConfigurationID: cfg.StripePortalConfigurationID,
				Timeout:               cfg.BillingTimeout,
				WebhookCallback:       logTierChange(logger),
				Metrics:               billingMetrics,
				Logger:                adapter.Component("billing"),
			},
		})
		if err != nil {
			return fmt.Errorf("billing: %w", err)
		}
		apiCfg.Billing = provider
	}

	handler, err := api.NewHandler(apiCfg)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Int("port", cfg.Port).
			Str("store", be.name).
			Bool("billing", apiCfg.Billing != nil).
			Bool("model", apiCfg.Formalizer != nil).
			Msg("rewordgate listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func logTierChange(logger zerolog.Logger) func(billing.WebhookEvent) error {
	return func(evt billing.WebhookEvent) error {
		if evt.PreviousTier == evt.NewTier {
			return nil
		}
		logger.Info().
			Str("account_id", evt.AccountID).
			Str("from", string(evt.PreviousTier)).
			Str("to", string(evt.NewTier)).
			Str("event_type", evt.EventType).
			Msg("tier changed")
		return nil
	}
}
