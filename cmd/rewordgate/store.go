package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/mihaimyh/rewordgate/internal/config"
	"github.com/mihaimyh/rewordgate/pkg/entitlement"
	firestorestore "github.com/mihaimyh/rewordgate/storage/firestore"
	"github.com/mihaimyh/rewordgate/storage/memory"
	"github.com/mihaimyh/rewordgate/storage/postgres"
	redisstore "github.com/mihaimyh/rewordgate/storage/redis"
)

// backend is an opened entitlement store and its release function.
type backend struct {
	name  string
	store entitlement.Storage
	close func()
}

// openStore connects to the configured backend. With no backend configured an
// in-process store holds the anonymous device counters only.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	switch cfg.Backend() {
	case config.BackendFirestore:
		var opts []option.ClientOption
		if cfg.FirebaseCredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.FirebaseCredentialsFile))
		}
		client, err := firestore.NewClient(ctx, cfg.FirebaseProjectID, opts...)
		if err != nil {
			return nil, fmt.Errorf("firestore client: %w", err)
		}
		store, err := firestorestore.New(client, firestorestore.Config{})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &backend{name: config.BackendFirestore, store: store, close: func() { _ = store.Close() }}, nil

	case config.BackendPostgres:
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.DatabaseURL
		store, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return &backend{name: config.BackendPostgres, store: store, close: store.Close}, nil

	case config.BackendRedis:
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := goredis.NewClient(opts)
		store, err := redisstore.New(client, redisstore.DefaultConfig())
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &backend{name: config.BackendRedis, store: store, close: func() { _ = store.Close() }}, nil

	case config.BackendMemory:
		logger.Warn().Msg("using in-memory entitlement store; records are lost on restart")
		return &backend{name: config.BackendMemory, store: memory.New(), close: func() {}}, nil

	default:
		logger.Warn().Msg("no entitlement store configured; running in anonymous-only mode")
		return &backend{name: "anonymous-only", store: memory.New(), close: func() {}}, nil
	}
}
