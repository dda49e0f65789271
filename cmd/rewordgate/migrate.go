package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/rewordgate/internal/config"
	"github.com/mihaimyh/rewordgate/internal/logging"
	"github.com/mihaimyh/rewordgate/storage/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the PostgreSQL schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		logger := logging.New(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel}, nil)

		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for migrate")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.DatabaseURL
		pgCfg.CleanupEnabled = false
		store, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer store.Close()

		if err := store.Migrate(ctx); err != nil {
			return err
		}
		logger.Info().Msg("schema applied")
		return nil
	},
}
