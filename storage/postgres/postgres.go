// Package postgres provides a PostgreSQL implementation of the entitlement.Storage interface.
// Usage counters are single-statement increments; sign-in merges and billing writes run in
// transactions with SELECT FOR UPDATE.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/rewordgate/pkg/entitlement"
)

//go:embed schema.sql
var schema string

const entitlementColumns = `account_id, tier, usage_count, billing_customer_id, subscription_id,
	subscription_end_date, email, created_at, updated_at, last_used_at, billing_event_at`

// Storage implements entitlement.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	now    func() time.Time

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	AnonymousTTL    time.Duration // Idle device counters older than this are deleted
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		AnonymousTTL:    90 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		now:         func() time.Time { return time.Now().UTC() },
		stopCleanup: cancel,
	}

	if config.CleanupEnabled && config.CleanupInterval > 0 && config.AnonymousTTL > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Migrate creates the tables if they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetEntitlement implements entitlement.Storage
func (s *Storage) GetEntitlement(ctx context.Context, accountID string) (*entitlement.Entitlement, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE account_id = $1`, accountID)
	ent, err := scanEntitlement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	return ent, nil
}

// CreateEntitlement implements entitlement.Storage
func (s *Storage) CreateEntitlement(ctx context.Context, ent *entitlement.Entitlement) error {
	if err := ent.Validate(); err != nil {
		return err
	}

	now := s.now()
	createdAt, updatedAt := ent.CreatedAt, ent.UpdatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if updatedAt.IsZero() {
		updatedAt = now
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO entitlements (`+entitlementColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ent.AccountID, string(ent.Tier), ent.UsageCount, ent.BillingCustomerID, ent.SubscriptionID,
		ent.SubscriptionEndDate, ent.Email, createdAt, updatedAt, ent.LastUsedAt, nullTime(ent.BillingEventAt),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("entitlement for %s already exists", ent.AccountID)
		}
		return fmt.Errorf("failed to create entitlement: %w", err)
	}
	return nil
}

// IncrementUsage implements entitlement.Storage
func (s *Storage) IncrementUsage(ctx context.Context, accountID string, delta int) (int, error) {
	var used int
	err := s.pool.QueryRow(ctx,
		`UPDATE entitlements
			SET usage_count = usage_count + $2, last_used_at = $3, updated_at = $3
			WHERE account_id = $1
			RETURNING usage_count`,
		accountID, delta, s.now()).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, entitlement.ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment usage: %w", err)
	}
	return used, nil
}

// MergeAnonymousUsage implements entitlement.Storage
func (s *Storage) MergeAnonymousUsage(ctx context.Context, req *entitlement.MergeRequest) (*entitlement.MergeResult, error) {
	if req == nil || req.AccountID == "" {
		return nil, entitlement.ErrInvalidAccount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	pending := 0
	if req.DeviceID != "" {
		err := tx.QueryRow(ctx,
			`DELETE FROM anonymous_usage WHERE device_id = $1 RETURNING count`,
			req.DeviceID).Scan(&pending)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to take anonymous usage: %w", err)
		}
	}

	now := s.now()
	var created bool
	// xmax = 0 only for freshly inserted rows
	row := tx.QueryRow(ctx,
		`INSERT INTO entitlements (account_id, tier, usage_count, email, created_at, updated_at)
			VALUES ($1, 'free', $2, $3, $4, $4)
			ON CONFLICT (account_id) DO UPDATE SET
				usage_count = entitlements.usage_count + EXCLUDED.usage_count,
				email = CASE WHEN entitlements.email = '' THEN EXCLUDED.email ELSE entitlements.email END,
				updated_at = CASE WHEN EXCLUDED.usage_count > 0 THEN EXCLUDED.updated_at ELSE entitlements.updated_at END
			RETURNING `+entitlementColumns+`, (xmax = 0) AS inserted`,
		req.AccountID, pending, req.Email, now)
	ent, err := scanEntitlement(row, &created)
	if err != nil {
		return nil, fmt.Errorf("failed to merge anonymous usage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &entitlement.MergeResult{Entitlement: ent, Merged: pending, Created: created}, nil
}

// ApplySubscriptionState implements entitlement.Storage
func (s *Storage) ApplySubscriptionState(ctx context.Context, update *entitlement.SubscriptionUpdate) (bool, error) {
	if update == nil || update.AccountID == "" {
		return false, entitlement.ErrInvalidAccount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	row := tx.QueryRow(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE account_id = $1 FOR UPDATE`,
		update.AccountID)
	current, err := scanEntitlement(row)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("failed to load entitlement: %w", err)
	}

	next, ok := update.Apply(current, s.now())
	if !ok {
		return false, nil
	}
	if err := next.Validate(); err != nil {
		return false, err
	}

	// the WHERE guard covers a concurrent insert of a missing row
	tag, err := tx.Exec(ctx,
		`INSERT INTO entitlements (account_id, tier, billing_customer_id, subscription_id,
				subscription_end_date, created_at, updated_at, billing_event_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (account_id) DO UPDATE SET
				tier = EXCLUDED.tier,
				billing_customer_id = EXCLUDED.billing_customer_id,
				subscription_id = EXCLUDED.subscription_id,
				subscription_end_date = EXCLUDED.subscription_end_date,
				updated_at = EXCLUDED.updated_at,
				billing_event_at = EXCLUDED.billing_event_at
			WHERE entitlements.billing_event_at IS NULL
				OR entitlements.billing_event_at <= EXCLUDED.billing_event_at`,
		next.AccountID, string(next.Tier), next.BillingCustomerID, next.SubscriptionID,
		next.SubscriptionEndDate, next.CreatedAt, next.UpdatedAt, nullTime(next.BillingEventAt))
	if err != nil {
		return false, fmt.Errorf("failed to write subscription state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetBillingCustomerID implements entitlement.Storage
func (s *Storage) SetBillingCustomerID(ctx context.Context, accountID, customerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entitlements SET billing_customer_id = $2, updated_at = $3 WHERE account_id = $1`,
		accountID, customerID, s.now())
	if err != nil {
		return fmt.Errorf("failed to set billing customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entitlement.ErrAccountNotFound
	}
	return nil
}

// FindAccountByCustomerID implements entitlement.Storage
func (s *Storage) FindAccountByCustomerID(ctx context.Context, customerID string) (string, error) {
	var accountID string
	err := s.pool.QueryRow(ctx,
		`SELECT account_id FROM entitlements WHERE billing_customer_id = $1 LIMIT 1`,
		customerID).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", entitlement.ErrAccountNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up customer: %w", err)
	}
	return accountID, nil
}

// IncrementAnonymous implements entitlement.Storage
func (s *Storage) IncrementAnonymous(ctx context.Context, deviceID string) (int, error) {
	if deviceID == "" {
		return 0, entitlement.ErrNoDevice
	}
	var count int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO anonymous_usage (device_id, count, updated_at) VALUES ($1, 1, $2)
			ON CONFLICT (device_id) DO UPDATE SET
				count = anonymous_usage.count + 1,
				updated_at = EXCLUDED.updated_at
			RETURNING count`,
		deviceID, s.now()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to increment anonymous usage: %w", err)
	}
	return count, nil
}

// GetAnonymous implements entitlement.Storage
func (s *Storage) GetAnonymous(ctx context.Context, deviceID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count FROM anonymous_usage WHERE device_id = $1`, deviceID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get anonymous usage: %w", err)
	}
	return count, nil
}

// ClearAnonymous implements entitlement.Storage
func (s *Storage) ClearAnonymous(ctx context.Context, deviceID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM anonymous_usage WHERE device_id = $1`, deviceID); err != nil {
		return fmt.Errorf("failed to clear anonymous usage: %w", err)
	}
	return nil
}

// startCleanup periodically removes idle device counters until Close is called
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.Cleanup(ctx)
		}
	}
}

// Cleanup deletes device counters idle for longer than AnonymousTTL and returns how many were removed
func (s *Storage) Cleanup(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM anonymous_usage WHERE updated_at < $1`,
		s.now().Add(-s.config.AnonymousTTL))
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup anonymous usage: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// scanEntitlement reads entitlementColumns, followed by any extra destinations.
func scanEntitlement(row pgx.Row, extra ...any) (*entitlement.Entitlement, error) {
	var (
		ent     entitlement.Entitlement
		tier    string
		eventAt *time.Time
	)
	dest := []any{
		&ent.AccountID, &tier, &ent.UsageCount, &ent.BillingCustomerID, &ent.SubscriptionID,
		&ent.SubscriptionEndDate, &ent.Email, &ent.CreatedAt, &ent.UpdatedAt, &ent.LastUsedAt, &eventAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	ent.Tier = entitlement.Tier(tier)
	if eventAt != nil {
		ent.BillingEventAt = eventAt.UTC()
	}
	ent.CreatedAt = ent.CreatedAt.UTC()
	ent.UpdatedAt = ent.UpdatedAt.UTC()
	if ent.SubscriptionEndDate != nil {
		end := ent.SubscriptionEndDate.UTC()
		ent.SubscriptionEndDate = &end
	}
	return &ent, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
