// Package redis provides a Redis implementation of the entitlement.Storage interface.
// Counters and merges run as Lua scripts; billing writes use optimistic WATCH transactions.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/rewordgate/pkg/entitlement"
)

// Hash fields of an entitlement key
const (
	fieldAccountID  = "account_id"
	fieldTier       = "tier"
	fieldUsage      = "usage_count"
	fieldCustomer   = "billing_customer_id"
	fieldSub        = "subscription_id"
	fieldSubEnd     = "subscription_end_date"
	fieldEmail      = "email"
	fieldCreatedAt  = "created_at"
	fieldUpdatedAt  = "updated_at"
	fieldLastUsedAt = "last_used_at"
	fieldEventAt    = "billing_event_at"
)

// Storage implements entitlement.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
	now     func() time.Time
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "rewordgate:")
	KeyPrefix string

	// AnonymousTTL expires idle device counters (0 = no expiration)
	AnonymousTTL time.Duration

	// MaxRetries bounds optimistic transaction retries on contention (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:    "rewordgate:",
		AnonymousTTL: 90 * 24 * time.Hour,
		MaxRetries:   3,
	}
}

// New creates a new Redis storage adapter.
// The client must be a single-node or Sentinel *redis.Client: the sign-in merge script
// touches an account key and a device key that cannot share a cluster slot or ring shard.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	switch client.(type) {
	case *redis.ClusterClient, *redis.Ring:
		return nil, fmt.Errorf("redis cluster and ring clients are not supported")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "rewordgate:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
		now:     func() time.Time { return time.Now().UTC() },
	}
	s.loadScripts()
	return s, nil
}

func (s *Storage) loadScripts() {
	// Create only when absent. ARGV holds field/value pairs.
	s.scripts["create"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 1 then
			return 0
		end
		redis.call('HSET', KEYS[1], unpack(ARGV))
		return 1
	`)

	// Increment usage of an existing record
	s.scripts["increment"] = redis.NewScript(`
		local key = KEYS[1]
		local delta = tonumber(ARGV[1])
		local now = ARGV[2]

		if redis.call('EXISTS', key) == 0 then
			return -1
		end

		local used = redis.call('HINCRBY', key, 'usage_count', delta)
		redis.call('HSET', key, 'last_used_at', now, 'updated_at', now)
		return used
	`)

	// Pop the device counter and fold it into the account, creating the record if needed
	s.scripts["merge"] = redis.NewScript(`
		local entKey = KEYS[1]
		local anonKey = KEYS[2]
		local accountID = ARGV[1]
		local email = ARGV[2]
		local now = ARGV[3]

		local pending = 0
		if anonKey ~= "" then
			local v = redis.call('GET', anonKey)
			if v then
				pending = tonumber(v)
				redis.call('DEL', anonKey)
			end
		end

		if redis.call('EXISTS', entKey) == 0 then
			redis.call('HSET', entKey,
				'account_id', accountID,
				'tier', 'free',
				'usage_count', pending,
				'email', email,
				'created_at', now,
				'updated_at', now)
			return {pending, 1}
		end

		if pending > 0 then
			redis.call('HINCRBY', entKey, 'usage_count', pending)
			redis.call('HSET', entKey, 'updated_at', now)
		end
		if email ~= "" then
			local current = redis.call('HGET', entKey, 'email')
			if not current or current == "" then
				redis.call('HSET', entKey, 'email', email)
			end
		end
		return {pending, 0}
	`)

	// Increment a device counter, refreshing its TTL
	s.scripts["anon"] = redis.NewScript(`
		local n = redis.call('INCR', KEYS[1])
		local ttl = tonumber(ARGV[1])
		if ttl > 0 then
			redis.call('EXPIRE', KEYS[1], ttl)
		end
		return n
	`)
}

// GetEntitlement implements entitlement.Storage
func (s *Storage) GetEntitlement(ctx context.Context, accountID string) (*entitlement.Entitlement, error) {
	fields, err := s.client.HGetAll(ctx, s.entitlementKey(accountID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	if len(fields) == 0 {
		return nil, entitlement.ErrAccountNotFound
	}
	return decode(accountID, fields)
}

// CreateEntitlement implements entitlement.Storage
func (s *Storage) CreateEntitlement(ctx context.Context, ent *entitlement.Entitlement) error {
	if err := ent.Validate(); err != nil {
		return err
	}

	rec := ent.Clone()
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}

	args := make([]interface{}, 0, 22)
	for k, v := range encode(rec) {
		args = append(args, k, v)
	}
	args = append(args, fieldUsage, rec.UsageCount)
	if rec.LastUsedAt != nil {
		args = append(args, fieldLastUsedAt, formatTime(*rec.LastUsedAt))
	}

	created, err := s.scripts["create"].Run(ctx, s.client, []string{s.entitlementKey(rec.AccountID)}, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to create entitlement: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("entitlement for %s already exists", rec.AccountID)
	}
	if rec.BillingCustomerID != nil {
		return s.indexCustomer(ctx, *rec.BillingCustomerID, rec.AccountID)
	}
	return nil
}

// IncrementUsage implements entitlement.Storage
func (s *Storage) IncrementUsage(ctx context.Context, accountID string, delta int) (int, error) {
	n, err := s.scripts["increment"].Run(ctx, s.client,
		[]string{s.entitlementKey(accountID)}, delta, formatTime(s.now())).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to increment usage: %w", err)
	}
	if n < 0 {
		return 0, entitlement.ErrAccountNotFound
	}
	return n, nil
}

// MergeAnonymousUsage implements entitlement.Storage
func (s *Storage) MergeAnonymousUsage(ctx context.Context, req *entitlement.MergeRequest) (*entitlement.MergeResult, error) {
	if req == nil || req.AccountID == "" {
		return nil, entitlement.ErrInvalidAccount
	}

	anonKey := ""
	if req.DeviceID != "" {
		anonKey = s.anonymousKey(req.DeviceID)
	}

	res, err := s.scripts["merge"].Run(ctx, s.client,
		[]string{s.entitlementKey(req.AccountID), anonKey},
		req.AccountID, req.Email, formatTime(s.now())).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to merge anonymous usage: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected merge result: %v", res)
	}

	ent, err := s.GetEntitlement(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	return &entitlement.MergeResult{
		Entitlement: ent,
		Merged:      int(res[0]),
		Created:     res[1] == 1,
	}, nil
}

// errSkipped aborts a transaction whose update must not be applied
var errSkipped = errors.New("update skipped")

// ApplySubscriptionState implements entitlement.Storage
func (s *Storage) ApplySubscriptionState(ctx context.Context, update *entitlement.SubscriptionUpdate) (bool, error) {
	if update == nil || update.AccountID == "" {
		return false, entitlement.ErrInvalidAccount
	}

	key := s.entitlementKey(update.AccountID)
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		var current *entitlement.Entitlement
		if len(fields) > 0 {
			if current, err = decode(update.AccountID, fields); err != nil {
				return err
			}
		}

		next, ok := update.Apply(current, s.now())
		if !ok {
			return errSkipped
		}
		if err := next.Validate(); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.write(ctx, pipe, key, next)
			if next.BillingCustomerID != nil {
				pipe.Set(ctx, s.customerKey(*next.BillingCustomerID), next.AccountID, 0)
			}
			return nil
		})
		return err
	})
	if errors.Is(err, errSkipped) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetBillingCustomerID implements entitlement.Storage
func (s *Storage) SetBillingCustomerID(ctx context.Context, accountID, customerID string) error {
	key := s.entitlementKey(accountID)
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return entitlement.ErrAccountNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldCustomer, customerID, fieldUpdatedAt, formatTime(s.now()))
			pipe.Set(ctx, s.customerKey(customerID), accountID, 0)
			return nil
		})
		return err
	})
	return err
}

// FindAccountByCustomerID implements entitlement.Storage
func (s *Storage) FindAccountByCustomerID(ctx context.Context, customerID string) (string, error) {
	id, err := s.client.Get(ctx, s.customerKey(customerID)).Result()
	if err == redis.Nil {
		return "", entitlement.ErrAccountNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up customer: %w", err)
	}
	return id, nil
}

// IncrementAnonymous implements entitlement.Storage
func (s *Storage) IncrementAnonymous(ctx context.Context, deviceID string) (int, error) {
	if deviceID == "" {
		return 0, entitlement.ErrNoDevice
	}
	n, err := s.scripts["anon"].Run(ctx, s.client,
		[]string{s.anonymousKey(deviceID)}, int64(s.config.AnonymousTTL.Seconds())).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to increment anonymous usage: %w", err)
	}
	return n, nil
}

// GetAnonymous implements entitlement.Storage
func (s *Storage) GetAnonymous(ctx context.Context, deviceID string) (int, error) {
	if deviceID == "" {
		return 0, nil
	}
	n, err := s.client.Get(ctx, s.anonymousKey(deviceID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get anonymous usage: %w", err)
	}
	return n, nil
}

// ClearAnonymous implements entitlement.Storage
func (s *Storage) ClearAnonymous(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return nil
	}
	return s.client.Del(ctx, s.anonymousKey(deviceID)).Err()
}

// watch runs fn in an optimistic transaction on key, retrying when the key changes underneath.
func (s *Storage) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < s.config.MaxRetries; i++ {
		err := s.client.Watch(ctx, fn, key)
		if err != redis.TxFailedErr {
			return err
		}
	}
	return fmt.Errorf("transaction on %s failed after %d attempts: %w", key, s.config.MaxRetries, redis.TxFailedErr)
}

// write stores the billing-owned fields of ent. Usage is left to the counters.
func (s *Storage) write(ctx context.Context, pipe redis.Pipeliner, key string, ent *entitlement.Entitlement) {
	values := encode(ent)
	args := make([]interface{}, 0, len(values)*2)
	for k, v := range values {
		args = append(args, k, v)
	}
	pipe.HSet(ctx, key, args...)

	var cleared []string
	if ent.SubscriptionID == nil {
		cleared = append(cleared, fieldSub)
	}
	if ent.SubscriptionEndDate == nil {
		cleared = append(cleared, fieldSubEnd)
	}
	if len(cleared) > 0 {
		pipe.HDel(ctx, key, cleared...)
	}
}

func (s *Storage) indexCustomer(ctx context.Context, customerID, accountID string) error {
	if err := s.client.Set(ctx, s.customerKey(customerID), accountID, 0).Err(); err != nil {
		return fmt.Errorf("failed to index customer: %w", err)
	}
	return nil
}

func (s *Storage) entitlementKey(accountID string) string {
	return s.config.KeyPrefix + "ent:" + accountID
}

func (s *Storage) anonymousKey(deviceID string) string {
	return s.config.KeyPrefix + "anon:" + deviceID
}

func (s *Storage) customerKey(customerID string) string {
	return s.config.KeyPrefix + "customer:" + customerID
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// encode returns the hash fields of ent except usage_count and last_used_at.
func encode(ent *entitlement.Entitlement) map[string]string {
	m := map[string]string{
		fieldAccountID: ent.AccountID,
		fieldTier:      string(ent.Tier),
		fieldEmail:     ent.Email,
		fieldCreatedAt: formatTime(ent.CreatedAt),
		fieldUpdatedAt: formatTime(ent.UpdatedAt),
	}
	if ent.BillingCustomerID != nil {
		m[fieldCustomer] = *ent.BillingCustomerID
	}
	if ent.SubscriptionID != nil {
		m[fieldSub] = *ent.SubscriptionID
	}
	if ent.SubscriptionEndDate != nil {
		m[fieldSubEnd] = formatTime(*ent.SubscriptionEndDate)
	}
	if !ent.BillingEventAt.IsZero() {
		m[fieldEventAt] = formatTime(ent.BillingEventAt)
	}
	return m
}

func decode(accountID string, fields map[string]string) (*entitlement.Entitlement, error) {
	ent := &entitlement.Entitlement{
		AccountID: accountID,
		Tier:      entitlement.Tier(fields[fieldTier]),
		Email:     fields[fieldEmail],
	}
	if ent.Tier == "" {
		ent.Tier = entitlement.TierFree
	}
	if v := fields[fieldUsage]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid usage_count %q: %w", v, err)
		}
		ent.UsageCount = n
	}
	ent.BillingCustomerID = entitlement.StringPtr(fields[fieldCustomer])
	ent.SubscriptionID = entitlement.StringPtr(fields[fieldSub])

	var err error
	if ent.SubscriptionEndDate, err = parseOptionalTime(fields[fieldSubEnd]); err != nil {
		return nil, err
	}
	if ent.LastUsedAt, err = parseOptionalTime(fields[fieldLastUsedAt]); err != nil {
		return nil, err
	}
	for field, dst := range map[string]*time.Time{
		fieldCreatedAt: &ent.CreatedAt,
		fieldUpdatedAt: &ent.UpdatedAt,
		fieldEventAt:   &ent.BillingEventAt,
	} {
		t, err := parseOptionalTime(fields[field])
		if err != nil {
			return nil, err
		}
		if t != nil {
			*dst = *t
		}
	}
	return ent, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseOptionalTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %q: %w", v, err)
	}
	return &t, nil
}
