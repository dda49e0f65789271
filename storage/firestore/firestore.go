// Package firestore provides a Firestore implementation of the entitlement.Storage interface.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/rewordgate/pkg/entitlement"
)

// Document fields
const (
	fieldTier            = "tier"
	fieldUsageCount      = "usageCount"
	fieldCustomer        = "billingCustomerId"
	fieldSubscriptionID  = "subscriptionId"
	fieldSubscriptionEnd = "subscriptionEndDate"
	fieldEmail           = "email"
	fieldCreatedAt       = "createdAt"
	fieldUpdatedAt       = "updatedAt"
	fieldLastUsedAt      = "lastUsedAt"
	fieldBillingEventAt  = "billingEventAt"
	fieldCount           = "count"
)

// Storage implements entitlement.Storage using Google Cloud Firestore
type Storage struct {
	client                 *firestore.Client
	entitlementsCollection string
	anonymousCollection    string
	now                    func() time.Time
}

// Config holds Firestore storage configuration
type Config struct {
	// EntitlementsCollection holds one document per account
	// Default: "entitlements"
	EntitlementsCollection string

	// AnonymousCollection holds one counter document per device
	// Default: "anonymous_usage"
	AnonymousCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.EntitlementsCollection == "" {
		config.EntitlementsCollection = "entitlements"
	}
	if config.AnonymousCollection == "" {
		config.AnonymousCollection = "anonymous_usage"
	}

	return &Storage{
		client:                 client,
		entitlementsCollection: config.EntitlementsCollection,
		anonymousCollection:    config.AnonymousCollection,
		now:                    func() time.Time { return time.Now().UTC() },
	}, nil
}

// GetEntitlement implements entitlement.Storage
func (s *Storage) GetEntitlement(ctx context.Context, accountID string) (*entitlement.Entitlement, error) {
	snap, err := s.entitlementDoc(accountID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitlement.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	if !snap.Exists() {
		return nil, entitlement.ErrAccountNotFound
	}
	return decode(accountID, snap.Data()), nil
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

	data := encode(rec)
	data[fieldUsageCount] = rec.UsageCount
	if rec.LastUsedAt != nil {
		data[fieldLastUsedAt] = *rec.LastUsedAt
	}

	if _, err := s.entitlementDoc(rec.AccountID).Create(ctx, data); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("entitlement for %s already exists", rec.AccountID)
		}
		return fmt.Errorf("failed to create entitlement: %w", err)
	}
	return nil
}

// IncrementUsage implements entitlement.Storage.
// The increment is a server-side transform; the returned count is read back afterwards.
func (s *Storage) IncrementUsage(ctx context.Context, accountID string, delta int) (int, error) {
	doc := s.entitlementDoc(accountID)
	now := s.now()
	_, err := doc.Update(ctx, []firestore.Update{
		{Path: fieldUsageCount, Value: firestore.Increment(delta)},
		{Path: fieldLastUsedAt, Value: now},
		{Path: fieldUpdatedAt, Value: now},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return 0, entitlement.ErrAccountNotFound
		}
		return 0, fmt.Errorf("failed to increment usage: %w", err)
	}

	snap, err := doc.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read usage: %w", err)
	}
	return getInt(snap.Data(), fieldUsageCount), nil
}

// MergeAnonymousUsage implements entitlement.Storage
func (s *Storage) MergeAnonymousUsage(ctx context.Context, req *entitlement.MergeRequest) (*entitlement.MergeResult, error) {
	if req == nil || req.AccountID == "" {
		return nil, entitlement.ErrInvalidAccount
	}

	entDoc := s.entitlementDoc(req.AccountID)
	var result *entitlement.MergeResult

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		// all reads precede writes
		pending := 0
		var anonDoc *firestore.DocumentRef
		if req.DeviceID != "" {
			anonDoc = s.anonymousDoc(req.DeviceID)
			snap, err := tx.Get(anonDoc)
			switch {
			case err == nil:
				pending = getInt(snap.Data(), fieldCount)
			case status.Code(err) == codes.NotFound:
				anonDoc = nil
			default:
				return err
			}
		}

		snap, err := tx.Get(entDoc)
		var current *entitlement.Entitlement
		switch {
		case err == nil:
			current = decode(req.AccountID, snap.Data())
		case status.Code(err) != codes.NotFound:
			return err
		}

		if anonDoc != nil {
			if err := tx.Delete(anonDoc); err != nil {
				return err
			}
		}

		now := s.now()
		if current == nil {
			ent := &entitlement.Entitlement{
				AccountID:  req.AccountID,
				Tier:       entitlement.TierFree,
				UsageCount: pending,
				Email:      req.Email,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			data := encode(ent)
			data[fieldUsageCount] = pending
			result = &entitlement.MergeResult{Entitlement: ent, Merged: pending, Created: true}
			return tx.Create(entDoc, data)
		}

		var updates []firestore.Update
		if pending > 0 {
			current.UsageCount += pending
			current.UpdatedAt = now
			updates = append(updates,
				firestore.Update{Path: fieldUsageCount, Value: firestore.Increment(pending)},
				firestore.Update{Path: fieldUpdatedAt, Value: now})
		}
		if current.Email == "" && req.Email != "" {
			current.Email = req.Email
			updates = append(updates, firestore.Update{Path: fieldEmail, Value: req.Email})
		}
		result = &entitlement.MergeResult{Entitlement: current, Merged: pending}
		if len(updates) == 0 {
			return nil
		}
		return tx.Update(entDoc, updates)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to merge anonymous usage: %w", err)
	}
	return result, nil
}

// ApplySubscriptionState implements entitlement.Storage
func (s *Storage) ApplySubscriptionState(ctx context.Context, update *entitlement.SubscriptionUpdate) (bool, error) {
	if update == nil || update.AccountID == "" {
		return false, entitlement.ErrInvalidAccount
	}

	doc := s.entitlementDoc(update.AccountID)
	applied := false

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		applied = false
		var current *entitlement.Entitlement
		snap, err := tx.Get(doc)
		switch {
		case err == nil:
			current = decode(update.AccountID, snap.Data())
		case status.Code(err) != codes.NotFound:
			return err
		}

		next, ok := update.Apply(current, s.now())
		if !ok {
			return nil
		}
		if err := next.Validate(); err != nil {
			return err
		}

		data := encode(next)
		if next.SubscriptionID == nil {
			data[fieldSubscriptionID] = firestore.Delete
		}
		if next.SubscriptionEndDate == nil {
			data[fieldSubscriptionEnd] = firestore.Delete
		}
		if current == nil {
			data[fieldUsageCount] = 0
		}
		applied = true
		return tx.Set(doc, data, firestore.MergeAll)
	})
	if err != nil {
		return false, fmt.Errorf("failed to apply subscription state: %w", err)
	}
	return applied, nil
}

// SetBillingCustomerID implements entitlement.Storage
func (s *Storage) SetBillingCustomerID(ctx context.Context, accountID, customerID string) error {
	_, err := s.entitlementDoc(accountID).Update(ctx, []firestore.Update{
		{Path: fieldCustomer, Value: customerID},
		{Path: fieldUpdatedAt, Value: s.now()},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return entitlement.ErrAccountNotFound
		}
		return fmt.Errorf("failed to set billing customer: %w", err)
	}
	return nil
}

// FindAccountByCustomerID implements entitlement.Storage
func (s *Storage) FindAccountByCustomerID(ctx context.Context, customerID string) (string, error) {
	iter := s.client.Collection(s.entitlementsCollection).
		Where(fieldCustomer, "==", customerID).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return "", entitlement.ErrAccountNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query customer: %w", err)
	}
	return snap.Ref.ID, nil
}

// IncrementAnonymous implements entitlement.Storage
func (s *Storage) IncrementAnonymous(ctx context.Context, deviceID string) (int, error) {
	if deviceID == "" {
		return 0, entitlement.ErrNoDevice
	}

	doc := s.anonymousDoc(deviceID)
	count := 0
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		count = 0
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			count = getInt(snap.Data(), fieldCount)
		}
		count++
		return tx.Set(doc, map[string]interface{}{
			fieldCount:     count,
			fieldUpdatedAt: s.now(),
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment anonymous usage: %w", err)
	}
	return count, nil
}

// GetAnonymous implements entitlement.Storage
func (s *Storage) GetAnonymous(ctx context.Context, deviceID string) (int, error) {
	if deviceID == "" {
		return 0, nil
	}
	snap, err := s.anonymousDoc(deviceID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get anonymous usage: %w", err)
	}
	return getInt(snap.Data(), fieldCount), nil
}

// ClearAnonymous implements entitlement.Storage
func (s *Storage) ClearAnonymous(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return nil
	}
	if _, err := s.anonymousDoc(deviceID).Delete(ctx); err != nil {
		return fmt.Errorf("failed to clear anonymous usage: %w", err)
	}
	return nil
}

// Ping reads a sentinel document to check connectivity
func (s *Storage) Ping(ctx context.Context) error {
	_, err := s.client.Collection(s.entitlementsCollection).Doc("_health").Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return err
	}
	return nil
}

// Close closes the Firestore client
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) entitlementDoc(accountID string) *firestore.DocumentRef {
	return s.client.Collection(s.entitlementsCollection).Doc(accountID)
}

func (s *Storage) anonymousDoc(deviceID string) *firestore.DocumentRef {
	return s.client.Collection(s.anonymousCollection).Doc(deviceID)
}

// encode returns the document fields of ent except the usage counter and last use.
func encode(ent *entitlement.Entitlement) map[string]interface{} {
	data := map[string]interface{}{
		fieldTier:      string(ent.Tier),
		fieldEmail:     ent.Email,
		fieldCreatedAt: ent.CreatedAt,
		fieldUpdatedAt: ent.UpdatedAt,
	}
	if ent.BillingCustomerID != nil {
		data[fieldCustomer] = *ent.BillingCustomerID
	}
	if ent.SubscriptionID != nil {
		data[fieldSubscriptionID] = *ent.SubscriptionID
	}
	if ent.SubscriptionEndDate != nil {
		data[fieldSubscriptionEnd] = ent.SubscriptionEndDate.UTC()
	}
	if !ent.BillingEventAt.IsZero() {
		data[fieldBillingEventAt] = ent.BillingEventAt.UTC()
	}
	return data
}

// decode tolerates missing fields: usage defaults to 0 and absent dates to nil.
func decode(accountID string, data map[string]interface{}) *entitlement.Entitlement {
	ent := &entitlement.Entitlement{
		AccountID:         accountID,
		Tier:              entitlement.Tier(getString(data, fieldTier)),
		UsageCount:        getInt(data, fieldUsageCount),
		BillingCustomerID: entitlement.StringPtr(getString(data, fieldCustomer)),
		SubscriptionID:    entitlement.StringPtr(getString(data, fieldSubscriptionID)),
		Email:             getString(data, fieldEmail),
		CreatedAt:         getTime(data, fieldCreatedAt),
		UpdatedAt:         getTime(data, fieldUpdatedAt),
		BillingEventAt:    getTime(data, fieldBillingEventAt),
	}
	if ent.Tier == "" {
		ent.Tier = entitlement.TierFree
	}
	if end := getTime(data, fieldSubscriptionEnd); !end.IsZero() {
		ent.SubscriptionEndDate = &end
	}
	if last := getTime(data, fieldLastUsedAt); !last.IsZero() {
		ent.LastUsedAt = &last
	}
	return ent
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
