// Package memory provides an in-memory implementation of the entitlement.Storage interface.
// It backs anonymous-only mode and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/rewordgate/pkg/entitlement"
)

// Storage implements entitlement.Storage using in-memory maps
type Storage struct {
	mu           sync.RWMutex
	entitlements map[string]*entitlement.Entitlement
	anonymous    map[string]int
	customers    map[string]string
	now          func() time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		entitlements: make(map[string]*entitlement.Entitlement),
		anonymous:    make(map[string]int),
		customers:    make(map[string]string),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// GetEntitlement implements entitlement.Storage
func (s *Storage) GetEntitlement(_ context.Context, accountID string) (*entitlement.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.entitlements[accountID]
	if !ok {
		return nil, entitlement.ErrAccountNotFound
	}
	return ent.Clone(), nil
}

// CreateEntitlement implements entitlement.Storage
func (s *Storage) CreateEntitlement(_ context.Context, ent *entitlement.Entitlement) error {
	if err := ent.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entitlements[ent.AccountID]; ok {
		return fmt.Errorf("entitlement for %s already exists", ent.AccountID)
	}
	s.put(ent.Clone())
	return nil
}

// put stores ent and indexes its customer id. Caller holds the write lock.
func (s *Storage) put(ent *entitlement.Entitlement) {
	s.entitlements[ent.AccountID] = ent
	if ent.BillingCustomerID != nil {
		s.customers[*ent.BillingCustomerID] = ent.AccountID
	}
}

// IncrementUsage implements entitlement.Storage
func (s *Storage) IncrementUsage(_ context.Context, accountID string, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entitlements[accountID]
	if !ok {
		return 0, entitlement.ErrAccountNotFound
	}
	now := s.now()
	ent.UsageCount += delta
	ent.UpdatedAt = now
	ent.LastUsedAt = &now
	return ent.UsageCount, nil
}

// MergeAnonymousUsage implements entitlement.Storage
func (s *Storage) MergeAnonymousUsage(_ context.Context, req *entitlement.MergeRequest) (*entitlement.MergeResult, error) {
	if req == nil || req.AccountID == "" {
		return nil, entitlement.ErrInvalidAccount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pending := 0
	if req.DeviceID != "" {
		pending = s.anonymous[req.DeviceID]
		delete(s.anonymous, req.DeviceID)
	}

	now := s.now()
	ent, ok := s.entitlements[req.AccountID]
	if !ok {
		ent = &entitlement.Entitlement{
			AccountID:  req.AccountID,
			Tier:       entitlement.TierFree,
			UsageCount: pending,
			Email:      req.Email,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		s.put(ent)
		return &entitlement.MergeResult{Entitlement: ent.Clone(), Merged: pending, Created: true}, nil
	}

	if pending > 0 {
		ent.UsageCount += pending
		ent.UpdatedAt = now
	}
	if ent.Email == "" && req.Email != "" {
		ent.Email = req.Email
	}
	return &entitlement.MergeResult{Entitlement: ent.Clone(), Merged: pending}, nil
}

// ApplySubscriptionState implements entitlement.Storage
func (s *Storage) ApplySubscriptionState(_ context.Context, update *entitlement.SubscriptionUpdate) (bool, error) {
	if update == nil || update.AccountID == "" {
		return false, entitlement.ErrInvalidAccount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next, ok := update.Apply(s.entitlements[update.AccountID], s.now())
	if !ok {
		return false, nil
	}
	if err := next.Validate(); err != nil {
		return false, err
	}
	s.put(next)
	return true, nil
}

// SetBillingCustomerID implements entitlement.Storage
func (s *Storage) SetBillingCustomerID(_ context.Context, accountID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entitlements[accountID]
	if !ok {
		return entitlement.ErrAccountNotFound
	}
	ent.BillingCustomerID = &customerID
	ent.UpdatedAt = s.now()
	s.customers[customerID] = accountID
	return nil
}

// FindAccountByCustomerID implements entitlement.Storage
func (s *Storage) FindAccountByCustomerID(_ context.Context, customerID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.customers[customerID]
	if !ok {
		return "", entitlement.ErrAccountNotFound
	}
	return id, nil
}

// IncrementAnonymous implements entitlement.Storage
func (s *Storage) IncrementAnonymous(_ context.Context, deviceID string) (int, error) {
	if deviceID == "" {
		return 0, entitlement.ErrNoDevice
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.anonymous[deviceID]++
	return s.anonymous[deviceID], nil
}

// GetAnonymous implements entitlement.Storage
func (s *Storage) GetAnonymous(_ context.Context, deviceID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.anonymous[deviceID], nil
}

// ClearAnonymous implements entitlement.Storage
func (s *Storage) ClearAnonymous(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.anonymous, deviceID)
	return nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entitlements = make(map[string]*entitlement.Entitlement)
	s.anonymous = make(map[string]int)
	s.customers = make(map[string]string)
}
