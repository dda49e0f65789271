package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ResilientConfig configures ResilientStorage.
type ResilientConfig struct {
	// Timeout bounds each attempt. Default 3s.
	Timeout time.Duration
	// RetryDelay is the pause before the single retry. Default 100ms.
	RetryDelay time.Duration
	// Breaker is optional; nil disables circuit breaking.
	Breaker *CircuitBreaker
	Metrics Metrics
	Logger  Logger
}

// ResilientStorage wraps a Storage with per-call timeouts, one retry on transient
// failures and an optional circuit breaker. Transient failures surface wrapped in
// ErrStoreUnavailable.
type ResilientStorage struct {
	next       Storage
	timeout    time.Duration
	retryDelay time.Duration
	breaker    *CircuitBreaker
	metrics    Metrics
	logger     Logger
}

var _ Storage = (*ResilientStorage)(nil)

// NewResilientStorage wraps next.
func NewResilientStorage(next Storage, cfg ResilientConfig) *ResilientStorage {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	return &ResilientStorage{
		next:       next,
		timeout:    cfg.Timeout,
		retryDelay: cfg.RetryDelay,
		breaker:    cfg.Breaker,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
}

// IsPermanent reports errors that describe the data rather than the store's health.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrInvalidEntitlement) ||
		errors.Is(err, ErrInvalidAccount) ||
		errors.Is(err, ErrNoDevice)
}

func (s *ResilientStorage) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			s.logger.Warn("retrying storage operation",
				Field{Key: "operation", Value: op}, Field{Key: "error", Value: err.Error()})
			if !sleepCtx(ctx, s.retryDelay) {
				err = ctx.Err()
				break
			}
		}

		err = s.attempt(ctx, fn)
		if err == nil || IsPermanent(err) || errors.Is(err, ErrCircuitOpen) || ctx.Err() != nil {
			break
		}
	}
	s.metrics.RecordStorageOperation(op, time.Since(start), err)

	if err == nil || IsPermanent(err) {
		return err
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *ResilientStorage) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if s.breaker == nil {
		return fn(callCtx)
	}

	// permanent errors describe the data, so the breaker sees them as successes
	var err error
	if bErr := s.breaker.Execute(func() error {
		err = fn(callCtx)
		if IsPermanent(err) {
			return nil
		}
		return err
	}); errors.Is(bErr, ErrCircuitOpen) {
		return bErr
	}
	return err
}

func (s *ResilientStorage) GetEntitlement(ctx context.Context, accountID string) (*Entitlement, error) {
	var ent *Entitlement
	err := s.do(ctx, "get_entitlement", func(ctx context.Context) error {
		var e error
		ent, e = s.next.GetEntitlement(ctx, accountID)
		return e
	})
	return ent, err
}

func (s *ResilientStorage) CreateEntitlement(ctx context.Context, ent *Entitlement) error {
	return s.do(ctx, "create_entitlement", func(ctx context.Context) error {
		return s.next.CreateEntitlement(ctx, ent)
	})
}

// IncrementUsage is not retried: a timed-out attempt may still have committed.
func (s *ResilientStorage) IncrementUsage(ctx context.Context, accountID string, delta int) (int, error) {
	var n int
	start := time.Now()
	err := s.attempt(ctx, func(ctx context.Context) error {
		var e error
		n, e = s.next.IncrementUsage(ctx, accountID, delta)
		return e
	})
	s.metrics.RecordStorageOperation("increment_usage", time.Since(start), err)
	if err != nil && !IsPermanent(err) {
		err = fmt.Errorf("%w: increment_usage: %w", ErrStoreUnavailable, err)
	}
	return n, err
}

// MergeAnonymousUsage is safe to retry: the counter is consumed in the same transaction.
func (s *ResilientStorage) MergeAnonymousUsage(ctx context.Context, req *MergeRequest) (*MergeResult, error) {
	var res *MergeResult
	err := s.do(ctx, "merge_anonymous", func(ctx context.Context) error {
		var e error
		res, e = s.next.MergeAnonymousUsage(ctx, req)
		return e
	})
	return res, err
}

func (s *ResilientStorage) ApplySubscriptionState(ctx context.Context, update *SubscriptionUpdate) (bool, error) {
	var applied bool
	err := s.do(ctx, "apply_subscription", func(ctx context.Context) error {
		var e error
		applied, e = s.next.ApplySubscriptionState(ctx, update)
		return e
	})
	return applied, err
}

func (s *ResilientStorage) SetBillingCustomerID(ctx context.Context, accountID, customerID string) error {
	return s.do(ctx, "set_customer", func(ctx context.Context) error {
		return s.next.SetBillingCustomerID(ctx, accountID, customerID)
	})
}

func (s *ResilientStorage) FindAccountByCustomerID(ctx context.Context, customerID string) (string, error) {
	var id string
	err := s.do(ctx, "find_by_customer", func(ctx context.Context) error {
		var e error
		id, e = s.next.FindAccountByCustomerID(ctx, customerID)
		return e
	})
	return id, err
}

// IncrementAnonymous is not retried for the same reason as IncrementUsage.
func (s *ResilientStorage) IncrementAnonymous(ctx context.Context, deviceID string) (int, error) {
	var n int
	start := time.Now()
	err := s.attempt(ctx, func(ctx context.Context) error {
		var e error
		n, e = s.next.IncrementAnonymous(ctx, deviceID)
		return e
	})
	s.metrics.RecordStorageOperation("increment_anonymous", time.Since(start), err)
	if err != nil && !IsPermanent(err) {
		err = fmt.Errorf("%w: increment_anonymous: %w", ErrStoreUnavailable, err)
	}
	return n, err
}

func (s *ResilientStorage) GetAnonymous(ctx context.Context, deviceID string) (int, error) {
	var n int
	err := s.do(ctx, "get_anonymous", func(ctx context.Context) error {
		var e error
		n, e = s.next.GetAnonymous(ctx, deviceID)
		return e
	})
	return n, err
}

func (s *ResilientStorage) ClearAnonymous(ctx context.Context, deviceID string) error {
	return s.do(ctx, "clear_anonymous", func(ctx context.Context) error {
		return s.next.ClearAnonymous(ctx, deviceID)
	})
}

// Ping forwards to the wrapped storage when it supports liveness checks.
func (s *ResilientStorage) Ping(ctx context.Context) error {
	p, ok := s.next.(Pinger)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return p.Ping(ctx)
}
