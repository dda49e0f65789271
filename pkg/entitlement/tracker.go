package entitlement

import (
	"context"
	"sync"
)

// AnonymousCounter counts feature uses made by one device before sign-in.
type AnonymousCounter interface {
	Increment(ctx context.Context) (int, error)
	Peek(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// Tracker is an AnonymousCounter backed by the entitlement store.
type Tracker struct {
	store    Storage
	deviceID string
}

// NewTracker returns the counter for deviceID.
func NewTracker(store Storage, deviceID string) *Tracker {
	return &Tracker{store: store, deviceID: deviceID}
}

// DeviceID returns the device the tracker counts for.
func (t *Tracker) DeviceID() string {
	return t.deviceID
}

func (t *Tracker) Increment(ctx context.Context) (int, error) {
	if t.deviceID == "" {
		return 0, ErrNoDevice
	}
	return t.store.IncrementAnonymous(ctx, t.deviceID)
}

// Peek returns the current count. A tracker without a device always reads 0.
func (t *Tracker) Peek(ctx context.Context) (int, error) {
	if t.deviceID == "" {
		return 0, nil
	}
	return t.store.GetAnonymous(ctx, t.deviceID)
}

func (t *Tracker) Clear(ctx context.Context) error {
	if t.deviceID == "" {
		return nil
	}
	return t.store.ClearAnonymous(ctx, t.deviceID)
}

// LocalTracker keeps the counter in process memory.
type LocalTracker struct {
	mu    sync.Mutex
	count int
}

func (l *LocalTracker) Increment(_ context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count++
	return l.count, nil
}

func (l *LocalTracker) Peek(_ context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count, nil
}

func (l *LocalTracker) Clear(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count = 0
	return nil
}
