package entitlement

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Caller identifies who is invoking the feature. AccountID is empty before sign-in.
type Caller struct {
	AccountID string
	DeviceID  string
}

// Anonymous reports whether the caller has not signed in.
func (c Caller) Anonymous() bool {
	return c.AccountID == ""
}

// GateConfig configures a Gate.
type GateConfig struct {
	// Policy sets the allowances. nil selects DefaultPolicy; a zero Policy denies every use.
	Policy *Policy

	// AnonymousOnly is set when no persistent store is configured.
	// Only the anonymous rule applies and sign-in always yields the in-memory fallback.
	AnonymousOnly bool

	Logger  Logger
	Metrics Metrics
	Now     func() time.Time
}

// Gate decides whether a caller may use the feature and records usage afterwards.
type Gate struct {
	store         Storage
	policy        Policy
	anonymousOnly bool
	logger        Logger
	metrics       Metrics
	now           func() time.Time

	// counters used while the store is unreachable, keyed by device or account
	mu       sync.Mutex
	fallback map[string]*LocalTracker
}

// NewGate creates a gate over store.
func NewGate(store Storage, cfg GateConfig) *Gate {
	policy := DefaultPolicy
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gate{
		store:         store,
		policy:        policy,
		anonymousOnly: cfg.AnonymousOnly,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		now:           cfg.Now,
		fallback:      make(map[string]*LocalTracker),
	}
}

// Policy returns the allowances the gate enforces.
func (g *Gate) Policy() Policy {
	return g.policy
}

// AnonymousOnly reports whether the gate runs without a persistent store.
func (g *Gate) AnonymousOnly() bool {
	return g.anonymousOnly
}

// SignInRequest is passed to SignIn after the identity provider has authenticated the user.
type SignInRequest struct {
	AccountID string
	DeviceID  string
	Email     string
}

// SignInResult is the entitlement the client should use after sign-in.
type SignInResult struct {
	Entitlement *Entitlement
	Decision    Decision
	Merged      int
	Created     bool

	// Degraded is set when Entitlement is the in-memory fallback. It is never persisted.
	Degraded bool
}

// SignIn merges the device's anonymous usage into the account exactly once.
// Store failures do not block sign-in: a free record with zero usage is returned instead.
func (g *Gate) SignIn(ctx context.Context, req SignInRequest) (*SignInResult, error) {
	if req.AccountID == "" {
		return nil, ErrInvalidAccount
	}
	if g.anonymousOnly {
		return g.fallbackSignIn(req), nil
	}

	res, err := g.store.MergeAnonymousUsage(ctx, &MergeRequest{
		AccountID: req.AccountID,
		DeviceID:  req.DeviceID,
		Email:     req.Email,
	})
	if err != nil {
		g.logger.Warn("sign-in merge failed, serving fallback entitlement",
			Field{Key: "account_id", Value: req.AccountID},
			Field{Key: "error", Value: err.Error()})
		g.metrics.RecordDegraded("sign_in")
		return g.fallbackSignIn(req), nil
	}

	g.metrics.RecordMerge(res.Created, res.Merged)
	if res.Merged > 0 || res.Created {
		g.logger.Info("anonymous usage merged",
			Field{Key: "account_id", Value: req.AccountID},
			Field{Key: "merged", Value: res.Merged},
			Field{Key: "created", Value: res.Created})
	}
	return &SignInResult{
		Entitlement: res.Entitlement,
		Decision:    g.policy.Evaluate(res.Entitlement, 0, g.now()),
		Merged:      res.Merged,
		Created:     res.Created,
	}, nil
}

func (g *Gate) fallbackSignIn(req SignInRequest) *SignInResult {
	now := g.now()
	ent := &Entitlement{
		AccountID: req.AccountID,
		Tier:      TierFree,
		Email:     req.Email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return &SignInResult{
		Entitlement: ent,
		Decision:    g.policy.Evaluate(ent, 0, now),
		Degraded:    true,
	}
}

// Entitlement returns the stored record for an account.
func (g *Gate) Entitlement(ctx context.Context, accountID string) (*Entitlement, error) {
	if accountID == "" {
		return nil, ErrInvalidAccount
	}
	if g.anonymousOnly {
		return nil, ErrAccountNotFound
	}
	return g.store.GetEntitlement(ctx, accountID)
}

// Check evaluates the caller without recording anything.
// Unknown accounts yield ErrAccountNotFound and anonymous callers without a device yield
// ErrNoDevice. An unreachable store degrades the evaluation to the anonymous rule.
func (g *Gate) Check(ctx context.Context, c Caller) (Decision, error) {
	d, err := g.check(ctx, c)
	if err != nil {
		return d, err
	}
	g.metrics.RecordDecision(string(d.Display), d.Allowed)
	return d, nil
}

func (g *Gate) check(ctx context.Context, c Caller) (Decision, error) {
	if c.Anonymous() {
		if c.DeviceID == "" {
			return Decision{}, ErrNoDevice
		}
		return g.policy.Evaluate(nil, g.anonymousCount(ctx, c), g.now()), nil
	}
	if g.anonymousOnly {
		return g.policy.Evaluate(nil, g.anonymousCount(ctx, c), g.now()), nil
	}

	ent, err := g.store.GetEntitlement(ctx, c.AccountID)
	switch {
	case err == nil:
		return g.policy.Evaluate(ent, 0, g.now()), nil
	case errors.Is(err, ErrAccountNotFound):
		return Decision{}, err
	default:
		g.logger.Warn("entitlement read failed, evaluating as anonymous",
			Field{Key: "account_id", Value: c.AccountID},
			Field{Key: "error", Value: err.Error()})
		g.metrics.RecordDegraded("check")
		d := g.policy.Evaluate(nil, g.anonymousCount(ctx, c), g.now())
		d.Degraded = true
		return d, nil
	}
}

// anonymousCount reads the device counter, falling back to the in-process counter
// when the store fails or the caller has no device.
func (g *Gate) anonymousCount(ctx context.Context, c Caller) int {
	if c.DeviceID != "" {
		n, err := NewTracker(g.store, c.DeviceID).Peek(ctx)
		if err == nil {
			return n
		}
		g.logger.Warn("anonymous counter read failed",
			Field{Key: "device_id", Value: c.DeviceID},
			Field{Key: "error", Value: err.Error()})
	}
	n, _ := g.localTracker(c).Peek(ctx)
	return n
}

// localTracker returns the in-process counter for the caller's device, or for the
// account when a signed-in caller has no device.
func (g *Gate) localTracker(c Caller) *LocalTracker {
	key := "device:" + c.DeviceID
	if c.DeviceID == "" {
		key = "account:" + c.AccountID
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.fallback[key]
	if !ok {
		t = &LocalTracker{}
		g.fallback[key] = t
	}
	return t
}

// Record counts one successful use against the caller and returns the updated decision.
// It must only be called after the feature call succeeded.
func (g *Gate) Record(ctx context.Context, c Caller, d Decision) (Decision, error) {
	if c.Anonymous() && c.DeviceID == "" {
		return d, ErrNoDevice
	}
	g.metrics.RecordUsage(string(d.Display))
	now := g.now()

	if d.Display == DisplayAnonymous {
		n, err := NewTracker(g.store, c.DeviceID).Increment(ctx)
		if err != nil {
			if !errors.Is(err, ErrNoDevice) {
				g.logger.Warn("anonymous usage not persisted",
					Field{Key: "device_id", Value: c.DeviceID},
					Field{Key: "error", Value: err.Error()})
			}
			n, _ = g.localTracker(c).Increment(ctx)
		}
		next := g.policy.Evaluate(nil, n, now)
		next.Degraded = d.Degraded
		return next, nil
	}

	n, err := g.store.IncrementUsage(ctx, c.AccountID, 1)
	if err != nil {
		g.logger.Error("usage increment failed",
			Field{Key: "account_id", Value: c.AccountID},
			Field{Key: "error", Value: err.Error()})
		return d, err
	}
	if d.Display == DisplayFree {
		d.Remaining = Remaining{Count: max(0, g.policy.FreeLimit-n)}
	}
	return d, nil
}

// Invoke checks the caller, runs action and records the use only if action succeeds.
// Denied callers get ErrQuotaExceeded and action is not called. A failed record after a
// successful action is logged and does not fail the call.
func (g *Gate) Invoke(ctx context.Context, c Caller, action func(ctx context.Context, d Decision) error) (Decision, error) {
	d, err := g.Check(ctx, c)
	if err != nil {
		return d, err
	}
	if !d.Allowed {
		return d, ErrQuotaExceeded
	}

	if err := action(ctx, d); err != nil {
		return d, err
	}

	after, err := g.Record(ctx, c, d)
	if err != nil {
		return d, nil
	}
	return after, nil
}
