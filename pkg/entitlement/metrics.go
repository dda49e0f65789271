package entitlement

import "time"

// Metrics defines the interface for tracking gate decisions and store health.
type Metrics interface {
	// RecordDecision records a quota evaluation for a display state.
	RecordDecision(display string, allowed bool)

	// RecordUsage records a successful feature use.
	RecordUsage(display string)

	// RecordMerge records a sign-in merge and the number of anonymous uses folded in.
	RecordMerge(created bool, merged int)

	// RecordDegraded records a fallback taken because the store was unavailable.
	RecordDegraded(operation string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordDecision(display string, allowed bool)                                {}
func (n *NoopMetrics) RecordUsage(display string)                                                 {}
func (n *NoopMetrics) RecordMerge(created bool, merged int)                                       {}
func (n *NoopMetrics) RecordDegraded(operation string)                                            {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
