package entitlement

import "errors"

var (
	// ErrQuotaExceeded is returned when the caller has no remaining uses
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrAccountNotFound is returned when an account id has no entitlement record
	ErrAccountNotFound = errors.New("account not found")

	// ErrStoreUnavailable is returned when the entitlement store cannot be reached
	ErrStoreUnavailable = errors.New("entitlement store unavailable")

	// ErrInvalidEntitlement is returned when a record breaks the tier/subscription invariants
	ErrInvalidEntitlement = errors.New("invalid entitlement")

	// ErrNoDevice is returned when anonymous usage is recorded without a device id
	ErrNoDevice = errors.New("device id required")

	// ErrInvalidAccount is returned for an empty account id
	ErrInvalidAccount = errors.New("invalid account id")
)
