package persistence

import "errors"

// Error taxonomy for ledger, queue, and checkpoint operations. Admission and
// consumption errors carry financial meaning and are always surfaced to the
// caller; housekeeping (expiry, reaping) is logged instead.
var (
	// ErrInsufficientCredits is returned when a tenant's available balance
	// (balance minus unconsumed active reservations) cannot cover a request.
	// Recoverable: callers surface a quota message to the end user.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrReservationNotActive is returned when consuming or transitioning a
	// reservation that is already finalized, released, or expired.
	// A sequencing error: callers should not retry blindly.
	ErrReservationNotActive = errors.New("reservation not active")

	// ErrMaxAmountExceeded is returned when a consume would push
	// consumed_amount past the reservation's hard ceiling.
	ErrMaxAmountExceeded = errors.New("max amount exceeded")

	// ErrStaleVersion is returned when an optimistic version check fails.
	// Recoverable: reload the record and retry.
	ErrStaleVersion = errors.New("stale version")

	// ErrNotFound is returned for a missing account, reservation, task,
	// checkpoint, or cache entry.
	ErrNotFound = errors.New("not found")

	// ErrTaskNotResumable is returned when restoring a task that is not in a
	// resumable status (paused, failed, or timeout).
	ErrTaskNotResumable = errors.New("task not resumable")

	// ErrComputeInFlight is returned by GetOrCompute when another caller
	// holds the pending claim for the same idempotency key.
	// Recoverable: back off and retry.
	ErrComputeInFlight = errors.New("compute in flight for idempotency key")
)
