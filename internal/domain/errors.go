// README: Error taxonomy shared by all modules; handlers map these to HTTP codes.
package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every module failure wraps exactly one of these so callers can
// classify with errors.Is regardless of which module produced it.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflict          = errors.New("conflict")
	ErrUnavailable       = errors.New("dependency unavailable")
)

// Named conflicts. Each matches ErrConflict via errors.Is; the reason string
// travels to the client unchanged.
var (
	ErrRideTaken        = Conflict("ride already taken")
	ErrDriverBusy       = Conflict("driver already assigned to a ride")
	ErrNoPendingRequest = Conflict("no pending dispatch request for driver")
	ErrActiveRide       = Conflict("rider already has an active ride")
	ErrDispatchInFlight = Conflict("dispatch already in progress for ride")
	ErrAlreadyRated     = Conflict("ride already rated by this side")
)

// Conflict wraps ErrConflict with a stable reason.
func Conflict(reason string) error {
	return fmt.Errorf("%w: %s", ErrConflict, reason)
}

// Validationf wraps ErrValidation with a formatted field-level detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFound wraps ErrNotFound naming the missing entity.
func NotFound(entity string) error {
	return fmt.Errorf("%s %w", entity, ErrNotFound)
}

// Transition wraps ErrInvalidTransition with the offending from/to pair.
func Transition(from, to string) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Unavailable wraps ErrUnavailable naming the dependency that failed.
func Unavailable(dep string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, dep, err)
}
