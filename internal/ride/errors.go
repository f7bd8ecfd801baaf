package ride

import "errors"

var (
	// ErrValidation marks malformed input rejected before any state
	// is touched.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized marks an actor/role mismatch for the attempted
	// transition.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidTransition marks a state-machine guard failure.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrNotFound marks an unknown ride id.
	ErrNotFound = errors.New("ride not found")

	// ErrConflict marks a lost compare-and-set race; the caller
	// should treat the ride as already handled, not retry.
	ErrConflict = errors.New("ride already assigned")

	// ErrNoDriverAvailable is the terminal matching outcome when
	// every candidate was exhausted. It is an outcome, not a failure.
	ErrNoDriverAvailable = errors.New("no driver available")
)
