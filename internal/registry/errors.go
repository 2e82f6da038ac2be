package registry

import "errors"

// Sentinel errors shared by the stores and services. The API layer maps
// these onto the response envelope; everything else wraps them with %w.
var (
	// ErrBadInput means the request payload failed validation.
	ErrBadInput = errors.New("bad input")

	// ErrNotFound means a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict means a state-machine rule rejected the transition,
	// e.g. mutating a task already in a terminal state.
	ErrConflict = errors.New("conflict")

	// ErrTaskNotHeld means the caller does not hold the task it is
	// reporting on; typically the task was reclaimed in the meantime.
	ErrTaskNotHeld = errors.New("task not held by client")

	// ErrInvalidProgress means reported counters regressed.
	ErrInvalidProgress = errors.New("progress counters regressed")

	// ErrUnauthorized means the credential is missing or unknown.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden means the principal is known but not permitted.
	ErrForbidden = errors.New("forbidden")

	// ErrStoreUnavailable means the store pool is exhausted or the
	// connection was lost.
	ErrStoreUnavailable = errors.New("store unavailable")
)
