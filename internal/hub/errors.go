// Package-level error taxonomy shared by the hub and its storage
// implementations. These sentinel values let the transport translate
// failures into distinct error codes on the wire, the same way the
// repository sentinels are translated to HTTP statuses elsewhere.
package hub

import (
	"errors"
	"fmt"
)

// ErrUnauthenticated is returned when any event other than
// Authenticate arrives on a connection that has no session yet. The
// event is rejected with no side effects.
var ErrUnauthenticated = errors.New("unauthenticated")

// ErrAccessDenied is returned when a user targets a room they have not
// joined.
var ErrAccessDenied = errors.New("access denied")

// ErrValidation is returned for malformed, empty or oversized
// payloads. Nothing is mutated and nothing is broadcast.
var ErrValidation = errors.New("invalid payload")

// ErrStorageUnavailable wraps any non-NotFound failure from the
// durable chat store. The triggering event is aborted as a whole: no
// in-memory index is touched and the hub never retries.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ErrNotFound is returned when an event names a message or room that
// does not exist. ChatStore implementations are expected to wrap this
// sentinel for missing rows so the hub can distinguish it from an
// outage.
var ErrNotFound = errors.New("not found")

// storeError maps a ChatStore failure onto the taxonomy, keeping the
// collaborator's own message intact.
func storeError(err error) error {
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

// errorCode returns the wire code for a taxonomy error.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "UNAUTHENTICATED"
	case errors.Is(err, ErrAccessDenied):
		return "ACCESS_DENIED"
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrStorageUnavailable):
		return "STORAGE_UNAVAILABLE"
	}
	return "INTERNAL"
}
