// Package errs holds the error taxonomy shared by the request and realtime surfaces.
// Domain packages wrap these sentinels; callers classify with errors.Is or Code.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrForbidden signals a policy predicate evaluated to false.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidState signals a lifecycle precondition was violated.
	ErrInvalidState = errors.New("invalid state")
	// ErrConflict signals a uniqueness violation such as a duplicate bid.
	ErrConflict = errors.New("conflict")
	// ErrNotFound signals a referenced case, bid, message or payment is absent.
	ErrNotFound = errors.New("not found")
	// ErrUnauthenticated signals a missing or invalid credential.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidInput signals a malformed request.
	ErrInvalidInput = errors.New("invalid input")
	// ErrTransient signals a persistence or upstream failure; retrying may succeed.
	ErrTransient = errors.New("transient failure")
)

// Transient wraps an infrastructure error so it classifies as ErrTransient while
// keeping the original message for logs.
func Transient(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
}

// Code maps err onto a stable machine-readable code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "internal"
	}
}
