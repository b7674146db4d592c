package session

import (
	"errors"

	"github.com/kernelbox/kernelbox/sandbox"
)

// Registry and dispatcher errors. Together with the controller's
// sandbox.ErrProvision and sandbox.ErrUnavailable they form the full error
// taxonomy of the core; every failure a caller can see maps onto exactly
// one of these through Kind.
var (
	// ErrValidation indicates a malformed request, rejected before any
	// registry state is touched.
	ErrValidation = errors.New("invalid request")

	// ErrResourceExhausted indicates the session cap is reached. No
	// container is provisioned and no entry is created.
	ErrResourceExhausted = errors.New("session capacity reached")

	// ErrSessionNotFound indicates an operation on a session key with no
	// live entry, for operations that do not provision on first touch.
	ErrSessionNotFound = errors.New("session not found")

	// ErrFileNotFound indicates an unknown, stale-generation, or
	// cross-session file id lookup.
	ErrFileNotFound = errors.New("file not found")
)

// Stable error kind labels exposed at the boundary. The serving layer maps
// these to status codes without re-deriving semantics.
const (
	KindValidation        = "validation_error"
	KindResourceExhausted = "resource_exhausted"
	KindProvision         = "provision_error"
	KindUnavailable       = "sandbox_unavailable"
	KindExecutionTimeout  = "execution_timeout"
	KindFileNotFound      = "file_not_found"
	KindSessionNotFound   = "session_not_found"
	KindInternal          = "internal_error"
)

// Kind classifies err into its stable boundary label.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, sandbox.ErrProvision):
		return KindProvision
	case errors.Is(err, sandbox.ErrUnavailable):
		return KindUnavailable
	case errors.Is(err, ErrFileNotFound):
		return KindFileNotFound
	case errors.Is(err, ErrSessionNotFound):
		return KindSessionNotFound
	default:
		return KindInternal
	}
}
