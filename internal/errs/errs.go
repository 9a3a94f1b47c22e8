// Package errs defines a small error taxonomy: a small set of
// sentinel/base errors that every reply-producing component classifies
// into, so the dispatcher and fetch interceptor can decide reply shape
// without inspecting arbitrary error strings.
package errs

import "errors"

// ErrProtocolPrecondition marks a message that arrived before its
// required precondition held (no bundle context, bundle not Active).
// Reply-only: never logged as an incident, never thrown past the
// dispatcher boundary.
var ErrProtocolPrecondition = errors.New("protocol precondition not met")

// ErrBundleNotInitialized is a specific ErrProtocolPrecondition case used
// in reply bodies verbatim.
var ErrBundleNotInitialized = errors.New("Bundle not initialized")

// ErrNoBundleContext is a specific ErrProtocolPrecondition case used in
// reply bodies verbatim.
var ErrNoBundleContext = errors.New("No bundle context")

// ErrDispatcherUnknown marks an unrecognized message type.
type ErrDispatcherUnknown struct {
	Type string
}

func (e *ErrDispatcherUnknown) Error() string {
	return "Unknown message type: " + e.Type
}

// IsPrecondition reports whether err is (or wraps) a precondition failure.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrProtocolPrecondition) ||
		errors.Is(err, ErrBundleNotInitialized) ||
		errors.Is(err, ErrNoBundleContext)
}
