package weft

import "errors"

// Application-facing error taxonomy. API calls return exactly one of these
// (possibly wrapped) so callers can switch with errors.Is.
var (
	// ErrInvalidArgument is returned when a caller violates a documented
	// precondition: nil portal, undersized span, misaligned range.
	ErrInvalidArgument = errors.New("weft: invalid argument")

	// ErrResourceExhausted is returned when an enqueue would exceed the
	// receiver limits supplied by the caller, or when no allocator
	// capacity is available.
	ErrResourceExhausted = errors.New("weft: resource exhausted")

	// ErrFailedPrecondition is returned on state-machine violations:
	// arming an already-satisfied trap, committing a put that was never
	// begun, closing twice.
	ErrFailedPrecondition = errors.New("weft: failed precondition")

	// ErrAlreadyExists is returned when a two-phase operation is already
	// in progress on the same portal.
	ErrAlreadyExists = errors.New("weft: already exists")

	// ErrNotFound is returned for operations on a route that is closed
	// and fully drained.
	ErrNotFound = errors.New("weft: not found")

	// ErrUnavailable is returned by a non-blocking get when no parcel is
	// available yet.
	ErrUnavailable = errors.New("weft: unavailable")

	// ErrUnimplemented is reserved for surface that is declared but not
	// yet supported.
	ErrUnimplemented = errors.New("weft: unimplemented")
)

// Internal protocol errors. These never surface to the application; they
// are logged and deactivate the offending NodeLink, which peers observe as
// route closure.
var (
	ErrPeerMisbehavior  = errors.New("node: peer protocol violation")
	ErrMalformedMessage = errors.New("node: malformed message")
	ErrUnknownSublink   = errors.New("node: message for unknown sublink")
	ErrBadBypassKey     = errors.New("node: bypass authentication failed")
	ErrLinkClosed       = errors.New("node: link deactivated")
	ErrNodeClosed       = errors.New("node: node closed")
	ErrNoBroker         = errors.New("node: no broker link")
	ErrOutOfFragments   = errors.New("memory: no fragment capacity")
	ErrBufferUnknown    = errors.New("memory: unknown buffer id")
)
