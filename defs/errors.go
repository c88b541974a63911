package defs

import "errors"

// Error kinds shared across components, per spec §7's taxonomy. Component
// packages define their own richer error types (e.g. vmm.PageAlreadyMappedError)
// that wrap one of these with errors.Is-compatible sentinels where useful.
var (
	// ErrNoFrame reports physical frame exhaustion.
	ErrNoFrame = errors.New("no free physical frame")
	// ErrFrameNotTracked reports an invariant violation: a frame was
	// released or looked up that the caller (tracker or pool) does not
	// own. Callers should treat this as a bug, not a recoverable error.
	ErrFrameNotTracked = errors.New("frame not tracked by this allocator")
	// ErrInvalidAddress reports a malformed physical or virtual address.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrInvalidBuffer reports a buffer that fails a device's alignment
	// or sizing requirement.
	ErrInvalidBuffer = errors.New("invalid buffer")
	// ErrNoDescriptors reports virtqueue descriptor exhaustion.
	ErrNoDescriptors = errors.New("no free virtqueue descriptors")
	// ErrExhausted reports exhaustion of a preallocated buffer pool.
	ErrExhausted = errors.New("buffer pool exhausted")
	// ErrTruncated reports a packet that would not fit in a single
	// preallocated network buffer.
	ErrTruncated = errors.New("packet too large for a single buffer")
	// ErrPortInUse reports an ephemeral port collision.
	ErrPortInUse = errors.New("port already in use")
	// ErrNotSupported reports an operation outside a device's negotiated
	// capability set.
	ErrNotSupported = errors.New("operation not supported by device")
	// ErrDeviceError reports a device-reported failure.
	ErrDeviceError = errors.New("device error")
	// ErrBadResponse reports a malformed device response.
	ErrBadResponse = errors.New("malformed device response")
	// ErrConnectFailure reports a failed TCP connection attempt.
	ErrConnectFailure = errors.New("connection failed")
	// ErrConnectionClosed reports use of a closed TCP connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrListenerClosed reports use of a closed TCP listener.
	ErrListenerClosed = errors.New("listener closed")
	// ErrTimeout reports an operation that exceeded its deadline.
	ErrTimeout = errors.New("timed out")
	// ErrNotReady reports a non-blocking operation that would block.
	ErrNotReady = errors.New("not ready")
	// ErrInvalidOperation reports an operation invalid for a socket's
	// current state.
	ErrInvalidOperation = errors.New("invalid operation for socket state")
	// ErrBadBinary reports a failed executable validation.
	ErrBadBinary = errors.New("invalid executable image")
)
