package weft

// The core never touches sockets or memory mappings itself: everything
// I/O- or OS-shaped is delegated to an injected Driver. Two drivers ship
// with this repository: memdriver (in-process, used by the tests) and
// quicdriver (QUIC between same-host processes).

// DriverHandle is an opaque capability owned by the driver: an OS handle,
// a transport endpoint, or a shared-memory region. Handles attached to a
// parcel are released to the receiver exactly once; a cancelled transmit
// returns them intact to the caller.
type DriverHandle interface {
	Close() error
}

// TransportHandler receives activity from an activated transport. The
// driver invokes it on driver-owned goroutines; implementations must not
// assume any particular calling goroutine.
type TransportHandler struct {
	// Receive is invoked once per inbound frame. A non-nil return
	// deactivates the transport.
	Receive func(data []byte, handles []DriverHandle) error

	// Error is invoked when the transport breaks.
	Error func(err error)

	// Deactivated is invoked exactly once, after the final Receive.
	Deactivated func()
}

// Transport is one half of an unordered, framed, byte-plus-handle pipe
// between two nodes.
type Transport interface {
	DriverHandle

	// Activate starts delivery of inbound frames to handler. A transport
	// must be activated at most once.
	Activate(handler TransportHandler) error

	// Deactivate stops delivery. The handler's Deactivated callback fires
	// once any in-flight Receive has returned.
	Deactivate()

	// Transmit queues one frame. Frames may arrive in any order; the
	// NodeLink layer restores order with transport sequence numbers.
	Transmit(data []byte, handles []DriverHandle) error
}

// SharedMemory is an unmapped region handle, duplicable for transfer to a
// peer node.
type SharedMemory interface {
	DriverHandle

	Size() int
	Duplicate() (SharedMemory, error)
	Map() (Mapping, error)
}

// Mapping is a locally addressable view of a SharedMemory region. Both
// sides of a NodeLink observe the same bytes through their own mappings.
type Mapping interface {
	Bytes() []byte
	Unmap() error
}

// Driver supplies transports and shared memory to a Node.
type Driver interface {
	// CreateTransports returns an entangled transport pair. Each half may
	// be shipped to a different node as a DriverHandle.
	CreateTransports() (Transport, Transport, error)

	// AllocateSharedMemory allocates a region of at least size bytes.
	AllocateSharedMemory(size int) (SharedMemory, error)

	// SerializeHandle and DeserializeHandle convert a driver handle to
	// and from transmissible bytes. Drivers whose Transmit carries
	// handles natively may implement these as identity-style tokens.
	SerializeHandle(h DriverHandle) ([]byte, error)
	DeserializeHandle(data []byte) (DriverHandle, error)
}
