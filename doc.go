// Package weft is an inter-process message-passing fabric built around
// *portals*: bidirectional byte-plus-capability channels whose two ends
// may live anywhere in a mesh of nodes, and may themselves be sent
// through other portals.
//
// # How it works
//
// Each portal end is backed by a `Router`, a small state machine that
// owns the end's sequenced parcel queues. Routers talk to their route
// neighbour through a `RouterLink`: a direct in-process call when both
// ends share a node, or a multiplexed sublink of a `NodeLink` when they
// do not. A `NodeLink` couples a driver-provided transport with a pool
// of shared-memory buffers, so peer routers can negotiate route changes
// through a `RouterLinkState` control block without a broker round-trip.
//
// When a portal is sent through another portal, the router it leaves
// behind becomes a proxy. Proxies are temporary: the bypass protocol
// installs a direct link between the proxy's two neighbours, drains the
// in-flight window, and retires the proxy. Sequence numbers are assigned
// once by the sending endpoint and never reassigned, so delivery stays
// total-FIFO however often the route is rewired underneath.
//
// # Drivers
//
// All I/O is injected through the `Driver` interface. The repository
// ships two: memdriver connects nodes inside one process (the test
// harness), and quicdriver connects same-host processes over QUIC with
// file-backed shared memory.
//
// # Design principles
//
// The engine never blocks holding a lock, never waits for a remote
// reply, and never trusts a peer: malformed or unauthenticated traffic
// deactivates the offending link, which the affected routes observe as
// peer closure. The single blocking operation in the package is the
// blocking form of trap destruction.
package weft
