package weft

import "github.com/weftworks/weft/pkg/sequence"

// RouterLink connects a Router to one neighbour on its route. A link
// delivers parcels and control signals toward the other side, wherever it
// lives: localLink calls straight into the peer router, remoteLink frames
// each call onto a NodeLink sublink.
//
// Link methods never block on I/O and are always invoked without the
// calling router's lock held.
type RouterLink interface {
	// AcceptParcel delivers p toward the other side. Attached routers
	// are serialized into descriptors if the link leaves the node.
	AcceptParcel(p *Parcel)

	// AcceptRouteClosure announces that the endpoint behind the caller
	// closed: no parcel numbered >= seqLen will ever arrive.
	AcceptRouteClosure(seqLen sequence.Number)

	// MarkSideStable records in the shared link state that the caller's
	// router is neither buffering nor mid-handoff.
	MarkSideStable()

	// TryLockForBypass locks the shared link state on behalf of the
	// caller, deposits a fresh bypass key and authorizes initiator to
	// present it. On failure the caller's waiting bit is set so the
	// other side nudges it after unlocking.
	TryLockForBypass(initiator NodeName) (BypassKey, bool)

	// Unlock releases a bypass or closure lock.
	Unlock()

	// FlushOtherSideIfWaiting sends a FlushRouter nudge if the other
	// side parked itself waiting for link-state changes. Reports whether
	// a nudge was sent.
	FlushOtherSideIfWaiting() bool

	// RequestProxyBypassInitiation is sent by a half-proxy on its inward
	// link: the successor should establish a direct link to peerNode and
	// present key on sublink peerSublink there.
	RequestProxyBypassInitiation(peerNode NodeName, peerSublink SublinkID, key BypassKey)

	// StopProxying tells the proxy behind this link that both final
	// sequence lengths are decided: inboundLen bounds what the proxy
	// still owes its inward side, outboundLen what it owes outward.
	StopProxying(inboundLen, outboundLen sequence.Number)

	// BypassProxyToSameNode is the unkeyed variant used when the proxy
	// shares a node with its outward peer: the successor behind this
	// link should adopt newSublink as its direct route to that peer.
	// Parcels numbered below inboundLen still arrive through the proxy.
	BypassProxyToSameNode(newSublink SublinkID, newState FragmentDescriptor, inboundLen sequence.Number)

	// StopProxyingToLocalPeer is the successor's reply to
	// BypassProxyToSameNode, carrying the successor's own final length.
	StopProxyingToLocalPeer(outboundLen sequence.Number)

	// ProxyWillStop tells a proxy's new direct peer how many in-flight
	// parcels still arrive through the proxy before it retires.
	ProxyWillStop(inboundLen sequence.Number)

	// Deactivate severs the link. Remote links unbind their sublink;
	// local links drop their router references.
	Deactivate()

	// LocalTarget returns the router on the other side when it lives in
	// this process, else nil.
	LocalTarget() *Router

	// RemotePeer identifies the other side of a remote link. ok is false
	// for local links.
	RemotePeer() (node NodeName, sublink SublinkID, ok bool)

	// Side is the caller's side of the shared link state.
	Side() LinkSide

	// Describe renders the link for route traces.
	Describe() string
}
