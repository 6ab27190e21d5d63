package weft

import (
	"fmt"
	"sync/atomic"

	"github.com/weftworks/weft/pkg/sequence"
)

// remoteLink is the far-flung half of the RouterLink split: every call is
// framed into a message on one sublink of a NodeLink, and the shared
// RouterLinkState lives in a fragment of that link's memory pool.
type remoteLink struct {
	nl      *NodeLink
	sublink SublinkID
	side    LinkSide

	// stateRef may start out nil (side B of a link whose fragment is
	// announced later via SetRouterLinkStateFragment) or pending.
	stateRef atomic.Pointer[FragmentRef]
}

var _ RouterLink = (*remoteLink)(nil)

func newRemoteLink(nl *NodeLink, sublink SublinkID, side LinkSide, stateRef *FragmentRef) *remoteLink {
	l := &remoteLink{nl: nl, sublink: sublink, side: side}
	if stateRef != nil {
		l.stateRef.Store(stateRef)
	}
	return l
}

// state returns the shared control block, or nil while it is unknown or
// its buffer is still unmapped. Callers degrade gracefully: a nil state
// just defers bypass eligibility.
func (l *remoteLink) state() *RouterLinkState {
	ref := l.stateRef.Load()
	if ref == nil {
		return nil
	}
	b := ref.Bytes()
	if b == nil {
		return nil
	}
	return routerLinkStateAt(b)
}

// setStateFragment installs a late-arriving link state fragment.
func (l *remoteLink) setStateFragment(ref *FragmentRef) {
	if old := l.stateRef.Swap(ref); old != nil {
		old.Release()
	}
}

func (l *remoteLink) AcceptParcel(p *Parcel) {
	l.nl.sendParcel(l.sublink, p)
}

func (l *remoteLink) AcceptRouteClosure(seqLen sequence.Number) {
	l.nl.transmit(func(seq uint64) []byte {
		return encodeRouteClosed(seq, msgRouteClosed{Sublink: l.sublink, SeqLen: seqLen})
	}, nil)
}

func (l *remoteLink) MarkSideStable() {
	if s := l.state(); s != nil {
		s.SetSideStable(l.side)
	}
}

func (l *remoteLink) TryLockForBypass(initiator NodeName) (BypassKey, bool) {
	s := l.state()
	if s == nil {
		return BypassKey{}, false
	}
	if !s.TryLockForBypass(l.side, initiator) {
		s.SetSideWaiting(l.side)
		return BypassKey{}, false
	}
	key := RandomBypassKey()
	s.SetBypassKey(key)
	return key, true
}

func (l *remoteLink) Unlock() {
	if s := l.state(); s != nil {
		s.Unlock(l.side)
	}
}

func (l *remoteLink) FlushOtherSideIfWaiting() bool {
	s := l.state()
	if s == nil || !s.ResetWaitingBit(l.side.Opposite()) {
		return false
	}
	l.nl.transmit(func(seq uint64) []byte {
		return encodeSublinkOnly(msgIDFlushRouter, seq, l.sublink)
	}, nil)
	return true
}

func (l *remoteLink) RequestProxyBypassInitiation(peerNode NodeName, peerSublink SublinkID, key BypassKey) {
	l.nl.transmit(func(seq uint64) []byte {
		return encodeInitiateProxyBypass(seq, msgInitiateProxyBypass{
			Sublink:       l.sublink,
			TargetNode:    peerNode,
			TargetSublink: peerSublink,
			Key:           key,
		})
	}, nil)
}

func (l *remoteLink) StopProxying(inboundLen, outboundLen sequence.Number) {
	l.nl.transmit(func(seq uint64) []byte {
		return encodeStopProxying(seq, msgStopProxying{
			Sublink:        l.sublink,
			InboundSeqLen:  inboundLen,
			OutboundSeqLen: outboundLen,
		})
	}, nil)
}

func (l *remoteLink) BypassProxyToSameNode(newSublink SublinkID, newState FragmentDescriptor, inboundLen sequence.Number) {
	l.nl.transmit(func(seq uint64) []byte {
		return encodeBypassProxyToSameNode(seq, msgBypassProxyToSameNode{
			Sublink:       l.sublink,
			NewSublink:    newSublink,
			NewLinkState:  newState,
			InboundSeqLen: inboundLen,
		})
	}, nil)
}

func (l *remoteLink) StopProxyingToLocalPeer(outboundLen sequence.Number) {
	l.nl.transmit(func(seq uint64) []byte {
		return encodeStopProxyingToLocalPeer(seq, msgStopProxyingToLocalPeer{
			Sublink:        l.sublink,
			OutboundSeqLen: outboundLen,
		})
	}, nil)
}

func (l *remoteLink) ProxyWillStop(inboundLen sequence.Number) {
	l.nl.transmit(func(seq uint64) []byte {
		return encodeProxyWillStop(seq, msgProxyWillStop{
			Sublink:       l.sublink,
			InboundSeqLen: inboundLen,
		})
	}, nil)
}

func (l *remoteLink) Deactivate() {
	l.nl.unbindSublink(l.sublink)
	if ref := l.stateRef.Swap(nil); ref != nil {
		ref.Release()
	}
}

func (l *remoteLink) LocalTarget() *Router {
	return nil
}

func (l *remoteLink) RemotePeer() (NodeName, SublinkID, bool) {
	return l.nl.RemoteNodeName(), l.sublink, true
}

func (l *remoteLink) Side() LinkSide {
	return l.side
}

func (l *remoteLink) Describe() string {
	return fmt.Sprintf("remote-link peer=%s sublink=%d side=%s",
		l.nl.RemoteNodeName(), l.sublink, l.side)
}
