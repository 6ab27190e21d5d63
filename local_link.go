package weft

import (
	"fmt"
	"sync"

	"github.com/weftworks/weft/pkg/sequence"
)

// localLink is one half of an in-process link between two routers on the
// same node. Parcels and control signals are delivered by calling
// straight into the peer router; the shared link state is an ordinary
// heap RouterLinkState, so the bypass negotiation logic is identical to
// the remote path.
type localLinkShared struct {
	state RouterLinkState

	lk      sync.Mutex
	routers [2]*Router
	halves  [2]*localLink
}

type localLink struct {
	shared *localLinkShared
	side   LinkSide
}

var _ RouterLink = (*localLink)(nil)

// newLocalLinkPair wires a and b together and returns their respective
// halves. Neither router is touched; the caller installs the halves under
// the appropriate locks.
func newLocalLinkPair(a, b *Router) (RouterLink, RouterLink) {
	sh := &localLinkShared{}
	la := &localLink{shared: sh, side: LinkSideA}
	lb := &localLink{shared: sh, side: LinkSideB}
	sh.routers[LinkSideA] = a
	sh.routers[LinkSideB] = b
	sh.halves[LinkSideA] = la
	sh.halves[LinkSideB] = lb
	return la, lb
}

// other returns the peer router and the link half it knows this link as.
func (l *localLink) other() (*Router, *localLink) {
	l.shared.lk.Lock()
	defer l.shared.lk.Unlock()
	opp := l.side.Opposite()
	return l.shared.routers[opp], l.shared.halves[opp]
}

func (l *localLink) AcceptParcel(p *Parcel) {
	target, half := l.other()
	if target == nil {
		p.Close()
		return
	}
	target.acceptParcelOn(half, p)
}

func (l *localLink) AcceptRouteClosure(seqLen sequence.Number) {
	if target, half := l.other(); target != nil {
		target.acceptRouteClosureOn(half, seqLen)
	}
}

func (l *localLink) MarkSideStable() {
	l.shared.state.SetSideStable(l.side)
}

func (l *localLink) TryLockForBypass(initiator NodeName) (BypassKey, bool) {
	if !l.shared.state.TryLockForBypass(l.side, initiator) {
		l.shared.state.SetSideWaiting(l.side)
		return BypassKey{}, false
	}
	key := RandomBypassKey()
	l.shared.state.SetBypassKey(key)
	return key, true
}

func (l *localLink) Unlock() {
	l.shared.state.Unlock(l.side)
}

func (l *localLink) FlushOtherSideIfWaiting() bool {
	if !l.shared.state.ResetWaitingBit(l.side.Opposite()) {
		return false
	}
	if target, _ := l.other(); target != nil {
		target.Flush()
	}
	return true
}

func (l *localLink) RequestProxyBypassInitiation(peerNode NodeName, peerSublink SublinkID, key BypassKey) {
	if target, half := l.other(); target != nil {
		target.acceptBypassRequestOn(half, peerNode, peerSublink, key)
	}
}

func (l *localLink) StopProxying(inboundLen, outboundLen sequence.Number) {
	if target, half := l.other(); target != nil {
		target.acceptStopProxyingOn(half, inboundLen, outboundLen)
	}
}

// BypassProxyToSameNode never travels over a local link: when a proxy and
// its successor share a node the whole exchange is resolved inline by the
// routers. Delivering it here would mean a routing bug; drop it.
func (l *localLink) BypassProxyToSameNode(SublinkID, FragmentDescriptor, sequence.Number) {
}

func (l *localLink) StopProxyingToLocalPeer(outboundLen sequence.Number) {
	if target, half := l.other(); target != nil {
		target.acceptStopProxyingToLocalPeerOn(half, outboundLen)
	}
}

func (l *localLink) ProxyWillStop(inboundLen sequence.Number) {
	if target, half := l.other(); target != nil {
		target.acceptProxyWillStopOn(half, inboundLen)
	}
}

func (l *localLink) Deactivate() {
	l.shared.lk.Lock()
	l.shared.routers[LinkSideA] = nil
	l.shared.routers[LinkSideB] = nil
	l.shared.lk.Unlock()
}

func (l *localLink) LocalTarget() *Router {
	target, _ := l.other()
	return target
}

func (l *localLink) RemotePeer() (NodeName, SublinkID, bool) {
	return NodeName{}, 0, false
}

func (l *localLink) Side() LinkSide {
	return l.side
}

func (l *localLink) Describe() string {
	return fmt.Sprintf("local-link side=%s", l.side)
}
