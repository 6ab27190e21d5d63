package weft

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/weftworks/weft/pkg/sequence"
)

// Router is the per-endpoint routing state machine. One router backs each
// portal; additional routers transiently exist as proxies left behind
// when a portal migrates between nodes. All mutable state is guarded by a
// single non-reentrant mutex; anything that must run without the lock
// (link calls, trap handlers) is collected during the locked section and
// executed on the way out.
type Router struct {
	node   *Node
	logger *slog.Logger

	mu   sync.Mutex
	side Side
	mode RoutingMode

	// closed is set once the application closed this endpoint.
	closed bool

	outward edge
	inward  edge

	outboundSeqNext sequence.Number
	// outboundQueue holds sequenced parcels not yet handed to the
	// outward link: everything funnels through it so flushing is the
	// only transmission path and ordering is decided by sequence alone.
	outboundQueue *sequence.Queue[*Parcel]
	inboundQueue  *sequence.Queue[*Parcel]

	// partial is a parcel popped by a two-phase get but not yet fully
	// consumed. It logically remains the head of the inbound queue.
	partial *Parcel

	closureSent   bool
	bypassStarted bool
	// bypassHold suppresses decay while this router's descriptor has
	// not yet been transmitted: bypass traffic must never overtake the
	// descriptor on the wire.
	bypassHold bool

	status PortalStatus
	traps  []*Trap
	// trapsInFlight counts running trap handlers; trapsIdle is signalled
	// on r.mu when it returns to zero.
	trapsInFlight int
	trapsIdle     *sync.Cond

	pendingPut    []byte
	hasPendingPut bool
	inTwoPhaseGet bool
}

// edge is one side of the router: the current link plus any old links
// still delivering in-flight parcels from before a bypass.
type edge struct {
	link     RouterLink
	paused   bool
	decaying []*decayingLink
}

type decayingLink struct {
	link RouterLink
	// recvLimit bounds the sequence numbers that may still arrive on
	// this link; once local progress covers it the link is dropped.
	recvLimit    sequence.Number
	hasRecvLimit bool
}

func (e *edge) owns(l RouterLink) bool {
	if e.link == l && l != nil {
		return true
	}
	for _, d := range e.decaying {
		if d.link == l {
			return true
		}
	}
	return false
}

func newRouter(node *Node, side Side) *Router {
	r := &Router{
		node: node,
		side: side,
		mode: RoutingModeActive,

		outboundQueue: sequence.NewQueue(parcelSize),
		inboundQueue:  sequence.NewQueue(parcelSize),
	}
	r.logger = node.logger.With(LabelSide.L(side.String()))
	r.trapsIdle = sync.NewCond(&r.mu)
	return r
}

// newRouterFromDescriptor adopts a portal that just arrived in a parcel.
// The router buffers until the carrying NodeLink wires its outward link.
func newRouterFromDescriptor(node *Node, d routerDescriptor) *Router {
	r := newRouter(node, d.Side)
	r.mode = RoutingModeBuffering
	r.outboundSeqNext = d.NextOutgoingSeq
	r.outboundQueue = sequence.NewQueueAt(d.NextOutgoingSeq, parcelSize)
	r.inboundQueue = sequence.NewQueueAt(d.NextIncomingSeq, parcelSize)
	if d.PeerClosed {
		r.inboundQueue.SetFinalLength(d.ClosedSeqLen)
	}
	return r
}

func (r *Router) Side() Side {
	return r.side
}

// Mode returns the router's current routing mode.
func (r *Router) Mode() RoutingMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// lockTwo acquires two router locks in pointer order, the documented
// global order for every two-router operation.
func lockTwo(a, b *Router) func() {
	if a == b {
		a.mu.Lock()
		return a.mu.Unlock
	}
	if fmt.Sprintf("%p", a) > fmt.Sprintf("%p", b) {
		a, b = b, a
	}
	a.mu.Lock()
	b.mu.Lock()
	return func() {
		b.mu.Unlock()
		a.mu.Unlock()
	}
}

// connectLocalPair wires two fresh routers as a same-node portal pair.
func connectLocalPair(a, b *Router) {
	la, lb := newLocalLinkPair(a, b)
	unlock := lockTwo(a, b)
	a.outward.link = la
	b.outward.link = lb
	unlock()
	la.MarkSideStable()
	lb.MarkSideStable()
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// --- outbound path ---

// send sequences one parcel toward the peer endpoint. Attached routers
// travel as live references until a remote link serializes them.
func (r *Router) send(data []byte, attached []*Router, handles []DriverHandle) error {
	r.mu.Lock()
	if r.closed || r.mode == RoutingModeDead {
		r.mu.Unlock()
		return ErrFailedPrecondition
	}
	seq := r.outboundSeqNext
	r.outboundSeqNext++
	p := newParcel(seq, data, attached, handles)
	r.outboundQueue.Push(seq, p)
	post := r.flushLocked()
	r.mu.Unlock()
	runAll(post)
	r.node.msink.IncrCounter(MetricParcelOutCount, 1.0)
	r.node.msink.IncrCounter(MetricParcelOutBytes, float32(len(data)))
	return nil
}

// Close shuts this endpoint. The outbound final length is snapshotted and
// propagated once queued parcels have flushed; unread inbound parcels are
// discarded, closing any portals they carried. Closure is idempotent.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var dropped []*Parcel
	if r.partial != nil {
		dropped = append(dropped, r.partial)
		r.partial = nil
	}
	r.inboundQueue.Drain(func(_ sequence.Number, p *Parcel) {
		dropped = append(dropped, p)
	})
	post := r.flushLocked()
	post = append(post, r.updateStatusLocked()...)
	r.mu.Unlock()
	for _, p := range dropped {
		p.Close()
	}
	runAll(post)
}

// --- inbound path ---

// acceptParcelOn delivers a parcel arriving on link. Direction is
// interpreted relative to the link: parcels from the inward side flow
// outward and vice versa. Sequence numbers are never reassigned.
func (r *Router) acceptParcelOn(link RouterLink, p *Parcel) {
	size := p.NumBytes()
	r.mu.Lock()
	var ok bool
	var dropped []*Parcel
	switch {
	case r.inward.owns(link):
		ok = r.outboundQueue.Push(p.SequenceNumber(), p)
	case r.outward.owns(link):
		ok = r.inboundQueue.Push(p.SequenceNumber(), p)
		if ok && r.closed {
			// Count the progress so upstream decaying windows close,
			// but drop the payload on the floor.
			for {
				d, popped := r.inboundQueue.Pop()
				if !popped {
					break
				}
				dropped = append(dropped, d)
			}
		}
	}
	if !ok {
		r.mu.Unlock()
		p.Close()
		return
	}
	post := r.flushLocked()
	post = append(post, r.updateStatusLocked()...)
	r.mu.Unlock()
	for _, d := range dropped {
		d.Close()
	}
	runAll(post)
	r.node.msink.IncrCounter(MetricParcelInCount, 1.0)
	r.node.msink.IncrCounter(MetricParcelInBytes, float32(size))
}

// acceptRouteClosureOn records the final length of the direction arriving
// on link and propagates it across a proxy.
func (r *Router) acceptRouteClosureOn(link RouterLink, seqLen sequence.Number) {
	r.mu.Lock()
	var fwd RouterLink
	switch {
	case r.outward.owns(link):
		r.inboundQueue.SetFinalLength(seqLen)
		if r.isProxyLocked() {
			fwd = r.inward.link
		}
	case r.inward.owns(link):
		r.outboundQueue.SetFinalLength(seqLen)
		fwd = r.outward.link
	default:
		r.mu.Unlock()
		return
	}
	post := r.flushLocked()
	post = append(post, r.updateStatusLocked()...)
	r.mu.Unlock()
	if fwd != nil {
		fwd.AcceptRouteClosure(seqLen)
	}
	runAll(post)
}

// isLocalPeerOf reports whether r's outward link lands directly on
// other. Sending a portal through its own pair would knot the route.
func (r *Router) isLocalPeerOf(other *Router) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outward.link != nil && r.outward.link.LocalTarget() == other
}

func (r *Router) isProxyLocked() bool {
	return r.mode == RoutingModeProxy || r.mode == RoutingModeHalfProxy
}

// --- link attachment & flushing ---

// setOutwardLink attaches the outward link of a buffering router and
// activates it.
func (r *Router) setOutwardLink(link RouterLink) {
	r.mu.Lock()
	r.outward.link = link
	if r.mode == RoutingModeBuffering {
		r.mode = RoutingModeActive
	}
	post := r.flushLocked()
	post = append(post, r.updateStatusLocked()...)
	r.mu.Unlock()
	link.MarkSideStable()
	link.FlushOtherSideIfWaiting()
	runAll(post)
}

// Flush re-examines queues, decay progress and bypass eligibility. It is
// the universal nudge: FlushRouter messages, DecayUnblocked and link
// state waiting bits all land here.
func (r *Router) Flush() {
	r.mu.Lock()
	post := r.flushLocked()
	post = append(post, r.updateStatusLocked()...)
	r.mu.Unlock()
	runAll(post)
}

// flushLocked drains whatever can move right now and returns the actions
// to perform once the lock is released.
func (r *Router) flushLocked() []func() {
	var post []func()

	post = append(post, r.drainOutboundToCurrentLocked()...)

	// Endpoint closure follows the last queued parcel out.
	if r.closed && !r.closureSent &&
		r.outboundQueue.BaseSequenceNumber() == r.outboundSeqNext &&
		r.outward.link != nil && !r.outward.paused {
		r.closureSent = true
		link := r.outward.link
		seqLen := r.outboundSeqNext
		post = append(post, func() { link.AcceptRouteClosure(seqLen) })
	}

	// Proxy inbound: forward toward the successor.
	if r.isProxyLocked() && r.inward.link != nil && !r.inward.paused {
		link := r.inward.link
		for {
			p, ok := r.inboundQueue.Pop()
			if !ok {
				break
			}
			post = append(post, func() {
				link.AcceptParcel(p)
				r.node.msink.IncrCounter(MetricParcelForwardedCount, 1.0)
			})
		}
	}

	// Retire decaying links whose windows are fully delivered.
	post = append(post, r.pruneDecayingLocked()...)

	// A fully drained proxy retires.
	if r.isProxyLocked() && r.inboundQueue.IsComplete() && r.outboundQueue.IsComplete() {
		post = append(post, r.retireProxyLocked()...)
		return post
	}

	// A closed endpoint whose peer also finished tears its links down:
	// both directions are complete and nobody references the route.
	if !r.isProxyLocked() && r.mode != RoutingModeDead && r.closed && r.closureSent {
		if _, ok := r.inboundQueue.FinalLength(); ok && r.inboundQueue.IsComplete() {
			post = append(post, r.retireProxyLocked()...)
			return post
		}
	}

	// A proxy with both links wired tries to get itself bypassed.
	if r.isProxyLocked() && !r.bypassStarted && !r.bypassHold {
		post = append(post, r.maybeStartBypassLocked()...)
	}

	return post
}

// drainOutboundToCurrentLocked queues sends of everything sequenced onto
// the current outward link, in order. Caller holds r.mu.
func (r *Router) drainOutboundToCurrentLocked() []func() {
	if r.outward.link == nil || r.outward.paused {
		return nil
	}
	link := r.outward.link
	var sends []func()
	for {
		p, ok := r.outboundQueue.Pop()
		if !ok {
			break
		}
		sends = append(sends, func() { link.AcceptParcel(p) })
	}
	return sends
}

// dropDecayingLocked removes link from both decay lists.
func (r *Router) dropDecayingLocked(link RouterLink) {
	for _, e := range []*edge{&r.outward, &r.inward} {
		keep := e.decaying[:0]
		for _, d := range e.decaying {
			if d.link != link {
				keep = append(keep, d)
			}
		}
		e.decaying = keep
	}
}

// pruneDecayingLocked drops decaying links whose recv windows are fully
// covered by inbound progress.
func (r *Router) pruneDecayingLocked() []func() {
	var post []func()
	received := r.inboundQueue.BaseSequenceNumber() +
		sequence.Number(r.inboundQueue.NumAvailable())
	keep := r.outward.decaying[:0]
	for _, d := range r.outward.decaying {
		if d.hasRecvLimit && received >= d.recvLimit {
			link := d.link
			post = append(post, func() { link.Deactivate() })
		} else {
			keep = append(keep, d)
		}
	}
	r.outward.decaying = keep
	return post
}

func (r *Router) retireProxyLocked() []func() {
	wasProxy := r.isProxyLocked()
	r.mode = RoutingModeDead
	var links []RouterLink
	for _, l := range []RouterLink{r.outward.link, r.inward.link} {
		if l != nil {
			links = append(links, l)
		}
	}
	for _, d := range append(r.outward.decaying, r.inward.decaying...) {
		links = append(links, d.link)
	}
	r.outward = edge{}
	r.inward = edge{}
	return []func(){func() {
		for _, l := range links {
			l.Deactivate()
		}
		if wasProxy {
			r.node.msink.IncrCounter(MetricProxyRetiredCount, 1.0)
			r.logger.Debug("proxy retired")
		}
	}}
}

// --- status & traps ---

func (r *Router) statusLocked() PortalStatus {
	s := PortalStatus{
		AvailableParcels: r.inboundQueue.NumAvailable(),
		AvailableBytes:   r.inboundQueue.TotalAvailableSize(),
	}
	if r.partial != nil {
		s.AvailableParcels++
		s.AvailableBytes += r.partial.NumBytes()
	}
	if _, ok := r.inboundQueue.FinalLength(); ok {
		s.Bits |= StatusPeerClosed
		if !r.inboundQueue.ExpectsMore() && s.AvailableParcels == 0 {
			s.Bits |= StatusDead
		}
	}
	return s
}

// updateStatusLocked recomputes the cached status and collects trap
// events to fire once the lock is gone.
func (r *Router) updateStatusLocked() []func() {
	if r.isProxyLocked() {
		return nil
	}
	r.status = r.statusLocked()
	return r.collectTrapEventsLocked()
}

// Status returns the application-facing summary.
func (r *Router) Status() PortalStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = r.statusLocked()
	return r.status
}

// deadLocked reports whether no parcel can ever be retrieved again.
func (r *Router) deadLocked() bool {
	if r.partial != nil || r.inboundQueue.NumAvailable() > 0 {
		return false
	}
	_, final := r.inboundQueue.FinalLength()
	return final && !r.inboundQueue.ExpectsMore()
}

// --- application reads ---

// getParcel pops the next available parcel for the application.
func (r *Router) getParcel() (*Parcel, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrFailedPrecondition
	}
	if r.inTwoPhaseGet {
		r.mu.Unlock()
		return nil, ErrAlreadyExists
	}
	if r.partial != nil {
		p := r.partial
		r.partial = nil
		post := r.updateStatusLocked()
		r.mu.Unlock()
		runAll(post)
		return p, nil
	}
	p, ok := r.inboundQueue.Pop()
	if !ok {
		dead := r.deadLocked()
		r.mu.Unlock()
		if dead {
			return nil, ErrNotFound
		}
		return nil, ErrUnavailable
	}
	post := r.updateStatusLocked()
	r.mu.Unlock()
	runAll(post)
	return p, nil
}

// beginGet exposes the head parcel without retiring it.
func (r *Router) beginGet() (*Parcel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrFailedPrecondition
	}
	if r.inTwoPhaseGet {
		return nil, ErrAlreadyExists
	}
	head := r.partial
	if head == nil {
		if p, ok := r.inboundQueue.Peek(); ok {
			head = p
		}
	}
	if head == nil {
		if r.deadLocked() {
			return nil, ErrNotFound
		}
		return nil, ErrUnavailable
	}
	r.inTwoPhaseGet = true
	return head, nil
}

// commitGet consumes n bytes of the head parcel. A fully consumed parcel
// is retired and returned so the caller collects its attachments; a
// partial consume leaves the remainder as the logical queue head.
func (r *Router) commitGet(n int) (*Parcel, error) {
	r.mu.Lock()
	if !r.inTwoPhaseGet {
		r.mu.Unlock()
		return nil, ErrFailedPrecondition
	}
	head := r.partial
	fromQueue := false
	if head == nil {
		head, _ = r.inboundQueue.Peek()
		fromQueue = true
	}
	if head == nil {
		r.inTwoPhaseGet = false
		r.mu.Unlock()
		return nil, ErrFailedPrecondition
	}
	if n > head.NumBytes() {
		r.mu.Unlock()
		return nil, ErrInvalidArgument
	}
	r.inTwoPhaseGet = false
	if fromQueue {
		r.inboundQueue.Pop()
	}
	head.Consume(n)
	var retired *Parcel
	if head.NumBytes() == 0 {
		retired = head
		r.partial = nil
	} else {
		r.partial = head
	}
	post := r.updateStatusLocked()
	r.mu.Unlock()
	runAll(post)
	return retired, nil
}

func (r *Router) abortGet() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.inTwoPhaseGet {
		return ErrFailedPrecondition
	}
	r.inTwoPhaseGet = false
	return nil
}

// --- serialization (portal transfer) ---

// serializeForTransit converts this router into a proxy feeding inward
// over newLink and returns the descriptor that reconstructs the endpoint
// at the destination. Called by the NodeLink carrying the parcel.
func (r *Router) serializeForTransit(sub SublinkID, stateDesc FragmentDescriptor, newLink RouterLink) routerDescriptor {
	r.mu.Lock()
	d := routerDescriptor{
		Sublink:         sub,
		LinkState:       stateDesc,
		Side:            r.side,
		NextOutgoingSeq: r.outboundSeqNext,
		NextIncomingSeq: r.inboundQueue.BaseSequenceNumber(),
	}
	if final, ok := r.inboundQueue.FinalLength(); ok {
		d.PeerClosed = true
		d.ClosedSeqLen = final
	}
	r.mode = RoutingModeProxy
	r.bypassHold = true
	r.inward.link = newLink
	outLink := r.outward.link
	post := r.flushLocked()
	r.mu.Unlock()
	newLink.MarkSideStable()
	if outLink != nil {
		outLink.MarkSideStable()
	}
	runAll(post)
	return d
}

// --- bypass protocol ---

// maybeStartBypassLocked begins this proxy's decay once both neighbours
// are reachable. Returns deferred actions.
func (r *Router) maybeStartBypassLocked() []func() {
	if r.outward.link == nil || r.inward.link == nil {
		return nil
	}
	if _, closing := r.outboundQueue.FinalLength(); closing {
		// The route is shutting down; let it drain instead of rewiring.
		return nil
	}
	if _, closing := r.inboundQueue.FinalLength(); closing {
		return nil
	}
	outLink := r.outward.link
	inLink := r.inward.link

	if peer := outLink.LocalTarget(); peer != nil {
		if inLink.LocalTarget() != nil {
			return r.startAllLocalCollapseLocked()
		}
		return r.startSameNodeBypassLocked(peer)
	}

	// Central case: the old peer is remote. Lock the shared state,
	// deposit a key and point the successor at the old peer.
	successor := r.node.name
	if peerName, _, remote := inLink.RemotePeer(); remote {
		successor = peerName
	}
	key, ok := outLink.TryLockForBypass(successor)
	if !ok {
		return nil
	}
	r.bypassStarted = true
	r.mode = RoutingModeHalfProxy
	peerNode, peerSublink, _ := outLink.RemotePeer()
	return []func(){func() {
		r.node.msink.IncrCounter(MetricBypassStartedCount, 1.0)
		inLink.RequestProxyBypassInitiation(peerNode, peerSublink, key)
	}}
}

// startSameNodeBypassLocked handles a proxy whose old peer shares its
// node while the successor is remote: hand the peer a fresh sublink on
// the successor's NodeLink, swap it over, then tell the successor.
func (r *Router) startSameNodeBypassLocked(peer *Router) []func() {
	rl, ok := r.inward.link.(*remoteLink)
	if !ok {
		return nil
	}
	nl := rl.nl
	stateRef := nl.Memory().AllocateLinkState()
	if stateRef == nil {
		return nil
	}
	r.bypassStarted = true
	r.mode = RoutingModeHalfProxy
	newSub := nl.NewSublink()
	newLink := newRemoteLink(nl, newSub, LinkSideA, stateRef)
	inLink := r.inward.link
	stateDesc := stateRef.Descriptor()

	return []func(){func() {
		r.node.msink.IncrCounter(MetricBypassStartedCount, 1.0)
		nl.bindRouter(newSub, peer, newLink)
		// The peer stops feeding us the moment it swaps; its watermark
		// at that instant is the exact inbound cut.
		cut := peer.adoptNewOutwardLink(newLink)
		r.setInboundFinal(cut)
		inLink.BypassProxyToSameNode(newSub, stateDesc, cut)
	}}
}

// adoptNewOutwardLink drains queued parcels onto the old link, installs
// newLink in its place and returns the outbound watermark at the swap.
// The old link's recv window is learned later via ProxyWillStop.
func (r *Router) adoptNewOutwardLink(newLink RouterLink) sequence.Number {
	r.mu.Lock()
	sends := r.drainOutboundToCurrentLocked()
	cut := r.outboundSeqNext
	r.swapOutwardLocked(newLink, 0, false)
	post := r.flushLocked()
	post = append(post, r.updateStatusLocked()...)
	r.mu.Unlock()
	runAll(sends)
	newLink.MarkSideStable()
	runAll(post)
	return cut
}

// releaseBypassHold allows decay once the descriptor is on the wire.
func (r *Router) releaseBypassHold() {
	r.mu.Lock()
	r.bypassHold = false
	post := r.flushLocked()
	r.mu.Unlock()
	runAll(post)
}

func (r *Router) setInboundFinal(cut sequence.Number) {
	r.mu.Lock()
	r.inboundQueue.SetFinalLength(cut)
	post := r.flushLocked()
	r.mu.Unlock()
	runAll(post)
}

// swapOutwardLocked installs a new outward link, demoting the current one
// to decaying. Caller holds r.mu.
func (r *Router) swapOutwardLocked(newLink RouterLink, recvLimit sequence.Number, haveLimit bool) {
	if r.outward.link != nil {
		r.outward.decaying = append(r.outward.decaying, &decayingLink{
			link:         r.outward.link,
			recvLimit:    recvLimit,
			hasRecvLimit: haveLimit,
		})
	}
	r.outward.link = newLink
}

// startAllLocalCollapseLocked removes a proxy whose neighbours both live
// on this node by splicing them onto a fresh local pair.
func (r *Router) startAllLocalCollapseLocked() []func() {
	peer := r.outward.link.LocalTarget()
	successor := r.inward.link.LocalTarget()
	if peer == nil || successor == nil {
		return nil
	}
	r.bypassStarted = true
	r.mode = RoutingModeHalfProxy
	return []func(){func() {
		r.node.msink.IncrCounter(MetricBypassStartedCount, 1.0)
		la, lb := newLocalLinkPair(peer, successor)
		unlock := lockTwo(peer, successor)
		var sends []func()
		sends = append(sends, peer.drainOutboundToCurrentLocked()...)
		sends = append(sends, successor.drainOutboundToCurrentLocked()...)
		peerCut := peer.outboundSeqNext
		succCut := successor.outboundSeqNext
		peer.swapOutwardLocked(la, succCut, true)
		successor.swapOutwardLocked(lb, peerCut, true)
		unlock()
		runAll(sends)
		la.MarkSideStable()
		lb.MarkSideStable()
		r.acceptStopProxyingOn(nil, peerCut, succCut)
		peer.Flush()
		successor.Flush()
	}}
}

// acceptBypassRequestOn handles InitiateProxyBypass arriving at the
// successor: establish a direct link to the proxy's old peer and present
// the key there.
func (r *Router) acceptBypassRequestOn(link RouterLink, targetNode NodeName, targetSublink SublinkID, key BypassKey) {
	r.mu.Lock()
	owned := r.outward.link == link
	r.mu.Unlock()
	if !owned {
		return
	}

	if targetNode == r.node.name {
		r.bypassToLocalTarget(link, targetSublink, key)
		return
	}

	r.node.EstablishLink(targetNode, func(nl *NodeLink, err error) {
		if err != nil {
			r.logger.Warn("bypass target unreachable, proxy stays", LabelError.L(err))
			return
		}
		r.completeBypass(link, nl, targetSublink, key)
	})
}

// completeBypass switches this endpoint onto a fresh direct link toward
// the proxy's old peer on nl and sends the authenticated BypassProxy.
func (r *Router) completeBypass(oldLink RouterLink, nl *NodeLink, proxySublink SublinkID, key BypassKey) {
	stateRef := nl.Memory().AllocateLinkState()
	if stateRef == nil {
		r.logger.Warn("no link state capacity for bypass, proxy stays")
		return
	}
	proxyNode, _, _ := oldLink.RemotePeer()
	newSub := nl.NewSublink()
	newLink := newRemoteLink(nl, newSub, LinkSideA, stateRef)
	nl.bindRouter(newSub, r, newLink)

	r.mu.Lock()
	if r.outward.link != oldLink {
		// The route changed under us; abandon this bypass attempt.
		r.mu.Unlock()
		nl.unbindSublink(newSub)
		stateRef.Release()
		return
	}
	// Drain everything sequenced onto the old link so the cut is exact,
	// then switch. The new link stays paused until the BypassProxy
	// request is on the wire, so the peer installs the route before any
	// parcel arrives on it.
	sends := r.drainOutboundToCurrentLocked()
	cut := r.outboundSeqNext
	r.swapOutwardLocked(newLink, 0, false)
	r.outward.paused = true
	stateDesc := stateRef.Descriptor()
	r.mu.Unlock()

	runAll(sends)
	nl.transmit(func(seq uint64) []byte {
		return encodeBypassProxy(seq, msgBypassProxy{
			ProxyNode:           proxyNode,
			ProxySublink:        proxySublink,
			NewSublink:          newSub,
			Key:                 key,
			ProxyOutboundSeqLen: cut,
			LinkState:           stateDesc,
		})
	}, nil)

	r.mu.Lock()
	r.outward.paused = false
	post := r.flushLocked()
	post = append(post, r.updateStatusLocked()...)
	r.mu.Unlock()
	newLink.MarkSideStable()
	runAll(post)
}

// bypassToLocalTarget short-circuits the keyed bypass when the proxy's
// old peer turns out to live on this node: validate the key against the
// shared state of the peer's link to the proxy, then splice a local pair.
func (r *Router) bypassToLocalTarget(oldLink RouterLink, targetSublink SublinkID, key BypassKey) {
	rl, ok := oldLink.(*remoteLink)
	if !ok {
		return
	}
	peer := rl.nl.routerBound(targetSublink)
	if peer == nil {
		return
	}
	if !peer.authorizeLocalBypass(r.node.name, key) {
		r.logger.Warn("local bypass rejected", LabelSublink.L(uint64(targetSublink)))
		r.node.msink.IncrCounter(MetricBypassRejectedCount, 1.0)
		return
	}

	la, lb := newLocalLinkPair(peer, r)
	unlock := lockTwo(peer, r)
	var sends []func()
	sends = append(sends, peer.drainOutboundToCurrentLocked()...)
	sends = append(sends, r.drainOutboundToCurrentLocked()...)
	peerCut := peer.outboundSeqNext
	ourCut := r.outboundSeqNext
	peerOld := peer.outward.link
	peer.swapOutwardLocked(la, ourCut, true)
	r.swapOutwardLocked(lb, 0, false)
	unlock()
	runAll(sends)
	la.MarkSideStable()
	lb.MarkSideStable()
	if peerOld != nil {
		peerOld.StopProxying(peerCut, ourCut)
	}
	r.node.msink.IncrCounter(MetricBypassCompletedCount, 1.0)
	peer.Flush()
	r.Flush()
}

// authorizeLocalBypass checks the keyed authorization recorded on this
// router's outward link state.
func (r *Router) authorizeLocalBypass(requestor NodeName, key BypassKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rl, ok := r.outward.link.(*remoteLink)
	if !ok {
		return false
	}
	s := rl.state()
	if s == nil {
		return false
	}
	return s.AuthorizeBypass(rl.side.Opposite(), requestor, key)
}

// acceptBypassProxy runs at the proxy's old peer when an authenticated
// BypassProxy request arrives from the successor's node.
func (r *Router) acceptBypassProxy(from *NodeLink, m msgBypassProxy) {
	r.mu.Lock()
	old, isRemote := r.outward.link.(*remoteLink)
	if !isRemote || old.sublink != m.ProxySublink || old.nl.RemoteNodeName() != m.ProxyNode {
		r.mu.Unlock()
		r.node.msink.IncrCounter(MetricBypassRejectedCount, 1.0)
		return
	}
	s := old.state()
	if s == nil || !s.AuthorizeBypass(old.side.Opposite(), from.RemoteNodeName(), m.Key) {
		r.mu.Unlock()
		r.logger.Warn("bypass authentication failed", LabelPeer.L(from.RemoteNodeName()))
		r.node.msink.IncrCounter(MetricBypassRejectedCount, 1.0)
		from.protocolViolation(ErrBadBypassKey)
		return
	}

	stateRef := from.Memory().AdoptFragment(m.LinkState)
	newLink := newRemoteLink(from, m.NewSublink, LinkSideB, stateRef)
	from.bindRouter(m.NewSublink, r, newLink)

	sends := r.drainOutboundToCurrentLocked()
	cut := r.outboundSeqNext
	r.swapOutwardLocked(newLink, m.ProxyOutboundSeqLen, true)
	post := r.flushLocked()
	post = append(post, r.updateStatusLocked()...)
	r.mu.Unlock()

	runAll(sends)
	old.StopProxying(cut, m.ProxyOutboundSeqLen)
	newLink.MarkSideStable()
	runAll(post)
	r.node.msink.IncrCounter(MetricBypassCompletedCount, 1.0)
}

// acceptBypassToSameNodeOn runs at the successor when its proxy tells it
// to switch to a direct sublink toward the proxy's (local-to-proxy) peer.
func (r *Router) acceptBypassToSameNodeOn(link RouterLink, newLink RouterLink, inboundLen sequence.Number) {
	r.mu.Lock()
	if r.outward.link != link {
		r.mu.Unlock()
		newLink.Deactivate()
		return
	}
	sends := r.drainOutboundToCurrentLocked()
	cut := r.outboundSeqNext
	r.swapOutwardLocked(newLink, inboundLen, true)
	post := r.flushLocked()
	post = append(post, r.updateStatusLocked()...)
	r.mu.Unlock()

	runAll(sends)
	link.StopProxyingToLocalPeer(cut)
	newLink.MarkSideStable()
	runAll(post)
	r.node.msink.IncrCounter(MetricBypassCompletedCount, 1.0)
}

// acceptStopProxyingOn fixes both of a proxy's final lengths.
func (r *Router) acceptStopProxyingOn(_ RouterLink, inboundLen, outboundLen sequence.Number) {
	r.mu.Lock()
	if !r.isProxyLocked() {
		r.mu.Unlock()
		return
	}
	r.inboundQueue.SetFinalLength(inboundLen)
	r.outboundQueue.SetFinalLength(outboundLen)
	inLink := r.inward.link
	post := r.flushLocked()
	r.mu.Unlock()
	// The successor prunes its decaying link once this window closes.
	if inLink != nil {
		inLink.ProxyWillStop(inboundLen)
	}
	runAll(post)
}

// acceptStopProxyingToLocalPeerOn fixes the outbound final length of a
// same-node bypass; the inbound length was cut at the swap.
func (r *Router) acceptStopProxyingToLocalPeerOn(_ RouterLink, outboundLen sequence.Number) {
	r.mu.Lock()
	if !r.isProxyLocked() {
		r.mu.Unlock()
		return
	}
	r.outboundQueue.SetFinalLength(outboundLen)
	outLink := r.outward.link
	post := r.flushLocked()
	r.mu.Unlock()
	if outLink != nil {
		outLink.ProxyWillStop(outboundLen)
	}
	runAll(post)
}

// acceptProxyWillStopOn bounds the decaying window of the old link the
// in-flight parcels still arrive on.
func (r *Router) acceptProxyWillStopOn(link RouterLink, inboundLen sequence.Number) {
	r.mu.Lock()
	for _, d := range r.outward.decaying {
		if d.link == link {
			d.recvLimit = inboundLen
			d.hasRecvLimit = true
		}
	}
	post := r.flushLocked()
	post = append(post, r.updateStatusLocked()...)
	r.mu.Unlock()
	runAll(post)
}

// acceptLogRouteTraceOn logs this hop and forwards the trace request away
// from where it came.
func (r *Router) acceptLogRouteTraceOn(link RouterLink) {
	r.mu.Lock()
	desc := r.describeLocked()
	var fwd RouterLink
	switch {
	case link == nil:
		fwd = r.outward.link
	case r.outward.owns(link) && r.inward.link != nil:
		fwd = r.inward.link
	case r.inward.owns(link) && r.outward.link != nil:
		fwd = r.outward.link
	}
	r.mu.Unlock()
	r.logger.Info("route trace", "router", desc)
	if rl, ok := fwd.(*remoteLink); ok {
		rl.nl.transmit(func(seq uint64) []byte {
			return encodeSublinkOnly(msgIDLogRouteTrace, seq, rl.sublink)
		}, nil)
	}
}

func (r *Router) describeLocked() string {
	out := "none"
	if r.outward.link != nil {
		out = r.outward.link.Describe()
	}
	in := "none"
	if r.inward.link != nil {
		in = r.inward.link.Describe()
	}
	return fmt.Sprintf("router side=%s mode=%s outward=[%s] inward=[%s] out_next=%d in_base=%d",
		r.side, r.mode, out, in, r.outboundSeqNext, r.inboundQueue.BaseSequenceNumber())
}

// onLinkFailure converts a severed transport into route closure at the
// last received sequence number. Lost parcels are not hidden: the route
// ends before its declared final length and the dead bit reports it.
func (r *Router) onLinkFailure(link RouterLink) {
	r.mu.Lock()
	var fwd RouterLink
	var final sequence.Number
	switch {
	case r.outward.link == link:
		if _, ok := r.inboundQueue.FinalLength(); !ok {
			r.inboundQueue.SetFinalLength(r.inboundQueue.ExpectedSequenceNumber())
		}
		r.outward.link = nil
		if r.isProxyLocked() {
			final, _ = r.inboundQueue.FinalLength()
			fwd = r.inward.link
		}
	case r.inward.link == link && link != nil:
		if _, ok := r.outboundQueue.FinalLength(); !ok {
			r.outboundQueue.SetFinalLength(r.outboundQueue.ExpectedSequenceNumber())
		}
		r.inward.link = nil
		final, _ = r.outboundQueue.FinalLength()
		fwd = r.outward.link
	case r.outward.owns(link) || r.inward.owns(link):
		// A decaying link died; whatever window it still owed is lost,
		// but the live route stays up. Drop the entry.
		r.dropDecayingLocked(link)
	default:
		r.mu.Unlock()
		return
	}
	post := r.flushLocked()
	post = append(post, r.updateStatusLocked()...)
	r.mu.Unlock()
	if fwd != nil {
		fwd.AcceptRouteClosure(final)
	}
	runAll(post)
}
