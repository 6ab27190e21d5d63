package weft

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
	"github.com/weftworks/weft/pkg/sequence"
)

const (
	// Sublinks 0..initialSublinkCount-1 are reserved for the initial
	// portals of a connection; dynamic allocation starts above them.
	initialSublinkCount = 64
)

// NodeLink is the duplex connection between two nodes: one driver
// transport, one shared-memory pool, and a map of multiplexed sublinks
// each binding a router. Outgoing frames carry a monotonic transport
// sequence number; the receiver restores order through a sequenced queue
// before dispatching, so unordered transports still deliver causally.
type NodeLink struct {
	node       *Node
	transport  Transport
	side       LinkSide
	remoteName NodeName
	memory     *NodeLinkMemory
	logger     *slog.Logger
	msink      metrics.MetricSink

	lk          sync.Mutex
	sublinks    map[SublinkID]*sublinkBinding
	nextSublink SublinkID
	deactivated bool
	// stateless records sublinks whose links were minted while the
	// allocator was exhausted; they get a RouterLinkState as soon as
	// capacity returns.
	stateless []SublinkID

	txSeq atomic.Uint64

	rxLk    sync.Mutex
	rxQueue *sequence.Queue[inboundFrame]
}

type sublinkBinding struct {
	router *Router
	link   *remoteLink
}

type inboundFrame struct {
	data    []byte
	handles []DriverHandle
}

// newNodeLink assembles a link whose handshake is already settled.
// firstSeq is the transport sequence number both directions continue
// from: zero for broker-introduced links, one when a Connect exchange
// consumed sequence zero.
func newNodeLink(node *Node, transport Transport, side LinkSide, remoteName NodeName, primary Mapping, firstSeq uint64) *NodeLink {
	nl := &NodeLink{
		node:       node,
		transport:  transport,
		side:       side,
		remoteName: remoteName,
		logger:     node.logger.With(LabelPeer.L(remoteName)),
		msink:      node.msink,
		sublinks:   map[SublinkID]*sublinkBinding{},
		rxQueue:    sequence.NewQueueAt[inboundFrame](sequence.Number(firstSeq), nil),
	}
	nl.txSeq.Store(firstSeq)
	nl.nextSublink = initialSublinkCount + SublinkID(side)
	nl.memory = newNodeLinkMemory(side, primary, nl.logger, nl.msink)
	nl.memory.onNeedCapacity = nl.expandMemory
	node.msink.IncrCounter(MetricNodeLinkCount, 1.0)
	return nl
}

func (nl *NodeLink) RemoteNodeName() NodeName {
	return nl.remoteName
}

func (nl *NodeLink) Memory() *NodeLinkMemory {
	return nl.memory
}

// NewSublink reserves a sublink ID from this side's half of the space.
func (nl *NodeLink) NewSublink() SublinkID {
	nl.lk.Lock()
	defer nl.lk.Unlock()
	id := nl.nextSublink
	nl.nextSublink += 2
	return id
}

func (nl *NodeLink) bindRouter(sub SublinkID, r *Router, link *remoteLink) {
	nl.lk.Lock()
	nl.sublinks[sub] = &sublinkBinding{router: r, link: link}
	nl.lk.Unlock()
}

func (nl *NodeLink) routerBound(sub SublinkID) *Router {
	nl.lk.Lock()
	defer nl.lk.Unlock()
	if b, ok := nl.sublinks[sub]; ok {
		return b.router
	}
	return nil
}

func (nl *NodeLink) binding(sub SublinkID) *sublinkBinding {
	nl.lk.Lock()
	defer nl.lk.Unlock()
	return nl.sublinks[sub]
}

func (nl *NodeLink) unbindSublink(sub SublinkID) {
	nl.lk.Lock()
	delete(nl.sublinks, sub)
	nl.lk.Unlock()
}

// transmit stamps the next transport sequence number, builds the frame
// and hands it to the driver. Transmission failure severs the link.
func (nl *NodeLink) transmit(build func(seq uint64) []byte, handles []DriverHandle) {
	seq := nl.txSeq.Add(1) - 1
	frame := build(seq)
	if err := nl.transport.Transmit(frame, handles); err != nil {
		nl.logger.Warn("transmit failed", LabelError.L(err))
		nl.deactivate()
		return
	}
	nl.msink.IncrCounter(MetricNodeLinkFrameOutCount, 1.0)
}

// sendParcel frames one parcel for the given sublink, serializing any
// attached routers into descriptors bound to fresh sublinks.
func (nl *NodeLink) sendParcel(sub SublinkID, p *Parcel) {
	routers := p.TakeRouters()
	descs := make([]routerDescriptor, 0, len(routers))
	for _, r := range routers {
		descs = append(descs, nl.serializeRouter(r))
	}
	handles := p.TakeHandles()
	m := msgAcceptParcel{
		Sublink:     sub,
		Seq:         p.SequenceNumber(),
		Data:        p.Data(),
		Descriptors: descs,
		NumHandles:  uint32(len(handles)),
	}
	nl.transmit(func(seq uint64) []byte {
		return encodeAcceptParcel(seq, m)
	}, handles)
	// Now that the descriptors are safely ordered ahead of any bypass
	// traffic, each serialized router may begin its decay.
	for _, r := range routers {
		r.releaseBypassHold()
	}
}

// serializeRouter turns an attached router into a proxy with a fresh
// sublink on this link and returns the descriptor for the far side. A
// link minted during allocator exhaustion starts stateless and receives
// its RouterLinkState once capacity returns.
func (nl *NodeLink) serializeRouter(r *Router) routerDescriptor {
	sub := nl.NewSublink()
	stateRef := nl.memory.AllocateLinkState()
	if stateRef == nil {
		// The capacity request may already have added a buffer.
		stateRef = nl.memory.AllocateLinkState()
	}
	var stateDesc FragmentDescriptor
	if stateRef != nil {
		stateDesc = stateRef.Descriptor()
	} else {
		nl.lk.Lock()
		nl.stateless = append(nl.stateless, sub)
		nl.lk.Unlock()
	}
	link := newRemoteLink(nl, sub, LinkSideA, stateRef)
	nl.bindRouter(sub, r, link)
	d := r.serializeForTransit(sub, stateDesc, link)
	return d
}

// expandMemory grows the allocator pool: allocate and share a buffer of
// our own when the driver lets us, otherwise ask the peer for one.
func (nl *NodeLink) expandMemory() {
	shm, err := nl.node.driver.AllocateSharedMemory(AuxBufferSize)
	if err != nil {
		nl.transmit(func(seq uint64) []byte {
			return encodeRequestMemory(seq, msgRequestMemory{Size: AuxBufferSize})
		}, nil)
		return
	}
	mapping, err := shm.Map()
	if err != nil {
		shm.Close()
		return
	}
	id := nl.memory.NextBufferID()
	if err := nl.memory.AddBuffer(id, mapping, true); err != nil {
		shm.Close()
		return
	}
	dup, err := shm.Duplicate()
	if err != nil {
		return
	}
	nl.transmit(func(seq uint64) []byte {
		return encodeAddBuffer(msgIDAddFragmentAllocatorBuffer, seq, msgAddBuffer{
			BufferID: id,
			Size:     AuxBufferSize,
		})
	}, []DriverHandle{dup})
	nl.resolveStatelessLinks()
}

// resolveStatelessLinks retrofits RouterLinkStates onto links minted
// while the allocator was dry.
func (nl *NodeLink) resolveStatelessLinks() {
	nl.lk.Lock()
	pending := nl.stateless
	nl.stateless = nil
	nl.lk.Unlock()
	for _, sub := range pending {
		b := nl.binding(sub)
		if b == nil {
			continue
		}
		ref := nl.memory.AllocateLinkState()
		if ref == nil {
			nl.lk.Lock()
			nl.stateless = append(nl.stateless, sub)
			nl.lk.Unlock()
			continue
		}
		desc := ref.Descriptor()
		b.link.setStateFragment(ref)
		b.link.MarkSideStable()
		sub := sub
		nl.transmit(func(seq uint64) []byte {
			return encodeSetRouterLinkStateFragment(seq, msgSetRouterLinkStateFragment{
				Sublink:   sub,
				LinkState: desc,
			})
		}, nil)
		b.router.Flush()
	}
}

// adoptRouter materializes a router descriptor received in a parcel.
func (nl *NodeLink) adoptRouter(d routerDescriptor) *Router {
	r := newRouterFromDescriptor(nl.node, d)
	var stateRef *FragmentRef
	if !d.LinkState.IsNull() {
		stateRef = nl.memory.AdoptFragment(d.LinkState)
	}
	link := newRemoteLink(nl, d.Sublink, LinkSideB, stateRef)
	nl.bindRouter(d.Sublink, r, link)
	r.setOutwardLink(link)
	return r
}

// activate starts frame delivery. Called once the handshake settled.
func (nl *NodeLink) activate() error {
	return nl.transport.Activate(TransportHandler{
		Receive: func(data []byte, handles []DriverHandle) error {
			return nl.onFrame(data, handles)
		},
		Error: func(err error) {
			nl.logger.Warn("transport error", LabelError.L(err))
			nl.deactivate()
		},
		Deactivated: func() {},
	})
}

// onFrame reorders inbound frames by transport sequence number and
// dispatches every contiguous frame.
func (nl *NodeLink) onFrame(data []byte, handles []DriverHandle) error {
	h, ok := decodeHeader(data)
	if !ok || h.version != protocolVersion {
		nl.msink.IncrCounter(MetricNodeLinkFrameErrCount, 1.0)
		nl.protocolViolation(ErrMalformedMessage)
		return ErrMalformedMessage
	}
	nl.rxLk.Lock()
	if !nl.rxQueue.Push(sequence.Number(h.transportSeq), inboundFrame{data: data, handles: handles}) {
		nl.rxLk.Unlock()
		nl.protocolViolation(ErrPeerMisbehavior)
		return ErrPeerMisbehavior
	}
	var ready []inboundFrame
	for {
		f, ok := nl.rxQueue.Pop()
		if !ok {
			break
		}
		ready = append(ready, f)
	}
	nl.rxLk.Unlock()
	for _, f := range ready {
		nl.dispatch(f.data, f.handles)
	}
	return nil
}

// dispatch decodes one frame and routes it to the bound router or up to
// the node. Malformed input deactivates the link; an unknown sublink is
// tolerated, since messages legitimately race proxy retirement.
func (nl *NodeLink) dispatch(frame []byte, handles []DriverHandle) {
	h, _ := decodeHeader(frame)
	nl.msink.IncrCounterWithLabels(MetricNodeLinkFrameInCount, 1.0,
		append(nl.node.labels, LabelMessage.M(h.id.String())))
	switch h.id {
	case msgIDAcceptParcel:
		m, ok := decodeAcceptParcel(frame)
		if !ok {
			nl.protocolViolation(ErrMalformedMessage)
			return
		}
		if int(m.NumHandles) != len(handles) {
			nl.protocolViolation(ErrMalformedMessage)
			return
		}
		routers := make([]*Router, 0, len(m.Descriptors))
		for _, d := range m.Descriptors {
			routers = append(routers, nl.adoptRouter(d))
		}
		b := nl.binding(m.Sublink)
		p := newParcel(m.Seq, m.Data, routers, handles)
		if b == nil {
			nl.logger.Debug("parcel for unbound sublink", LabelSublink.L(uint64(m.Sublink)))
			p.Close()
			return
		}
		b.router.acceptParcelOn(b.link, p)

	case msgIDRouteClosed:
		m, ok := decodeRouteClosed(frame)
		if !ok {
			nl.protocolViolation(ErrMalformedMessage)
			return
		}
		if b := nl.binding(m.Sublink); b != nil {
			b.router.acceptRouteClosureOn(b.link, m.SeqLen)
		}

	case msgIDInitiateProxyBypass:
		m, ok := decodeInitiateProxyBypass(frame)
		if !ok {
			nl.protocolViolation(ErrMalformedMessage)
			return
		}
		if b := nl.binding(m.Sublink); b != nil {
			b.router.acceptBypassRequestOn(b.link, m.TargetNode, m.TargetSublink, m.Key)
		}

	case msgIDBypassProxy:
		m, ok := decodeBypassProxy(frame)
		if !ok {
			nl.protocolViolation(ErrMalformedMessage)
			return
		}
		nl.node.handleBypassProxy(nl, m)

	case msgIDBypassProxyToSameNode:
		m, ok := decodeBypassProxyToSameNode(frame)
		if !ok {
			nl.protocolViolation(ErrMalformedMessage)
			return
		}
		b := nl.binding(m.Sublink)
		if b == nil {
			return
		}
		var stateRef *FragmentRef
		if !m.NewLinkState.IsNull() {
			stateRef = nl.memory.AdoptFragment(m.NewLinkState)
		}
		newLink := newRemoteLink(nl, m.NewSublink, LinkSideB, stateRef)
		nl.bindRouter(m.NewSublink, b.router, newLink)
		b.router.acceptBypassToSameNodeOn(b.link, newLink, m.InboundSeqLen)

	case msgIDStopProxying:
		m, ok := decodeStopProxying(frame)
		if !ok {
			nl.protocolViolation(ErrMalformedMessage)
			return
		}
		if b := nl.binding(m.Sublink); b != nil {
			b.router.acceptStopProxyingOn(b.link, m.InboundSeqLen, m.OutboundSeqLen)
		}

	case msgIDStopProxyingToLocalPeer:
		m, ok := decodeStopProxyingToLocalPeer(frame)
		if !ok {
			nl.protocolViolation(ErrMalformedMessage)
			return
		}
		if b := nl.binding(m.Sublink); b != nil {
			b.router.acceptStopProxyingToLocalPeerOn(b.link, m.OutboundSeqLen)
		}

	case msgIDProxyWillStop:
		m, ok := decodeProxyWillStop(frame)
		if !ok {
			nl.protocolViolation(ErrMalformedMessage)
			return
		}
		if b := nl.binding(m.Sublink); b != nil {
			b.router.acceptProxyWillStopOn(b.link, m.InboundSeqLen)
		}

	case msgIDDecayUnblocked, msgIDFlushRouter, msgIDFlushLink:
		m, ok := decodeSublinkOnly(frame)
		if !ok {
			nl.protocolViolation(ErrMalformedMessage)
			return
		}
		if b := nl.binding(m.Sublink); b != nil {
			b.router.Flush()
		}

	case msgIDLogRouteTrace:
		m, ok := decodeSublinkOnly(frame)
		if !ok {
			nl.protocolViolation(ErrMalformedMessage)
			return
		}
		if b := nl.binding(m.Sublink); b != nil {
			b.router.acceptLogRouteTraceOn(b.link)
		}

	case msgIDSetRouterLinkStateFragment:
		m, ok := decodeSetRouterLinkStateFragment(frame)
		if !ok {
			nl.protocolViolation(ErrMalformedMessage)
			return
		}
		if b := nl.binding(m.Sublink); b != nil {
			b.link.setStateFragment(nl.memory.AdoptFragment(m.LinkState))
			b.link.MarkSideStable()
			b.router.Flush()
		}

	case msgIDAddFragmentAllocatorBuffer, msgIDProvideMemory:
		m, ok := decodeAddBuffer(frame)
		if !ok || len(handles) != 1 {
			nl.protocolViolation(ErrMalformedMessage)
			return
		}
		shm, isMem := handles[0].(SharedMemory)
		if !isMem {
			nl.protocolViolation(ErrMalformedMessage)
			return
		}
		mapping, err := shm.Map()
		if err != nil {
			nl.logger.Warn("cannot map provided buffer", LabelError.L(err))
			return
		}
		if err := nl.memory.AddBuffer(m.BufferID, mapping, false); err != nil {
			nl.protocolViolation(err)
			return
		}
		nl.resolveStatelessLinks()

	case msgIDRequestMemory:
		m, ok := decodeRequestMemory(frame)
		if !ok {
			nl.protocolViolation(ErrMalformedMessage)
			return
		}
		nl.provideMemory(int(m.Size))

	case msgIDRequestIntroduction:
		m, ok := decodeRequestIntroduction(frame)
		if !ok {
			nl.protocolViolation(ErrMalformedMessage)
			return
		}
		nl.node.handleRequestIntroduction(nl, m.Name)

	case msgIDIntroduceNode:
		m, ok := decodeIntroduceNode(frame)
		if !ok {
			nl.protocolViolation(ErrMalformedMessage)
			return
		}
		nl.node.handleIntroduceNode(nl, m, handles)

	case msgIDConnect:
		// The handshake owns Connect; receiving one afterwards means the
		// peer restarted mid-link.
		nl.protocolViolation(ErrPeerMisbehavior)

	default:
		nl.protocolViolation(ErrMalformedMessage)
	}
}

// provideMemory allocates, formats and shares one auxiliary allocator
// buffer in response to a peer's RequestMemory.
func (nl *NodeLink) provideMemory(size int) {
	if size < AuxBufferSize {
		size = AuxBufferSize
	}
	shm, err := nl.node.driver.AllocateSharedMemory(size)
	if err != nil {
		nl.logger.Warn("cannot allocate requested memory", LabelError.L(err))
		return
	}
	mapping, err := shm.Map()
	if err != nil {
		shm.Close()
		return
	}
	id := nl.memory.NextBufferID()
	if err := nl.memory.AddBuffer(id, mapping, true); err != nil {
		shm.Close()
		return
	}
	dup, err := shm.Duplicate()
	if err != nil {
		return
	}
	nl.transmit(func(seq uint64) []byte {
		return encodeAddBuffer(msgIDProvideMemory, seq, msgAddBuffer{
			BufferID: id,
			Size:     uint32(size),
		})
	}, []DriverHandle{dup})
}

func (nl *NodeLink) protocolViolation(err error) {
	nl.logger.Error("peer protocol violation, deactivating link", LabelError.L(err))
	nl.msink.IncrCounter(MetricNodeLinkFrameErrCount, 1.0)
	nl.deactivate()
}

// deactivate severs the link: every bound router observes peer closure at
// its last received sequence number, and the memory pool unmaps.
func (nl *NodeLink) deactivate() {
	nl.lk.Lock()
	if nl.deactivated {
		nl.lk.Unlock()
		return
	}
	nl.deactivated = true
	bindings := make([]*sublinkBinding, 0, len(nl.sublinks))
	for _, b := range nl.sublinks {
		bindings = append(bindings, b)
	}
	nl.sublinks = map[SublinkID]*sublinkBinding{}
	nl.lk.Unlock()

	nl.transport.Deactivate()
	for _, b := range bindings {
		b.router.onLinkFailure(b.link)
	}
	nl.memory.close()
	nl.node.dropLink(nl)
}
