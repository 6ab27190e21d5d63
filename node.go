package weft

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-metrics"
)

// Node is one participant in the mesh: a registry of live NodeLinks
// keyed by remote name, plus the broker bookkeeping that turns a node
// name into a link on demand.
type Node struct {
	name   NodeName
	driver Driver
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	lk            sync.Mutex
	links         map[NodeName]*NodeLink
	broker        *NodeLink
	pendingIntros map[NodeName][]func(*NodeLink, error)
	closed        bool
}

// NewNode creates a node backed by driver. The node's name is random and
// fixed for its lifetime.
func NewNode(driver Driver, opts ...Option) (*Node, error) {
	if driver == nil {
		return nil, ErrInvalidArgument
	}
	var cfg config
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
	}
	n := &Node{
		name:          RandomNodeName(),
		driver:        driver,
		links:         map[NodeName]*NodeLink{},
		pendingIntros: map[NodeName][]func(*NodeLink, error){},
	}
	if cfg.name != (NodeName{}) {
		n.name = cfg.name
	}
	if cfg.logHandler != nil {
		n.logger = slog.New(cfg.logHandler)
	} else {
		n.logger = slog.Default()
	}
	n.logger = n.logger.With("node", n.name)
	if cfg.msink != nil {
		n.msink = cfg.msink
	} else {
		n.msink = metrics.Default()
	}
	n.labels = cfg.metricLabels
	return n, nil
}

func (n *Node) Name() NodeName {
	return n.name
}

// ConnectOptions tune a direct ConnectToNode handshake.
type ConnectOptions struct {
	// PeerIsBroker records the resulting link as this node's broker, to
	// which introduction requests are sent.
	PeerIsBroker bool

	// InitialPortals is how many portal pairs to establish across the
	// new link immediately. The peer's count wins if lower; surplus
	// portals observe peer closure at sequence zero.
	InitialPortals int
}

// ConnectToNode performs the Connect handshake over a driver transport
// whose other half is held by the peer node. The returned portals are
// usable immediately: they buffer until the link settles.
func (n *Node) ConnectToNode(transport Transport, opts ConnectOptions) ([]*Portal, error) {
	n.lk.Lock()
	if n.closed {
		n.lk.Unlock()
		return nil, ErrNodeClosed
	}
	n.lk.Unlock()
	if opts.InitialPortals < 0 || opts.InitialPortals > numInitialLinkStates {
		return nil, ErrInvalidArgument
	}

	routers := make([]*Router, opts.InitialPortals)
	portals := make([]*Portal, opts.InitialPortals)
	for i := range routers {
		r := newRouter(n, SideA)
		r.mu.Lock()
		r.mode = RoutingModeBuffering
		r.mu.Unlock()
		routers[i] = r
		portals[i] = newPortal(r)
	}

	// Offer our own primary buffer; the side with the greater name is
	// authoritative and the other offer is discarded.
	shm, err := n.driver.AllocateSharedMemory(PrimaryBufferSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}
	mapping, err := shm.Map()
	if err != nil {
		shm.Close()
		return nil, fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}
	formatPrimaryBuffer(mapping)
	dup, err := shm.Duplicate()
	if err != nil {
		mapping.Unmap()
		shm.Close()
		return nil, fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}

	c := &connector{
		node:      n,
		transport: transport,
		opts:      opts,
		routers:   routers,
		localMem:  shm,
		localMap:  mapping,
	}
	if err := transport.Activate(TransportHandler{
		Receive:     c.onFrame,
		Error:       c.onError,
		Deactivated: func() {},
	}); err != nil {
		mapping.Unmap()
		shm.Close()
		return nil, err
	}
	frame := encodeConnect(0, msgConnect{
		Name:              n.name,
		Version:           protocolVersion,
		NumInitialPortals: uint32(opts.InitialPortals),
		HasPrimaryBuffer:  true,
	})
	if err := transport.Transmit(frame, []DriverHandle{dup}); err != nil {
		mapping.Unmap()
		shm.Close()
		return nil, err
	}
	return portals, nil
}

// connector drives one side of a Connect handshake, buffering any frame
// that overtakes the peer's Connect on an unordered transport.
type connector struct {
	node      *Node
	transport Transport
	opts      ConnectOptions
	routers   []*Router
	localMem  SharedMemory
	localMap  Mapping

	mu      sync.Mutex
	nl      *NodeLink
	failed  bool
	backlog []inboundFrame
}

func (c *connector) onFrame(data []byte, handles []DriverHandle) error {
	c.mu.Lock()
	if c.failed {
		c.mu.Unlock()
		return ErrLinkClosed
	}
	if c.nl != nil {
		nl := c.nl
		c.mu.Unlock()
		return nl.onFrame(data, handles)
	}
	h, ok := decodeHeader(data)
	if !ok {
		c.mu.Unlock()
		return ErrMalformedMessage
	}
	if h.id != msgIDConnect {
		// Overtook the Connect; hold it until the link exists.
		c.backlog = append(c.backlog, inboundFrame{data: data, handles: handles})
		c.mu.Unlock()
		return nil
	}
	m, ok := decodeConnect(data)
	if !ok || m.Version != protocolVersion {
		c.mu.Unlock()
		return ErrMalformedMessage
	}
	nl, err := c.establish(m, handles)
	if err != nil {
		c.failed = true
		c.mu.Unlock()
		return err
	}
	c.nl = nl
	backlog := c.backlog
	c.backlog = nil
	c.mu.Unlock()
	for _, f := range backlog {
		nl.onFrame(f.data, f.handles)
	}
	return nil
}

// establish resolves the symmetric handshake: the lexicographically
// greater name takes link side A and its primary buffer wins.
func (c *connector) establish(m msgConnect, handles []DriverHandle) (*NodeLink, error) {
	n := c.node
	if m.Name == n.name || m.Name.IsZero() {
		return nil, ErrPeerMisbehavior
	}
	side := LinkSideB
	if m.Name.Less(n.name) {
		side = LinkSideA
	}

	primary := c.localMap
	if side == LinkSideA {
		// Our buffer won; the peer's offer, if any, is returned.
		for _, h := range handles {
			h.Close()
		}
	} else {
		if !m.HasPrimaryBuffer || len(handles) != 1 {
			return nil, ErrMalformedMessage
		}
		shm, ok := handles[0].(SharedMemory)
		if !ok {
			return nil, ErrMalformedMessage
		}
		mapping, err := shm.Map()
		if err != nil {
			return nil, err
		}
		primary = mapping
		c.localMap.Unmap()
		c.localMem.Close()
	}

	nl := newNodeLink(n, c.transport, side, m.Name, primary, 1)
	n.lk.Lock()
	if n.closed {
		n.lk.Unlock()
		return nil, ErrNodeClosed
	}
	n.links[m.Name] = nl
	if c.opts.PeerIsBroker {
		n.broker = nl
	}
	pending := n.pendingIntros[m.Name]
	delete(n.pendingIntros, m.Name)
	n.lk.Unlock()

	// Wire the agreed number of initial portals; surplus local portals
	// observe an immediately-closed peer.
	agreed := int(m.NumInitialPortals)
	if len(c.routers) < agreed {
		agreed = len(c.routers)
	}
	for i, r := range c.routers {
		if i < agreed {
			if side == LinkSideB {
				r.mu.Lock()
				r.side = SideB
				r.mu.Unlock()
			}
			link := newRemoteLink(nl, SublinkID(i), side, nl.memory.InitialLinkState(i))
			nl.bindRouter(SublinkID(i), r, link)
			r.setOutwardLink(link)
		} else {
			r.mu.Lock()
			r.inboundQueue.SetFinalLength(0)
			post := r.updateStatusLocked()
			r.mu.Unlock()
			runAll(post)
		}
	}
	n.logger.Info("node link established", LabelPeer.L(m.Name), LabelSide.L(side.String()))
	for _, cb := range pending {
		cb(nl, nil)
	}
	return nl, nil
}

func (c *connector) onError(err error) {
	c.mu.Lock()
	nl := c.nl
	c.failed = true
	c.mu.Unlock()
	if nl != nil {
		nl.deactivate()
		return
	}
	c.node.logger.Warn("connect handshake failed", LabelError.L(err))
	for _, r := range c.routers {
		r.onLinkFailure(nil)
	}
}

// linkTo returns the live link to name, if any.
func (n *Node) linkTo(name NodeName) *NodeLink {
	n.lk.Lock()
	defer n.lk.Unlock()
	return n.links[name]
}

// EstablishLink produces a NodeLink to name, asking the broker for an
// introduction when the node is unknown. The callback fires inline when
// the link already exists, asynchronously otherwise.
func (n *Node) EstablishLink(name NodeName, cb func(*NodeLink, error)) {
	n.lk.Lock()
	if n.closed {
		n.lk.Unlock()
		cb(nil, ErrNodeClosed)
		return
	}
	if nl, ok := n.links[name]; ok {
		n.lk.Unlock()
		cb(nl, nil)
		return
	}
	pending, wasPending := n.pendingIntros[name]
	n.pendingIntros[name] = append(pending, cb)
	broker := n.broker
	n.lk.Unlock()
	if wasPending {
		return
	}
	if broker == nil {
		n.failIntroduction(name, ErrNoBroker)
		return
	}
	broker.transmit(func(seq uint64) []byte {
		return encodeRequestIntroduction(seq, msgRequestIntroduction{Name: name})
	}, nil)
}

func (n *Node) failIntroduction(name NodeName, err error) {
	n.lk.Lock()
	pending := n.pendingIntros[name]
	delete(n.pendingIntros, name)
	n.lk.Unlock()
	for _, cb := range pending {
		cb(nil, err)
	}
}

// handleRequestIntroduction serves a broker's half of node introduction:
// mint a transport pair and a pre-formatted primary buffer, and hand one
// half to each side.
func (n *Node) handleRequestIntroduction(from *NodeLink, target NodeName) {
	targetLink := n.linkTo(target)
	if targetLink == nil || target == from.RemoteNodeName() {
		from.transmit(func(seq uint64) []byte {
			return encodeIntroduceNode(seq, msgIntroduceNode{Name: target, Known: false})
		}, nil)
		return
	}
	t1, t2, err := n.driver.CreateTransports()
	if err != nil {
		n.logger.Warn("cannot mint introduction transports", LabelError.L(err))
		from.transmit(func(seq uint64) []byte {
			return encodeIntroduceNode(seq, msgIntroduceNode{Name: target, Known: false})
		}, nil)
		return
	}
	shm, err := n.driver.AllocateSharedMemory(PrimaryBufferSize)
	if err != nil {
		t1.Close()
		t2.Close()
		return
	}
	mapping, err := shm.Map()
	if err != nil {
		shm.Close()
		t1.Close()
		t2.Close()
		return
	}
	formatPrimaryBuffer(mapping)
	mapping.Unmap()
	dup1, err1 := shm.Duplicate()
	dup2, err2 := shm.Duplicate()
	shm.Close()
	if err1 != nil || err2 != nil {
		t1.Close()
		t2.Close()
		return
	}

	// The requested node takes side A, the requester side B.
	targetLink.transmit(func(seq uint64) []byte {
		return encodeIntroduceNode(seq, msgIntroduceNode{
			Name:     from.RemoteNodeName(),
			Known:    true,
			LinkSide: LinkSideA,
		})
	}, []DriverHandle{t1, dup1})
	from.transmit(func(seq uint64) []byte {
		return encodeIntroduceNode(seq, msgIntroduceNode{
			Name:     target,
			Known:    true,
			LinkSide: LinkSideB,
		})
	}, []DriverHandle{t2, dup2})
}

// handleIntroduceNode installs a broker-minted link to a new peer.
func (n *Node) handleIntroduceNode(from *NodeLink, m msgIntroduceNode, handles []DriverHandle) {
	n.lk.Lock()
	isBroker := n.broker == from
	n.lk.Unlock()
	if !isBroker {
		from.protocolViolation(ErrPeerMisbehavior)
		return
	}
	if !m.Known {
		n.failIntroduction(m.Name, fmt.Errorf("%w: node unknown to broker", ErrNotFound))
		return
	}
	if len(handles) != 2 {
		from.protocolViolation(ErrMalformedMessage)
		return
	}
	transport, tok := handles[0].(Transport)
	shm, sok := handles[1].(SharedMemory)
	if !tok || !sok {
		from.protocolViolation(ErrMalformedMessage)
		return
	}
	mapping, err := shm.Map()
	if err != nil {
		n.failIntroduction(m.Name, err)
		return
	}

	nl := newNodeLink(n, transport, m.LinkSide, m.Name, mapping, 0)
	n.lk.Lock()
	if n.closed {
		n.lk.Unlock()
		nl.memory.close()
		transport.Close()
		return
	}
	if existing, dup := n.links[m.Name]; dup {
		// Raced a concurrent introduction; keep the established link.
		n.lk.Unlock()
		nl.memory.close()
		transport.Close()
		n.finishIntroduction(m.Name, existing)
		return
	}
	n.links[m.Name] = nl
	n.lk.Unlock()

	if err := nl.activate(); err != nil {
		n.lk.Lock()
		delete(n.links, m.Name)
		n.lk.Unlock()
		n.failIntroduction(m.Name, err)
		return
	}
	n.logger.Info("introduced to node", LabelPeer.L(m.Name), LabelSide.L(m.LinkSide.String()))
	n.finishIntroduction(m.Name, nl)
}

func (n *Node) finishIntroduction(name NodeName, nl *NodeLink) {
	n.lk.Lock()
	pending := n.pendingIntros[name]
	delete(n.pendingIntros, name)
	n.lk.Unlock()
	for _, cb := range pending {
		cb(nl, nil)
	}
}

// handleBypassProxy routes an authenticated bypass request to the router
// whose outward link points at the named proxy.
func (n *Node) handleBypassProxy(arrival *NodeLink, m msgBypassProxy) {
	proxyLink := n.linkTo(m.ProxyNode)
	if proxyLink == nil {
		n.logger.Warn("bypass names an unknown proxy node", LabelPeer.L(m.ProxyNode))
		n.msink.IncrCounter(MetricBypassRejectedCount, 1.0)
		return
	}
	r := proxyLink.routerBound(m.ProxySublink)
	if r == nil {
		n.msink.IncrCounter(MetricBypassRejectedCount, 1.0)
		return
	}
	r.acceptBypassProxy(arrival, m)
}

func (n *Node) dropLink(nl *NodeLink) {
	n.lk.Lock()
	if n.links[nl.remoteName] == nl {
		delete(n.links, nl.remoteName)
	}
	if n.broker == nl {
		n.broker = nil
	}
	n.lk.Unlock()
}

// Close tears the node down: every link deactivates, which every bound
// router observes as peer closure.
func (n *Node) Close() error {
	n.lk.Lock()
	if n.closed {
		n.lk.Unlock()
		return nil
	}
	n.closed = true
	links := make([]*NodeLink, 0, len(n.links))
	for _, nl := range n.links {
		links = append(links, nl)
	}
	pending := n.pendingIntros
	n.pendingIntros = map[NodeName][]func(*NodeLink, error){}
	n.lk.Unlock()

	for _, cbs := range pending {
		for _, cb := range cbs {
			cb(nil, ErrNodeClosed)
		}
	}
	for _, nl := range links {
		nl.deactivate()
	}
	n.logger.Info("node closed")
	return nil
}
