package weft

import (
	"sync"
)

// Portal is the application-facing handle for one end of a portal pair.
// Every operation is synchronous and non-blocking; a portal that has been
// closed or attached to a parcel rejects further use.
type Portal struct {
	router *Router

	mu        sync.Mutex
	closed    bool
	inTransit bool
}

func newPortal(r *Router) *Portal {
	return &Portal{router: r}
}

// OpenPortals creates a connected portal pair on this node. The two ends
// may subsequently travel anywhere in the mesh.
func (n *Node) OpenPortals() (*Portal, *Portal) {
	a := newRouter(n, SideA)
	b := newRouter(n, SideB)
	connectLocalPair(a, b)
	return newPortal(a), newPortal(b)
}

// checkUsable rejects a portal that is closed or in transit.
func (p *Portal) checkUsable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.inTransit {
		return ErrInvalidArgument
	}
	return nil
}

// Close shuts the portal. Closing twice is a precondition failure.
func (p *Portal) Close() error {
	p.mu.Lock()
	if p.closed || p.inTransit {
		p.mu.Unlock()
		return ErrFailedPrecondition
	}
	p.closed = true
	p.mu.Unlock()
	p.router.Close()
	return nil
}

// Status reports queue occupancy and route condition bits.
func (p *Portal) Status() (PortalStatus, error) {
	if err := p.checkUsable(); err != nil {
		return PortalStatus{}, err
	}
	return p.router.Status(), nil
}

// checkLimits applies the caller's advisory limits against the peer
// queue, when the peer is locally observable.
func (p *Portal) checkLimits(limits *Limits, addBytes int) error {
	if limits == nil {
		return nil
	}
	p.router.mu.Lock()
	link := p.router.outward.link
	p.router.mu.Unlock()
	if link == nil {
		return nil
	}
	target := link.LocalTarget()
	if target == nil {
		return nil
	}
	st := target.Status()
	if limits.MaxQueuedParcels > 0 && st.AvailableParcels+1 > limits.MaxQueuedParcels {
		return ErrResourceExhausted
	}
	if limits.MaxQueuedBytes > 0 && st.AvailableBytes+addBytes > limits.MaxQueuedBytes {
		return ErrResourceExhausted
	}
	return nil
}

// takeForTransit consumes the attached portals, detaching them from
// their applications.
func takeForTransit(self *Portal, portals []*Portal) ([]*Router, error) {
	routers := make([]*Router, 0, len(portals))
	for i, att := range portals {
		if att == nil || att == self || att.router.isLocalPeerOf(self.router) {
			for _, prev := range portals[:i] {
				prev.mu.Lock()
				prev.inTransit = false
				prev.mu.Unlock()
			}
			return nil, ErrInvalidArgument
		}
		att.mu.Lock()
		if att.closed || att.inTransit {
			att.mu.Unlock()
			for _, prev := range portals[:i] {
				prev.mu.Lock()
				prev.inTransit = false
				prev.mu.Unlock()
			}
			return nil, ErrInvalidArgument
		}
		att.inTransit = true
		att.mu.Unlock()
		routers = append(routers, att.router)
	}
	return routers, nil
}

// Put sends one parcel: a payload copy plus any attached portals and
// driver handles. Attached portals are consumed whether or not they ever
// get read on the other side.
func (p *Portal) Put(data []byte, portals []*Portal, handles []DriverHandle, limits *Limits) error {
	if err := p.checkUsable(); err != nil {
		return err
	}
	if err := p.checkLimits(limits, len(data)); err != nil {
		return err
	}
	routers, err := takeForTransit(p, portals)
	if err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return p.router.send(buf, routers, handles)
}

// BeginPut reserves a writable span of numBytes. The span is published by
// CommitPut or released by AbortPut; a second BeginPut before either
// fails with ErrAlreadyExists.
func (p *Portal) BeginPut(numBytes int, limits *Limits) ([]byte, error) {
	if err := p.checkUsable(); err != nil {
		return nil, err
	}
	if numBytes < 0 {
		return nil, ErrInvalidArgument
	}
	if err := p.checkLimits(limits, numBytes); err != nil {
		return nil, err
	}
	r := p.router
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrFailedPrecondition
	}
	if r.hasPendingPut {
		return nil, ErrAlreadyExists
	}
	r.hasPendingPut = true
	r.pendingPut = make([]byte, numBytes)
	return r.pendingPut, nil
}

// CommitPut publishes the first numBytesProduced bytes of the reserved
// span at the next outbound sequence number.
func (p *Portal) CommitPut(numBytesProduced int, portals []*Portal, handles []DriverHandle) error {
	if err := p.checkUsable(); err != nil {
		return err
	}
	r := p.router
	r.mu.Lock()
	if !r.hasPendingPut {
		r.mu.Unlock()
		return ErrFailedPrecondition
	}
	if numBytesProduced > len(r.pendingPut) {
		r.mu.Unlock()
		return ErrInvalidArgument
	}
	r.mu.Unlock()
	// Validate attachments before consuming the reservation so a bad
	// commit leaves the two-phase state intact.
	routers, err := takeForTransit(p, portals)
	if err != nil {
		return err
	}
	r.mu.Lock()
	buf := r.pendingPut[:numBytesProduced]
	r.hasPendingPut = false
	r.pendingPut = nil
	r.mu.Unlock()
	return r.send(buf, routers, handles)
}

// AbortPut releases the reserved span without advancing the sequence.
func (p *Portal) AbortPut() error {
	if err := p.checkUsable(); err != nil {
		return err
	}
	r := p.router
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasPendingPut {
		return ErrFailedPrecondition
	}
	r.hasPendingPut = false
	r.pendingPut = nil
	return nil
}

// Get retrieves the next parcel whole. ErrUnavailable means nothing is
// queued yet; ErrNotFound means nothing will ever be.
func (p *Portal) Get() ([]byte, []*Portal, []DriverHandle, error) {
	if err := p.checkUsable(); err != nil {
		return nil, nil, nil, err
	}
	parcel, err := p.router.getParcel()
	if err != nil {
		return nil, nil, nil, err
	}
	return parcel.Data(), wrapPortals(parcel.TakeRouters()), parcel.TakeHandles(), nil
}

// BeginGet exposes the head parcel's unconsumed bytes without retiring
// it. The two-phase read ends with CommitGet or AbortGet.
func (p *Portal) BeginGet() ([]byte, error) {
	if err := p.checkUsable(); err != nil {
		return nil, err
	}
	parcel, err := p.router.beginGet()
	if err != nil {
		return nil, err
	}
	return parcel.Data(), nil
}

// CommitGet consumes numBytes of the head parcel. When that empties the
// parcel it is retired and its attachments are returned; otherwise the
// remainder stays at the head of the queue for the next read.
func (p *Portal) CommitGet(numBytes int) ([]*Portal, []DriverHandle, error) {
	if err := p.checkUsable(); err != nil {
		return nil, nil, err
	}
	parcel, err := p.router.commitGet(numBytes)
	if err != nil {
		return nil, nil, err
	}
	if parcel == nil {
		return nil, nil, nil
	}
	return wrapPortals(parcel.TakeRouters()), parcel.TakeHandles(), nil
}

// AbortGet ends a two-phase read without consuming anything.
func (p *Portal) AbortGet() error {
	if err := p.checkUsable(); err != nil {
		return err
	}
	return p.router.abortGet()
}

// NewTrap registers a disarmed trap watching this portal.
func (p *Portal) NewTrap(cond TrapCondition, handler TrapHandler) (*Trap, error) {
	if err := p.checkUsable(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, ErrInvalidArgument
	}
	return p.router.newTrap(cond, handler), nil
}

// TraceRoute logs this endpoint's routing state and asks every hop
// toward the peer to do the same. Debugging aid only.
func (p *Portal) TraceRoute() error {
	if err := p.checkUsable(); err != nil {
		return err
	}
	p.router.acceptLogRouteTraceOn(nil)
	return nil
}

func wrapPortals(routers []*Router) []*Portal {
	if len(routers) == 0 {
		return nil
	}
	out := make([]*Portal, len(routers))
	for i, r := range routers {
		out[i] = newPortal(r)
	}
	return out
}
