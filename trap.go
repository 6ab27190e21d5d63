package weft

// Traps are edge-triggered monitors over portal status. A trap is armed
// explicitly; when a status change satisfies its condition the trap
// disarms and its handler fires exactly once, outside every router lock.

type TrapConditionFlags uint32

const (
	// CondLocalParcels fires when at least MinLocalParcels parcels are
	// retrievable.
	CondLocalParcels TrapConditionFlags = 1 << iota

	// CondLocalBytes fires when at least MinLocalBytes payload bytes are
	// retrievable.
	CondLocalBytes

	// CondPeerClosed fires when the peer endpoint has closed.
	CondPeerClosed

	// CondDead fires when no parcel can ever be retrieved again.
	CondDead
)

type TrapCondition struct {
	Flags           TrapConditionFlags
	MinLocalParcels uint64
	MinLocalBytes   int
}

// satisfied returns the subset of the condition's flags met by status.
func (c TrapCondition) satisfied(status PortalStatus) TrapConditionFlags {
	var out TrapConditionFlags
	if c.Flags&CondLocalParcels != 0 && status.AvailableParcels >= max(c.MinLocalParcels, 1) {
		out |= CondLocalParcels
	}
	if c.Flags&CondLocalBytes != 0 && status.AvailableBytes >= max(c.MinLocalBytes, 1) {
		out |= CondLocalBytes
	}
	if c.Flags&CondPeerClosed != 0 && status.Bits&StatusPeerClosed != 0 {
		out |= CondPeerClosed
	}
	if c.Flags&CondDead != 0 && status.Bits&StatusDead != 0 {
		out |= CondDead
	}
	return out
}

// TrapEvent is handed to the trap's handler on each firing.
type TrapEvent struct {
	ConditionFlags TrapConditionFlags
	Status         PortalStatus
}

type TrapHandler func(TrapEvent)

type Trap struct {
	router    *Router
	cond      TrapCondition
	handler   TrapHandler
	armed     bool
	destroyed bool
}

// newTrap registers a disarmed trap on the router.
func (r *Router) newTrap(cond TrapCondition, handler TrapHandler) *Trap {
	t := &Trap{router: r, cond: cond, handler: handler}
	r.mu.Lock()
	r.traps = append(r.traps, t)
	r.mu.Unlock()
	return t
}

// Arm primes the trap. Arming fails with ErrFailedPrecondition while the
// condition is already satisfied: the caller must observe the current
// state (it is returned in PortalStatus via Status) and drain it first.
func (t *Trap) Arm() error {
	r := t.router
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.destroyed {
		return ErrNotFound
	}
	if t.armed {
		return ErrFailedPrecondition
	}
	if t.cond.satisfied(r.statusLocked()) != 0 {
		return ErrFailedPrecondition
	}
	t.armed = true
	return nil
}

// Destroy unregisters the trap. With blocking set, it parks the calling
// goroutine until no trap handler of this router is running, so the
// handler cannot be entered again after return. This is the single
// blocking suspension point in the engine.
func (t *Trap) Destroy(blocking bool) error {
	r := t.router
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.destroyed {
		return ErrNotFound
	}
	t.destroyed = true
	t.armed = false
	for i, other := range r.traps {
		if other == t {
			r.traps = append(r.traps[:i], r.traps[i+1:]...)
			break
		}
	}
	if blocking {
		for r.trapsInFlight > 0 {
			r.trapsIdle.Wait()
		}
	}
	return nil
}

// collectTrapEventsLocked disarms every satisfied trap and returns the
// handler invocations to run after the router lock is released.
func (r *Router) collectTrapEventsLocked() []func() {
	var post []func()
	for _, t := range r.traps {
		if !t.armed || t.destroyed {
			continue
		}
		flags := t.cond.satisfied(r.status)
		if flags == 0 {
			continue
		}
		t.armed = false
		r.trapsInFlight++
		ev := TrapEvent{ConditionFlags: flags, Status: r.status}
		trap := t
		post = append(post, func() {
			trap.handler(ev)
			r.mu.Lock()
			r.trapsInFlight--
			if r.trapsInFlight == 0 {
				r.trapsIdle.Broadcast()
			}
			r.mu.Unlock()
			r.node.msink.IncrCounter(MetricTrapFiredCount, 1.0)
		})
	}
	return post
}
