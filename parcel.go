package weft

import (
	"fmt"

	"github.com/weftworks/weft/pkg/sequence"
)

// Parcel is one delivered unit: bytes, attached routers (portals in
// transit), attached driver handles, and the sequence number assigned by
// the sending endpoint. The sequence number is preserved across every hop
// of the route, however many proxies it temporarily threads through.
type Parcel struct {
	seq sequence.Number

	data   []byte
	offset int

	// routers holds the attached routers while the parcel is held by a
	// router or the application. NodeLink.sendParcel takes them and
	// encodes their descriptors straight into the frame, so nothing in
	// this package populates descriptors.
	routers     []*Router
	descriptors []routerDescriptor

	handles []DriverHandle
}

func newParcel(seq sequence.Number, data []byte, routers []*Router, handles []DriverHandle) *Parcel {
	return &Parcel{seq: seq, data: data, routers: routers, handles: handles}
}

func (p *Parcel) SequenceNumber() sequence.Number {
	return p.seq
}

// Data is the unconsumed remainder of the payload.
func (p *Parcel) Data() []byte {
	return p.data[p.offset:]
}

func (p *Parcel) NumBytes() int {
	return len(p.data) - p.offset
}

// Consume advances the read offset so partial two-phase gets need no copy.
func (p *Parcel) Consume(n int) {
	if n > p.NumBytes() {
		n = p.NumBytes()
	}
	p.offset += n
}

func (p *Parcel) NumRouters() int {
	if p.descriptors != nil {
		return len(p.descriptors)
	}
	return len(p.routers)
}

func (p *Parcel) NumHandles() int {
	return len(p.handles)
}

// TakeRouters transfers ownership of the attached routers to the caller.
func (p *Parcel) TakeRouters() []*Router {
	r := p.routers
	p.routers = nil
	return r
}

// TakeHandles transfers ownership of the attached driver handles.
func (p *Parcel) TakeHandles() []DriverHandle {
	h := p.handles
	p.handles = nil
	return h
}

// Close releases everything the parcel still owns. Attached routers are
// closed as if the application had closed their portals; handles are
// closed exactly once. Dropping an undelivered parcel must go through
// here so capabilities in transit are not leaked.
func (p *Parcel) Close() {
	for _, r := range p.routers {
		if r != nil {
			r.Close()
		}
	}
	p.routers = nil
	for _, h := range p.handles {
		if h != nil {
			h.Close()
		}
	}
	p.handles = nil
	p.descriptors = nil
}

func (p *Parcel) String() string {
	return fmt.Sprintf("parcel{seq=%d bytes=%d routers=%d handles=%d}",
		p.seq, p.NumBytes(), p.NumRouters(), len(p.handles))
}

// parcelSize is the sizer used by parcel queues for byte accounting.
func parcelSize(p *Parcel) int {
	return p.NumBytes()
}
