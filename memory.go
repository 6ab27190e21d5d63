package weft

import (
	"log/slog"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/weftworks/weft/pkg/shmem"
)

const (
	// PrimaryBufferSize is the size of BufferID 0. On a direct Connect
	// both sides allocate one and the greater node name's buffer is kept;
	// on an introduction the broker allocates it.
	PrimaryBufferSize = 64 << 10

	// AuxBufferSize is the size of each on-demand allocator buffer.
	AuxBufferSize = 64 << 10

	// numInitialLinkStates fixed-purpose RouterLinkState slots are carved
	// out of the primary buffer for the initial portals of a connection.
	numInitialLinkStates = 4

	primaryHeaderSize  = 128
	primaryAllocOffset = primaryHeaderSize + numInitialLinkStates*RouterLinkStateSize
)

// NodeLinkMemory owns the pool of shared buffers backing one NodeLink:
// the primary buffer with its fixed slots, plus any auxiliary buffers
// added later. Every allocator serves RouterLinkStateSize fragments.
type NodeLinkMemory struct {
	side   LinkSide
	logger *slog.Logger
	msink  metrics.MetricSink

	lk         sync.Mutex
	buffers    map[BufferID]Mapping
	allocators []BufferID
	allocs     map[BufferID]*shmem.BlockAllocator
	// regionBase translates allocator-relative offsets into
	// buffer-relative fragment offsets.
	regionBase map[BufferID]int
	// mine records fragments allocated by this side, which are the only
	// ones this side returns to an allocator.
	mine    map[FragmentDescriptor]bool
	pending map[BufferID][]*FragmentRef

	nextBufferID BufferID
	requesting   bool

	// onNeedCapacity is invoked, outside the memory lock, when an
	// allocation fails and no capacity request is already in flight. The
	// NodeLink wires it to expandMemory, which shares a buffer of its own
	// or, when the driver cannot allocate one, sends RequestMemory.
	onNeedCapacity func()
}

// formatPrimaryBuffer initializes the fixed slots and allocator region of
// a fresh primary buffer. Exactly one mapper formats, before any peer
// attaches: the allocating side on direct connection, the broker on
// introduction.
func formatPrimaryBuffer(m Mapping) {
	b := m.Bytes()
	for i := 0; i < numInitialLinkStates; i++ {
		routerLinkStateAt(b[primaryHeaderSize+i*RouterLinkStateSize:]).initialize()
	}
	shmem.Initialize(b[primaryAllocOffset:], RouterLinkStateSize)
}

func newNodeLinkMemory(side LinkSide, primary Mapping, logger *slog.Logger, msink metrics.MetricSink) *NodeLinkMemory {
	m := &NodeLinkMemory{
		side:       side,
		logger:     logger,
		msink:      msink,
		buffers:    map[BufferID]Mapping{0: primary},
		allocs:     map[BufferID]*shmem.BlockAllocator{},
		regionBase: map[BufferID]int{},
		mine:       map[FragmentDescriptor]bool{},
		pending:    map[BufferID][]*FragmentRef{},
	}
	// Each side owns a disjoint half of the buffer ID space.
	if side == LinkSideA {
		m.nextBufferID = 2
	} else {
		m.nextBufferID = 1
	}
	alloc := shmem.Attach(primary.Bytes()[primaryAllocOffset:], RouterLinkStateSize)
	m.allocators = []BufferID{0}
	m.allocs[0] = alloc
	m.regionBase[0] = primaryAllocOffset
	return m
}

// InitialLinkState returns the i-th fixed RouterLinkState slot of the
// primary buffer. Slots are never returned to any allocator.
func (m *NodeLinkMemory) InitialLinkState(i int) *FragmentRef {
	if i < 0 || i >= numInitialLinkStates {
		return nil
	}
	desc := FragmentDescriptor{
		Buffer: 0,
		Offset: uint32(primaryHeaderSize + i*RouterLinkStateSize),
		Size:   RouterLinkStateSize,
	}
	m.lk.Lock()
	defer m.lk.Unlock()
	primary, ok := m.buffers[0]
	if !ok {
		return nil
	}
	return newFragmentRef(m, desc, primary.Bytes()[desc.Offset:desc.Offset+desc.Size])
}

// AllocateLinkState carves a fresh RouterLinkState fragment, initialized
// and addressable. On exhaustion it returns nil after (once) invoking
// onNeedCapacity, which runs synchronously before the nil return.
func (m *NodeLinkMemory) AllocateLinkState() *FragmentRef {
	m.lk.Lock()
	for _, id := range m.allocators {
		alloc := m.allocs[id]
		off, ok := alloc.Alloc()
		if !ok {
			continue
		}
		desc := FragmentDescriptor{
			Buffer: id,
			Offset: uint32(m.regionBase[id] + off),
			Size:   RouterLinkStateSize,
		}
		m.mine[desc] = true
		bytes := m.buffers[id].Bytes()[desc.Offset : desc.Offset+desc.Size]
		ref := newFragmentRef(m, desc, bytes)
		m.lk.Unlock()
		routerLinkStateAt(bytes).initialize()
		m.msink.IncrCounter(MetricMemoryFragmentAllocCount, 1.0)
		return ref
	}
	needKick := !m.requesting && m.onNeedCapacity != nil
	if needKick {
		m.requesting = true
	}
	m.lk.Unlock()
	if needKick {
		m.logger.Debug("link state fragments exhausted, requesting capacity")
		m.onNeedCapacity()
	}
	return nil
}

func (m *NodeLinkMemory) releaseFragment(desc FragmentDescriptor) {
	m.lk.Lock()
	defer m.lk.Unlock()
	if !m.mine[desc] {
		return
	}
	delete(m.mine, desc)
	if alloc, ok := m.allocs[desc.Buffer]; ok {
		alloc.Free(int(desc.Offset) - m.regionBase[desc.Buffer])
	}
}

// AdoptFragment wraps a descriptor received from the peer. The ref is
// pending if the buffer has not arrived yet and becomes addressable when
// it does.
func (m *NodeLinkMemory) AdoptFragment(desc FragmentDescriptor) *FragmentRef {
	m.lk.Lock()
	defer m.lk.Unlock()
	if buf, ok := m.buffers[desc.Buffer]; ok {
		end := int(desc.Offset) + int(desc.Size)
		if end > len(buf.Bytes()) || desc.Size != RouterLinkStateSize {
			return nil
		}
		return newFragmentRef(m, desc, buf.Bytes()[desc.Offset:end])
	}
	ref := newFragmentRef(m, desc, nil)
	m.pending[desc.Buffer] = append(m.pending[desc.Buffer], ref)
	return ref
}

// NextBufferID reserves a buffer ID from this side's half of the space.
func (m *NodeLinkMemory) NextBufferID() BufferID {
	m.lk.Lock()
	defer m.lk.Unlock()
	id := m.nextBufferID
	m.nextBufferID += 2
	return id
}

// AddBuffer registers an auxiliary allocator buffer under id. The side
// that allocated the driver memory initializes its allocator; the other
// side attaches. Pending fragment refs addressing id become addressable.
func (m *NodeLinkMemory) AddBuffer(id BufferID, mapping Mapping, initialize bool) error {
	m.lk.Lock()
	if _, dup := m.buffers[id]; dup {
		m.lk.Unlock()
		return ErrPeerMisbehavior
	}
	var alloc *shmem.BlockAllocator
	if initialize {
		alloc = shmem.Initialize(mapping.Bytes(), RouterLinkStateSize)
	} else {
		alloc = shmem.Attach(mapping.Bytes(), RouterLinkStateSize)
	}
	if alloc == nil {
		m.lk.Unlock()
		return ErrMalformedMessage
	}
	m.buffers[id] = mapping
	m.allocs[id] = alloc
	m.regionBase[id] = 0
	m.allocators = append(m.allocators, id)
	m.requesting = false
	resolved := m.pending[id]
	delete(m.pending, id)
	for _, ref := range resolved {
		end := int(ref.desc.Offset) + int(ref.desc.Size)
		if end <= len(mapping.Bytes()) {
			b := mapping.Bytes()[ref.desc.Offset:end]
			ref.bytes.Store(&b)
		}
	}
	m.lk.Unlock()
	if len(resolved) > 0 {
		m.logger.Debug("resolved pending fragments", "buffer", id, "count", len(resolved))
	}
	m.msink.IncrCounter(MetricMemoryBufferCount, 1.0)
	return nil
}

// close unmaps every buffer. Outstanding fragment refs become inert.
func (m *NodeLinkMemory) close() {
	m.lk.Lock()
	defer m.lk.Unlock()
	for _, mapping := range m.buffers {
		mapping.Unmap()
	}
	m.buffers = map[BufferID]Mapping{}
	m.allocs = map[BufferID]*shmem.BlockAllocator{}
	m.allocators = nil
	m.pending = map[BufferID][]*FragmentRef{}
}
