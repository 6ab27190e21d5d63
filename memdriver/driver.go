// Package memdriver is the in-process reference driver: transports are
// goroutine-served queues between two halves, and shared memory is a
// plain byte slice observed by every mapping. It exists so the engine
// can be exercised, multi-node topologies included, inside one process.
package memdriver

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/weftworks/weft"
)

var (
	ErrClosed       = errors.New("memdriver: endpoint closed")
	ErrActive       = errors.New("memdriver: transport already active")
	ErrUnknownToken = errors.New("memdriver: unknown handle token")
)

// Driver implements weft.Driver for a single process.
type Driver struct {
	lk      sync.Mutex
	objects map[uint64]weft.DriverHandle
	nextTok uint64
}

var _ weft.Driver = (*Driver)(nil)

func New() *Driver {
	return &Driver{objects: map[uint64]weft.DriverHandle{}}
}

func (d *Driver) CreateTransports() (weft.Transport, weft.Transport, error) {
	a := newTransport()
	b := newTransport()
	a.peer = b
	b.peer = a
	return a, b, nil
}

func (d *Driver) AllocateSharedMemory(size int) (weft.SharedMemory, error) {
	if size <= 0 {
		return nil, errors.New("memdriver: invalid size")
	}
	region := &sharedRegion{buf: make([]byte, size)}
	region.refs = 1
	return &sharedMemory{region: region}, nil
}

// SerializeHandle parks the live object and returns a token; the object
// never leaves the process, so the token is the whole serialization.
func (d *Driver) SerializeHandle(h weft.DriverHandle) ([]byte, error) {
	d.lk.Lock()
	defer d.lk.Unlock()
	tok := d.nextTok
	d.nextTok++
	d.objects[tok] = h
	return binary.LittleEndian.AppendUint64(nil, tok), nil
}

func (d *Driver) DeserializeHandle(data []byte) (weft.DriverHandle, error) {
	if len(data) != 8 {
		return nil, ErrUnknownToken
	}
	tok := binary.LittleEndian.Uint64(data)
	d.lk.Lock()
	defer d.lk.Unlock()
	h, ok := d.objects[tok]
	if !ok {
		return nil, ErrUnknownToken
	}
	delete(d.objects, tok)
	return h, nil
}

// --- transport ---

type frame struct {
	data    []byte
	handles []weft.DriverHandle
}

type transport struct {
	peer *transport

	lk      sync.Mutex
	handler weft.TransportHandler
	active  bool
	closed  bool
	backlog []frame
	deliver chan frame

	done       chan struct{}
	doneOnce   sync.Once
	peerGone   chan struct{}
	goneOnce   sync.Once
}

func newTransport() *transport {
	return &transport{
		deliver:  make(chan frame, 256),
		done:     make(chan struct{}),
		peerGone: make(chan struct{}),
	}
}

// notifyPeerGone mirrors a socket close: the remote side of the pipe
// observes an error instead of silence.
func (t *transport) notifyPeerGone() {
	t.goneOnce.Do(func() { close(t.peerGone) })
}

func (t *transport) Activate(handler weft.TransportHandler) error {
	t.lk.Lock()
	if t.active {
		t.lk.Unlock()
		return ErrActive
	}
	if t.closed {
		t.lk.Unlock()
		return ErrClosed
	}
	t.active = true
	t.handler = handler
	backlog := t.backlog
	t.backlog = nil
	t.lk.Unlock()

	go t.run(backlog)
	return nil
}

// run is the driver-owned goroutine delivering inbound frames.
func (t *transport) run(backlog []frame) {
	defer func() {
		<-t.done
		if t.handler.Deactivated != nil {
			t.handler.Deactivated()
		}
	}()
	for _, f := range backlog {
		if t.dispatch(f) {
			t.Deactivate()
			return
		}
	}
	for {
		select {
		case f := <-t.deliver:
			if t.dispatch(f) {
				t.Deactivate()
				return
			}
		case <-t.peerGone:
			if t.handler.Error != nil {
				t.handler.Error(ErrClosed)
			}
			return
		case <-t.done:
			return
		}
	}
}

func (t *transport) dispatch(f frame) (stop bool) {
	if t.handler.Receive == nil {
		return false
	}
	if err := t.handler.Receive(f.data, f.handles); err != nil {
		if t.handler.Error != nil {
			t.handler.Error(err)
		}
		return true
	}
	return false
}

func (t *transport) Deactivate() {
	t.lk.Lock()
	wasClosed := t.closed
	t.closed = true
	active := t.active
	t.lk.Unlock()
	if wasClosed {
		return
	}
	if active {
		t.doneOnce.Do(func() { close(t.done) })
	}
	t.peer.notifyPeerGone()
}

func (t *transport) Transmit(data []byte, handles []weft.DriverHandle) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	return t.peer.receive(frame{data: buf, handles: handles})
}

func (t *transport) receive(f frame) error {
	t.lk.Lock()
	if t.closed {
		t.lk.Unlock()
		return ErrClosed
	}
	if !t.active {
		t.backlog = append(t.backlog, f)
		t.lk.Unlock()
		return nil
	}
	t.lk.Unlock()
	select {
	case t.deliver <- f:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

func (t *transport) Close() error {
	t.Deactivate()
	return nil
}

// --- shared memory ---

type sharedRegion struct {
	buf  []byte
	lk   sync.Mutex
	refs int
}

func (r *sharedRegion) ref() {
	r.lk.Lock()
	r.refs++
	r.lk.Unlock()
}

func (r *sharedRegion) unref() {
	r.lk.Lock()
	r.refs--
	r.lk.Unlock()
}

// sharedMemory is one handle on a region; duplicates share the backing
// slice, which is exactly the cross-"process" visibility the engine
// expects from driver memory.
type sharedMemory struct {
	region *sharedRegion
	lk     sync.Mutex
	closed bool
}

func (m *sharedMemory) Size() int {
	return len(m.region.buf)
}

func (m *sharedMemory) Duplicate() (weft.SharedMemory, error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.region.ref()
	return &sharedMemory{region: m.region}, nil
}

func (m *sharedMemory) Map() (weft.Mapping, error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return &mapping{buf: m.region.buf}, nil
}

func (m *sharedMemory) Close() error {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.region.unref()
	return nil
}

type mapping struct {
	buf []byte
}

func (mp *mapping) Bytes() []byte {
	return mp.buf
}

func (mp *mapping) Unmap() error {
	return nil
}
