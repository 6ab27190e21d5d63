package quicdriver

import (
	"strings"
	"sync"

	"github.com/quic-go/quic-go"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/weftworks/weft"
)

type transportRole uint8

const (
	// roleListen halves wait for a peer stream presenting their token.
	roleListen transportRole = iota

	// roleDial halves open a stream to dialAddr and present the token.
	roleDial

	// rolePair halves were minted by CreateTransports; their traffic is
	// relayed by the minting process for the life of the pair.
	rolePair
)

// transport is one weft.Transport half. Frames queue until a QUIC stream
// (or a local relay party) is bound; the engine tolerates the latency
// because routers buffer while links settle.
type transport struct {
	drv      *Driver
	token    string
	role     transportRole
	dialAddr string
	pairIdx  int
	// dialTokenIsRelay marks a deserialized pair half, which presents a
	// relay init frame rather than a reservation token.
	dialTokenIsRelay bool

	lk         sync.Mutex
	handler    weft.TransportHandler
	active     bool
	closed     bool
	serialized bool
	stream     quic.Stream
	pendingTx  [][]byte
	pendingRx  [][]byte
}

var _ weft.Transport = (*transport)(nil)

// CreateTransports mints an entangled pair for introductions. Each half
// serializes into a dial ticket back to this process, which relays
// frames between the two sides.
func (d *Driver) CreateTransports() (weft.Transport, weft.Transport, error) {
	if d.gracefulTerm.Load() {
		return nil, nil, ErrShutdown
	}
	token := newToken()
	t0 := &transport{drv: d, token: token, role: rolePair, pairIdx: 0}
	t1 := &transport{drv: d, token: token, role: rolePair, pairIdx: 1}
	d.lk.Lock()
	d.relays[token] = newRelay(d, token)
	d.lk.Unlock()
	return t0, t1, nil
}

// ListenTransport reserves a rendezvous and returns the transport half
// plus the ticket a remote process dials with. This is the out-of-band
// bootstrap used before any broker exists.
func (d *Driver) ListenTransport() (weft.Transport, string, error) {
	if d.gracefulTerm.Load() {
		return nil, "", ErrShutdown
	}
	token := newToken()
	t := &transport{drv: d, token: token, role: roleListen}
	d.lk.Lock()
	d.reservations[token] = t
	d.lk.Unlock()
	return t, d.AdvertiseAddr() + "/" + token, nil
}

// DialTransport opens the other end of a ListenTransport ticket.
func (d *Driver) DialTransport(ticket string) (weft.Transport, error) {
	addr, token, ok := splitTicket(ticket)
	if !ok {
		return nil, ErrProtocolViolation
	}
	return &transport{drv: d, token: token, role: roleDial, dialAddr: addr}, nil
}

func splitTicket(ticket string) (addr, token string, ok bool) {
	i := strings.LastIndexByte(ticket, '/')
	if i <= 0 || i == len(ticket)-1 {
		return "", "", false
	}
	return ticket[:i], ticket[i+1:], true
}

func (t *transport) Activate(handler weft.TransportHandler) error {
	t.lk.Lock()
	if t.closed {
		t.lk.Unlock()
		return ErrShutdown
	}
	t.active = true
	t.handler = handler
	stream := t.stream
	backlog := t.pendingRx
	t.pendingRx = nil
	t.lk.Unlock()

	for _, payload := range backlog {
		t.deliver(payload)
	}
	switch {
	case stream != nil:
		go t.readLoop(stream)
	case t.role == roleDial:
		go t.drv.connectTicket(t)
	case t.role == rolePair && !t.serialized:
		// Used in the minting process itself: join the relay directly.
		t.drv.joinRelayLocal(t)
	}
	return nil
}

func (t *transport) Deactivate() {
	t.lk.Lock()
	if t.closed {
		t.lk.Unlock()
		return
	}
	t.closed = true
	handler := t.handler
	stream := t.stream
	t.lk.Unlock()
	if stream != nil {
		stream.CancelRead(qerrStreamClosed)
		stream.Close()
	}
	if handler.Deactivated != nil {
		handler.Deactivated()
	}
}

func (t *transport) Close() error {
	t.Deactivate()
	return nil
}

func (t *transport) Transmit(data []byte, handles []weft.DriverHandle) error {
	payload, err := encodePayload(t.drv, data, handles)
	if err != nil {
		return err
	}
	t.drv.msink.IncrCounter(MetricFrameOutBytes, float32(len(payload)))
	t.lk.Lock()
	if t.closed {
		t.lk.Unlock()
		return ErrShutdown
	}
	if t.stream == nil {
		if t.role == rolePair && !t.serialized && t.active {
			t.lk.Unlock()
			return t.drv.relayForward(t.token, t.pairIdx, payload)
		}
		t.pendingTx = append(t.pendingTx, payload)
		t.lk.Unlock()
		return nil
	}
	stream := t.stream
	t.lk.Unlock()
	return writeFrame(stream, payload)
}

// bindStream attaches the established QUIC stream and flushes queued
// frames.
func (t *transport) bindStream(stream quic.Stream) {
	t.lk.Lock()
	if t.closed {
		t.lk.Unlock()
		stream.CancelRead(qerrStreamClosed)
		stream.Close()
		return
	}
	t.stream = stream
	pending := t.pendingTx
	t.pendingTx = nil
	active := t.active
	t.lk.Unlock()

	for _, payload := range pending {
		if err := writeFrame(stream, payload); err != nil {
			t.fail(err)
			return
		}
	}
	if active {
		go t.readLoop(stream)
	}
}

func (t *transport) readLoop(stream quic.Stream) {
	for {
		payload, err := readFrame(stream)
		if err != nil {
			t.lk.Lock()
			closed := t.closed
			handler := t.handler
			t.lk.Unlock()
			if !closed && handler.Error != nil {
				handler.Error(err)
			}
			return
		}
		t.drv.msink.IncrCounter(MetricFrameInBytes, float32(len(payload)))
		t.deliver(payload)
	}
}

// deliver decodes one payload and hands it to the activity handler, or
// queues it while the transport is not yet active.
func (t *transport) deliver(payload []byte) {
	t.lk.Lock()
	if !t.active {
		t.pendingRx = append(t.pendingRx, payload)
		t.lk.Unlock()
		return
	}
	handler := t.handler
	t.lk.Unlock()
	data, handles, err := decodePayload(t.drv, payload)
	if err != nil {
		if handler.Error != nil {
			handler.Error(err)
		}
		return
	}
	if handler.Receive != nil {
		if err := handler.Receive(data, handles); err != nil {
			t.Deactivate()
		}
	}
}

func (t *transport) fail(err error) {
	t.lk.Lock()
	handler := t.handler
	closed := t.closed
	t.lk.Unlock()
	if !closed && handler.Error != nil {
		handler.Error(err)
	}
}

// --- handle serialization ---

// serializeHandleInline encodes a driver handle for in-frame transfer.
func (d *Driver) serializeHandleInline(h weft.DriverHandle) (kind uint8, body []byte, err error) {
	switch v := h.(type) {
	case *sharedMemory:
		body = protowire.AppendVarint(nil, uint64(v.size))
		body = append(body, v.path...)
		return handleKindSharedMemory, body, nil
	case *transport:
		v.lk.Lock()
		if v.serialized || v.stream != nil || v.role != rolePair {
			v.lk.Unlock()
			return 0, nil, ErrNotPairable
		}
		v.serialized = true
		v.lk.Unlock()
		body = protowire.AppendVarint(nil, uint64(v.pairIdx))
		body = append(body, d.AdvertiseAddr()+"/"+v.token...)
		return handleKindTransport, body, nil
	default:
		return 0, nil, ErrProtocolViolation
	}
}

func (d *Driver) deserializeHandleInline(kind uint8, body []byte) (weft.DriverHandle, error) {
	switch kind {
	case handleKindSharedMemory:
		size, n := protowire.ConsumeVarint(body)
		if err := protowire.ParseError(n); err != nil {
			return nil, err
		}
		return &sharedMemory{drv: d, path: string(body[n:]), size: int(size)}, nil
	case handleKindTransport:
		idx, n := protowire.ConsumeVarint(body)
		if err := protowire.ParseError(n); err != nil {
			return nil, err
		}
		addr, token, ok := splitTicket(string(body[n:]))
		if !ok || idx > 1 {
			return nil, ErrProtocolViolation
		}
		return &transport{
			drv:              d,
			token:            token,
			role:             roleDial,
			dialAddr:         addr,
			pairIdx:          int(idx),
			dialTokenIsRelay: true,
		}, nil
	default:
		return nil, ErrProtocolViolation
	}
}

// SerializeHandle implements the Driver contract for callers that move
// handles out of band.
func (d *Driver) SerializeHandle(h weft.DriverHandle) ([]byte, error) {
	kind, body, err := d.serializeHandleInline(h)
	if err != nil {
		return nil, err
	}
	return append([]byte{kind}, body...), nil
}

func (d *Driver) DeserializeHandle(data []byte) (weft.DriverHandle, error) {
	if len(data) < 1 {
		return nil, ErrProtocolViolation
	}
	return d.deserializeHandleInline(data[0], data[1:])
}
