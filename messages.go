package weft

import (
	"encoding/binary"

	"github.com/weftworks/weft/pkg/sequence"
)

// Wire protocol of a NodeLink. Every frame starts with a fixed header;
// bodies are fixed-layout little-endian with variable-length regions
// referenced by {offset,count} pairs from the start of the frame. Driver
// handles travel out-of-band in the transport's parallel handle array.

type messageID uint8

const (
	msgIDConnect                    messageID = 0
	msgIDRouteClosed                messageID = 2
	msgIDRequestIntroduction        messageID = 3
	msgIDIntroduceNode              messageID = 4
	msgIDInitiateProxyBypass        messageID = 5
	msgIDBypassProxy                messageID = 6
	msgIDBypassProxyToSameNode      messageID = 7
	msgIDStopProxying               messageID = 8
	msgIDStopProxyingToLocalPeer    messageID = 9
	msgIDProxyWillStop              messageID = 10
	msgIDDecayUnblocked             messageID = 11
	msgIDLogRouteTrace              messageID = 12
	msgIDAcceptParcel               messageID = 13
	msgIDAddFragmentAllocatorBuffer messageID = 14
	msgIDRequestMemory              messageID = 15
	msgIDProvideMemory              messageID = 16
	msgIDSetRouterLinkStateFragment messageID = 17
	msgIDFlushRouter                messageID = 18
	msgIDFlushLink                  messageID = 19
)

const (
	protocolVersion = 1

	// headerSize covers {size:u16, id:u8, version:u8, transportSeq:u64}.
	headerSize = 12

	descriptorWireSize = 56
)

func (id messageID) String() string {
	switch id {
	case msgIDConnect:
		return "Connect"
	case msgIDRouteClosed:
		return "RouteClosed"
	case msgIDRequestIntroduction:
		return "RequestIntroduction"
	case msgIDIntroduceNode:
		return "IntroduceNode"
	case msgIDInitiateProxyBypass:
		return "InitiateProxyBypass"
	case msgIDBypassProxy:
		return "BypassProxy"
	case msgIDBypassProxyToSameNode:
		return "BypassProxyToSameNode"
	case msgIDStopProxying:
		return "StopProxying"
	case msgIDStopProxyingToLocalPeer:
		return "StopProxyingToLocalPeer"
	case msgIDProxyWillStop:
		return "ProxyWillStop"
	case msgIDDecayUnblocked:
		return "DecayUnblocked"
	case msgIDLogRouteTrace:
		return "LogRouteTrace"
	case msgIDAcceptParcel:
		return "AcceptParcel"
	case msgIDAddFragmentAllocatorBuffer:
		return "AddFragmentAllocatorBuffer"
	case msgIDRequestMemory:
		return "RequestMemory"
	case msgIDProvideMemory:
		return "ProvideMemory"
	case msgIDSetRouterLinkStateFragment:
		return "SetRouterLinkStateFragment"
	case msgIDFlushRouter:
		return "FlushRouter"
	case msgIDFlushLink:
		return "FlushLink"
	default:
		return "Unknown"
	}
}

// wireWriter appends little-endian scalars to a frame under construction.
type wireWriter struct {
	b []byte
}

func newFrame(id messageID, seq uint64, bodyHint int) *wireWriter {
	w := &wireWriter{b: make([]byte, headerSize, headerSize+bodyHint)}
	w.b[2] = byte(id)
	w.b[3] = protocolVersion
	binary.LittleEndian.PutUint64(w.b[4:], seq)
	return w
}

func (w *wireWriter) u8(v uint8)   { w.b = append(w.b, v) }
func (w *wireWriter) u16(v uint16) { w.b = binary.LittleEndian.AppendUint16(w.b, v) }
func (w *wireWriter) u32(v uint32) { w.b = binary.LittleEndian.AppendUint32(w.b, v) }
func (w *wireWriter) u64(v uint64) { w.b = binary.LittleEndian.AppendUint64(w.b, v) }

func (w *wireWriter) name(n NodeName) { w.b = append(w.b, n[:]...) }
func (w *wireWriter) key(k BypassKey) { w.b = append(w.b, k[:]...) }

func (w *wireWriter) fragment(d FragmentDescriptor) {
	w.u64(uint64(d.Buffer))
	w.u32(d.Offset)
	w.u32(d.Size)
}

// finish stamps the whole frame length as the fixed-portion size and
// returns the frame.
func (w *wireWriter) finish() []byte {
	fixed := len(w.b)
	if fixed > 0xFFFF {
		fixed = 0xFFFF
	}
	binary.LittleEndian.PutUint16(w.b[0:], uint16(fixed))
	return w.b
}

// finishWithTrailer stamps fixedSize, which excludes the variable regions
// appended past it, and appends those regions.
func (w *wireWriter) finishWithTrailer(fixedSize int, trailer ...[]byte) []byte {
	binary.LittleEndian.PutUint16(w.b[0:], uint16(fixedSize))
	for _, t := range trailer {
		w.b = append(w.b, t...)
	}
	return w.b
}

// wireReader consumes little-endian scalars with sticky bounds checking.
type wireReader struct {
	b   []byte
	off int
	bad bool
}

func (r *wireReader) need(n int) bool {
	if r.bad || r.off+n > len(r.b) {
		r.bad = true
		return false
	}
	return true
}

func (r *wireReader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *wireReader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v
}

func (r *wireReader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *wireReader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v
}

func (r *wireReader) name() NodeName {
	var n NodeName
	if r.need(16) {
		copy(n[:], r.b[r.off:])
		r.off += 16
	}
	return n
}

func (r *wireReader) bypassKey() BypassKey {
	var k BypassKey
	if r.need(16) {
		copy(k[:], r.b[r.off:])
		r.off += 16
	}
	return k
}

func (r *wireReader) fragment() FragmentDescriptor {
	return FragmentDescriptor{
		Buffer: BufferID(r.u64()),
		Offset: r.u32(),
		Size:   r.u32(),
	}
}

type msgHeader struct {
	fixedSize    uint16
	id           messageID
	version      uint8
	transportSeq uint64
}

func decodeHeader(frame []byte) (msgHeader, bool) {
	if len(frame) < headerSize {
		return msgHeader{}, false
	}
	h := msgHeader{
		fixedSize:    binary.LittleEndian.Uint16(frame),
		id:           messageID(frame[2]),
		version:      frame[3],
		transportSeq: binary.LittleEndian.Uint64(frame[4:]),
	}
	if int(h.fixedSize) < headerSize || int(h.fixedSize) > len(frame) {
		return msgHeader{}, false
	}
	return h, true
}

func bodyReader(frame []byte) *wireReader {
	return &wireReader{b: frame, off: headerSize}
}

// --- message bodies ---

type msgConnect struct {
	Name              NodeName
	Version           uint32
	NumInitialPortals uint32
	LinkSide          LinkSide
	HasPrimaryBuffer  bool
}

func encodeConnect(seq uint64, m msgConnect) []byte {
	w := newFrame(msgIDConnect, seq, 32)
	w.name(m.Name)
	w.u32(m.Version)
	w.u32(m.NumInitialPortals)
	w.u8(uint8(m.LinkSide))
	if m.HasPrimaryBuffer {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.u16(0)
	return w.finish()
}

func decodeConnect(frame []byte) (m msgConnect, ok bool) {
	r := bodyReader(frame)
	m.Name = r.name()
	m.Version = r.u32()
	m.NumInitialPortals = r.u32()
	m.LinkSide = LinkSide(r.u8() & 1)
	m.HasPrimaryBuffer = r.u8() != 0
	return m, !r.bad
}

type msgRouteClosed struct {
	Sublink SublinkID
	SeqLen  sequence.Number
}

func encodeRouteClosed(seq uint64, m msgRouteClosed) []byte {
	w := newFrame(msgIDRouteClosed, seq, 16)
	w.u64(uint64(m.Sublink))
	w.u64(uint64(m.SeqLen))
	return w.finish()
}

func decodeRouteClosed(frame []byte) (m msgRouteClosed, ok bool) {
	r := bodyReader(frame)
	m.Sublink = SublinkID(r.u64())
	m.SeqLen = sequence.Number(r.u64())
	return m, !r.bad
}

type msgRequestIntroduction struct {
	Name NodeName
}

func encodeRequestIntroduction(seq uint64, m msgRequestIntroduction) []byte {
	w := newFrame(msgIDRequestIntroduction, seq, 16)
	w.name(m.Name)
	return w.finish()
}

func decodeRequestIntroduction(frame []byte) (m msgRequestIntroduction, ok bool) {
	r := bodyReader(frame)
	m.Name = r.name()
	return m, !r.bad
}

// IntroduceNode carries, when Known, two out-of-band handles: the
// transport for the new link and the primary buffer backing its memory.
type msgIntroduceNode struct {
	Name     NodeName
	Known    bool
	LinkSide LinkSide
}

func encodeIntroduceNode(seq uint64, m msgIntroduceNode) []byte {
	w := newFrame(msgIDIntroduceNode, seq, 24)
	w.name(m.Name)
	if m.Known {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.u8(uint8(m.LinkSide))
	w.u16(0)
	return w.finish()
}

func decodeIntroduceNode(frame []byte) (m msgIntroduceNode, ok bool) {
	r := bodyReader(frame)
	m.Name = r.name()
	m.Known = r.u8() != 0
	m.LinkSide = LinkSide(r.u8() & 1)
	return m, !r.bad
}

type msgInitiateProxyBypass struct {
	Sublink       SublinkID
	TargetNode    NodeName
	TargetSublink SublinkID
	Key           BypassKey
}

func encodeInitiateProxyBypass(seq uint64, m msgInitiateProxyBypass) []byte {
	w := newFrame(msgIDInitiateProxyBypass, seq, 48)
	w.u64(uint64(m.Sublink))
	w.name(m.TargetNode)
	w.u64(uint64(m.TargetSublink))
	w.key(m.Key)
	return w.finish()
}

func decodeInitiateProxyBypass(frame []byte) (m msgInitiateProxyBypass, ok bool) {
	r := bodyReader(frame)
	m.Sublink = SublinkID(r.u64())
	m.TargetNode = r.name()
	m.TargetSublink = SublinkID(r.u64())
	m.Key = r.bypassKey()
	return m, !r.bad
}

type msgBypassProxy struct {
	ProxyNode           NodeName
	ProxySublink        SublinkID
	NewSublink          SublinkID
	Key                 BypassKey
	ProxyOutboundSeqLen sequence.Number
	LinkState           FragmentDescriptor
}

func encodeBypassProxy(seq uint64, m msgBypassProxy) []byte {
	w := newFrame(msgIDBypassProxy, seq, 80)
	w.name(m.ProxyNode)
	w.u64(uint64(m.ProxySublink))
	w.u64(uint64(m.NewSublink))
	w.key(m.Key)
	w.u64(uint64(m.ProxyOutboundSeqLen))
	w.fragment(m.LinkState)
	return w.finish()
}

func decodeBypassProxy(frame []byte) (m msgBypassProxy, ok bool) {
	r := bodyReader(frame)
	m.ProxyNode = r.name()
	m.ProxySublink = SublinkID(r.u64())
	m.NewSublink = SublinkID(r.u64())
	m.Key = r.bypassKey()
	m.ProxyOutboundSeqLen = sequence.Number(r.u64())
	m.LinkState = r.fragment()
	return m, !r.bad
}

type msgBypassProxyToSameNode struct {
	Sublink       SublinkID
	NewSublink    SublinkID
	NewLinkState  FragmentDescriptor
	InboundSeqLen sequence.Number
}

func encodeBypassProxyToSameNode(seq uint64, m msgBypassProxyToSameNode) []byte {
	w := newFrame(msgIDBypassProxyToSameNode, seq, 48)
	w.u64(uint64(m.Sublink))
	w.u64(uint64(m.NewSublink))
	w.fragment(m.NewLinkState)
	w.u64(uint64(m.InboundSeqLen))
	return w.finish()
}

func decodeBypassProxyToSameNode(frame []byte) (m msgBypassProxyToSameNode, ok bool) {
	r := bodyReader(frame)
	m.Sublink = SublinkID(r.u64())
	m.NewSublink = SublinkID(r.u64())
	m.NewLinkState = r.fragment()
	m.InboundSeqLen = sequence.Number(r.u64())
	return m, !r.bad
}

type msgStopProxying struct {
	Sublink        SublinkID
	InboundSeqLen  sequence.Number
	OutboundSeqLen sequence.Number
}

func encodeStopProxying(seq uint64, m msgStopProxying) []byte {
	w := newFrame(msgIDStopProxying, seq, 24)
	w.u64(uint64(m.Sublink))
	w.u64(uint64(m.InboundSeqLen))
	w.u64(uint64(m.OutboundSeqLen))
	return w.finish()
}

func decodeStopProxying(frame []byte) (m msgStopProxying, ok bool) {
	r := bodyReader(frame)
	m.Sublink = SublinkID(r.u64())
	m.InboundSeqLen = sequence.Number(r.u64())
	m.OutboundSeqLen = sequence.Number(r.u64())
	return m, !r.bad
}

type msgStopProxyingToLocalPeer struct {
	Sublink        SublinkID
	OutboundSeqLen sequence.Number
}

func encodeStopProxyingToLocalPeer(seq uint64, m msgStopProxyingToLocalPeer) []byte {
	w := newFrame(msgIDStopProxyingToLocalPeer, seq, 16)
	w.u64(uint64(m.Sublink))
	w.u64(uint64(m.OutboundSeqLen))
	return w.finish()
}

func decodeStopProxyingToLocalPeer(frame []byte) (m msgStopProxyingToLocalPeer, ok bool) {
	r := bodyReader(frame)
	m.Sublink = SublinkID(r.u64())
	m.OutboundSeqLen = sequence.Number(r.u64())
	return m, !r.bad
}

type msgProxyWillStop struct {
	Sublink       SublinkID
	InboundSeqLen sequence.Number
}

func encodeProxyWillStop(seq uint64, m msgProxyWillStop) []byte {
	w := newFrame(msgIDProxyWillStop, seq, 16)
	w.u64(uint64(m.Sublink))
	w.u64(uint64(m.InboundSeqLen))
	return w.finish()
}

func decodeProxyWillStop(frame []byte) (m msgProxyWillStop, ok bool) {
	r := bodyReader(frame)
	m.Sublink = SublinkID(r.u64())
	m.InboundSeqLen = sequence.Number(r.u64())
	return m, !r.bad
}

// sublinkOnly covers DecayUnblocked, LogRouteTrace, FlushRouter and
// FlushLink, whose bodies are a bare sublink.
type sublinkOnly struct {
	Sublink SublinkID
}

func encodeSublinkOnly(id messageID, seq uint64, sublink SublinkID) []byte {
	w := newFrame(id, seq, 8)
	w.u64(uint64(sublink))
	return w.finish()
}

func decodeSublinkOnly(frame []byte) (m sublinkOnly, ok bool) {
	r := bodyReader(frame)
	m.Sublink = SublinkID(r.u64())
	return m, !r.bad
}

// routerDescriptor is the wire form of a portal in transit: everything a
// receiving node needs to construct a Router and splice it into the
// route.
type routerDescriptor struct {
	// Sublink is freshly allocated on the carrying NodeLink; the sender
	// binds its proxy to it and the receiver binds the new router.
	Sublink   SublinkID
	LinkState FragmentDescriptor

	Side       Side
	PeerClosed bool
	// ClosedSeqLen is meaningful when PeerClosed: the inbound direction's
	// final sequence length.
	ClosedSeqLen sequence.Number

	// NextOutgoingSeq seeds the new router's outbound counter;
	// NextIncomingSeq is the base of its inbound queue.
	NextOutgoingSeq sequence.Number
	NextIncomingSeq sequence.Number
}

func appendDescriptor(b []byte, d routerDescriptor) []byte {
	b = binary.LittleEndian.AppendUint64(b, uint64(d.Sublink))
	b = binary.LittleEndian.AppendUint64(b, uint64(d.LinkState.Buffer))
	b = binary.LittleEndian.AppendUint32(b, d.LinkState.Offset)
	b = binary.LittleEndian.AppendUint32(b, d.LinkState.Size)
	var flags uint8
	if d.PeerClosed {
		flags = 1
	}
	b = append(b, uint8(d.Side), flags, 0, 0, 0, 0, 0, 0)
	b = binary.LittleEndian.AppendUint64(b, uint64(d.ClosedSeqLen))
	b = binary.LittleEndian.AppendUint64(b, uint64(d.NextOutgoingSeq))
	b = binary.LittleEndian.AppendUint64(b, uint64(d.NextIncomingSeq))
	return b
}

func readDescriptor(b []byte) (d routerDescriptor, ok bool) {
	if len(b) < descriptorWireSize {
		return d, false
	}
	d.Sublink = SublinkID(binary.LittleEndian.Uint64(b))
	d.LinkState.Buffer = BufferID(binary.LittleEndian.Uint64(b[8:]))
	d.LinkState.Offset = binary.LittleEndian.Uint32(b[16:])
	d.LinkState.Size = binary.LittleEndian.Uint32(b[20:])
	d.Side = Side(b[24] & 1)
	d.PeerClosed = b[25] != 0
	d.ClosedSeqLen = sequence.Number(binary.LittleEndian.Uint64(b[32:]))
	d.NextOutgoingSeq = sequence.Number(binary.LittleEndian.Uint64(b[40:]))
	d.NextIncomingSeq = sequence.Number(binary.LittleEndian.Uint64(b[48:]))
	return d, true
}

// msgAcceptParcel's fixed portion records {offset,count} pairs locating
// the payload bytes and the descriptor array within the frame.
type msgAcceptParcel struct {
	Sublink     SublinkID
	Seq         sequence.Number
	Data        []byte
	Descriptors []routerDescriptor
	NumHandles  uint32
}

func encodeAcceptParcel(seq uint64, m msgAcceptParcel) []byte {
	const fixed = headerSize + 8 + 8 + 4 + 4 + 4 + 4 + 4 + 4
	w := newFrame(msgIDAcceptParcel, seq, fixed+len(m.Data)+len(m.Descriptors)*descriptorWireSize)
	w.u64(uint64(m.Sublink))
	w.u64(uint64(m.Seq))
	dataOff := fixed
	descOff := dataOff + len(m.Data)
	w.u32(uint32(dataOff))
	w.u32(uint32(len(m.Data)))
	w.u32(uint32(descOff))
	w.u32(uint32(len(m.Descriptors)))
	w.u32(m.NumHandles)
	w.u32(0)
	descs := make([]byte, 0, len(m.Descriptors)*descriptorWireSize)
	for _, d := range m.Descriptors {
		descs = appendDescriptor(descs, d)
	}
	return w.finishWithTrailer(fixed, m.Data, descs)
}

func decodeAcceptParcel(frame []byte) (m msgAcceptParcel, ok bool) {
	r := bodyReader(frame)
	m.Sublink = SublinkID(r.u64())
	m.Seq = sequence.Number(r.u64())
	dataOff := int(r.u32())
	dataLen := int(r.u32())
	descOff := int(r.u32())
	descCount := int(r.u32())
	m.NumHandles = r.u32()
	if r.bad {
		return m, false
	}
	if dataOff < 0 || dataLen < 0 || dataOff+dataLen > len(frame) {
		return m, false
	}
	if descCount < 0 || descCount > 4096 ||
		descOff < 0 || descOff+descCount*descriptorWireSize > len(frame) {
		return m, false
	}
	m.Data = frame[dataOff : dataOff+dataLen]
	for i := 0; i < descCount; i++ {
		d, dok := readDescriptor(frame[descOff+i*descriptorWireSize:])
		if !dok {
			return m, false
		}
		m.Descriptors = append(m.Descriptors, d)
	}
	return m, true
}

// msgAddBuffer covers AddFragmentAllocatorBuffer and ProvideMemory; the
// shared-memory handle rides out-of-band.
type msgAddBuffer struct {
	BufferID BufferID
	Size     uint32
}

func encodeAddBuffer(id messageID, seq uint64, m msgAddBuffer) []byte {
	w := newFrame(id, seq, 16)
	w.u64(uint64(m.BufferID))
	w.u32(m.Size)
	w.u32(0)
	return w.finish()
}

func decodeAddBuffer(frame []byte) (m msgAddBuffer, ok bool) {
	r := bodyReader(frame)
	m.BufferID = BufferID(r.u64())
	m.Size = r.u32()
	return m, !r.bad
}

type msgRequestMemory struct {
	Size uint32
}

func encodeRequestMemory(seq uint64, m msgRequestMemory) []byte {
	w := newFrame(msgIDRequestMemory, seq, 8)
	w.u32(m.Size)
	w.u32(0)
	return w.finish()
}

func decodeRequestMemory(frame []byte) (m msgRequestMemory, ok bool) {
	r := bodyReader(frame)
	m.Size = r.u32()
	return m, !r.bad
}

type msgSetRouterLinkStateFragment struct {
	Sublink   SublinkID
	LinkState FragmentDescriptor
}

func encodeSetRouterLinkStateFragment(seq uint64, m msgSetRouterLinkStateFragment) []byte {
	w := newFrame(msgIDSetRouterLinkStateFragment, seq, 24)
	w.u64(uint64(m.Sublink))
	w.fragment(m.LinkState)
	return w.finish()
}

func decodeSetRouterLinkStateFragment(frame []byte) (m msgSetRouterLinkStateFragment, ok bool) {
	r := bodyReader(frame)
	m.Sublink = SublinkID(r.u64())
	m.LinkState = r.fragment()
	return m, !r.bad
}
