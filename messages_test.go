package weft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcceptParcelRoundTrip(t *testing.T) {
	in := msgAcceptParcel{
		Sublink: 77,
		Seq:     123456,
		Data:    []byte("payload bytes"),
		Descriptors: []routerDescriptor{
			{
				Sublink:         901,
				LinkState:       FragmentDescriptor{Buffer: 3, Offset: 640, Size: RouterLinkStateSize},
				Side:            SideB,
				PeerClosed:      true,
				ClosedSeqLen:    42,
				NextOutgoingSeq: 40,
				NextIncomingSeq: 17,
			},
			{Sublink: 903, Side: SideA, NextOutgoingSeq: 1},
		},
		NumHandles: 2,
	}
	frame := encodeAcceptParcel(99, in)

	h, ok := decodeHeader(frame)
	require.True(t, ok)
	require.Equal(t, msgIDAcceptParcel, h.id)
	require.Equal(t, uint64(99), h.transportSeq)
	require.Equal(t, uint8(protocolVersion), h.version)

	out, ok := decodeAcceptParcel(frame)
	require.True(t, ok)
	require.Equal(t, in.Sublink, out.Sublink)
	require.Equal(t, in.Seq, out.Seq)
	require.Equal(t, in.Data, out.Data)
	require.Equal(t, in.NumHandles, out.NumHandles)
	require.Equal(t, in.Descriptors, out.Descriptors)
}

func TestAcceptParcelRejectsBadRegions(t *testing.T) {
	frame := encodeAcceptParcel(0, msgAcceptParcel{Sublink: 1, Data: []byte("abc")})
	// Corrupt the data region length so it runs past the frame.
	frame[headerSize+16+4] = 0xFF
	_, ok := decodeAcceptParcel(frame)
	require.False(t, ok)
}

func TestBypassProxyRoundTrip(t *testing.T) {
	in := msgBypassProxy{
		ProxyNode:           RandomNodeName(),
		ProxySublink:        11,
		NewSublink:          301,
		Key:                 RandomBypassKey(),
		ProxyOutboundSeqLen: 88,
		LinkState:           FragmentDescriptor{Buffer: 1, Offset: 128, Size: RouterLinkStateSize},
	}
	out, ok := decodeBypassProxy(encodeBypassProxy(5, in))
	require.True(t, ok)
	require.Equal(t, in, out)
}

func TestConnectRoundTrip(t *testing.T) {
	in := msgConnect{
		Name:              RandomNodeName(),
		Version:           protocolVersion,
		NumInitialPortals: 2,
		LinkSide:          LinkSideB,
		HasPrimaryBuffer:  true,
	}
	out, ok := decodeConnect(encodeConnect(0, in))
	require.True(t, ok)
	require.Equal(t, in, out)
}

func TestHeaderRejectsTruncation(t *testing.T) {
	frame := encodeRouteClosed(3, msgRouteClosed{Sublink: 9, SeqLen: 10})
	for cut := 0; cut < headerSize; cut++ {
		_, ok := decodeHeader(frame[:cut])
		require.False(t, ok, "cut=%d", cut)
	}
	_, ok := decodeRouteClosed(frame[:headerSize+4])
	require.False(t, ok, "truncated body")
}

func TestSublinkOnlyMessages(t *testing.T) {
	frame := encodeSublinkOnly(msgIDFlushRouter, 7, 1234)
	h, ok := decodeHeader(frame)
	require.True(t, ok)
	require.Equal(t, msgIDFlushRouter, h.id)
	m, ok := decodeSublinkOnly(frame)
	require.True(t, ok)
	require.Equal(t, SublinkID(1234), m.Sublink)
}
