package quicdriver

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/quic-go/quic-go"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/weftworks/weft"
)

const maxFrameSize = 16 << 20

var errFrameTooLarge = errors.New("quicdriver: frame exceeds limit")

// Stream framing: every frame is a protowire varint length prefix
// followed by that many payload bytes.

func writeFrame(stream quic.Stream, payload []byte) error {
	buf := protowire.AppendVarint(nil, uint64(len(payload)))
	buf = append(buf, payload...)
	_, err := stream.Write(buf)
	return err
}

func readFrame(stream quic.ReceiveStream) ([]byte, error) {
	var hdr [binary.MaxVarintLen64]byte
	n := 0
	for {
		if _, err := io.ReadFull(stream, hdr[n:n+1]); err != nil {
			return nil, err
		}
		if hdr[n] < 0x80 {
			n++
			break
		}
		n++
		if n == len(hdr) {
			return nil, ErrProtocolViolation
		}
	}
	size, consumed := protowire.ConsumeVarint(hdr[:n])
	if err := protowire.ParseError(consumed); err != nil {
		return nil, err
	}
	if size > maxFrameSize {
		return nil, errFrameTooLarge
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(stream, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Payload encoding: {numHandles varint, handles..., data}. Each handle is
// {kind u8, len varint, body}, with bodies produced by the same handle
// serialization the Driver interface exposes.

const (
	handleKindSharedMemory = 1
	handleKindTransport    = 2
)

func encodePayload(d *Driver, data []byte, handles []weft.DriverHandle) ([]byte, error) {
	out := protowire.AppendVarint(nil, uint64(len(handles)))
	for _, h := range handles {
		kind, body, err := d.serializeHandleInline(h)
		if err != nil {
			return nil, err
		}
		out = append(out, kind)
		out = protowire.AppendVarint(out, uint64(len(body)))
		out = append(out, body...)
	}
	return append(out, data...), nil
}

func decodePayload(d *Driver, payload []byte) (data []byte, handles []weft.DriverHandle, err error) {
	count, n := protowire.ConsumeVarint(payload)
	if err := protowire.ParseError(n); err != nil {
		return nil, nil, err
	}
	rest := payload[n:]
	if count > 1024 {
		return nil, nil, ErrProtocolViolation
	}
	for i := uint64(0); i < count; i++ {
		if len(rest) < 1 {
			return nil, nil, ErrProtocolViolation
		}
		kind := rest[0]
		size, n := protowire.ConsumeVarint(rest[1:])
		if err := protowire.ParseError(n); err != nil {
			return nil, nil, err
		}
		rest = rest[1+n:]
		if uint64(len(rest)) < size {
			return nil, nil, ErrProtocolViolation
		}
		h, err := d.deserializeHandleInline(kind, rest[:size])
		if err != nil {
			return nil, nil, err
		}
		handles = append(handles, h)
		rest = rest[size:]
	}
	return rest, handles, nil
}
