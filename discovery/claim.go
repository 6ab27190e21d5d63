package discovery

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

// Claim announces where a weft node can be dialed. Claims gossip through
// serf user events and answer resolution queries; higher revisions of
// the same node win.
type Claim struct {
	Node    string
	Addr    string
	Rev     uint64
	Unclaim bool
}

var errBadClaim = errors.New("discovery: malformed claim payload")

const (
	fieldNode    = 1
	fieldAddr    = 2
	fieldRev     = 3
	fieldUnclaim = 4
)

func encodeClaim(c Claim) []byte {
	b := protowire.AppendTag(nil, fieldNode, protowire.BytesType)
	b = protowire.AppendString(b, c.Node)
	b = protowire.AppendTag(b, fieldAddr, protowire.BytesType)
	b = protowire.AppendString(b, c.Addr)
	b = protowire.AppendTag(b, fieldRev, protowire.VarintType)
	b = protowire.AppendVarint(b, c.Rev)
	if c.Unclaim {
		b = protowire.AppendTag(b, fieldUnclaim, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

func decodeClaim(payload []byte) (Claim, error) {
	var c Claim
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if err := protowire.ParseError(n); err != nil {
			return c, errBadClaim
		}
		payload = payload[n:]
		switch {
		case num == fieldNode && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(payload)
			if err := protowire.ParseError(n); err != nil {
				return c, errBadClaim
			}
			c.Node = v
			payload = payload[n:]
		case num == fieldAddr && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(payload)
			if err := protowire.ParseError(n); err != nil {
				return c, errBadClaim
			}
			c.Addr = v
			payload = payload[n:]
		case num == fieldRev && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(payload)
			if err := protowire.ParseError(n); err != nil {
				return c, errBadClaim
			}
			c.Rev = v
			payload = payload[n:]
		case num == fieldUnclaim && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(payload)
			if err := protowire.ParseError(n); err != nil {
				return c, errBadClaim
			}
			c.Unclaim = v != 0
			payload = payload[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, payload)
			if err := protowire.ParseError(n); err != nil {
				return c, errBadClaim
			}
			payload = payload[n:]
		}
	}
	if c.Node == "" {
		return c, errBadClaim
	}
	return c, nil
}
