package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClaimRoundTrip(t *testing.T) {
	in := Claim{Node: "3fa9c1d2", Addr: "127.0.0.1:6021", Rev: 7}
	out, err := decodeClaim(encodeClaim(in))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestClaimUnclaim(t *testing.T) {
	in := Claim{Node: "3fa9c1d2", Rev: 9, Unclaim: true}
	out, err := decodeClaim(encodeClaim(in))
	require.NoError(t, err)
	require.True(t, out.Unclaim)
	require.Equal(t, uint64(9), out.Rev)
}

func TestClaimRejectsGarbage(t *testing.T) {
	_, err := decodeClaim([]byte{0xFF, 0x01, 0x02})
	require.Error(t, err)
	_, err = decodeClaim(nil)
	require.Error(t, err, "empty payload has no node")
}

func TestRecordKeepsHighestRevision(t *testing.T) {
	d := &Directory{records: map[string]*record{}}
	d.record(Claim{Node: "n1", Addr: "a:1", Rev: 2})
	d.record(Claim{Node: "n1", Addr: "a:2", Rev: 1})
	addr, ok := d.Resolve("n1")
	require.True(t, ok)
	require.Equal(t, "a:1", addr, "stale revision must not override")

	d.record(Claim{Node: "n1", Rev: 3, Unclaim: true})
	_, ok = d.Resolve("n1")
	require.False(t, ok)
}
