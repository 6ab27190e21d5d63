package weft

import (
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/memdriver"
)

// connectNodes wires two nodes over a fresh memdriver transport pair and
// returns one initial portal on each side.
func connectNodes(t *testing.T, drv *memdriver.Driver, a, b *Node, brokerSide bool) (*Portal, *Portal) {
	t.Helper()
	t1, t2, err := drv.CreateTransports()
	require.NoError(t, err)
	pa, err := a.ConnectToNode(t1, ConnectOptions{InitialPortals: 1})
	require.NoError(t, err)
	pb, err := b.ConnectToNode(t2, ConnectOptions{InitialPortals: 1, PeerIsBroker: brokerSide})
	require.NoError(t, err)
	return pa[0], pb[0]
}

func awaitParcels(t *testing.T, p *Portal, want uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := p.Status()
		return err == nil && st.AvailableParcels >= want
	}, 5*time.Second, time.Millisecond)
}

func newMeshNode(t *testing.T, drv *memdriver.Driver) *Node {
	t.Helper()
	n, err := NewNode(drv, WithMetricSink(&metrics.BlackholeSink{}))
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func TestCrossNodeEcho(t *testing.T) {
	drv := memdriver.New()
	nx := newMeshNode(t, drv)
	ny := newMeshNode(t, drv)
	px, py := connectNodes(t, drv, nx, ny, false)

	require.NoError(t, px.Put([]byte("over the wire"), nil, nil, nil))
	awaitParcels(t, py, 1)
	data, _, _, err := py.Get()
	require.NoError(t, err)
	require.Equal(t, "over the wire", string(data))

	require.NoError(t, py.Put([]byte("and back"), nil, nil, nil))
	awaitParcels(t, px, 1)
	data, _, _, err = px.Get()
	require.NoError(t, err)
	require.Equal(t, "and back", string(data))
}

func TestCrossNodeOrderingUnderLoad(t *testing.T) {
	drv := memdriver.New()
	nx := newMeshNode(t, drv)
	ny := newMeshNode(t, drv)
	px, py := connectNodes(t, drv, nx, ny, false)

	const count = 200
	for i := 0; i < count; i++ {
		require.NoError(t, px.Put([]byte{byte(i)}, nil, nil, nil))
	}
	awaitParcels(t, py, count)
	for i := 0; i < count; i++ {
		data, _, _, err := py.Get()
		require.NoError(t, err)
		require.Equal(t, byte(i), data[0])
	}
}

func TestCrossNodeClosure(t *testing.T) {
	drv := memdriver.New()
	nx := newMeshNode(t, drv)
	ny := newMeshNode(t, drv)
	px, py := connectNodes(t, drv, nx, ny, false)

	require.NoError(t, px.Put([]byte("last words"), nil, nil, nil))
	require.NoError(t, px.Close())

	require.Eventually(t, func() bool {
		st, err := py.Status()
		return err == nil && st.Bits&StatusPeerClosed != 0
	}, 5*time.Second, time.Millisecond)

	data, _, _, err := py.Get()
	require.NoError(t, err)
	require.Equal(t, "last words", string(data))
	_, _, _, err = py.Get()
	require.ErrorIs(t, err, ErrNotFound)
}

// TestProxyDecaySameNode transfers one end of a local pair to another
// node: the proxy left behind shares a node with the remaining endpoint,
// which exercises the same-node bypass variant.
func TestProxyDecaySameNode(t *testing.T) {
	drv := memdriver.New()
	nx := newMeshNode(t, drv)
	ny := newMeshNode(t, drv)
	px, py := connectNodes(t, drv, nx, ny, false)

	a, b := nx.OpenPortals()
	proxyRouter := b.router

	require.NoError(t, px.Put([]byte("moving b"), []*Portal{b}, nil, nil))

	// Race the transfer on purpose: these must still arrive in order.
	require.NoError(t, a.Put([]byte("a"), nil, nil, nil))
	require.NoError(t, a.Put([]byte("b"), nil, nil, nil))

	awaitParcels(t, py, 1)
	data, portals, _, err := py.Get()
	require.NoError(t, err)
	require.Equal(t, "moving b", string(data))
	require.Len(t, portals, 1)
	b2 := portals[0]

	awaitParcels(t, b2, 2)

	// The proxy must retire and leave a direct remote route behind.
	require.Eventually(t, func() bool {
		return proxyRouter.Mode() == RoutingModeDead
	}, 5*time.Second, time.Millisecond, "proxy never retired")
	require.Eventually(t, func() bool {
		a.router.mu.Lock()
		defer a.router.mu.Unlock()
		_, remote := a.router.outward.link.(*remoteLink)
		return remote && len(a.router.outward.decaying) == 0
	}, 5*time.Second, time.Millisecond, "endpoint still routes through the old path")

	require.NoError(t, a.Put([]byte("c"), nil, nil, nil))
	awaitParcels(t, b2, 3)
	for _, want := range []string{"a", "b", "c"} {
		data, _, _, err := b2.Get()
		require.NoError(t, err)
		require.Equal(t, want, string(data))
	}

	// And the direct route works backwards too.
	require.NoError(t, b2.Put([]byte("up"), nil, nil, nil))
	awaitParcels(t, a, 1)
	data, _, _, err = a.Get()
	require.NoError(t, err)
	require.Equal(t, "up", string(data))
}

// TestProxyDecayAcrossThreeNodes moves both ends of a pair off the node
// that created them: the second transfer leaves a proxy whose neighbours
// live on two other nodes, exercising the keyed bypass with a broker
// introduction between the new endpoints.
func TestProxyDecayAcrossThreeNodes(t *testing.T) {
	drv := memdriver.New()
	nx := newMeshNode(t, drv) // broker
	ny := newMeshNode(t, drv)
	nz := newMeshNode(t, drv)
	pxy, pyx := connectNodes(t, drv, nx, ny, true)
	pxz, pzx := connectNodes(t, drv, nx, nz, true)

	a, b := nx.OpenPortals()

	// First hop: b moves to Y; the proxy collapses same-node.
	require.NoError(t, pxy.Put(nil, []*Portal{b}, nil, nil))
	awaitParcels(t, pyx, 1)
	_, portals, _, err := pyx.Get()
	require.NoError(t, err)
	b2 := portals[0]

	require.NoError(t, a.Put([]byte("m1"), nil, nil, nil))

	// Second hop: a moves to Z while its peer sits on Y. The proxy on X
	// now has remote neighbours on both sides.
	aProxy := a.router
	require.NoError(t, pxz.Put(nil, []*Portal{a}, nil, nil))
	awaitParcels(t, pzx, 1)
	_, portals, _, err = pzx.Get()
	require.NoError(t, err)
	a2 := portals[0]

	require.NoError(t, a2.Put([]byte("m2"), nil, nil, nil))

	awaitParcels(t, b2, 2)
	for _, want := range []string{"m1", "m2"} {
		data, _, _, err := b2.Get()
		require.NoError(t, err)
		require.Equal(t, want, string(data))
	}

	require.Eventually(t, func() bool {
		return aProxy.Mode() == RoutingModeDead
	}, 5*time.Second, time.Millisecond, "keyed bypass never retired the proxy")

	// Y and Z must now be directly linked.
	require.Eventually(t, func() bool {
		return ny.linkTo(nz.Name()) != nil && nz.linkTo(ny.Name()) != nil
	}, 5*time.Second, time.Millisecond, "no direct link between the endpoints")

	require.Eventually(t, func() bool {
		a2.router.mu.Lock()
		defer a2.router.mu.Unlock()
		rl, remote := a2.router.outward.link.(*remoteLink)
		return remote && rl.nl.RemoteNodeName() == ny.Name() &&
			len(a2.router.outward.decaying) == 0
	}, 5*time.Second, time.Millisecond, "endpoint still proxied")

	require.NoError(t, b2.Put([]byte("r1"), nil, nil, nil))
	awaitParcels(t, a2, 1)
	data, _, _, err := a2.Get()
	require.NoError(t, err)
	require.Equal(t, "r1", string(data))
}

func TestNodeCloseSeversRoutes(t *testing.T) {
	drv := memdriver.New()
	nx := newMeshNode(t, drv)
	ny := newMeshNode(t, drv)
	px, py := connectNodes(t, drv, nx, ny, false)
	_ = px

	require.NoError(t, ny.Close())
	require.Eventually(t, func() bool {
		st, err := px.Status()
		return err == nil && st.Bits&StatusDead != 0
	}, 5*time.Second, time.Millisecond)
	_ = py
}

// TestTransportSequenceOrdering feeds a NodeLink frames out of transport
// order and verifies dispatch is withheld until the gap fills.
func TestTransportSequenceOrdering(t *testing.T) {
	drv := memdriver.New()
	n := newMeshNode(t, drv)
	tr, _, err := drv.CreateTransports()
	require.NoError(t, err)
	shm, err := drv.AllocateSharedMemory(PrimaryBufferSize)
	require.NoError(t, err)
	mp, err := shm.Map()
	require.NoError(t, err)
	formatPrimaryBuffer(mp)

	nl := newNodeLink(n, tr, LinkSideA, RandomNodeName(), mp, 0)
	r := newRouter(n, SideA)
	link := newRemoteLink(nl, 5, LinkSideA, nil)
	nl.bindRouter(5, r, link)
	r.setOutwardLink(link)

	second := encodeAcceptParcel(1, msgAcceptParcel{Sublink: 5, Seq: 1, Data: []byte("b")})
	first := encodeAcceptParcel(0, msgAcceptParcel{Sublink: 5, Seq: 0, Data: []byte("a")})

	require.NoError(t, nl.onFrame(second, nil))
	require.Equal(t, uint64(0), r.Status().AvailableParcels,
		"frame 1 must wait for frame 0")

	require.NoError(t, nl.onFrame(first, nil))
	require.Equal(t, uint64(2), r.Status().AvailableParcels)
	for _, want := range []string{"a", "b"} {
		p, err := r.getParcel()
		require.NoError(t, err)
		require.Equal(t, want, string(p.Data()))
	}
}

func TestEstablishLinkWithoutBroker(t *testing.T) {
	drv := memdriver.New()
	n := newMeshNode(t, drv)
	done := make(chan error, 1)
	n.EstablishLink(RandomNodeName(), func(_ *NodeLink, err error) {
		done <- err
	})
	require.ErrorIs(t, <-done, ErrNoBroker)
}
