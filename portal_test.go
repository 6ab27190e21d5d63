package weft

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/memdriver"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := NewNode(memdriver.New(), WithMetricSink(&metrics.BlackholeSink{}))
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func TestLocalEcho(t *testing.T) {
	n := newTestNode(t)
	a, b := n.OpenPortals()

	require.NoError(t, a.Put([]byte("hello"), nil, nil, nil))

	st, err := b.Status()
	require.NoError(t, err)
	require.Equal(t, uint64(1), st.AvailableParcels)
	require.Equal(t, 5, st.AvailableBytes)

	data, portals, handles, err := b.Get()
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
	require.Empty(t, portals)
	require.Empty(t, handles)

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	require.ErrorIs(t, a.Close(), ErrFailedPrecondition, "double close")
}

func TestGetOnEmptyPortal(t *testing.T) {
	n := newTestNode(t)
	_, b := n.OpenPortals()
	_, _, _, err := b.Get()
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestClosureMidSequence(t *testing.T) {
	n := newTestNode(t)
	a, b := n.OpenPortals()

	require.NoError(t, a.Put([]byte("p0"), nil, nil, nil))
	require.NoError(t, a.Put([]byte("p1"), nil, nil, nil))
	require.NoError(t, a.Close())

	data, _, _, err := b.Get()
	require.NoError(t, err)
	require.Equal(t, "p0", string(data))

	st, err := b.Status()
	require.NoError(t, err)
	require.NotZero(t, st.Bits&StatusPeerClosed)
	require.Zero(t, st.Bits&StatusDead, "one parcel still retrievable")

	data, _, _, err = b.Get()
	require.NoError(t, err)
	require.Equal(t, "p1", string(data))

	st, err = b.Status()
	require.NoError(t, err)
	require.NotZero(t, st.Bits&StatusPeerClosed)
	require.NotZero(t, st.Bits&StatusDead)

	_, _, _, err = b.Get()
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPutLimits(t *testing.T) {
	n := newTestNode(t)
	a, b := n.OpenPortals()

	require.NoError(t, a.Put([]byte("one"), nil, nil, &Limits{MaxQueuedParcels: 1}))
	err := a.Put([]byte("two"), nil, nil, &Limits{MaxQueuedParcels: 1})
	require.ErrorIs(t, err, ErrResourceExhausted)

	err = a.Put([]byte("xxxxxxxx"), nil, nil, &Limits{MaxQueuedBytes: 10})
	require.ErrorIs(t, err, ErrResourceExhausted)
	require.NoError(t, a.Put([]byte("two"), nil, nil, &Limits{MaxQueuedParcels: 2}))

	_, _, _, err = b.Get()
	require.NoError(t, err)
}

func TestTwoPhasePut(t *testing.T) {
	n := newTestNode(t)
	a, b := n.OpenPortals()

	span, err := a.BeginPut(5, nil)
	require.NoError(t, err)
	require.Len(t, span, 5)

	_, err = a.BeginPut(3, nil)
	require.ErrorIs(t, err, ErrAlreadyExists)

	copy(span, "hello")
	require.NoError(t, a.CommitPut(5, nil, nil))

	data, _, _, err := b.Get()
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	// Abort leaves no trace.
	before, err := b.Status()
	require.NoError(t, err)
	_, err = a.BeginPut(64, nil)
	require.NoError(t, err)
	require.NoError(t, a.AbortPut())
	after, err := b.Status()
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.ErrorIs(t, a.AbortPut(), ErrFailedPrecondition)
	require.ErrorIs(t, a.CommitPut(0, nil, nil), ErrFailedPrecondition)
}

func TestTwoPhaseGet(t *testing.T) {
	n := newTestNode(t)
	a, b := n.OpenPortals()
	require.NoError(t, a.Put([]byte("abcdef"), nil, nil, nil))

	data, err := b.BeginGet()
	require.NoError(t, err)
	require.Equal(t, "abcdef", string(data))

	_, err = b.BeginGet()
	require.ErrorIs(t, err, ErrAlreadyExists)

	// Partial consume leaves the remainder at the head.
	_, _, err = b.CommitGet(2)
	require.NoError(t, err)
	data, err = b.BeginGet()
	require.NoError(t, err)
	require.Equal(t, "cdef", string(data))

	// Abort is a no-op on observable state.
	require.NoError(t, b.AbortGet())
	st, err := b.Status()
	require.NoError(t, err)
	require.Equal(t, uint64(1), st.AvailableParcels)
	require.Equal(t, 4, st.AvailableBytes)

	data, err = b.BeginGet()
	require.NoError(t, err)
	require.Equal(t, "cdef", string(data))
	_, _, err = b.CommitGet(4)
	require.NoError(t, err)

	_, err = b.BeginGet()
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, b.AbortGet(), ErrFailedPrecondition)
}

func TestPortalTransferredLocally(t *testing.T) {
	n := newTestNode(t)
	a, b := n.OpenPortals()
	c, d := n.OpenPortals()

	// Send d through the a->b pair; it comes out functionally the same
	// portal, still wired to c.
	require.NoError(t, a.Put([]byte("take this"), []*Portal{d}, nil, nil))
	require.ErrorIs(t, d.Put([]byte("no"), nil, nil, nil), ErrInvalidArgument,
		"a portal in transit is consumed")

	data, portals, _, err := b.Get()
	require.NoError(t, err)
	require.Equal(t, "take this", string(data))
	require.Len(t, portals, 1)
	d2 := portals[0]

	require.NoError(t, c.Put([]byte("ping"), nil, nil, nil))
	require.Eventually(t, func() bool {
		st, err := d2.Status()
		return err == nil && st.AvailableParcels == 1
	}, time.Second, time.Millisecond)
	data, _, _, err = d2.Get()
	require.NoError(t, err)
	require.Equal(t, "ping", string(data))

	require.NoError(t, d2.Put([]byte("pong"), nil, nil, nil))
	require.Eventually(t, func() bool {
		st, err := c.Status()
		return err == nil && st.AvailableParcels == 1
	}, time.Second, time.Millisecond)
}

func TestDroppedParcelClosesAttachments(t *testing.T) {
	n := newTestNode(t)
	a, b := n.OpenPortals()
	c, d := n.OpenPortals()

	require.NoError(t, a.Put([]byte("x"), []*Portal{d}, nil, nil))
	// b never reads; closing b drops the parcel, which must close d's
	// router so c observes peer closure.
	require.NoError(t, b.Close())
	require.Eventually(t, func() bool {
		st, err := c.Status()
		return err == nil && st.Bits&StatusPeerClosed != 0
	}, time.Second, time.Millisecond)
	_ = a
}

func TestTrapTrigger(t *testing.T) {
	n := newTestNode(t)
	a, b := n.OpenPortals()

	var fired atomic.Int32
	var insideErr error
	var trap *Trap
	handler := func(ev TrapEvent) {
		fired.Add(1)
		if ev.ConditionFlags&CondLocalParcels == 0 {
			insideErr = errors.New("missing LOCAL_PARCELS flag")
		}
		if err := trap.Arm(); !errors.Is(err, ErrFailedPrecondition) {
			insideErr = errors.New("re-arm while satisfied should fail")
		}
	}
	trap, err := b.NewTrap(TrapCondition{Flags: CondLocalParcels, MinLocalParcels: 1}, handler)
	require.NoError(t, err)
	require.NoError(t, trap.Arm())
	require.ErrorIs(t, trap.Arm(), ErrFailedPrecondition, "double arm")

	require.NoError(t, a.Put([]byte("x"), nil, nil, nil))
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, insideErr)

	// Still satisfied: arming fails until the parcel is read.
	require.ErrorIs(t, trap.Arm(), ErrFailedPrecondition)
	_, _, _, err = b.Get()
	require.NoError(t, err)
	require.NoError(t, trap.Arm())

	require.NoError(t, a.Put([]byte("y"), nil, nil, nil))
	require.Eventually(t, func() bool { return fired.Load() == 2 }, time.Second, time.Millisecond)

	require.NoError(t, trap.Destroy(false))
	require.ErrorIs(t, trap.Destroy(false), ErrNotFound)
}

func TestTrapPeerClosed(t *testing.T) {
	n := newTestNode(t)
	a, b := n.OpenPortals()

	var fired atomic.Int32
	trap, err := b.NewTrap(TrapCondition{Flags: CondPeerClosed}, func(ev TrapEvent) {
		fired.Add(1)
	})
	require.NoError(t, err)
	require.NoError(t, trap.Arm())
	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
}

func TestBlockingTrapDestroy(t *testing.T) {
	n := newTestNode(t)
	a, b := n.OpenPortals()

	entered := make(chan struct{})
	var handlerDone atomic.Bool
	trap, err := b.NewTrap(TrapCondition{Flags: CondLocalParcels, MinLocalParcels: 1},
		func(TrapEvent) {
			close(entered)
			time.Sleep(10 * time.Millisecond)
			handlerDone.Store(true)
		})
	require.NoError(t, err)
	require.NoError(t, trap.Arm())

	go a.Put([]byte("x"), nil, nil, nil)
	<-entered
	require.NoError(t, trap.Destroy(true))
	require.True(t, handlerDone.Load(),
		"blocking destroy returns only after the handler finished")
}
