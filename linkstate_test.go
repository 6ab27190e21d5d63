package weft

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestLinkState(t *testing.T) *RouterLinkState {
	t.Helper()
	s := routerLinkStateAt(make([]byte, RouterLinkStateSize))
	s.initialize()
	return s
}

func TestLinkStateBypassLockRequiresStability(t *testing.T) {
	s := newTestLinkState(t)
	initiator := RandomNodeName()

	require.False(t, s.TryLockForBypass(LinkSideA, initiator),
		"no side is stable yet")
	s.SetSideStable(LinkSideA)
	require.False(t, s.TryLockForBypass(LinkSideA, initiator))
	s.SetSideStable(LinkSideB)
	require.True(t, s.TryLockForBypass(LinkSideA, initiator))
	require.True(t, s.IsLockedBy(LinkSideA))
	require.False(t, s.IsLockedBy(LinkSideB))

	require.False(t, s.TryLockForBypass(LinkSideB, initiator),
		"lock is exclusive across sides")
	s.Unlock(LinkSideA)
	require.True(t, s.TryLockForBypass(LinkSideB, initiator))
}

func TestLinkStateAuthorizeBypass(t *testing.T) {
	s := newTestLinkState(t)
	s.SetSideStable(LinkSideA)
	s.SetSideStable(LinkSideB)

	initiator := RandomNodeName()
	imposter := RandomNodeName()
	key := RandomBypassKey()
	wrongKey := RandomBypassKey()

	require.True(t, s.TryLockForBypass(LinkSideA, initiator))
	s.SetBypassKey(key)

	require.False(t, s.AuthorizeBypass(LinkSideB, initiator, key),
		"wrong locked side")
	require.False(t, s.AuthorizeBypass(LinkSideA, imposter, key),
		"requestor not authorized")
	require.False(t, s.AuthorizeBypass(LinkSideA, initiator, wrongKey),
		"key mismatch")
	require.True(t, s.AuthorizeBypass(LinkSideA, initiator, key))
	require.False(t, s.AuthorizeBypass(LinkSideA, initiator, key),
		"key is consumed on first use")
}

func TestLinkStateClosureLock(t *testing.T) {
	s := newTestLinkState(t)
	s.SetSideStable(LinkSideA)
	s.SetSideStable(LinkSideB)

	require.True(t, s.TryLockForClosure(LinkSideB))
	require.False(t, s.TryLockForBypass(LinkSideA, RandomNodeName()),
		"closure lock blocks bypass")
	s.Unlock(LinkSideB)
	require.True(t, s.TryLockForBypass(LinkSideA, RandomNodeName()))
}

func TestLinkStateWaitingBit(t *testing.T) {
	s := newTestLinkState(t)
	require.False(t, s.ResetWaitingBit(LinkSideA))
	s.SetSideWaiting(LinkSideA)
	require.True(t, s.ResetWaitingBit(LinkSideA))
	require.False(t, s.ResetWaitingBit(LinkSideA), "reset is one-shot")
}

func TestLinkStateConcurrentLocking(t *testing.T) {
	s := newTestLinkState(t)
	s.SetSideStable(LinkSideA)
	s.SetSideStable(LinkSideB)

	var wins [2]int
	var wg sync.WaitGroup
	for round := 0; round < 500; round++ {
		var got [2]bool
		wg.Add(2)
		for side := LinkSideA; side <= LinkSideB; side++ {
			go func(side LinkSide) {
				defer wg.Done()
				got[side] = s.TryLockForBypass(side, RandomNodeName())
			}(side)
		}
		wg.Wait()
		require.False(t, got[0] && got[1], "both sides won the lock")
		for side := LinkSideA; side <= LinkSideB; side++ {
			if got[side] {
				wins[side]++
				s.Unlock(side)
			}
		}
	}
	require.Equal(t, 500, wins[0]+wins[1], "every round has exactly one winner")
}
