package weft

import (
	"crypto/rand"
	"encoding/binary"
	"runtime"
	"sync/atomic"
	"unsafe"
)

// RouterLinkStateSize is the fixed footprint of one RouterLinkState in
// shared memory. It is also the fragment size served by every NodeLink
// allocator buffer.
const RouterLinkStateSize = 128

// BypassKey is the 128-bit secret a half-proxy deposits in its
// RouterLinkState and hands to its successor. Whoever presents it to the
// predecessor is authorized to replace the proxied link.
type BypassKey [16]byte

func RandomBypassKey() BypassKey {
	var k BypassKey
	if _, err := rand.Read(k[:]); err != nil {
		panic("weft: no entropy for bypass key")
	}
	return k
}

func (k BypassKey) IsZero() bool {
	return k == BypassKey{}
}

const (
	sideStable  uint32 = 1 << 0
	sideWaiting uint32 = 1 << 1
	sideLocked  uint32 = 1 << 2
)

type linkSideCell struct {
	bits      atomic.Uint32
	_         [4]byte
	allowedHi uint64
	allowedLo uint64
	_         [8]byte
}

// RouterLinkState is the shared-memory control block of one central link
// between two routers. Both sides map the same bytes; a one-word spinlock
// guards the non-atomic fields. Holders of the spinlock must not block,
// acquire any other lock, or perform I/O.
type RouterLinkState struct {
	lock  atomic.Uint32
	_     [4]byte
	sides [2]linkSideCell
	keyHi uint64
	keyLo uint64
	_     [40]byte
}

// routerLinkStateAt overlays a RouterLinkState on a mapped fragment. The
// fragment must be RouterLinkStateSize bytes and 8-byte aligned, which
// every driver mapping guarantees.
func routerLinkStateAt(mem []byte) *RouterLinkState {
	_ = mem[RouterLinkStateSize-1]
	return (*RouterLinkState)(unsafe.Pointer(&mem[0]))
}

// initialize zeroes the block. Only the allocating side initializes.
func (s *RouterLinkState) initialize() {
	*s = RouterLinkState{}
}

func (s *RouterLinkState) acquire() {
	for !s.lock.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

func (s *RouterLinkState) release() {
	s.lock.Store(0)
}

// SetSideStable marks side's router as neither buffering nor mid-handoff,
// i.e. bypass may be considered once both sides report stability.
func (s *RouterLinkState) SetSideStable(side LinkSide) {
	cell := &s.sides[side]
	for {
		old := cell.bits.Load()
		if cell.bits.CompareAndSwap(old, old|sideStable) {
			return
		}
	}
}

func (s *RouterLinkState) isSideStable(side LinkSide) bool {
	return s.sides[side].bits.Load()&sideStable != 0
}

// SetSideWaiting records that side has observable work pending and wants
// a FlushRouter nudge the next time the other side touches the link.
func (s *RouterLinkState) SetSideWaiting(side LinkSide) {
	cell := &s.sides[side]
	for {
		old := cell.bits.Load()
		if cell.bits.CompareAndSwap(old, old|sideWaiting) {
			return
		}
	}
}

// ResetWaitingBit clears side's waiting bit, reporting whether it was set.
func (s *RouterLinkState) ResetWaitingBit(side LinkSide) bool {
	cell := &s.sides[side]
	for {
		old := cell.bits.Load()
		if old&sideWaiting == 0 {
			return false
		}
		if cell.bits.CompareAndSwap(old, old&^sideWaiting) {
			return true
		}
	}
}

// TryLockForBypass locks the link on behalf of side and records that
// initiator, and only initiator, may later present the bypass key. It
// fails unless both sides are stable and nobody else holds the lock.
func (s *RouterLinkState) TryLockForBypass(side LinkSide, initiator NodeName) bool {
	s.acquire()
	defer s.release()
	if !s.isSideStable(LinkSideA) || !s.isSideStable(LinkSideB) {
		return false
	}
	if s.sides[LinkSideA].bits.Load()&sideLocked != 0 ||
		s.sides[LinkSideB].bits.Load()&sideLocked != 0 {
		return false
	}
	cell := &s.sides[side]
	cell.bits.Store(cell.bits.Load() | sideLocked)
	cell.allowedHi, cell.allowedLo = initiator.hiLo()
	return true
}

// TryLockForClosure locks the link on behalf of side with no bypass
// authorization, preventing a concurrent bypass from racing the closure.
func (s *RouterLinkState) TryLockForClosure(side LinkSide) bool {
	s.acquire()
	defer s.release()
	if s.sides[LinkSideA].bits.Load()&sideLocked != 0 ||
		s.sides[LinkSideB].bits.Load()&sideLocked != 0 {
		return false
	}
	cell := &s.sides[side]
	cell.bits.Store(cell.bits.Load() | sideLocked)
	return true
}

// Unlock releases side's lock and clears its bypass authorization.
func (s *RouterLinkState) Unlock(side LinkSide) {
	s.acquire()
	defer s.release()
	cell := &s.sides[side]
	cell.bits.Store(cell.bits.Load() &^ sideLocked)
	cell.allowedHi, cell.allowedLo = 0, 0
}

// IsLockedBy reports whether side currently holds the link lock.
func (s *RouterLinkState) IsLockedBy(side LinkSide) bool {
	return s.sides[side].bits.Load()&sideLocked != 0
}

// SetBypassKey deposits the secret consumed once by the successor.
func (s *RouterLinkState) SetBypassKey(key BypassKey) {
	s.acquire()
	defer s.release()
	s.keyHi = binary.LittleEndian.Uint64(key[:8])
	s.keyLo = binary.LittleEndian.Uint64(key[8:])
}

// AuthorizeBypass validates a BypassProxy request arriving at the side
// opposite lockedSide: the link must be locked by lockedSide, requestor
// must match the recorded allowed source, and key must match the stored
// secret. On success the key is consumed so it cannot be replayed.
func (s *RouterLinkState) AuthorizeBypass(lockedSide LinkSide, requestor NodeName, key BypassKey) bool {
	s.acquire()
	defer s.release()
	cell := &s.sides[lockedSide]
	if cell.bits.Load()&sideLocked == 0 {
		return false
	}
	hi, lo := requestor.hiLo()
	if cell.allowedHi != hi || cell.allowedLo != lo {
		return false
	}
	keyHi := binary.LittleEndian.Uint64(key[:8])
	keyLo := binary.LittleEndian.Uint64(key[8:])
	if s.keyHi == 0 && s.keyLo == 0 {
		return false
	}
	if s.keyHi != keyHi || s.keyLo != keyLo {
		return false
	}
	s.keyHi, s.keyLo = 0, 0
	return true
}
