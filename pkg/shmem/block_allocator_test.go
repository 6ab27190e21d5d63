package shmem

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockAllocatorBasics(t *testing.T) {
	region := make([]byte, 16*64)
	a := Initialize(region, 64)
	require.NotNil(t, a)
	require.Equal(t, 15, a.Capacity())

	seen := map[int]bool{}
	for i := 0; i < a.Capacity(); i++ {
		off, ok := a.Alloc()
		require.True(t, ok)
		require.False(t, seen[off], "offset handed out twice")
		require.Equal(t, 0, off%64)
		require.Greater(t, off, 0, "header block is never allocatable")
		seen[off] = true
	}
	_, ok := a.Alloc()
	require.False(t, ok, "pool exhausted")

	for off := range seen {
		require.True(t, a.Free(off))
	}
	for i := 0; i < a.Capacity(); i++ {
		_, ok := a.Alloc()
		require.True(t, ok)
	}
}

func TestBlockAllocatorRejectsBadFree(t *testing.T) {
	region := make([]byte, 8*64)
	a := Initialize(region, 64)
	require.False(t, a.Free(0), "header offset")
	require.False(t, a.Free(33), "misaligned offset")
	require.False(t, a.Free(64*100), "out of range")
}

func TestBlockAllocatorAttachSharesFreeList(t *testing.T) {
	region := make([]byte, 32*128)
	a := Initialize(region, 128)
	b := Attach(region, 128)
	require.NotNil(t, b)

	off, ok := a.Alloc()
	require.True(t, ok)
	require.True(t, b.Free(off), "either attachment may free")
	off2, ok := b.Alloc()
	require.True(t, ok)
	require.Equal(t, off, off2, "freed block is reused")
}

func TestBlockAllocatorConcurrent(t *testing.T) {
	const blocks = 64
	region := make([]byte, (blocks+1)*64)
	a := Initialize(region, 64)
	b := Attach(region, 64)

	var wg sync.WaitGroup
	for _, alloc := range []*BlockAllocator{a, b} {
		wg.Add(1)
		go func(alloc *BlockAllocator) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if off, ok := alloc.Alloc(); ok {
					alloc.Free(off)
				}
			}
		}(alloc)
	}
	wg.Wait()

	// Every block must still be reachable afterwards.
	count := 0
	for {
		_, ok := a.Alloc()
		if !ok {
			break
		}
		count++
	}
	require.Equal(t, blocks, count)
}

func TestAttachValidation(t *testing.T) {
	require.Nil(t, Attach(make([]byte, 64), 64), "too small")
	require.Nil(t, Attach(make([]byte, 1024), 12), "block size not multiple of 8")
	require.Nil(t, Attach(make([]byte, 1024), 4), "block size below minimum")
}
