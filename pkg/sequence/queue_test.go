package sequence

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func strSize(s string) int { return len(s) }

// reference mirrors the queue with a naive model to cross-check the O(1)
// aggregates.
type reference struct {
	base    Number
	present map[Number]string
}

func (ref *reference) push(n Number, v string) {
	ref.present[n] = v
}

func (ref *reference) numAvailable() uint64 {
	var k uint64
	for {
		if _, ok := ref.present[ref.base+Number(k)]; !ok {
			return k
		}
		k++
	}
}

func (ref *reference) totalSize() int {
	total := 0
	for k := uint64(0); k < ref.numAvailable(); k++ {
		total += len(ref.present[ref.base+Number(k)])
	}
	return total
}

func TestQueueSparseOrdering(t *testing.T) {
	order := []Number{5, 2, 1, 0, 4, 3, 9, 6, 8, 7, 10, 11, 12, 15, 13, 14}
	q := NewQueue(strSize)
	ref := &reference{present: map[Number]string{}}

	for _, n := range order {
		payload := string(rune('a' + n))
		require.True(t, q.Push(n, payload), "push %d", n)
		ref.push(n, payload)
		require.Equal(t, ref.numAvailable(), q.NumAvailable(), "after push %d", n)
		require.Equal(t, ref.totalSize(), q.TotalAvailableSize(), "after push %d", n)
	}

	for want := Number(0); want < 16; want++ {
		require.Equal(t, want, q.BaseSequenceNumber())
		v, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, string(rune('a'+want)), v)
	}
	_, ok := q.Pop()
	require.False(t, ok)
}

func TestQueueRejectsDuplicatesAndStale(t *testing.T) {
	q := NewQueue(strSize)
	require.True(t, q.Push(0, "x"))
	require.False(t, q.Push(0, "y"), "occupied position")
	v, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "x", v)
	require.False(t, q.Push(0, "z"), "below window base")
}

func TestQueueFinalLength(t *testing.T) {
	q := NewQueue(strSize)
	require.True(t, q.Push(0, "a"))
	require.True(t, q.Push(1, "b"))

	require.False(t, q.SetFinalLength(1), "entry at seq 1 already exists")
	require.True(t, q.SetFinalLength(2))
	require.False(t, q.SetFinalLength(3), "final length is one-shot")

	require.False(t, q.Push(2, "c"), "no push at or beyond the final length")
	require.False(t, q.Push(7, "d"))

	require.False(t, q.IsComplete())
	q.Pop()
	q.Pop()
	require.True(t, q.IsComplete())
	require.False(t, q.ExpectsMore())
}

func TestQueueWindowCap(t *testing.T) {
	q := NewQueue(strSize)
	require.False(t, q.Push(MaxSparseWindow, "far"))
	require.True(t, q.Push(MaxSparseWindow-1, "edge"))
}

func TestQueuePeek(t *testing.T) {
	q := NewQueue(strSize)
	_, ok := q.Peek()
	require.False(t, ok)
	require.True(t, q.Push(1, "later"))
	_, ok = q.Peek()
	require.False(t, ok, "peek sees only the contiguous head")
	require.True(t, q.Push(0, "now"))
	v, ok := q.Peek()
	require.True(t, ok)
	require.Equal(t, "now", v)
	require.Equal(t, uint64(2), q.NumAvailable())
}

func TestQueueDrain(t *testing.T) {
	q := NewQueueAt(10, strSize)
	require.True(t, q.Push(10, "a"))
	require.True(t, q.Push(12, "c"))
	var got []Number
	q.Drain(func(n Number, _ string) { got = append(got, n) })
	require.Equal(t, []Number{10, 12}, got)
	require.Equal(t, uint64(0), q.NumAvailable())
}

func TestQueueRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	q := NewQueue(strSize)
	ref := &reference{present: map[Number]string{}}

	next := Number(0)
	perm := rng.Perm(512)
	for _, i := range perm {
		n := Number(i)
		payload := string(rune('A' + i%26))
		require.True(t, q.Push(n, payload))
		ref.push(n, payload)
		if rng.Intn(4) == 0 {
			for q.NumAvailable() > 0 && rng.Intn(2) == 0 {
				v, ok := q.Pop()
				require.True(t, ok)
				require.Equal(t, ref.present[next], v)
				delete(ref.present, next)
				next++
				ref.base = next
			}
		}
		require.Equal(t, ref.numAvailable(), q.NumAvailable())
		require.Equal(t, ref.totalSize(), q.TotalAvailableSize())
	}
	for q.NumAvailable() > 0 {
		_, ok := q.Pop()
		require.True(t, ok)
	}
	require.Equal(t, Number(512), q.ExpectedSequenceNumber())
}
