package memdriver

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft"
)

func TestTransportPairDelivery(t *testing.T) {
	d := New()
	t1, t2, err := d.CreateTransports()
	require.NoError(t, err)

	var mu sync.Mutex
	var got [][]byte
	require.NoError(t, t2.Activate(weft.TransportHandler{
		Receive: func(data []byte, _ []weft.DriverHandle) error {
			mu.Lock()
			got = append(got, data)
			mu.Unlock()
			return nil
		},
	}))

	require.NoError(t, t1.Transmit([]byte("one"), nil))
	require.NoError(t, t1.Transmit([]byte("two"), nil))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, time.Millisecond)
	require.Equal(t, "one", string(got[0]))
	require.Equal(t, "two", string(got[1]))
}

func TestTransportBuffersBeforeActivation(t *testing.T) {
	d := New()
	t1, t2, err := d.CreateTransports()
	require.NoError(t, err)

	require.NoError(t, t1.Transmit([]byte("early"), nil))

	received := make(chan string, 1)
	require.NoError(t, t2.Activate(weft.TransportHandler{
		Receive: func(data []byte, _ []weft.DriverHandle) error {
			received <- string(data)
			return nil
		},
	}))
	select {
	case v := <-received:
		require.Equal(t, "early", v)
	case <-time.After(time.Second):
		t.Fatal("backlogged frame never delivered")
	}
}

func TestDeactivateNotifiesPeer(t *testing.T) {
	d := New()
	t1, t2, err := d.CreateTransports()
	require.NoError(t, err)

	errCh := make(chan error, 1)
	require.NoError(t, t1.Activate(weft.TransportHandler{
		Receive: func([]byte, []weft.DriverHandle) error { return nil },
		Error:   func(err error) { errCh <- err },
	}))
	require.NoError(t, t2.Activate(weft.TransportHandler{
		Receive: func([]byte, []weft.DriverHandle) error { return nil },
	}))

	t2.Deactivate()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("peer closure never observed")
	}
	require.ErrorIs(t, t1.Transmit([]byte("x"), nil), ErrClosed)
}

func TestSharedMemoryIsShared(t *testing.T) {
	d := New()
	shm, err := d.AllocateSharedMemory(4096)
	require.NoError(t, err)
	require.Equal(t, 4096, shm.Size())

	dup, err := shm.Duplicate()
	require.NoError(t, err)

	m1, err := shm.Map()
	require.NoError(t, err)
	m2, err := dup.Map()
	require.NoError(t, err)

	m1.Bytes()[100] = 0xAB
	require.Equal(t, byte(0xAB), m2.Bytes()[100],
		"both mappings observe the same bytes")

	require.NoError(t, m1.Unmap())
	require.NoError(t, shm.Close())
	_, err = shm.Map()
	require.Error(t, err, "closed handle cannot map")
	_, err = dup.Map()
	require.NoError(t, err, "duplicate outlives the original handle")
}

func TestHandleTokenRoundTrip(t *testing.T) {
	d := New()
	shm, err := d.AllocateSharedMemory(64)
	require.NoError(t, err)

	tok, err := d.SerializeHandle(shm)
	require.NoError(t, err)
	back, err := d.DeserializeHandle(tok)
	require.NoError(t, err)
	require.Same(t, shm, back)

	_, err = d.DeserializeHandle(tok)
	require.ErrorIs(t, err, ErrUnknownToken, "tokens are single use")
}
