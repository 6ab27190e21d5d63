package quicdriver

import (
	"strconv"
	"sync"

	"github.com/quic-go/quic-go"
)

// relay pumps frames between the two halves of a CreateTransports pair.
// The minting process stays on the data path for such links; direct
// links use ListenTransport/DialTransport rendezvous instead.
type relay struct {
	drv   *Driver
	token string

	lk      sync.Mutex
	streams [2]quic.Stream
	locals  [2]*transport
	backlog [2][][]byte
}

func newRelay(d *Driver, token string) *relay {
	return &relay{drv: d, token: token}
}

// joinStream binds one side of the relay to an inbound stream and starts
// pumping its frames toward the other side.
func (r *relay) joinStream(idx int, stream quic.Stream) {
	r.lk.Lock()
	r.streams[idx] = stream
	backlog := r.backlog[idx]
	r.backlog[idx] = nil
	r.lk.Unlock()
	for _, payload := range backlog {
		writeFrame(stream, payload)
	}
	r.drv.wg.Add(1)
	go func() {
		defer r.drv.wg.Done()
		for {
			payload, err := readFrame(stream)
			if err != nil {
				return
			}
			r.forward(1-idx, payload)
		}
	}()
}

// joinLocal binds one side to a transport living in the minting process.
func (r *relay) joinLocal(idx int, t *transport) {
	r.lk.Lock()
	r.locals[idx] = t
	backlog := r.backlog[idx]
	r.backlog[idx] = nil
	r.lk.Unlock()
	for _, payload := range backlog {
		t.deliver(payload)
	}
}

// forward delivers one payload to side idx, buffering until it joins.
func (r *relay) forward(idx int, payload []byte) {
	r.lk.Lock()
	stream := r.streams[idx]
	local := r.locals[idx]
	if stream == nil && local == nil {
		r.backlog[idx] = append(r.backlog[idx], payload)
		r.lk.Unlock()
		return
	}
	r.lk.Unlock()
	r.drv.msink.IncrCounter(MetricRelayFrameCount, 1.0)
	if stream != nil {
		writeFrame(stream, payload)
		return
	}
	local.deliver(payload)
}

// joinRelayLocal attaches a non-serialized pair half used in-process.
func (d *Driver) joinRelayLocal(t *transport) {
	d.lk.Lock()
	r := d.relays[t.token]
	d.lk.Unlock()
	if r != nil {
		r.joinLocal(t.pairIdx, t)
	}
}

// relayForward routes a frame transmitted by an in-process pair half.
func (d *Driver) relayForward(token string, fromIdx int, payload []byte) error {
	d.lk.Lock()
	r := d.relays[token]
	d.lk.Unlock()
	if r == nil {
		return ErrUnknownToken
	}
	r.forward(1-fromIdx, payload)
	return nil
}

// relayInitFrame encodes the init frame a relay participant presents.
func relayInitFrame(token string, idx int) []byte {
	return []byte(token + "/" + strconv.Itoa(idx))
}
