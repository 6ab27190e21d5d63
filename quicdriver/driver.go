// Package quicdriver implements the weft driver contract for meshes of
// same-host processes: transports are QUIC streams secured by mTLS, and
// shared memory is file-backed segments mapped into every process that
// holds a handle.
//
// Transport pairs minted for introductions serialize, both halves, as dial
// tickets naming the advertised address of the minting process, which
// relays frames between them. ListenTransport/DialTransport rendezvous by
// token for direct links.
package quicdriver

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"

	"github.com/weftworks/weft"
)

const defaultDialTimeout = 30 * time.Second

var (
	ErrNoTLSConfig       = errors.New("quicdriver: TlsConfig is required")
	ErrShutdown          = errors.New("quicdriver: shutting down")
	ErrNotPairable       = errors.New("quicdriver: transport half cannot be serialized twice")
	ErrProtocolViolation = errors.New("quicdriver: protocol violation")
	ErrUnknownToken      = errors.New("quicdriver: no reservation for token")
	ErrHostnameResolve   = errors.New("quicdriver: could not resolve hostname from certificate")
)

var qerrStreamClosed = quic.StreamErrorCode(0xC)

// HostnameResolver resolves a peer identity from its certificates, as
// presented during the QUIC handshake.
type HostnameResolver func(certs []*x509.Certificate) (string, error)

// CommonNameResolver is the default resolver, reading the x509 Subject
// Common Name of the peer leaf certificate.
func CommonNameResolver(certs []*x509.Certificate) (string, error) {
	if len(certs) == 0 {
		return "", ErrHostnameResolve
	}
	return certs[0].Subject.CommonName, nil
}

// Config for a Driver.
type Config struct {
	// TlsConfig should be configured for mTLS; it is the only peer
	// authentication the driver performs.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where the QUIC listener binds.
	BindAddr string
	BindPort int

	// AdvertiseAddr overrides the address other processes are told to
	// dial. Defaults to the bound address.
	AdvertiseAddr string

	// ShmDir is where file-backed shared segments live. Defaults to the
	// system temporary directory; every process of the mesh must see the
	// same path.
	ShmDir string

	// DialTimeout bounds stream establishment.
	DialTimeout time.Duration

	// HintMaxTransports sizes the stream limits of each connection.
	HintMaxTransports int64

	HostnameResolver HostnameResolver
	LogHandler       slog.Handler
	MetricSink       metrics.MetricSink
	MetricLabels     []metrics.Label
}

// Driver owns one QUIC endpoint and hands out weft transports and shared
// memory segments.
type Driver struct {
	cfg    Config
	logger *slog.Logger
	msink  metrics.MetricSink

	gracefulTerm atomic.Bool

	udpLn *net.UDPConn
	qt    *quic.Transport
	ln    *quic.Listener

	lk           sync.Mutex
	conns        map[string]quic.Connection
	reservations map[string]*transport
	relays       map[string]*relay
	wg           sync.WaitGroup
}

var _ weft.Driver = (*Driver)(nil)

func New(cfg Config) (*Driver, error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.HostnameResolver == nil {
		cfg.HostnameResolver = CommonNameResolver
	}
	d := &Driver{
		cfg:          cfg,
		conns:        map[string]quic.Connection{},
		reservations: map[string]*transport{},
		relays:       map[string]*relay{},
	}
	if cfg.LogHandler != nil {
		d.logger = slog.New(cfg.LogHandler)
	} else {
		d.logger = slog.Default()
	}
	if cfg.MetricSink != nil {
		d.msink = cfg.MetricSink
	} else {
		d.msink = metrics.Default()
	}

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4(127, 0, 0, 1)
	}
	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: cfg.BindPort})
	if err != nil {
		return nil, fmt.Errorf("quicdriver: failed to allocate UDP listener: %w", err)
	}
	d.udpLn = udpLn
	d.qt = &quic.Transport{Conn: udpLn}

	hint := cfg.HintMaxTransports
	if hint == 0 {
		hint = 4096
	}
	ln, err := d.qt.Listen(cfg.TlsConfig, &quic.Config{
		Versions:           []quic.Version{quic.Version2, quic.Version1},
		MaxIncomingStreams: hint,
		MaxIdleTimeout:     1 * time.Minute,
	})
	if err != nil {
		udpLn.Close()
		return nil, fmt.Errorf("quicdriver: failed to allocate QUIC listener: %w", err)
	}
	d.ln = ln

	d.wg.Add(1)
	go d.acceptConns()
	return d, nil
}

// AdvertiseAddr is the address dial tickets for this process carry.
func (d *Driver) AdvertiseAddr() string {
	if d.cfg.AdvertiseAddr != "" {
		return d.cfg.AdvertiseAddr
	}
	return d.udpLn.LocalAddr().String()
}

func (d *Driver) Shutdown() error {
	if !d.gracefulTerm.CompareAndSwap(false, true) {
		return nil
	}
	d.lk.Lock()
	for _, cx := range d.conns {
		cx.CloseWithError(0x3, "shutting down")
	}
	d.conns = map[string]quic.Connection{}
	d.lk.Unlock()
	d.ln.Close()
	d.qt.Close()
	d.udpLn.Close()
	d.wg.Wait()
	return nil
}

func (d *Driver) acceptConns() {
	defer d.wg.Done()
	for {
		conn, err := d.ln.Accept(context.Background())
		if err != nil {
			if !d.gracefulTerm.Load() {
				d.logger.Warn("unexpected QUIC listener closure", "error", err)
			}
			return
		}
		d.registerConn(conn)
		d.wg.Add(1)
		go d.acceptStreams(conn)
	}
}

func (d *Driver) registerConn(conn quic.Connection) {
	name := conn.RemoteAddr().String()
	if resolver := d.cfg.HostnameResolver; resolver != nil {
		if hostname, err := resolver(conn.ConnectionState().TLS.PeerCertificates); err == nil {
			name = hostname
		}
	}
	d.lk.Lock()
	d.conns[conn.RemoteAddr().String()] = conn
	d.lk.Unlock()
	d.logger.Debug("peer connection established", "peer", name,
		"addr", conn.RemoteAddr().String())
	d.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, d.cfg.MetricLabels)
}

// acceptStreams matches each inbound stream's init frame against a local
// reservation and binds the stream to the reserved transport half.
func (d *Driver) acceptStreams(conn quic.Connection) {
	defer d.wg.Done()
	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			if d.gracefulTerm.Load() {
				return
			}
			if conn.Context().Err() != nil {
				return
			}
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleStream(stream)
		}()
	}
}

func (d *Driver) handleStream(stream quic.Stream) {
	frame, err := readFrame(stream)
	if err != nil {
		stream.CancelRead(quic.StreamErrorCode(0xFF))
		stream.CancelWrite(quic.StreamErrorCode(0xFF))
		return
	}
	token := string(frame)
	// Relay participants suffix their token with the pair index.
	if i := len(token) - 2; i > 0 && token[i] == '/' {
		idx := int(token[i+1] - '0')
		d.lk.Lock()
		r, ok := d.relays[token[:i]]
		d.lk.Unlock()
		if !ok || idx < 0 || idx > 1 {
			stream.CancelRead(quic.StreamErrorCode(0xFF))
			stream.CancelWrite(quic.StreamErrorCode(0xFF))
			return
		}
		r.joinStream(idx, stream)
		return
	}
	d.lk.Lock()
	t, ok := d.reservations[token]
	delete(d.reservations, token)
	d.lk.Unlock()
	if !ok {
		d.logger.Warn("stream presented unknown rendezvous token")
		d.msink.IncrCounterWithLabels(MetricStreamEstErrCount, 1.0,
			append(d.cfg.MetricLabels, metrics.Label{Name: "error", Value: "unknown_token"}))
		stream.CancelRead(quic.StreamErrorCode(0xFF))
		stream.CancelWrite(quic.StreamErrorCode(0xFF))
		return
	}
	d.msink.IncrCounterWithLabels(MetricStreamEstInCount, 1.0, d.cfg.MetricLabels)
	t.bindStream(stream)
}

// dialPeer returns an existing or fresh connection to addr.
func (d *Driver) dialPeer(ctx context.Context, addr string) (quic.Connection, error) {
	d.lk.Lock()
	cx, ok := d.conns[addr]
	d.lk.Unlock()
	if ok && cx.Context().Err() == nil {
		return cx, nil
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	cx, err = d.qt.Dial(ctx, udpAddr, d.cfg.TlsConfig, nil)
	if d.gracefulTerm.Load() {
		return nil, ErrShutdown
	}
	if err != nil {
		return nil, err
	}
	d.registerConn(cx)
	d.wg.Add(1)
	go d.acceptStreams(cx)
	return cx, nil
}

// connectTicket dials the ticket of a serialized transport half.
func (d *Driver) connectTicket(t *transport) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DialTimeout)
	defer cancel()
	cx, err := d.dialPeer(ctx, t.dialAddr)
	if err != nil {
		t.fail(err)
		return
	}
	stream, err := cx.OpenStreamSync(ctx)
	if err != nil {
		d.msink.IncrCounterWithLabels(MetricStreamEstErrCount, 1.0,
			append(d.cfg.MetricLabels, metrics.Label{Name: "error", Value: "cannot_open_stream"}))
		t.fail(err)
		return
	}
	init := []byte(t.token)
	if t.role == roleDial && t.dialTokenIsRelay {
		init = relayInitFrame(t.token, t.pairIdx)
	}
	if err := writeFrame(stream, init); err != nil {
		t.fail(err)
		return
	}
	d.msink.IncrCounterWithLabels(MetricStreamEstOutCount, 1.0, d.cfg.MetricLabels)
	t.bindStream(stream)
}

func newToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("quicdriver: no entropy for rendezvous token")
	}
	return hex.EncodeToString(b[:])
}
