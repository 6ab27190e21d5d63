// Package discovery maintains an eventually consistent directory of
// weft node names to dialable transport addresses, built on serf gossip.
// A broker uses it to decide which address backs an introduction; any
// node may use it to short-circuit introductions to peers it already
// knows how to reach.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/serf/serf"
)

const (
	claimEvent   = "weft_addr"
	resolveQuery = "resolve_weft_node"
)

// Config for a Directory.
type Config struct {
	// NodeName is this member's unique gossip identity, conventionally
	// the hex form of the weft node name.
	NodeName string

	// Advertise is the transport address other nodes should dial to
	// reach this member's weft driver.
	Advertise string

	// BindAddr and BindPort are the gossip UDP interface.
	BindAddr string
	BindPort int

	// Neighbours seed the initial cluster join.
	Neighbours []string

	LogHandler   slog.Handler
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

type record struct {
	addr string
	rev  uint64
}

// Directory is the live gossip membership plus the claim table.
type Directory struct {
	logger *slog.Logger
	msink  metrics.MetricSink

	serf    *serf.Serf
	eventCh chan serf.Event

	lk      sync.RWMutex
	records map[string]*record
	clock   uint64

	localName string
	localAddr string

	neighbours []string
	shutdown   bool
	dropCh     chan struct{}
	wg         sync.WaitGroup
}

// New starts the gossip layer and claims this member's own address.
func New(cfg Config) (*Directory, error) {
	if cfg.NodeName == "" || cfg.Advertise == "" {
		return nil, fmt.Errorf("discovery: NodeName and Advertise are required")
	}
	d := &Directory{
		eventCh:    make(chan serf.Event, 512),
		records:    map[string]*record{},
		localName:  cfg.NodeName,
		localAddr:  cfg.Advertise,
		neighbours: cfg.Neighbours,
		dropCh:     make(chan struct{}),
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

	scfg := serf.DefaultConfig()
	scfg.NodeName = cfg.NodeName
	scfg.EventCh = d.eventCh
	scfg.LogOutput = nil
	scfg.Logger = slog.NewLogLogger(d.logger.Handler(), slog.LevelDebug)
	// Coordinates buy nothing here: routing is weft's concern.
	scfg.DisableCoordinates = true
	scfg.CoalescePeriod = 5 * time.Second
	scfg.QuiescentPeriod = 1 * time.Second
	scfg.MemberlistConfig.Logger = scfg.Logger
	if cfg.BindAddr != "" {
		scfg.MemberlistConfig.BindAddr = cfg.BindAddr
	}
	if cfg.BindPort != 0 {
		scfg.MemberlistConfig.BindPort = cfg.BindPort
		scfg.MemberlistConfig.AdvertisePort = cfg.BindPort
	}
	scfg.MemberlistConfig.ProbeTimeout = 2 * time.Second
	// Memberlist still speaks the legacy metrics module.
	scfg.MemberlistConfig.MetricLabels = make([]leg_metrics.Label, len(cfg.MetricLabels))
	for i, label := range cfg.MetricLabels {
		scfg.MemberlistConfig.MetricLabels[i] = leg_metrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}

	s, err := serf.Create(scfg)
	if err != nil {
		return nil, fmt.Errorf("discovery: serf create: %w", err)
	}
	d.serf = s

	d.wg.Add(1)
	go d.handleEvents()

	if err := d.claimSelf(); err != nil {
		d.Shutdown()
		return nil, err
	}
	return d, nil
}

// Join contacts the configured neighbours.
func (d *Directory) Join() error {
	if len(d.neighbours) == 0 {
		return nil
	}
	joined, err := d.serf.Join(d.neighbours, true)
	if err != nil {
		return fmt.Errorf("discovery: join: %w", err)
	}
	if joined != len(d.neighbours) {
		d.logger.Warn("not all neighbours are reachable",
			"joined", joined, "expected", len(d.neighbours))
	}
	// Re-announce so late joiners learn us promptly.
	return d.claimSelf()
}

func (d *Directory) claimSelf() error {
	d.lk.Lock()
	d.clock++
	c := Claim{Node: d.localName, Addr: d.localAddr, Rev: d.clock}
	d.record(c)
	d.lk.Unlock()
	return d.serf.UserEvent(claimEvent, encodeClaim(c), true)
}

// record applies one claim under d.lk.
func (d *Directory) record(c Claim) {
	cur, ok := d.records[c.Node]
	if ok && cur.rev >= c.Rev {
		return
	}
	if c.Unclaim {
		delete(d.records, c.Node)
		return
	}
	d.records[c.Node] = &record{addr: c.Addr, rev: c.Rev}
}

func (d *Directory) handleEvents() {
	defer d.wg.Done()
	for {
		var event serf.Event
		select {
		case event = <-d.eventCh:
		case <-d.dropCh:
			return
		}
		switch event := event.(type) {
		case serf.MemberEvent:
			if event.EventType() == serf.EventMemberLeave ||
				event.EventType() == serf.EventMemberFailed {
				d.lk.Lock()
				for _, m := range event.Members {
					delete(d.records, m.Name)
				}
				d.lk.Unlock()
			}
		case serf.UserEvent:
			if event.Name != claimEvent {
				d.logger.Error("received unexpected event", "event_name", event.Name)
				continue
			}
			c, err := decodeClaim(event.Payload)
			if err != nil {
				d.logger.Error("failed to unmarshal a claim", "error", err)
				continue
			}
			d.lk.Lock()
			d.record(c)
			d.lk.Unlock()
		case *serf.Query:
			if event.Name != resolveQuery {
				d.logger.Error("received unexpected query", "query_name", event.Name)
				continue
			}
			want := string(event.Payload)
			d.lk.RLock()
			rec, ok := d.records[want]
			d.lk.RUnlock()
			if !ok {
				continue
			}
			resp := encodeClaim(Claim{Node: want, Addr: rec.addr, Rev: rec.rev})
			if err := event.Respond(resp); err != nil {
				d.logger.Error("failed to answer a query", "error", err)
			}
		}
	}
}

// Resolve consults the local table only.
func (d *Directory) Resolve(node string) (string, bool) {
	d.lk.RLock()
	defer d.lk.RUnlock()
	rec, ok := d.records[node]
	if !ok {
		return "", false
	}
	return rec.addr, true
}

// ResolveWithCluster falls back to a serf query when the local table has
// no claim, accepting the highest-revision answer before the deadline.
func (d *Directory) ResolveWithCluster(ctx context.Context, node string) (string, error) {
	if addr, ok := d.Resolve(node); ok {
		return addr, nil
	}
	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	res, err := d.serf.Query(resolveQuery, []byte(node), &serf.QueryParam{Timeout: timeout})
	if err != nil {
		return "", fmt.Errorf("discovery: query: %w", err)
	}
	defer res.Close()
	var best *Claim
	for {
		select {
		case <-ctx.Done():
			if best != nil {
				return best.Addr, nil
			}
			return "", ctx.Err()
		case resp, ok := <-res.ResponseCh():
			if !ok {
				if best != nil {
					d.lk.Lock()
					d.record(*best)
					d.lk.Unlock()
					return best.Addr, nil
				}
				return "", fmt.Errorf("discovery: node %s not claimed", node)
			}
			c, err := decodeClaim(resp.Payload)
			if err != nil || c.Node != node {
				continue
			}
			if best == nil || c.Rev > best.Rev {
				claim := c
				best = &claim
			}
		}
	}
}

// ScanNodes lists claimed node names with the given prefix.
func (d *Directory) ScanNodes(prefix string) []string {
	d.lk.RLock()
	defer d.lk.RUnlock()
	var out []string
	for name := range d.records {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Members exposes the live gossip membership.
func (d *Directory) Members() []serf.Member {
	return d.serf.Members()
}

// Shutdown leaves the cluster and releases gossip resources.
func (d *Directory) Shutdown() error {
	d.lk.Lock()
	if d.shutdown {
		d.lk.Unlock()
		return nil
	}
	d.shutdown = true
	d.clock++
	unclaim := Claim{Node: d.localName, Rev: d.clock, Unclaim: true}
	d.lk.Unlock()

	start := time.Now()
	if err := d.serf.UserEvent(claimEvent, encodeClaim(unclaim), true); err != nil {
		d.logger.Debug("could not broadcast unclaim", "error", err)
	}
	d.serf.Leave()
	close(d.dropCh)
	d.serf.Shutdown()
	d.wg.Wait()
	<-d.serf.ShutdownCh()
	d.logger.Info("directory shutdown complete", "duration", time.Since(start))
	return nil
}
