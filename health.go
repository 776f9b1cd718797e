package peerroll

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/peerroll/proto"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

const (
	// DefaultHealthInterval is how long the failure detector waits between
	// rounds of probes.
	DefaultHealthInterval = 3 * time.Second
	// DefaultHealthTimeout bounds a single probe.
	DefaultHealthTimeout = time.Second
)

// pingFunc sends a Ping to name and waits for the reply, or for ctx to end.
type pingFunc func(ctx context.Context, name string) error

// failureDetector periodically probes every sibling it still believes is
// alive and forgets the ones that don't answer. It is advisory: losing a
// sibling never changes who leads.
type failureDetector struct {
	ping     pingFunc
	clock    clock.Clock
	interval time.Duration
	timeout  time.Duration
	// onDead is called, outside the lock, for each sibling removed.
	onDead func(name string)

	mu     sync.Mutex
	living map[string]proto.Endpoint

	l log15.Logger
}

func newFailureDetector(l log15.Logger, clk clock.Clock, ping pingFunc, interval, timeout time.Duration) *failureDetector {
	return &failureDetector{
		ping:     ping,
		clock:    clk,
		interval: interval,
		timeout:  timeout,
		living:   make(map[string]proto.Endpoint),
		l:        l,
	}
}

// seed marks siblings as alive.
func (d *failureDetector) seed(siblings map[string]proto.Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, ep := range siblings {
		d.living[name] = ep
	}
}

func (d *failureDetector) livingNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.living))
	for name := range d.living {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *failureDetector) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.clock.After(d.interval):
		}
		d.probeAll(ctx)
	}
}

// probeAll probes each living sibling once, in name order.
func (d *failureDetector) probeAll(ctx context.Context) {
	for _, name := range d.livingNames() {
		if ctx.Err() != nil {
			return
		}
		d.mu.Lock()
		ep, ok := d.living[name]
		d.mu.Unlock()
		if !ok {
			continue
		}
		err := d.probe(ctx, name)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		d.mu.Lock()
		delete(d.living, name)
		d.mu.Unlock()
		d.l.Warn("peer is dead", "peer", name, "endpoint", ep, "err", err)
		if d.onDead != nil {
			d.onDead(name)
		}
	}
}

func (d *failureDetector) probe(ctx context.Context, name string) error {
	pctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return errors.Wrapf(d.ping(pctx, name), "probing %q", name)
}

// pongs hands Ping replies on health channels to the probe waiting for them.
//
// Both ends of a health channel answer a Ping with a Ping, so a reply has to
// be consumed rather than answered. A Ping arriving while a probe to that
// peer is outstanding is taken as its reply.
type pongs struct {
	mu      sync.Mutex
	waiting map[string]chan struct{}
}

func newPongs() *pongs {
	return &pongs{waiting: make(map[string]chan struct{})}
}

// expect registers a probe to name. cancel must be called once it is over.
func (p *pongs) expect(name string) (reply <-chan struct{}, cancel func()) {
	ch := make(chan struct{}, 1)
	p.mu.Lock()
	p.waiting[name] = ch
	p.mu.Unlock()
	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.waiting[name] == ch {
			delete(p.waiting, name)
		}
	}
}

// take delivers a Ping from name to its waiting probe. It reports false if
// no probe was waiting, in which case the Ping must be answered.
func (p *pongs) take(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.waiting[name]
	if !ok {
		return false
	}
	delete(p.waiting, name)
	ch <- struct{}{}
	return true
}

// pingPeer probes name over its registered health channel. A probe that
// times out closes the channel, so a late reply can't be mistaken for a new
// Ping and bounce between the peers.
func (m *Manager) pingPeer(ctx context.Context, name string) error {
	conn := m.reg.get(name, proto.ChannelHealth)
	if conn == nil {
		return errors.Wrap(ErrUnknownPeer, "no health channel")
	}
	reply, cancel := m.pongs.expect(name)
	defer cancel()
	if err := conn.WriteMessage(proto.Ping{}); err != nil {
		return errors.Wrap(err, "ping")
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		conn.Close()
		return errors.Wrap(ctx.Err(), "awaiting pong")
	}
}
