package peerroll

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/peerroll/proto"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

const (
	// DefaultInputInterval is the minimum time between two input broadcasts.
	DefaultInputInterval = time.Second / 30
	// DefaultWriteTimeout bounds every write to a peer.
	DefaultWriteTimeout = 2 * time.Second

	acceptPollInterval = 250 * time.Millisecond
)

// Manager owns this peer's side of the mesh: the listener, one stream per
// (peer, channel kind), the leadership view, the failure detector and the
// optional watcher link.
type Manager struct {
	identity proto.Machine
	name     string

	peerCount        int
	initialLeader    string
	inputInterval    time.Duration
	healthInterval   time.Duration
	healthTimeout    time.Duration
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	backoffMin       time.Duration
	backoffMax       time.Duration
	watcherAddr      string
	eventEvery       int
	eventGap         time.Duration
	onState          func(source string, state proto.GameState)

	ln     net.Listener
	dialer dialer
	clock  clock.Clock
	l      log15.Logger

	// ctx lives until Stop; every worker in group watches it.
	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	reg      *registry
	lead     *leadership
	detector *failureDetector
	pongs    *pongs
	watch    *watcherLink

	joined     chan struct{}
	joinedOnce sync.Once
	dialErrs   chan error

	inputMu       sync.Mutex
	inputs        map[string]proto.InputState
	lastInputSend time.Time

	// readers counts running channel readers.
	readers int32

	stopOnce sync.Once
}

// Option is an option function for Manager.
// See Rob Pike's post on the topic for more information on this pattern:
// https://commandcenter.blogspot.com/2014/01/self-referential-functions-and-design.html
type Option func(m *Manager)

// WithLogger configures the logger to use for mesh operations.
// By default, nothing will be logged.
func WithLogger(l log15.Logger) Option {
	return func(m *Manager) {
		m.l = l
	}
}

// WithClock replaces the clock used for backoff, rate limiting and probe
// scheduling.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithListener makes the manager accept on ln instead of listening on the
// identity's address. The manager takes ownership of ln.
func WithListener(ln net.Listener) Option {
	return func(m *Manager) {
		m.ln = ln
	}
}

// WithWatcher connects to a telemetry watcher at addr during bring-up. Failing
// to reach it is not an error.
func WithWatcher(addr string) Option {
	return func(m *Manager) {
		m.watcherAddr = addr
	}
}

// WithPeerCount sets the size of the mesh, this peer included. New blocks
// until it has an input channel to each of the others. By default the count
// is one more than the number of connections in the identity.
func WithPeerCount(n int) Option {
	return func(m *Manager) {
		m.peerCount = n
	}
}

// WithInitialLeader names the leader before any state has been received.
// Without it, the first adopted state decides.
func WithInitialLeader(name string) Option {
	return func(m *Manager) {
		m.initialLeader = name
	}
}

// WithInputInterval sets the minimum time between input broadcasts. If 0 is
// specified, the default will be used.
func WithInputInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.inputInterval = d
		if d <= 0 {
			m.inputInterval = DefaultInputInterval
		}
	}
}

// WithHealthInterval sets the time between failure detector rounds.
func WithHealthInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.healthInterval = d
		}
	}
}

// WithHealthTimeout bounds each failure detector probe.
func WithHealthTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.healthTimeout = d
		}
	}
}

// WithDialBackoff sets the range a dial retry waits in. The wait is uniformly
// random in [min, max).
func WithDialBackoff(min, max time.Duration) Option {
	return func(m *Manager) {
		m.backoffMin = min
		m.backoffMax = max
	}
}

// WithStateHandler registers fn to be called with every adopted state and the
// peer it came from. fn runs on the game channel's reader and must not block.
func WithStateHandler(fn func(source string, state proto.GameState)) Option {
	return func(m *Manager) {
		m.onState = fn
	}
}

// WithEventSampling forwards one in every events to the watcher, and at most
// one per gap.
func WithEventSampling(every int, gap time.Duration) Option {
	return func(m *Manager) {
		m.eventEvery = every
		m.eventGap = gap
	}
}

func withDialer(d dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// New brings this peer into the mesh described by identity and returns once
// it has an input channel to every other peer.
//
// identity.Connections are the peers this one dials; the rest dial in. ctx
// bounds only the bring-up: if it ends first, everything started so far is
// stopped and the context's error is returned.
func New(ctx context.Context, identity proto.Machine, opts ...Option) (*Manager, error) {
	if !proto.ValidName(identity.Name) {
		return nil, errors.Errorf("invalid peer name %q", identity.Name)
	}

	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	m := &Manager{
		identity:         identity,
		name:             identity.Name,
		peerCount:        len(identity.Connections) + 1,
		inputInterval:    DefaultInputInterval,
		healthInterval:   DefaultHealthInterval,
		healthTimeout:    DefaultHealthTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
		writeTimeout:     DefaultWriteTimeout,
		backoffMin:       DefaultDialBackoffMin,
		backoffMax:       DefaultDialBackoffMax,
		eventEvery:       DefaultEventSampling,
		eventGap:         DefaultEventGap,
		dialer:           &net.Dialer{},
		clock:            clock.RealClock{},
		l:                noopLogger,
		joined:           make(chan struct{}),
		inputs:           make(map[string]proto.InputState),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.l = m.l.New("self", m.name)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.dialErrs = make(chan error, len(identity.Connections)*len(proto.PeerChannels))
	m.reg = newRegistry(m.l)
	m.lead = newLeadership(m.l, m.name, m.initialLeader)
	m.pongs = newPongs()
	m.watch = newWatcherLink(m.l.New("component", "watcher"), m.clock, m.eventEvery, m.eventGap)

	if err := m.bringUp(ctx); err != nil {
		m.Stop()
		return nil, err
	}
	return m, nil
}

func (m *Manager) bringUp(ctx context.Context) error {
	if m.watcherAddr != "" {
		m.connectWatcher(ctx)
	}

	if m.ln == nil {
		addr := net.JoinHostPort(m.identity.HostAddress, strconv.Itoa(m.identity.ListenPort))
		ln, err := listen(ctx, addr)
		if err != nil {
			return errors.Wrapf(err, "error listening on %s", addr)
		}
		m.ln = ln
	}
	m.l.Info("listening", "addr", m.ln.Addr())
	m.group.Go(func() error {
		m.serve()
		return nil
	})

	for _, ep := range m.identity.Connections {
		for _, kind := range proto.PeerChannels {
			ep, kind := ep, kind
			m.group.Go(func() error {
				if err := m.dialChannel(ep, kind); err != nil && errors.Cause(err) != ErrManagerStopped {
					m.dialErrs <- err
				}
				return nil
			})
		}
	}

	if m.peerCount <= 1 {
		m.markJoined()
	}
	select {
	case <-m.joined:
	case err := <-m.dialErrs:
		return err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "mesh did not form")
	}
	m.l.Info("mesh formed", "peers", m.Peers())

	m.detector = newFailureDetector(m.l.New("component", "health"), m.clock, m.pingPeer, m.healthInterval, m.healthTimeout)
	m.detector.onDead = func(name string) {
		m.watch.send(proto.EventDead, m.name, name)
	}
	m.detector.seed(m.siblingEndpoints())
	m.group.Go(func() error {
		m.detector.run(m.ctx)
		return nil
	})
	return nil
}

// siblingEndpoints returns the redial endpoint of every handshaken peer.
func (m *Manager) siblingEndpoints() map[string]proto.Endpoint {
	eps := m.reg.endpoints()
	out := make(map[string]proto.Endpoint)
	for _, name := range m.reg.names(proto.ChannelInput) {
		if ep, ok := eps[name]; ok {
			out[name] = ep
		}
	}
	return out
}

func (m *Manager) connectWatcher(ctx context.Context) {
	dctx, cancel := context.WithTimeout(ctx, m.handshakeTimeout)
	defer cancel()
	c, err := m.dialer.DialContext(dctx, "tcp", m.watcherAddr)
	if err != nil {
		m.l.Warn("watcher unreachable, continuing without telemetry", "addr", m.watcherAddr, "err", err)
		return
	}
	conn := proto.NewConn(c, m.writeTimeout)
	if _, err := RequestHandshake(conn, m.connectionRequest(proto.ChannelWatcher), m.handshakeTimeout); err != nil {
		m.l.Warn("watcher handshake failed, continuing without telemetry", "addr", m.watcherAddr, "err", err)
		conn.Close()
		return
	}
	m.watch.attach(conn)
	m.group.Go(func() error {
		m.watch.pump(m.ctx)
		return nil
	})
}

// connectionRequest is what this peer sends when opening a channel. The
// address is where it can be redialed.
func (m *Manager) connectionRequest(kind proto.ChannelKind) proto.ConnectionRequest {
	req := proto.ConnectionRequest{
		Name:    m.name,
		Address: m.identity.HostAddress,
		Port:    m.identity.ListenPort,
		Kind:    kind,
	}
	if m.ln != nil {
		if ep, err := proto.EndpointFromAddr(m.ln.Addr()); err == nil {
			req.Port = ep.Port
			if req.Address == "" {
				req.Address = ep.Address
			}
		}
	}
	return req
}

func (m *Manager) markJoined() {
	m.joinedOnce.Do(func() {
		close(m.joined)
	})
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// serve accepts streams until Stop. Each one gets its own handshake worker.
func (m *Manager) serve() {
	dl, canPoll := m.ln.(deadliner)
	for {
		if canPoll {
			_ = dl.SetDeadline(time.Now().Add(acceptPollInterval))
		}
		c, err := m.ln.Accept()
		if m.ctx.Err() != nil {
			if c != nil {
				c.Close()
			}
			m.l.Info("listener closed, no longer accepting peers")
			return
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			m.l.Error("error accepting peer", "err", err)
			continue
		}
		m.group.Go(func() error {
			m.handleIncoming(c)
			return nil
		})
	}
}

func (m *Manager) handleIncoming(c net.Conn) {
	conn := proto.NewConn(c, m.writeTimeout)
	handshakeEnd := m.closeOnStop(conn)
	req, err := AcceptHandshake(conn, m.name, m.handshakeTimeout, proto.PeerChannels...)
	close(handshakeEnd)
	if err != nil {
		m.l.Warn("refused incoming channel", "remote", c.RemoteAddr(), "err", err)
		conn.Close()
		return
	}
	ep := proto.Endpoint{Address: req.Address, Port: req.Port}
	if err := m.register(req.Name, req.Kind, conn, ep); err != nil {
		m.l.Debug("could not register incoming channel", "peer", req.Name, "kind", req.Kind, "err", err)
		conn.Close()
	}
}

// register binds conn to (name, kind), starting its reader if none is
// running.
func (m *Manager) register(name string, kind proto.ChannelKind, conn *proto.Conn, ep proto.Endpoint) error {
	spawn, err := m.reg.put(name, kind, conn, ep)
	if err != nil {
		return err
	}
	m.l.Info("registered channel", "peer", name, "kind", kind)
	if spawn {
		m.group.Go(func() error {
			m.readLoop(name, kind)
			return nil
		})
	}
	if kind == proto.ChannelInput && m.reg.count(proto.ChannelInput) >= m.peerCount-1 {
		m.markJoined()
	}
	return nil
}

// readLoop consumes (name, kind) until its stream fails and has not been
// replaced.
func (m *Manager) readLoop(name string, kind proto.ChannelKind) {
	atomic.AddInt32(&m.readers, 1)
	defer atomic.AddInt32(&m.readers, -1)
	l := m.l.New("peer", name, "kind", kind)

	conn := m.reg.get(name, kind)
	for conn != nil {
		msg, err := conn.ReadMessage()
		if err == nil {
			err = m.handle(name, kind, conn, msg)
		}
		if err != nil {
			if m.ctx.Err() == nil {
				l.Debug("channel closed", "err", err)
			}
			conn.Close()
			conn = m.reg.release(name, kind, conn)
		}
	}
	l.Debug("reader exiting")
}

func (m *Manager) handle(name string, kind proto.ChannelKind, conn *proto.Conn, msg proto.Message) error {
	switch kind {
	case proto.ChannelInput:
		in, ok := msg.(proto.InputState)
		if !ok {
			break
		}
		m.setInput(name, in)
		return nil
	case proto.ChannelGame:
		state, ok := msg.(proto.GameState)
		if !ok {
			break
		}
		if m.lead.apply(name, state) && m.onState != nil {
			m.onState(name, state)
		}
		return nil
	case proto.ChannelHealth:
		if _, ok := msg.(proto.Ping); !ok {
			break
		}
		if m.pongs.take(name) {
			return nil
		}
		return conn.WriteMessage(proto.Ping{})
	}
	return errors.Wrapf(ErrProtocol, "unexpected %T on %s channel", msg, kind)
}

func (m *Manager) setInput(name string, in proto.InputState) {
	m.inputMu.Lock()
	defer m.inputMu.Unlock()
	m.inputs[name] = in
}

// writeAll sends msg on every stream of kind. A stream that fails the write
// is closed; its reader then drops it.
func (m *Manager) writeAll(kind proto.ChannelKind, msg proto.Message, event string) {
	for name, conn := range m.reg.snapshot(kind) {
		if err := conn.WriteMessage(msg); err != nil {
			m.l.Warn("write failed, dropping channel", "peer", name, "kind", kind, "err", err)
			conn.Close()
			continue
		}
		m.watch.send(event, m.name, name)
	}
}

// BroadcastInput records in as this peer's input and sends it to every peer.
// Sends are rate limited to one per input interval; calls in between only
// update the local copy.
func (m *Manager) BroadcastInput(in proto.InputState) error {
	if m.ctx.Err() != nil {
		return ErrManagerStopped
	}
	m.inputMu.Lock()
	m.inputs[m.name] = in
	now := m.clock.Now()
	if !m.lastInputSend.IsZero() && now.Sub(m.lastInputSend) < m.inputInterval {
		m.inputMu.Unlock()
		return nil
	}
	m.lastInputSend = now
	m.inputMu.Unlock()

	m.writeAll(proto.ChannelInput, in, proto.EventInput)
	return nil
}

// BroadcastGameState sends state to every peer. Only the leader, or a peer
// backup broadcasting after a handoff, may call it; anyone else gets
// ErrNotLeader.
//
// If the leader sends a state naming another peer as leader, it steps down
// and keeps backup broadcasting until it hears from that peer.
func (m *Manager) BroadcastGameState(state proto.GameState) error {
	if m.ctx.Err() != nil {
		return ErrManagerStopped
	}
	if err := m.lead.prepareBroadcast(state); err != nil {
		return err
	}
	m.writeAll(proto.ChannelGame, state, proto.EventGame)
	return nil
}

// IsLeader reports whether this peer currently leads.
func (m *Manager) IsLeader() bool {
	return m.lead.isLeader()
}

// ShouldBackupBroadcast reports whether this peer handed off leadership and
// hasn't yet heard from the new leader.
func (m *Manager) ShouldBackupBroadcast() bool {
	return m.lead.shouldBackupBroadcast()
}

// Role returns this peer's current role.
func (m *Manager) Role() Role {
	return m.lead.currentRole()
}

// Leader returns the leader this peer believes in.
func (m *Manager) Leader() proto.LeaderDesignator {
	return m.lead.leader()
}

// NeedToHearFrom returns the peer leadership was handed to, or "" if there's
// no handoff in flight.
func (m *Manager) NeedToHearFrom() string {
	return m.lead.pending()
}

// LatestState returns the most recent authoritative state, whether received
// or sent.
func (m *Manager) LatestState() (proto.GameState, bool) {
	return m.lead.latest()
}

// Inputs returns a copy of the latest input of every peer, this one included.
func (m *Manager) Inputs() map[string]proto.InputState {
	m.inputMu.Lock()
	defer m.inputMu.Unlock()
	out := make(map[string]proto.InputState, len(m.inputs))
	for name, in := range m.inputs {
		out[name] = in
	}
	return out
}

// Peers returns the names of peers with an open input channel.
func (m *Manager) Peers() []string {
	return m.reg.names(proto.ChannelInput)
}

// LivingPeers returns the siblings the failure detector still believes are
// alive.
func (m *Manager) LivingPeers() []string {
	if m.detector == nil {
		return nil
	}
	return m.detector.livingNames()
}

// ReconnectAddr returns where name can be redialed.
func (m *Manager) ReconnectAddr(name string) (proto.Endpoint, bool) {
	return m.reg.endpoint(name)
}

// Addr is the address this peer accepts on.
func (m *Manager) Addr() net.Addr {
	return m.ln.Addr()
}

// Name is this peer's name.
func (m *Manager) Name() string {
	return m.name
}

// Stop closes the listener and every stream, and waits for all workers to
// exit. It is safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.l.Info("stopping")
		m.cancel()
		if m.ln != nil {
			m.ln.Close()
		}
		m.reg.closeAll(ErrManagerStopped)
		m.watch.close()
		_ = m.group.Wait()
	})
}
