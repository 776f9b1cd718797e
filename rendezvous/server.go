// Package rendezvous is the bootstrap service peers negotiate their identity
// with.
//
// Peers register by name. The first to register is the initial leader. Once
// the expected number have registered, each is sent its Machine record,
// listing the peers that registered before it; those are the ones it dials.
package rendezvous

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/peerroll/proto"
	"github.com/pkg/errors"
)

// DefaultRequestTimeout bounds how long a client has to send its request.
const DefaultRequestTimeout = 5 * time.Second

type registration struct {
	machine proto.Machine
	conn    *proto.Conn
}

// Server hands out identities to a fixed number of peers.
type Server struct {
	expected       int
	basePort       int
	requestTimeout time.Duration

	mu    sync.Mutex
	peers []registration
	names map[string]bool

	l log15.Logger
}

// Option is an option function for Server.
type Option func(s *Server)

// WithLogger configures the logger. By default, nothing will be logged.
func WithLogger(l log15.Logger) Option {
	return func(s *Server) {
		s.l = l
	}
}

// WithRequestTimeout bounds how long a client has to send its request.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.requestTimeout = d
	}
}

// NewServer returns a server that waits for expected peers and assigns them
// listen ports counting up from basePort.
func NewServer(expected, basePort int, opts ...Option) *Server {
	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	s := &Server{
		expected:       expected,
		basePort:       basePort,
		requestTimeout: DefaultRequestTimeout,
		names:          make(map[string]bool),
		l:              noopLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts registrations on ln until the expected number of peers have
// registered, sends every peer its identity, and returns the identities in
// registration order. It closes ln before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) ([]proto.Machine, error) {
	defer ln.Close()
	serveEnd := make(chan struct{})
	defer close(serveEnd)
	go func() {
		select {
		case <-serveEnd:
		case <-ctx.Done():
			ln.Close()
		}
	}()

	for !s.full() {
		c, err := ln.Accept()
		if err != nil {
			s.closeAll()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.Wrap(err, "error accepting peer")
		}
		s.handle(c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	machines := make([]proto.Machine, 0, len(s.peers))
	for _, p := range s.peers {
		if err := p.conn.WriteMessage(p.machine); err != nil {
			s.l.Warn("could not send identity", "peer", p.machine.Name, "err", err)
		}
		p.conn.Close()
		machines = append(machines, p.machine)
	}
	s.l.Info("all peers registered", "peers", len(s.peers))
	return machines, nil
}

func (s *Server) handle(c net.Conn) {
	conn := proto.NewConn(c, s.requestTimeout)
	l := s.l.New("remote", c.RemoteAddr())
	if err := c.SetReadDeadline(time.Now().Add(s.requestTimeout)); err != nil {
		c.Close()
		return
	}
	msg, err := conn.ReadMessage()
	if err != nil {
		l.Warn("bad registration", "err", err)
		c.Close()
		return
	}
	req, ok := msg.(proto.ConnectRequest)
	if !ok || !proto.ValidName(req.Name) {
		l.Warn("bad registration", "msg", msg)
		_ = conn.WriteMessage(proto.ConnectResponse{Success: false})
		c.Close()
		return
	}
	_ = c.SetReadDeadline(time.Time{})

	host, err := proto.EndpointFromAddr(c.RemoteAddr())
	if err != nil {
		l.Warn("can't tell peer's address", "err", err)
		c.Close()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.names[req.Name] {
		l.Warn("duplicate name", "name", req.Name)
		_ = conn.WriteMessage(proto.ConnectResponse{Success: false})
		c.Close()
		return
	}

	machine := proto.Machine{
		Name:        req.Name,
		HostAddress: host.Address,
		ListenPort:  s.basePort + len(s.peers),
		Connections: []proto.Endpoint{},
	}
	for _, p := range s.peers {
		machine.Connections = append(machine.Connections, p.machine.Endpoint())
	}
	isLeader := len(s.peers) == 0
	if err := conn.WriteMessage(proto.ConnectResponse{Success: true, IsLeader: isLeader}); err != nil {
		l.Warn("could not answer registration", "err", err)
		c.Close()
		return
	}
	s.names[req.Name] = true
	s.peers = append(s.peers, registration{machine: machine, conn: conn})
	l.Info("registered peer", "name", req.Name, "port", machine.ListenPort, "leader", isLeader)
}

func (s *Server) full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers) >= s.expected
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		p.conn.Close()
	}
}
