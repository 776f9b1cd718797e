// Package watcher receives the telemetry peers send on their watcher channel.
package watcher

import (
	"context"
	"net"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/peerroll"
	"github.com/ngrok/peerroll/proto"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Name is what the watcher calls itself in handshakes.
const Name = "watcher"

// Server accepts watcher channels and hands every Event to a callback.
type Server struct {
	handle func(proto.Event)
	l      log15.Logger
}

// Option is an option function for Server.
type Option func(s *Server)

// WithLogger configures the logger. By default, nothing will be logged.
func WithLogger(l log15.Logger) Option {
	return func(s *Server) {
		s.l = l
	}
}

// NewServer returns a watcher that calls handle for each event. handle may be
// called from several goroutines at once.
func NewServer(handle func(proto.Event), opts ...Option) *Server {
	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	s := &Server{
		handle: handle,
		l:      noopLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts peers on ln until ctx ends, then closes ln and every stream
// and waits for their readers.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		return nil
	})
	g.Go(func() error {
		for {
			c, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Wrap(err, "error accepting peer")
			}
			g.Go(func() error {
				s.serveConn(ctx, c)
				return nil
			})
		}
	})
	return g.Wait()
}

func (s *Server) serveConn(ctx context.Context, c net.Conn) {
	conn := proto.NewConn(c, 0)
	defer conn.Close()

	req, err := peerroll.AcceptHandshake(conn, Name, peerroll.DefaultHandshakeTimeout, proto.ChannelWatcher)
	if err != nil {
		s.l.Warn("refused peer", "remote", c.RemoteAddr(), "err", err)
		return
	}
	l := s.l.New("peer", req.Name)
	l.Info("peer attached")

	connEnd := make(chan struct{})
	defer close(connEnd)
	go func() {
		select {
		case <-connEnd:
		case <-ctx.Done():
			conn.Close()
		}
	}()

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			l.Info("peer detached", "err", err)
			return
		}
		ev, ok := msg.(proto.Event)
		if !ok {
			l.Warn("unexpected message on watcher channel", "tag", string(msg.Tag()))
			return
		}
		s.handle(ev)
	}
}
