package peerroll

import (
	"context"
	"math/rand"
	"net"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/peerroll/proto"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

const (
	negotiateRetryMin = 500 * time.Millisecond
	negotiateRetryMax = time.Second
)

type negotiator struct {
	timeout time.Duration
	dialer  dialer
	clock   clock.Clock
	l       log15.Logger
}

// NegotiateOption is an option function for Negotiate.
type NegotiateOption func(n *negotiator)

// WithNegotiateLogger configures the logger for the bootstrap exchange.
func WithNegotiateLogger(l log15.Logger) NegotiateOption {
	return func(n *negotiator) {
		n.l = l
	}
}

// WithNegotiateClock replaces the clock used between retries.
func WithNegotiateClock(c clock.Clock) NegotiateOption {
	return func(n *negotiator) {
		n.clock = c
	}
}

// WithNegotiateTimeout bounds the dial and the wait for the registration
// answer. The wait for the final identity is bounded only by ctx, since it
// arrives once every peer has registered.
func WithNegotiateTimeout(d time.Duration) NegotiateOption {
	return func(n *negotiator) {
		n.timeout = d
	}
}

// Negotiate registers name with the rendezvous service at addr and waits for
// this peer's identity. It reports whether this peer was chosen as the
// initial leader.
//
// Any failure along the way is retried after a short random wait until ctx
// ends.
func Negotiate(ctx context.Context, addr, name string, opts ...NegotiateOption) (proto.Machine, bool, error) {
	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	n := &negotiator{
		timeout: DefaultHandshakeTimeout,
		dialer:  &net.Dialer{},
		clock:   clock.RealClock{},
		l:       noopLogger,
	}
	for _, opt := range opts {
		opt(n)
	}
	l := n.l.New("negotiator", addr, "name", name)

	for {
		machine, isLeader, err := n.attempt(ctx, addr, name)
		if err == nil {
			l.Info("negotiated identity", "port", machine.ListenPort, "connections", len(machine.Connections), "leader", isLeader)
			return machine, isLeader, nil
		}
		if ctx.Err() != nil {
			return proto.Machine{}, false, errors.Wrap(ctx.Err(), err.Error())
		}
		wait := negotiateRetryMin + time.Duration(rand.Int63n(int64(negotiateRetryMax-negotiateRetryMin)))
		l.Warn("negotiation failed, retrying", "err", err, "wait", wait)
		select {
		case <-ctx.Done():
			return proto.Machine{}, false, ctx.Err()
		case <-n.clock.After(wait):
		}
	}
}

func (n *negotiator) attempt(ctx context.Context, addr, name string) (proto.Machine, bool, error) {
	dctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	c, err := n.dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		return proto.Machine{}, false, errors.Wrap(err, "dial")
	}
	conn := proto.NewConn(c, n.timeout)
	defer conn.Close()

	// close the stream if ctx ends while we're blocked reading
	functionEnd := make(chan struct{})
	defer close(functionEnd)
	go func() {
		select {
		case <-functionEnd:
		case <-ctx.Done():
			conn.Close()
		}
	}()

	if err := conn.WriteMessage(proto.ConnectRequest{Name: name}); err != nil {
		return proto.Machine{}, false, errors.Wrap(err, "can't send connect request")
	}
	if err := conn.SetReadDeadline(time.Now().Add(n.timeout)); err != nil {
		return proto.Machine{}, false, err
	}
	msg, err := conn.ReadMessage()
	if err != nil {
		return proto.Machine{}, false, errors.Wrap(err, "can't read connect response")
	}
	resp, ok := msg.(proto.ConnectResponse)
	if !ok {
		return proto.Machine{}, false, errors.Wrapf(ErrProtocol, "expected connect response, got %T", msg)
	}
	if !resp.Success {
		return proto.Machine{}, false, errors.Wrapf(ErrHandshakeRejected, "negotiator refused %q", name)
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return proto.Machine{}, false, err
	}
	msg, err = conn.ReadMessage()
	if err != nil {
		return proto.Machine{}, false, errors.Wrap(err, "can't read identity")
	}
	machine, ok := msg.(proto.Machine)
	if !ok {
		return proto.Machine{}, false, errors.Wrapf(ErrProtocol, "expected machine, got %T", msg)
	}
	return machine, resp.IsLeader, nil
}
