package peerroll

import (
	"math/rand"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/peerroll/proto"
	"github.com/pkg/errors"
)

const (
	// DefaultDialBackoffMin and DefaultDialBackoffMax bound the random wait
	// between attempts to dial a peer that isn't listening yet.
	DefaultDialBackoffMin = 500 * time.Millisecond
	DefaultDialBackoffMax = 2500 * time.Millisecond
)

// dialChannel opens one channel of kind to the peer at ep and registers it.
//
// Stream errors, whether dialing or mid-handshake, mean the peer isn't ready
// yet and are retried with a random backoff until Stop. A peer that answers
// with something unparseable, the wrong message, or a rejection is speaking
// something else, and retrying won't help.
func (m *Manager) dialChannel(ep proto.Endpoint, kind proto.ChannelKind) error {
	l := m.l.New("endpoint", ep.String(), "kind", kind)
	for attempt := 1; ; attempt++ {
		if m.ctx.Err() != nil {
			return ErrManagerStopped
		}
		c, err := m.dialer.DialContext(m.ctx, "tcp", ep.String())
		if err != nil {
			if !m.retryAfter(l, attempt, "peer not reachable yet, retrying", err) {
				return ErrManagerStopped
			}
			continue
		}

		conn := proto.NewConn(c, m.writeTimeout)
		handshakeEnd := m.closeOnStop(conn)
		resp, err := RequestHandshake(conn, m.connectionRequest(kind), m.handshakeTimeout)
		close(handshakeEnd)
		if err != nil {
			conn.Close()
			if cause := errors.Cause(err); cause == ErrProtocol || cause == ErrHandshakeRejected {
				l.Error("handshake failed, giving up on channel", "err", err)
				return errors.Wrapf(err, "opening %s channel to %v", kind, ep)
			}
			if !m.retryAfter(l, attempt, "stream failed during handshake, retrying", err) {
				return ErrManagerStopped
			}
			continue
		}
		if err := m.register(resp.Name, kind, conn, ep); err != nil {
			conn.Close()
			return err
		}
		return nil
	}
}

// retryAfter waits out a backoff. It returns false if the manager stopped
// first.
func (m *Manager) retryAfter(l log15.Logger, attempt int, msg string, err error) bool {
	wait := m.backoff()
	l.Debug(msg, "attempt", attempt, "wait", wait, "err", err)
	select {
	case <-m.ctx.Done():
		return false
	case <-m.clock.After(wait):
		return true
	}
}

// closeOnStop closes conn if the manager stops before the returned channel is
// closed.
func (m *Manager) closeOnStop(conn *proto.Conn) chan struct{} {
	end := make(chan struct{})
	go func() {
		select {
		case <-end:
		case <-m.ctx.Done():
			conn.Close()
		}
	}()
	return end
}

// backoff picks a wait uniformly from [backoffMin, backoffMax).
func (m *Manager) backoff() time.Duration {
	spread := m.backoffMax - m.backoffMin
	if spread <= 0 {
		return m.backoffMin
	}
	return m.backoffMin + time.Duration(rand.Int63n(int64(spread)))
}
