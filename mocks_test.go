package peerroll

import (
	"context"
	"net"
	"sync"
	"syscall"

	"github.com/ngrok/peerroll/proto"
)

// refusingDialer refuses the first refusals dials, then dials for real.
type refusingDialer struct {
	mu       sync.Mutex
	refusals int
	attempts int
	d        net.Dialer
}

func (r *refusingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	r.mu.Lock()
	r.attempts++
	refuse := r.refusals > 0
	if refuse {
		r.refusals--
	}
	r.mu.Unlock()
	if refuse {
		return nil, &net.OpError{Op: "dial", Net: network, Err: syscall.ECONNREFUSED}
	}
	return r.d.DialContext(ctx, network, addr)
}

func (r *refusingDialer) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// hangupListener closes the first hangups streams it accepts without a word,
// then hands the rest to its caller.
type hangupListener struct {
	net.Listener

	mu      sync.Mutex
	hangups int
}

func (h *hangupListener) Accept() (net.Conn, error) {
	for {
		c, err := h.Listener.Accept()
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		hangup := h.hangups > 0
		if hangup {
			h.hangups--
		}
		h.mu.Unlock()
		if !hangup {
			return c, nil
		}
		c.Close()
	}
}

func (h *hangupListener) remaining() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hangups
}

// scriptedPeer accepts streams and answers each with reply, whatever it
// receives.
func scriptedPeer(ln net.Listener, reply []byte) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer c.Close()
			buf := make([]byte, 512)
			if _, err := c.Read(buf); err != nil {
				return
			}
			c.Write(reply)
		}()
	}
}

// fixedScores is a Simulation that only overwrites scores.
type fixedScores map[string]int

func (s fixedScores) Step(state proto.GameState, _ map[string]proto.InputState) proto.GameState {
	next := state.Clone()
	for i := range next.Entities {
		next.Entities[i].Score = s[next.Entities[i].ID]
	}
	next.EphemeralCounter++
	return next
}
