package peerroll

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/peerroll/proto"
	"github.com/stretchr/testify/require"
)

var l = log15.New()

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// createListeners opens n loopback listeners on free ports.
func createListeners(t *testing.T, n int) []net.Listener {
	listeners := make([]net.Listener, n)
	for i := range listeners {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[i] = ln
	}
	return listeners
}

func endpointOf(t *testing.T, ln net.Listener) proto.Endpoint {
	ep, err := proto.EndpointFromAddr(ln.Addr())
	require.NoError(t, err)
	return ep
}

// identityFor is the identity a rendezvous service would hand out: listen on
// ln and dial every listener in connect.
func identityFor(t *testing.T, name string, ln net.Listener, connect ...net.Listener) proto.Machine {
	self := endpointOf(t, ln)
	m := proto.Machine{Name: name, HostAddress: self.Address, ListenPort: self.Port}
	for _, c := range connect {
		m.Connections = append(m.Connections, endpointOf(t, c))
	}
	return m
}

// startMesh brings up a full mesh of the named peers. Each peer dials every
// peer before it, as a rendezvous service would arrange. The first peer is
// the initial leader.
func startMesh(t *testing.T, names []string, opts ...Option) []*Manager {
	listeners := createListeners(t, len(names))
	managers := make([]*Manager, len(names))
	fatal := make(chan error, len(names))
	for i, name := range names {
		i, name := i, name
		identity := identityFor(t, name, listeners[i], listeners[:i]...)
		peerOpts := append([]Option{
			WithLogger(l.New("peer", name)),
			WithListener(listeners[i]),
			WithPeerCount(len(names)),
			WithInitialLeader(names[0]),
			WithHealthInterval(time.Hour),
		}, opts...)
		go func() {
			m, err := New(testCtx(t), identity, peerOpts...)
			if err != nil {
				fatal <- fmt.Errorf("peer %s: %v", name, err)
				return
			}
			managers[i] = m
			fatal <- nil
		}()
	}
	for range names {
		err := <-fatal
		if err != nil {
			t.Cleanup(func() {
				for _, m := range managers {
					if m != nil {
						m.Stop()
					}
				}
			})
			t.Fatal(err)
		}
	}
	t.Cleanup(func() {
		for _, m := range managers {
			m.Stop()
		}
	})

	// bring-up only waits for input channels; wait for the rest too so tests
	// don't race the dial loops
	require.Eventually(t, func() bool {
		for _, m := range managers {
			for _, kind := range proto.PeerChannels {
				if m.reg.count(kind) < len(names)-1 {
					return false
				}
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)
	return managers
}

// rawHandshake dials m and opens a channel of kind as name, without a
// manager on this side.
func rawHandshake(t *testing.T, m *Manager, name string, kind proto.ChannelKind) *proto.Conn {
	c, err := net.Dial("tcp", m.Addr().String())
	require.NoError(t, err)
	conn := proto.NewConn(c, time.Second)
	t.Cleanup(func() { conn.Close() })
	resp, err := RequestHandshake(conn, proto.ConnectionRequest{Name: name, Address: "127.0.0.1", Port: 1, Kind: kind}, time.Second)
	require.NoError(t, err)
	require.Equal(t, m.Name(), resp.Name)
	return conn
}
