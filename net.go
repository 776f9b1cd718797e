package peerroll

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// dialer opens streams to other peers. It is satisfied by *net.Dialer and
// swapped out in tests.
type dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// listen opens a TCP listener with SO_REUSEADDR set, so a restarted peer can
// rebind its port while old connections linger in TIME_WAIT.
func listen(ctx context.Context, addr string) (net.Listener, error) {
	cfg := net.ListenConfig{Control: reuseAddr}
	return cfg.Listen(ctx, "tcp", addr)
}

func reuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
