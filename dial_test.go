package peerroll

import (
	"testing"
	"time"

	"github.com/ngrok/peerroll/proto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	fakeclock "k8s.io/utils/clock/testing"
)

type newResult struct {
	m   *Manager
	err error
}

// TestDialRetriesUntilPeerIsUp checks that refused dials back off on the
// clock and are retried rather than failing bring-up.
func TestDialRetriesUntilPeerIsUp(t *testing.T) {
	listeners := createListeners(t, 2)
	b, err := New(testCtx(t), identityFor(t, "B", listeners[1]), WithLogger(l.New("peer", "B")), WithListener(listeners[1]))
	require.NoError(t, err)
	defer b.Stop()

	clock := fakeclock.NewFakeClock(time.Now())
	d := &refusingDialer{refusals: 6}
	done := make(chan newResult, 1)
	go func() {
		m, err := New(testCtx(t), identityFor(t, "A", listeners[0], listeners[1]),
			WithLogger(l.New("peer", "A")),
			WithListener(listeners[0]),
			WithClock(clock),
			WithHealthInterval(time.Hour),
			withDialer(d),
		)
		done <- newResult{m, err}
	}()

	var res newResult
	deadline := time.After(10 * time.Second)
loop:
	for {
		select {
		case res = <-done:
			break loop
		case <-deadline:
			t.Fatal("bring-up never finished")
		default:
		}
		if clock.HasWaiters() {
			clock.Step(DefaultDialBackoffMax)
		}
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, res.err)
	defer res.m.Stop()

	require.Equal(t, []string{"B"}, res.m.Peers())
	// the first six dials were refused, whichever channels made them
	require.Greater(t, d.Attempts(), 6)
}

func TestDialAbortsOnGarbledHandshake(t *testing.T) {
	for _, tc := range []struct {
		name  string
		reply string
		want  error
	}{
		{"garbage", "zz|", ErrProtocol},
		{"wrong message", "i|", ErrProtocol},
		{"rejected", "2B@False|", ErrHandshakeRejected},
	} {
		t.Run(tc.name, func(t *testing.T) {
			listeners := createListeners(t, 2)
			defer listeners[1].Close()
			go scriptedPeer(listeners[1], []byte(tc.reply))

			_, err := New(testCtx(t), identityFor(t, "A", listeners[0], listeners[1]),
				WithLogger(l.New("peer", "A")),
				WithListener(listeners[0]),
			)
			require.Error(t, err)
			require.Equal(t, tc.want, errors.Cause(err))
		})
	}
}

// TestDialRetriesAfterHangup checks that a stream dropped before the
// handshake answer is redialed rather than failing bring-up.
func TestDialRetriesAfterHangup(t *testing.T) {
	listeners := createListeners(t, 2)
	flaky := &hangupListener{Listener: listeners[1], hangups: 2}
	b, err := New(testCtx(t), identityFor(t, "B", listeners[1]), WithLogger(l.New("peer", "B")), WithListener(flaky))
	require.NoError(t, err)
	defer b.Stop()

	a, err := New(testCtx(t), identityFor(t, "A", listeners[0], listeners[1]),
		WithLogger(l.New("peer", "A")),
		WithListener(listeners[0]),
		WithDialBackoff(10*time.Millisecond, 20*time.Millisecond),
		WithHealthInterval(time.Hour),
	)
	require.NoError(t, err)
	defer a.Stop()

	require.Equal(t, []string{"B"}, a.Peers())
	require.Zero(t, flaky.remaining())
	require.Eventually(t, func() bool {
		for _, kind := range proto.PeerChannels {
			if a.reg.count(kind) != 1 || b.reg.count(kind) != 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}
