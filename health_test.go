package peerroll

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ngrok/peerroll/proto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
)

func TestFailureDetectorDropsDeadPeer(t *testing.T) {
	peers := startMesh(t, []string{"A", "B", "C"})
	a, c := peers[0], peers[2]
	require.Equal(t, []string{"B", "C"}, a.LivingPeers())

	a.detector.probeAll(testCtx(t))
	require.Equal(t, []string{"B", "C"}, a.LivingPeers())

	c.Stop()
	a.detector.probeAll(testCtx(t))
	require.Equal(t, []string{"B"}, a.LivingPeers())

	// advisory only
	require.True(t, a.IsLeader())
}

func TestHealthChecksReuseRegisteredChannels(t *testing.T) {
	peers := startMesh(t, []string{"A", "B", "C"})
	before := make([]map[string]*proto.Conn, len(peers))
	for i, m := range peers {
		before[i] = m.reg.snapshot(proto.ChannelHealth)
		require.Len(t, before[i], 2)
	}

	// every peer checking every other, several rounds, each pair in both
	// directions at once
	var wg sync.WaitGroup
	for _, m := range peers {
		m := m
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 3; i++ {
				m.detector.probeAll(testCtx(t))
			}
		}()
	}
	wg.Wait()

	for i, m := range peers {
		require.Equal(t, before[i], m.reg.snapshot(proto.ChannelHealth), m.Name())
		require.Len(t, m.LivingPeers(), 2, m.Name())
	}

	// the channels still carry pings afterwards
	a := peers[0]
	require.NoError(t, a.pingPeer(testCtx(t), "B"))
}

func TestPingWithoutHealthChannel(t *testing.T) {
	peers := startMesh(t, []string{"A", "B"})
	err := peers[0].pingPeer(testCtx(t), "nobody")
	require.Equal(t, ErrUnknownPeer, errors.Cause(err))
}

func TestFailureDetectorStandalone(t *testing.T) {
	unreachable := errors.New("connection refused")
	var mu sync.Mutex
	var pinged, dead []string
	ping := func(ctx context.Context, name string) error {
		mu.Lock()
		pinged = append(pinged, name)
		mu.Unlock()
		switch name {
		case "silent":
			<-ctx.Done()
			return ctx.Err()
		case "nowhere":
			return unreachable
		}
		return nil
	}

	d := newFailureDetector(l, clock.RealClock{}, ping, time.Hour, 100*time.Millisecond)
	d.onDead = func(name string) {
		mu.Lock()
		defer mu.Unlock()
		dead = append(dead, name)
	}
	d.seed(map[string]proto.Endpoint{
		"B":       {Address: "127.0.0.1", Port: 2},
		"silent":  {Address: "127.0.0.1", Port: 3},
		"nowhere": {Address: "127.0.0.1", Port: 1},
	})

	d.probeAll(testCtx(t))
	require.Equal(t, []string{"B"}, d.livingNames())
	mu.Lock()
	require.Equal(t, []string{"B", "nowhere", "silent"}, pinged)
	require.Equal(t, []string{"nowhere", "silent"}, dead)
	mu.Unlock()

	// the dead are not checked again
	d.probeAll(testCtx(t))
	mu.Lock()
	require.Equal(t, []string{"B", "nowhere", "silent", "B"}, pinged)
	mu.Unlock()

	// a round cut short by its context removes no one
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.probeAll(ctx)
	require.Equal(t, []string{"B"}, d.livingNames())
}
