package peerroll

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/ngrok/peerroll/proto"
	"github.com/stretchr/testify/require"
	fakeclock "k8s.io/utils/clock/testing"
)

// attachedLink returns a link writing to one end of a pipe, and the other
// end.
func attachedLink(t *testing.T, every int, gap time.Duration) (*watcherLink, *fakeclock.FakeClock, *proto.Conn) {
	clock := fakeclock.NewFakeClock(time.Now())
	w := newWatcherLink(l, clock, every, gap)
	local, remote := net.Pipe()
	w.attach(proto.NewConn(local, time.Second))
	watcher := proto.NewConn(remote, 0)
	t.Cleanup(func() {
		w.close()
		watcher.Close()
	})
	return w, clock, watcher
}

func queued(w *watcherLink) []string {
	var sinks []string
	for {
		select {
		case ev := <-w.queue:
			sinks = append(sinks, ev.Sink)
		default:
			return sinks
		}
	}
}

func TestWatcherLinkSamples(t *testing.T) {
	w, _, _ := attachedLink(t, 3, 0)
	for i := 1; i <= 9; i++ {
		w.send(proto.EventInput, "A", fmt.Sprint(i))
	}
	require.Equal(t, []string{"3", "6", "9"}, queued(w))
}

func TestWatcherLinkEnforcesGap(t *testing.T) {
	w, clock, _ := attachedLink(t, 1, time.Second)
	w.send(proto.EventGame, "A", "1")
	w.send(proto.EventGame, "A", "2")
	clock.Step(500 * time.Millisecond)
	w.send(proto.EventGame, "A", "3")
	clock.Step(500 * time.Millisecond)
	w.send(proto.EventGame, "A", "4")
	w.send(proto.EventGame, "A", "5")
	require.Equal(t, []string{"1", "4"}, queued(w))
}

func TestWatcherLinkDropsWhenFull(t *testing.T) {
	w, _, _ := attachedLink(t, 1, 0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < eventQueueLen+10; i++ {
			w.send(proto.EventInput, "A", fmt.Sprint(i))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("send blocked on a full queue")
	}
	sinks := queued(w)
	require.Len(t, sinks, eventQueueLen)
	require.Equal(t, "0", sinks[0])
	require.Equal(t, fmt.Sprint(eventQueueLen-1), sinks[eventQueueLen-1])
}

func TestWatcherLinkWithoutWatcher(t *testing.T) {
	w := newWatcherLink(l, fakeclock.NewFakeClock(time.Now()), 1, 0)
	w.send(proto.EventInput, "A", "B")
	require.Empty(t, queued(w))
}

func TestWatcherLinkPumpsEvents(t *testing.T) {
	w, _, watcher := attachedLink(t, 1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.pump(ctx)

	w.send(proto.EventDead, "A", "C")
	watcher.SetReadDeadline(time.Now().Add(5 * time.Second))
	msg, err := watcher.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, proto.Event{Kind: proto.EventDead, Source: "A", Sink: "C"}, msg)
}
