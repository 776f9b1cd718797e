package peerroll

import (
	"context"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/peerroll/proto"
	"k8s.io/utils/clock"
)

const (
	// DefaultEventSampling forwards one in this many events to the watcher.
	DefaultEventSampling = 10
	// DefaultEventGap is the minimum time between two forwarded events.
	DefaultEventGap = 50 * time.Millisecond

	eventQueueLen = 64
)

// watcherLink forwards sampled telemetry to a watcher. It never blocks its
// callers: events that don't fit the queue, or arrive with no watcher
// attached, are dropped.
type watcherLink struct {
	every int
	gap   time.Duration
	clock clock.Clock

	mu    sync.Mutex
	conn  *proto.Conn
	seen  int
	last  time.Time
	queue chan proto.Event

	l log15.Logger
}

func newWatcherLink(l log15.Logger, clk clock.Clock, every int, gap time.Duration) *watcherLink {
	if every <= 0 {
		every = 1
	}
	return &watcherLink{
		every: every,
		gap:   gap,
		clock: clk,
		queue: make(chan proto.Event, eventQueueLen),
		l:     l,
	}
}

func (w *watcherLink) attach(conn *proto.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn = conn
}

// send offers an event. Only sampled events that respect the gap are queued.
func (w *watcherLink) send(kind, source, sink string) {
	w.mu.Lock()
	if w.conn == nil {
		w.mu.Unlock()
		return
	}
	w.seen++
	if w.seen%w.every != 0 {
		w.mu.Unlock()
		return
	}
	now := w.clock.Now()
	if !w.last.IsZero() && now.Sub(w.last) < w.gap {
		w.mu.Unlock()
		return
	}
	w.last = now
	w.mu.Unlock()

	select {
	case w.queue <- proto.Event{Kind: kind, Source: source, Sink: sink}:
	default:
		w.l.Debug("watcher queue full, dropping event", "kind", kind)
	}
}

// pump writes queued events until ctx ends or the watcher goes away.
func (w *watcherLink) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.queue:
			w.mu.Lock()
			conn := w.conn
			w.mu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.WriteMessage(ev); err != nil {
				w.l.Warn("lost watcher, dropping telemetry", "err", err)
				w.close()
			}
		}
	}
}

func (w *watcherLink) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}
