package peerroll

import (
	"sort"
	"sync"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/peerroll/proto"
)

// registry holds every handshaken stream, keyed by channel kind and then by
// the peer's name, plus the endpoint each peer can be redialed at.
//
// Each (name, kind) has at most one reader goroutine. The reader is started
// when the key is first registered and exits only after it removes the
// stream it was reading from; a replacement stream registered meanwhile is
// picked up by the running reader instead of starting a second one.
type registry struct {
	mu        sync.Mutex
	channels  map[proto.ChannelKind]map[string]*proto.Conn
	reconnect map[string]proto.Endpoint

	// locked indicates whether registration is refused. When true, all
	// mutations fail with lockedReason.
	locked       bool
	lockedReason error

	l log15.Logger
}

func newRegistry(l log15.Logger) *registry {
	r := &registry{
		channels:  make(map[proto.ChannelKind]map[string]*proto.Conn),
		reconnect: make(map[string]proto.Endpoint),
		l:         l,
	}
	for _, kind := range proto.PeerChannels {
		r.channels[kind] = make(map[string]*proto.Conn)
	}
	return r
}

// put stores conn as the stream for (name, kind), closing whatever it
// replaces. It reports whether the caller must start a reader for the key.
func (r *registry) put(name string, kind proto.ChannelKind, conn *proto.Conn, ep proto.Endpoint) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked {
		return false, r.lockedReason
	}
	byName, ok := r.channels[kind]
	if !ok {
		return false, ErrProtocol
	}
	if ep.Port != 0 {
		r.reconnect[name] = ep
	}
	old, exists := byName[name]
	byName[name] = conn
	if exists && old != conn {
		r.l.Info("replacing channel", "peer", name, "kind", kind)
		old.Close()
	}
	return !exists, nil
}

// get returns the current stream for (name, kind), or nil.
func (r *registry) get(name string, kind proto.ChannelKind) *proto.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels[kind][name]
}

// release is called by a reader whose stream failed. If conn is still
// registered it is removed and release returns nil, telling the reader to
// exit. Otherwise conn was replaced, and the replacement is returned.
func (r *registry) release(name string, kind proto.ChannelKind, conn *proto.Conn) *proto.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.channels[kind][name]
	if cur == conn || cur == nil {
		delete(r.channels[kind], name)
		return nil
	}
	return cur
}

// snapshot copies the streams of one kind so they can be written without
// holding the lock.
func (r *registry) snapshot(kind proto.ChannelKind) map[string]*proto.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*proto.Conn, len(r.channels[kind]))
	for name, conn := range r.channels[kind] {
		out[name] = conn
	}
	return out
}

func (r *registry) count(kind proto.ChannelKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels[kind])
}

func (r *registry) names(kind proto.ChannelKind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.channels[kind]))
	for name := range r.channels[kind] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *registry) endpoint(name string) (proto.Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.reconnect[name]
	return ep, ok
}

func (r *registry) endpoints() map[string]proto.Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]proto.Endpoint, len(r.reconnect))
	for name, ep := range r.reconnect {
		out[name] = ep
	}
	return out
}

// closeAll locks the registry and closes every stream, ignoring errors.
// Entries stay in place until their readers release them.
func (r *registry) closeAll(reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locked = true
	r.lockedReason = reason
	for _, byName := range r.channels {
		for _, conn := range byName {
			conn.Close()
		}
	}
}
