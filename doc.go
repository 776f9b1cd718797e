// Package peerroll lets a fixed set of peer processes run one authoritative
// shared simulation without a central server.
//
// At any moment one peer leads. The leader steps the simulation using every
// peer's latest input and broadcasts the result; everyone else replaces their
// copy wholesale with whatever the leader sends. Every authoritative state
// carries a leader designator, a name and an epoch, and the leader rolls the
// role over to the worst-scoring peer by naming it in a broadcast. Epochs
// only advance when the named peer changes.
//
// Peers only adopt state from the leader they currently believe in, so a
// former leader's stragglers are dropped. A leader that hands off keeps
// rebroadcasting its last state until it hears from its successor, which
// covers a lost handoff message.
//
// Each pair of peers holds three TCP streams, one per channel kind (input,
// game and health). A stream is bound to a kind by a handshake: the dialing
// side sends a ConnectionRequest naming itself, its redial address and the
// kind, and the accepting side answers with a ConnectionResponse before it
// starts using the stream, so the answer is always the first frame read.
// Registering a second stream for the same peer and kind replaces the first.
//
// Independently, a failure detector dials each sibling on a fresh stream
// every few seconds and sends a Ping. Siblings that don't answer in time are
// dropped from the living set. The detector is advisory; it never changes
// leadership.
//
// Peers learn their identity (listen port and who to dial) from a
// rendezvous service through Negotiate, or from a static Config. Sampled
// telemetry can be sent to a watcher.
package peerroll
