package peerroll

import "github.com/pkg/errors"

var (
	// ErrManagerStopped indicates Stop has been called. This state is terminal.
	// It is returned by any attempt to register a channel or broadcast after
	// stopping.
	ErrManagerStopped = errors.New("the manager has been stopped")
	// ErrNotLeader is returned by BroadcastGameState when this peer is neither
	// the leader nor backup broadcasting for a handoff.
	ErrNotLeader = errors.New("not the leader")
	// ErrUnknownPeer indicates a configuration named a peer with no known
	// address.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrHandshakeRejected indicates the remote side answered a channel
	// handshake with accepted=false.
	ErrHandshakeRejected = errors.New("handshake rejected")
	// ErrProtocol indicates a peer sent a message that doesn't belong at that
	// point of the conversation.
	ErrProtocol = errors.New("protocol violation")
)
