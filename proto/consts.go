package proto

const (
	// ProtoVersion is the latest version of the protocol. It is stamped into
	// Machine payloads; peers that never sent one are implicitly version 0.
	ProtoVersion = 1

	// MaxFrameLen bounds the size of a single frame read off a stream.
	MaxFrameLen = 1 << 20
)

// Reserved bytes. None of them may appear inside a field.
const (
	FieldSep   byte = '@'
	GroupSep   byte = '#'
	ListSep    byte = ','
	Terminator byte = '|'
)

// Tags identify the message type of a frame.
const (
	TagPing               byte = 'i'
	TagConnectionRequest  byte = '1'
	TagConnectionResponse byte = '2'
	TagVec2               byte = 'v'
	TagEphemeral          byte = 's'
	TagEntity             byte = 'p'
	TagGameState          byte = 'g'
	TagKeyInput           byte = 'k'
	TagPointerInput       byte = 'm'
	TagInputState         byte = 'n'
	TagConnectRequest     byte = 'c'
	TagConnectResponse    byte = 'r'
	TagMachine            byte = 't'
	TagEvent              byte = 'e'
)

const (
	trueToken  = "True"
	falseToken = "False"
)

// ChannelKind selects which registry and reader loop a stream is bound to
// once its handshake completes.
type ChannelKind string

const (
	ChannelInput   ChannelKind = "input"
	ChannelGame    ChannelKind = "game"
	ChannelHealth  ChannelKind = "health"
	ChannelWatcher ChannelKind = "watcher"
)

// PeerChannels are the kinds every pair of peers opens during bring-up.
var PeerChannels = []ChannelKind{ChannelInput, ChannelGame, ChannelHealth}

// Valid reports whether k is one of the known channel kinds.
func (k ChannelKind) Valid() bool {
	switch k {
	case ChannelInput, ChannelGame, ChannelHealth, ChannelWatcher:
		return true
	}
	return false
}

// Event kinds sent to the watcher.
const (
	EventInput = "input"
	EventGame  = "game"
	EventDead  = "dead"
)
