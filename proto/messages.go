package proto

import (
	"encoding/json"
	"math"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Message is any value that can be framed on the wire. The set of messages is
// closed: only the types in this package implement it.
type Message interface {
	// Tag is the single byte identifying the message type on the wire.
	Tag() byte
	// appendTo appends the tag and fields, without a terminator.
	appendTo(b []byte) []byte
}

// Ping is the failure detector's probe. It has no payload.
type Ping struct{}

// ConnectionRequest opens a typed channel between two peers. Address and Port
// are where the requester can be redialed.
type ConnectionRequest struct {
	Name    string
	Address string
	Port    int
	Kind    ChannelKind
}

// ConnectionResponse answers a ConnectionRequest.
type ConnectionResponse struct {
	Name     string
	Accepted bool
}

type Vec2 struct {
	X, Y float64
}

// Ephemeral is a short-lived object, such as a projectile. IDs are allocated
// by the leader from GameState.EphemeralCounter.
type Ephemeral struct {
	ID      int
	Pos     Vec2
	Vel     Vec2
	Creator string
}

// Entity is a peer's avatar in the shared simulation. ID is the owning peer's
// name.
type Entity struct {
	ID           string
	Pos          Vec2
	Vel          Vec2
	Alive        bool
	RespawnTimer float64
	Facing       int
	Casting      bool
	Score        int
}

// LeaderDesignator names the peer that should produce the next authoritative
// state. Epoch only moves when the named peer changes.
type LeaderDesignator struct {
	Name  string
	Epoch int
}

// GameState is the authoritative state. It is replaced wholesale on every
// accepted message, never merged.
type GameState struct {
	Leader           LeaderDesignator
	Entities         []Entity
	Ephemerals       []Ephemeral
	EphemeralCounter int
}

type KeyInput struct {
	Left, Right, Up, Down bool
}

// PointerInput is the pointer position, its two buttons, and how long the
// secondary button has been held in seconds.
type PointerInput struct {
	Pos          Vec2
	Left         bool
	Right        bool
	HoldDuration float64
}

// InputState is a peer's complete local input.
type InputState struct {
	Keys    KeyInput
	Pointer PointerInput
}

// ConnectRequest asks the rendezvous service for an identity.
type ConnectRequest struct {
	Name string
}

// ConnectResponse is the rendezvous service's answer to a ConnectRequest.
type ConnectResponse struct {
	Success  bool
	IsLeader bool
}

// Endpoint is a dialable address. It marshals to JSON as a two element
// array, [address, port].
type Endpoint struct {
	Address string
	Port    int
}

// Machine is a peer's identity as assigned by the rendezvous service.
// Connections lists the peers this machine must dial at startup.
type Machine struct {
	Name        string     `json:"name"`
	HostAddress string     `json:"host_ip"`
	ListenPort  int        `json:"port"`
	Connections []Endpoint `json:"connections"`
}

// Event is fire-and-forget telemetry for the watcher.
type Event struct {
	Kind   string
	Source string
	Sink   string
}

func (Ping) Tag() byte               { return TagPing }
func (ConnectionRequest) Tag() byte  { return TagConnectionRequest }
func (ConnectionResponse) Tag() byte { return TagConnectionResponse }
func (Vec2) Tag() byte               { return TagVec2 }
func (Ephemeral) Tag() byte          { return TagEphemeral }
func (Entity) Tag() byte             { return TagEntity }
func (GameState) Tag() byte          { return TagGameState }
func (KeyInput) Tag() byte           { return TagKeyInput }
func (PointerInput) Tag() byte       { return TagPointerInput }
func (InputState) Tag() byte         { return TagInputState }
func (ConnectRequest) Tag() byte     { return TagConnectRequest }
func (ConnectResponse) Tag() byte    { return TagConnectResponse }
func (Machine) Tag() byte            { return TagMachine }
func (Event) Tag() byte              { return TagEvent }

// ValidName reports whether s is non-empty and free of reserved bytes, and so
// can be carried in a field.
func ValidName(s string) bool {
	return s != "" && !strings.ContainsAny(s, string([]byte{FieldSep, GroupSep, ListSep, Terminator}))
}

func (v Vec2) Add(o Vec2) Vec2 { return Vec2{v.X + o.X, v.Y + o.Y} }

func (v Vec2) Sub(o Vec2) Vec2 { return Vec2{v.X - o.X, v.Y - o.Y} }

func (v Vec2) Scale(c float64) Vec2 { return Vec2{v.X * c, v.Y * c} }

func (v Vec2) Len() float64 { return math.Hypot(v.X, v.Y) }

// Normalized returns v scaled to unit length, or the zero vector.
func (v Vec2) Normalized() Vec2 {
	if v.X == 0 && v.Y == 0 {
		return Vec2{}
	}
	length := math.Hypot(v.X, v.Y)
	return Vec2{v.X / length, v.Y / length}
}

// Clone returns a deep copy of g.
func (g GameState) Clone() GameState {
	out := g
	if g.Entities != nil {
		out.Entities = append([]Entity(nil), g.Entities...)
	}
	if g.Ephemerals != nil {
		out.Ephemerals = append([]Ephemeral(nil), g.Ephemerals...)
	}
	return out
}

// Entity returns the entity owned by name.
func (g GameState) Entity(name string) (Entity, bool) {
	for _, e := range g.Entities {
		if e.ID == name {
			return e, true
		}
	}
	return Entity{}, false
}

// Worst returns the name of the entity with the lowest score. Ties go to the
// lexicographically smallest name. It returns false if there are no entities.
func (g GameState) Worst() (string, bool) {
	if len(g.Entities) == 0 {
		return "", false
	}
	ents := append([]Entity(nil), g.Entities...)
	sort.Slice(ents, func(i, j int) bool {
		if ents[i].Score != ents[j].Score {
			return ents[i].Score < ents[j].Score
		}
		return ents[i].ID < ents[j].ID
	})
	return ents[0].ID, true
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

func (e Endpoint) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.Address, e.Port})
}

func (e *Endpoint) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return errors.Errorf("endpoint must have 2 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &e.Address); err != nil {
		return errors.Wrap(err, "endpoint address")
	}
	if err := json.Unmarshal(raw[1], &e.Port); err != nil {
		return errors.Wrap(err, "endpoint port")
	}
	return nil
}

// EndpointFromAddr converts a TCP address into an Endpoint.
func EndpointFromAddr(addr net.Addr) (Endpoint, error) {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Endpoint{}, errors.Wrapf(err, "can't split address %v", addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return Endpoint{}, errors.Wrapf(err, "bad port in address %v", addr)
	}
	return Endpoint{Address: host, Port: p}, nil
}

// Endpoint is where m listens.
func (m Machine) Endpoint() Endpoint {
	return Endpoint{Address: m.HostAddress, Port: m.ListenPort}
}
