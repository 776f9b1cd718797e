package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrUnknownTag is returned when a frame starts with a byte that is not a
	// known message tag.
	ErrUnknownTag = errors.New("unknown message tag")
	// ErrMalformed is returned when a frame has the wrong number of fields or
	// a field can't be parsed.
	ErrMalformed = errors.New("malformed message")
)

// Encode frames m for the wire, terminator included.
func Encode(m Message) []byte {
	return append(m.appendTo(nil), Terminator)
}

// Decode parses the first frame in b. A trailing terminator is optional, and
// anything after the first terminator is ignored.
func Decode(b []byte) (Message, error) {
	if i := bytes.IndexByte(b, Terminator); i >= 0 {
		b = b[:i]
	}
	if len(b) == 0 {
		return nil, errors.Wrap(ErrMalformed, "empty frame")
	}
	return decode(string(b))
}

func decode(s string) (Message, error) {
	var (
		m   Message
		err error
	)
	tag, body := s[0], s[1:]
	switch tag {
	case TagPing:
		if body != "" {
			return nil, errors.Wrap(ErrMalformed, "ping carries no payload")
		}
		m = Ping{}
	case TagConnectionRequest:
		m, err = decodeConnectionRequest(body)
	case TagConnectionResponse:
		m, err = decodeConnectionResponse(body)
	case TagVec2:
		m, err = decodeVec2(body)
	case TagEphemeral:
		m, err = decodeEphemeral(body)
	case TagEntity:
		m, err = decodeEntity(body)
	case TagGameState:
		m, err = decodeGameState(body)
	case TagKeyInput:
		m, err = decodeKeyInput(body)
	case TagPointerInput:
		m, err = decodePointerInput(body)
	case TagInputState:
		m, err = decodeInputState(body)
	case TagConnectRequest:
		m, err = decodeConnectRequest(body)
	case TagConnectResponse:
		m, err = decodeConnectResponse(body)
	case TagMachine:
		m, err = decodeMachine(body)
	case TagEvent:
		m, err = decodeEvent(body)
	default:
		return nil, errors.Wrapf(ErrUnknownTag, "tag %q", tag)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// fields walks the separated fields of a message body. The first parse error
// sticks; callers check err once at the end.
type fields struct {
	parts []string
	i     int
	err   error
}

func split(body string, sep byte, n int, what string) (*fields, error) {
	parts := strings.Split(body, string(sep))
	if len(parts) != n {
		return nil, errors.Wrapf(ErrMalformed, "%s: expected %d fields, got %d", what, n, len(parts))
	}
	return &fields{parts: parts}, nil
}

func (f *fields) next() string {
	s := f.parts[f.i]
	f.i++
	return s
}

func (f *fields) str() string {
	return f.next()
}

func (f *fields) float() float64 {
	s := f.next()
	v, err := strconv.ParseFloat(s, 64)
	if err != nil && f.err == nil {
		f.err = errors.Wrapf(ErrMalformed, "field %d: bad number %q", f.i-1, s)
	}
	return v
}

func (f *fields) int() int {
	s := f.next()
	v, err := strconv.Atoi(s)
	if err != nil && f.err == nil {
		f.err = errors.Wrapf(ErrMalformed, "field %d: bad integer %q", f.i-1, s)
	}
	return v
}

// bool follows the wire contract: only the exact token "True" is true.
func (f *fields) bool() bool {
	return f.next() == trueToken
}

func (f *fields) vec2() Vec2 {
	return Vec2{X: f.float(), Y: f.float()}
}

func appendFloat(b []byte, v float64) []byte {
	return strconv.AppendFloat(b, v, 'g', -1, 64)
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, trueToken...)
	}
	return append(b, falseToken...)
}

func appendVec2Fields(b []byte, v Vec2) []byte {
	b = appendFloat(b, v.X)
	b = append(b, FieldSep)
	return appendFloat(b, v.Y)
}

func (Ping) appendTo(b []byte) []byte {
	return append(b, TagPing)
}

func (m ConnectionRequest) appendTo(b []byte) []byte {
	b = append(b, TagConnectionRequest)
	b = append(b, m.Name...)
	b = append(b, FieldSep)
	b = append(b, m.Address...)
	b = append(b, FieldSep)
	b = strconv.AppendInt(b, int64(m.Port), 10)
	b = append(b, FieldSep)
	return append(b, m.Kind...)
}

func decodeConnectionRequest(body string) (ConnectionRequest, error) {
	f, err := split(body, FieldSep, 4, "connection request")
	if err != nil {
		return ConnectionRequest{}, err
	}
	m := ConnectionRequest{
		Name:    f.str(),
		Address: f.str(),
		Port:    f.int(),
		Kind:    ChannelKind(f.str()),
	}
	return m, f.err
}

func (m ConnectionResponse) appendTo(b []byte) []byte {
	b = append(b, TagConnectionResponse)
	b = append(b, m.Name...)
	b = append(b, FieldSep)
	return appendBool(b, m.Accepted)
}

func decodeConnectionResponse(body string) (ConnectionResponse, error) {
	f, err := split(body, FieldSep, 2, "connection response")
	if err != nil {
		return ConnectionResponse{}, err
	}
	return ConnectionResponse{Name: f.str(), Accepted: f.bool()}, nil
}

func (v Vec2) appendTo(b []byte) []byte {
	b = append(b, TagVec2)
	return appendVec2Fields(b, v)
}

func decodeVec2(body string) (Vec2, error) {
	f, err := split(body, FieldSep, 2, "vec2")
	if err != nil {
		return Vec2{}, err
	}
	v := f.vec2()
	return v, f.err
}

func (m Ephemeral) appendTo(b []byte) []byte {
	b = append(b, TagEphemeral)
	b = strconv.AppendInt(b, int64(m.ID), 10)
	b = append(b, FieldSep)
	b = appendVec2Fields(b, m.Pos)
	b = append(b, FieldSep)
	b = appendVec2Fields(b, m.Vel)
	b = append(b, FieldSep)
	return append(b, m.Creator...)
}

func decodeEphemeral(body string) (Ephemeral, error) {
	f, err := split(body, FieldSep, 6, "ephemeral")
	if err != nil {
		return Ephemeral{}, err
	}
	m := Ephemeral{
		ID:      f.int(),
		Pos:     f.vec2(),
		Vel:     f.vec2(),
		Creator: f.str(),
	}
	return m, f.err
}

func (m Entity) appendTo(b []byte) []byte {
	b = append(b, TagEntity)
	b = append(b, m.ID...)
	b = append(b, FieldSep)
	b = appendVec2Fields(b, m.Pos)
	b = append(b, FieldSep)
	b = appendVec2Fields(b, m.Vel)
	b = append(b, FieldSep)
	b = appendBool(b, m.Alive)
	b = append(b, FieldSep)
	b = appendFloat(b, m.RespawnTimer)
	b = append(b, FieldSep)
	b = strconv.AppendInt(b, int64(m.Facing), 10)
	b = append(b, FieldSep)
	b = appendBool(b, m.Casting)
	b = append(b, FieldSep)
	return strconv.AppendInt(b, int64(m.Score), 10)
}

func decodeEntity(body string) (Entity, error) {
	f, err := split(body, FieldSep, 10, "entity")
	if err != nil {
		return Entity{}, err
	}
	m := Entity{
		ID:           f.str(),
		Pos:          f.vec2(),
		Vel:          f.vec2(),
		Alive:        f.bool(),
		RespawnTimer: f.float(),
		Facing:       f.int(),
		Casting:      f.bool(),
		Score:        f.int(),
	}
	return m, f.err
}

func (m GameState) appendTo(b []byte) []byte {
	b = append(b, TagGameState)
	b = append(b, m.Leader.Name...)
	b = append(b, GroupSep)
	b = strconv.AppendInt(b, int64(m.Leader.Epoch), 10)
	b = append(b, GroupSep)
	for i, e := range m.Entities {
		if i > 0 {
			b = append(b, ListSep)
		}
		b = e.appendTo(b)
	}
	b = append(b, GroupSep)
	for i, e := range m.Ephemerals {
		if i > 0 {
			b = append(b, ListSep)
		}
		b = e.appendTo(b)
	}
	b = append(b, GroupSep)
	return strconv.AppendInt(b, int64(m.EphemeralCounter), 10)
}

func decodeGameState(body string) (GameState, error) {
	f, err := split(body, GroupSep, 5, "game state")
	if err != nil {
		return GameState{}, err
	}
	m := GameState{}
	m.Leader.Name = f.str()
	m.Leader.Epoch = f.int()
	entities, ephemerals := f.str(), f.str()
	m.EphemeralCounter = f.int()
	if f.err != nil {
		return GameState{}, f.err
	}

	for _, item := range splitList(entities) {
		if err := expectTag(item, TagEntity); err != nil {
			return GameState{}, err
		}
		e, err := decodeEntity(item[1:])
		if err != nil {
			return GameState{}, err
		}
		m.Entities = append(m.Entities, e)
	}
	for _, item := range splitList(ephemerals) {
		if err := expectTag(item, TagEphemeral); err != nil {
			return GameState{}, err
		}
		e, err := decodeEphemeral(item[1:])
		if err != nil {
			return GameState{}, err
		}
		m.Ephemerals = append(m.Ephemerals, e)
	}
	return m, nil
}

// splitList splits a list group; the empty string is the empty list.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, string(ListSep))
}

func expectTag(item string, tag byte) error {
	if len(item) == 0 || item[0] != tag {
		return errors.Wrapf(ErrMalformed, "expected %q item, got %q", tag, item)
	}
	return nil
}

func (m KeyInput) appendTo(b []byte) []byte {
	b = append(b, TagKeyInput)
	b = appendBool(b, m.Left)
	b = append(b, FieldSep)
	b = appendBool(b, m.Right)
	b = append(b, FieldSep)
	b = appendBool(b, m.Up)
	b = append(b, FieldSep)
	return appendBool(b, m.Down)
}

func decodeKeyInput(body string) (KeyInput, error) {
	f, err := split(body, FieldSep, 4, "key input")
	if err != nil {
		return KeyInput{}, err
	}
	return KeyInput{Left: f.bool(), Right: f.bool(), Up: f.bool(), Down: f.bool()}, nil
}

func (m PointerInput) appendTo(b []byte) []byte {
	b = append(b, TagPointerInput)
	b = appendVec2Fields(b, m.Pos)
	b = append(b, FieldSep)
	b = appendBool(b, m.Left)
	b = append(b, FieldSep)
	b = appendBool(b, m.Right)
	b = append(b, FieldSep)
	return appendFloat(b, m.HoldDuration)
}

func decodePointerInput(body string) (PointerInput, error) {
	f, err := split(body, FieldSep, 5, "pointer input")
	if err != nil {
		return PointerInput{}, err
	}
	m := PointerInput{
		Pos:          f.vec2(),
		Left:         f.bool(),
		Right:        f.bool(),
		HoldDuration: f.float(),
	}
	return m, f.err
}

func (m InputState) appendTo(b []byte) []byte {
	b = append(b, TagInputState)
	b = m.Keys.appendTo(b)
	b = append(b, GroupSep)
	return m.Pointer.appendTo(b)
}

func decodeInputState(body string) (InputState, error) {
	f, err := split(body, GroupSep, 2, "input state")
	if err != nil {
		return InputState{}, err
	}
	keys, pointer := f.str(), f.str()
	if err := expectTag(keys, TagKeyInput); err != nil {
		return InputState{}, err
	}
	if err := expectTag(pointer, TagPointerInput); err != nil {
		return InputState{}, err
	}
	k, err := decodeKeyInput(keys[1:])
	if err != nil {
		return InputState{}, err
	}
	p, err := decodePointerInput(pointer[1:])
	if err != nil {
		return InputState{}, err
	}
	return InputState{Keys: k, Pointer: p}, nil
}

func (m ConnectRequest) appendTo(b []byte) []byte {
	b = append(b, TagConnectRequest)
	return append(b, m.Name...)
}

func decodeConnectRequest(body string) (ConnectRequest, error) {
	if body == "" {
		return ConnectRequest{}, errors.Wrap(ErrMalformed, "connect request: missing name")
	}
	return ConnectRequest{Name: body}, nil
}

func (m ConnectResponse) appendTo(b []byte) []byte {
	b = append(b, TagConnectResponse)
	b = appendBool(b, m.Success)
	b = append(b, FieldSep)
	return appendBool(b, m.IsLeader)
}

func decodeConnectResponse(body string) (ConnectResponse, error) {
	f, err := split(body, FieldSep, 2, "connect response")
	if err != nil {
		return ConnectResponse{}, err
	}
	return ConnectResponse{Success: f.bool(), IsLeader: f.bool()}, nil
}

func (m Machine) appendTo(b []byte) []byte {
	data, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Errorf("could not json encode a machine: %v", err))
	}
	b = append(b, TagMachine)
	b = append(b, versionPrefix(ProtoVersion)...)
	return append(b, data...)
}

func decodeMachine(body string) (Machine, error) {
	_, data, err := splitVersionPrefix([]byte(body))
	if err != nil {
		return Machine{}, errors.Wrap(ErrMalformed, err.Error())
	}
	var m Machine
	if err := json.Unmarshal(data, &m); err != nil {
		return Machine{}, errors.Wrapf(ErrMalformed, "machine: %v", err)
	}
	return m, nil
}

// MachineVersion returns the protocol version stamped into an encoded
// Machine frame.
func MachineVersion(frame []byte) (uint32, error) {
	if len(frame) == 0 || frame[0] != TagMachine {
		return 0, errors.Wrap(ErrMalformed, "not a machine frame")
	}
	version, _, err := splitVersionPrefix(frame[1:])
	return version, err
}

func (m Event) appendTo(b []byte) []byte {
	b = append(b, TagEvent)
	b = append(b, m.Kind...)
	b = append(b, FieldSep)
	b = append(b, m.Source...)
	b = append(b, FieldSep)
	return append(b, m.Sink...)
}

func decodeEvent(body string) (Event, error) {
	f, err := split(body, FieldSep, 3, "event")
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: f.str(), Source: f.str(), Sink: f.str()}, nil
}
