// Package proto defines every message peerroll peers exchange and the
// functions for reading and writing them off the wire.
//
// A frame is a single tag byte, the message's fields, and a terminator:
//
//	<tag><field>@<field>@...@<field>|
//
// Composite messages (GameState, InputState) separate their top-level parts
// with '#', and lists of sub-messages are joined with ','. Sub-messages keep
// their own tag byte, so a GameState frame looks like
//
//	gA#0#pA@1@2@0@0@True@0@1@False@3,pB@...#s1@...#1|
//
// None of the four reserved bytes may appear inside a field; ValidName reports
// whether a string is safe to carry.
//
// Decode works on exactly one frame. Splitting a byte stream into frames is
// the job of Conn, which buffers reads and cuts on the terminator, so several
// frames arriving in a single read, or one frame arriving over several reads,
// are both handled.
//
// The Machine message is the only one that is not field-encoded: its payload
// is JSON, prefixed with the protocol version written as JSON-ignorable
// whitespace so that older decoders which hand the payload straight to a JSON
// parser keep working.
package proto
