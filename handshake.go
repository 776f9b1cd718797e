package peerroll

import (
	"time"

	"github.com/ngrok/peerroll/proto"
	"github.com/pkg/errors"
)

// DefaultHandshakeTimeout bounds each side of a channel handshake.
const DefaultHandshakeTimeout = 5 * time.Second

// AcceptHandshake runs the acceptor side of a channel handshake on a freshly
// accepted stream. It reads one ConnectionRequest and, if its kind is one of
// kinds, answers with an accepted ConnectionResponse naming self.
//
// The response is written before the caller registers the stream, so nothing
// broadcast on the stream can arrive ahead of it. Anything other than a well
// formed request for an allowed kind is answered with accepted=false and an
// error is returned; the caller should close the stream.
func AcceptHandshake(conn *proto.Conn, self string, timeout time.Duration, kinds ...proto.ChannelKind) (proto.ConnectionRequest, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return proto.ConnectionRequest{}, err
		}
		defer conn.SetReadDeadline(time.Time{})
	}

	msg, err := conn.ReadMessage()
	if err != nil {
		reject(conn, self)
		return proto.ConnectionRequest{}, errors.Wrap(err, "can't read connection request")
	}
	req, ok := msg.(proto.ConnectionRequest)
	if !ok {
		reject(conn, self)
		return proto.ConnectionRequest{}, errors.Wrapf(ErrProtocol, "expected connection request, got %T", msg)
	}
	if !proto.ValidName(req.Name) || !kindIn(req.Kind, kinds) {
		reject(conn, self)
		return req, errors.Wrapf(ErrProtocol, "refusing %q channel from %q", req.Kind, req.Name)
	}

	if err := conn.WriteMessage(proto.ConnectionResponse{Name: self, Accepted: true}); err != nil {
		return req, errors.Wrap(err, "can't write connection response")
	}
	return req, nil
}

// RequestHandshake runs the initiator side of a channel handshake. It returns
// the responder's answer; a rejection is returned as ErrHandshakeRejected and
// anything unparseable as ErrProtocol. Stream errors are returned as they are.
func RequestHandshake(conn *proto.Conn, req proto.ConnectionRequest, timeout time.Duration) (proto.ConnectionResponse, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return proto.ConnectionResponse{}, err
		}
		defer conn.SetReadDeadline(time.Time{})
	}

	if err := conn.WriteMessage(req); err != nil {
		return proto.ConnectionResponse{}, errors.Wrap(err, "can't write connection request")
	}
	msg, err := conn.ReadMessage()
	if err != nil {
		if isCodecError(err) {
			return proto.ConnectionResponse{}, errors.Wrap(ErrProtocol, err.Error())
		}
		return proto.ConnectionResponse{}, errors.Wrap(err, "can't read connection response")
	}
	resp, ok := msg.(proto.ConnectionResponse)
	if !ok {
		return proto.ConnectionResponse{}, errors.Wrapf(ErrProtocol, "expected connection response, got %T", msg)
	}
	if !resp.Accepted {
		return resp, errors.Wrapf(ErrHandshakeRejected, "%q refused the %s channel", resp.Name, req.Kind)
	}
	if !proto.ValidName(resp.Name) {
		return resp, errors.Wrapf(ErrProtocol, "responder sent invalid name %q", resp.Name)
	}
	return resp, nil
}

func reject(conn *proto.Conn, self string) {
	_ = conn.WriteMessage(proto.ConnectionResponse{Name: self, Accepted: false})
}

func kindIn(kind proto.ChannelKind, kinds []proto.ChannelKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// isCodecError reports whether err came from decoding a frame rather than
// from the stream.
func isCodecError(err error) bool {
	cause := errors.Cause(err)
	return cause == proto.ErrMalformed || cause == proto.ErrUnknownTag
}
