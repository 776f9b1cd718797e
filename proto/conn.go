package proto

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Conn reads and writes whole frames on a stream. Reads must come from a
// single goroutine; writes may come from any number.
type Conn struct {
	net.Conn

	r *bufio.Reader

	wmu          sync.Mutex
	writeTimeout time.Duration
}

// NewConn wraps c. A non-zero writeTimeout bounds every WriteMessage.
func NewConn(c net.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		Conn:         c,
		r:            bufio.NewReader(c),
		writeTimeout: writeTimeout,
	}
}

// ReadFrame returns the next frame, without its terminator. A stream that ends
// in the middle of a frame returns io.ErrUnexpectedEOF.
func (c *Conn) ReadFrame() ([]byte, error) {
	var frame []byte
	for {
		chunk, err := c.r.ReadSlice(Terminator)
		if len(frame)+len(chunk) > MaxFrameLen {
			return nil, errors.Wrapf(ErrMalformed, "frame exceeds %d bytes", MaxFrameLen)
		}
		switch err {
		case nil:
			frame = append(frame, chunk[:len(chunk)-1]...)
			return frame, nil
		case bufio.ErrBufferFull:
			frame = append(frame, chunk...)
		case io.EOF:
			if len(frame)+len(chunk) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

// ReadMessage reads and decodes the next frame.
func (c *Conn) ReadMessage() (Message, error) {
	frame, err := c.ReadFrame()
	if err != nil {
		return nil, err
	}
	return Decode(frame)
}

// WriteMessage encodes m and writes it as one frame. Concurrent writers never
// interleave.
func (c *Conn) WriteMessage(m Message) error {
	data := Encode(m)
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := c.Conn.Write(data)
	return err
}
