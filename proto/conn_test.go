package proto

import (
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pipe(t *testing.T) (*Conn, net.Conn) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return NewConn(a, time.Second), b
}

func TestReadFrameConcatenated(t *testing.T) {
	c, raw := pipe(t)
	go func() {
		raw.Write([]byte("i|cA|r"))
		raw.Write([]byte("True@False|"))
		raw.Close()
	}()

	m, err := c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, Ping{}, m)
	m, err = c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, ConnectRequest{Name: "A"}, m)
	m, err = c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, ConnectResponse{Success: true}, m)
	_, err = c.ReadMessage()
	require.Equal(t, io.EOF, err)
}

func TestReadFrameSplitAcrossWrites(t *testing.T) {
	c, raw := pipe(t)
	frame := Encode(sampleState())
	go func() {
		for _, b := range frame {
			raw.Write([]byte{b})
		}
	}()
	m, err := c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, sampleState(), m)
}

func TestReadFramePartialThenEOF(t *testing.T) {
	c, raw := pipe(t)
	go func() {
		raw.Write([]byte("cA"))
		raw.Close()
	}()
	_, err := c.ReadFrame()
	require.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestReadFrameTooLong(t *testing.T) {
	c, raw := pipe(t)
	go func() {
		chunk := []byte(strings.Repeat("x", 64*1024))
		for i := 0; i < MaxFrameLen/len(chunk)+2; i++ {
			if _, err := raw.Write(chunk); err != nil {
				return
			}
		}
	}()
	_, err := c.ReadFrame()
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds")
}

func TestConcurrentWritesDoNotInterleave(t *testing.T) {
	c, raw := pipe(t)
	reader := NewConn(raw, 0)

	const writers, each = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if err := c.WriteMessage(sampleState()); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}

	for i := 0; i < writers*each; i++ {
		m, err := reader.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, sampleState(), m)
	}
	wg.Wait()
}
