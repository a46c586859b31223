package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned from ReadFrame/WriteFrame once the pipe is closed.
var ErrClosed = errors.New("transport: closed")

// memConn is an in-memory Conn used by tests instead of a real socket,
// the Go counterpart of original_source/src/bub/bus/types.py's Transport
// Protocol (send_message/receive_message) which exists solely to let the
// Python suite mock the wire without opening a real connection.
type memConn struct {
	out    chan []byte
	in     chan []byte
	mu     sync.Mutex
	closed bool
}

// NewMemoryPair returns two connected in-memory Conns: writes to one are
// reads on the other.
func NewMemoryPair() (Conn, Conn) {
	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)
	a := &memConn{out: ab, in: ba}
	b := &memConn{out: ba, in: ab}
	return a, b
}

func (c *memConn) WriteFrame(ctx context.Context, data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case c.out <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-c.in:
		if !ok {
			return nil, ErrClosed
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.out)
	return nil
}
