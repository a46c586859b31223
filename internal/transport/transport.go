// Package transport implements the frame-level duplex channel that carries
// JSON-RPC text frames between a Bus Client and the Bus Server. The
// production implementation is a WebSocket text-frame connection built on
// github.com/gorilla/websocket, the library the pack itself reaches for
// whenever it needs exactly this shape (OmarEhab007-RemedyIQ,
// nugget-thane-ai-agent) rather than the teacher's raw net.Conn framing.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one duplex, frame-oriented connection: write one JSON document,
// read one JSON document. Implementations must be safe for one concurrent
// reader and one concurrent writer (not necessarily safe for concurrent
// writers among themselves — callers serialize writes).
type Conn interface {
	WriteFrame(ctx context.Context, data []byte) error
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// Listener accepts inbound Conns, the server side of the Transport.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() string
}

// wsConn adapts a *websocket.Conn to Conn.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) WriteFrame(ctx context.Context, data []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(dl)
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) ReadFrame(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(dl)
	}
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

// Dial opens a client-side WebSocket transport to addr (host:port).
func Dial(ctx context.Context, addr string) (Conn, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/bus"}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return &wsConn{ws: ws}, nil
}

// WrapServerConn adapts an already-upgraded server-side *websocket.Conn.
func WrapServerConn(ws *websocket.Conn) Conn {
	return &wsConn{ws: ws}
}
