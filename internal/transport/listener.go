package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// httpListener serves the WebSocket upgrade endpoint and funnels accepted
// connections through a channel so Accept can present the conventional
// listener-style API the Bus Server expects.
type httpListener struct {
	ln       net.Listener
	srv      *http.Server
	incoming chan Conn
	errs     chan error
}

// Listen starts accepting WebSocket connections on addr (host:port).
func Listen(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}

	l := &httpListener{
		ln:       ln,
		incoming: make(chan Conn, 64),
		errs:     make(chan error, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/bus", l.handleUpgrade)
	l.srv = &http.Server{Handler: mux}

	go func() {
		if err := l.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			select {
			case l.errs <- err:
			default:
			}
		}
	}()

	return l, nil
}

func (l *httpListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	l.incoming <- &wsConn{ws: ws}
}

func (l *httpListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.incoming:
		return c, nil
	case err := <-l.errs:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *httpListener) Close() error {
	return l.srv.Close()
}

func (l *httpListener) Addr() string {
	return l.ln.Addr().String()
}
