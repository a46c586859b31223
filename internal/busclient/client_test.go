package busclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emliunix/bub/internal/buserr"
	"github.com/emliunix/bub/internal/rpcjson"
	"github.com/emliunix/bub/internal/transport"
)

// fakeServer answers initialize/subscribe/sendMessage requests on conn,
// standing in for internal/bus.Server so this package's reconnect and
// correlation logic can be tested without a real bus.
func fakeServer(conn transport.Conn) {
	for {
		frame, err := conn.ReadFrame(context.Background())
		if err != nil {
			return
		}
		var req rpcjson.Request
		if err := json.Unmarshal(frame, &req); err != nil {
			continue
		}

		var resp *rpcjson.Response
		switch req.Method {
		case "initialize":
			resp, _ = rpcjson.NewResponse(req.ID, map[string]interface{}{"serverInfo": map[string]interface{}{}})
		case "subscribe", "unsubscribe":
			resp, _ = rpcjson.NewResponse(req.ID, map[string]interface{}{})
		case "sendMessage":
			resp, _ = rpcjson.NewResponse(req.ID, map[string]interface{}{"delivered": 1})
		default:
			resp, _ = rpcjson.NewResponse(req.ID, map[string]interface{}{"echo": req.Method})
		}

		raw, err := json.Marshal(resp)
		if err != nil {
			return
		}
		if err := conn.WriteFrame(context.Background(), raw); err != nil {
			return
		}
	}
}

func TestNextBackoffGrowsAndCaps(t *testing.T) {
	want := time.Duration(float64(reconnectInitial) * reconnectFactor)
	if got := nextBackoff(reconnectInitial); got != want {
		t.Fatalf("first step = %v, want %v", got, want)
	}

	delay := reconnectInitial
	for i := 0; i < 20; i++ {
		delay = nextBackoff(delay)
	}
	if delay != reconnectCap {
		t.Fatalf("backoff did not cap: got %v, want %v", delay, reconnectCap)
	}
}

func TestJitteredDelayStaysWithinBound(t *testing.T) {
	base := 1 * time.Second
	lower := time.Duration(float64(base) * (1 - reconnectJitter))
	upper := time.Duration(float64(base) * (1 + reconnectJitter))
	for i := 0; i < 50; i++ {
		d := jitteredDelay(base)
		if d < lower || d > upper {
			t.Fatalf("jittered delay %v out of bound [%v,%v]", d, lower, upper)
		}
	}
}

func TestCallCorrelatesResponseToRequest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	serverSide, clientSide := transport.NewMemoryPair()
	go fakeServer(serverSide)

	c := New(nil, "test-client", func(ctx context.Context) (transport.Conn, error) {
		return clientSide, nil
	}, false)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.State() != "ready" {
		t.Fatalf("state = %s, want ready", c.State())
	}

	delivered, err := c.SendMessage(ctx, "inbound:1", map[string]interface{}{"type": "x"})
	if err != nil {
		t.Fatalf("sendMessage: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
}

// TestReconnectRestoresConnectionAfterTransportLoss drives a real
// transport drop (closing the server side of the in-memory pair) and
// checks the client dials again and comes back to "ready", exercising
// reconnectLoop end to end rather than just its backoff math.
func TestReconnectRestoresConnectionAfterTransportLoss(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	dialCount := 0
	var lastServerSide transport.Conn

	dial := func(ctx context.Context) (transport.Conn, error) {
		serverSide, clientSide := transport.NewMemoryPair()
		mu.Lock()
		dialCount++
		lastServerSide = serverSide
		mu.Unlock()
		go fakeServer(serverSide)
		return clientSide, nil
	}

	c := New(nil, "reconnecting-client", dial, true)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	mu.Lock()
	firstServerSide := lastServerSide
	mu.Unlock()
	if err := firstServerSide.Close(); err != nil {
		t.Fatalf("close server side: %v", err)
	}

	deadline := time.Now().Add(4 * time.Second)
	for {
		mu.Lock()
		dc := dialCount
		mu.Unlock()
		if c.State() == "ready" && dc >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("client did not reconnect: state=%s dialCount=%d", c.State(), dc)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestCallReturnsBackpressureWhenOutboxFull(t *testing.T) {
	c := New(nil, "disconnected-client", func(ctx context.Context) (transport.Conn, error) {
		return nil, errors.New("dial should not be called in this test")
	}, false)

	for i := 0; i < sendQueueBound; i++ {
		c.outbox <- []byte("queued")
	}

	_, err := c.call(context.Background(), "ping", nil)
	var buErr *buserr.Error
	if !errors.As(err, &buErr) || buErr.Kind != buserr.KindBackpressure {
		t.Fatalf("expected a backpressure error, got %v", err)
	}

	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	if pending != 0 {
		t.Fatalf("expected pending entry to be cleaned up on backpressure, got %d entries", pending)
	}
}
