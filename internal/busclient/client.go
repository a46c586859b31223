// Package busclient implements the Bus Client: a typed façade over the
// bus's JSON-RPC transport with request/response correlation, pattern
// subscriptions, and auto-reconnect. Adapted from the teacher's
// internal/client/broker.go (BrokerClient.call/messageListener field-
// sniffing dispatch), extended with the exponential-backoff reconnect
// loop spec.md §4.3 requires and that the teacher's client lacks.
package busclient

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emliunix/bub/internal/buserr"
	"github.com/emliunix/bub/internal/logging"
	"github.com/emliunix/bub/internal/rpcjson"
	"github.com/emliunix/bub/internal/topic"
	"github.com/emliunix/bub/internal/transport"
)

// Handler is invoked for every deliverMessage notification whose topic
// matches the pattern it was registered under.
type Handler func(topicStr string, payload json.RawMessage)

// Dialer opens a new Conn to the bus, used so tests can supply an
// in-memory transport instead of a real WebSocket dial.
type Dialer func(ctx context.Context) (transport.Conn, error)

const (
	reconnectInitial = 250 * time.Millisecond
	reconnectFactor  = 2.0
	reconnectCap     = 5 * time.Second
	reconnectJitter  = 0.20
	requestTimeout   = 30 * time.Second
	sendQueueBound   = 256
)

type patternHandler struct {
	pattern string
	handler Handler
}

// Client is the Bus Client.
type Client struct {
	log      *logging.Logger
	dial     Dialer
	clientID string

	autoReconnect bool

	mu       sync.Mutex
	conn     transport.Conn
	ready    bool
	reqSeq   int64
	pending  map[string]chan *rpcjson.Response
	handlers []patternHandler

	state atomic.Value // string: "disconnected" | "connecting" | "ready" | "reconnecting"

	// outbox holds frames whose conn wasn't ready to take them directly
	// (mid-handshake or mid-reconnect). Bounded per spec.md §4.3; full
	// means the caller gets backpressure instead of blocking.
	outbox chan []byte

	cancel context.CancelFunc
}

func New(log *logging.Logger, clientID string, dial Dialer, autoReconnect bool) *Client {
	if log == nil {
		log = logging.Discard()
	}
	c := &Client{
		log:           log,
		dial:          dial,
		clientID:      clientID,
		autoReconnect: autoReconnect,
		pending:       make(map[string]chan *rpcjson.Response),
		outbox:        make(chan []byte, sendQueueBound),
	}
	c.state.Store("disconnected")
	return c
}

func (c *Client) State() string {
	return c.state.Load().(string)
}

// Connect opens the transport, performs initialize, and starts the reader
// loop. If autoReconnect is set, a background goroutine keeps the
// connection alive across transport loss.
func (c *Client) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.connectOnce(runCtx); err != nil {
		return err
	}

	if c.autoReconnect {
		go c.reconnectLoop(runCtx)
	}
	return nil
}

func (c *Client) connectOnce(ctx context.Context) error {
	c.state.Store("connecting")
	conn, err := c.dial(ctx)
	if err != nil {
		c.state.Store("disconnected")
		return fmt.Errorf("busclient: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(ctx, conn)

	if _, err := c.callOn(ctx, conn, "initialize", map[string]interface{}{"clientId": c.clientID}); err != nil {
		return fmt.Errorf("busclient: initialize: %w", err)
	}

	c.mu.Lock()
	patterns := make([]string, len(c.handlers))
	for i, ph := range c.handlers {
		patterns[i] = ph.pattern
	}
	c.mu.Unlock()
	for _, p := range patterns {
		if _, err := c.callOn(ctx, conn, "subscribe", map[string]interface{}{"pattern": p}); err != nil {
			return fmt.Errorf("busclient: resubscribe %q: %w", p, err)
		}
	}

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	c.state.Store("ready")
	c.flushOutbox(ctx, conn)
	return nil
}

// flushOutbox drains frames queued while disconnected/reconnecting, now
// that conn is ready. Only drains what is already queued so it can't
// block Connect/reconnectLoop indefinitely on a caller that keeps
// enqueueing.
func (c *Client) flushOutbox(ctx context.Context, conn transport.Conn) {
	for {
		select {
		case frame := <-c.outbox:
			wctx, cancel := context.WithTimeout(ctx, requestTimeout)
			err := conn.WriteFrame(wctx, frame)
			cancel()
			if err != nil {
				c.log.Debug("busclient", "flush queued frame: %v", err)
				return
			}
		default:
			return
		}
	}
}

// nextBackoff advances delay by reconnectFactor, capped at reconnectCap.
func nextBackoff(delay time.Duration) time.Duration {
	next := time.Duration(float64(delay) * reconnectFactor)
	if next > reconnectCap {
		return reconnectCap
	}
	return next
}

// jitteredDelay applies ±reconnectJitter randomness to delay so many
// clients reconnecting at once don't all retry in lockstep.
func jitteredDelay(delay time.Duration) time.Duration {
	jitter := 1 + (rand.Float64()*2-1)*reconnectJitter
	return time.Duration(float64(delay) * jitter)
}

// reconnectLoop watches for transport loss (readLoop exiting) and retries
// with exponential backoff: initial 0.25s, factor 2, cap 5s, jitter ±20%,
// per spec.md §4.3.
func (c *Client) reconnectLoop(ctx context.Context) {
	for {
		<-c.disconnected(ctx)
		if ctx.Err() != nil {
			return
		}
		c.state.Store("reconnecting")

		delay := reconnectInitial
		for {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-time.After(jitteredDelay(delay)):
			case <-ctx.Done():
				return
			}

			if err := c.connectOnce(ctx); err != nil {
				c.log.Debug("busclient", "reconnect attempt failed: %v", err)
				delay = nextBackoff(delay)
				continue
			}
			break
		}
	}
}

func (c *Client) disconnected(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		for {
			c.mu.Lock()
			ready := c.ready
			c.mu.Unlock()
			if !ready {
				return
			}
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (c *Client) readLoop(ctx context.Context, conn transport.Conn) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.ready = false
		}
		c.mu.Unlock()
	}()

	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			c.log.Debug("busclient", "read error: %v", err)
			c.failPending(err)
			return
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("busclient", "panic dispatching frame: %v", r)
		}
	}()

	switch rpcjson.Sniff(frame) {
	case rpcjson.KindResponse:
		var resp rpcjson.Response
		if err := json.Unmarshal(frame, &resp); err != nil {
			return
		}
		c.resolvePending(&resp)
	case rpcjson.KindNotification:
		var notif rpcjson.Notification
		if err := json.Unmarshal(frame, &notif); err != nil {
			return
		}
		if notif.Method != "deliverMessage" {
			return
		}
		var params struct {
			Topic   string          `json:"topic"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(notif.Params, &params); err != nil {
			return
		}
		c.mu.Lock()
		handlers := append([]patternHandler(nil), c.handlers...)
		c.mu.Unlock()
		for _, ph := range handlers {
			if topic.Match(ph.pattern, params.Topic) {
				ph.handler(params.Topic, params.Payload)
			}
		}
	}
}

func idKey(id interface{}) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func (c *Client) resolvePending(resp *rpcjson.Response) {
	key := idKey(resp.ID)
	c.mu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *rpcjson.Response)
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

// buildRequest marshals method/params into a JSON-RPC request frame and
// registers a pending-response channel keyed by its id.
func (c *Client) buildRequest(method string, params interface{}) (key string, frame []byte, respCh chan *rpcjson.Response, err error) {
	id := atomic.AddInt64(&c.reqSeq, 1)
	raw, err := json.Marshal(params)
	if err != nil {
		return "", nil, nil, err
	}
	req := rpcjson.Request{JSONRPC: rpcjson.Version, ID: id, Method: method, Params: raw}
	frame, err = json.Marshal(req)
	if err != nil {
		return "", nil, nil, err
	}

	respCh = make(chan *rpcjson.Response, 1)
	key = idKey(float64(id)) // JSON numbers round-trip through float64
	c.mu.Lock()
	c.pending[key] = respCh
	c.mu.Unlock()
	return key, frame, respCh, nil
}

// awaitResponse blocks on respCh up to spec.md §4.3's 30s per-request
// timeout, deregistering the pending entry on timeout so a late reply
// can't be delivered to a channel nobody reads anymore.
func (c *Client) awaitResponse(ctx context.Context, key string, respCh chan *rpcjson.Response) (*rpcjson.Response, error) {
	wctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, fmt.Errorf("busclient: cancelled")
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("busclient: %s (code %d)", resp.Error.Message, resp.Error.Code)
		}
		return resp, nil
	case <-wctx.Done():
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return nil, fmt.Errorf("busclient: timeout")
	}
}

// call sends a JSON-RPC request and awaits its response. While the
// client is mid-reconnect (or not yet connected) the frame is queued in
// the bounded outbox instead of failing outright, per spec.md §4.3;
// overflowing that bound returns a backpressure error to the caller
// rather than blocking.
func (c *Client) call(ctx context.Context, method string, params interface{}) (*rpcjson.Response, error) {
	key, frame, respCh, err := c.buildRequest(method, params)
	if err != nil {
		return nil, err
	}

	if err := c.writeOrQueue(ctx, frame); err != nil {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return nil, err
	}

	return c.awaitResponse(ctx, key, respCh)
}

// callOn writes directly to conn, bypassing the outbox. Used only during
// connectOnce's handshake, where conn is known-fresh and not yet marked
// ready, so routing through the reconnect queue would misfire.
func (c *Client) callOn(ctx context.Context, conn transport.Conn, method string, params interface{}) (*rpcjson.Response, error) {
	key, frame, respCh, err := c.buildRequest(method, params)
	if err != nil {
		return nil, err
	}

	wctx, cancel := context.WithTimeout(ctx, requestTimeout)
	writeErr := conn.WriteFrame(wctx, frame)
	cancel()
	if writeErr != nil {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return nil, fmt.Errorf("busclient: write: %w", writeErr)
	}

	return c.awaitResponse(ctx, key, respCh)
}

// writeOrQueue writes frame directly when the client is connected and
// ready, else enqueues it in the bounded outbox for flushOutbox to
// deliver once a connection comes back, per spec.md §4.3's "queue up to
// a fixed bound; overflow returns backpressure" contract.
func (c *Client) writeOrQueue(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	ready := c.ready
	c.mu.Unlock()

	if conn != nil && ready {
		wctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		if err := conn.WriteFrame(wctx, frame); err != nil {
			return fmt.Errorf("busclient: write: %w", err)
		}
		return nil
	}

	select {
	case c.outbox <- frame:
		return nil
	default:
		return buserr.New(buserr.KindBackpressure, fmt.Sprintf("outbound queue full (bound %d)", sendQueueBound))
	}
}

// Subscribe registers handler locally keyed by pattern, then sends the
// subscribe RPC. Handlers fire in registration order for a matching
// topic.
func (c *Client) Subscribe(ctx context.Context, pattern string, handler Handler) error {
	c.mu.Lock()
	c.handlers = append(c.handlers, patternHandler{pattern: pattern, handler: handler})
	c.mu.Unlock()

	_, err := c.call(ctx, "subscribe", map[string]interface{}{"pattern": pattern})
	return err
}

// SendMessage sends a sendMessage request and returns the delivered count.
func (c *Client) SendMessage(ctx context.Context, to string, payload interface{}) (int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	resp, err := c.call(ctx, "sendMessage", map[string]interface{}{"to": to, "payload": json.RawMessage(raw)})
	if err != nil {
		return 0, err
	}
	var result struct {
		Delivered int `json:"delivered"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return 0, err
	}
	return result.Delivered, nil
}

// Disconnect closes the transport; outstanding requests fail with
// "cancelled".
func (c *Client) Disconnect() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	conn := c.conn
	c.ready = false
	c.mu.Unlock()
	c.state.Store("disconnected")
	if conn != nil {
		return conn.Close()
	}
	return nil
}
