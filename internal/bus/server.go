// Package bus implements the Bus Server: connection registry, subscription
// table, and routing of sendMessage/publish to matching subscribers. This
// is a direct generalization of the teacher's
// internal/broker/service.go Service/Connection/handlePublish/
// handleSubscribe methods onto the spec's JSON-RPC method names and
// wildcard topic matcher, with per-connection bounded write queues using
// drop-oldest overflow instead of the teacher's blocking/best-effort
// broadcast loop.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emliunix/bub/internal/buserr"
	"github.com/emliunix/bub/internal/logging"
	"github.com/emliunix/bub/internal/rpcjson"
	"github.com/emliunix/bub/internal/topic"
	"github.com/emliunix/bub/internal/transport"
)

const defaultWriteQueueSize = 256

// DeliverMessageParams is the payload of a server -> client deliverMessage
// notification, per spec.md §4.2's routing algorithm.
type DeliverMessageParams struct {
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	MessageID string          `json:"messageId"`
	From      string          `json:"from"`
}

type subscription struct {
	connID  string
	pattern string
}

type connection struct {
	id       string
	clientID string
	conn     transport.Conn
	mu       sync.Mutex
	writeCh  chan []byte
	closed   bool
}

// Server is the Bus Server.
type Server struct {
	log *logging.Logger

	mu            sync.Mutex
	connections   map[string]*connection
	clientByID    map[string]string // client_id -> connection_id
	subscriptions []subscription

	writeQueueSize int

	listener transport.Listener
}

func NewServer(log *logging.Logger) *Server {
	if log == nil {
		log = logging.Discard()
	}
	return &Server{
		log:            log,
		connections:    make(map[string]*connection),
		clientByID:     make(map[string]string),
		writeQueueSize: defaultWriteQueueSize,
	}
}

// Serve listens on addr and accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := transport.Listen(addr)
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		c, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.HandleConn(ctx, c)
	}
}

// Addr returns the bound listener address, valid after Serve starts.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr()
}

// HandleConn drives one already-accepted connection; exported so tests
// (and in-process transports) can hand the server a Conn directly without
// going through a real network Listener.
func (s *Server) HandleConn(ctx context.Context, tc transport.Conn) {
	connID := uuid.NewString()
	conn := &connection{id: connID, conn: tc, writeCh: make(chan []byte, s.writeQueueSize)}

	s.mu.Lock()
	s.connections[connID] = conn
	s.mu.Unlock()

	writerDone := make(chan struct{})
	go s.writerLoop(ctx, conn, writerDone)

	defer func() {
		s.disconnect(connID)
		close(conn.writeCh)
		<-writerDone
		_ = tc.Close()
	}()

	for {
		frame, err := tc.ReadFrame(ctx)
		if err != nil {
			s.log.Debug("bus", "connection %s: %v", connID, buserr.Wrap(buserr.KindTransportClosed, "read failed", err))
			return
		}
		s.handleFrame(conn, frame)
	}
}

func (s *Server) writerLoop(ctx context.Context, conn *connection, done chan struct{}) {
	defer close(done)
	for frame := range conn.writeCh {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := conn.conn.WriteFrame(wctx, frame)
		cancel()
		if err != nil {
			return
		}
	}
}

// enqueue writes a frame to conn's bounded queue, dropping the oldest
// undelivered frame on overflow rather than blocking the router (spec.md
// §4.2: "the server never blocks publish on a slow recipient").
func (s *Server) enqueue(conn *connection, frame []byte) (dropped bool) {
	select {
	case conn.writeCh <- frame:
		return false
	default:
	}
	select {
	case <-conn.writeCh:
		dropped = true
	default:
	}
	select {
	case conn.writeCh <- frame:
	default:
	}
	return dropped
}

func (s *Server) handleFrame(conn *connection, frame []byte) {
	if rpcjson.Sniff(frame) != rpcjson.KindRequest {
		s.writeError(conn, nil, rpcjson.CodeInvalidRequest, buserr.New(buserr.KindProtocolViolation, "expected a JSON-RPC request").Error())
		return
	}

	var req rpcjson.Request
	if err := json.Unmarshal(frame, &req); err != nil {
		s.writeError(conn, nil, rpcjson.CodeParseError, buserr.Wrap(buserr.KindProtocolViolation, "malformed frame", err).Error())
		return
	}

	if req.Method != "initialize" && conn.clientID == "" {
		s.writeError(conn, req.ID, rpcjson.CodeInternalError, buserr.New(buserr.KindNotInitialized, "call initialize before any other method").Error())
		return
	}

	switch req.Method {
	case "initialize":
		s.handleInitialize(conn, req)
	case "subscribe":
		s.handleSubscribe(conn, req)
	case "unsubscribe":
		s.handleUnsubscribe(conn, req)
	case "sendMessage":
		s.handleSendMessage(conn, req)
	case "ping":
		s.writeResult(conn, req.ID, map[string]interface{}{"ts": time.Now().UTC().Format(time.RFC3339Nano)})
	default:
		s.writeError(conn, req.ID, rpcjson.CodeMethodNotFound, buserr.New(buserr.KindUnknownMethod, fmt.Sprintf("unknown method %q", req.Method)).Error())
	}
}

type initializeParams struct {
	ClientID   string          `json:"clientId"`
	ClientInfo json.RawMessage `json:"clientInfo,omitempty"`
}

func (s *Server) handleInitialize(conn *connection, req rpcjson.Request) {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.writeError(conn, req.ID, rpcjson.CodeInvalidParams, err.Error())
			return
		}
	}
	if params.ClientID == "" {
		s.writeError(conn, req.ID, rpcjson.CodeInvalidParams, "clientId is required")
		return
	}

	s.mu.Lock()
	if conn.clientID != "" {
		s.mu.Unlock()
		s.writeError(conn, req.ID, rpcjson.CodeInternalError, "already_initialized")
		return
	}
	if existing, ok := s.clientByID[params.ClientID]; ok && existing != conn.id {
		s.mu.Unlock()
		s.writeError(conn, req.ID, rpcjson.CodeInternalError, "client_in_use")
		return
	}
	conn.clientID = params.ClientID
	s.clientByID[params.ClientID] = conn.id
	s.mu.Unlock()

	s.writeResult(conn, req.ID, map[string]interface{}{
		"serverInfo":   map[string]interface{}{"name": "bub-bus", "version": "1"},
		"capabilities": map[string]interface{}{},
	})
}

type subscribeParams struct {
	Pattern string `json:"pattern"`
}

func (s *Server) handleSubscribe(conn *connection, req rpcjson.Request) {
	var params subscribeParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Pattern == "" {
		s.writeError(conn, req.ID, rpcjson.CodeInvalidParams, "pattern is required")
		return
	}

	s.mu.Lock()
	exists := false
	for _, sub := range s.subscriptions {
		if sub.connID == conn.id && sub.pattern == params.Pattern {
			exists = true
			break
		}
	}
	if !exists {
		s.subscriptions = append(s.subscriptions, subscription{connID: conn.id, pattern: params.Pattern})
	}
	s.mu.Unlock()

	s.writeResult(conn, req.ID, map[string]interface{}{"subscriptionId": conn.id + ":" + params.Pattern})
}

func (s *Server) handleUnsubscribe(conn *connection, req rpcjson.Request) {
	var params subscribeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.writeError(conn, req.ID, rpcjson.CodeInvalidParams, err.Error())
		return
	}

	s.mu.Lock()
	for i, sub := range s.subscriptions {
		if sub.connID == conn.id && sub.pattern == params.Pattern {
			s.subscriptions = append(s.subscriptions[:i], s.subscriptions[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.writeResult(conn, req.ID, map[string]interface{}{})
}

type sendMessageParams struct {
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleSendMessage(conn *connection, req rpcjson.Request) {
	var params sendMessageParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.writeError(conn, req.ID, rpcjson.CodeInvalidParams, err.Error())
		return
	}

	delivered := s.Publish(params.To, params.Payload, conn.clientID)
	s.writeResult(conn, req.ID, map[string]interface{}{"delivered": delivered})
}

// Publish routes payload to every connection with a matching subscription
// and returns the count of connections it attempted to write to — per
// SPEC_FULL.md §10's resolution of the open "delivered count" question,
// that count is taken at enqueue time, not at eventual delivery.
func (s *Server) Publish(to string, payload json.RawMessage, from string) int {
	s.mu.Lock()
	var targets []*connection
	seen := make(map[string]bool)
	for _, sub := range s.subscriptions {
		if !topic.Match(sub.pattern, to) {
			continue
		}
		if seen[sub.connID] {
			continue
		}
		if c, ok := s.connections[sub.connID]; ok {
			targets = append(targets, c)
			seen[sub.connID] = true
		}
	}
	s.mu.Unlock()

	messageID := uuid.NewString()
	params := DeliverMessageParams{Topic: to, Payload: payload, MessageID: messageID, From: from}
	notif, err := rpcjson.NewNotification("deliverMessage", params)
	if err != nil {
		s.log.Error("bus", "marshal deliverMessage: %v", err)
		return 0
	}
	frame, err := json.Marshal(notif)
	if err != nil {
		s.log.Error("bus", "marshal deliverMessage frame: %v", err)
		return 0
	}

	delivered := 0
	for _, c := range targets {
		if dropped := s.enqueue(c, frame); dropped {
			s.publishSystemEvent("system:delivery_dropped", map[string]interface{}{
				"connection_id": c.id,
				"topic":         to,
			})
		}
		delivered++
	}
	return delivered
}

func (s *Server) publishSystemEvent(topicName string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.Publish(topicName, raw, "")
}

func (s *Server) disconnect(connID string) {
	s.mu.Lock()
	conn, ok := s.connections[connID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.connections, connID)
	if conn.clientID != "" && s.clientByID[conn.clientID] == connID {
		delete(s.clientByID, conn.clientID)
	}
	var remaining []subscription
	for _, sub := range s.subscriptions {
		if sub.connID != connID {
			remaining = append(remaining, sub)
		}
	}
	s.subscriptions = remaining
	clientID := conn.clientID
	s.mu.Unlock()

	s.publishSystemEvent("system:disconnect", map[string]interface{}{"client_id": clientID})
}

func (s *Server) writeResult(conn *connection, id interface{}, result interface{}) {
	resp, err := rpcjson.NewResponse(id, result)
	if err != nil {
		s.log.Error("bus", "marshal response: %v", err)
		return
	}
	frame, err := json.Marshal(resp)
	if err != nil {
		return
	}
	s.enqueue(conn, frame)
}

func (s *Server) writeError(conn *connection, id interface{}, code int, message string) {
	resp := rpcjson.NewErrorResponse(id, code, message, nil)
	frame, err := json.Marshal(resp)
	if err != nil {
		return
	}
	s.enqueue(conn, frame)
}
