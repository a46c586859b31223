package channel

import (
	"context"
	"fmt"

	"github.com/emliunix/bub/internal/busclient"
	"github.com/emliunix/bub/internal/envelope"
	"github.com/emliunix/bub/internal/logging"
	"github.com/emliunix/bub/internal/session"
)

// Filter decides whether an inbound message should reach the agent at
// all, e.g. "only messages addressed to the bot in group chats" per
// spec.md §4.8.
type Filter func(InboundMessage) bool

// SessionResolver returns (creating if necessary) the session that owns
// a given chat id.
type SessionResolver func(chatID string) (*session.Session, error)

// tgMessagePayload is the content shape of a tg_message envelope, the
// inbound wire format spec.md §6 and scenario 1 use.
type tgMessagePayload struct {
	Content struct {
		Text string `json:"text"`
	} `json:"content"`
}

// Bridge wires one Bus Client's inbound:* subscription to the Session
// Runtime and republishes replies on outbound:<chat_id>, per spec.md
// §4.8. It is fully asynchronous: each chat id gets its own session, and
// a session serializes its own handle_input calls (internal/session.
// Session already enforces this); the bridge itself never blocks one
// chat's delivery on another's.
type Bridge struct {
	log      *logging.Logger
	client   *busclient.Client
	resolve  SessionResolver
	filter   Filter
	fromName string
}

func NewBridge(log *logging.Logger, client *busclient.Client, fromName string, resolve SessionResolver, filter Filter) *Bridge {
	if log == nil {
		log = logging.Discard()
	}
	if filter == nil {
		filter = func(InboundMessage) bool { return true }
	}
	return &Bridge{log: log, client: client, resolve: resolve, filter: filter, fromName: fromName}
}

// Start subscribes to inbound:* and begins dispatching deliveries.
func (b *Bridge) Start(ctx context.Context) error {
	return b.client.OnInbound(ctx, func(chatID string, env *envelope.Envelope) {
		msg, err := toInboundMessage(chatID, env)
		if err != nil {
			b.log.Error("channel", "decode inbound envelope: %v", err)
			return
		}
		if !b.filter(msg) {
			return
		}
		go b.deliver(ctx, msg)
	})
}

func toInboundMessage(chatID string, env *envelope.Envelope) (InboundMessage, error) {
	var payload tgMessagePayload
	if err := env.UnmarshalContent(&payload); err != nil {
		return InboundMessage{}, fmt.Errorf("channel: unmarshal content: %w", err)
	}
	return InboundMessage{ChatID: chatID, Channel: env.Type, Text: payload.Content.Text}, nil
}

// deliver runs one inbound message through handle_input and publishes
// the result. Errors are logged; a failed delivery never blocks other
// chats (each runs on its own goroutine over its own session's queue).
func (b *Bridge) deliver(ctx context.Context, msg InboundMessage) {
	sess, err := b.resolve(msg.ChatID)
	if err != nil {
		b.log.Error("channel", "resolve session for %s: %v", msg.ChatID, err)
		return
	}

	result, err := sess.HandleInput(ctx, msg.Text)
	if err != nil {
		b.log.Error("channel", "handle_input for %s: %v", msg.ChatID, err)
		return
	}

	output := result.AssistantOutput
	if output == "" {
		output = result.ImmediateOutput
	}
	if output == "" {
		return
	}

	if _, err := b.client.PublishOutbound(ctx, msg.ChatID, "agent_reply", b.fromName, map[string]interface{}{
		"text": output,
	}); err != nil {
		b.log.Error("channel", "publish outbound for %s: %v", msg.ChatID, err)
	}
}
