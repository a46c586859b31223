package busclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/emliunix/bub/internal/envelope"
)

// InboundHandler receives a decoded envelope delivered on an inbound:*
// topic.
type InboundHandler func(chatID string, env *envelope.Envelope)

// OutboundHandler receives a decoded envelope delivered on an outbound:*
// topic.
type OutboundHandler func(chatID string, env *envelope.Envelope)

// PublishInbound wraps msg in the canonical envelope and sends it on the
// conventional inbound:<chatID> topic, per spec.md §6.
func (c *Client) PublishInbound(ctx context.Context, chatID, msgType, from string, content interface{}) (int, error) {
	env, err := envelope.New(msgType, from, content)
	if err != nil {
		return 0, err
	}
	return c.SendMessage(ctx, "inbound:"+chatID, env)
}

// PublishOutbound wraps msg in the canonical envelope and sends it on the
// conventional outbound:<chatID> topic.
func (c *Client) PublishOutbound(ctx context.Context, chatID, msgType, from string, content interface{}) (int, error) {
	env, err := envelope.New(msgType, from, content)
	if err != nil {
		return 0, err
	}
	return c.SendMessage(ctx, "outbound:"+chatID, env)
}

// OnInbound subscribes to inbound:* and decodes each payload as an
// Envelope before invoking handler with the chat id extracted from the
// topic suffix.
func (c *Client) OnInbound(ctx context.Context, handler InboundHandler) error {
	return c.Subscribe(ctx, "inbound:*", func(topicStr string, payload json.RawMessage) {
		env, err := decodeEnvelope(payload)
		if err != nil {
			c.log.Error("busclient", "inbound decode: %v", err)
			return
		}
		handler(chatIDFromTopic(topicStr), env)
	})
}

// OnOutbound subscribes to outbound:* the same way.
func (c *Client) OnOutbound(ctx context.Context, handler OutboundHandler) error {
	return c.Subscribe(ctx, "outbound:*", func(topicStr string, payload json.RawMessage) {
		env, err := decodeEnvelope(payload)
		if err != nil {
			c.log.Error("busclient", "outbound decode: %v", err)
			return
		}
		handler(chatIDFromTopic(topicStr), env)
	})
}

func decodeEnvelope(payload json.RawMessage) (*envelope.Envelope, error) {
	var env envelope.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("busclient: decode envelope: %w", err)
	}
	return &env, nil
}

func chatIDFromTopic(topicStr string) string {
	for i := len(topicStr) - 1; i >= 0; i-- {
		if topicStr[i] == ':' {
			return topicStr[i+1:]
		}
	}
	return topicStr
}
