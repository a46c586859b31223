// Package channel implements the Channel Bridge of spec.md §4.8:
// subscribing to inbound bus topics, converting payloads to session
// prompts, driving the Session Runtime, and publishing the answer back
// out. Grounded in original_source/src/bub/channels/events.py's
// InboundMessage/OutboundMessage and bus.py's Signal-based MessageBus,
// rewritten around Go channels instead of blinker signals.
package channel

// InboundMessage is one message arriving from an external channel
// (Telegram, Discord, a CLI, ...), destined for a session.
type InboundMessage struct {
	ChatID  string
	Channel string
	Text    string
	Raw     map[string]interface{}
}

// OutboundMessage is the agent's reply, destined back out through the
// channel adapter it arrived from.
type OutboundMessage struct {
	ChatID  string
	Channel string
	Text    string
}
