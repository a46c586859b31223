// Package context implements Context Reconstruction: the deterministic,
// idempotent projection from tape entries into provider-agnostic standard
// messages, per spec.md §4.5. The algorithm is a direct line-for-line port
// of original_source/src/bub/tape/context.py's _select_messages and its
// helpers, onto internal/tape.Entry.
package context

import (
	"encoding/json"
	"fmt"

	"github.com/emliunix/bub/internal/tape"
)

// Message is a standard-format chat message: the provider-agnostic shape
// every LLM adapter consumes (spec.md §4.5's "standard message format").
type Message struct {
	Role       string                   `json:"role"`
	Content    string                   `json:"content"`
	ToolCalls  []map[string]interface{} `json:"tool_calls,omitempty"`
	ToolCallID string                   `json:"tool_call_id,omitempty"`
	Name       string                   `json:"name,omitempty"`
}

// Reconstruct projects entries into the message sequence an LLM provider
// would see. It is pure and deterministic: the same entries always yield
// the same messages, with no dependency on wall-clock time or prior
// invocations (spec.md I3).
func Reconstruct(entries []tape.Entry) []Message {
	var messages []Message
	var pendingCalls []map[string]interface{}

	for _, entry := range entries {
		switch entry.Kind {
		case tape.KindMessage:
			appendMessageEntry(&messages, entry)
		case tape.KindToolCall:
			pendingCalls = appendToolCallEntry(&messages, entry)
		case tape.KindToolResult:
			appendToolResultEntry(&messages, pendingCalls, entry)
			pendingCalls = nil
		}
	}

	return messages
}

func appendMessageEntry(messages *[]Message, entry tape.Entry) {
	if entry.Payload == nil {
		return
	}
	var m Message
	if role, ok := entry.Payload["role"].(string); ok {
		m.Role = role
	}
	if content, ok := entry.Payload["content"].(string); ok {
		m.Content = content
	}
	if calls, ok := entry.Payload["tool_calls"]; ok {
		m.ToolCalls = normalizeToolCalls(calls)
	}
	if id, ok := entry.Payload["tool_call_id"].(string); ok {
		m.ToolCallID = id
	}
	if name, ok := entry.Payload["name"].(string); ok {
		m.Name = name
	}
	*messages = append(*messages, m)
}

// appendToolCallEntry appends an assistant message carrying the raw tool
// calls and returns them as the new pending-calls list, used to resolve
// tool_call_id for the tool_result entry that follows.
func appendToolCallEntry(messages *[]Message, entry tape.Entry) []map[string]interface{} {
	calls := normalizeToolCalls(entry.Payload["calls"])
	if len(calls) > 0 {
		*messages = append(*messages, Message{Role: "assistant", Content: "", ToolCalls: calls})
	}
	return calls
}

// appendToolResultEntry emits one tool-role message per result, matching
// results positionally against pendingCalls. pendingCalls is always reset
// to empty by the caller after this returns, regardless of whether the
// lengths matched — a tool_result entry closes out exactly one tool_call
// turn, however many results it carries.
func appendToolResultEntry(messages *[]Message, pendingCalls []map[string]interface{}, entry tape.Entry) {
	results, ok := entry.Payload["results"].([]interface{})
	if !ok {
		return
	}
	for i, result := range results {
		*messages = append(*messages, buildToolResultMessage(result, pendingCalls, i))
	}
}

// buildToolResultMessage builds a tool result message. Standard format
// requires tool_call_id on every tool-role message; when the matching
// call is missing or its id is not a usable string, a placeholder id is
// generated so downstream providers never see an empty tool_call_id.
func buildToolResultMessage(result interface{}, pendingCalls []map[string]interface{}, index int) Message {
	msg := Message{Role: "tool", Content: renderToolResult(result)}

	if index < len(pendingCalls) {
		call := pendingCalls[index]
		if id, ok := call["id"].(string); ok && id != "" {
			msg.ToolCallID = id
		} else {
			msg.ToolCallID = orphanCallID(index)
		}
		if fn, ok := call["function"].(map[string]interface{}); ok {
			if name, ok := fn["name"].(string); ok && name != "" {
				msg.Name = name
			}
		}
	} else {
		msg.ToolCallID = orphanResultID(index)
	}

	return msg
}

func orphanCallID(index int) string   { return fmt.Sprintf("orphan_call_%d", index) }
func orphanResultID(index int) string { return fmt.Sprintf("orphan_result_%d", index) }

func normalizeToolCalls(value interface{}) []map[string]interface{} {
	list, ok := value.([]interface{})
	if !ok {
		return nil
	}
	var calls []map[string]interface{}
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			calls = append(calls, m)
		}
	}
	return calls
}

func renderToolResult(result interface{}) string {
	if s, ok := result.(string); ok {
		return s
	}
	buf, err := json.Marshal(result)
	if err != nil {
		return ""
	}
	return string(buf)
}
