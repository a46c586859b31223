package context

import (
	"testing"

	"github.com/emliunix/bub/internal/tape"
)

func msgEntry(id int64, role, content string) tape.Entry {
	return tape.Entry{ID: id, Kind: tape.KindMessage, Payload: map[string]interface{}{
		"role": role, "content": content,
	}}
}

// TestReconstructIsPureAndDeterministic covers I3: the same entries
// always yield the same messages.
func TestReconstructIsPureAndDeterministic(t *testing.T) {
	entries := []tape.Entry{
		msgEntry(0, "system", "you are a helpful agent"),
		msgEntry(1, "user", "hello"),
	}

	first := Reconstruct(entries)
	second := Reconstruct(entries)

	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("len(first)=%d len(second)=%d, want 2 each", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("non-deterministic: first[%d]=%+v second[%d]=%+v", i, first[i], i, second[i])
		}
	}
}

// TestReconstructToolCallThenMatchingResult covers the happy-path
// tool-turn projection (scenario 2).
func TestReconstructToolCallThenMatchingResult(t *testing.T) {
	entries := []tape.Entry{
		msgEntry(0, "user", "what's the weather"),
		{
			ID:   1,
			Kind: tape.KindToolCall,
			Payload: map[string]interface{}{
				"calls": []interface{}{
					map[string]interface{}{
						"id":       "call_1",
						"function": map[string]interface{}{"name": "get_weather"},
					},
				},
			},
		},
		{
			ID:   2,
			Kind: tape.KindToolResult,
			Payload: map[string]interface{}{
				"results": []interface{}{"sunny, 72F"},
			},
		},
	}

	messages := Reconstruct(entries)
	if len(messages) != 3 {
		t.Fatalf("len(messages) = %d, want 3", len(messages))
	}

	assistant := messages[1]
	if assistant.Role != "assistant" || len(assistant.ToolCalls) != 1 {
		t.Fatalf("assistant message = %+v", assistant)
	}

	toolMsg := messages[2]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "call_1" || toolMsg.Name != "get_weather" {
		t.Fatalf("tool message = %+v", toolMsg)
	}
	if toolMsg.Content != "sunny, 72F" {
		t.Fatalf("tool content = %q", toolMsg.Content)
	}
}

// TestReconstructOrphanToolResultWithNoPrecedingCall covers scenario 6:
// a tool_result with no preceding tool_call gets a generated placeholder
// id rather than an empty tool_call_id.
func TestReconstructOrphanToolResultWithNoPrecedingCall(t *testing.T) {
	entries := []tape.Entry{
		{
			ID:      0,
			Kind:    tape.KindToolResult,
			Payload: map[string]interface{}{"results": []interface{}{"stray result"}},
		},
	}

	messages := Reconstruct(entries)
	if len(messages) != 1 {
		t.Fatalf("len(messages) = %d, want 1", len(messages))
	}
	if messages[0].ToolCallID != "orphan_result_0" {
		t.Fatalf("tool_call_id = %q, want orphan_result_0", messages[0].ToolCallID)
	}
}

// TestReconstructOrphanToolCallWithInvalidID covers the invalid-call-id
// branch: a pending call exists at this index but its id isn't a usable
// string, so a placeholder call id is generated instead.
func TestReconstructOrphanToolCallWithInvalidID(t *testing.T) {
	entries := []tape.Entry{
		{
			ID:   0,
			Kind: tape.KindToolCall,
			Payload: map[string]interface{}{
				"calls": []interface{}{
					map[string]interface{}{"function": map[string]interface{}{"name": "noop"}},
				},
			},
		},
		{
			ID:      1,
			Kind:    tape.KindToolResult,
			Payload: map[string]interface{}{"results": []interface{}{"ok"}},
		},
	}

	messages := Reconstruct(entries)
	toolMsg := messages[len(messages)-1]
	if toolMsg.ToolCallID != "orphan_call_0" {
		t.Fatalf("tool_call_id = %q, want orphan_call_0", toolMsg.ToolCallID)
	}
}

// TestReconstructPendingCallsResetAfterToolResult verifies that a second
// tool_result arriving after an earlier tool_call/tool_result pair sees an
// empty pending list — the unanswered call_b from the prior turn must
// never leak forward.
func TestReconstructPendingCallsResetAfterToolResult(t *testing.T) {
	entries := []tape.Entry{
		{
			ID:   0,
			Kind: tape.KindToolCall,
			Payload: map[string]interface{}{
				"calls": []interface{}{
					map[string]interface{}{"id": "call_a", "function": map[string]interface{}{"name": "a"}},
					map[string]interface{}{"id": "call_b", "function": map[string]interface{}{"name": "b"}},
				},
			},
		},
		{
			ID:      1,
			Kind:    tape.KindToolResult,
			Payload: map[string]interface{}{"results": []interface{}{"result-a"}},
		},
		msgEntry(2, "user", "do one more thing"),
		{
			ID:      3,
			Kind:    tape.KindToolResult,
			Payload: map[string]interface{}{"results": []interface{}{"stray again"}},
		},
	}

	messages := Reconstruct(entries)
	last := messages[len(messages)-1]
	if last.ToolCallID != "orphan_result_0" {
		t.Fatalf("tool_call_id = %q, want orphan_result_0 (pending_calls must not leak across turns)", last.ToolCallID)
	}
}
