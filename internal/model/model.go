// Package model defines the model-provider boundary: the Invoker
// interface the Model Loop calls through, independent of any concrete
// LLM SDK. Shaped after the teacher's atomic/ai.LLM interface, extended
// with tool-call support per spec.md §4.7/§9's run_tools contract.
package model

import "context"

// ToolSchema describes one callable tool offered to the model.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]interface{} // JSON Schema
}

// ToolCall is one call the model asked to make.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

// Kind discriminates a Result.
type Kind string

const (
	KindText  Kind = "text"
	KindTools Kind = "tools"
)

// Result is what RunTools returns: either final text or a batch of tool
// calls to execute before the next turn.
type Result struct {
	Kind      Kind
	Text      string
	ToolCalls []ToolCall
}

// Invoker is the model provider boundary the Model Loop drives.
type Invoker interface {
	RunTools(ctx context.Context, messages []Message, tools []ToolSchema) (Result, error)
}

// Message mirrors internal/context.Message; duplicated here (rather than
// imported) to keep this package free of a dependency on tape/context,
// since a provider adapter should only need to know about messages, not
// how they were reconstructed.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []map[string]interface{}
	ToolCallID string
	Name       string
}
