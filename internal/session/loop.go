package session

import (
	"context"
	"fmt"

	"github.com/emliunix/bub/internal/buserr"
	bubcontext "github.com/emliunix/bub/internal/context"
	"github.com/emliunix/bub/internal/model"
	"github.com/emliunix/bub/internal/tape"
)

const defaultMaxSteps = 20

// ToolExecutor runs one tool call and returns its result. Results are
// rendered into the tape's tool_result entry by the caller, matching
// spec.md §4.5's "tool result value, stored verbatim" payload shape.
type ToolExecutor func(ctx context.Context, call model.ToolCall) (interface{}, error)

// LoopResult is the outcome of one handle_input call, the Go shape of
// original_source/src/bub/core/agent_loop.py's LoopResult dataclass.
type LoopResult struct {
	ImmediateOutput string
	AssistantOutput string
	ExitRequested   bool
	Steps           int
	Error           string
	TriggerNext     string
}

// Loop is the Model Loop: it owns a tape, a router, a model invoker, and
// the tool registry, and drives one session's turns.
type Loop struct {
	TapeID    string
	Store     *tape.Store
	Router    *Router
	Invoker   model.Invoker
	Tools     []model.ToolSchema
	Executors map[string]ToolExecutor
	MaxSteps  int

	// Counter enables token-budget trimming of the reconstructed
	// context before every model call when set. Leave nil to send the
	// full reconstruction untrimmed (the default when no context window
	// is configured).
	Counter *bubcontext.Counter
}

// HandleInput implements spec.md §4.7's handle_input contract.
func (l *Loop) HandleInput(ctx context.Context, raw string) (LoopResult, error) {
	route := l.Router.RouteUser(raw)

	if route.ExitRequested {
		result := LoopResult{ImmediateOutput: route.ImmediateOutput, ExitRequested: true}
		l.recordResult(result)
		return result, nil
	}

	if !route.EnterModel {
		result := LoopResult{ImmediateOutput: route.ImmediateOutput}
		l.recordResult(result)
		return result, nil
	}

	if _, err := l.Store.Append(l.TapeID, tape.KindMessage, map[string]interface{}{
		"role": "user", "content": route.ModelPrompt,
	}, nil); err != nil {
		return LoopResult{}, fmt.Errorf("session: append user entry: %w", err)
	}

	result, err := l.runModelTurn(ctx)
	if err != nil {
		return LoopResult{}, err
	}
	result.ImmediateOutput = route.ImmediateOutput
	l.recordResult(result)
	return result, nil
}

func (l *Loop) maxSteps() int {
	if l.MaxSteps > 0 {
		return l.MaxSteps
	}
	return defaultMaxSteps
}

// runModelTurn implements the loop body of spec.md §4.7 step 4.
func (l *Loop) runModelTurn(ctx context.Context) (LoopResult, error) {
	for step := 1; step <= l.maxSteps(); step++ {
		entries, err := l.Store.Read(l.TapeID, nil, nil)
		if err != nil {
			return LoopResult{}, fmt.Errorf("session: read tape: %w", err)
		}
		reconstructed := bubcontext.Reconstruct(entries)
		if l.Counter != nil {
			reconstructed = bubcontext.TrimToFit(reconstructed, l.Counter)
		}
		messages := toModelMessages(reconstructed)

		res, err := l.Invoker.RunTools(ctx, messages, l.Tools)
		if err != nil {
			return LoopResult{Steps: step, Error: classifyInvocationError(err)}, nil
		}

		switch res.Kind {
		case model.KindText:
			if _, err := l.Store.Append(l.TapeID, tape.KindMessage, map[string]interface{}{
				"role": "assistant", "content": res.Text,
			}, nil); err != nil {
				return LoopResult{}, fmt.Errorf("session: append assistant entry: %w", err)
			}
			return LoopResult{AssistantOutput: res.Text, Steps: step}, nil

		case model.KindTools:
			if err := l.runToolTurn(ctx, res.ToolCalls); err != nil {
				return LoopResult{Steps: step, Error: err.Error()}, nil
			}
			continue
		}
	}

	return LoopResult{Steps: l.maxSteps(), Error: buserr.New(buserr.KindMaxStepsExceeded, fmt.Sprintf("exceeded %d steps", l.maxSteps())).Error()}, nil
}

// runToolTurn appends the tool_call entry, executes every call (results
// kept index-aligned with the calls even though execution may run
// concurrently), and appends the single parallel tool_result entry.
func (l *Loop) runToolTurn(ctx context.Context, calls []model.ToolCall) error {
	callDescriptors := make([]interface{}, len(calls))
	for i, c := range calls {
		callDescriptors[i] = map[string]interface{}{
			"id":       c.ID,
			"function": map[string]interface{}{"name": c.Name, "arguments": c.Arguments},
		}
	}
	if _, err := l.Store.Append(l.TapeID, tape.KindToolCall, map[string]interface{}{
		"calls": callDescriptors,
	}, nil); err != nil {
		return fmt.Errorf("append tool_call entry: %w", err)
	}

	results := make([]interface{}, len(calls))
	errs := make([]error, len(calls))
	done := make(chan int, len(calls))
	for i, c := range calls {
		go func(i int, c model.ToolCall) {
			executor, ok := l.Executors[c.Name]
			if !ok {
				errs[i] = buserr.New(buserr.KindToolExecutionFailed, fmt.Sprintf("no executor registered for tool %q", c.Name))
				done <- i
				return
			}
			result, err := executor(ctx, c)
			if err != nil {
				err = buserr.Wrap(buserr.KindToolExecutionFailed, fmt.Sprintf("tool %q", c.Name), err)
			}
			results[i], errs[i] = result, err
			done <- i
		}(i, c)
	}
	for range calls {
		<-done
	}

	for i, err := range errs {
		if err != nil {
			results[i] = map[string]interface{}{"error": err.Error()}
		}
	}

	if _, err := l.Store.Append(l.TapeID, tape.KindToolResult, map[string]interface{}{
		"results": results,
	}, nil); err != nil {
		return fmt.Errorf("append tool_result entry: %w", err)
	}
	return nil
}

func (l *Loop) recordResult(result LoopResult) {
	_, _ = l.Store.Append(l.TapeID, tape.KindEvent, map[string]interface{}{
		"name": "loop.result",
		"data": map[string]interface{}{
			"steps":          result.Steps,
			"exit_requested": result.ExitRequested,
			"error":          result.Error,
			"trigger_next":   result.TriggerNext,
		},
	}, nil)
}

func classifyInvocationError(err error) string {
	if ctxErr, ok := err.(interface{ Timeout() bool }); ok && ctxErr.Timeout() {
		return string(buserr.Timeout("model"))
	}
	return err.Error()
}

func toModelMessages(messages []bubcontext.Message) []model.Message {
	out := make([]model.Message, len(messages))
	for i, m := range messages {
		out[i] = model.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
	}
	return out
}
