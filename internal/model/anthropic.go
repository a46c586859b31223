package model

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig mirrors the teacher's atomic/ai.Config shape (api key,
// model, token/temperature limits, timeout, retry policy), adapted to the
// official SDK instead of the teacher's hand-rolled net/http client.
type AnthropicConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int64
	Temperature float64
	Timeout     time.Duration
	RetryCount  int
	RetryDelay  time.Duration
}

func (c *AnthropicConfig) setDefaults() {
	if c.Model == "" {
		c.Model = "claude-sonnet-4-5"
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = 90 * time.Second
	}
	if c.RetryCount == 0 {
		c.RetryCount = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = time.Second
	}
}

// AnthropicInvoker adapts the official Anthropic SDK to the Invoker
// boundary Go's Model Loop drives.
type AnthropicInvoker struct {
	config AnthropicConfig
	client anthropic.Client
}

func NewAnthropicInvoker(config AnthropicConfig) *AnthropicInvoker {
	config.setDefaults()
	client := anthropic.NewClient(
		option.WithAPIKey(config.APIKey),
		option.WithRequestTimeout(config.Timeout),
	)
	return &AnthropicInvoker{config: config, client: client}
}

// RunTools sends messages plus tool schemas to the model and classifies
// the reply as text or a batch of tool calls, per spec.md §4.7's
// run_tools(messages, tool_schemas) -> {text | tool_calls} contract.
func (a *AnthropicInvoker) RunTools(ctx context.Context, messages []Message, tools []ToolSchema) (Result, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.config.Model),
		MaxTokens: a.config.MaxTokens,
	}

	var system string
	var apiMessages []anthropic.MessageParam
	for _, m := range messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		apiMessages = append(apiMessages, toAnthropicMessage(m))
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	params.Messages = apiMessages

	if len(tools) > 0 {
		params.Tools = make([]anthropic.ToolUnionParam, 0, len(tools))
		for _, t := range tools {
			schema, err := toInputSchema(t.Parameters)
			if err != nil {
				return Result{}, fmt.Errorf("model: tool schema for %s: %w", t.Name, err)
			}
			params.Tools = append(params.Tools, anthropic.ToolUnionParam{
				OfTool: &anthropic.ToolParam{
					Name:        t.Name,
					Description: anthropic.String(t.Description),
					InputSchema: schema,
				},
			})
		}
	}

	var resp *anthropic.Message
	var err error
	for attempt := 0; attempt <= a.config.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(a.config.RetryDelay * time.Duration(attempt)):
			}
		}
		resp, err = a.client.Messages.New(ctx, params)
		if err == nil {
			break
		}
		if !isRetryable(err) {
			return Result{}, err
		}
	}
	if err != nil {
		return Result{}, fmt.Errorf("model: anthropic request failed after %d retries: %w", a.config.RetryCount, err)
	}

	return fromAnthropicMessage(resp), nil
}

func toAnthropicMessage(m Message) anthropic.MessageParam {
	role := anthropic.MessageParamRoleUser
	if m.Role == "assistant" {
		role = anthropic.MessageParamRoleAssistant
	}
	if m.Role == "tool" {
		return anthropic.MessageParam{
			Role: anthropic.MessageParamRoleUser,
			Content: []anthropic.ContentBlockParamUnion{
				{OfToolResult: &anthropic.ToolResultBlockParam{
					ToolUseID: m.ToolCallID,
					Content:   []anthropic.ToolResultBlockParamContentUnion{{OfText: &anthropic.TextBlockParam{Text: m.Content}}},
				}},
			},
		}
	}
	return anthropic.MessageParam{
		Role:    role,
		Content: []anthropic.ContentBlockParamUnion{{OfText: &anthropic.TextBlockParam{Text: m.Content}}},
	}
}

func toInputSchema(params map[string]interface{}) (anthropic.ToolInputSchemaParam, error) {
	if params == nil {
		params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return anthropic.ToolInputSchemaParam{}, err
	}
	var schema anthropic.ToolInputSchemaParam
	if err := json.Unmarshal(raw, &schema); err != nil {
		return anthropic.ToolInputSchemaParam{}, err
	}
	return schema, nil
}

func fromAnthropicMessage(msg *anthropic.Message) Result {
	var text string
	var calls []ToolCall

	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text += variant.Text
		case anthropic.ToolUseBlock:
			var args map[string]interface{}
			_ = json.Unmarshal(variant.Input, &args)
			calls = append(calls, ToolCall{ID: variant.ID, Name: variant.Name, Arguments: args})
		}
	}

	if len(calls) > 0 {
		return Result{Kind: KindTools, ToolCalls: calls}
	}
	return Result{Kind: KindText, Text: text}
}

func isRetryable(err error) bool {
	var apiErr *anthropic.Error
	if ok := asAnthropicError(err, &apiErr); ok {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == 429
	}
	return true
}

func asAnthropicError(err error, target **anthropic.Error) bool {
	if e, ok := err.(*anthropic.Error); ok {
		*target = e
		return true
	}
	return false
}
