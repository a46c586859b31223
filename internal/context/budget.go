package context

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens for a given model and exposes that model's
// context-window limits, the same shape as the teacher's
// omni/tokencount.Counter, backed here by cl100k_base rather than a
// bespoke estimator.
type Counter struct {
	enc              *tiktoken.Tiktoken
	maxContextWindow int
	maxOutputTokens  int
	reserveTokens    int
}

// NewCounter builds a Counter for a model's context window. encoding
// defaults to "cl100k_base" when empty, which is accurate enough for
// budgeting purposes across current chat-completion models.
func NewCounter(encoding string, maxContextWindow, maxOutputTokens, reserveTokens int) (*Counter, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("context: load encoding %s: %w", encoding, err)
	}
	return &Counter{
		enc:              enc,
		maxContextWindow: maxContextWindow,
		maxOutputTokens:  maxOutputTokens,
		reserveTokens:    reserveTokens,
	}, nil
}

func (c *Counter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

func (c *Counter) MaxContextWindow() int { return c.maxContextWindow }
func (c *Counter) MaxOutputTokens() int  { return c.maxOutputTokens }
func (c *Counter) ReserveTokens() int    { return c.reserveTokens }

// Budget is a token-budget analysis of a projected message list, the
// context-reconstruction counterpart of the teacher's EnvelopeBudget:
// same reserve/required-space arithmetic, applied to "does this
// conversation fit" instead of "does this envelope need chunking".
type Budget struct {
	MessageTokens    int
	TotalTokens      int
	NeedsTrimming    bool
	MaxContextWindow int
	MaxOutputTokens  int
	AvailableTokens  int
}

// CalculateBudget measures messages against counter's context window,
// reserving MaxOutputTokens+ReserveTokens for the model's reply and
// safety margin.
func CalculateBudget(messages []Message, counter *Counter) *Budget {
	total := 0
	for _, m := range messages {
		total += counter.Count(m.Content)
		for _, tc := range m.ToolCalls {
			total += counter.Count(fmt.Sprint(tc))
		}
	}

	requiredSpace := counter.MaxOutputTokens() + counter.ReserveTokens()
	needsTrimming := total > (counter.MaxContextWindow() - requiredSpace)

	return &Budget{
		MessageTokens:    total,
		TotalTokens:      total,
		NeedsTrimming:    needsTrimming,
		MaxContextWindow: counter.MaxContextWindow(),
		MaxOutputTokens:  counter.MaxOutputTokens(),
		AvailableTokens:  counter.MaxContextWindow() - total - requiredSpace,
	}
}

// TrimToFit drops the oldest non-system messages from messages until the
// projection fits counter's budget, always keeping the leading system
// message (if any) and the most recent turn intact. It never produces a
// dangling tool message: if trimming would strand a "tool" message
// without its preceding assistant tool_calls message, that tool message
// is dropped too.
func TrimToFit(messages []Message, counter *Counter) []Message {
	if len(messages) == 0 {
		return messages
	}

	leadingSystem := 0
	if messages[0].Role == "system" {
		leadingSystem = 1
	}

	trimmed := append([]Message(nil), messages...)
	for {
		// The most recent turn starts at the last user message (or is
		// just the final message when there is none); it is never cut.
		turnStart := len(trimmed) - 1
		for i := len(trimmed) - 1; i > leadingSystem; i-- {
			if trimmed[i].Role == "user" {
				turnStart = i
				break
			}
		}
		if turnStart <= leadingSystem {
			break
		}
		budget := CalculateBudget(trimmed, counter)
		if !budget.NeedsTrimming {
			break
		}
		cut := leadingSystem
		trimmed = append(trimmed[:cut], trimmed[cut+1:]...)
		trimmed = dropOrphanedToolMessages(trimmed, leadingSystem)
	}
	return trimmed
}

// dropOrphanedToolMessages removes any "tool" role message that no
// longer has a preceding assistant message with tool_calls in scope,
// which can happen once TrimToFit cuts the assistant turn that issued it.
func dropOrphanedToolMessages(messages []Message, from int) []Message {
	out := messages[:from:from]
	hasPendingCalls := false
	for _, m := range messages[from:] {
		switch m.Role {
		case "assistant":
			hasPendingCalls = len(m.ToolCalls) > 0
			out = append(out, m)
		case "tool":
			if hasPendingCalls {
				out = append(out, m)
			}
		default:
			hasPendingCalls = false
			out = append(out, m)
		}
	}
	return out
}
