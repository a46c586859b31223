// Package session implements the Session Runtime: the Input Router and
// Model Loop of spec.md §4.6/§4.7, plus the Session type that owns a
// tape, a serialized input queue, and the model invocation boundary.
// Grounded in original_source/src/bub/core/agent_loop.py's AgentLoop and
// router.py's command dispatch, rewritten without the dataclass/asyncio
// idiom in favor of explicit structs and goroutines.
package session

import "strings"

// CommandPrefix is the single character that marks raw input as an
// in-process command rather than a model prompt (spec.md §4.6).
const CommandPrefix = ","

// Route is the Input Router's decision for one raw input.
type Route struct {
	EnterModel     bool
	ModelPrompt    string
	ImmediateOutput string
	ExitRequested  bool
}

// CommandHandler runs an in-process command and returns its output plus
// whether it requests the session exit.
type CommandHandler func(args []string) (output string, exitRequested bool)

// Router dispatches command-prefixed input to registered handlers and
// otherwise routes raw input to the model.
type Router struct {
	handlers map[string]CommandHandler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]CommandHandler)}
}

// Register binds a command word (without the prefix) to a handler.
func (r *Router) Register(word string, handler CommandHandler) {
	r.handlers[word] = handler
}

// RouteUser implements spec.md §4.6's route_user.
func (r *Router) RouteUser(raw string) Route {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Route{}
	}

	if strings.HasPrefix(trimmed, CommandPrefix) {
		return r.dispatchCommand(trimmed)
	}

	return Route{EnterModel: true, ModelPrompt: raw}
}

func (r *Router) dispatchCommand(trimmed string) Route {
	body := strings.TrimPrefix(trimmed, CommandPrefix)
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return Route{ImmediateOutput: "empty command"}
	}

	word, args := fields[0], fields[1:]
	handler, ok := r.handlers[word]
	if !ok {
		return Route{ImmediateOutput: "unknown command: " + word}
	}

	output, exitRequested := handler(args)
	return Route{ImmediateOutput: output, ExitRequested: exitRequested}
}
