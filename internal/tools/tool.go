// Package tools provides the tool contract, the registry that validates and
// executes LLM tool calls, the argument normalizer, and the builtin
// workspace tools.
package tools

import (
	"context"

	"github.com/jimi-agent/jimi/internal/bus"
)

// Tool is a single capability exposed to the LLM.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON-Schema for the tool's arguments.
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// Action classifies what a tool does to the environment. Mutating actions
// pass through the approval gate before execution.
type Action string

const (
	ActionRead    Action = "READ"
	ActionEdit    Action = "EDIT"
	ActionExecute Action = "EXECUTE"
)

// Mutating reports whether the action requires approval.
func (a Action) Mutating() bool {
	return a == ActionEdit || a == ActionExecute
}

// ActionDeclarer is implemented by tools with side effects. Tools without it
// default to ActionRead.
type ActionDeclarer interface {
	Action() Action
}

// WireAware tools receive the message bus at registration time.
type WireAware interface {
	SetWire(*bus.Wire)
}

// WorkdirAware tools receive the session workdir at registration time.
type WorkdirAware interface {
	SetWorkdir(string)
}

// Describer is implemented by tools that can summarize a concrete call for
// the approval prompt. Without it the raw argument string is shown.
type Describer interface {
	DescribeCall(args map[string]any) string
}
