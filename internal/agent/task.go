package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jimi-agent/jimi/internal/bus"
	"github.com/jimi-agent/jimi/internal/history"
	"github.com/jimi-agent/jimi/internal/tools"
)

// minSubagentReply is the answer length below which the dispatcher sends one
// continuation prompt asking the child to elaborate.
const minSubagentReply = 200

const continuationPrompt = "Please continue and give your complete findings in full detail."

// TaskTool dispatches a named subagent synchronously: the child engine runs
// to completion on its own history file and bus, and its final answer comes
// back as the tool result. Child approval and input requests are forwarded
// to the parent bus so the UI can serve them.
type TaskTool struct {
	parent *Engine
}

func NewTaskTool(parent *Engine) *TaskTool { return &TaskTool{parent: parent} }

func (t *TaskTool) Name() string { return "Task" }

func (t *TaskTool) Description() string {
	names := t.subagentNames()
	return fmt.Sprintf(
		"Dispatch a subagent to handle a self-contained task and wait for its result. Available subagents: %s",
		strings.Join(names, ", "))
}

func (t *TaskTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"subagent_name": map[string]any{
				"type":        "string",
				"description": "Name of the subagent to dispatch",
			},
			"prompt": map[string]any{
				"type":        "string",
				"description": "Complete, self-contained task description for the subagent",
			},
			"description": map[string]any{
				"type":        "string",
				"description": "Short human-readable label for this task",
			},
		},
		"required": []string{"subagent_name", "prompt"},
	}
}

func (t *TaskTool) DescribeCall(args map[string]any) string {
	name, _ := args["subagent_name"].(string)
	desc, _ := args["description"].(string)
	if desc == "" {
		desc, _ = args["prompt"].(string)
	}
	if len(desc) > 120 {
		desc = desc[:120] + "..."
	}
	return fmt.Sprintf("dispatch %s: %s", name, desc)
}

func (t *TaskTool) subagentNames() []string {
	names := make([]string, 0, len(t.parent.cfg.Subagents))
	for name := range t.parent.cfg.Subagents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *TaskTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	name, _ := args["subagent_name"].(string)
	prompt, _ := args["prompt"].(string)

	subCfg, ok := t.parent.cfg.Subagents[name]
	if !ok {
		return tools.ErrorResult(fmt.Sprintf(
			"unknown subagent: %s (available: %s)", name, strings.Join(t.subagentNames(), ", ")))
	}
	if strings.TrimSpace(prompt) == "" {
		return tools.ErrorResult("prompt is required")
	}

	path, err := history.NextSubPath(t.parent.store.Path())
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("allocate subagent history: %v", err))
	}
	st, err := history.Open(path)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("open subagent history: %v", err))
	}
	defer st.Close()

	childWire := bus.NewWire()
	defer childWire.Close()
	stopForward := forwardToParent(childWire, t.parent.wire)
	defer stopForward()

	child, err := NewEngine(subCfg, t.parent.rt, st, childWire, Options{IsSub: true})
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("build subagent: %v", err))
	}

	if err := child.Run(ctx, prompt); err != nil {
		return tools.ErrorResult(fmt.Sprintf("subagent %s failed: %v", name, err))
	}

	answer := lastAssistantText(st.History())
	if answer == "" {
		return tools.ErrorResult(fmt.Sprintf("subagent %s did not run", name))
	}
	if len(answer) < minSubagentReply {
		// One retry: short answers are usually truncated or lazy.
		if err := child.Run(ctx, continuationPrompt); err == nil {
			if longer := lastAssistantText(st.History()); longer != "" {
				answer = longer
			}
		}
	}
	return tools.BriefResult(answer, "Subagent task completed")
}

// forwardToParent relays interactive requests and child step boundaries from
// a child bus to the parent bus. The returned stop function is idempotent
// through the subscription's own Close.
func forwardToParent(child, parent *bus.Wire) (stop func()) {
	sub := child.Subscribe()
	go func() {
		for ev := range sub.C() {
			switch ev.(type) {
			case bus.ApprovalRequest, bus.HumanInputRequest, bus.StepBegin,
				bus.ContentDelta, bus.ToolCallBegin, bus.ToolResult:
				parent.Publish(ev)
			}
		}
	}()
	return sub.Close
}
