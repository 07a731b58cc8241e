package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jimi-agent/jimi/internal/tools"
)

// AsyncTaskTool launches background subagents through the manager. Unlike
// Task it returns immediately with the task id; results arrive as bus
// events and persisted records.
type AsyncTaskTool struct {
	manager *Manager
}

func NewAsyncTaskTool(m *Manager) *AsyncTaskTool { return &AsyncTaskTool{manager: m} }

func (t *AsyncTaskTool) Name() string { return "AsyncTask" }

func (t *AsyncTaskTool) Description() string {
	return "Launch a subagent in the background. Modes: fire_and_forget (run to completion, report at the end) and watch (monitor tool output for a regex pattern and raise a trigger on match). Returns the task id immediately."
}

func (t *AsyncTaskTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"subagent_name": map[string]any{
				"type":        "string",
				"description": "Name of the subagent to launch",
			},
			"prompt": map[string]any{
				"type":        "string",
				"description": "Complete, self-contained task description",
			},
			"mode": map[string]any{
				"type":        "string",
				"enum":        []string{"fire_and_forget", "watch", "wait_complete"},
				"description": "Execution mode",
			},
			"trigger_pattern": map[string]any{
				"type":        "string",
				"description": "Regex to watch for in tool output (watch mode only)",
			},
			"continue_after_trigger": map[string]any{
				"type":        "boolean",
				"description": "Keep watching after the first match (watch mode only)",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Abort the task after this many seconds (0 = no timeout)",
			},
		},
		"required": []string{"subagent_name", "prompt", "mode"},
	}
}

func (t *AsyncTaskTool) DescribeCall(args map[string]any) string {
	name, _ := args["subagent_name"].(string)
	mode, _ := args["mode"].(string)
	return fmt.Sprintf("launch %s (%s)", name, mode)
}

func (t *AsyncTaskTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	name, _ := args["subagent_name"].(string)
	prompt, _ := args["prompt"].(string)
	mode, _ := args["mode"].(string)

	if mode == "wait_complete" {
		return tools.ErrorResult("mode wait_complete is not supported: use the Task tool for synchronous dispatch")
	}
	if strings.TrimSpace(prompt) == "" {
		return tools.ErrorResult("prompt is required")
	}

	req := StartRequest{
		Name:   name,
		Prompt: prompt,
		Mode:   Mode(mode),
	}
	if p, ok := args["trigger_pattern"].(string); ok {
		req.TriggerPattern = p
	}
	if c, ok := args["continue_after_trigger"].(bool); ok {
		req.ContinueAfter = c
	}
	if secs, ok := args["timeout_seconds"].(float64); ok && secs > 0 {
		req.Timeout = time.Duration(secs) * time.Second
	}

	sub, err := t.manager.Start(req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("launch subagent: %v", err))
	}
	return tools.BriefResult(
		fmt.Sprintf("Background task %s started (%s, mode %s). Results will arrive asynchronously; the user can inspect it with /async status %s.",
			sub.ID, sub.Name, sub.Mode, sub.ID),
		fmt.Sprintf("Launched %s in background (%s)", sub.Name, sub.ID))
}
