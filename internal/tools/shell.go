package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultExecTimeout = 60 * time.Second
	maxExecTimeout     = 10 * time.Minute
	maxExecOutput      = 64 * 1024
)

// BashTool runs a shell command in the workspace. EXECUTE action; every run
// passes the approval gate unless session-approved or yolo.
type BashTool struct {
	workdir string
}

func NewBashTool() *BashTool { return &BashTool{} }

func (t *BashTool) SetWorkdir(dir string) { t.workdir = dir }
func (t *BashTool) Name() string          { return "Bash" }
func (t *BashTool) Action() Action        { return ActionExecute }
func (t *BashTool) Description() string {
	return "Execute a shell command in the workspace and return its combined output"
}

func (t *BashTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to execute",
			},
			"timeout": map[string]any{
				"type":        "integer",
				"description": "Timeout in seconds (default 60, max 600)",
			},
		},
		"required": []string{"command"},
	}
}

func (t *BashTool) DescribeCall(args map[string]any) string {
	command, _ := args["command"].(string)
	if len(command) > 160 {
		command = command[:160] + "..."
	}
	return command
}

func (t *BashTool) Execute(ctx context.Context, args map[string]any) *Result {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return ErrorResult("command is required")
	}

	timeout := defaultExecTimeout
	if v, ok := args["timeout"].(float64); ok && v > 0 {
		timeout = time.Duration(v) * time.Second
		if timeout > maxExecTimeout {
			timeout = maxExecTimeout
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = t.workdir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start).Round(time.Millisecond)

	output := out.String()
	if len(output) > maxExecOutput {
		output = output[:maxExecOutput] + "\n\n[output truncated]"
	}

	if execCtx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("command timed out after %s\n%s", timeout, output))
	}
	if err != nil {
		return ErrorDetailResult(
			fmt.Sprintf("command failed: %v\n%s", err, output),
			err.Error(),
		)
	}
	if output == "" {
		output = "(no output)"
	}
	return BriefResult(output, fmt.Sprintf("Ran command in %s", elapsed))
}
