package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/jimi-agent/jimi/internal/bus"
)

// AskUserTool lets the agent pose a question to the human mid-turn, either
// free-form or as a choice list. The answer comes back through the same
// one-shot resolution handle the approval gate uses.
type AskUserTool struct {
	wire *bus.Wire
}

func NewAskUserTool() *AskUserTool { return &AskUserTool{} }

func (t *AskUserTool) SetWire(w *bus.Wire) { t.wire = w }
func (t *AskUserTool) Name() string        { return "AskUser" }
func (t *AskUserTool) Description() string {
	return "Ask the user a question and wait for their answer. Use choices for a fixed set of options."
}

func (t *AskUserTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"question": map[string]any{
				"type":        "string",
				"description": "Question to show the user",
			},
			"choices": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Optional fixed answer choices",
			},
			"default": map[string]any{
				"type":        "string",
				"description": "Answer assumed if the user declines to respond",
			},
		},
		"required": []string{"question"},
	}
}

func (t *AskUserTool) Execute(ctx context.Context, args map[string]any) *Result {
	question, _ := args["question"].(string)
	if question == "" {
		return ErrorResult("question is required")
	}
	def, _ := args["default"].(string)
	var choices []string
	if raw, ok := args["choices"].([]any); ok {
		for _, c := range raw {
			if s, ok := c.(string); ok {
				choices = append(choices, s)
			}
		}
	}
	if t.wire == nil {
		return ErrorResult("no interactive session available")
	}

	answered := make(chan string, 1)
	var once sync.Once
	kind := "text"
	if len(choices) > 0 {
		kind = "choice"
	}
	t.wire.Publish(bus.HumanInputRequest{
		Kind:     kind,
		Question: question,
		Choices:  choices,
		Default:  def,
		Resolve: func(answer string) {
			once.Do(func() { answered <- answer })
		},
	})

	select {
	case answer := <-answered:
		if answer == "" {
			answer = def
		}
		return BriefResult(fmt.Sprintf("User answered: %s", answer), "Got user input")
	case <-ctx.Done():
		return ErrorResult("question cancelled before the user answered")
	}
}
