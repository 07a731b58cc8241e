package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jimi-agent/jimi/internal/bus"
	"github.com/jimi-agent/jimi/internal/providers"
	"github.com/jimi-agent/jimi/internal/tools"
)

var tracer = otel.Tracer("jimi/agent")

// Run executes one user turn: checkpoint, append the user message, then
// iterate steps until the LLM stops requesting tools or the step budget is
// exhausted. Every error exit publishes StepInterrupted; a provider-reported
// failure instead ends the turn gracefully with an error-text assistant
// message.
func (e *Engine) Run(ctx context.Context, userInput string) (err error) {
	defer func() {
		if err != nil {
			e.wire.Publish(bus.StepInterrupted{})
		}
	}()

	if _, err = e.store.Checkpoint(false); err != nil {
		return err
	}
	if err = e.store.Append(providers.UserMessage(userInput)); err != nil {
		return err
	}

	maxSteps := e.rt.maxSteps()
	for step := 1; ; step++ {
		if step > maxSteps {
			return fmt.Errorf("%w after %d steps", ErrMaxStepsReached, maxSteps)
		}
		if err = ctx.Err(); err != nil {
			return err
		}

		e.wire.Publish(bus.StepBegin{Step: step, IsSub: e.isSub, AgentName: e.cfg.Name})
		e.maybeCompact(ctx)
		if _, err = e.store.Checkpoint(true); err != nil {
			return err
		}

		var done bool
		done, err = e.step(ctx, step)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// step performs one LLM round trip plus tool dispatch. It reports done=true
// when the assistant answered without tool calls (or the provider failed and
// the failure was folded into the conversation).
func (e *Engine) step(ctx context.Context, step int) (done bool, err error) {
	ctx, span := tracer.Start(ctx, "agent.step", trace.WithAttributes(
		attribute.String("agent.name", e.cfg.Name),
		attribute.Int("agent.step", step),
	))
	defer span.End()

	req := providers.ChatRequest{
		System:   e.systemPrompt(),
		Messages: e.store.History(),
		Tools:    e.registry.Schemas(e.cfg.AllowedTools),
		Model:    e.model(),
	}

	resp, err := e.rt.Provider.Generate(ctx, req, func(c providers.StreamChunk) {
		if c.Reasoning != "" {
			e.wire.Publish(bus.ContentDelta{Kind: bus.DeltaReasoning, Text: c.Reasoning})
		}
		if c.Content != "" {
			e.wire.Publish(bus.ContentDelta{Kind: bus.DeltaContent, Text: c.Content})
		}
	})
	if err != nil {
		var perr *providers.Error
		if errors.As(err, &perr) {
			e.logger.Warn("provider error, ending turn", "error", err)
			if aerr := e.store.Append(providers.AssistantMessage("I hit an error: " + perr.Message)); aerr != nil {
				return false, aerr
			}
			return true, nil
		}
		return false, err
	}

	if resp.Usage != nil {
		if err := e.store.UpdateTokenCount(resp.Usage.Total); err != nil {
			return false, err
		}
		e.wire.Publish(bus.TokenUsage{
			Prompt:     resp.Usage.Prompt,
			Completion: resp.Usage.Completion,
			Total:      resp.Usage.Total,
		})
	}

	msg := resp.Message
	msg.Role = "assistant"
	if err := e.store.Append(msg); err != nil {
		return false, err
	}
	if len(msg.ToolCalls) == 0 {
		return true, nil
	}

	calls := e.validateBatch(msg.ToolCalls)
	results := e.executeBatch(ctx, calls)

	// Tool messages are appended in the order the LLM issued the calls,
	// in one batch, regardless of completion order.
	toolMsgs := make([]providers.Message, len(calls))
	for i, call := range calls {
		toolMsgs[i] = providers.ToolMessage(call.ID, results[i].ForLLM)
	}
	if err := e.store.Append(toolMsgs...); err != nil {
		return false, err
	}
	return false, nil
}

// validateBatch drops malformed calls before dispatch: missing id or name,
// duplicate ids, and argument strings that cannot be normalized to JSON.
func (e *Engine) validateBatch(calls []providers.ToolCall) []providers.ToolCall {
	seen := make(map[string]struct{}, len(calls))
	out := make([]providers.ToolCall, 0, len(calls))
	for _, call := range calls {
		if call.ID == "" || call.Name == "" {
			e.logger.Warn("dropping malformed tool call", "id", call.ID, "name", call.Name)
			continue
		}
		if _, dup := seen[call.ID]; dup {
			e.logger.Warn("dropping duplicate tool call id", "id", call.ID)
			continue
		}
		if !normalizable(call.Arguments) {
			e.logger.Warn("dropping tool call with unparseable arguments", "id", call.ID, "name", call.Name)
			continue
		}
		seen[call.ID] = struct{}{}
		out = append(out, call)
	}
	return out
}

// normalizable reports whether an argument string parses as JSON after the
// repair passes. Empty arguments count as the empty object.
func normalizable(args string) bool {
	s := strings.TrimSpace(tools.NormalizeArguments(args))
	if s == "" {
		return true
	}
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// executeBatch announces every call, then runs them concurrently. Results
// are written into an indexed slice so ordering is preserved no matter
// which call finishes first.
func (e *Engine) executeBatch(ctx context.Context, calls []providers.ToolCall) []*tools.Result {
	for _, call := range calls {
		e.wire.Publish(bus.ToolCallBegin{ID: call.ID, Name: call.Name, Arguments: call.Arguments})
	}

	results := make([]*tools.Result, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call providers.ToolCall) {
			defer wg.Done()
			cctx, span := tracer.Start(ctx, "agent.tool", trace.WithAttributes(
				attribute.String("tool.name", call.Name),
				attribute.String("tool.call_id", call.ID),
			))
			defer span.End()

			res := e.registry.Execute(cctx, call.Name, call.Arguments)
			results[i] = res
			e.wire.Publish(bus.ToolResult{
				ToolCallID: call.ID,
				Brief:      res.Brief,
				Output:     res.Detail,
				IsError:    res.IsError,
				Rejected:   res.Rejected,
			})
		}(i, call)
	}
	wg.Wait()
	return results
}
