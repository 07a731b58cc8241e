package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/jimi-agent/jimi/internal/bus"
	"github.com/jimi-agent/jimi/internal/providers"
)

// reservedTokens is the headroom kept below the context ceiling; compaction
// fires once the last reported usage crosses maxContextTokens - reservedTokens.
const reservedTokens = 50_000

// recentKeepMessages is how many trailing messages survive compaction
// verbatim (extended backwards so a tool message never loses its call).
const recentKeepMessages = 10

const summaryPrompt = `Summarize the conversation so far for your own future reference.
Capture: the user's goals, decisions made, files touched and their state,
unresolved problems, and anything you promised to do. Be concise but do not
drop information needed to continue the work.`

var (
	encOnce sync.Once
	encoder *tiktoken.Tiktoken
)

// estimateTokens counts tokens with cl100k_base, falling back to a bytes/4
// heuristic if the encoding is unavailable.
func estimateTokens(s string) int {
	encOnce.Do(func() {
		encoder, _ = tiktoken.GetEncoding("cl100k_base")
	})
	if encoder == nil {
		return len(s) / 4
	}
	return len(encoder.Encode(s, nil, nil))
}

// maybeCompact checks the usage counter against the ceiling and compacts
// when crossed. Failures are logged and the turn proceeds with the original
// history; CompactionEnd is published on every path after CompactionBegin.
func (e *Engine) maybeCompact(ctx context.Context) {
	limit := e.rt.maxContextTokens() - reservedTokens
	if e.store.TokenCount() <= limit {
		return
	}
	e.wire.Publish(bus.CompactionBegin{})
	defer e.wire.Publish(bus.CompactionEnd{})

	if err := e.compact(ctx); err != nil {
		e.logger.Warn("compaction failed, continuing with full history", "error", err)
	}
}

// Compact forces a compaction cycle regardless of the usage counter.
func (e *Engine) Compact(ctx context.Context) error {
	e.wire.Publish(bus.CompactionBegin{})
	defer e.wire.Publish(bus.CompactionEnd{})
	return e.compact(ctx)
}

// compact asks the LLM for a summary of the old history, reverts the store
// to checkpoint 0, and seeds it with the summary plus the recent tail. The
// store is only mutated after the summary call has succeeded.
func (e *Engine) compact(ctx context.Context) error {
	msgs := e.store.History()
	if len(msgs) <= recentKeepMessages {
		return nil
	}

	cut := len(msgs) - recentKeepMessages
	// Never split an assistant/tool pair: a tool message at the boundary
	// pulls its preceding messages into the tail.
	for cut > 0 && msgs[cut].Role == "tool" {
		cut--
	}
	if cut == 0 {
		return nil
	}
	old, recent := msgs[:cut], msgs[cut:]

	summary, err := e.summarize(ctx, old)
	if err != nil {
		return fmt.Errorf("summarize history: %w", err)
	}

	if err := e.store.RevertTo(0); err != nil {
		return fmt.Errorf("revert history: %w", err)
	}

	seeded := make([]providers.Message, 0, len(recent)+2)
	seeded = append(seeded,
		providers.UserMessage("[Conversation summary]\n"+summary),
		providers.AssistantMessage("Understood. I will continue from that summary."),
	)
	seeded = append(seeded, recent...)
	if err := e.store.Append(seeded...); err != nil {
		return fmt.Errorf("seed compacted history: %w", err)
	}

	total := 0
	for _, m := range seeded {
		total += estimateTokens(m.Text())
	}
	if err := e.store.UpdateTokenCount(total); err != nil {
		return fmt.Errorf("record compacted usage: %w", err)
	}
	e.logger.Info("history compacted",
		"dropped", len(old), "kept", len(recent), "estimated_tokens", total)
	return nil
}

// summarize renders the old history as a transcript and asks the provider
// for a continuation summary, without tools and without streaming.
func (e *Engine) summarize(ctx context.Context, old []providers.Message) (string, error) {
	var b strings.Builder
	for _, m := range old {
		text := m.Text()
		if text == "" && len(m.ToolCalls) > 0 {
			text = fmt.Sprintf("(requested %d tool calls)", len(m.ToolCalls))
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, text)
	}

	resp, err := e.rt.Provider.Generate(ctx, providers.ChatRequest{
		System:   summaryPrompt,
		Messages: []providers.Message{providers.UserMessage(b.String())},
		Model:    e.model(),
	}, nil)
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(resp.Message.Text())
	if summary == "" {
		return "", fmt.Errorf("provider returned empty summary")
	}
	return summary, nil
}
