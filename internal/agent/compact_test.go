package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jimi-agent/jimi/internal/bus"
	"github.com/jimi-agent/jimi/internal/providers"
)

func seedHistory(t *testing.T, e *Engine, n int) {
	t.Helper()
	_, err := e.Store().Checkpoint(false)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		role := providers.UserMessage
		if i%2 == 1 {
			role = providers.AssistantMessage
		}
		require.NoError(t, e.Store().Append(role("message")))
	}
}

func TestCompactKeepsRecentTail(t *testing.T) {
	p := &scriptedProvider{responses: []scriptedResponse{
		{msg: providers.AssistantMessage("SUMMARY OF EARLIER WORK")},
	}}
	rt, wire := newTestRuntime(t, p)
	eng := newTestEngine(t, rt, wire)
	seedHistory(t, eng, 30)

	require.NoError(t, eng.Compact(context.Background()))

	msgs := eng.Store().History()
	// summary pair + 10 recent messages
	require.Len(t, msgs, recentKeepMessages+2)
	assert.Contains(t, msgs[0].Text(), "SUMMARY OF EARLIER WORK")
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Positive(t, eng.Store().TokenCount())
}

func TestCompactShortHistoryNoop(t *testing.T) {
	p := &scriptedProvider{}
	rt, wire := newTestRuntime(t, p)
	eng := newTestEngine(t, rt, wire)
	seedHistory(t, eng, 5)

	require.NoError(t, eng.Compact(context.Background()))
	assert.Len(t, eng.Store().History(), 5)
	assert.Zero(t, p.calls, "no summary call for a short history")
}

func TestCompactBoundaryNeverSplitsToolPair(t *testing.T) {
	p := &scriptedProvider{responses: []scriptedResponse{
		{msg: providers.AssistantMessage("summary")},
	}}
	rt, wire := newTestRuntime(t, p)
	eng := newTestEngine(t, rt, wire)

	_, err := eng.Store().Checkpoint(false)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, eng.Store().Append(providers.UserMessage("filler")))
	}
	// an assistant/tool pair straddling the naive cut point
	require.NoError(t, eng.Store().Append(
		providers.Message{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "c1", Name: "Bash", Arguments: "{}"}}},
		providers.ToolMessage("c1", "output one"),
		providers.ToolMessage("c1", "output two"),
	))
	// 8 trailing messages put the naive cut on the first tool message
	for i := 0; i < 8; i++ {
		require.NoError(t, eng.Store().Append(providers.AssistantMessage("tail")))
	}

	require.NoError(t, eng.Compact(context.Background()))

	msgs := eng.Store().History()
	assert.Len(t, msgs, 13) // summary pair + assistant/tool trio + 8 tail
	for i, m := range msgs {
		if m.Role != "tool" {
			continue
		}
		require.Greater(t, i, 0)
		prev := msgs[i-1]
		assert.True(t, prev.Role == "assistant" && len(prev.ToolCalls) > 0 || prev.Role == "tool",
			"tool message at %d must follow its call", i)
	}
}

func TestCompactFailureLeavesHistoryIntact(t *testing.T) {
	p := &scriptedProvider{responses: []scriptedResponse{
		{err: &providers.Error{Provider: "scripted", Message: "summary refused"}},
	}}
	rt, wire := newTestRuntime(t, p)
	eng := newTestEngine(t, rt, wire)
	seedHistory(t, eng, 30)

	err := eng.Compact(context.Background())
	assert.Error(t, err)
	assert.Len(t, eng.Store().History(), 30)
}

func TestMaybeCompactPublishesBracketEvents(t *testing.T) {
	p := &scriptedProvider{responses: []scriptedResponse{
		{msg: providers.AssistantMessage("summary")},
	}}
	rt, wire := newTestRuntime(t, p)
	rt.MaxContextTokens = reservedTokens + 100
	eng := newTestEngine(t, rt, wire)
	seedHistory(t, eng, 30)
	require.NoError(t, eng.Store().UpdateTokenCount(reservedTokens + 101))

	events, stop := record(wire)
	eng.maybeCompact(context.Background())
	stop()

	var begin, end bool
	for _, ev := range *events {
		switch ev.(type) {
		case bus.CompactionBegin:
			begin = true
		case bus.CompactionEnd:
			end = true
		}
	}
	assert.True(t, begin)
	assert.True(t, end)
	assert.Len(t, eng.Store().History(), recentKeepMessages+2)
}

func TestMaybeCompactBelowThresholdDoesNothing(t *testing.T) {
	p := &scriptedProvider{}
	rt, wire := newTestRuntime(t, p)
	eng := newTestEngine(t, rt, wire)
	seedHistory(t, eng, 30)

	eng.maybeCompact(context.Background())
	assert.Len(t, eng.Store().History(), 30)
	assert.Zero(t, p.calls)
}

func TestEstimateTokens(t *testing.T) {
	assert.Zero(t, estimateTokens(""))
	short := estimateTokens("hello")
	long := estimateTokens("hello world, this is a much longer sentence about nothing")
	assert.Greater(t, long, short)
}
