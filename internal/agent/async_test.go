package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jimi-agent/jimi/internal/bus"
	"github.com/jimi-agent/jimi/internal/providers"
	"github.com/jimi-agent/jimi/internal/tools"
)

func newAsyncManager(t *testing.T, p providers.Provider, extra ...tools.Tool) (*Manager, *bus.Wire) {
	t.Helper()
	rt, wire := newTestRuntime(t, p, extra...)
	subagents := map[string]*Config{
		"worker": {Name: "worker", SystemPrompt: "You are a worker."},
	}
	m := NewManager(rt, subagents, filepath.Join(t.TempDir(), "history.jsonl"))
	t.Cleanup(m.Shutdown)
	return m, wire
}

// startAndWait blocks until the subagent retires, using OnComplete wiring.
func startAndWait(t *testing.T, m *Manager, req StartRequest) *Subagent {
	t.Helper()
	done := make(chan struct{})
	req.OnComplete = func(*Subagent) { close(done) }
	sub, err := m.Start(req)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("subagent %s never reached a terminal state", sub.ID)
	}
	return sub
}

func TestAsyncFireAndForget(t *testing.T) {
	p := &scriptedProvider{responses: []scriptedResponse{
		{msg: providers.AssistantMessage("Task complete: analysis written to notes.md")},
	}}
	m, wire := newAsyncManager(t, p)
	events, stop := record(wire)

	sub := startAndWait(t, m, StartRequest{
		Name:   "worker",
		Prompt: "analyze the codebase",
		Mode:   ModeFireAndForget,
	})

	assert.Len(t, sub.ID, 8)
	assert.Equal(t, StatusCompleted, sub.Status())

	rec := sub.Snapshot()
	assert.Equal(t, "Task complete: analysis written to notes.md", rec.Result)
	require.NotNil(t, rec.EndTime)

	// retired out of live, into the completed cache
	assert.Empty(t, m.Live())
	require.Len(t, m.Completed(), 1)
	got, ok := m.Get(sub.ID)
	require.True(t, ok)
	assert.Same(t, sub, got)

	// persisted under the workspace state dir
	saved, err := LoadAsyncRecord(m.rt.WorkDir, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusCompleted), saved.Status)
	assert.Equal(t, 1, AsyncHistoryCount(m.rt.WorkDir))

	stop()
	var started, completed bool
	for _, ev := range *events {
		switch v := ev.(type) {
		case bus.AsyncStarted:
			started = true
			assert.Equal(t, sub.ID, v.ID)
		case bus.AsyncCompleted:
			completed = true
			assert.True(t, v.Success)
		}
	}
	assert.True(t, started)
	assert.True(t, completed)
}

func TestAsyncWatchTrigger(t *testing.T) {
	p := &scriptedProvider{responses: []scriptedResponse{
		{msg: providers.Message{
			Role: "assistant",
			ToolCalls: []providers.ToolCall{
				{ID: "call_1", Name: "Build", Arguments: `{}`},
			},
		}},
		{msg: providers.Message{
			Role: "assistant",
			ToolCalls: []providers.ToolCall{
				{ID: "call_2", Name: "Hang", Arguments: `{}`},
			},
		}},
	}}
	m, wire := newAsyncManager(t, p,
		sleepTool{name: "Build", reply: "compiling...\nERROR: NullPointerException at Main.java:42\ndone"},
		sleepTool{name: "Hang", delay: 30 * time.Second, reply: "never"},
	)
	events, stop := record(wire)

	sub := startAndWait(t, m, StartRequest{
		Name:           "worker",
		Prompt:         "watch the build",
		Mode:           ModeWatch,
		TriggerPattern: `ERROR.*Exception`,
	})

	assert.Equal(t, StatusCancelled, sub.Status())
	assert.Empty(t, m.Live())

	stop()
	var triggers []bus.AsyncTrigger
	for _, ev := range *events {
		if tr, ok := ev.(bus.AsyncTrigger); ok {
			triggers = append(triggers, tr)
		}
	}
	require.Len(t, triggers, 1)
	assert.Equal(t, sub.ID, triggers[0].ID)
	assert.Contains(t, triggers[0].MatchedLine, "ERROR: NullPointerException")
}

func TestAsyncTimeout(t *testing.T) {
	p := &scriptedProvider{responses: []scriptedResponse{
		{msg: providers.Message{
			Role: "assistant",
			ToolCalls: []providers.ToolCall{
				{ID: "call_1", Name: "Hang", Arguments: `{}`},
			},
		}},
	}}
	m, _ := newAsyncManager(t, p,
		sleepTool{name: "Hang", delay: 30 * time.Second, reply: "never"})

	sub := startAndWait(t, m, StartRequest{
		Name:    "worker",
		Prompt:  "run forever",
		Mode:    ModeFireAndForget,
		Timeout: 100 * time.Millisecond,
	})

	assert.Equal(t, StatusTimeout, sub.Status())
	rec := sub.Snapshot()
	assert.Contains(t, rec.Error, "timed out")
}

func TestAsyncCancelImmediatelyAfterStart(t *testing.T) {
	p := &scriptedProvider{responses: []scriptedResponse{
		{msg: providers.Message{
			Role: "assistant",
			ToolCalls: []providers.ToolCall{
				{ID: "call_1", Name: "Hang", Arguments: `{}`},
			},
		}},
	}}
	m, _ := newAsyncManager(t, p,
		sleepTool{name: "Hang", delay: 30 * time.Second, reply: "never"})

	// cancel races the worker pickup: whether the task is still queued or
	// already running, the completion callback fires exactly once
	done := make(chan struct{})
	sub, err := m.Start(StartRequest{
		Name:       "worker",
		Prompt:     "run forever",
		Mode:       ModeFireAndForget,
		OnComplete: func(*Subagent) { close(done) },
	})
	require.NoError(t, err)
	assert.True(t, m.Cancel(sub.ID))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("completion callback never fired")
	}
	assert.Equal(t, StatusCancelled, sub.Status())
}

func TestAsyncCancel(t *testing.T) {
	p := &scriptedProvider{responses: []scriptedResponse{
		{msg: providers.Message{
			Role: "assistant",
			ToolCalls: []providers.ToolCall{
				{ID: "call_1", Name: "Hang", Arguments: `{}`},
			},
		}},
	}}
	m, _ := newAsyncManager(t, p,
		sleepTool{name: "Hang", delay: 30 * time.Second, reply: "never"})

	done := make(chan struct{})
	sub, err := m.Start(StartRequest{
		Name:       "worker",
		Prompt:     "run forever",
		Mode:       ModeFireAndForget,
		OnComplete: func(*Subagent) { close(done) },
	})
	require.NoError(t, err)

	// wait until the worker picked it up
	require.Eventually(t, func() bool {
		return sub.Status() == StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, m.Cancel(sub.ID))
	<-done

	assert.Equal(t, StatusCancelled, sub.Status())
	assert.False(t, m.Cancel(sub.ID), "second cancel is a no-op")
	require.Len(t, m.Completed(), 1)
}

func TestAsyncStartValidation(t *testing.T) {
	p := &scriptedProvider{}
	m, _ := newAsyncManager(t, p)

	_, err := m.Start(StartRequest{Name: "ghost", Prompt: "x", Mode: ModeFireAndForget})
	assert.ErrorIs(t, err, ErrUnknownSubagent)

	_, err = m.Start(StartRequest{Name: "worker", Prompt: "x", Mode: "wait_complete"})
	assert.ErrorContains(t, err, "unsupported mode")

	_, err = m.Start(StartRequest{Name: "worker", Prompt: "x", Mode: ModeWatch})
	assert.ErrorContains(t, err, "trigger pattern")

	_, err = m.Start(StartRequest{Name: "worker", Prompt: "x", Mode: ModeWatch, TriggerPattern: "["})
	assert.ErrorContains(t, err, "invalid trigger pattern")
}

func TestAsyncFailureStatus(t *testing.T) {
	// non-provider error: the engine surfaces it and the task fails
	p := &scriptedProvider{responses: []scriptedResponse{
		{msg: providers.Message{Role: "assistant"}}, // empty answer, no tool calls
	}}
	m, _ := newAsyncManager(t, p)

	sub := startAndWait(t, m, StartRequest{
		Name:   "worker",
		Prompt: "produce nothing",
		Mode:   ModeFireAndForget,
	})

	assert.Equal(t, StatusFailed, sub.Status())
	assert.Contains(t, sub.Snapshot().Error, "no answer")
}

func TestAsyncTaskToolRejectsWaitComplete(t *testing.T) {
	p := &scriptedProvider{}
	m, _ := newAsyncManager(t, p)
	tool := NewAsyncTaskTool(m)

	res := tool.Execute(context.Background(), map[string]any{
		"subagent_name": "worker",
		"prompt":        "x",
		"mode":          "wait_complete",
	})
	assert.True(t, res.IsError)
	assert.Contains(t, res.ForLLM, "Task tool")
}

func TestAsyncTaskToolLaunches(t *testing.T) {
	p := &scriptedProvider{responses: []scriptedResponse{
		{msg: providers.AssistantMessage("done")},
	}}
	m, _ := newAsyncManager(t, p)
	tool := NewAsyncTaskTool(m)

	res := tool.Execute(context.Background(), map[string]any{
		"subagent_name": "worker",
		"prompt":        "quick job",
		"mode":          "fire_and_forget",
	})
	require.False(t, res.IsError)
	assert.Contains(t, res.ForLLM, "Background task")

	require.Eventually(t, func() bool {
		return len(m.Completed()) == 1
	}, 10*time.Second, 10*time.Millisecond)
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []Status{StatusPending, StatusRunning} {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestAsyncHistoryListing(t *testing.T) {
	p := &scriptedProvider{responses: []scriptedResponse{
		{msg: providers.AssistantMessage("one")},
		{msg: providers.AssistantMessage("two")},
	}}
	m, _ := newAsyncManager(t, p)

	first := startAndWait(t, m, StartRequest{Name: "worker", Prompt: "a", Mode: ModeFireAndForget})
	second := startAndWait(t, m, StartRequest{Name: "worker", Prompt: "b", Mode: ModeFireAndForget})

	entries := AsyncHistory(m.rt.WorkDir, 0)
	require.Len(t, entries, 2)
	// newest first
	assert.Equal(t, second.ID, entries[0].ID)
	assert.Equal(t, first.ID, entries[1].ID)

	limited := AsyncHistory(m.rt.WorkDir, 1)
	require.Len(t, limited, 1)

	removed := ClearAsyncHistory(m.rt.WorkDir)
	assert.Equal(t, 2, removed)
	assert.Zero(t, AsyncHistoryCount(m.rt.WorkDir))

	_, err := os.Stat(indexPath(m.rt.WorkDir))
	assert.True(t, os.IsNotExist(err))
}
