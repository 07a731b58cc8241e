package history

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jimi-agent/jimi/internal/providers"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "history.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestAppendAndHistory(t *testing.T) {
	st := openStore(t)

	require.NoError(t, st.Append(
		providers.UserMessage("hi"),
		providers.AssistantMessage("hello"),
	))

	msgs := st.History()
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Text())
	assert.Equal(t, "assistant", msgs[1].Role)

	// History returns a copy
	msgs[0].Content = "mutated"
	assert.Equal(t, "hi", st.History()[0].Text())
}

func TestRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.jsonl")

	st, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, st.Append(providers.UserMessage("hi")))
	_, err = st.Checkpoint(false)
	require.NoError(t, err)
	require.NoError(t, st.Append(providers.Message{
		Role:      "assistant",
		Content:   "running",
		ToolCalls: []providers.ToolCall{{ID: "call_1", Name: "Bash", Arguments: `{"command":"ls"}`}},
	}))
	require.NoError(t, st.Append(providers.ToolMessage("call_1", "file.txt")))
	require.NoError(t, st.UpdateTokenCount(1234))
	require.NoError(t, st.Close())

	st2, err := Open(path)
	require.NoError(t, err)
	defer st2.Close()
	require.NoError(t, st2.Restore())

	msgs := st2.History()
	require.Len(t, msgs, 3)
	assert.Equal(t, "hi", msgs[0].Text())
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, "Bash", msgs[1].ToolCalls[0].Name)
	assert.Equal(t, "call_1", msgs[2].ToolCallID)
	assert.Equal(t, 1234, st2.TokenCount())
	assert.Equal(t, 1, st2.NextCheckpointID())

	assert.ErrorIs(t, st2.Restore(), ErrAlreadyLoaded)
}

func TestRestoreSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.jsonl")
	content := `{"role":"user","content":"ok"}
this line is not json
{"role":"assistant","content":"fine"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	st, err := Open(path)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Restore())
	assert.Len(t, st.History(), 2)
}

func TestCheckpointIDsMonotonic(t *testing.T) {
	st := openStore(t)

	for want := 0; want < 3; want++ {
		id, err := st.Checkpoint(false)
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
	assert.Equal(t, 3, st.NextCheckpointID())
}

func TestCheckpointUserMarker(t *testing.T) {
	st := openStore(t)

	id, err := st.Checkpoint(true)
	require.NoError(t, err)
	msgs := st.History()
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Contains(t, msgs[0].Text(), "CHECKPOINT 0")
	assert.Equal(t, 0, id)
}

func TestRevertTo(t *testing.T) {
	st := openStore(t)

	require.NoError(t, st.Append(providers.UserMessage("hi")))
	_, err := st.Checkpoint(false) // id 0
	require.NoError(t, err)
	require.NoError(t, st.Append(providers.AssistantMessage("ok")))
	_, err = st.Checkpoint(false) // id 1
	require.NoError(t, err)
	require.NoError(t, st.Append(providers.AssistantMessage("more")))

	require.NoError(t, st.RevertTo(1))

	msgs := st.History()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Text())
	assert.Equal(t, "ok", msgs[1].Text())
	// checkpoint 1 itself is gone; the next id reuses it
	assert.Equal(t, 1, st.NextCheckpointID())

	// the pre-revert file survives as a rotation
	_, err = os.Stat(st.Path() + ".1")
	assert.NoError(t, err)
}

func TestRevertToZeroEmptiesStore(t *testing.T) {
	st := openStore(t)

	_, err := st.Checkpoint(false)
	require.NoError(t, err)
	require.NoError(t, st.Append(providers.UserMessage("hi")))
	require.NoError(t, st.UpdateTokenCount(500))

	require.NoError(t, st.RevertTo(0))
	assert.Empty(t, st.History())
	assert.Zero(t, st.TokenCount())
	assert.Zero(t, st.NextCheckpointID())
}

func TestRevertToUnknownCheckpoint(t *testing.T) {
	st := openStore(t)

	assert.ErrorIs(t, st.RevertTo(0), ErrUnknownCheckpoint)

	_, err := st.Checkpoint(false)
	require.NoError(t, err)
	assert.ErrorIs(t, st.RevertTo(5), ErrUnknownCheckpoint)
	assert.ErrorIs(t, st.RevertTo(-1), ErrUnknownCheckpoint)
}

func TestRevertRotationsAccumulate(t *testing.T) {
	st := openStore(t)

	for i := 0; i < 3; i++ {
		_, err := st.Checkpoint(false)
		require.NoError(t, err)
		require.NoError(t, st.Append(providers.UserMessage("x")))
		require.NoError(t, st.RevertTo(0))
	}

	for n := 1; n <= 3; n++ {
		_, err := os.Stat(fmt.Sprintf("%s.%d", st.Path(), n))
		assert.NoError(t, err, "rotation %d", n)
	}
}

func TestRevertSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.jsonl")

	st, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, st.Append(providers.UserMessage("keep")))
	_, err = st.Checkpoint(false)
	require.NoError(t, err)
	require.NoError(t, st.Append(providers.AssistantMessage("drop")))
	require.NoError(t, st.RevertTo(0))
	require.NoError(t, st.Close())

	st2, err := Open(path)
	require.NoError(t, err)
	defer st2.Close()
	require.NoError(t, st2.Restore())

	msgs := st2.History()
	require.Len(t, msgs, 1)
	assert.Equal(t, "keep", msgs[0].Text())
	assert.Zero(t, st2.NextCheckpointID())
}

func TestNextSubPath(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "history.jsonl")

	p, err := NextSubPath(base)
	require.NoError(t, err)
	assert.Equal(t, base+"_sub_1", p)

	require.NoError(t, os.WriteFile(p, nil, 0o644))
	p, err = NextSubPath(base)
	require.NoError(t, err)
	assert.Equal(t, base+"_sub_2", p)
}
