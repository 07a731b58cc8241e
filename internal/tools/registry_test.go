package tools

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jimi-agent/jimi/internal/bus"
)

// echoTool returns its "text" argument; used as a registry fixture.
type echoTool struct{}

func (echoTool) Name() string        { return "Echo" }
func (echoTool) Description() string { return "Echo the text argument" }
func (echoTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
		"required": []string{"text"},
	}
}
func (echoTool) Execute(ctx context.Context, args map[string]any) *Result {
	text, _ := args["text"].(string)
	return NewResult(text)
}

// mutatingTool needs approval before running.
type mutatingTool struct {
	ran bool
}

func (t *mutatingTool) Name() string        { return "Mutate" }
func (t *mutatingTool) Description() string { return "A tool with side effects" }
func (t *mutatingTool) Action() Action      { return ActionExecute }
func (t *mutatingTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (t *mutatingTool) Execute(ctx context.Context, args map[string]any) *Result {
	t.ran = true
	return NewResult("done")
}

// panicTool always panics.
type panicTool struct{}

func (panicTool) Name() string        { return "Panic" }
func (panicTool) Description() string { return "Always panics" }
func (panicTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (panicTool) Execute(ctx context.Context, args map[string]any) *Result {
	panic("boom")
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry(nil, t.TempDir(), nil)
	require.NoError(t, reg.Register(echoTool{}))
	return reg
}

func TestRegistryExecute(t *testing.T) {
	reg := newTestRegistry(t)

	res := reg.Execute(context.Background(), "Echo", `{"text": "hello"}`)
	assert.False(t, res.IsError)
	assert.Equal(t, "hello", res.ForLLM)
}

func TestRegistryNormalizesArguments(t *testing.T) {
	reg := newTestRegistry(t)

	// bareword key and missing closer are repaired before validation
	res := reg.Execute(context.Background(), "Echo", `{text: "fixed"`)
	assert.False(t, res.IsError)
	assert.Equal(t, "fixed", res.ForLLM)
}

func TestRegistryUnknownTool(t *testing.T) {
	reg := newTestRegistry(t)

	res := reg.Execute(context.Background(), "Nope", `{}`)
	assert.True(t, res.IsError)
	assert.Contains(t, res.ForLLM, "unknown tool")
}

func TestRegistryInvalidJSON(t *testing.T) {
	reg := newTestRegistry(t)

	res := reg.Execute(context.Background(), "Echo", `%%% garbage`)
	assert.True(t, res.IsError)
	assert.Contains(t, res.ForLLM, "not valid JSON")
}

func TestRegistrySchemaViolation(t *testing.T) {
	reg := newTestRegistry(t)

	res := reg.Execute(context.Background(), "Echo", `{"text": 42}`)
	assert.True(t, res.IsError)
	assert.Contains(t, res.ForLLM, "invalid arguments")
}

func TestRegistryDuplicateName(t *testing.T) {
	reg := newTestRegistry(t)
	assert.Error(t, reg.Register(echoTool{}))
}

func TestRegistryPanicRecovery(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Register(panicTool{}))

	res := reg.Execute(context.Background(), "Panic", `{}`)
	assert.True(t, res.IsError)
	assert.Contains(t, res.ForLLM, "boom")
}

func TestRegistrySchemasFilter(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Register(&mutatingTool{}))

	all := reg.Schemas(nil)
	assert.Len(t, all, 2)
	assert.Equal(t, "Echo", all[0].Function.Name)
	assert.Equal(t, "Mutate", all[1].Function.Name)

	filtered := reg.Schemas([]string{"Mutate"})
	require.Len(t, filtered, 1)
	assert.Equal(t, "Mutate", filtered[0].Function.Name)
}

// resolveDecision answers every approval request on the wire with d.
func resolveDecision(t *testing.T, wire *bus.Wire, d bus.Decision, requests *int) func() {
	t.Helper()
	sub := wire.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.C() {
			if req, ok := ev.(bus.ApprovalRequest); ok {
				*requests++
				req.Resolve(d)
			}
		}
	}()
	return func() {
		sub.Close()
		<-done
	}
}

func TestApprovalRejection(t *testing.T) {
	wire := bus.NewWire()
	defer wire.Close()
	approver := NewApprover(wire, false)
	reg := NewRegistry(wire, t.TempDir(), approver)
	mt := &mutatingTool{}
	require.NoError(t, reg.Register(mt))

	requests := 0
	stop := resolveDecision(t, wire, bus.Reject, &requests)
	defer stop()

	res := reg.Execute(context.Background(), "Mutate", `{}`)
	assert.True(t, res.Rejected)
	assert.False(t, mt.ran)
}

func TestApprovalSessionMemoization(t *testing.T) {
	wire := bus.NewWire()
	defer wire.Close()
	approver := NewApprover(wire, false)

	requests := 0
	stop := resolveDecision(t, wire, bus.ApproveForSession, &requests)

	d := approver.RequestApproval(context.Background(), "Bash", ActionExecute, "run ls")
	assert.Equal(t, bus.Approve, d)
	stop()
	assert.Equal(t, 1, requests)

	// no resolver listening anymore: a second request would hang unless
	// memoized
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d = approver.RequestApproval(ctx, "Bash", ActionExecute, "run ls again")
	assert.Equal(t, bus.Approve, d)
	assert.NoError(t, ctx.Err())

	// different scope still prompts (and times out into Reject here)
	d = approver.RequestApproval(ctx, "WriteFile", ActionEdit, "write file")
	assert.Equal(t, bus.Reject, d)
}

func TestApprovalYolo(t *testing.T) {
	wire := bus.NewWire()
	defer wire.Close()
	approver := NewApprover(wire, true)

	d := approver.RequestApproval(context.Background(), "Bash", ActionExecute, "anything")
	assert.Equal(t, bus.Approve, d)
}

func TestApprovalContextCancel(t *testing.T) {
	wire := bus.NewWire()
	defer wire.Close()
	approver := NewApprover(wire, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := approver.RequestApproval(ctx, "Bash", ActionExecute, "never answered")
	assert.Equal(t, bus.Reject, d)
}

func TestApproverForWireSharesSession(t *testing.T) {
	parent := bus.NewWire()
	defer parent.Close()
	child := bus.NewWire()
	defer child.Close()

	approver := NewApprover(parent, false)
	requests := 0
	stop := resolveDecision(t, parent, bus.ApproveForSession, &requests)
	require.Equal(t, bus.Approve,
		approver.RequestApproval(context.Background(), "Bash", ActionExecute, "x"))
	stop()

	// the clone publishes on the child wire but sees the parent's grants
	clone := approver.ForWire(child)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Equal(t, bus.Approve,
		clone.RequestApproval(ctx, "Bash", ActionExecute, "y"))
}

func TestResultConstructors(t *testing.T) {
	r := ErrorDetailResult("short", "long detail")
	assert.True(t, r.IsError)
	assert.Equal(t, "short", r.ForLLM)
	assert.Equal(t, "long detail", r.Detail)

	r = RejectedResult("user said no")
	assert.True(t, r.Rejected)

	r = BriefResult(fmt.Sprintf("%d bytes", 42), "Wrote file")
	assert.Equal(t, "Wrote file", r.Brief)
}
