package tools

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jimi-agent/jimi/internal/bus"
)

// approvalState is the session-approved set, shared between a parent
// approver and its per-subagent clones.
type approvalState struct {
	mu      sync.Mutex
	session map[string]struct{}
}

// Approver gates mutating tool actions behind the UI. It publishes an
// ApprovalRequest on the wire and waits for the one-shot resolution handle;
// the UI is the only legitimate resolver. ApproveForSession memoizes by
// (scope, action) for the rest of the session. The yolo flag, fixed at
// construction, short-circuits every request to Approve without prompting.
type Approver struct {
	wire  *bus.Wire
	yolo  bool
	state *approvalState
}

// NewApprover creates an approval gate publishing on wire.
func NewApprover(wire *bus.Wire, yolo bool) *Approver {
	return &Approver{
		wire:  wire,
		yolo:  yolo,
		state: &approvalState{session: make(map[string]struct{})},
	}
}

// ForWire returns an approver publishing on w that shares this approver's
// session-approved set. Used for subagents with their own bus.
func (a *Approver) ForWire(w *bus.Wire) *Approver {
	return &Approver{wire: w, yolo: a.yolo, state: a.state}
}

// Yolo reports whether prompting is disabled.
func (a *Approver) Yolo() bool { return a.yolo }

// RequestApproval asks the UI to approve (scope, action). Cancellation of
// ctx resolves as Reject. Session-approved pairs return Approve without
// publishing an event.
func (a *Approver) RequestApproval(ctx context.Context, scope string, action Action, description string) bus.Decision {
	if a.yolo {
		return bus.Approve
	}

	key := scope + "\x00" + string(action)
	a.state.mu.Lock()
	_, approved := a.state.session[key]
	a.state.mu.Unlock()
	if approved {
		return bus.Approve
	}

	resolved := make(chan bus.Decision, 1)
	var once sync.Once
	a.wire.Publish(bus.ApprovalRequest{
		Scope:       scope,
		Action:      string(action),
		Description: description,
		Resolve: func(d bus.Decision) {
			once.Do(func() { resolved <- d })
		},
	})

	var decision bus.Decision
	select {
	case decision = <-resolved:
	case <-ctx.Done():
		slog.Debug("approval wait cancelled", "scope", scope, "action", action)
		return bus.Reject
	}

	if decision == bus.ApproveForSession {
		a.state.mu.Lock()
		a.state.session[key] = struct{}{}
		a.state.mu.Unlock()
		return bus.Approve
	}
	return decision
}
