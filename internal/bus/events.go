// Package bus provides the in-process event wire between the agent engine
// and its consumers (the terminal renderer, subagent forwarders, tests).
//
// Publish never blocks: each subscriber owns an unbounded queue drained by
// its own goroutine. Events published with no subscribers are dropped.
package bus

import "time"

// Event is the closed set of lifecycle events carried on the Wire.
type Event interface {
	event()
}

// DeltaKind distinguishes streamed reasoning text from answer text.
type DeltaKind string

const (
	DeltaReasoning DeltaKind = "reasoning"
	DeltaContent   DeltaKind = "content"
)

// Decision is the outcome of an approval request.
type Decision int

const (
	Reject Decision = iota
	Approve
	ApproveForSession
)

// StepBegin marks the start of one engine iteration.
type StepBegin struct {
	Step      int
	IsSub     bool
	AgentName string
}

// StepInterrupted signals that a turn aborted with an error or user interrupt.
type StepInterrupted struct{}

// CompactionBegin and CompactionEnd bracket a history compaction attempt.
// CompactionEnd is published even when compaction fails.
type CompactionBegin struct{}

type CompactionEnd struct{}

// ContentDelta is one streamed chunk of LLM output.
type ContentDelta struct {
	Kind DeltaKind
	Text string
}

// ToolCallBegin announces a tool call about to execute.
type ToolCallBegin struct {
	ID        string
	Name      string
	Arguments string
}

// ToolResult carries the outcome of one tool call.
type ToolResult struct {
	ToolCallID string
	Brief      string
	Output     string
	IsError    bool
	Rejected   bool
}

// TokenUsage reports token consumption from one LLM call.
type TokenUsage struct {
	Prompt     int
	Completion int
	Total      int
}

// ApprovalRequest asks the UI to approve a mutating tool action.
// Resolve must be called exactly once; extra calls are ignored.
type ApprovalRequest struct {
	Scope       string
	Action      string
	Description string
	Resolve     func(Decision)
}

// HumanInputRequest asks the UI a free-form or multiple-choice question.
type HumanInputRequest struct {
	Kind     string
	Question string
	Choices  []string
	Default  string
	Resolve  func(string)
}

// AsyncStarted announces a background subagent entering the Running state.
type AsyncStarted struct {
	ID        string
	Name      string
	Mode      string
	StartTime time.Time
}

// AsyncProgress forwards a child step boundary to the parent.
type AsyncProgress struct {
	ID   string
	Info string
	Step int
}

// AsyncTrigger fires when a watch-mode subagent matches its pattern.
type AsyncTrigger struct {
	ID          string
	Pattern     string
	MatchedLine string
	Time        time.Time
}

// AsyncCompleted announces a background subagent reaching a terminal status.
type AsyncCompleted struct {
	ID       string
	Result   string
	Success  bool
	Duration time.Duration
}

func (StepBegin) event()         {}
func (StepInterrupted) event()   {}
func (CompactionBegin) event()   {}
func (CompactionEnd) event()     {}
func (ContentDelta) event()      {}
func (ToolCallBegin) event()     {}
func (ToolResult) event()        {}
func (TokenUsage) event()        {}
func (ApprovalRequest) event()   {}
func (HumanInputRequest) event() {}
func (AsyncStarted) event()      {}
func (AsyncProgress) event()     {}
func (AsyncTrigger) event()      {}
func (AsyncCompleted) event()    {}
