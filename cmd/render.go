package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-runewidth"

	"github.com/jimi-agent/jimi/internal/bus"
)

// renderer turns wire events into terminal output. It owns a subscription
// drained by one goroutine; interactive events (approval, human input) block
// that goroutine on a prompt, which is safe because they only arrive while
// the REPL is inside a turn and not reading stdin.
type renderer struct {
	sub     *bus.Subscription
	done    chan struct{}
	midLine atomic.Bool
}

func newRenderer(wire *bus.Wire) *renderer {
	r := &renderer{
		sub:  wire.Subscribe(),
		done: make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *renderer) stop() {
	r.sub.Close()
	<-r.done
}

// flush gives queued events a moment to drain and terminates a dangling
// stream line. The wire is asynchronous by design; a short grace period is
// enough for the tail of a finished turn.
func (r *renderer) flush() {
	time.Sleep(50 * time.Millisecond)
	if r.midLine.Swap(false) {
		fmt.Println()
	}
}

func (r *renderer) loop() {
	defer close(r.done)
	for ev := range r.sub.C() {
		switch e := ev.(type) {
		case bus.ContentDelta:
			r.delta(e)
		case bus.StepBegin:
			if e.IsSub {
				r.line("  · %s step %d", e.AgentName, e.Step)
			}
		case bus.ToolCallBegin:
			r.line("→ %s %s", e.Name, truncate(e.Arguments, 100))
		case bus.ToolResult:
			r.toolResult(e)
		case bus.TokenUsage:
			slog.Debug("token usage", "prompt", e.Prompt, "completion", e.Completion, "total", e.Total)
		case bus.CompactionBegin:
			r.line("[compacting history...]")
		case bus.CompactionEnd:
			r.line("[compaction done]")
		case bus.ApprovalRequest:
			r.approval(e)
		case bus.HumanInputRequest:
			r.humanInput(e)
		case bus.AsyncStarted:
			r.line("[async %s] %s started (%s)", e.ID, e.Name, e.Mode)
		case bus.AsyncProgress:
			slog.Debug("async progress", "id", e.ID, "step", e.Step)
		case bus.AsyncTrigger:
			r.line("[async %s] trigger %q matched: %s", e.ID, e.Pattern, e.MatchedLine)
		case bus.AsyncCompleted:
			status := "failed"
			if e.Success {
				status = "completed"
			}
			r.line("[async %s] %s in %s", e.ID, status, e.Duration.Round(time.Second))
		case bus.StepInterrupted:
			r.breakLine()
		}
	}
}

func (r *renderer) delta(e bus.ContentDelta) {
	if e.Kind == bus.DeltaReasoning {
		fmt.Fprint(os.Stderr, e.Text)
	} else {
		fmt.Print(e.Text)
	}
	r.midLine.Store(!strings.HasSuffix(e.Text, "\n"))
}

func (r *renderer) toolResult(e bus.ToolResult) {
	mark := "✓"
	if e.Rejected {
		mark = "⊘"
	} else if e.IsError {
		mark = "✗"
	}
	brief := e.Brief
	if brief == "" {
		brief = truncate(e.Output, 100)
	}
	r.line("%s %s", mark, brief)
}

func (r *renderer) approval(e bus.ApprovalRequest) {
	r.breakLine()
	var decision bus.Decision
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[bus.Decision]().
			Title(fmt.Sprintf("Allow %s (%s)?", e.Scope, e.Action)).
			Description(e.Description).
			Options(
				huh.NewOption("Approve once", bus.Approve),
				huh.NewOption("Approve for this session", bus.ApproveForSession),
				huh.NewOption("Reject", bus.Reject),
			).
			Value(&decision),
	))
	if err := form.Run(); err != nil {
		decision = bus.Reject
	}
	e.Resolve(decision)
}

func (r *renderer) humanInput(e bus.HumanInputRequest) {
	r.breakLine()
	var answer string
	var field huh.Field
	if len(e.Choices) > 0 {
		opts := make([]huh.Option[string], 0, len(e.Choices))
		for _, c := range e.Choices {
			opts = append(opts, huh.NewOption(c, c))
		}
		field = huh.NewSelect[string]().Title(e.Question).Options(opts...).Value(&answer)
	} else {
		field = huh.NewInput().Title(e.Question).Placeholder(e.Default).Value(&answer)
	}
	if err := huh.NewForm(huh.NewGroup(field)).Run(); err != nil || answer == "" {
		answer = e.Default
	}
	e.Resolve(answer)
}

// line prints one stderr status line, breaking an in-flight stream line
// first.
func (r *renderer) line(format string, args ...any) {
	r.breakLine()
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

func (r *renderer) breakLine() {
	if r.midLine.Swap(false) {
		fmt.Println()
	}
}

// truncate shortens s to the given display width, rune-width aware so CJK
// output does not overflow the column.
func truncate(s string, width int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return runewidth.Truncate(s, width, "...")
}
