package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jimi-agent/jimi/internal/agent"
)

// slashCommand handles a "/" REPL command. It returns true when the REPL
// should exit.
func (s *session) slashCommand(input string) bool {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/help":
		s.printHelp()
	case "/new", "/reset":
		s.resetHistory()
	case "/compact":
		s.compactNow()
	case "/history":
		s.printHistory(20)
	case "/async":
		s.asyncCommand(fields[1:])
	case "/exit", "/quit":
		return true
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s (try /help)\n", fields[0])
	}
	return false
}

func (s *session) printHelp() {
	fmt.Fprint(os.Stderr, `Commands:
  /new                 start a fresh conversation (old history is rotated aside)
  /compact             summarize and shrink the conversation history now
  /history             show recent messages
  /async list          list live background tasks
  /async status <id>   show one task
  /async cancel <id>   cancel a live task
  /async result <id>   print a task's result
  /async history       list persisted task records
  /async clear         delete persisted task records
  exit                 quit
`)
}

// resetHistory rotates the current conversation aside and starts clean.
func (s *session) resetHistory() {
	if s.store.NextCheckpointID() == 0 {
		fmt.Fprintln(os.Stderr, "history is already empty")
		return
	}
	if err := s.store.RevertTo(0); err != nil {
		fmt.Fprintf(os.Stderr, "reset failed: %v\n", err)
		return
	}
	fmt.Fprintln(os.Stderr, "started a fresh conversation")
}

func (s *session) compactNow() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := s.engine.Compact(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "compaction failed: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "history compacted, %d messages remain\n", len(s.store.History()))
}

func (s *session) printHistory(limit int) {
	msgs := s.store.History()
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	for _, m := range msgs {
		text := truncate(m.Text(), 120)
		if text == "" && len(m.ToolCalls) > 0 {
			text = fmt.Sprintf("(%d tool calls)", len(m.ToolCalls))
		}
		fmt.Fprintf(os.Stderr, "%-10s %s\n", m.Role, text)
	}
}

func (s *session) asyncCommand(args []string) {
	if len(args) == 0 {
		args = []string{"list"}
	}
	switch args[0] {
	case "list":
		s.asyncList()
	case "status":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: /async status <id>")
			return
		}
		s.asyncStatus(args[1])
	case "cancel":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: /async cancel <id>")
			return
		}
		if s.manager.Cancel(args[1]) {
			fmt.Fprintf(os.Stderr, "cancelled %s\n", args[1])
		} else {
			fmt.Fprintf(os.Stderr, "no live task %s\n", args[1])
		}
	case "result":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: /async result <id>")
			return
		}
		s.asyncResult(args[1])
	case "history":
		s.asyncHistory()
	case "clear":
		n := agent.ClearAsyncHistory(s.workDir)
		fmt.Fprintf(os.Stderr, "removed %d records\n", n)
	default:
		fmt.Fprintf(os.Stderr, "unknown async command %s\n", args[0])
	}
}

func (s *session) asyncList() {
	live := s.manager.Live()
	completed := s.manager.Completed()
	if len(live) == 0 && len(completed) == 0 {
		fmt.Fprintln(os.Stderr, "no background tasks")
		return
	}
	w := tabwriter.NewWriter(os.Stderr, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMODE\tSTATUS\tELAPSED")
	for _, sub := range live {
		rec := sub.Snapshot()
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.Name, rec.Mode, rec.Status,
			agent.FormatDuration(time.Since(rec.StartTime)))
	}
	for _, sub := range completed {
		rec := sub.Snapshot()
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.Name, rec.Mode, rec.Status,
			agent.FormatDuration(time.Duration(rec.DurationMs)*time.Millisecond))
	}
	w.Flush()
}

func (s *session) asyncStatus(id string) {
	sub, ok := s.manager.Get(id)
	if !ok {
		if rec, err := agent.LoadAsyncRecord(s.workDir, id); err == nil {
			s.printRecord(*rec)
			return
		}
		fmt.Fprintf(os.Stderr, "unknown task %s\n", id)
		return
	}
	s.printRecord(sub.Snapshot())
}

func (s *session) printRecord(rec agent.AsyncRecord) {
	fmt.Fprintf(os.Stderr, "id:      %s\nname:    %s\nmode:    %s\nstatus:  %s\nstarted: %s\n",
		rec.ID, rec.Name, rec.Mode, rec.Status, rec.StartTime.Format(time.RFC3339))
	if rec.EndTime != nil {
		fmt.Fprintf(os.Stderr, "ended:   %s (%s)\n",
			rec.EndTime.Format(time.RFC3339),
			agent.FormatDuration(time.Duration(rec.DurationMs)*time.Millisecond))
	}
	if rec.TriggerPattern != "" {
		fmt.Fprintf(os.Stderr, "pattern: %s\n", rec.TriggerPattern)
	}
	if rec.Error != "" {
		fmt.Fprintf(os.Stderr, "error:   %s\n", rec.Error)
	}
}

func (s *session) asyncResult(id string) {
	if sub, ok := s.manager.Get(id); ok {
		rec := sub.Snapshot()
		if rec.Result != "" {
			fmt.Println(rec.Result)
			return
		}
		fmt.Fprintf(os.Stderr, "task %s has no result yet (status %s)\n", id, rec.Status)
		return
	}
	rec, err := agent.LoadAsyncRecord(s.workDir, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unknown task %s\n", id)
		return
	}
	if rec.Result == "" {
		fmt.Fprintf(os.Stderr, "task %s finished with status %s and no result\n", id, rec.Status)
		return
	}
	fmt.Println(rec.Result)
}

func (s *session) asyncHistory() {
	entries := agent.AsyncHistory(s.workDir, 20)
	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "no persisted tasks")
		return
	}
	w := tabwriter.NewWriter(os.Stderr, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSTARTED\tDURATION")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.Name, e.Status,
			e.StartTime.Format("2006-01-02 15:04"),
			agent.FormatDuration(time.Duration(e.DurationMs)*time.Millisecond))
	}
	w.Flush()
}
