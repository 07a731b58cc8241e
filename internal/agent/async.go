package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jimi-agent/jimi/internal/bus"
	"github.com/jimi-agent/jimi/internal/history"
	"github.com/jimi-agent/jimi/internal/providers"
)

const (
	asyncWorkers       = 10
	asyncQueueCap      = 100
	completedCacheSize = 50
)

// Mode selects how a background subagent reports back.
type Mode string

const (
	ModeFireAndForget Mode = "fire_and_forget"
	ModeWatch         Mode = "watch"
)

// Status is the lifecycle state of a background subagent. Completed, Failed,
// Cancelled, and Timeout are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

var (
	// ErrQueueFull is returned when the pending queue is at capacity.
	ErrQueueFull = errors.New("async queue is full")

	// ErrUnknownSubagent is returned when the requested name is not configured.
	ErrUnknownSubagent = errors.New("unknown subagent")
)

// Subagent is the handle for one background task. Fields under mu change
// exactly once into a terminal state.
type Subagent struct {
	ID             string
	Name           string
	Mode           Mode
	Prompt         string
	TriggerPattern string
	ContinueAfter  bool
	Timeout        time.Duration

	onComplete func(*Subagent)

	mu        sync.Mutex
	status    Status
	startTime time.Time
	endTime   time.Time
	result    string
	errText   string
	cancel    context.CancelFunc
	retired   bool
}

// Status returns the current lifecycle state.
func (s *Subagent) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Snapshot returns the persistable view of the task.
func (s *Subagent) Snapshot() AsyncRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := AsyncRecord{
		ID:             s.ID,
		Name:           s.Name,
		Mode:           string(s.Mode),
		Status:         string(s.status),
		Prompt:         s.Prompt,
		Result:         s.result,
		Error:          s.errText,
		TriggerPattern: s.TriggerPattern,
		StartTime:      s.startTime,
	}
	if !s.endTime.IsZero() {
		t := s.endTime
		rec.EndTime = &t
		rec.DurationMs = t.Sub(s.startTime).Milliseconds()
	}
	return rec
}

// finalize moves the task into a terminal state once. Later calls are no-ops
// so a cancel racing normal completion cannot double-finalize.
func (s *Subagent) finalize(status Status, result, errText string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.status = status
	s.result = result
	s.errText = errText
	s.endTime = time.Now()
	return true
}

// StartRequest describes one background dispatch.
type StartRequest struct {
	Name           string
	Prompt         string
	Mode           Mode
	TriggerPattern string
	ContinueAfter  bool
	Timeout        time.Duration
	OnComplete     func(*Subagent)
}

// Manager runs subagents in the background on a fixed worker pool. Live
// handles move to a bounded completed cache at terminal time and every
// terminal outcome is persisted under the workspace state directory.
type Manager struct {
	rt        *Runtime
	wire      *bus.Wire
	subagents map[string]*Config
	basePath  string

	mu        sync.Mutex
	live      map[string]*Subagent
	completed []*Subagent

	jobs    chan *Subagent
	once    sync.Once
	closing chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates an async manager. basePath is the parent session's
// history path; child histories derive from it.
func NewManager(rt *Runtime, subagents map[string]*Config, basePath string) *Manager {
	return &Manager{
		rt:        rt,
		wire:      rt.Wire,
		subagents: subagents,
		basePath:  basePath,
		live:      make(map[string]*Subagent),
		jobs:      make(chan *Subagent, asyncQueueCap),
		closing:   make(chan struct{}),
	}
}

// Start enqueues a background subagent and returns its handle immediately.
func (m *Manager) Start(req StartRequest) (*Subagent, error) {
	if _, ok := m.subagents[req.Name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubagent, req.Name)
	}
	switch req.Mode {
	case ModeFireAndForget:
	case ModeWatch:
		if req.TriggerPattern == "" {
			return nil, fmt.Errorf("watch mode requires a trigger pattern")
		}
		if _, err := regexp.Compile(req.TriggerPattern); err != nil {
			return nil, fmt.Errorf("invalid trigger pattern: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported mode: %s", req.Mode)
	}

	sub := &Subagent{
		ID:             uuid.NewString()[:8],
		Name:           req.Name,
		Mode:           req.Mode,
		Prompt:         req.Prompt,
		TriggerPattern: req.TriggerPattern,
		ContinueAfter:  req.ContinueAfter,
		Timeout:        req.Timeout,
		onComplete:     req.OnComplete,
		status:         StatusPending,
		startTime:      time.Now(),
	}

	m.once.Do(m.startWorkers)

	m.mu.Lock()
	m.live[sub.ID] = sub
	m.mu.Unlock()

	select {
	case m.jobs <- sub:
	default:
		m.mu.Lock()
		delete(m.live, sub.ID)
		m.mu.Unlock()
		return nil, ErrQueueFull
	}
	return sub, nil
}

func (m *Manager) startWorkers() {
	for i := 0; i < asyncWorkers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for {
				select {
				case sub := <-m.jobs:
					m.run(sub)
				case <-m.closing:
					return
				}
			}
		}()
	}
}

// run executes one background subagent to a terminal state.
func (m *Manager) run(sub *Subagent) {
	if sub.Status().Terminal() {
		// cancelled while still queued
		m.retire(sub)
		return
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if sub.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), sub.Timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()

	sub.mu.Lock()
	sub.status = StatusRunning
	sub.cancel = cancel
	start := sub.startTime
	sub.mu.Unlock()

	m.wire.Publish(bus.AsyncStarted{
		ID: sub.ID, Name: sub.Name, Mode: string(sub.Mode), StartTime: start,
	})

	result, err := m.runEngine(ctx, sub)
	switch {
	case err == nil:
		sub.finalize(StatusCompleted, result, "")
	case ctx.Err() == context.DeadlineExceeded:
		sub.finalize(StatusTimeout, "", fmt.Sprintf("timed out after %s", sub.Timeout))
	case errors.Is(err, context.Canceled):
		sub.finalize(StatusCancelled, "", "cancelled")
	default:
		sub.finalize(StatusFailed, "", err.Error())
	}
	m.retire(sub)
}

// runEngine builds the child store, wire, and engine and runs the prompt.
func (m *Manager) runEngine(ctx context.Context, sub *Subagent) (string, error) {
	cfg := m.subagents[sub.Name]

	path, err := history.NextSubPath(m.basePath)
	if err != nil {
		return "", fmt.Errorf("allocate history: %w", err)
	}
	st, err := history.Open(path)
	if err != nil {
		return "", fmt.Errorf("open history: %w", err)
	}
	defer st.Close()

	childWire := bus.NewWire()
	defer childWire.Close()
	stopWatch := m.observe(childWire, st, sub)
	defer stopWatch()

	eng, err := NewEngine(cfg, m.rt, st, childWire, Options{IsSub: true})
	if err != nil {
		return "", fmt.Errorf("build engine: %w", err)
	}

	if err := eng.Run(ctx, m.buildPrompt(sub)); err != nil {
		return "", err
	}
	answer := lastAssistantText(st.History())
	if answer == "" {
		return "", fmt.Errorf("subagent produced no answer")
	}
	return answer, nil
}

// buildPrompt augments watch-mode prompts with monitoring instructions.
func (m *Manager) buildPrompt(sub *Subagent) string {
	if sub.Mode != ModeWatch {
		return sub.Prompt
	}
	return fmt.Sprintf(
		"%s\n\nYou are running as a background watcher. Re-check periodically and report observations as you go. The pattern being watched for is: %s",
		sub.Prompt, sub.TriggerPattern)
}

// observe relays child step boundaries to the parent as AsyncProgress and,
// in watch mode, scans the newest tool output at each step boundary for the
// trigger pattern.
func (m *Manager) observe(child *bus.Wire, st *history.Store, sub *Subagent) (stop func()) {
	var re *regexp.Regexp
	if sub.Mode == ModeWatch {
		re = regexp.MustCompile(sub.TriggerPattern)
	}

	s := child.Subscribe()
	go func() {
		for ev := range s.C() {
			sb, ok := ev.(bus.StepBegin)
			if !ok {
				continue
			}
			m.wire.Publish(bus.AsyncProgress{ID: sub.ID, Info: sub.Name, Step: sb.Step})
			if re == nil {
				continue
			}
			if line, ok := matchLastToolOutput(st.History(), re); ok {
				m.wire.Publish(bus.AsyncTrigger{
					ID:          sub.ID,
					Pattern:     sub.TriggerPattern,
					MatchedLine: line,
					Time:        time.Now(),
				})
				if !sub.ContinueAfter {
					m.Cancel(sub.ID)
				}
			}
		}
	}()
	return s.Close
}

// matchLastToolOutput scans the most recent tool-role message line by line
// and returns the first matching line, trimmed to 200 characters.
func matchLastToolOutput(msgs []providers.Message, re *regexp.Regexp) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != "tool" {
			continue
		}
		for _, line := range strings.Split(msgs[i].Text(), "\n") {
			if re.MatchString(line) {
				line = strings.TrimSpace(line)
				if len(line) > 200 {
					line = line[:200]
				}
				return line, true
			}
		}
		return "", false
	}
	return "", false
}

// retire moves a terminal task from live to the completed cache, persists
// the record, and announces completion. Idempotent: a cancel racing the
// worker produces exactly one retirement.
func (m *Manager) retire(sub *Subagent) {
	sub.mu.Lock()
	if sub.retired {
		sub.mu.Unlock()
		return
	}
	sub.retired = true
	onComplete := sub.onComplete
	sub.mu.Unlock()

	rec := sub.Snapshot()

	m.mu.Lock()
	delete(m.live, sub.ID)
	m.completed = append(m.completed, sub)
	if len(m.completed) > completedCacheSize {
		m.completed = m.completed[len(m.completed)-completedCacheSize:]
	}
	m.mu.Unlock()

	saveAsyncRecord(m.rt.WorkDir, rec)

	var dur time.Duration
	if rec.EndTime != nil {
		dur = rec.EndTime.Sub(rec.StartTime)
	}
	m.wire.Publish(bus.AsyncCompleted{
		ID:       sub.ID,
		Result:   rec.Result,
		Success:  rec.Status == string(StatusCompleted),
		Duration: dur,
	})

	if onComplete != nil {
		func() {
			defer func() {
				if p := recover(); p != nil {
					slog.Error("async completion callback panicked", "id", sub.ID, "panic", p)
				}
			}()
			onComplete(sub)
		}()
	}
}

// Cancel aborts a live task. It returns false for unknown or already
// terminal ids.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	sub, ok := m.live[id]
	m.mu.Unlock()
	if !ok {
		return false
	}

	sub.mu.Lock()
	if sub.status.Terminal() {
		sub.mu.Unlock()
		return false
	}
	cancel := sub.cancel
	queued := sub.status == StatusPending
	sub.status = StatusCancelled
	sub.errText = "cancelled by user"
	sub.endTime = time.Now()
	sub.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if queued {
		// never picked up by a worker; retire here
		m.retire(sub)
	}
	return true
}

// Get returns a live or cached-completed task by id.
func (m *Manager) Get(id string) (*Subagent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.live[id]; ok {
		return sub, true
	}
	for _, sub := range m.completed {
		if sub.ID == id {
			return sub, true
		}
	}
	return nil, false
}

// Live returns the live tasks sorted by start time.
func (m *Manager) Live() []*Subagent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Subagent, 0, len(m.live))
	for _, sub := range m.live {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].startTime.Before(out[j].startTime)
	})
	return out
}

// Completed returns the completed cache, newest last.
func (m *Manager) Completed() []*Subagent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Subagent, len(m.completed))
	copy(out, m.completed)
	return out
}

// Shutdown cancels every live task and stops the workers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Cancel(id)
	}
	close(m.closing)
	m.wg.Wait()
}
