// Package agent implements the turn-loop engine: it feeds conversation
// history to the LLM provider, dispatches validated tool calls, persists
// every message through the history store, and publishes lifecycle events
// on the wire. Subagents are engines too, run synchronously by the Task
// tool or in the background by the async manager.
package agent

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/jimi-agent/jimi/internal/bus"
	"github.com/jimi-agent/jimi/internal/history"
	"github.com/jimi-agent/jimi/internal/providers"
	"github.com/jimi-agent/jimi/internal/tools"
)

const (
	defaultMaxSteps         = 100
	defaultMaxContextTokens = 200_000
)

var (
	// ErrMaxStepsReached aborts a turn that looped past the step budget.
	ErrMaxStepsReached = errors.New("max steps reached")

	// ErrNoProvider means no chat provider is configured for the runtime.
	ErrNoProvider = errors.New("no chat provider configured")
)

// Config describes one agent: its identity, prompt, tool allowlist, and the
// named subagents it may dispatch.
type Config struct {
	Name         string
	SystemPrompt string
	Model        string
	AllowedTools []string
	Subagents    map[string]*Config
}

// Runtime bundles the process-wide collaborators every engine shares. The
// BuildTools factory constructs a fresh registry per engine so that tool
// wire/approver injection points at the right bus; it breaks the otherwise
// circular dependency between tool construction and engine construction.
type Runtime struct {
	Provider         providers.Provider
	Wire             *bus.Wire
	Approver         *tools.Approver
	WorkDir          string
	MaxSteps         int
	MaxContextTokens int
	BuildTools       func(wire *bus.Wire, approver *tools.Approver) (*tools.Registry, error)
}

func (rt *Runtime) maxSteps() int {
	if rt.MaxSteps > 0 {
		return rt.MaxSteps
	}
	return defaultMaxSteps
}

func (rt *Runtime) maxContextTokens() int {
	if rt.MaxContextTokens > 0 {
		return rt.MaxContextTokens
	}
	return defaultMaxContextTokens
}

// Engine runs the turn loop for one agent over one history store.
type Engine struct {
	cfg      *Config
	rt       *Runtime
	store    *history.Store
	registry *tools.Registry
	wire     *bus.Wire
	approver *tools.Approver
	isSub    bool
	logger   *slog.Logger
}

// Options tune engine construction.
type Options struct {
	// IsSub marks the engine as a subagent; StepBegin events carry the flag
	// so renderers can indent child activity.
	IsSub bool

	// Dispatch enables the Task and AsyncTask tools. Off for subagents:
	// children never recurse into further children.
	Dispatch bool

	// AsyncManager backs the AsyncTask tool when Dispatch is on.
	AsyncManager *Manager
}

// NewEngine builds an engine for cfg over store, publishing on wire. The
// approver is cloned onto wire so subagent approval prompts surface on the
// child bus (and are forwarded to the parent by the dispatcher).
func NewEngine(cfg *Config, rt *Runtime, store *history.Store, wire *bus.Wire, opts Options) (*Engine, error) {
	if rt.Provider == nil {
		return nil, ErrNoProvider
	}

	approver := rt.Approver
	if approver != nil && wire != rt.Wire {
		approver = approver.ForWire(wire)
	}

	registry, err := rt.BuildTools(wire, approver)
	if err != nil {
		return nil, fmt.Errorf("build tools: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		rt:       rt,
		store:    store,
		registry: registry,
		wire:     wire,
		approver: approver,
		isSub:    opts.IsSub,
		logger:   slog.Default().With("agent", cfg.Name),
	}

	if opts.Dispatch {
		if err := registry.Register(NewTaskTool(e)); err != nil {
			return nil, err
		}
		if opts.AsyncManager != nil {
			if err := registry.Register(NewAsyncTaskTool(opts.AsyncManager)); err != nil {
				return nil, err
			}
		}
	}
	return e, nil
}

// Store exposes the engine's history store.
func (e *Engine) Store() *history.Store { return e.store }

// Registry exposes the engine's tool registry.
func (e *Engine) Registry() *tools.Registry { return e.registry }

// Name returns the agent name.
func (e *Engine) Name() string { return e.cfg.Name }

func (e *Engine) model() string {
	if e.cfg.Model != "" {
		return e.cfg.Model
	}
	return e.rt.Provider.DefaultModel()
}

// lastAssistantText returns the text of the final message when it is an
// assistant message, or "" otherwise.
func lastAssistantText(msgs []providers.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	last := msgs[len(msgs)-1]
	if last.Role != "assistant" {
		return ""
	}
	return last.Text()
}
