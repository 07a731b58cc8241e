package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jimi-agent/jimi/internal/agent"
	"github.com/jimi-agent/jimi/internal/bus"
	"github.com/jimi-agent/jimi/internal/config"
	"github.com/jimi-agent/jimi/internal/history"
	"github.com/jimi-agent/jimi/internal/mcp"
	"github.com/jimi-agent/jimi/internal/providers"
	"github.com/jimi-agent/jimi/internal/tools"
)

// session bundles everything one interactive chat needs.
type session struct {
	cfg     *config.Config
	rt      *agent.Runtime
	engine  *agent.Engine
	manager *agent.Manager
	mcp     *mcp.Manager
	store   *history.Store
	wire    *bus.Wire
	workDir string
}

func runChat(cmd *cobra.Command, oneShot string) error {
	setupLogging()

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}

	cfg, err := config.Load(cfgFile, workDir)
	if err != nil {
		return err
	}
	if yolo {
		cfg.Approval.Yolo = true
	}

	sess, err := bootstrap(cfg, workDir)
	if err != nil {
		return err
	}
	defer sess.close()

	renderer := newRenderer(sess.wire)
	defer renderer.stop()

	if oneShot != "" {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		if err := sess.engine.Run(ctx, oneShot); err != nil {
			return err
		}
		renderer.flush()
		fmt.Println(lastAnswer(sess.store))
		return nil
	}

	return sess.repl(renderer)
}

// bootstrap wires provider, approval, tools, history, and the async manager
// into a ready engine.
func bootstrap(cfg *config.Config, workDir string) (*session, error) {
	provider, err := providers.FromEnvOrConfig(
		cfg.Provider.Name, cfg.Provider.APIKey, cfg.Provider.BaseURL, cfg.Provider.Model, os.Getenv)
	if err != nil {
		return nil, err
	}

	wire := bus.NewWire()
	approver := tools.NewApprover(wire, cfg.Approval.Yolo)

	mcpManager := mcp.NewManager()
	if len(cfg.MCPServers) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		mcpManager.Connect(ctx, cfg.MCPServers)
		cancel()
	}

	restrict := cfg.Agent.RestrictToWorkdir
	rt := &agent.Runtime{
		Provider:         provider,
		Wire:             wire,
		Approver:         approver,
		WorkDir:          workDir,
		MaxSteps:         cfg.Agent.MaxSteps,
		MaxContextTokens: cfg.Agent.ContextWindow,
		BuildTools: func(w *bus.Wire, a *tools.Approver) (*tools.Registry, error) {
			reg := tools.NewRegistry(w, workDir, a)
			for _, t := range []tools.Tool{
				tools.NewReadFileTool(restrict),
				tools.NewWriteFileTool(restrict),
				tools.NewEditFileTool(restrict),
				tools.NewListFilesTool(restrict),
				tools.NewBashTool(),
				tools.NewAskUserTool(),
				tools.NewWebFetchTool(),
				tools.NewWebSearchTool(os.Getenv("JIMI_BRAVE_API_KEY")),
			} {
				if err := reg.Register(t); err != nil {
					return nil, err
				}
			}
			for _, t := range mcpManager.Tools() {
				if err := reg.Register(t); err != nil {
					return nil, err
				}
			}
			return reg, nil
		},
	}

	rootCfg := &agent.Config{
		Name:         "jimi",
		SystemPrompt: cfg.Agent.SystemPrompt,
		Model:        cfg.Provider.Model,
		AllowedTools: cfg.Agent.AllowedTools,
		Subagents:    subagentConfigs(cfg),
	}

	storePath := filepath.Join(cfg.SessionDir(workDir), "history.jsonl")
	st, err := history.Open(storePath)
	if err != nil {
		return nil, err
	}
	if err := st.Restore(); err != nil {
		return nil, err
	}

	manager := agent.NewManager(rt, rootCfg.Subagents, storePath)
	engine, err := agent.NewEngine(rootCfg, rt, st, wire, agent.Options{
		Dispatch:     true,
		AsyncManager: manager,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &session{
		cfg:     cfg,
		rt:      rt,
		engine:  engine,
		manager: manager,
		mcp:     mcpManager,
		store:   st,
		wire:    wire,
		workDir: workDir,
	}, nil
}

func subagentConfigs(cfg *config.Config) map[string]*agent.Config {
	out := make(map[string]*agent.Config, len(cfg.Agent.Subagents))
	for name, sc := range cfg.Agent.Subagents {
		out[name] = &agent.Config{
			Name:         name,
			SystemPrompt: sc.SystemPrompt,
			Model:        sc.Model,
			AllowedTools: sc.AllowedTools,
		}
	}
	return out
}

func (s *session) close() {
	s.manager.Shutdown()
	s.mcp.Close()
	s.store.Close()
	s.wire.Close()
}

// repl is the interactive loop. Ctrl-C during a turn interrupts the turn;
// at the prompt it exits.
func (s *session) repl(r *renderer) error {
	fmt.Fprintf(os.Stderr, "\njimi %s — %s\n", Version, s.rt.Provider.Name())
	fmt.Fprintf(os.Stderr, "Workspace: %s\n", s.workDir)
	fmt.Fprintln(os.Stderr, `Type "exit" to quit, "/help" for commands`)
	fmt.Fprintln(os.Stderr)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(os.Stderr)
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		switch {
		case input == "":
			continue
		case input == "exit" || input == "quit":
			return nil
		case strings.HasPrefix(input, "/"):
			if s.slashCommand(input) {
				return nil
			}
			continue
		}

		s.runTurn(input, r)
	}
}

// runTurn executes one user turn with Ctrl-C mapped to turn interruption.
func (s *session) runTurn(input string, r *renderer) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	var once sync.Once
	defer once.Do(cancel)

	err := s.engine.Run(ctx, input)
	once.Do(cancel)
	r.flush()
	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "\n[turn interrupted]")
			return
		}
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}
	fmt.Fprintln(os.Stderr)
}

func lastAnswer(st *history.Store) string {
	msgs := st.History()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "assistant" && msgs[i].Text() != "" {
			return msgs[i].Text()
		}
	}
	return ""
}
