package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jimi-agent/jimi/internal/bus"
	"github.com/jimi-agent/jimi/internal/providers"
)

// Registry holds the tools of one session and dispatches validated
// execution. Registration injects the wire, workdir, and approval handle
// into tools that declare the matching capability.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	order    []string
	schemas  map[string]*jsonschema.Schema
	wire     *bus.Wire
	workdir  string
	approver *Approver
}

// NewRegistry creates a registry. wire and approver may be nil in tests.
func NewRegistry(wire *bus.Wire, workdir string, approver *Approver) *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		schemas:  make(map[string]*jsonschema.Schema),
		wire:     wire,
		workdir:  workdir,
		approver: approver,
	}
}

// Register adds a tool, rejecting duplicate names, and performs capability
// injection. The argument schema is compiled once here.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}

	if w, ok := t.(WireAware); ok && r.wire != nil {
		w.SetWire(r.wire)
	}
	if w, ok := t.(WorkdirAware); ok && r.workdir != "" {
		w.SetWorkdir(r.workdir)
	}

	schema, err := compileSchema(name, t.Parameters())
	if err != nil {
		return fmt.Errorf("tool %q: %w", name, err)
	}

	r.tools[name] = t
	r.order = append(r.order, name)
	r.schemas[name] = schema
	return nil
}

// Get returns a registered tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Schemas returns the JSON-Schema tool list sent to the LLM, restricted to
// allowed names. A nil allowed list means every registered tool.
func (r *Registry) Schemas(allowed []string) []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var allowSet map[string]struct{}
	if allowed != nil {
		allowSet = make(map[string]struct{}, len(allowed))
		for _, n := range allowed {
			allowSet[n] = struct{}{}
		}
	}

	var defs []providers.ToolDefinition
	for _, name := range r.order {
		if allowSet != nil {
			if _, ok := allowSet[name]; !ok {
				continue
			}
		}
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute runs the full pipeline for one tool call: normalize the argument
// string, locate the tool, validate against its schema, pass the approval
// gate for mutating actions, then invoke the body. Panics inside the body
// become error results.
func (r *Registry) Execute(ctx context.Context, name, argsString string) *Result {
	normalized := NormalizeArguments(argsString)

	r.mu.RLock()
	t, ok := r.tools[name]
	schema := r.schemas[name]
	approver := r.approver
	r.mu.RUnlock()
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	var parsed any
	if strings.TrimSpace(normalized) == "" {
		parsed = map[string]any{}
	} else if err := json.Unmarshal([]byte(normalized), &parsed); err != nil {
		return ErrorDetailResult(
			fmt.Sprintf("invalid arguments for %s: not valid JSON", name),
			err.Error(),
		)
	}
	if schema != nil {
		if err := schema.Validate(parsed); err != nil {
			return ErrorDetailResult(
				fmt.Sprintf("invalid arguments for %s: %v", name, schemaErrorSummary(err)),
				err.Error(),
			)
		}
	}
	args, _ := parsed.(map[string]any)
	if args == nil {
		args = map[string]any{}
	}

	if action := toolAction(t); action.Mutating() && approver != nil {
		desc := describeCall(t, args, argsString)
		switch approver.RequestApproval(ctx, name, action, desc) {
		case bus.Approve:
		default:
			slog.Info("tool call rejected by user", "tool", name)
			return RejectedResult(fmt.Sprintf("user rejected %s: %s", name, desc))
		}
	}

	return r.invoke(ctx, t, args)
}

func (r *Registry) invoke(ctx context.Context, t Tool, args map[string]any) (res *Result) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("tool panicked", "tool", t.Name(), "panic", p)
			res = ErrorResult(fmt.Sprintf("tool %s failed: %v", t.Name(), p))
		}
	}()
	res = t.Execute(ctx, args)
	if res == nil {
		res = ErrorResult(fmt.Sprintf("tool %s returned no result", t.Name()))
	}
	return res
}

func toolAction(t Tool) Action {
	if d, ok := t.(ActionDeclarer); ok {
		return d.Action()
	}
	return ActionRead
}

func describeCall(t Tool, args map[string]any, raw string) string {
	if d, ok := t.(Describer); ok {
		if s := d.DescribeCall(args); s != "" {
			return s
		}
	}
	if len(raw) > 200 {
		raw = raw[:200] + "..."
	}
	return fmt.Sprintf("%s %s", t.Name(), raw)
}

// compileSchema compiles a parameters map into a validator. A nil or empty
// map yields a nil schema (no validation).
func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if len(params) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	url := "inline://" + name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func schemaErrorSummary(err error) string {
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		if leaf.InstanceLocation != "" {
			return leaf.InstanceLocation + ": " + leaf.Message
		}
		return leaf.Message
	}
	return err.Error()
}
