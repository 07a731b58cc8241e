// Package config holds the file-and-environment configuration for the jimi
// CLI. The file is JSON5 (comments and trailing commas allowed); environment
// variables overlay file values and secrets come from the environment only.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Provider   ProviderConfig             `json:"provider"`
	Agent      AgentConfig                `json:"agent"`
	Session    SessionConfig              `json:"session"`
	Approval   ApprovalConfig             `json:"approval"`
	MCPServers map[string]MCPServerConfig `json:"mcp_servers,omitempty"`
}

// MCPServerConfig describes one MCP server connection.
type MCPServerConfig struct {
	Transport      string            `json:"transport,omitempty"` // stdio (default), sse, http
	Command        string            `json:"command,omitempty"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	URL            string            `json:"url,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// ProviderConfig selects and authenticates the LLM backend. APIKey is never
// written to or read from the config file.
type ProviderConfig struct {
	Name    string `json:"name"`
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model,omitempty"`
	APIKey  string `json:"-"`
}

// AgentConfig describes the root agent and its subagents.
type AgentConfig struct {
	SystemPrompt      string                    `json:"system_prompt,omitempty"`
	MaxSteps          int                       `json:"max_steps,omitempty"`
	ContextWindow     int                       `json:"context_window,omitempty"`
	AllowedTools      []string                  `json:"allowed_tools,omitempty"`
	RestrictToWorkdir bool                      `json:"restrict_to_workdir"`
	Subagents         map[string]SubagentConfig `json:"subagents,omitempty"`
}

// SubagentConfig describes one named subagent.
type SubagentConfig struct {
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Model        string   `json:"model,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

// SessionConfig controls history persistence.
type SessionConfig struct {
	// Dir is where history files and async records live, relative to the
	// workspace unless absolute.
	Dir string `json:"dir,omitempty"`
}

// ApprovalConfig controls the mutating-tool approval gate.
type ApprovalConfig struct {
	// Yolo disables prompting entirely. Also settable with --yolo.
	Yolo bool `json:"yolo,omitempty"`

	// AsyncTimeout bounds background subagents that set no explicit timeout.
	AsyncTimeout time.Duration `json:"-"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			Name:    "openai",
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o",
		},
		Agent: AgentConfig{
			MaxSteps:          100,
			ContextWindow:     200_000,
			RestrictToWorkdir: true,
			Subagents: map[string]SubagentConfig{
				"researcher": {
					SystemPrompt: "You are a research subagent. Investigate the question thoroughly using read-only tools and report your findings in detail.",
					AllowedTools: []string{"ReadFile", "ListFiles", "Bash"},
				},
				"coder": {
					SystemPrompt: "You are a coding subagent. Implement the requested change completely, verify it, and report what you did.",
				},
			},
		},
		Session: SessionConfig{
			Dir: ".jimi",
		},
	}
}
