package agent

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const maxListingEntries = 50

// systemPrompt renders the agent's prompt template. Supported placeholders:
//
//	{{now}}      current time, RFC 3339
//	{{workdir}}  absolute workspace path
//	{{listing}}  top-level workspace entries
//	{{agents}}   contents of AGENTS.md when present, empty otherwise
func (e *Engine) systemPrompt() string {
	tpl := e.cfg.SystemPrompt
	if tpl == "" {
		tpl = defaultSystemPrompt
	}

	r := strings.NewReplacer(
		"{{now}}", time.Now().Format(time.RFC3339),
		"{{workdir}}", e.rt.WorkDir,
		"{{listing}}", workdirListing(e.rt.WorkDir),
		"{{agents}}", agentsFile(e.rt.WorkDir),
	)
	return r.Replace(tpl)
}

const defaultSystemPrompt = `You are Jimi, a coding agent working in a terminal session.

Current time: {{now}}
Working directory: {{workdir}}

Top-level entries:
{{listing}}

{{agents}}

Use the available tools to inspect and modify the workspace. Prefer small,
verifiable steps. When you are done, summarize what you did.`

func workdirListing(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "(unavailable)"
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if e.IsDir() {
			names = append(names, e.Name()+"/")
		} else {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) > maxListingEntries {
		names = append(names[:maxListingEntries], "...")
	}
	if len(names) == 0 {
		return "(empty)"
	}
	return strings.Join(names, "\n")
}

// agentsFile returns the workspace AGENTS.md contents, the conventional
// place for project-specific agent instructions.
func agentsFile(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, "AGENTS.md"))
	if err != nil {
		return ""
	}
	const maxAgentsBytes = 16 * 1024
	if len(data) > maxAgentsBytes {
		data = data[:maxAgentsBytes]
	}
	return "Project instructions (AGENTS.md):\n" + string(data)
}
