package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxReadBytes = 256 * 1024

// resolvePath joins a possibly-relative path against the workdir and, when
// restriction is on, rejects escapes outside it.
func resolvePath(workdir, path string, restrict bool) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(workdir, p)
	}
	p = filepath.Clean(p)
	if restrict {
		rel, err := filepath.Rel(workdir, p)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("path %s is outside the workspace", path)
		}
	}
	return p, nil
}

// ReadFileTool reads file contents from the workspace.
type ReadFileTool struct {
	workdir  string
	restrict bool
}

func NewReadFileTool(restrict bool) *ReadFileTool {
	return &ReadFileTool{restrict: restrict}
}

func (t *ReadFileTool) SetWorkdir(dir string)  { t.workdir = dir }
func (t *ReadFileTool) Name() string           { return "ReadFile" }
func (t *ReadFileTool) Description() string    { return "Read the contents of a file" }
func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	p, err := resolvePath(t.workdir, path, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read %s: %v", path, err))
	}
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
		return BriefResult(string(data)+"\n\n[file truncated]", fmt.Sprintf("Read %s (truncated)", path))
	}
	return BriefResult(string(data), fmt.Sprintf("Read %s", path))
}

// WriteFileTool creates or overwrites a file. Mutating; passes the approval
// gate.
type WriteFileTool struct {
	workdir  string
	restrict bool
}

func NewWriteFileTool(restrict bool) *WriteFileTool {
	return &WriteFileTool{restrict: restrict}
}

func (t *WriteFileTool) SetWorkdir(dir string) { t.workdir = dir }
func (t *WriteFileTool) Name() string          { return "WriteFile" }
func (t *WriteFileTool) Action() Action        { return ActionEdit }
func (t *WriteFileTool) Description() string {
	return "Write content to a file, creating it if needed and overwriting existing content"
}

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to write",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full content to write",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) DescribeCall(args map[string]any) string {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	return fmt.Sprintf("write %d bytes to %s", len(content), path)
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	p, err := resolvePath(t.workdir, path, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("create parent dir: %v", err))
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("write %s: %v", path, err))
	}
	return BriefResult(fmt.Sprintf("Wrote %d bytes to %s", len(content), path), fmt.Sprintf("Wrote %s", path))
}

// EditFileTool replaces an exact string occurrence in a file.
type EditFileTool struct {
	workdir  string
	restrict bool
}

func NewEditFileTool(restrict bool) *EditFileTool {
	return &EditFileTool{restrict: restrict}
}

func (t *EditFileTool) SetWorkdir(dir string) { t.workdir = dir }
func (t *EditFileTool) Name() string          { return "EditFile" }
func (t *EditFileTool) Action() Action        { return ActionEdit }
func (t *EditFileTool) Description() string {
	return "Replace an exact string in a file with new content. The old string must occur exactly once."
}

func (t *EditFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to edit",
			},
			"old_string": map[string]any{
				"type":        "string",
				"description": "Exact text to replace",
			},
			"new_string": map[string]any{
				"type":        "string",
				"description": "Replacement text",
			},
		},
		"required": []string{"path", "old_string", "new_string"},
	}
}

func (t *EditFileTool) DescribeCall(args map[string]any) string {
	path, _ := args["path"].(string)
	return fmt.Sprintf("edit %s", path)
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	oldStr, _ := args["old_string"].(string)
	newStr, _ := args["new_string"].(string)
	if oldStr == "" {
		return ErrorResult("old_string must not be empty")
	}
	p, err := resolvePath(t.workdir, path, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read %s: %v", path, err))
	}
	content := string(data)
	switch n := strings.Count(content, oldStr); n {
	case 0:
		return ErrorResult(fmt.Sprintf("old_string not found in %s", path))
	case 1:
	default:
		return ErrorResult(fmt.Sprintf("old_string occurs %d times in %s; provide more context", n, path))
	}
	content = strings.Replace(content, oldStr, newStr, 1)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("write %s: %v", path, err))
	}
	return BriefResult(fmt.Sprintf("Edited %s", path), fmt.Sprintf("Edited %s", path))
}

// ListFilesTool lists a directory, directories first.
type ListFilesTool struct {
	workdir  string
	restrict bool
}

func NewListFilesTool(restrict bool) *ListFilesTool {
	return &ListFilesTool{restrict: restrict}
}

func (t *ListFilesTool) SetWorkdir(dir string) { t.workdir = dir }
func (t *ListFilesTool) Name() string          { return "ListFiles" }
func (t *ListFilesTool) Description() string   { return "List files and directories at a path" }
func (t *ListFilesTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to list (default: workspace root)",
			},
		},
	}
}

func (t *ListFilesTool) Execute(ctx context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	p, err := resolvePath(t.workdir, path, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return ErrorResult(fmt.Sprintf("list %s: %v", path, err))
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})
	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			b.WriteString(e.Name() + "/\n")
		} else {
			b.WriteString(e.Name() + "\n")
		}
	}
	if b.Len() == 0 {
		return NewResult("(empty directory)")
	}
	return BriefResult(b.String(), fmt.Sprintf("Listed %s (%d entries)", path, len(entries)))
}
