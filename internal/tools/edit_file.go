package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EditFileTool writes a whole file atomically, creating parent directories
// as needed.
type EditFileTool struct {
	resolver Resolver
}

// NewEditFileTool creates an edit_file tool scoped to the workspace.
func NewEditFileTool(workspace string) *EditFileTool {
	return &EditFileTool{resolver: Resolver{Root: workspace}}
}

func (t *EditFileTool) Name() string { return "edit_file" }

func (t *EditFileTool) Description() string {
	return "Create or replace a file with the given content. Parent directories are created as needed."
}

func (t *EditFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"target_file": {"type": "string", "description": "Path to the file, relative to the workspace root."},
			"code_edit": {"type": "string", "description": "The complete new file content."},
			"instructions": {"type": "string", "description": "One sentence describing the edit."}
		},
		"required": ["target_file", "code_edit", "instructions"],
		"additionalProperties": false
	}`)
}

func (t *EditFileTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var args struct {
		TargetFile   string `json:"target_file"`
		CodeEdit     string `json:"code_edit"`
		Instructions string `json:"instructions"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return errorResult("invalid parameters: %v", err), nil
	}

	resolved, err := t.resolver.Resolve(args.TargetFile)
	if err != nil {
		return errorResult("%v", err), nil
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return errorResult("create directories: %v", err), nil
	}

	// Write to a temp file in the same directory, then rename for atomicity.
	tmp, err := os.CreateTemp(filepath.Dir(resolved), ".shadow-edit-*")
	if err != nil {
		return errorResult("create temp file: %v", err), nil
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(args.CodeEdit); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errorResult("write: %v", err), nil
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errorResult("close: %v", err), nil
	}
	if err := os.Rename(tmpName, resolved); err != nil {
		os.Remove(tmpName)
		return errorResult("rename: %v", err), nil
	}

	return jsonResult(map[string]any{
		"file":          args.TargetFile,
		"bytes_written": len(args.CodeEdit),
		"lines_written": strings.Count(args.CodeEdit, "\n") + 1,
	}), nil
}

// SearchReplaceTool replaces a single unambiguous occurrence in a file.
type SearchReplaceTool struct {
	resolver Resolver
}

// NewSearchReplaceTool creates a search_replace tool scoped to the workspace.
func NewSearchReplaceTool(workspace string) *SearchReplaceTool {
	return &SearchReplaceTool{resolver: Resolver{Root: workspace}}
}

func (t *SearchReplaceTool) Name() string { return "search_replace" }

func (t *SearchReplaceTool) Description() string {
	return "Replace one exact occurrence of old_string in a file. Fails if the string is absent or appears more than once."
}

func (t *SearchReplaceTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"file_path": {"type": "string", "description": "Path to the file, relative to the workspace root."},
			"old_string": {"type": "string", "description": "Exact text to replace. Must appear exactly once."},
			"new_string": {"type": "string", "description": "Replacement text."}
		},
		"required": ["file_path", "old_string", "new_string"],
		"additionalProperties": false
	}`)
}

func (t *SearchReplaceTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var args struct {
		FilePath  string `json:"file_path"`
		OldString string `json:"old_string"`
		NewString string `json:"new_string"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return errorResult("invalid parameters: %v", err), nil
	}
	if args.OldString == "" {
		return errorResult("old_string must not be empty"), nil
	}

	resolved, err := t.resolver.Resolve(args.FilePath)
	if err != nil {
		return errorResult("%v", err), nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return errorResult("read %s: %v", args.FilePath, err), nil
	}
	content := string(data)

	switch n := strings.Count(content, args.OldString); {
	case n == 0:
		return errorResult("old_string not found in %s", args.FilePath), nil
	case n > 1:
		return errorResult("old_string is ambiguous: %d occurrences in %s", n, args.FilePath), nil
	}

	updated := strings.Replace(content, args.OldString, args.NewString, 1)

	info, err := os.Stat(resolved)
	mode := os.FileMode(0o644)
	if err == nil {
		mode = info.Mode()
	}
	if err := os.WriteFile(resolved, []byte(updated), mode); err != nil {
		return errorResult("write %s: %v", args.FilePath, err), nil
	}

	return jsonResult(map[string]any{
		"file":     args.FilePath,
		"replaced": true,
	}), nil
}

// DeleteFileTool removes a file. Deleting a missing file succeeds.
type DeleteFileTool struct {
	resolver Resolver
}

// NewDeleteFileTool creates a delete_file tool scoped to the workspace.
func NewDeleteFileTool(workspace string) *DeleteFileTool {
	return &DeleteFileTool{resolver: Resolver{Root: workspace}}
}

func (t *DeleteFileTool) Name() string { return "delete_file" }

func (t *DeleteFileTool) Description() string {
	return "Delete a file from the workspace. Idempotent: deleting a missing file succeeds."
}

func (t *DeleteFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"target_file": {"type": "string", "description": "Path to the file, relative to the workspace root."}
		},
		"required": ["target_file"],
		"additionalProperties": false
	}`)
}

func (t *DeleteFileTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var args struct {
		TargetFile string `json:"target_file"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return errorResult("invalid parameters: %v", err), nil
	}

	resolved, err := t.resolver.Resolve(args.TargetFile)
	if err != nil {
		return errorResult("%v", err), nil
	}

	existed := true
	if err := os.Remove(resolved); err != nil {
		if os.IsNotExist(err) {
			existed = false
		} else {
			return errorResult("delete %s: %v", args.TargetFile, err), nil
		}
	}
	return jsonResult(map[string]any{
		"file":    args.TargetFile,
		"deleted": existed,
		"message": fmt.Sprintf("deleted %s", args.TargetFile),
	}), nil
}
