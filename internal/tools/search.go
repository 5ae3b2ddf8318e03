package tools

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// skipDirs are directory names never traversed by search tools.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".next":        true,
	"dist":         true,
	"build":        true,
	"vendor":       true,
	"__pycache__":  true,
}

// ListDirTool lists directory entries annotated [file] or [dir].
type ListDirTool struct {
	resolver Resolver
}

// NewListDirTool creates a list_dir tool scoped to the workspace.
func NewListDirTool(workspace string) *ListDirTool {
	return &ListDirTool{resolver: Resolver{Root: workspace}}
}

func (t *ListDirTool) Name() string { return "list_dir" }

func (t *ListDirTool) Description() string {
	return "List the contents of a directory relative to the workspace root."
}

func (t *ListDirTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"relative_workspace_path": {"type": "string", "description": "Directory to list, relative to the workspace root."}
		},
		"required": ["relative_workspace_path"],
		"additionalProperties": false
	}`)
}

func (t *ListDirTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var args struct {
		Path string `json:"relative_workspace_path"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return errorResult("invalid parameters: %v", err), nil
	}

	resolved, err := t.resolver.Resolve(args.Path)
	if err != nil {
		return errorResult("%v", err), nil
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return errorResult("list %s: %v", args.Path, err), nil
	}

	annotated := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			annotated = append(annotated, "[dir] "+e.Name())
		} else {
			annotated = append(annotated, "[file] "+e.Name())
		}
	}
	sort.Strings(annotated)

	return jsonResult(map[string]any{
		"path":    args.Path,
		"entries": annotated,
		"count":   len(annotated),
	}), nil
}

// FileSearchTool performs fuzzy filename matching with capped results.
type FileSearchTool struct {
	resolver   Resolver
	maxResults int
}

// NewFileSearchTool creates a file_search tool scoped to the workspace.
func NewFileSearchTool(workspace string, maxResults int) *FileSearchTool {
	if maxResults <= 0 {
		maxResults = 50
	}
	return &FileSearchTool{resolver: Resolver{Root: workspace}, maxResults: maxResults}
}

func (t *FileSearchTool) Name() string { return "file_search" }

func (t *FileSearchTool) Description() string {
	return "Fuzzy search for files by name. Results are capped."
}

func (t *FileSearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Fuzzy filename to search for."}
		},
		"required": ["query"],
		"additionalProperties": false
	}`)
}

func (t *FileSearchTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return errorResult("invalid parameters: %v", err), nil
	}
	query := strings.ToLower(strings.TrimSpace(args.Query))
	if query == "" {
		return errorResult("query is required"), nil
	}

	root, err := t.resolver.Resolve(".")
	if err != nil {
		return errorResult("%v", err), nil
	}

	var matches []string
	truncated := false
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if fuzzyMatch(strings.ToLower(d.Name()), query) {
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				return nil
			}
			matches = append(matches, rel)
			if len(matches) >= t.maxResults {
				truncated = true
				return fs.SkipAll
			}
		}
		return nil
	})
	if err != nil && err != fs.SkipAll {
		return errorResult("search: %v", err), nil
	}

	return jsonResult(map[string]any{
		"query":     args.Query,
		"files":     matches,
		"count":     len(matches),
		"truncated": truncated,
	}), nil
}

// fuzzyMatch reports whether every rune of query appears in order in name.
func fuzzyMatch(name, query string) bool {
	if strings.Contains(name, query) {
		return true
	}
	i := 0
	for _, r := range name {
		if i < len(query) && rune(query[i]) == r {
			i++
		}
	}
	return i == len(query)
}

// GrepSearchTool performs regex text search over workspace files.
type GrepSearchTool struct {
	resolver   Resolver
	maxResults int
}

// NewGrepSearchTool creates a grep_search tool scoped to the workspace.
func NewGrepSearchTool(workspace string, maxResults int) *GrepSearchTool {
	if maxResults <= 0 {
		maxResults = 50
	}
	return &GrepSearchTool{resolver: Resolver{Root: workspace}, maxResults: maxResults}
}

func (t *GrepSearchTool) Name() string { return "grep_search" }

func (t *GrepSearchTool) Description() string {
	return "Regex search over file contents with optional include/exclude glob patterns. Results are capped."
}

func (t *GrepSearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Regex pattern to search for."},
			"include_pattern": {"type": "string", "description": "Glob for files to include, e.g. \"*.go\"."},
			"exclude_pattern": {"type": "string", "description": "Glob for files to exclude."},
			"case_sensitive": {"type": "boolean", "description": "Whether the search is case sensitive."}
		},
		"required": ["query"],
		"additionalProperties": false
	}`)
}

type grepMatch struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func (t *GrepSearchTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var args struct {
		Query          string `json:"query"`
		IncludePattern string `json:"include_pattern"`
		ExcludePattern string `json:"exclude_pattern"`
		CaseSensitive  bool   `json:"case_sensitive"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return errorResult("invalid parameters: %v", err), nil
	}

	pattern := args.Query
	if !args.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return errorResult("invalid regex %q: %v", args.Query, err), nil
	}

	root, err := t.resolver.Resolve(".")
	if err != nil {
		return errorResult("%v", err), nil
	}

	var matches []grepMatch
	truncated := false
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		if args.IncludePattern != "" {
			if ok, _ := filepath.Match(args.IncludePattern, filepath.Base(rel)); !ok {
				return nil
			}
		}
		if args.ExcludePattern != "" {
			if ok, _ := filepath.Match(args.ExcludePattern, filepath.Base(rel)); ok {
				return nil
			}
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil || !isTextContent(data) {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				matches = append(matches, grepMatch{File: rel, Line: i + 1, Text: truncateLine(line, 250)})
				if len(matches) >= t.maxResults {
					truncated = true
					return fs.SkipAll
				}
			}
		}
		return nil
	})
	if walkErr != nil && walkErr != fs.SkipAll {
		return errorResult("search: %v", walkErr), nil
	}

	return jsonResult(map[string]any{
		"query":     args.Query,
		"matches":   matches,
		"count":     len(matches),
		"truncated": truncated,
	}), nil
}

func truncateLine(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// isTextContent applies a cheap binary sniff: NUL bytes in the first KB mean
// the file is skipped.
func isTextContent(data []byte) bool {
	n := len(data)
	if n > 1024 {
		n = 1024
	}
	for _, b := range data[:n] {
		if b == 0 {
			return false
		}
	}
	return true
}

// SearchSnippet is one semantic search hit.
type SearchSnippet struct {
	File      string  `json:"file"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Score     float64 `json:"score"`
	Content   string  `json:"content"`
}

// SemanticSearcher answers semantic queries against an indexed repository
// namespace. The rag package provides the production implementation.
type SemanticSearcher interface {
	Search(ctx context.Context, namespace, query string, targetDirs []string, topK int) ([]SearchSnippet, error)
}

// CodebaseSearchTool performs semantic search against the repository index.
type CodebaseSearchTool struct {
	searcher  SemanticSearcher
	namespace string
	topK      int
}

// NewCodebaseSearchTool creates a codebase_search tool bound to one
// repository namespace.
func NewCodebaseSearchTool(searcher SemanticSearcher, namespace string, topK int) *CodebaseSearchTool {
	if topK <= 0 {
		topK = 10
	}
	return &CodebaseSearchTool{searcher: searcher, namespace: namespace, topK: topK}
}

func (t *CodebaseSearchTool) Name() string { return "codebase_search" }

func (t *CodebaseSearchTool) Description() string {
	return "Semantic search over the indexed repository. Returns the most relevant code snippets for a natural language query."
}

func (t *CodebaseSearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Natural language query."},
			"target_directories": {"type": "array", "items": {"type": "string"}, "description": "Optional directories to restrict the search to."}
		},
		"required": ["query"],
		"additionalProperties": false
	}`)
}

func (t *CodebaseSearchTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var args struct {
		Query             string   `json:"query"`
		TargetDirectories []string `json:"target_directories"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return errorResult("invalid parameters: %v", err), nil
	}
	if t.searcher == nil {
		return errorResult("semantic search is not available: repository index not ready"), nil
	}

	snippets, err := t.searcher.Search(ctx, t.namespace, args.Query, args.TargetDirectories, t.topK)
	if err != nil {
		return errorResult("semantic search: %v", err), nil
	}

	return jsonResult(map[string]any{
		"query":    args.Query,
		"snippets": snippets,
		"count":    len(snippets),
	}), nil
}
