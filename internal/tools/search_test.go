package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func seedSearchWorkspace(t *testing.T) string {
	t.Helper()
	ws := t.TempDir()
	writeWorkspaceFile(t, ws, "main.go", "package main\n\nfunc main() {}\n")
	writeWorkspaceFile(t, ws, "internal/auth/login.go", "package auth\n\nfunc Login() error { return nil }\n")
	writeWorkspaceFile(t, ws, "internal/auth/login_test.go", "package auth\n")
	writeWorkspaceFile(t, ws, "node_modules/dep/index.js", "function Login() {}\n")
	writeWorkspaceFile(t, ws, ".git/config", "[core]\n")
	return ws
}

func TestListDir(t *testing.T) {
	ws := seedSearchWorkspace(t)
	tool := NewListDirTool(ws)

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"relative_workspace_path":"internal/auth"}`))
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Entries []string `json:"entries"`
	}
	decodeResult(t, res, &out)
	if len(out.Entries) != 2 || out.Entries[0] != "[file] login.go" {
		t.Fatalf("entries = %v", out.Entries)
	}

	res, _ = tool.Execute(context.Background(), json.RawMessage(`{"relative_workspace_path":"no/such/dir"}`))
	if !res.IsError {
		t.Fatal("missing directory should be a tool error")
	}
}

func TestFileSearchSkipsIgnoredDirs(t *testing.T) {
	ws := seedSearchWorkspace(t)
	tool := NewFileSearchTool(ws, 50)

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"login"}`))
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Files []string `json:"files"`
	}
	decodeResult(t, res, &out)
	if len(out.Files) != 2 {
		t.Fatalf("files = %v, want the two auth files", out.Files)
	}
	for _, f := range out.Files {
		if strings.Contains(f, "node_modules") {
			t.Fatalf("node_modules should be skipped, got %v", out.Files)
		}
	}
}

func TestFileSearchCapsResults(t *testing.T) {
	ws := t.TempDir()
	for _, name := range []string{"a_handler.go", "b_handler.go", "c_handler.go"} {
		writeWorkspaceFile(t, ws, name, "package x\n")
	}
	tool := NewFileSearchTool(ws, 2)

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"handler"}`))
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Files     []string `json:"files"`
		Truncated bool     `json:"truncated"`
	}
	decodeResult(t, res, &out)
	if len(out.Files) != 2 || !out.Truncated {
		t.Fatalf("expected capped results with truncated flag, got %+v", out)
	}
}

func TestGrepSearch(t *testing.T) {
	ws := seedSearchWorkspace(t)
	tool := NewGrepSearchTool(ws, 50)
	ctx := context.Background()

	res, err := tool.Execute(ctx, json.RawMessage(`{"query":"func login","include_pattern":"*.go"}`))
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Matches []grepMatch `json:"matches"`
	}
	decodeResult(t, res, &out)
	// Case-insensitive by default; node_modules is never traversed.
	if len(out.Matches) != 1 {
		t.Fatalf("matches = %+v, want the auth Login", out.Matches)
	}
	if out.Matches[0].File != "internal/auth/login.go" || out.Matches[0].Line != 3 {
		t.Fatalf("unexpected match location: %+v", out.Matches[0])
	}

	res, _ = tool.Execute(ctx, json.RawMessage(`{"query":"func login","case_sensitive":true}`))
	decodeResult(t, res, &out)
	if len(out.Matches) != 0 {
		t.Fatalf("case-sensitive search should not match Login, got %+v", out.Matches)
	}

	res, _ = tool.Execute(ctx, json.RawMessage(`{"query":"[unclosed"}`))
	if !res.IsError {
		t.Fatal("invalid regex should be a tool error")
	}
}

type fakeSearcher struct {
	snippets []SearchSnippet
	gotQuery string
	gotNS    string
}

func (f *fakeSearcher) Search(_ context.Context, namespace, query string, _ []string, _ int) ([]SearchSnippet, error) {
	f.gotNS = namespace
	f.gotQuery = query
	return f.snippets, nil
}

func TestCodebaseSearch(t *testing.T) {
	searcher := &fakeSearcher{snippets: []SearchSnippet{
		{File: "internal/auth/login.go", StartLine: 3, EndLine: 3, Score: 0.91, Content: "func Login() error"},
	}}
	tool := NewCodebaseSearchTool(searcher, "o/r", 10)

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"how does login work"}`))
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Snippets []SearchSnippet `json:"snippets"`
		Count    int             `json:"count"`
	}
	decodeResult(t, res, &out)
	if out.Count != 1 || out.Snippets[0].File != "internal/auth/login.go" {
		t.Fatalf("unexpected snippets: %+v", out)
	}
	if searcher.gotNS != "o/r" || searcher.gotQuery != "how does login work" {
		t.Fatalf("searcher called with %q %q", searcher.gotNS, searcher.gotQuery)
	}
}
