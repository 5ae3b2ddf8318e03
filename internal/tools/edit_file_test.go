package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeWorkspaceFile(t *testing.T, workspace, name, content string) {
	t.Helper()
	path := filepath.Join(workspace, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func decodeResult(t *testing.T, res *Result, v any) {
	t.Helper()
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", res.Error)
	}
	if err := json.Unmarshal(res.Content, v); err != nil {
		t.Fatal(err)
	}
}

func TestEditFileCreatesAndReplaces(t *testing.T) {
	ws := t.TempDir()
	tool := NewEditFileTool(ws)
	ctx := context.Background()

	args := `{"target_file":"src/app/main.go","code_edit":"package main\n","instructions":"create main"}`
	res, err := tool.Execute(ctx, json.RawMessage(args))
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		BytesWritten int `json:"bytes_written"`
		LinesWritten int `json:"lines_written"`
	}
	decodeResult(t, res, &out)
	if out.BytesWritten != len("package main\n") {
		t.Errorf("bytes_written = %d", out.BytesWritten)
	}

	data, err := os.ReadFile(filepath.Join(ws, "src/app/main.go"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "package main\n" {
		t.Fatalf("content = %q", data)
	}

	// A second edit replaces the whole file.
	args = `{"target_file":"src/app/main.go","code_edit":"package app\n","instructions":"rename package"}`
	if _, err := tool.Execute(ctx, json.RawMessage(args)); err != nil {
		t.Fatal(err)
	}
	data, _ = os.ReadFile(filepath.Join(ws, "src/app/main.go"))
	if string(data) != "package app\n" {
		t.Fatalf("content after replace = %q", data)
	}
}

func TestSearchReplace(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		content   string
		old       string
		wantErr   string
		wantAfter string
	}{
		{"single occurrence", "alpha beta gamma", "beta", "", "alpha BETA gamma"},
		{"absent", "alpha gamma", "beta", "not found", "alpha gamma"},
		{"ambiguous", "beta beta", "beta", "ambiguous", "beta beta"},
		{"empty old_string", "alpha", "", "must not be empty", "alpha"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := t.TempDir()
			writeWorkspaceFile(t, ws, "file.txt", tt.content)
			tool := NewSearchReplaceTool(ws)

			args, _ := json.Marshal(map[string]string{
				"file_path":  "file.txt",
				"old_string": tt.old,
				"new_string": "BETA",
			})
			res, err := tool.Execute(ctx, args)
			if err != nil {
				t.Fatal(err)
			}
			if tt.wantErr == "" && res.IsError {
				t.Fatalf("unexpected error: %s", res.Error)
			}
			if tt.wantErr != "" && !strings.Contains(res.Error, tt.wantErr) {
				t.Fatalf("error = %q, want substring %q", res.Error, tt.wantErr)
			}
			data, _ := os.ReadFile(filepath.Join(ws, "file.txt"))
			if string(data) != tt.wantAfter {
				t.Fatalf("content = %q, want %q", data, tt.wantAfter)
			}
		})
	}
}

func TestDeleteFileIsIdempotent(t *testing.T) {
	ws := t.TempDir()
	writeWorkspaceFile(t, ws, "doomed.txt", "bye")
	tool := NewDeleteFileTool(ws)
	ctx := context.Background()

	res, err := tool.Execute(ctx, json.RawMessage(`{"target_file":"doomed.txt"}`))
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Deleted bool `json:"deleted"`
	}
	decodeResult(t, res, &out)
	if !out.Deleted {
		t.Error("first delete should report deleted=true")
	}

	res, err = tool.Execute(ctx, json.RawMessage(`{"target_file":"doomed.txt"}`))
	if err != nil {
		t.Fatal(err)
	}
	decodeResult(t, res, &out)
	if out.Deleted {
		t.Error("second delete should report deleted=false")
	}
}

func TestReadFile(t *testing.T) {
	ws := t.TempDir()
	writeWorkspaceFile(t, ws, "lines.txt", "one\ntwo\nthree\nfour\nfive\n")
	tool := NewReadFileTool(ws)
	ctx := context.Background()

	res, err := tool.Execute(ctx, json.RawMessage(
		`{"target_file":"lines.txt","should_read_entire_file":false,"start_line":2,"end_line":4}`))
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Content    string `json:"content"`
		TotalLines int    `json:"total_lines"`
		Omitted    string `json:"omitted"`
	}
	decodeResult(t, res, &out)
	if out.TotalLines != 5 {
		t.Errorf("total_lines = %d, want 5", out.TotalLines)
	}
	if !strings.Contains(out.Content, "2 | two") || strings.Contains(out.Content, "1 | one") {
		t.Errorf("unexpected slice: %q", out.Content)
	}
	if !strings.Contains(out.Omitted, "lines 1-1") || !strings.Contains(out.Omitted, "lines 5-5") {
		t.Errorf("omitted = %q", out.Omitted)
	}

	res, err = tool.Execute(ctx, json.RawMessage(
		`{"target_file":"missing.txt","should_read_entire_file":true}`))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("missing file should be a tool error")
	}
}

func TestFileToolsRejectWorkspaceEscape(t *testing.T) {
	ws := t.TempDir()
	ctx := context.Background()

	escapes := map[string]func() (*Result, error){
		"read_file": func() (*Result, error) {
			return NewReadFileTool(ws).Execute(ctx, json.RawMessage(
				`{"target_file":"../outside.txt","should_read_entire_file":true}`))
		},
		"edit_file": func() (*Result, error) {
			return NewEditFileTool(ws).Execute(ctx, json.RawMessage(
				`{"target_file":"/etc/passwd","code_edit":"x","instructions":"x"}`))
		},
		"delete_file": func() (*Result, error) {
			return NewDeleteFileTool(ws).Execute(ctx, json.RawMessage(
				`{"target_file":"../../tmp/x"}`))
		},
		"search_replace": func() (*Result, error) {
			return NewSearchReplaceTool(ws).Execute(ctx, json.RawMessage(
				`{"file_path":"..","old_string":"a","new_string":"b"}`))
		},
	}
	for name, run := range escapes {
		res, err := run()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !res.IsError {
			t.Errorf("%s: escaping path should be rejected", name)
		}
	}
}

func TestResolverStaysInsideWorkspace(t *testing.T) {
	ws := t.TempDir()
	r := Resolver{Root: ws}

	tests := []struct {
		path string
		ok   bool
	}{
		{"a.go", true},
		{"./sub/b.go", true},
		{"sub/../a.go", true},
		{"", false},
		{"..", false},
		{"../sibling", false},
		{"sub/../../escape", false},
		{"/etc/passwd", false},
	}
	for _, tt := range tests {
		resolved, err := r.Resolve(tt.path)
		if tt.ok && err != nil {
			t.Errorf("Resolve(%q): %v", tt.path, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("Resolve(%q) = %q, want rejection", tt.path, resolved)
		}
		if tt.ok && !strings.HasPrefix(resolved, ws) {
			t.Errorf("Resolve(%q) = %q, outside workspace", tt.path, resolved)
		}
	}
}
