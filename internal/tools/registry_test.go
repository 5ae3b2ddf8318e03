package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shadow-agent/shadow/internal/config"
)

func testToolsConfig() config.ToolsConfig {
	return config.ToolsConfig{
		MaxResultBytes:   64 * 1024,
		MaxSearchResults: 50,
	}
}

func newWorkspaceRegistry(t *testing.T, workspace string) *Registry {
	t.Helper()
	r, err := NewDefaultRegistry(testToolsConfig(), Deps{
		Workspace: workspace,
		TaskID:    "task-1",
		Todos:     newFakeTodoStore(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestDefaultRegistryDeclaresClosedToolSet(t *testing.T) {
	r := newWorkspaceRegistry(t, t.TempDir())

	want := []string{
		"codebase_search", "delete_file", "edit_file", "file_search",
		"grep_search", "list_dir", "read_file", "run_terminal_cmd",
		"search_replace", "todo_write",
	}
	tools := r.List()
	if len(tools) != len(want) {
		t.Fatalf("registered %d tools, want %d", len(tools), len(want))
	}
	for i, tool := range tools {
		if tool.Name() != want[i] {
			t.Errorf("tool %d = %s, want %s", i, tool.Name(), want[i])
		}
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(NewReadFileTool(t.TempDir())); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(NewReadFileTool(t.TempDir())); err == nil {
		t.Fatal("duplicate registration should fail")
	}
}

func TestValidate(t *testing.T) {
	r := newWorkspaceRegistry(t, t.TempDir())

	tests := []struct {
		name string
		tool string
		args string
		want error
	}{
		{"valid args", "read_file", `{"target_file":"a.go","should_read_entire_file":true}`, nil},
		{"missing required", "read_file", `{"target_file":"a.go"}`, &ValidationError{}},
		{"wrong type", "read_file", `{"target_file":1,"should_read_entire_file":true}`, &ValidationError{}},
		{"unknown property", "read_file", `{"target_file":"a.go","should_read_entire_file":true,"bogus":1}`, &ValidationError{}},
		{"malformed json", "read_file", `{not json`, &ValidationError{}},
		{"unknown tool", "write_ram", `{}`, &UnknownToolError{}},
		{"empty args default to object", "file_search", ``, &ValidationError{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate("call-1", tt.tool, json.RawMessage(tt.args))
			switch tt.want.(type) {
			case nil:
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
			case *ValidationError:
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("err = %v, want *ValidationError", err)
				}
				if ve.ToolCallID != "call-1" || ve.Suggestion == "" {
					t.Errorf("validation error missing repair context: %+v", ve)
				}
			case *UnknownToolError:
				var ue *UnknownToolError
				if !errors.As(err, &ue) {
					t.Fatalf("err = %v, want *UnknownToolError", err)
				}
			}
		})
	}
}

func TestGetUnknownTool(t *testing.T) {
	r := newWorkspaceRegistry(t, t.TempDir())
	if _, err := r.Get("no_such_tool"); err == nil {
		t.Fatal("unknown tool should error")
	}
}

func TestCodebaseSearchWithoutIndex(t *testing.T) {
	// No SemanticSearcher wired: the tool reports unavailability as a tool
	// error, not an infrastructure failure.
	tool := NewCodebaseSearchTool(nil, "o/r", 10)
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"auth flow"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("expected a tool error when the index is unavailable")
	}
}
