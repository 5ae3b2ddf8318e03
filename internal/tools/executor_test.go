package tools

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/shadow-agent/shadow/pkg/models"
)

type fakeCallStore struct {
	mu      sync.Mutex
	created []*models.ToolCall
	updated []models.ToolStatus
}

func (s *fakeCallStore) CreateToolCall(_ context.Context, call *models.ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, call)
	return nil
}

func (s *fakeCallStore) UpdateToolCall(_ context.Context, _ string, status models.ToolStatus, _ json.RawMessage, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated = append(s.updated, status)
	return nil
}

// chattyTool returns a configurable payload; used to exercise truncation.
type chattyTool struct {
	payload string
}

func (t *chattyTool) Name() string        { return "chatty" }
func (t *chattyTool) Description() string { return "returns its configured payload" }
func (t *chattyTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`)
}
func (t *chattyTool) Execute(context.Context, json.RawMessage) (*Result, error) {
	return jsonResult(map[string]string{"payload": t.payload}), nil
}

func toolCallPart(id, name, args string) models.MessagePart {
	return models.MessagePart{
		Type: models.PartToolCall,
		ToolCall: &models.ToolCallPartPayload{
			ID:   id,
			Name: name,
			Args: json.RawMessage(args),
		},
	}
}

func TestExecutorRecordsLifecycle(t *testing.T) {
	ws := t.TempDir()
	writeWorkspaceFile(t, ws, "hello.txt", "hello\n")
	store := &fakeCallStore{}
	exec := NewExecutor(newWorkspaceRegistry(t, ws), store, 0, nil, nil)

	part := toolCallPart("call-1", "read_file",
		`{"target_file":"hello.txt","should_read_entire_file":true}`)
	res := exec.Execute(context.Background(), "task-1", "msg-1", part)
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Error)
	}

	if len(store.created) != 1 || store.created[0].Status != models.ToolRunning {
		t.Fatalf("expected one RUNNING row, got %+v", store.created)
	}
	if store.created[0].ToolCallID != "call-1" || store.created[0].TaskID != "task-1" {
		t.Errorf("row not linked to call: %+v", store.created[0])
	}
	if len(store.updated) != 1 || store.updated[0] != models.ToolSuccess {
		t.Fatalf("expected one SUCCESS update, got %v", store.updated)
	}
}

func TestExecutorValidatesBeforeRunning(t *testing.T) {
	store := &fakeCallStore{}
	exec := NewExecutor(newWorkspaceRegistry(t, t.TempDir()), store, 0, nil, nil)

	// Schema-invalid arguments never reach the tool or the store.
	part := toolCallPart("call-1", "read_file", `{"bogus":true}`)
	res := exec.Execute(context.Background(), "task-1", "msg-1", part)
	if !res.IsError {
		t.Fatal("invalid arguments should produce an error result")
	}
	if len(store.created) != 0 {
		t.Fatal("no tool-call row should be written for invalid arguments")
	}

	part = toolCallPart("call-2", "no_such_tool", `{}`)
	res = exec.Execute(context.Background(), "task-1", "msg-1", part)
	if !res.IsError || !strings.Contains(res.Error, "unknown tool") {
		t.Fatalf("unexpected result for unknown tool: %+v", res)
	}
}

func TestExecutorTruncatesOversizedResults(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(&chattyTool{payload: strings.Repeat("x", 4096)}); err != nil {
		t.Fatal(err)
	}
	exec := NewExecutor(registry, nil, 512, nil, nil)

	res := exec.Execute(context.Background(), "task-1", "msg-1", toolCallPart("call-1", "chatty", `{}`))
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	var out struct {
		Truncated bool   `json:"truncated"`
		Content   string `json:"content"`
	}
	if err := json.Unmarshal(res.Content, &out); err != nil {
		t.Fatalf("truncated result is not valid JSON: %v", err)
	}
	if !out.Truncated || !strings.HasSuffix(out.Content, truncationSuffix) {
		t.Fatalf("expected truncation marker, got %+v", out)
	}
}

func TestExecutorRejectsNonToolCallPart(t *testing.T) {
	exec := NewExecutor(newWorkspaceRegistry(t, t.TempDir()), nil, 0, nil, nil)
	res := exec.Execute(context.Background(), "task-1", "msg-1", models.MessagePart{Type: models.PartFinish})
	if !res.IsError {
		t.Fatal("non tool-call part should produce an error result")
	}
}
