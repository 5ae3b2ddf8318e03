package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shadow-agent/shadow/internal/sessions"
	"github.com/shadow-agent/shadow/pkg/models"
)

func seedTask(t *testing.T, store sessions.Store, taskID, userID string) *models.Task {
	t.Helper()
	task := &models.Task{ID: taskID, UserID: userID, RepoFullName: "o/r", Status: models.TaskRunning}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	return task
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestServer(t, sessions.NewMemoryStore())
	req := httptest.NewRequest(http.MethodGet, "/api/tasks/nope", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestOwnershipEnforced(t *testing.T) {
	store := sessions.NewMemoryStore()
	seedTask(t, store, "t1", "alice")

	s := newTestServer(t, store)
	s.auth = NewAuth(s.cfg.Auth) // no secret: anonymous mode passes
	req := httptest.NewRequest(http.MethodGet, "/api/tasks/t1", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("anonymous mode: status = %d, want 200", rec.Code)
	}

	// With a secret configured, a session for another user is rejected.
	s.cfg.Auth.JWTSecret = "secret"
	s.auth = NewAuth(s.cfg.Auth)
	token, err := s.auth.IssueSession("bob", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/tasks/t1", nil)
	req.AddCookie(&http.Cookie{Name: "shadow_session", Value: token})
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign task: status = %d, want 403", rec.Code)
	}

	// No cookie at all is unauthorized.
	req = httptest.NewRequest(http.MethodGet, "/api/tasks/t1", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no session: status = %d, want 401", rec.Code)
	}
}

func TestListMessages(t *testing.T) {
	store := sessions.NewMemoryStore()
	seedTask(t, store, "t1", "")
	ctx := context.Background()
	for _, text := range []string{"first", "second"} {
		msg := &models.ChatMessage{TaskID: "t1", VariantID: "v1", Role: models.RoleUser, Content: text}
		if err := store.AppendMessage(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	s := newTestServer(t, store)
	req := httptest.NewRequest(http.MethodGet, "/api/tasks/t1/v1/messages", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Messages []*models.ChatMessage `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Messages) != 2 || resp.Messages[0].Content != "first" {
		t.Fatalf("unexpected messages: %+v", resp.Messages)
	}
	if resp.Messages[0].Sequence >= resp.Messages[1].Sequence {
		t.Error("messages should come back in sequence order")
	}
}

func TestContextUsageEndpoint(t *testing.T) {
	store := sessions.NewMemoryStore()
	seedTask(t, store, "t1", "")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		msg := &models.ChatMessage{TaskID: "t1", Role: models.RoleUser, Content: "hello context manager"}
		if err := store.AppendMessage(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	s := newTestServer(t, store)
	req := httptest.NewRequest(http.MethodGet, "/api/context/usage/t1?model=gpt-4o", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var report struct {
		TaskID        string  `json:"taskId"`
		Model         string  `json:"model"`
		TotalMessages int     `json:"totalMessages"`
		TotalTokens   int     `json:"totalTokens"`
		TokenLimit    int     `json:"tokenLimit"`
		UsagePct      float64 `json:"usagePercentage"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.TaskID != "t1" || report.Model != "gpt-4o" {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.TotalMessages != 3 || report.TotalTokens == 0 || report.TokenLimit != 128000 {
		t.Fatalf("unexpected counts: %+v", report)
	}

	// Unknown model is a client error.
	req = httptest.NewRequest(http.MethodGet, "/api/context/usage/t1?model=made-up", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown model: status = %d, want 400", rec.Code)
	}
}

func TestFileTreeAndContent(t *testing.T) {
	store := sessions.NewMemoryStore()
	seedTask(t, store, "t1", "")
	ctx := context.Background()

	workspace := t.TempDir()
	if err := os.MkdirAll(filepath.Join(workspace, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(workspace, "src", "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	v := &models.Variant{ID: "v1", TaskID: "t1", WorkspacePath: workspace}
	if err := store.CreateVariant(ctx, v); err != nil {
		t.Fatal(err)
	}

	s := newTestServer(t, store)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/t1/files/tree?variantId=v1", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("tree status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var tree struct {
		Tree []*treeNode `json:"tree"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &tree); err != nil {
		t.Fatal(err)
	}
	if len(tree.Tree) != 1 || tree.Tree[0].Name != "src" || tree.Tree[0].Type != "dir" {
		t.Fatalf("unexpected tree: %+v", tree.Tree)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/tasks/t1/files/content?variantId=v1&path=src/main.go", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("content status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var content struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &content); err != nil {
		t.Fatal(err)
	}
	if content.Content != "package main\n" {
		t.Fatalf("unexpected content: %q", content.Content)
	}

	// Escaping paths are rejected before touching the filesystem.
	req = httptest.NewRequest(http.MethodGet, "/api/tasks/t1/files/content?variantId=v1&path=../../etc/passwd", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("escape: status = %d, want 400", rec.Code)
	}
}
