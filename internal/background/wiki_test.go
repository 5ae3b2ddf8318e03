package background

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shadow-agent/shadow/internal/sessions"
)

type fakeSummarizer struct {
	mu      sync.Mutex
	calls   int
	prompts []string
	out     string
	err     error
}

func (f *fakeSummarizer) Summarize(_ context.Context, _, _, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.out, nil
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestGenerateWritesUnderstanding(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "README.md", "# Demo\nA sample service.")
	writeFile(t, root, "go.mod", "module example.com/demo\n")
	writeFile(t, root, "internal/api/server.go", "package api\n")
	writeFile(t, root, ".git/config", "ignored")

	store := sessions.NewMemoryStore()
	sum := &fakeSummarizer{out: "## Demo\nHTTP service with an api package."}
	g := NewWikiGenerator(store, sum, "gpt-4o-mini", nil)

	u, err := g.Generate(context.Background(), "octo/demo", root)
	if err != nil {
		t.Fatal(err)
	}
	if u.Summary == "" || u.FileCount != 3 {
		t.Fatalf("unexpected understanding: %+v", u)
	}

	prompt := sum.prompts[0]
	if !strings.Contains(prompt, "server.go") {
		t.Error("outline should list source files")
	}
	if strings.Contains(prompt, ".git") {
		t.Error("outline must skip .git")
	}
	if !strings.Contains(prompt, "A sample service.") {
		t.Error("README head should be quoted in the prompt")
	}

	stored, err := store.GetUnderstanding(context.Background(), "octo/demo")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Summary != u.Summary {
		t.Error("understanding not persisted")
	}
}

func TestIsFresh(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n")

	store := sessions.NewMemoryStore()
	g := NewWikiGenerator(store, &fakeSummarizer{out: "summary"}, "gpt-4o-mini", nil)

	fresh, err := g.IsFresh(context.Background(), "octo/demo", 24*time.Hour)
	if err != nil || fresh {
		t.Fatalf("missing record should be stale, got fresh=%v err=%v", fresh, err)
	}

	if _, err := g.Generate(context.Background(), "octo/demo", root); err != nil {
		t.Fatal(err)
	}
	fresh, err = g.IsFresh(context.Background(), "octo/demo", 24*time.Hour)
	if err != nil || !fresh {
		t.Fatalf("new record should be fresh, got fresh=%v err=%v", fresh, err)
	}
	fresh, _ = g.IsFresh(context.Background(), "octo/demo", 0)
	if fresh {
		t.Fatal("zero max age means always stale")
	}
}

func TestGenerateEmptyWorkspace(t *testing.T) {
	g := NewWikiGenerator(sessions.NewMemoryStore(), &fakeSummarizer{out: "x"}, "gpt-4o-mini", nil)
	if _, err := g.Generate(context.Background(), "octo/demo", t.TempDir()); err == nil {
		t.Fatal("empty workspace should fail wiki generation")
	}
}
