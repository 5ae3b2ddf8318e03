package sessions

import (
	"context"
	"testing"

	"github.com/shadow-agent/shadow/pkg/models"
)

func TestMemoryStore_AppendMessageAssignsSequence(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		msg := &models.ChatMessage{TaskID: "task-1", Role: models.RoleUser, Content: "hi"}
		if err := store.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("append: %v", err)
		}
		if msg.Sequence != int64(i+1) {
			t.Errorf("message %d: sequence = %d, want %d", i, msg.Sequence, i+1)
		}
		if msg.ID == "" {
			t.Error("expected generated message ID")
		}
	}

	// Sequences are per task.
	other := &models.ChatMessage{TaskID: "task-2", Role: models.RoleUser}
	if err := store.AppendMessage(ctx, other); err != nil {
		t.Fatalf("append: %v", err)
	}
	if other.Sequence != 1 {
		t.Errorf("other task sequence = %d, want 1", other.Sequence)
	}
}

func TestMemoryStore_ListVariantMessages(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	shared := &models.ChatMessage{TaskID: "task-1", Role: models.RoleUser, Content: "prompt"}
	variantA := &models.ChatMessage{TaskID: "task-1", VariantID: "var-a", Role: models.RoleAssistant}
	variantB := &models.ChatMessage{TaskID: "task-1", VariantID: "var-b", Role: models.RoleAssistant}
	for _, msg := range []*models.ChatMessage{shared, variantA, variantB} {
		if err := store.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := store.ListVariantMessages(ctx, "task-1", "var-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2 (shared + variant)", len(got))
	}
	if got[0].ID != shared.ID || got[1].ID != variantA.ID {
		t.Errorf("unexpected messages: %s, %s", got[0].ID, got[1].ID)
	}
}

func TestMemoryStore_UpdateMessagePreservesSequence(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	msg := &models.ChatMessage{TaskID: "task-1", Role: models.RoleAssistant}
	if err := store.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("append: %v", err)
	}

	updated := *msg
	updated.Content = "streamed text"
	updated.Sequence = 99
	if err := store.UpdateMessage(ctx, &updated); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := store.ListMessages(ctx, "task-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got[0].Content != "streamed text" {
		t.Errorf("content = %q", got[0].Content)
	}
	if got[0].Sequence != msg.Sequence {
		t.Errorf("sequence changed on update: %d", got[0].Sequence)
	}
}

func TestMemoryStore_SaveCompressedVersion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	msg := &models.ChatMessage{TaskID: "task-1", Role: models.RoleAssistant, Content: "long output"}
	if err := store.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("append: %v", err)
	}
	version := models.CompressedVersion{Content: "short", Tokens: 2}
	if err := store.SaveCompressedVersion(ctx, msg.ID, models.CompressionLight, version); err != nil {
		t.Fatalf("save compressed: %v", err)
	}

	got, err := store.ListMessages(ctx, "task-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	stored, ok := got[0].CompressedVersions[models.CompressionLight]
	if !ok {
		t.Fatal("compressed version not stored")
	}
	if stored.Content != "short" {
		t.Errorf("content = %q", stored.Content)
	}

	if err := store.SaveCompressedVersion(ctx, "missing", models.CompressionLight, version); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_VariantsForPullRequest(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	task := &models.Task{RepoFullName: "acme/api", Status: models.TaskRunning}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := store.SetTaskPullRequest(ctx, task.ID, 42); err != nil {
		t.Fatalf("set pr: %v", err)
	}
	v := &models.Variant{TaskID: task.ID, Sequence: 1, Status: models.VariantRunning}
	if err := store.CreateVariant(ctx, v); err != nil {
		t.Fatalf("create variant: %v", err)
	}

	got, err := store.VariantsForPullRequest(ctx, "acme/api", 42)
	if err != nil {
		t.Fatalf("variants for pr: %v", err)
	}
	if len(got) != 1 || got[0].ID != v.ID {
		t.Fatalf("got %d variants", len(got))
	}

	none, err := store.VariantsForPullRequest(ctx, "acme/api", 7)
	if err != nil {
		t.Fatalf("variants for pr: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no variants for other PR, got %d", len(none))
	}
}

func TestMemoryStore_Todos(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	todos := []models.Todo{
		{ID: "1", Content: "read the failing test", Status: models.TodoInProgress},
		{ID: "2", Content: "fix the handler", Status: models.TodoPending},
	}
	if err := store.SetTodos(ctx, "task-1", todos); err != nil {
		t.Fatalf("set todos: %v", err)
	}
	got, err := store.GetTodos(ctx, "task-1")
	if err != nil {
		t.Fatalf("get todos: %v", err)
	}
	if len(got) != 2 || got[0].Status != models.TodoInProgress {
		t.Fatalf("unexpected todos: %+v", got)
	}

	// Caller mutations must not leak into the store.
	got[0].Status = models.TodoCompleted
	again, _ := store.GetTodos(ctx, "task-1")
	if again[0].Status != models.TodoInProgress {
		t.Error("stored todos mutated through returned slice")
	}
}
