package sessions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/shadow-agent/shadow/pkg/models"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mock.ExpectPrepare("SELECT id, user_id, repo_full_name")
	mock.ExpectPrepare("SELECT id, task_id, model_id")
	mock.ExpectPrepare("UPDATE chat_messages")
	mock.ExpectPrepare("INSERT INTO tool_calls")
	mock.ExpectPrepare("UPDATE tool_calls")

	config := DefaultPostgresConfig()
	config.AppendBackoff = time.Millisecond
	store, err := NewPostgresStoreFromDB(db, config)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, mock
}

func TestPostgresStore_CreateTask(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO tasks").
		WithArgs(sqlmock.AnyArg(), "user-1", "acme/api", "https://github.com/acme/api",
			"main", "abc123", "Fix login", models.TaskInitializing, 0, 0,
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	task := &models.Task{
		UserID:        "user-1",
		RepoFullName:  "acme/api",
		RepoURL:       "https://github.com/acme/api",
		BaseBranch:    "main",
		BaseCommitSHA: "abc123",
		Title:         "Fix login",
		Status:        models.TaskInitializing,
	}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.ID == "" {
		t.Error("expected generated task ID")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestPostgresStore_AppendMessageRetriesOnCollision(t *testing.T) {
	store, mock := newMockStore(t)

	// First attempt loses the sequence race, second wins.
	mock.ExpectQuery("INSERT INTO chat_messages").
		WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "chat_messages_task_id_sequence_key"`))
	mock.ExpectQuery("INSERT INTO chat_messages").
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(int64(4)))

	msg := &models.ChatMessage{TaskID: "task-1", Role: models.RoleAssistant, Content: "hello"}
	if err := store.AppendMessage(context.Background(), msg); err != nil {
		t.Fatalf("append: %v", err)
	}
	if msg.Sequence != 4 {
		t.Errorf("sequence = %d, want 4", msg.Sequence)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestPostgresStore_AppendMessageGivesUpOnPermanentError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO chat_messages").
		WillReturnError(errors.New(`pq: null value in column "role"`))

	msg := &models.ChatMessage{TaskID: "task-1"}
	err := store.AppendMessage(context.Background(), msg)
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expected a single attempt: %v", err)
	}
}

func TestPostgresStore_UpdateMessageNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE chat_messages").
		WillReturnResult(sqlmock.NewResult(0, 0))

	msg := &models.ChatMessage{ID: "missing", TaskID: "task-1"}
	if err := store.UpdateMessage(context.Background(), msg); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestPostgresStore_UpdateToolCall(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE tool_calls").
		WithArgs(models.ToolSuccess, []byte(`{"ok":true}`), "", sqlmock.AnyArg(), "call-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpdateToolCall(context.Background(), "call-1", models.ToolSuccess, []byte(`{"ok":true}`), "")
	if err != nil {
		t.Fatalf("update tool call: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestIsRetryableSQL(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"duplicate key", errors.New(`pq: duplicate key value violates unique constraint`), true},
		{"serialization", errors.New("pq: restart transaction (SQLSTATE 40001)"), true},
		{"deadlock", errors.New("pq: deadlock detected"), true},
		{"syntax", errors.New("pq: syntax error"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableSQL(tt.err); got != tt.want {
				t.Errorf("isRetryableSQL(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
