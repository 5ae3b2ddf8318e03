package tools

import (
	"context"
	"encoding/json"

	"github.com/shadow-agent/shadow/pkg/models"
)

// TodoStore persists the per-task todo list.
type TodoStore interface {
	GetTodos(ctx context.Context, taskID string) ([]models.Todo, error)
	SetTodos(ctx context.Context, taskID string, todos []models.Todo) error
}

// TodoSink receives the updated todo list after each write.
type TodoSink func(todos []models.Todo)

// TodoWriteTool replaces or merges the task todo list.
type TodoWriteTool struct {
	store  TodoStore
	taskID string
	sink   TodoSink
}

// NewTodoWriteTool creates a todo_write tool bound to one task. sink may be
// nil.
func NewTodoWriteTool(store TodoStore, taskID string, sink TodoSink) *TodoWriteTool {
	return &TodoWriteTool{store: store, taskID: taskID, sink: sink}
}

func (t *TodoWriteTool) Name() string { return "todo_write" }

func (t *TodoWriteTool) Description() string {
	return "Replace or merge the task todo list. With merge=true, items with matching ids are updated in place."
}

func (t *TodoWriteTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"merge": {"type": "boolean", "description": "Merge by id instead of replacing the whole list."},
			"todos": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"id": {"type": "string"},
						"content": {"type": "string"},
						"status": {"type": "string", "enum": ["pending", "in_progress", "completed", "cancelled"]}
					},
					"required": ["id", "content", "status"],
					"additionalProperties": false
				}
			}
		},
		"required": ["merge", "todos"],
		"additionalProperties": false
	}`)
}

func (t *TodoWriteTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var args struct {
		Merge bool          `json:"merge"`
		Todos []models.Todo `json:"todos"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return errorResult("invalid parameters: %v", err), nil
	}

	todos := args.Todos
	if args.Merge {
		existing, err := t.store.GetTodos(ctx, t.taskID)
		if err != nil {
			return errorResult("load todos: %v", err), nil
		}
		todos = mergeTodos(existing, args.Todos)
	}

	if err := t.store.SetTodos(ctx, t.taskID, todos); err != nil {
		return errorResult("save todos: %v", err), nil
	}
	if t.sink != nil {
		t.sink(todos)
	}

	return jsonResult(map[string]any{
		"todos": todos,
		"count": len(todos),
	}), nil
}

// mergeTodos updates items with matching ids and appends new ones,
// preserving existing order.
func mergeTodos(existing, updates []models.Todo) []models.Todo {
	byID := make(map[string]models.Todo, len(updates))
	for _, u := range updates {
		byID[u.ID] = u
	}
	merged := make([]models.Todo, 0, len(existing)+len(updates))
	seen := make(map[string]bool, len(existing))
	for _, e := range existing {
		if u, ok := byID[e.ID]; ok {
			merged = append(merged, u)
		} else {
			merged = append(merged, e)
		}
		seen[e.ID] = true
	}
	for _, u := range updates {
		if !seen[u.ID] {
			merged = append(merged, u)
		}
	}
	return merged
}
