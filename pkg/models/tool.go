package models

import (
	"encoding/json"
	"time"
)

// ToolStatus represents the execution state of one tool call.
type ToolStatus string

const (
	ToolPending ToolStatus = "PENDING"
	ToolRunning ToolStatus = "RUNNING"
	ToolSuccess ToolStatus = "SUCCESS"
	ToolError   ToolStatus = "ERROR"
)

// ToolCall represents the model's request to execute a tool, plus its
// recorded outcome. The record is written before the tool executes and
// updated when it completes.
type ToolCall struct {
	ID          string          `json:"id"`
	ToolCallID  string          `json:"tool_call_id"`
	TaskID      string          `json:"task_id"`
	MessageID   string          `json:"message_id"`
	Name        string          `json:"name"`
	Args        json.RawMessage `json:"args"`
	Status      ToolStatus      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// TodoStatus represents the state of one todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
	TodoCancelled  TodoStatus = "cancelled"
)

// Todo is one item in a task's todo list, maintained by the todo_write tool.
type Todo struct {
	ID      string     `json:"id"`
	Content string     `json:"content"`
	Status  TodoStatus `json:"status"`
}
