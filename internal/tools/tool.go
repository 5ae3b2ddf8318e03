// Package tools declares the closed set of agent tools, validates their
// arguments against JSON schemas, and executes them inside a variant's
// workspace sandbox.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool is an executable agent capability. Implementations must be safe for
// concurrent use; execution ordering within a run is the executor's job.
type Tool interface {
	// Name returns the tool name used for model function calling.
	Name() string

	// Description returns a natural language description of the tool.
	Description() string

	// Schema returns the JSON Schema defining the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool with schema-valid JSON parameters. Tool-level
	// failures are reported inside the Result; a non-nil error means the
	// tool infrastructure itself failed.
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// Result is the typed output of one tool execution. Content is a JSON
// document matching the tool's result shape.
type Result struct {
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"is_error,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// errorResult builds a structured failure result.
func errorResult(format string, args ...any) *Result {
	msg := fmt.Sprintf(format, args...)
	return &Result{
		Content: mustJSON(map[string]string{"error": msg}),
		IsError: true,
		Error:   msg,
	}
}

// jsonResult marshals v into a success result.
func jsonResult(v any) *Result {
	return &Result{Content: mustJSON(v)}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{"error":"result encoding failed"}`)
	}
	return data
}

// ValidationError reports tool arguments that failed schema validation. The
// stream processor uses it to drive the tool-call repair path.
type ValidationError struct {
	ToolName   string          `json:"tool_name"`
	ToolCallID string          `json:"tool_call_id"`
	Args       json.RawMessage `json:"args"`
	Detail     string          `json:"detail"`
	Suggestion string          `json:"suggestion"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tools: invalid arguments for %s: %s", e.ToolName, e.Detail)
}

// UnknownToolError reports a tool name the registry does not declare.
type UnknownToolError struct {
	ToolName string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("tools: unknown tool %q", e.ToolName)
}
