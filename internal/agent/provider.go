// Package agent drives model runs: it adapts provider streams into
// normalized message parts, executes tool calls, manages conversation
// context under token budgets, and owns the per-variant run state machine.
package agent

import (
	"context"
	"encoding/json"
)

// PromptToolCall is a finalized tool invocation inside a prompt message.
type PromptToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// PromptToolResult is the recorded outcome of a prior tool call, fed back to
// the provider on the next step.
type PromptToolResult struct {
	ToolCallID string
	Name       string
	Content    string
	IsError    bool
}

// PromptMessage is one turn of the provider conversation. Roles follow the
// provider convention: "user", "assistant", "tool".
type PromptMessage struct {
	Role        string
	Content     string
	ToolCalls   []PromptToolCall
	ToolResults []PromptToolResult
}

// ToolDefinition describes one callable tool to the provider.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// CompletionRequest is one provider step: the assembled conversation plus
// model parameters.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []PromptMessage
	Tools     []ToolDefinition
	MaxTokens int

	// EnableThinking requests extended reasoning where the provider
	// supports it natively.
	EnableThinking       bool
	ThinkingBudgetTokens int

	// PromptCaching marks the system prompt for provider-side caching.
	PromptCaching bool
}

// Chunk is one unit of a provider stream in a provider-neutral shape. At
// most one of the content fields is set per chunk.
type Chunk struct {
	// Text is an incremental piece of assistant output.
	Text string

	// Thinking fields carry native reasoning streams.
	ThinkingStart     bool
	Thinking          string
	ThinkingSignature string
	ThinkingEnd       bool
	RedactedThinking  []byte

	// ToolCallStart announces an upcoming call by id and name. ToolCallDelta
	// carries a partial-JSON args fragment for it. ToolCall is the finalized
	// invocation.
	ToolCallStart *PromptToolCall
	ToolCallDelta *ToolCallDelta
	ToolCall      *PromptToolCall

	// Done terminates the stream; StopReason and token counts are only
	// meaningful on the Done chunk.
	Done         bool
	StopReason   string
	InputTokens  int
	OutputTokens int

	// Error is fatal for this step.
	Error error
}

// ToolCallDelta is a partial-JSON fragment of a streaming tool call.
type ToolCallDelta struct {
	ID    string
	Name  string
	Delta string
}

// Stop reasons in provider-neutral form.
const (
	StopReasonEnd      = "stop"
	StopReasonToolUse  = "tool_use"
	StopReasonLength   = "length"
	StopReasonAborted  = "aborted"
	StopReasonProvider = "provider_error"
)

// ProviderClient streams one completion step. Implementations retry
// transient transport failures internally; the returned channel is closed
// after the Done or Error chunk.
type ProviderClient interface {
	Name() string
	Stream(ctx context.Context, req *CompletionRequest) (<-chan *Chunk, error)
}
