package models

import (
	"encoding/json"
	"time"
)

// PartType identifies the kind of a normalized stream part.
type PartType string

const (
	// PartTextDelta carries incremental assistant text.
	PartTextDelta PartType = "text-delta"

	// PartReasoning carries streamed chain-of-thought tokens.
	PartReasoning PartType = "reasoning"

	// PartReasoningSignature terminates a reasoning block.
	PartReasoningSignature PartType = "reasoning-signature"

	// PartRedactedReasoning is an opaque reasoning block from the provider.
	PartRedactedReasoning PartType = "redacted-reasoning"

	// PartToolCallStart declares an upcoming tool call by id and name.
	PartToolCallStart PartType = "tool-call-streaming-start"

	// PartToolCallDelta carries partial JSON arguments for a tool call id.
	PartToolCallDelta PartType = "tool-call-delta"

	// PartToolCall is a finalized tool call with validated arguments.
	PartToolCall PartType = "tool-call"

	// PartToolResult is the result for a previously emitted tool call id.
	PartToolResult PartType = "tool-result"

	// PartFinish carries usage counts and the finish reason.
	PartFinish PartType = "finish"

	// PartError is fatal for the current step.
	PartError PartType = "error"
)

// MessagePart is the normalized, ordered unit emitted by the stream
// processor. It is a tagged union: Type selects which payload pointer is
// populated.
//
// Ordering guarantees per tool-call id:
//
//	tool-call-streaming-start → tool-call-delta* → tool-call → tool-result
//
// Reasoning parts interleave with text and tool parts but never split a
// single tool-call frame.
type MessagePart struct {
	Type PartType  `json:"type"`
	Time time.Time `json:"time,omitempty"`

	// Exactly one payload is non-nil for a given Type.
	Text       *TextPartPayload       `json:"text,omitempty"`
	Reasoning  *ReasoningPartPayload  `json:"reasoning,omitempty"`
	ToolCall   *ToolCallPartPayload   `json:"tool_call,omitempty"`
	ToolResult *ToolResultPartPayload `json:"tool_result,omitempty"`
	Finish     *FinishPartPayload     `json:"finish,omitempty"`
	Error      *ErrorPartPayload      `json:"error,omitempty"`
}

// TextPartPayload carries a text delta.
type TextPartPayload struct {
	Delta string `json:"delta"`
}

// ReasoningPartPayload carries reasoning tokens or a signature/redacted block.
type ReasoningPartPayload struct {
	Delta     string `json:"delta,omitempty"`
	Signature string `json:"signature,omitempty"`
	Redacted  []byte `json:"redacted,omitempty"`
}

// ToolCallPartPayload carries tool-call framing: start declarations, argument
// deltas, and the finalized validated call.
type ToolCallPartPayload struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	ArgsDelta string          `json:"args_delta,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// ToolResultPartPayload carries the result of one tool execution.
type ToolResultPartPayload struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Result  json.RawMessage `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// FinishPartPayload carries final usage counts and the finish reason.
type FinishPartPayload struct {
	Reason FinishReason `json:"reason"`
	Usage  Usage        `json:"usage"`
}

// ErrorPartPayload carries a fatal stream error.
type ErrorPartPayload struct {
	Message string `json:"message"`
}

// NewTextDelta builds a text-delta part.
func NewTextDelta(delta string) MessagePart {
	return MessagePart{Type: PartTextDelta, Time: time.Now().UTC(), Text: &TextPartPayload{Delta: delta}}
}

// NewReasoningDelta builds a reasoning part.
func NewReasoningDelta(delta string) MessagePart {
	return MessagePart{Type: PartReasoning, Time: time.Now().UTC(), Reasoning: &ReasoningPartPayload{Delta: delta}}
}

// NewReasoningSignature builds a reasoning-signature part closing a block.
func NewReasoningSignature(signature string) MessagePart {
	return MessagePart{Type: PartReasoningSignature, Time: time.Now().UTC(), Reasoning: &ReasoningPartPayload{Signature: signature}}
}

// NewRedactedReasoning builds an opaque redacted-reasoning part.
func NewRedactedReasoning(data []byte) MessagePart {
	return MessagePart{Type: PartRedactedReasoning, Time: time.Now().UTC(), Reasoning: &ReasoningPartPayload{Redacted: data}}
}

// NewToolCallStart builds a tool-call-streaming-start part.
func NewToolCallStart(id, name string) MessagePart {
	return MessagePart{Type: PartToolCallStart, Time: time.Now().UTC(), ToolCall: &ToolCallPartPayload{ID: id, Name: name}}
}

// NewToolCallDelta builds a tool-call-delta part with partial JSON args.
func NewToolCallDelta(id, name, delta string) MessagePart {
	return MessagePart{Type: PartToolCallDelta, Time: time.Now().UTC(), ToolCall: &ToolCallPartPayload{ID: id, Name: name, ArgsDelta: delta}}
}

// NewToolCall builds a finalized tool-call part.
func NewToolCall(id, name string, args json.RawMessage) MessagePart {
	return MessagePart{Type: PartToolCall, Time: time.Now().UTC(), ToolCall: &ToolCallPartPayload{ID: id, Name: name, Args: args}}
}

// NewToolResult builds a tool-result part.
func NewToolResult(id, name string, result json.RawMessage, isError bool, errMsg string) MessagePart {
	return MessagePart{Type: PartToolResult, Time: time.Now().UTC(), ToolResult: &ToolResultPartPayload{
		ID: id, Name: name, Result: result, IsError: isError, Error: errMsg,
	}}
}

// NewFinish builds a finish part.
func NewFinish(reason FinishReason, usage Usage) MessagePart {
	return MessagePart{Type: PartFinish, Time: time.Now().UTC(), Finish: &FinishPartPayload{Reason: reason, Usage: usage}}
}

// NewErrorPart builds an error part.
func NewErrorPart(message string) MessagePart {
	return MessagePart{Type: PartError, Time: time.Now().UTC(), Error: &ErrorPartPayload{Message: message}}
}

// IsTerminal reports whether the part closes a run.
func (p MessagePart) IsTerminal() bool {
	return p.Type == PartFinish || p.Type == PartError
}
