package models

import (
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
	RoleTool      Role = "TOOL"
	RoleSystem    Role = "SYSTEM"
)

// CompressionLevel is the summarization intensity stored per message.
type CompressionLevel string

const (
	CompressionNone  CompressionLevel = "NONE"
	CompressionLight CompressionLevel = "LIGHT"
	CompressionHeavy CompressionLevel = "HEAVY"
)

// CompressedVersion is a cached summary of a message at one level.
type CompressedVersion struct {
	Content      string    `json:"content"`
	Tokens       int       `json:"tokens"`
	CompressedAt time.Time `json:"compressed_at"`
}

// Usage records token consumption for one provider call.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

// FinishReason explains why a provider stream ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolUse   FinishReason = "tool_use"
	FinishLength    FinishReason = "length"
	FinishCancelled FinishReason = "cancelled"
	FinishError     FinishReason = "error"
)

// ChatMessage is an ordered record within a task. The (TaskID, Sequence)
// pair is unique and strictly increasing in insertion order. The structured
// Parts slice is append-only while the orchestrator streams into it.
type ChatMessage struct {
	ID                     string                                 `json:"id"`
	TaskID                 string                                 `json:"task_id"`
	VariantID              string                                 `json:"variant_id"`
	Role                   Role                                   `json:"role"`
	Content                string                                 `json:"content"`
	Parts                  []MessagePart                          `json:"parts,omitempty"`
	Sequence               int64                                  `json:"sequence"`
	ModelID                string                                 `json:"model_id,omitempty"`
	Usage                  *Usage                                 `json:"usage,omitempty"`
	FinishReason           FinishReason                           `json:"finish_reason,omitempty"`
	StoppedBy              string                                 `json:"stopped_by,omitempty"`
	ActiveCompressionLevel CompressionLevel                       `json:"active_compression_level"`
	CompressedVersions     map[CompressionLevel]CompressedVersion `json:"compressed_versions,omitempty"`
	PullRequestSnapshot    *PullRequestSnapshot                   `json:"pull_request_snapshot,omitempty"`
	CreatedAt              time.Time                              `json:"created_at"`
}

// CompressedContent returns the content to use for context assembly at the
// given level, falling back to the raw content when no cached summary exists.
func (m *ChatMessage) CompressedContent(level CompressionLevel) (string, bool) {
	if level == CompressionNone {
		return m.Content, false
	}
	if v, ok := m.CompressedVersions[level]; ok {
		return v.Content, true
	}
	return m.Content, false
}

// PullRequestSnapshot captures PR metadata produced at the end of a run.
type PullRequestSnapshot struct {
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	IsDraft      bool      `json:"is_draft"`
	LinesAdded   int       `json:"lines_added"`
	LinesRemoved int       `json:"lines_removed"`
	FilesChanged int       `json:"files_changed"`
	CommitSHA    string    `json:"commit_sha,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CodebaseUnderstanding is the per-repository wiki artifact produced by the
// background wiki generator. It is shared across tasks of the same repo.
type CodebaseUnderstanding struct {
	ID           string    `json:"id"`
	RepoFullName string    `json:"repo_full_name"`
	Summary      string    `json:"summary"`
	FileCount    int       `json:"file_count"`
	GeneratedAt  time.Time `json:"generated_at"`
}
