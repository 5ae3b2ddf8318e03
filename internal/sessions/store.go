// Package sessions is the persistence adapter for tasks, variants, chat
// messages, tool calls, and codebase understanding records, plus the
// cross-process repository lock.
package sessions

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/shadow-agent/shadow/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("sessions: not found")

// Store is the data-access contract the orchestrator, context manager, and
// gateway depend on. Implementations must allocate message sequence numbers
// inside the insert transaction so (taskID, sequence) stays unique and
// strictly increasing.
type Store interface {
	// Tasks.
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus) error
	AddTaskTokens(ctx context.Context, taskID string, tokens int) error
	SetTaskPullRequest(ctx context.Context, taskID string, prNumber int) error

	// Variants.
	CreateVariant(ctx context.Context, v *models.Variant) error
	GetVariant(ctx context.Context, variantID string) (*models.Variant, error)
	ListVariants(ctx context.Context, taskID string) ([]*models.Variant, error)
	UpdateVariantStatus(ctx context.Context, variantID string, status models.VariantStatus) error
	UpdateVariantInit(ctx context.Context, variantID string, initStatus models.InitStatus, initError string) error
	// VariantsForPullRequest returns variants of tasks on the given repo that
	// carry the given PR number. Used by the GitHub webhook.
	VariantsForPullRequest(ctx context.Context, repoFullName string, prNumber int) ([]*models.Variant, error)

	// Messages. AppendMessage assigns msg.Sequence and msg.ID.
	AppendMessage(ctx context.Context, msg *models.ChatMessage) error
	UpdateMessage(ctx context.Context, msg *models.ChatMessage) error
	ListMessages(ctx context.Context, taskID string) ([]*models.ChatMessage, error)
	ListVariantMessages(ctx context.Context, taskID, variantID string) ([]*models.ChatMessage, error)
	SaveCompressedVersion(ctx context.Context, messageID string, level models.CompressionLevel, version models.CompressedVersion) error
	SavePullRequestSnapshot(ctx context.Context, messageID string, snap *models.PullRequestSnapshot) error

	// Tool calls.
	CreateToolCall(ctx context.Context, call *models.ToolCall) error
	UpdateToolCall(ctx context.Context, toolCallID string, status models.ToolStatus, result json.RawMessage, errMsg string) error

	// Todos.
	GetTodos(ctx context.Context, taskID string) ([]models.Todo, error)
	SetTodos(ctx context.Context, taskID string, todos []models.Todo) error

	// Codebase understanding, keyed by repository full name.
	GetUnderstanding(ctx context.Context, repoFullName string) (*models.CodebaseUnderstanding, error)
	SaveUnderstanding(ctx context.Context, u *models.CodebaseUnderstanding) error
}
