// Package models provides domain types shared across the Shadow orchestrator.
package models

import (
	"fmt"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskInitializing TaskStatus = "INITIALIZING"
	TaskRunning      TaskStatus = "RUNNING"
	TaskPaused       TaskStatus = "PAUSED"
	TaskCompleted    TaskStatus = "COMPLETED"
	TaskFailed       TaskStatus = "FAILED"
	TaskCancelled    TaskStatus = "CANCELLED"
	TaskArchived     TaskStatus = "ARCHIVED"
)

// Task represents a user request against a repository. A task owns one or
// more variants, each a single model attempt with its own workspace.
type Task struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	RepoFullName      string     `json:"repo_full_name"`
	RepoURL           string     `json:"repo_url"`
	BaseBranch        string     `json:"base_branch"`
	BaseCommitSHA     string     `json:"base_commit_sha"`
	Title             string     `json:"title"`
	Status            TaskStatus `json:"status"`
	TotalTokens       int        `json:"total_tokens"`
	PullRequestNumber int        `json:"pull_request_number,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// VariantStatus represents the run state of a variant.
type VariantStatus string

const (
	VariantInitializing VariantStatus = "INITIALIZING"
	VariantRunning      VariantStatus = "RUNNING"
	VariantStopped      VariantStatus = "STOPPED"
	VariantFailed       VariantStatus = "FAILED"
)

// InitStatus tracks workspace preparation progress for a variant.
type InitStatus string

const (
	InitInactive         InitStatus = "INACTIVE"
	InitPrepareWorkspace InitStatus = "PREPARE_WORKSPACE"
	InitIndexRepository  InitStatus = "INDEX_REPOSITORY"
	InitGenerateWiki     InitStatus = "GENERATE_WIKI"
	InitActive           InitStatus = "ACTIVE"
)

// Variant is a single model attempt within a task. Exactly one run may be
// active per variant at a time.
type Variant struct {
	ID            string        `json:"id"`
	TaskID        string        `json:"task_id"`
	ModelID       string        `json:"model_id"`
	Sequence      int           `json:"sequence"`
	ShadowBranch  string        `json:"shadow_branch"`
	Status        VariantStatus `json:"status"`
	InitStatus    InitStatus    `json:"init_status"`
	InitError     string        `json:"init_error,omitempty"`
	WorkspacePath string        `json:"workspace_path"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// ShadowBranchName builds the branch name used for a variant's commits.
func ShadowBranchName(taskID string, variantSequence int) string {
	return fmt.Sprintf("shadow/task-%s/variant-%d", taskID, variantSequence)
}
