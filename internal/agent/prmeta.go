package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shadow-agent/shadow/internal/sessions"
	"github.com/shadow-agent/shadow/pkg/models"
)

// maxDiffBytes bounds the diff text sent to the metadata model.
const maxDiffBytes = 32 * 1024

const prMetaSystemPrompt = `You write pull-request metadata for changes made by a coding agent. ` +
	`Given the task title, the git diff, and the commit messages, respond with a single JSON object: ` +
	`{"title": string, "description": string, "isDraft": boolean}. ` +
	`The title is imperative and under 72 characters. The description explains what changed and why ` +
	`in Markdown. Set isDraft to true when the task was not completed. Respond with JSON only.`

// workspaceDiff is the collected change set of a variant workspace.
type workspaceDiff struct {
	Diff         string
	Commits      []string
	LinesAdded   int
	LinesRemoved int
	FilesChanged int
	CommitSHA    string
}

// PRMetadataGenerator produces a PullRequestSnapshot from a finished run's
// file changes with one dedicated model call. External PR creation is the
// surrounding application's concern.
type PRMetadataGenerator struct {
	store   sessions.Store
	client  ProviderClient
	modelID string
	logger  *slog.Logger
}

// NewPRMetadataGenerator wires the generator. client is typically built
// with server-side credentials.
func NewPRMetadataGenerator(store sessions.Store, client ProviderClient, modelID string, logger *slog.Logger) *PRMetadataGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &PRMetadataGenerator{
		store:   store,
		client:  client,
		modelID: modelID,
		logger:  logger,
	}
}

// Generate inspects the workspace diff against the task's base branch and,
// when changes exist, records a PullRequestSnapshot on the final assistant
// message. A run without file changes is a no-op.
func (g *PRMetadataGenerator) Generate(ctx context.Context, taskID, workspacePath string, finalMessage *models.ChatMessage, completed bool) error {
	task, err := g.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("agent: load task for pr metadata: %w", err)
	}

	diff, err := collectWorkspaceDiff(ctx, workspacePath, task.BaseBranch)
	if err != nil {
		return fmt.Errorf("agent: collect diff: %w", err)
	}
	if diff.FilesChanged == 0 {
		return nil
	}

	meta, err := g.generateMetadata(ctx, task.Title, diff, completed)
	if err != nil {
		return err
	}

	snap := &models.PullRequestSnapshot{
		Title:        meta.Title,
		Description:  meta.Description,
		IsDraft:      meta.IsDraft,
		LinesAdded:   diff.LinesAdded,
		LinesRemoved: diff.LinesRemoved,
		FilesChanged: diff.FilesChanged,
		CommitSHA:    diff.CommitSHA,
		CreatedAt:    time.Now().UTC(),
	}
	if err := g.store.SavePullRequestSnapshot(ctx, finalMessage.ID, snap); err != nil {
		return &PersistenceError{Op: "save pr snapshot", Err: err}
	}
	finalMessage.PullRequestSnapshot = snap

	g.logger.Info("pr metadata recorded",
		"task_id", taskID,
		"title", meta.Title,
		"files_changed", diff.FilesChanged,
	)
	return nil
}

type prMetadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	IsDraft     bool   `json:"isDraft"`
}

func (g *PRMetadataGenerator) generateMetadata(ctx context.Context, taskTitle string, diff *workspaceDiff, completed bool) (*prMetadata, error) {
	diffText := diff.Diff
	if len(diffText) > maxDiffBytes {
		diffText = diffText[:maxDiffBytes] + "\n...[diff truncated]"
	}

	prompt := fmt.Sprintf(
		"Task: %s\nTask completed: %t\n\nCommit messages:\n%s\n\nDiff:\n```diff\n%s\n```",
		taskTitle, completed, strings.Join(diff.Commits, "\n"), diffText,
	)

	chunks, err := g.client.Stream(ctx, &CompletionRequest{
		Model:  g.modelID,
		System: prMetaSystemPrompt,
		Messages: []PromptMessage{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return nil, chunk.Error
		}
		b.WriteString(chunk.Text)
	}

	meta, err := parsePRMetadata(b.String())
	if err != nil {
		return nil, err
	}
	if meta.Title == "" {
		meta.Title = taskTitle
	}
	if !completed {
		meta.IsDraft = true
	}
	return meta, nil
}

// parsePRMetadata extracts the first JSON object from model output, which
// may be wrapped in prose or a code fence.
func parsePRMetadata(raw string) (*prMetadata, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("agent: no JSON object in pr metadata response")
	}
	var meta prMetadata
	if err := json.Unmarshal([]byte(raw[start:end+1]), &meta); err != nil {
		return nil, fmt.Errorf("agent: parse pr metadata: %w", err)
	}
	return &meta, nil
}

// collectWorkspaceDiff shells out to git inside the variant workspace.
func collectWorkspaceDiff(ctx context.Context, workspacePath, baseBranch string) (*workspaceDiff, error) {
	if baseBranch == "" {
		baseBranch = "main"
	}
	out := &workspaceDiff{}

	diff, err := gitOutput(ctx, workspacePath, "diff", baseBranch, "--")
	if err != nil {
		return nil, err
	}
	out.Diff = diff

	if numstat, err := gitOutput(ctx, workspacePath, "diff", "--numstat", baseBranch, "--"); err == nil {
		for _, line := range strings.Split(numstat, "\n") {
			fields := strings.Fields(line)
			if len(fields) < 3 {
				continue
			}
			if added, err := strconv.Atoi(fields[0]); err == nil {
				out.LinesAdded += added
			}
			if removed, err := strconv.Atoi(fields[1]); err == nil {
				out.LinesRemoved += removed
			}
			out.FilesChanged++
		}
	}

	if log, err := gitOutput(ctx, workspacePath, "log", "--format=%s", baseBranch+"..HEAD"); err == nil {
		for _, line := range strings.Split(log, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				out.Commits = append(out.Commits, line)
			}
		}
	}
	if sha, err := gitOutput(ctx, workspacePath, "rev-parse", "HEAD"); err == nil {
		out.CommitSHA = strings.TrimSpace(sha)
	}

	return out, nil
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
