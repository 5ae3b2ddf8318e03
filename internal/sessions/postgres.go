package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/shadow-agent/shadow/pkg/models"
)

// PostgresStore implements Store on Postgres via database/sql.
type PostgresStore struct {
	db *sql.DB

	// appendRetries/appendBackoff bound the retry loop on transient
	// message-append failures.
	appendRetries int
	appendBackoff time.Duration

	// Prepared statements for hot paths.
	stmtGetTask        *sql.Stmt
	stmtGetVariant     *sql.Stmt
	stmtUpdateMessage  *sql.Stmt
	stmtCreateToolCall *sql.Stmt
	stmtUpdateToolCall *sql.Stmt
}

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration

	// AppendRetries bounds retry attempts on transient append failures.
	AppendRetries int
	// AppendBackoff is the base delay between append retries.
	AppendBackoff time.Duration
}

// DefaultPostgresConfig returns default pool settings.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
		AppendRetries:   3,
		AppendBackoff:   50 * time.Millisecond,
	}
}

// NewPostgresStore opens a Postgres connection, verifies it, and prepares
// statements. The caller is expected to have run migrations.
func NewPostgresStore(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sessions: dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sessions: open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessions: ping database: %w", err)
	}

	store, err := NewPostgresStoreFromDB(db, config)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreFromDB wraps an existing connection (used by tests with
// sqlmock and by components sharing one pool).
func NewPostgresStoreFromDB(db *sql.DB, config *PostgresConfig) (*PostgresStore, error) {
	if config == nil {
		config = DefaultPostgresConfig()
	}
	s := &PostgresStore{db: db}
	s.appendRetries = config.AppendRetries
	s.appendBackoff = config.AppendBackoff
	if err := s.prepareStatements(); err != nil {
		return nil, fmt.Errorf("sessions: prepare statements: %w", err)
	}
	return s, nil
}

// DB exposes the underlying connection for related stores (rag, locker).
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) prepareStatements() error {
	var err error

	s.stmtGetTask, err = s.db.Prepare(`
		SELECT id, user_id, repo_full_name, repo_url, base_branch, base_commit_sha,
		       title, status, total_tokens, COALESCE(pull_request_number, 0), created_at, updated_at
		FROM tasks WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}

	s.stmtGetVariant, err = s.db.Prepare(`
		SELECT id, task_id, model_id, sequence, shadow_branch, status, init_status,
		       COALESCE(init_error, ''), workspace_path, created_at, updated_at
		FROM variants WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("get variant: %w", err)
	}

	s.stmtUpdateMessage, err = s.db.Prepare(`
		UPDATE chat_messages
		SET content = $1, parts = $2, usage = $3, finish_reason = $4, stopped_by = $5,
		    active_compression_level = $6, pull_request_snapshot = $7
		WHERE id = $8
	`)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}

	s.stmtCreateToolCall, err = s.db.Prepare(`
		INSERT INTO tool_calls (id, tool_call_id, task_id, message_id, name, args, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	if err != nil {
		return fmt.Errorf("create tool call: %w", err)
	}

	s.stmtUpdateToolCall, err = s.db.Prepare(`
		UPDATE tool_calls SET status = $1, result = $2, error = $3, completed_at = $4
		WHERE tool_call_id = $5
	`)
	if err != nil {
		return fmt.Errorf("update tool call: %w", err)
	}

	return nil
}

// Close closes prepared statements and the connection.
func (s *PostgresStore) Close() error {
	for _, stmt := range []*sql.Stmt{
		s.stmtGetTask, s.stmtGetVariant, s.stmtUpdateMessage,
		s.stmtCreateToolCall, s.stmtUpdateToolCall,
	} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}

// CreateTask inserts a task.
func (s *PostgresStore) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, user_id, repo_full_name, repo_url, base_branch, base_commit_sha,
		                   title, status, total_tokens, pull_request_number, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, 0), $11, $12)
	`,
		task.ID, task.UserID, task.RepoFullName, task.RepoURL, task.BaseBranch,
		task.BaseCommitSHA, task.Title, task.Status, task.TotalTokens,
		task.PullRequestNumber, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sessions: create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by id.
func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	task := &models.Task{}
	err := s.stmtGetTask.QueryRowContext(ctx, taskID).Scan(
		&task.ID, &task.UserID, &task.RepoFullName, &task.RepoURL, &task.BaseBranch,
		&task.BaseCommitSHA, &task.Title, &task.Status, &task.TotalTokens,
		&task.PullRequestNumber, &task.CreatedAt, &task.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: get task: %w", err)
	}
	return task, nil
}

// UpdateTaskStatus sets a task's lifecycle status.
func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("sessions: update task status: %w", err)
	}
	return requireRow(res, "task", taskID)
}

// AddTaskTokens increments the task's total token counter.
func (s *PostgresStore) AddTaskTokens(ctx context.Context, taskID string, tokens int) error {
	if tokens == 0 {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET total_tokens = total_tokens + $1, updated_at = $2 WHERE id = $3`,
		tokens, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("sessions: add task tokens: %w", err)
	}
	return requireRow(res, "task", taskID)
}

// SetTaskPullRequest records the PR number opened for a task.
func (s *PostgresStore) SetTaskPullRequest(ctx context.Context, taskID string, prNumber int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET pull_request_number = $1, updated_at = $2 WHERE id = $3`,
		prNumber, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("sessions: set task pull request: %w", err)
	}
	return requireRow(res, "task", taskID)
}

// CreateVariant inserts a variant.
func (s *PostgresStore) CreateVariant(ctx context.Context, v *models.Variant) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO variants (id, task_id, model_id, sequence, shadow_branch, status,
		                      init_status, init_error, workspace_path, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		v.ID, v.TaskID, v.ModelID, v.Sequence, v.ShadowBranch, v.Status,
		v.InitStatus, v.InitError, v.WorkspacePath, v.CreatedAt, v.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sessions: create variant: %w", err)
	}
	return nil
}

// GetVariant retrieves a variant by id.
func (s *PostgresStore) GetVariant(ctx context.Context, variantID string) (*models.Variant, error) {
	v := &models.Variant{}
	err := s.stmtGetVariant.QueryRowContext(ctx, variantID).Scan(
		&v.ID, &v.TaskID, &v.ModelID, &v.Sequence, &v.ShadowBranch, &v.Status,
		&v.InitStatus, &v.InitError, &v.WorkspacePath, &v.CreatedAt, &v.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: variant %s", ErrNotFound, variantID)
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: get variant: %w", err)
	}
	return v, nil
}

// ListVariants returns a task's variants ordered by sequence.
func (s *PostgresStore) ListVariants(ctx context.Context, taskID string) ([]*models.Variant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, model_id, sequence, shadow_branch, status, init_status,
		       COALESCE(init_error, ''), workspace_path, created_at, updated_at
		FROM variants WHERE task_id = $1 ORDER BY sequence
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("sessions: list variants: %w", err)
	}
	defer rows.Close()
	return scanVariants(rows)
}

// UpdateVariantStatus sets a variant's run status.
func (s *PostgresStore) UpdateVariantStatus(ctx context.Context, variantID string, status models.VariantStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE variants SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), variantID)
	if err != nil {
		return fmt.Errorf("sessions: update variant status: %w", err)
	}
	return requireRow(res, "variant", variantID)
}

// UpdateVariantInit records initialization progress.
func (s *PostgresStore) UpdateVariantInit(ctx context.Context, variantID string, initStatus models.InitStatus, initError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE variants SET init_status = $1, init_error = $2, updated_at = $3 WHERE id = $4`,
		initStatus, initError, time.Now().UTC(), variantID)
	if err != nil {
		return fmt.Errorf("sessions: update variant init: %w", err)
	}
	return requireRow(res, "variant", variantID)
}

// VariantsForPullRequest finds variants whose task matches the repo and PR.
func (s *PostgresStore) VariantsForPullRequest(ctx context.Context, repoFullName string, prNumber int) ([]*models.Variant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.id, v.task_id, v.model_id, v.sequence, v.shadow_branch, v.status, v.init_status,
		       COALESCE(v.init_error, ''), v.workspace_path, v.created_at, v.updated_at
		FROM variants v
		JOIN tasks t ON t.id = v.task_id
		WHERE t.repo_full_name = $1 AND t.pull_request_number = $2
		ORDER BY v.sequence
	`, repoFullName, prNumber)
	if err != nil {
		return nil, fmt.Errorf("sessions: variants for pull request: %w", err)
	}
	defer rows.Close()
	return scanVariants(rows)
}

func scanVariants(rows *sql.Rows) ([]*models.Variant, error) {
	var out []*models.Variant
	for rows.Next() {
		v := &models.Variant{}
		if err := rows.Scan(
			&v.ID, &v.TaskID, &v.ModelID, &v.Sequence, &v.ShadowBranch, &v.Status,
			&v.InitStatus, &v.InitError, &v.WorkspacePath, &v.CreatedAt, &v.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("sessions: scan variant: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessions: iterate variants: %w", err)
	}
	return out, nil
}

// AppendMessage inserts a message, allocating the next task sequence inside
// the insert itself. A concurrent append for the same task can collide on
// the (task_id, sequence) unique constraint; those collisions and
// serialization failures are retried with bounded backoff.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.ChatMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.ActiveCompressionLevel == "" {
		msg.ActiveCompressionLevel = models.CompressionNone
	}

	partsJSON, usageJSON, versionsJSON, snapJSON, err := marshalMessageJSON(msg)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= s.appendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.appendBackoff * time.Duration(attempt)):
			}
		}

		err := s.db.QueryRowContext(ctx, `
			INSERT INTO chat_messages (id, task_id, variant_id, role, content, parts, sequence,
			                           model_id, usage, finish_reason, stopped_by,
			                           active_compression_level, compressed_versions,
			                           pull_request_snapshot, created_at)
			SELECT $1, $2, $3, $4, $5, $6,
			       COALESCE(MAX(sequence), 0) + 1,
			       $7, $8, $9, $10, $11, $12, $13, $14
			FROM chat_messages WHERE task_id = $2
			RETURNING sequence
		`,
			msg.ID, msg.TaskID, msg.VariantID, msg.Role, msg.Content, partsJSON,
			msg.ModelID, usageJSON, string(msg.FinishReason), msg.StoppedBy,
			msg.ActiveCompressionLevel, versionsJSON, snapJSON, msg.CreatedAt,
		).Scan(&msg.Sequence)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableSQL(err) {
			break
		}
	}
	return fmt.Errorf("sessions: append message: %w", lastErr)
}

// UpdateMessage rewrites a streamed message's mutable columns. Sequence and
// role never change after insert.
func (s *PostgresStore) UpdateMessage(ctx context.Context, msg *models.ChatMessage) error {
	partsJSON, usageJSON, _, snapJSON, err := marshalMessageJSON(msg)
	if err != nil {
		return err
	}
	res, err := s.stmtUpdateMessage.ExecContext(ctx,
		msg.Content, partsJSON, usageJSON, string(msg.FinishReason), msg.StoppedBy,
		msg.ActiveCompressionLevel, snapJSON, msg.ID,
	)
	if err != nil {
		return fmt.Errorf("sessions: update message: %w", err)
	}
	return requireRow(res, "message", msg.ID)
}

// ListMessages returns all of a task's messages ordered by (sequence, created_at).
func (s *PostgresStore) ListMessages(ctx context.Context, taskID string) ([]*models.ChatMessage, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM chat_messages WHERE task_id = $1
		ORDER BY sequence, created_at
	`, taskID)
}

// ListVariantMessages returns one variant's messages in order.
func (s *PostgresStore) ListVariantMessages(ctx context.Context, taskID, variantID string) ([]*models.ChatMessage, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM chat_messages WHERE task_id = $1 AND variant_id = $2
		ORDER BY sequence, created_at
	`, taskID, variantID)
}

const messageColumns = `id, task_id, variant_id, role, content, parts, sequence,
	COALESCE(model_id, ''), usage, COALESCE(finish_reason, ''), COALESCE(stopped_by, ''),
	active_compression_level, compressed_versions, pull_request_snapshot, created_at`

func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...any) ([]*models.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sessions: list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.ChatMessage
	for rows.Next() {
		msg := &models.ChatMessage{}
		var partsJSON, usageJSON, versionsJSON, snapJSON []byte
		var finishReason string
		if err := rows.Scan(
			&msg.ID, &msg.TaskID, &msg.VariantID, &msg.Role, &msg.Content, &partsJSON,
			&msg.Sequence, &msg.ModelID, &usageJSON, &finishReason, &msg.StoppedBy,
			&msg.ActiveCompressionLevel, &versionsJSON, &snapJSON, &msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("sessions: scan message: %w", err)
		}
		msg.FinishReason = models.FinishReason(finishReason)
		if err := unmarshalMessageJSON(msg, partsJSON, usageJSON, versionsJSON, snapJSON); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessions: iterate messages: %w", err)
	}
	return out, nil
}

// SaveCompressedVersion stores one summary level atomically via a JSONB merge.
func (s *PostgresStore) SaveCompressedVersion(ctx context.Context, messageID string, level models.CompressionLevel, version models.CompressedVersion) error {
	versionJSON, err := json.Marshal(version)
	if err != nil {
		return fmt.Errorf("sessions: marshal compressed version: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_messages
		SET compressed_versions = COALESCE(compressed_versions, '{}'::jsonb) || jsonb_build_object($1::text, $2::jsonb)
		WHERE id = $3
	`, string(level), versionJSON, messageID)
	if err != nil {
		return fmt.Errorf("sessions: save compressed version: %w", err)
	}
	return requireRow(res, "message", messageID)
}

// SavePullRequestSnapshot attaches PR metadata to the final assistant message.
func (s *PostgresStore) SavePullRequestSnapshot(ctx context.Context, messageID string, snap *models.PullRequestSnapshot) error {
	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("sessions: marshal pr snapshot: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_messages SET pull_request_snapshot = $1 WHERE id = $2`,
		snapJSON, messageID)
	if err != nil {
		return fmt.Errorf("sessions: save pr snapshot: %w", err)
	}
	return requireRow(res, "message", messageID)
}

// CreateToolCall writes a tool-call row before the tool executes.
func (s *PostgresStore) CreateToolCall(ctx context.Context, call *models.ToolCall) error {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}
	_, err := s.stmtCreateToolCall.ExecContext(ctx,
		call.ID, call.ToolCallID, call.TaskID, call.MessageID,
		call.Name, []byte(call.Args), call.Status, call.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sessions: create tool call: %w", err)
	}
	return nil
}

// UpdateToolCall records a tool call's terminal outcome.
func (s *PostgresStore) UpdateToolCall(ctx context.Context, toolCallID string, status models.ToolStatus, result json.RawMessage, errMsg string) error {
	res, err := s.stmtUpdateToolCall.ExecContext(ctx,
		status, []byte(result), errMsg, time.Now().UTC(), toolCallID,
	)
	if err != nil {
		return fmt.Errorf("sessions: update tool call: %w", err)
	}
	return requireRow(res, "tool call", toolCallID)
}

// GetTodos loads the task todo list.
func (s *PostgresStore) GetTodos(ctx context.Context, taskID string) ([]models.Todo, error) {
	var todosJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT todos FROM task_todos WHERE task_id = $1`, taskID).Scan(&todosJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: get todos: %w", err)
	}
	var todos []models.Todo
	if len(todosJSON) > 0 {
		if err := json.Unmarshal(todosJSON, &todos); err != nil {
			return nil, fmt.Errorf("sessions: unmarshal todos: %w", err)
		}
	}
	return todos, nil
}

// SetTodos replaces the task todo list.
func (s *PostgresStore) SetTodos(ctx context.Context, taskID string, todos []models.Todo) error {
	todosJSON, err := json.Marshal(todos)
	if err != nil {
		return fmt.Errorf("sessions: marshal todos: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_todos (task_id, todos, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (task_id) DO UPDATE SET todos = EXCLUDED.todos, updated_at = EXCLUDED.updated_at
	`, taskID, todosJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sessions: set todos: %w", err)
	}
	return nil
}

// GetUnderstanding loads the codebase wiki record for a repo.
func (s *PostgresStore) GetUnderstanding(ctx context.Context, repoFullName string) (*models.CodebaseUnderstanding, error) {
	u := &models.CodebaseUnderstanding{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, repo_full_name, summary, file_count, generated_at
		FROM codebase_understandings WHERE repo_full_name = $1
	`, repoFullName).Scan(&u.ID, &u.RepoFullName, &u.Summary, &u.FileCount, &u.GeneratedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: understanding for %s", ErrNotFound, repoFullName)
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: get understanding: %w", err)
	}
	return u, nil
}

// SaveUnderstanding upserts the wiki record for a repo.
func (s *PostgresStore) SaveUnderstanding(ctx context.Context, u *models.CodebaseUnderstanding) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.GeneratedAt.IsZero() {
		u.GeneratedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO codebase_understandings (id, repo_full_name, summary, file_count, generated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (repo_full_name) DO UPDATE
		SET summary = EXCLUDED.summary, file_count = EXCLUDED.file_count, generated_at = EXCLUDED.generated_at
	`, u.ID, u.RepoFullName, u.Summary, u.FileCount, u.GeneratedAt)
	if err != nil {
		return fmt.Errorf("sessions: save understanding: %w", err)
	}
	return nil
}

func marshalMessageJSON(msg *models.ChatMessage) (parts, usage, versions, snap []byte, err error) {
	parts, err = json.Marshal(msg.Parts)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("sessions: marshal parts: %w", err)
	}
	if msg.Usage != nil {
		usage, err = json.Marshal(msg.Usage)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("sessions: marshal usage: %w", err)
		}
	}
	versions, err = json.Marshal(msg.CompressedVersions)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("sessions: marshal compressed versions: %w", err)
	}
	if msg.PullRequestSnapshot != nil {
		snap, err = json.Marshal(msg.PullRequestSnapshot)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("sessions: marshal pr snapshot: %w", err)
		}
	}
	return parts, usage, versions, snap, nil
}

func unmarshalMessageJSON(msg *models.ChatMessage, parts, usage, versions, snap []byte) error {
	if len(parts) > 0 && string(parts) != "null" {
		if err := json.Unmarshal(parts, &msg.Parts); err != nil {
			return fmt.Errorf("sessions: unmarshal parts: %w", err)
		}
	}
	if len(usage) > 0 && string(usage) != "null" {
		msg.Usage = &models.Usage{}
		if err := json.Unmarshal(usage, msg.Usage); err != nil {
			return fmt.Errorf("sessions: unmarshal usage: %w", err)
		}
	}
	if len(versions) > 0 && string(versions) != "null" {
		if err := json.Unmarshal(versions, &msg.CompressedVersions); err != nil {
			return fmt.Errorf("sessions: unmarshal compressed versions: %w", err)
		}
	}
	if len(snap) > 0 && string(snap) != "null" {
		msg.PullRequestSnapshot = &models.PullRequestSnapshot{}
		if err := json.Unmarshal(snap, msg.PullRequestSnapshot); err != nil {
			return fmt.Errorf("sessions: unmarshal pr snapshot: %w", err)
		}
	}
	return nil
}

func requireRow(res sql.Result, kind, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sessions: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return nil
}

// isRetryableSQL reports whether an append failure is worth retrying:
// unique-constraint collisions on the sequence allocation and Postgres
// serialization/deadlock aborts.
func isRetryableSQL(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "40001") ||
		strings.Contains(msg, "40P01") ||
		strings.Contains(msg, "deadlock")
}
