package sessions

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shadow-agent/shadow/pkg/models"
)

// MemoryStore is an in-memory Store implementation used in tests and
// single-process development setups. It mirrors the Postgres store's
// semantics, including sequence allocation on AppendMessage.
type MemoryStore struct {
	mu             sync.RWMutex
	tasks          map[string]*models.Task
	variants       map[string]*models.Variant
	messages       map[string]*models.ChatMessage
	messageOrder   map[string][]string // taskID -> message IDs in sequence order
	nextSequence   map[string]int64
	toolCalls      map[string]*models.ToolCall // keyed by tool_call_id
	todos          map[string][]models.Todo
	understandings map[string]*models.CodebaseUnderstanding
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:          make(map[string]*models.Task),
		variants:       make(map[string]*models.Variant),
		messages:       make(map[string]*models.ChatMessage),
		messageOrder:   make(map[string][]string),
		nextSequence:   make(map[string]int64),
		toolCalls:      make(map[string]*models.ToolCall),
		todos:          make(map[string][]models.Todo),
		understandings: make(map[string]*models.CodebaseUnderstanding),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateTask(_ context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	cloned := *task
	s.tasks[task.ID] = &cloned
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cloned := *task
	return &cloned, nil
}

func (s *MemoryStore) UpdateTaskStatus(_ context.Context, taskID string, status models.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AddTaskTokens(_ context.Context, taskID string, tokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	task.TotalTokens += tokens
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetTaskPullRequest(_ context.Context, taskID string, prNumber int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	task.PullRequestNumber = prNumber
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CreateVariant(_ context.Context, v *models.Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	cloned := *v
	s.variants[v.ID] = &cloned
	return nil
}

func (s *MemoryStore) GetVariant(_ context.Context, variantID string) (*models.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.variants[variantID]
	if !ok {
		return nil, ErrNotFound
	}
	cloned := *v
	return &cloned, nil
}

func (s *MemoryStore) ListVariants(_ context.Context, taskID string) ([]*models.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.Variant{}
	for _, v := range s.variants {
		if v.TaskID == taskID {
			cloned := *v
			out = append(out, &cloned)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemoryStore) UpdateVariantStatus(_ context.Context, variantID string, status models.VariantStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variants[variantID]
	if !ok {
		return ErrNotFound
	}
	v.Status = status
	v.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateVariantInit(_ context.Context, variantID string, initStatus models.InitStatus, initError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variants[variantID]
	if !ok {
		return ErrNotFound
	}
	v.InitStatus = initStatus
	v.InitError = initError
	v.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) VariantsForPullRequest(_ context.Context, repoFullName string, prNumber int) ([]*models.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.Variant{}
	for _, v := range s.variants {
		task, ok := s.tasks[v.TaskID]
		if !ok {
			continue
		}
		if task.RepoFullName == repoFullName && task.PullRequestNumber == prNumber {
			cloned := *v
			out = append(out, &cloned)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg *models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.nextSequence[msg.TaskID]++
	msg.Sequence = s.nextSequence[msg.TaskID]
	cloned := cloneMessage(msg)
	s.messages[msg.ID] = cloned
	s.messageOrder[msg.TaskID] = append(s.messageOrder[msg.TaskID], msg.ID)
	return nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, msg *models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.messages[msg.ID]
	if !ok {
		return ErrNotFound
	}
	cloned := cloneMessage(msg)
	cloned.Sequence = existing.Sequence
	cloned.CreatedAt = existing.CreatedAt
	s.messages[msg.ID] = cloned
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, taskID string) ([]*models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ChatMessage, 0, len(s.messageOrder[taskID]))
	for _, id := range s.messageOrder[taskID] {
		out = append(out, cloneMessage(s.messages[id]))
	}
	return out, nil
}

func (s *MemoryStore) ListVariantMessages(_ context.Context, taskID, variantID string) ([]*models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.ChatMessage{}
	for _, id := range s.messageOrder[taskID] {
		msg := s.messages[id]
		if msg.VariantID == variantID || msg.VariantID == "" {
			out = append(out, cloneMessage(msg))
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveCompressedVersion(_ context.Context, messageID string, level models.CompressionLevel, version models.CompressedVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	if msg.CompressedVersions == nil {
		msg.CompressedVersions = map[models.CompressionLevel]models.CompressedVersion{}
	}
	msg.CompressedVersions[level] = version
	return nil
}

func (s *MemoryStore) SavePullRequestSnapshot(_ context.Context, messageID string, snap *models.PullRequestSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	cloned := *snap
	msg.PullRequestSnapshot = &cloned
	return nil
}

func (s *MemoryStore) CreateToolCall(_ context.Context, call *models.ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}
	cloned := *call
	s.toolCalls[call.ToolCallID] = &cloned
	return nil
}

func (s *MemoryStore) UpdateToolCall(_ context.Context, toolCallID string, status models.ToolStatus, result json.RawMessage, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.toolCalls[toolCallID]
	if !ok {
		return ErrNotFound
	}
	call.Status = status
	call.Result = result
	call.Error = errMsg
	now := time.Now().UTC()
	call.CompletedAt = &now
	return nil
}

func (s *MemoryStore) GetTodos(_ context.Context, taskID string) ([]models.Todo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Todo{}, s.todos[taskID]...), nil
}

func (s *MemoryStore) SetTodos(_ context.Context, taskID string, todos []models.Todo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.todos[taskID] = append([]models.Todo{}, todos...)
	return nil
}

func (s *MemoryStore) GetUnderstanding(_ context.Context, repoFullName string) (*models.CodebaseUnderstanding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.understandings[repoFullName]
	if !ok {
		return nil, ErrNotFound
	}
	cloned := *u
	return &cloned, nil
}

func (s *MemoryStore) SaveUnderstanding(_ context.Context, u *models.CodebaseUnderstanding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	cloned := *u
	s.understandings[u.RepoFullName] = &cloned
	return nil
}

func cloneMessage(msg *models.ChatMessage) *models.ChatMessage {
	cloned := *msg
	if msg.Parts != nil {
		cloned.Parts = append([]models.MessagePart{}, msg.Parts...)
	}
	if msg.CompressedVersions != nil {
		cv := make(map[models.CompressionLevel]models.CompressedVersion, len(msg.CompressedVersions))
		for k, v := range msg.CompressedVersions {
			cv[k] = v
		}
		cloned.CompressedVersions = cv
	}
	if msg.Usage != nil {
		usage := *msg.Usage
		cloned.Usage = &usage
	}
	if msg.PullRequestSnapshot != nil {
		snap := *msg.PullRequestSnapshot
		cloned.PullRequestSnapshot = &snap
	}
	return &cloned
}
