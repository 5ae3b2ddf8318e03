package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shadow-agent/shadow/internal/agent/contextmgr"
	"github.com/shadow-agent/shadow/internal/catalog"
	"github.com/shadow-agent/shadow/internal/config"
	"github.com/shadow-agent/shadow/internal/sessions"
	"github.com/shadow-agent/shadow/internal/tools"
	"github.com/shadow-agent/shadow/pkg/models"
)

// collectingHub records published parts in order.
type collectingHub struct {
	mu    sync.Mutex
	parts []models.MessagePart
}

func (h *collectingHub) Publish(_, _ string, part models.MessagePart) {
	h.mu.Lock()
	h.parts = append(h.parts, part)
	h.mu.Unlock()
}

func (h *collectingHub) snapshot() []models.MessagePart {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.MessagePart{}, h.parts...)
}

func factoryFor(client ProviderClient) ClientFactory {
	return func(catalog.Provider, APIKeys) (ProviderClient, error) {
		return client, nil
	}
}

type testEnv struct {
	store     *sessions.MemoryStore
	hub       *collectingHub
	orch      *Orchestrator
	taskID    string
	variantID string
}

func newTestEnv(t *testing.T, client ProviderClient) *testEnv {
	t.Helper()
	ctx := context.Background()
	store := sessions.NewMemoryStore()

	task := &models.Task{
		UserID:       "user-1",
		RepoFullName: "acme/widgets",
		BaseBranch:   "main",
		Title:        "Fix the widget",
		Status:       models.TaskRunning,
	}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	variant := &models.Variant{
		TaskID:     task.ID,
		ModelID:    "claude-3-5-haiku-20241022",
		Sequence:   1,
		Status:     models.VariantRunning,
		InitStatus: models.InitActive,
	}
	if err := store.CreateVariant(ctx, variant); err != nil {
		t.Fatalf("create variant: %v", err)
	}

	hub := &collectingHub{}
	contexts := contextmgr.NewManager(store, nil, nil, nil, nil)
	orch := NewOrchestrator(store, hub, contexts, factoryFor(client), nil, nil,
		config.AgentConfig{MaxSteps: 8, PersistEveryParts: 1}, nil, nil)

	return &testEnv{
		store:     store,
		hub:       hub,
		orch:      orch,
		taskID:    task.ID,
		variantID: variant.ID,
	}
}

func (e *testEnv) send(t *testing.T, text string) {
	t.Helper()
	err := e.orch.SendMessage(context.Background(), SendMessageRequest{
		TaskID:    e.taskID,
		VariantID: e.variantID,
		UserID:    "user-1",
		Text:      text,
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
}

func (e *testEnv) assistantMessage(t *testing.T) *models.ChatMessage {
	t.Helper()
	msgs, err := e.store.ListMessages(context.Background(), e.taskID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant {
			return msgs[i]
		}
	}
	t.Fatal("no assistant message")
	return nil
}

func TestRunSingleStepAnswer(t *testing.T) {
	client := &scriptedProvider{scripts: [][]*Chunk{{
		{Text: "Hello!"},
		{Done: true, StopReason: StopReasonEnd, InputTokens: 10, OutputTokens: 5},
	}}}
	env := newTestEnv(t, client)

	env.send(t, "hi")
	env.orch.Wait(env.variantID)

	assistant := env.assistantMessage(t)
	if assistant.Content != "Hello!" {
		t.Fatalf("content = %q", assistant.Content)
	}
	if assistant.FinishReason != models.FinishStop {
		t.Fatalf("finish reason = %q", assistant.FinishReason)
	}
	last := assistant.Parts[len(assistant.Parts)-1]
	if last.Type != models.PartFinish || last.Finish.Reason != models.FinishStop {
		t.Fatalf("last part = %+v", last)
	}
	if assistant.Usage == nil || assistant.Usage.TotalTokens != 15 {
		t.Fatalf("usage = %+v", assistant.Usage)
	}

	task, err := env.store.GetTask(context.Background(), env.taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.TotalTokens != 15 {
		t.Fatalf("task tokens = %d, want 15", task.TotalTokens)
	}
	if state := env.orch.State(env.variantID); state != RunIdle {
		t.Fatalf("state = %s, want %s", state, RunIdle)
	}

	// The hub saw every part including the terminal finish.
	published := env.hub.snapshot()
	if len(published) == 0 || !published[len(published)-1].IsTerminal() {
		t.Fatalf("published parts = %v", partTypes(published))
	}
}

func TestRunToolLoop(t *testing.T) {
	args := json.RawMessage(`{"value":"ping"}`)
	client := &scriptedProvider{scripts: [][]*Chunk{
		{
			{ToolCall: &PromptToolCall{ID: "call_1", Name: "echo", Args: args}},
			{Done: true, StopReason: StopReasonToolUse, InputTokens: 20, OutputTokens: 8},
		},
		{
			{Text: "All done."},
			{Done: true, StopReason: StopReasonEnd, InputTokens: 30, OutputTokens: 6},
		},
	}}
	env := newTestEnv(t, client)

	registry := newEchoRegistry(t)
	executor := tools.NewExecutor(registry, env.store, 0, nil, nil)
	env.orch.RegisterRuntime(env.variantID, &VariantRuntime{
		WorkspacePath: t.TempDir(),
		Executor:      executor,
	})

	env.send(t, "run the tool")
	env.orch.Wait(env.variantID)

	assistant := env.assistantMessage(t)
	if assistant.FinishReason != models.FinishStop {
		t.Fatalf("finish reason = %q", assistant.FinishReason)
	}

	var sawCall, sawResult bool
	for _, part := range assistant.Parts {
		switch part.Type {
		case models.PartToolCall:
			sawCall = true
		case models.PartToolResult:
			sawResult = true
			if part.ToolResult.ID != "call_1" || part.ToolResult.IsError {
				t.Fatalf("tool result = %+v", part.ToolResult)
			}
			if string(part.ToolResult.Result) != string(args) {
				t.Fatalf("tool result content = %s", part.ToolResult.Result)
			}
		}
	}
	if !sawCall || !sawResult {
		t.Fatalf("parts = %v, want tool-call and tool-result", partTypes(assistant.Parts))
	}

	if client.callCount() != 2 {
		t.Fatalf("provider calls = %d, want 2", client.callCount())
	}
	// The second step saw the tool turn appended to the conversation.
	client.mu.Lock()
	secondStep := client.calls[1]
	client.mu.Unlock()
	n := len(secondStep.Messages)
	if n < 3 {
		t.Fatalf("second step messages = %d, want conversation plus tool turns", n)
	}
	if len(secondStep.Messages[n-2].ToolCalls) != 1 || len(secondStep.Messages[n-1].ToolResults) != 1 {
		t.Fatalf("tool turns = %+v", secondStep.Messages[n-2:])
	}

	// Cumulative usage across both steps.
	if assistant.Usage.TotalTokens != 64 {
		t.Fatalf("usage = %+v", assistant.Usage)
	}
}

// haltingProvider emits one text chunk, then blocks until cancellation.
type haltingProvider struct {
	started chan struct{}
	once    sync.Once
}

func (p *haltingProvider) Name() string { return "halting" }

func (p *haltingProvider) Stream(ctx context.Context, _ *CompletionRequest) (<-chan *Chunk, error) {
	ch := make(chan *Chunk, 2)
	go func() {
		defer close(ch)
		ch <- &Chunk{Text: "working on it"}
		p.once.Do(func() { close(p.started) })
		<-ctx.Done()
		ch <- &Chunk{Error: ctx.Err()}
	}()
	return ch, nil
}

func TestRunCancellation(t *testing.T) {
	client := &haltingProvider{started: make(chan struct{})}
	env := newTestEnv(t, client)

	env.send(t, "take your time")

	select {
	case <-client.started:
	case <-time.After(2 * time.Second):
		t.Fatal("run never started streaming")
	}

	// A second message on the same variant is rejected while running.
	err := env.orch.SendMessage(context.Background(), SendMessageRequest{
		TaskID:    env.taskID,
		VariantID: env.variantID,
		UserID:    "user-1",
		Text:      "again",
	})
	if !errors.Is(err, ErrRunActive) {
		t.Fatalf("concurrent SendMessage err = %v, want ErrRunActive", err)
	}

	if err := env.orch.StopStream(env.variantID); err != nil {
		t.Fatalf("StopStream: %v", err)
	}
	env.orch.Wait(env.variantID)

	if state := env.orch.State(env.variantID); state != RunStopped {
		t.Fatalf("state = %s, want %s", state, RunStopped)
	}

	assistant := env.assistantMessage(t)
	if assistant.FinishReason != models.FinishCancelled {
		t.Fatalf("finish reason = %q, want %q", assistant.FinishReason, models.FinishCancelled)
	}
	if assistant.StoppedBy != "USER" {
		t.Fatalf("stopped by = %q", assistant.StoppedBy)
	}
	// Parts streamed before the stop survive.
	if assistant.Content != "working on it" {
		t.Fatalf("content = %q", assistant.Content)
	}

	variant, err := env.store.GetVariant(context.Background(), env.variantID)
	if err != nil {
		t.Fatalf("get variant: %v", err)
	}
	if variant.Status != models.VariantStopped {
		t.Fatalf("variant status = %s, want %s", variant.Status, models.VariantStopped)
	}
}

func TestSendMessageRequiresActiveInit(t *testing.T) {
	client := &scriptedProvider{}
	env := newTestEnv(t, client)

	if err := env.store.UpdateVariantInit(context.Background(), env.variantID, models.InitIndexRepository, ""); err != nil {
		t.Fatalf("update init: %v", err)
	}

	err := env.orch.SendMessage(context.Background(), SendMessageRequest{
		TaskID:    env.taskID,
		VariantID: env.variantID,
		UserID:    "user-1",
		Text:      "hi",
	})
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
}

// blockedChecker reports a blocking background job for every task.
type blockedChecker struct{}

func (blockedChecker) Ready(string) (bool, error) { return false, nil }

func TestSendMessageGatedByBackgroundJobs(t *testing.T) {
	client := &scriptedProvider{}
	env := newTestEnv(t, client)
	env.orch.ready = blockedChecker{}

	err := env.orch.SendMessage(context.Background(), SendMessageRequest{
		TaskID:    env.taskID,
		VariantID: env.variantID,
		UserID:    "user-1",
		Text:      "hi",
	})
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
}
