package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shadow-agent/shadow/internal/agent/contextmgr"
	"github.com/shadow-agent/shadow/internal/catalog"
	"github.com/shadow-agent/shadow/internal/config"
	"github.com/shadow-agent/shadow/internal/observability"
	"github.com/shadow-agent/shadow/internal/sessions"
	"github.com/shadow-agent/shadow/internal/tools"
	"github.com/shadow-agent/shadow/pkg/models"
)

// RunState is the per-variant run lifecycle.
type RunState string

const (
	RunIdle     RunState = "IDLE"
	RunRunning  RunState = "RUNNING"
	RunStopping RunState = "STOPPING"
	RunStopped  RunState = "STOPPED"
	RunFailed   RunState = "FAILED"
)

// APIKeys carries the per-request provider credentials from the gateway's
// cookie envelope. Empty fields fall back to server-side keys.
type APIKeys struct {
	Anthropic string
	OpenAI    string
}

// ClientFactory builds a provider client for a model family. Injected so
// the orchestrator stays independent of SDK adapters.
type ClientFactory func(provider catalog.Provider, keys APIKeys) (ProviderClient, error)

// Publisher is the hub-facing side of a run: every emitted part is fanned
// out to subscribers in emission order.
type Publisher interface {
	Publish(taskID, variantID string, part models.MessagePart)
}

// ReadyChecker gates message acceptance on blocking background jobs.
type ReadyChecker interface {
	Ready(taskID string) (bool, error)
}

// VariantRuntime is the per-variant execution environment registered when a
// workspace is prepared.
type VariantRuntime struct {
	WorkspacePath string
	Executor      *tools.Executor
}

// SendMessageRequest starts one run.
type SendMessageRequest struct {
	TaskID    string
	VariantID string
	UserID    string
	Text      string
	ModelID   string
	Keys      APIKeys

	// EnableTools defaults to true; tests disable it.
	DisableTools bool
}

// Orchestrator owns the per-variant run state machines. At most one run is
// active per variant; parts are appended to the assistant message in
// emission order and persisted on a debounced cadence.
type Orchestrator struct {
	store    sessions.Store
	hub      Publisher
	contexts *contextmgr.Manager
	clients  ClientFactory
	ready    ReadyChecker
	prGen    *PRMetadataGenerator
	cfg      config.AgentConfig
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu       sync.Mutex
	runs     map[string]*run            // keyed by variantID
	runtimes map[string]*VariantRuntime // keyed by variantID
}

type run struct {
	state  RunState
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOrchestrator wires the orchestrator. ready and prGen may be nil.
func NewOrchestrator(store sessions.Store, hub Publisher, contexts *contextmgr.Manager, clients ClientFactory, ready ReadyChecker, prGen *PRMetadataGenerator, cfg config.AgentConfig, logger *slog.Logger, metrics *observability.Metrics) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.PersistEveryParts <= 0 {
		cfg.PersistEveryParts = 20
	}
	return &Orchestrator{
		store:    store,
		hub:      hub,
		contexts: contexts,
		clients:  clients,
		ready:    ready,
		prGen:    prGen,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		runs:     make(map[string]*run),
		runtimes: make(map[string]*VariantRuntime),
	}
}

// RegisterRuntime attaches a prepared workspace and executor to a variant.
func (o *Orchestrator) RegisterRuntime(variantID string, rt *VariantRuntime) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runtimes[variantID] = rt
}

// Runtime returns a variant's execution environment, if registered.
func (o *Orchestrator) Runtime(variantID string) (*VariantRuntime, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rt, ok := o.runtimes[variantID]
	return rt, ok
}

// State reports a variant's run state.
func (o *Orchestrator) State(variantID string) RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.runs[variantID]; ok {
		return r.state
	}
	return RunIdle
}

// SendMessage persists the user message, assembles context, and starts the
// run. It returns once the run goroutine is launched; parts flow through
// the hub.
func (o *Orchestrator) SendMessage(ctx context.Context, req SendMessageRequest) error {
	variant, err := o.store.GetVariant(ctx, req.VariantID)
	if err != nil {
		return fmt.Errorf("agent: load variant: %w", err)
	}
	if variant.TaskID != req.TaskID {
		return fmt.Errorf("agent: variant %s does not belong to task %s", req.VariantID, req.TaskID)
	}
	if variant.InitStatus != models.InitActive {
		return ErrNotReady
	}
	if o.ready != nil {
		ok, err := o.ready.Ready(req.TaskID)
		if err == nil && !ok {
			return ErrNotReady
		}
	}

	modelID := req.ModelID
	if modelID == "" {
		modelID = variant.ModelID
	}
	model, err := catalog.Resolve(modelID)
	if err != nil {
		return err
	}
	client, err := o.clients(model.Provider, req.Keys)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if existing, ok := o.runs[req.VariantID]; ok && (existing.state == RunRunning || existing.state == RunStopping) {
		o.mu.Unlock()
		return ErrRunActive
	}
	var runCtx context.Context
	var cancel context.CancelFunc
	if o.cfg.MaxWallTime > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), o.cfg.MaxWallTime)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}
	r := &run{state: RunRunning, cancel: cancel, done: make(chan struct{})}
	o.runs[req.VariantID] = r
	rt := o.runtimes[req.VariantID]
	o.mu.Unlock()

	userMsg := &models.ChatMessage{
		TaskID:    req.TaskID,
		VariantID: req.VariantID,
		Role:      models.RoleUser,
		Content:   req.Text,
	}
	if err := o.store.AppendMessage(ctx, userMsg); err != nil {
		o.finishRun(req.VariantID, RunFailed)
		cancel()
		return &PersistenceError{Op: "append user message", Err: err}
	}

	if err := o.store.UpdateVariantStatus(ctx, req.VariantID, models.VariantRunning); err != nil {
		o.logger.Warn("variant status update failed", "variant_id", req.VariantID, "error", err)
	}

	if o.metrics != nil {
		o.metrics.ActiveRuns.Inc()
	}
	go o.runLoop(runCtx, r, req, model, client, rt)
	return nil
}

// StopStream requests cancellation of a variant's active run.
func (o *Orchestrator) StopStream(variantID string) error {
	o.mu.Lock()
	r, ok := o.runs[variantID]
	if !ok || r.state != RunRunning {
		o.mu.Unlock()
		return fmt.Errorf("agent: no active run for variant %s", variantID)
	}
	r.state = RunStopping
	cancel := r.cancel
	o.mu.Unlock()

	cancel()
	return nil
}

// Wait blocks until a variant's active run finishes. Used by tests and
// graceful shutdown.
func (o *Orchestrator) Wait(variantID string) {
	o.mu.Lock()
	r, ok := o.runs[variantID]
	o.mu.Unlock()
	if ok {
		<-r.done
	}
}

// runLoop drives the provider step loop until a terminal finish.
func (o *Orchestrator) runLoop(ctx context.Context, r *run, req SendMessageRequest, model catalog.ModelDescriptor, client ProviderClient, rt *VariantRuntime) {
	defer close(r.done)
	defer func() {
		if o.metrics != nil {
			o.metrics.ActiveRuns.Dec()
		}
	}()

	persistCtx := context.Background()

	assistant := &models.ChatMessage{
		TaskID:    req.TaskID,
		VariantID: req.VariantID,
		Role:      models.RoleAssistant,
		ModelID:   model.ID,
	}
	if err := o.store.AppendMessage(persistCtx, assistant); err != nil {
		o.logger.Error("assistant message append failed", "task_id", req.TaskID, "error", err)
		o.finishRun(req.VariantID, RunFailed)
		_ = o.store.UpdateVariantStatus(persistCtx, req.VariantID, models.VariantFailed)
		return
	}

	built, err := o.contexts.BuildOptimalContext(ctx, req.TaskID, req.VariantID, model)
	if err != nil {
		o.failRun(persistCtx, req, assistant, fmt.Sprintf("context assembly failed: %v", err))
		return
	}
	conversation := toPromptMessages(built.Messages)

	var registry *tools.Registry
	var executor *tools.Executor
	if rt != nil {
		executor = rt.Executor
		registry = rt.Executor.Registry()
	}
	processor := NewStreamProcessor(client, registry, o.logger, o.metrics)

	unflushed := 0
	emit := func(part models.MessagePart) {
		assistant.Parts = append(assistant.Parts, part)
		o.hub.Publish(req.TaskID, req.VariantID, part)
		unflushed++
		mustFlush := part.Type == models.PartToolCall ||
			part.Type == models.PartToolResult ||
			part.IsTerminal()
		if mustFlush || unflushed >= o.cfg.PersistEveryParts {
			if err := o.store.UpdateMessage(persistCtx, assistant); err != nil {
				o.logger.Warn("debounced persist failed", "message_id", assistant.ID, "error", err)
			} else {
				unflushed = 0
			}
		}
	}

	totalUsage := models.Usage{}
	finishReason := models.FinishStop
	failed := false

	for step := 0; step < o.cfg.MaxSteps; step++ {
		stepStart := time.Now()
		result, err := processor.StreamStep(ctx, &StepRequest{
			Model:       model,
			System:      o.systemPrompt(req, rt),
			Messages:    conversation,
			EnableTools: !req.DisableTools && executor != nil,
		}, emit)
		if o.metrics != nil {
			status := "success"
			switch {
			case err == ErrCancelled:
				status = "cancelled"
			case err != nil:
				status = "error"
			}
			o.metrics.LLMRequestDuration.WithLabelValues(string(model.Provider), model.ID).Observe(time.Since(stepStart).Seconds())
			o.metrics.LLMRequestCounter.WithLabelValues(string(model.Provider), model.ID, status).Inc()
		}

		if result != nil {
			totalUsage.InputTokens += result.Usage.InputTokens
			totalUsage.OutputTokens += result.Usage.OutputTokens
			totalUsage.TotalTokens += result.Usage.TotalTokens
			totalUsage.CostUSD += result.Usage.CostUSD
			if o.metrics != nil {
				o.metrics.LLMTokensUsed.WithLabelValues(string(model.Provider), model.ID, "prompt").Add(float64(result.Usage.InputTokens))
				o.metrics.LLMTokensUsed.WithLabelValues(string(model.Provider), model.ID, "completion").Add(float64(result.Usage.OutputTokens))
			}
		}

		if err != nil {
			if err == ErrCancelled || ctx.Err() != nil {
				finishReason = models.FinishCancelled
				assistant.StoppedBy = "USER"
			} else {
				o.failRun(persistCtx, req, assistant, err.Error())
				failed = true
			}
			break
		}

		if result.StopReason != StopReasonToolUse || len(result.ToolCalls) == 0 {
			finishReason = mapStopReason(result.StopReason)
			break
		}

		// Tool loop: execute each call sequentially, emit results, and
		// extend the conversation for the next step.
		assistantTurn := PromptMessage{Role: "assistant", Content: result.Text}
		resultsTurn := PromptMessage{Role: "user"}
		cancelled := false
		for _, callPart := range result.ToolCalls {
			tc := callPart.ToolCall
			assistantTurn.ToolCalls = append(assistantTurn.ToolCalls, PromptToolCall{
				ID: tc.ID, Name: tc.Name, Args: tc.Args,
			})

			execResult := executor.Execute(ctx, req.TaskID, assistant.ID, callPart)
			if ctx.Err() != nil {
				execResult = &tools.Result{
					Content: json.RawMessage(`{"error":"cancelled"}`),
					IsError: true,
					Error:   "cancelled",
				}
				cancelled = true
			}
			emit(models.NewToolResult(tc.ID, tc.Name, execResult.Content, execResult.IsError, execResult.Error))
			resultsTurn.ToolResults = append(resultsTurn.ToolResults, PromptToolResult{
				ToolCallID: tc.ID,
				Name:       tc.Name,
				Content:    string(execResult.Content),
				IsError:    execResult.IsError,
			})
			if cancelled {
				break
			}
		}
		conversation = append(conversation, assistantTurn, resultsTurn)

		if cancelled || ctx.Err() != nil {
			finishReason = models.FinishCancelled
			assistant.StoppedBy = "USER"
			break
		}
		if step == o.cfg.MaxSteps-1 {
			finishReason = models.FinishLength
		}
	}

	if failed {
		return
	}

	o.closeRun(persistCtx, req, model, rt, assistant, finishReason, totalUsage)
}

// closeRun finalizes persistence and state for a non-failed run.
func (o *Orchestrator) closeRun(ctx context.Context, req SendMessageRequest, model catalog.ModelDescriptor, rt *VariantRuntime, assistant *models.ChatMessage, reason models.FinishReason, usage models.Usage) {
	emitFinish := models.NewFinish(reason, usage)
	assistant.Parts = append(assistant.Parts, emitFinish)
	o.hub.Publish(req.TaskID, req.VariantID, emitFinish)

	assistant.Content = collectText(assistant.Parts)
	assistant.Usage = &usage
	assistant.FinishReason = reason
	if err := o.store.UpdateMessage(ctx, assistant); err != nil {
		o.logger.Error("final message persist failed", "message_id", assistant.ID, "error", err)
	}
	if usage.TotalTokens > 0 {
		if err := o.store.AddTaskTokens(ctx, req.TaskID, usage.TotalTokens); err != nil {
			o.logger.Warn("token accounting failed", "task_id", req.TaskID, "error", err)
		}
	}

	switch reason {
	case models.FinishCancelled:
		o.finishRun(req.VariantID, RunStopped)
		_ = o.store.UpdateVariantStatus(ctx, req.VariantID, models.VariantStopped)
	default:
		o.finishRun(req.VariantID, RunIdle)
		_ = o.store.UpdateVariantStatus(ctx, req.VariantID, models.VariantRunning)
		if o.prGen != nil && o.cfg.AutoPR && reason == models.FinishStop && rt != nil {
			if err := o.prGen.Generate(ctx, req.TaskID, rt.WorkspacePath, assistant, true); err != nil {
				o.logger.Warn("pr metadata generation failed", "task_id", req.TaskID, "error", err)
			}
		}
	}

	o.logger.Info("run finished",
		"task_id", req.TaskID,
		"variant_id", req.VariantID,
		"model", model.ID,
		"finish_reason", reason,
		"total_tokens", usage.TotalTokens,
	)
}

// failRun closes a run with an error part and FAILED state.
func (o *Orchestrator) failRun(ctx context.Context, req SendMessageRequest, assistant *models.ChatMessage, message string) {
	errPart := models.NewErrorPart(message)
	assistant.Parts = append(assistant.Parts, errPart)
	o.hub.Publish(req.TaskID, req.VariantID, errPart)

	assistant.FinishReason = models.FinishError
	if err := o.store.UpdateMessage(ctx, assistant); err != nil {
		o.logger.Error("error persist failed", "message_id", assistant.ID, "error", err)
	}
	o.finishRun(req.VariantID, RunFailed)
	_ = o.store.UpdateVariantStatus(ctx, req.VariantID, models.VariantFailed)

	o.logger.Error("run failed",
		"task_id", req.TaskID,
		"variant_id", req.VariantID,
		"error", message,
	)
}

func (o *Orchestrator) finishRun(variantID string, state RunState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.runs[variantID]; ok {
		r.state = state
	}
}

// systemPrompt frames the agent role and workspace for one run.
func (o *Orchestrator) systemPrompt(req SendMessageRequest, rt *VariantRuntime) string {
	workspace := ""
	if rt != nil {
		workspace = rt.WorkspacePath
	}
	return fmt.Sprintf(
		"You are an autonomous coding agent working inside a repository checkout at %s. "+
			"Use the available tools to read, search, and modify files, run commands, and track work with the todo list. "+
			"Keep edits minimal and focused on the user's request. "+
			"When you are done, summarize what changed and why.",
		workspace,
	)
}

func toPromptMessages(msgs []contextmgr.Message) []PromptMessage {
	out := make([]PromptMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, PromptMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// collectText concatenates a message's text deltas into plain content.
func collectText(parts []models.MessagePart) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Type == models.PartTextDelta && p.Text != nil {
			b.WriteString(p.Text.Delta)
		}
	}
	return b.String()
}

func mapStopReason(reason string) models.FinishReason {
	switch reason {
	case StopReasonLength:
		return models.FinishLength
	case StopReasonAborted:
		return models.FinishCancelled
	case StopReasonToolUse:
		return models.FinishToolUse
	default:
		return models.FinishStop
	}
}
