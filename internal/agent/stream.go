package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shadow-agent/shadow/internal/catalog"
	"github.com/shadow-agent/shadow/internal/observability"
	"github.com/shadow-agent/shadow/internal/tools"
	"github.com/shadow-agent/shadow/pkg/models"
)

// DefaultMaxSteps caps provider steps per run. Reaching the cap closes the
// run with finish reason "length".
const DefaultMaxSteps = 64

// maxRepairAttempts bounds corrective calls for invalid tool arguments.
const maxRepairAttempts = 1

// StepRequest describes one provider step for the stream processor.
type StepRequest struct {
	Model       catalog.ModelDescriptor
	System      string
	Messages    []PromptMessage
	EnableTools bool
	MaxTokens   int
}

// StepResult summarizes a completed step.
type StepResult struct {
	StopReason string
	Usage      models.Usage

	// ToolCalls are the finalized, validated calls the orchestrator must
	// execute before the next step. Order matches emission order.
	ToolCalls []models.MessagePart

	// Text is the concatenated assistant text of this step.
	Text string
}

// StreamProcessor adapts one provider step into the normalized part
// sequence. It owns validation and the tool-call repair path; the step loop
// and tool execution belong to the orchestrator.
type StreamProcessor struct {
	provider ProviderClient
	registry *tools.Registry
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewStreamProcessor creates a processor over one provider client. registry
// may be nil when tools are disabled.
func NewStreamProcessor(provider ProviderClient, registry *tools.Registry, logger *slog.Logger, metrics *observability.Metrics) *StreamProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamProcessor{
		provider: provider,
		registry: registry,
		logger:   logger,
		metrics:  metrics,
	}
}

// StreamStep runs one provider step, emitting normalized parts in order.
// The finish part is NOT emitted here; the orchestrator closes the run once
// the step loop ends. Cancellation of ctx unwinds the provider stream;
// already-emitted parts remain valid.
//
// For reasoning-capable models without native reasoning events, a synthetic
// reasoning part opens the step and a reasoning-signature part is emitted on
// the first text delta, so consumers can render a discrete thought block.
// Tool calls between the two do not close the block.
func (p *StreamProcessor) StreamStep(ctx context.Context, req *StepRequest, emit func(models.MessagePart)) (*StepResult, error) {
	creq := &CompletionRequest{
		Model:         req.Model.ID,
		System:        req.System,
		Messages:      req.Messages,
		MaxTokens:     req.MaxTokens,
		PromptCaching: req.Model.SupportsPromptCaching,
	}
	if req.Model.SupportsInterleaved && req.Model.ThinkingBudgetTokens > 0 {
		creq.EnableThinking = true
		creq.ThinkingBudgetTokens = req.Model.ThinkingBudgetTokens
	}
	if req.EnableTools && p.registry != nil && req.Model.SupportsToolUse {
		creq.Tools = p.toolDefinitions()
	}

	chunks, err := p.provider.Stream(ctx, creq)
	if err != nil {
		return nil, err
	}

	syntheticReasoning := catalog.IsReasoningModel(req.Model)
	signaturePending := false
	if syntheticReasoning {
		emit(models.NewReasoningDelta(""))
		signaturePending = true
	}

	result := &StepResult{StopReason: StopReasonEnd}
	var text []byte

	for chunk := range chunks {
		select {
		case <-ctx.Done():
			result.StopReason = StopReasonAborted
			return result, ErrCancelled
		default:
		}

		switch {
		case chunk.Error != nil:
			if errors.Is(chunk.Error, context.Canceled) {
				result.StopReason = StopReasonAborted
				return result, ErrCancelled
			}
			return result, chunk.Error

		case chunk.Text != "":
			if signaturePending {
				emit(models.NewReasoningSignature(""))
				signaturePending = false
			}
			text = append(text, chunk.Text...)
			emit(models.NewTextDelta(chunk.Text))
			p.countPart(models.PartTextDelta)

		case chunk.Thinking != "":
			emit(models.NewReasoningDelta(chunk.Thinking))
			p.countPart(models.PartReasoning)

		case chunk.ThinkingSignature != "":
			emit(models.NewReasoningSignature(chunk.ThinkingSignature))
			p.countPart(models.PartReasoningSignature)

		case len(chunk.RedactedThinking) > 0:
			emit(models.NewRedactedReasoning(chunk.RedactedThinking))
			p.countPart(models.PartRedactedReasoning)

		case chunk.ToolCallStart != nil:
			emit(models.NewToolCallStart(chunk.ToolCallStart.ID, chunk.ToolCallStart.Name))
			p.countPart(models.PartToolCallStart)

		case chunk.ToolCallDelta != nil:
			emit(models.NewToolCallDelta(chunk.ToolCallDelta.ID, chunk.ToolCallDelta.Name, chunk.ToolCallDelta.Delta))
			p.countPart(models.PartToolCallDelta)

		case chunk.ToolCall != nil:
			part, err := p.finalizeToolCall(ctx, req, chunk.ToolCall)
			if err != nil {
				return result, err
			}
			emit(part)
			p.countPart(models.PartToolCall)
			result.ToolCalls = append(result.ToolCalls, part)

		case chunk.Done:
			result.StopReason = chunk.StopReason
			result.Usage = models.Usage{
				InputTokens:  chunk.InputTokens,
				OutputTokens: chunk.OutputTokens,
				TotalTokens:  chunk.InputTokens + chunk.OutputTokens,
				CostUSD:      catalog.EstimateCost(req.Model, chunk.InputTokens, chunk.OutputTokens),
			}
			if len(result.ToolCalls) > 0 && result.StopReason == StopReasonEnd {
				result.StopReason = StopReasonToolUse
			}
		}
	}

	result.Text = string(text)
	return result, nil
}

// finalizeToolCall validates a provider tool call and, for schema failures,
// runs the repair path. Unknown tools pass through unrepaired; the executor
// turns them into an error result the model can react to.
func (p *StreamProcessor) finalizeToolCall(ctx context.Context, req *StepRequest, call *PromptToolCall) (models.MessagePart, error) {
	if p.registry == nil {
		return models.NewToolCall(call.ID, call.Name, call.Args), nil
	}

	err := p.registry.Validate(call.ID, call.Name, call.Args)
	if err == nil {
		return models.NewToolCall(call.ID, call.Name, call.Args), nil
	}

	var verr *tools.ValidationError
	if !errors.As(err, &verr) {
		// Unknown tool: surfaced to the model via the executor.
		return models.NewToolCall(call.ID, call.Name, call.Args), nil
	}

	repaired, repairErr := p.repairToolCall(ctx, req, verr)
	if repairErr != nil {
		p.logger.Warn("tool call repair failed",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"error", repairErr,
		)
		// Emit the original invalid call; the executor reports the
		// validation error back to the model.
		return models.NewToolCall(call.ID, call.Name, call.Args), nil
	}

	p.logger.Debug("tool call repaired", "tool", call.Name, "tool_call_id", call.ID)
	// The repaired call keeps the original id so result correlation holds.
	return models.NewToolCall(call.ID, call.Name, repaired.Args), nil
}

// repairToolCall issues a corrective follow-up step: the original
// conversation plus the validation error, asking for the same call with
// valid arguments. The first matching tool call in the response wins.
func (p *StreamProcessor) repairToolCall(ctx context.Context, req *StepRequest, verr *tools.ValidationError) (*PromptToolCall, error) {
	correction := fmt.Sprintf(
		"Your call to the tool %q (id %s) had invalid arguments: %s\nArguments were: %s\n%s\nCall %q again with schema-valid arguments.",
		verr.ToolName, verr.ToolCallID, verr.Detail, string(verr.Args), verr.Suggestion, verr.ToolName,
	)

	messages := make([]PromptMessage, 0, len(req.Messages)+1)
	messages = append(messages, req.Messages...)
	messages = append(messages, PromptMessage{Role: "user", Content: correction})

	var lastErr error
	for attempt := 0; attempt < maxRepairAttempts; attempt++ {
		chunks, err := p.provider.Stream(ctx, &CompletionRequest{
			Model:    req.Model.ID,
			System:   req.System,
			Messages: messages,
			Tools:    p.toolDefinitions(),
		})
		if err != nil {
			lastErr = err
			continue
		}

		var repaired *PromptToolCall
		for chunk := range chunks {
			if chunk.Error != nil {
				lastErr = chunk.Error
				break
			}
			if repaired == nil && chunk.ToolCall != nil && chunk.ToolCall.Name == verr.ToolName {
				if p.registry.Validate(verr.ToolCallID, chunk.ToolCall.Name, chunk.ToolCall.Args) == nil {
					repaired = chunk.ToolCall
				}
			}
		}
		if repaired != nil {
			return repaired, nil
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("repair response contained no valid %s call", verr.ToolName)
		}
	}
	return nil, lastErr
}

func (p *StreamProcessor) toolDefinitions() []ToolDefinition {
	defs := []ToolDefinition{}
	for _, tool := range p.registry.List() {
		defs = append(defs, ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	return defs
}

func (p *StreamProcessor) countPart(t models.PartType) {
	if p.metrics != nil {
		p.metrics.PartsEmitted.WithLabelValues(string(t)).Inc()
	}
}
