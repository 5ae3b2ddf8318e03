package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shadow-agent/shadow/internal/observability"
	"github.com/shadow-agent/shadow/pkg/models"
)

// truncationSuffix marks tool output that was cut to fit the size bound.
const truncationSuffix = "\n...[output truncated]"

// CallStore records tool-call rows. The row is written before the tool runs
// and updated when it completes.
type CallStore interface {
	CreateToolCall(ctx context.Context, call *models.ToolCall) error
	UpdateToolCall(ctx context.Context, toolCallID string, status models.ToolStatus, result json.RawMessage, errMsg string) error
}

// Executor runs validated tool calls against one variant's registry.
// Executions are serialized per executor so file mutations keep their order;
// independent variants use independent executors.
type Executor struct {
	registry *Registry
	store    CallStore
	maxBytes int
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu sync.Mutex
}

// NewExecutor creates an executor over a registry. store may be nil when
// tool-call rows are not recorded (tests).
func NewExecutor(registry *Registry, store CallStore, maxResultBytes int, logger *slog.Logger, metrics *observability.Metrics) *Executor {
	if maxResultBytes <= 0 {
		maxResultBytes = 64 * 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		store:    store,
		maxBytes: maxResultBytes,
		logger:   logger,
		metrics:  metrics,
	}
}

// Registry returns the executor's tool registry.
func (e *Executor) Registry() *Registry { return e.registry }

// Execute validates and runs one tool call, returning a structured result.
// Tool failures come back inside the Result, never as an error; the model is
// expected to react to them in the next step.
func (e *Executor) Execute(ctx context.Context, taskID, messageID string, call models.MessagePart) *Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	tc := call.ToolCall
	if tc == nil {
		return errorResult("not a tool-call part")
	}

	if err := e.registry.Validate(tc.ID, tc.Name, tc.Args); err != nil {
		e.count(tc.Name, "error")
		return errorResult("%v", err)
	}
	tool, err := e.registry.Get(tc.Name)
	if err != nil {
		e.count(tc.Name, "error")
		return errorResult("%v", err)
	}

	record := &models.ToolCall{
		ID:         uuid.NewString(),
		ToolCallID: tc.ID,
		TaskID:     taskID,
		MessageID:  messageID,
		Name:       tc.Name,
		Args:       tc.Args,
		Status:     models.ToolRunning,
		CreatedAt:  time.Now().UTC(),
	}
	if e.store != nil {
		if err := e.store.CreateToolCall(ctx, record); err != nil {
			e.logger.Warn("tool call record failed", "tool", tc.Name, "error", err)
		}
	}

	start := time.Now()
	result, execErr := tool.Execute(ctx, tc.Args)
	elapsed := time.Since(start)
	if execErr != nil {
		result = errorResult("tool infrastructure failure: %v", execErr)
	}
	result = e.truncate(result)

	status := models.ToolSuccess
	metricStatus := "success"
	if result.IsError {
		status = models.ToolError
		metricStatus = "error"
	}
	if e.store != nil {
		if err := e.store.UpdateToolCall(ctx, tc.ID, status, result.Content, result.Error); err != nil {
			e.logger.Warn("tool call update failed", "tool", tc.Name, "error", err)
		}
	}

	e.count(tc.Name, metricStatus)
	if e.metrics != nil {
		e.metrics.ToolExecutionDuration.WithLabelValues(tc.Name).Observe(elapsed.Seconds())
	}
	e.logger.Debug("tool executed",
		"tool", tc.Name,
		"tool_call_id", tc.ID,
		"status", status,
		"duration", elapsed,
	)
	return result
}

func (e *Executor) count(tool, status string) {
	if e.metrics != nil {
		e.metrics.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	}
}

// truncate bounds an oversized result, keeping valid JSON by re-wrapping the
// clipped content as a string field.
func (e *Executor) truncate(r *Result) *Result {
	if r == nil {
		return errorResult("tool returned no result")
	}
	if len(r.Content) <= e.maxBytes {
		return r
	}
	clipped := string(r.Content[:e.maxBytes]) + truncationSuffix
	return &Result{
		Content: mustJSON(map[string]any{
			"truncated": true,
			"content":   clipped,
		}),
		IsError: r.IsError,
		Error:   r.Error,
	}
}
