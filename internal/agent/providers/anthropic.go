// Package providers adapts vendor streaming SDKs to the agent.ProviderClient
// contract. Each adapter converts the vendor's wire events into neutral
// chunks, retries transient transport failures, and propagates context
// cancellation into the underlying stream.
package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/shadow-agent/shadow/internal/agent"
)

// maxEmptyStreamEvents bounds consecutive empty SSE events before the stream
// is treated as malformed.
const maxEmptyStreamEvents = 300

// AnthropicClient implements agent.ProviderClient on the Anthropic
// Messages streaming API.
type AnthropicClient struct {
	client     anthropic.Client
	maxRetries int
	retryDelay time.Duration
}

// AnthropicConfig configures an AnthropicClient.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	MaxRetries int
	RetryDelay time.Duration
}

// NewAnthropicClient creates an Anthropic adapter. The API key is required.
func NewAnthropicClient(config AnthropicConfig) (*AnthropicClient, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicClient{
		client:     anthropic.NewClient(options...),
		maxRetries: config.MaxRetries,
		retryDelay: config.RetryDelay,
	}, nil
}

// Name returns the provider tag used by the model registry.
func (c *AnthropicClient) Name() string { return "anthropic" }

// Stream opens one streaming step and converts its events into chunks. The
// returned channel is closed after the terminal chunk.
func (c *AnthropicClient) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.Chunk, error) {
	chunks := make(chan *agent.Chunk)

	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		var err error

		for attempt := 0; attempt <= c.maxRetries; attempt++ {
			if attempt > 0 {
				backoff := c.retryDelay * time.Duration(math.Pow(2, float64(attempt-1)))
				select {
				case <-ctx.Done():
					chunks <- &agent.Chunk{Error: ctx.Err(), Done: true}
					return
				case <-time.After(backoff):
				}
			}
			stream, err = c.createStream(ctx, req)
			if err == nil {
				break
			}
			if !isRetryableTransport(err) {
				chunks <- &agent.Chunk{
					Error: &agent.ProviderTransportError{Provider: "anthropic", Model: req.Model, Err: err},
					Done:  true,
				}
				return
			}
		}
		if err != nil {
			chunks <- &agent.Chunk{
				Error: &agent.ProviderTransportError{
					Provider: "anthropic", Model: req.Model,
					Err: fmt.Errorf("max retries exceeded: %w", err),
				},
				Done: true,
			}
			return
		}

		c.processStream(stream, req.Model, chunks)
	}()

	return chunks, nil
}

func (c *AnthropicClient) createStream(ctx context.Context, req *agent.CompletionRequest) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if req.System != "" {
		block := anthropic.TextBlockParam{Type: "text", Text: req.System}
		if req.PromptCaching {
			block.CacheControl = anthropic.CacheControlEphemeralParam{}
		}
		params.System = []anthropic.TextBlockParam{block}
	}

	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}

	if req.EnableThinking {
		budget := int64(req.ThinkingBudgetTokens)
		if budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	return c.client.Messages.NewStreaming(ctx, params), nil
}

// processStream walks the SSE event union, accumulating tool-call input
// across input_json_delta events and forwarding everything else as it
// arrives.
func (c *AnthropicClient) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], model string, chunks chan<- *agent.Chunk) {
	var currentToolCall *agent.PromptToolCall
	var currentToolInput strings.Builder
	inThinkingBlock := false
	emptyEventCount := 0

	var inputTokens, outputTokens int
	stopReason := agent.StopReasonEnd

	for stream.Next() {
		event := stream.Current()
		eventProcessed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				inputTokens = int(messageStart.Message.Usage.InputTokens)
			}
			eventProcessed = true

		case "content_block_start":
			contentBlockStart := event.AsContentBlockStart()
			contentBlock := contentBlockStart.ContentBlock

			switch contentBlock.Type {
			case "thinking":
				inThinkingBlock = true
				chunks <- &agent.Chunk{ThinkingStart: true}
				eventProcessed = true

			case "redacted_thinking":
				redacted := contentBlock.AsRedactedThinking()
				data, err := base64.StdEncoding.DecodeString(redacted.Data)
				if err != nil {
					data = []byte(redacted.Data)
				}
				chunks <- &agent.Chunk{RedactedThinking: data}
				eventProcessed = true

			case "tool_use":
				toolUse := contentBlock.AsToolUse()
				currentToolCall = &agent.PromptToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
				chunks <- &agent.Chunk{
					ToolCallStart: &agent.PromptToolCall{ID: toolUse.ID, Name: toolUse.Name},
				}
				eventProcessed = true
			}

		case "content_block_delta":
			contentBlockDelta := event.AsContentBlockDelta()
			delta := contentBlockDelta.Delta

			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &agent.Chunk{Text: delta.Text}
					eventProcessed = true
				}

			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- &agent.Chunk{Thinking: delta.Thinking}
					eventProcessed = true
				}

			case "signature_delta":
				if delta.Signature != "" {
					chunks <- &agent.Chunk{ThinkingSignature: delta.Signature}
					eventProcessed = true
				}

			case "input_json_delta":
				if delta.PartialJSON != "" && currentToolCall != nil {
					currentToolInput.WriteString(delta.PartialJSON)
					chunks <- &agent.Chunk{
						ToolCallDelta: &agent.ToolCallDelta{
							ID:    currentToolCall.ID,
							Name:  currentToolCall.Name,
							Delta: delta.PartialJSON,
						},
					}
					eventProcessed = true
				}
			}

		case "content_block_stop":
			if inThinkingBlock {
				chunks <- &agent.Chunk{ThinkingEnd: true}
				inThinkingBlock = false
				eventProcessed = true
			} else if currentToolCall != nil {
				input := currentToolInput.String()
				if input == "" {
					input = "{}"
				}
				currentToolCall.Args = json.RawMessage(input)
				chunks <- &agent.Chunk{ToolCall: currentToolCall}
				currentToolCall = nil
				eventProcessed = true
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				outputTokens = int(messageDelta.Usage.OutputTokens)
			}
			if messageDelta.Delta.StopReason != "" {
				stopReason = mapAnthropicStopReason(string(messageDelta.Delta.StopReason))
			}
			eventProcessed = true

		case "message_stop":
			chunks <- &agent.Chunk{
				Done:         true,
				StopReason:   stopReason,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			}
			return

		case "error":
			chunks <- &agent.Chunk{
				Error: &agent.ProviderTransportError{
					Provider: "anthropic", Model: model,
					Err: errors.New("stream error event"),
				},
				Done: true,
			}
			return
		}

		if eventProcessed {
			emptyEventCount = 0
		} else {
			emptyEventCount++
			if emptyEventCount >= maxEmptyStreamEvents {
				chunks <- &agent.Chunk{
					Error: &agent.ProviderTransportError{
						Provider: "anthropic", Model: model,
						Err: fmt.Errorf("malformed stream: %d consecutive empty events", emptyEventCount),
					},
					Done: true,
				}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &agent.Chunk{
			Error: &agent.ProviderTransportError{Provider: "anthropic", Model: model, Err: err},
			Done:  true,
		}
	}
}

func mapAnthropicStopReason(reason string) string {
	switch reason {
	case "tool_use":
		return agent.StopReasonToolUse
	case "max_tokens":
		return agent.StopReasonLength
	default:
		return agent.StopReasonEnd
	}
}

// convertAnthropicMessages maps prompt messages onto the Anthropic content
// block format. Tool results become user-message tool_result blocks; tool
// calls become assistant tool_use blocks.
func convertAnthropicMessages(messages []agent.PromptMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, toolResult := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(
				toolResult.ToolCallID,
				toolResult.Content,
				toolResult.IsError,
			))
		}
		for _, toolCall := range msg.ToolCalls {
			var input map[string]interface{}
			if err := json.Unmarshal(toolCall.Args, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call args for %s: %w", toolCall.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(toolCall.ID, input, toolCall.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func convertAnthropicTools(tools []agent.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", tool.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}

	return result, nil
}

// isRetryableTransport classifies transient failures worth another attempt:
// rate limits, 5xx responses, timeouts, and connection resets.
func isRetryableTransport(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()

	if strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") {
		return true
	}
	if strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "gateway timeout") {
		return true
	}
	if strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") {
		return true
	}
	if strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") {
		return true
	}
	return false
}
