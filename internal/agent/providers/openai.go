package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/shadow-agent/shadow/internal/agent"
)

// OpenAIClient implements agent.ProviderClient on the OpenAI chat
// completions streaming API.
type OpenAIClient struct {
	client     *openai.Client
	maxRetries int
	retryDelay time.Duration
}

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	MaxRetries int
	RetryDelay time.Duration
}

// NewOpenAIClient creates an OpenAI adapter. The API key is required.
func NewOpenAIClient(config OpenAIConfig) (*OpenAIClient, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	var client *openai.Client
	if config.BaseURL != "" {
		clientConfig := openai.DefaultConfig(config.APIKey)
		clientConfig.BaseURL = config.BaseURL
		client = openai.NewClientWithConfig(clientConfig)
	} else {
		client = openai.NewClient(config.APIKey)
	}

	return &OpenAIClient{
		client:     client,
		maxRetries: config.MaxRetries,
		retryDelay: config.RetryDelay,
	}, nil
}

// Name returns the provider tag used by the model registry.
func (c *OpenAIClient) Name() string { return "openai" }

// Stream opens one streaming step. Unlike Anthropic, the system prompt is
// injected as the leading message; OpenAI has no separate system channel
// with cache metadata.
func (c *OpenAIClient) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.Chunk, error) {
	messages := convertOpenAIMessages(req.Messages, req.System)

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxCompletionTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = c.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !isRetryableTransport(lastErr) {
			return nil, &agent.ProviderTransportError{Provider: "openai", Model: req.Model, Err: lastErr}
		}
	}
	if lastErr != nil {
		return nil, &agent.ProviderTransportError{
			Provider: "openai", Model: req.Model,
			Err: fmt.Errorf("max retries exceeded: %w", lastErr),
		}
	}

	chunks := make(chan *agent.Chunk)
	go c.processStream(ctx, stream, req.Model, chunks)
	return chunks, nil
}

// processStream accumulates tool-call fragments by choice index and flushes
// finalized calls when the finish reason arrives or the stream drains.
func (c *OpenAIClient) processStream(ctx context.Context, stream *openai.ChatCompletionStream, model string, chunks chan<- *agent.Chunk) {
	defer close(chunks)
	defer stream.Close()

	type pendingCall struct {
		id   string
		name string
		args []byte
	}
	toolCalls := make(map[int]*pendingCall)
	order := []int{}
	announced := make(map[int]bool)

	var inputTokens, outputTokens int
	stopReason := agent.StopReasonEnd

	flush := func() {
		for _, idx := range order {
			tc := toolCalls[idx]
			if tc == nil || tc.id == "" || tc.name == "" {
				continue
			}
			args := tc.args
			if len(args) == 0 {
				args = []byte("{}")
			}
			chunks <- &agent.Chunk{
				ToolCall: &agent.PromptToolCall{ID: tc.id, Name: tc.name, Args: json.RawMessage(args)},
			}
		}
		toolCalls = make(map[int]*pendingCall)
		order = order[:0]
		announced = make(map[int]bool)
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &agent.Chunk{Error: ctx.Err(), Done: true, StopReason: agent.StopReasonAborted}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				chunks <- &agent.Chunk{
					Done:         true,
					StopReason:   stopReason,
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
				}
				return
			}
			chunks <- &agent.Chunk{
				Error: &agent.ProviderTransportError{Provider: "openai", Model: model, Err: err},
				Done:  true,
			}
			return
		}

		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			chunks <- &agent.Chunk{Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			pending := toolCalls[index]
			if pending == nil {
				pending = &pendingCall{}
				toolCalls[index] = pending
				order = append(order, index)
			}
			if tc.ID != "" {
				pending.id = tc.ID
			}
			if tc.Function.Name != "" {
				pending.name = tc.Function.Name
			}
			if pending.id != "" && pending.name != "" && !announced[index] {
				announced[index] = true
				chunks <- &agent.Chunk{
					ToolCallStart: &agent.PromptToolCall{ID: pending.id, Name: pending.name},
				}
			}
			if tc.Function.Arguments != "" {
				pending.args = append(pending.args, tc.Function.Arguments...)
				if announced[index] {
					chunks <- &agent.Chunk{
						ToolCallDelta: &agent.ToolCallDelta{
							ID:    pending.id,
							Name:  pending.name,
							Delta: tc.Function.Arguments,
						},
					}
				}
			}
		}

		switch choice.FinishReason {
		case openai.FinishReasonToolCalls:
			stopReason = agent.StopReasonToolUse
			flush()
		case openai.FinishReasonLength:
			stopReason = agent.StopReasonLength
		case openai.FinishReasonStop:
			stopReason = agent.StopReasonEnd
		}
	}
}

// convertOpenAIMessages injects the system prompt as the first message and
// expands tool results into separate "tool" role messages.
func convertOpenAIMessages(messages []agent.PromptMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		oaiMsg := openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
		if len(msg.ToolCalls) > 0 {
			oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				}
			}
		}
		// A turn that exists only to carry tool results has no message of
		// its own in the OpenAI shape.
		if oaiMsg.Content != "" || len(oaiMsg.ToolCalls) > 0 {
			result = append(result, oaiMsg)
		}

		for _, tr := range msg.ToolResults {
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    tr.Content,
				ToolCallID: tr.ToolCallID,
			})
		}
	}

	return result
}

func convertOpenAITools(tools []agent.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Schema,
			},
		}
	}
	return result
}
