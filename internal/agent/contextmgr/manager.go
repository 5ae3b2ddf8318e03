package contextmgr

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shadow-agent/shadow/internal/catalog"
	"github.com/shadow-agent/shadow/internal/observability"
	"github.com/shadow-agent/shadow/internal/tokens"
	"github.com/shadow-agent/shadow/pkg/models"
)

// Store is the read side the manager needs.
type Store interface {
	ListVariantMessages(ctx context.Context, taskID, variantID string) ([]*models.ChatMessage, error)
	ListMessages(ctx context.Context, taskID string) ([]*models.ChatMessage, error)
}

// Message is one flattened conversation turn ready for prompt construction.
type Message struct {
	Role    string
	Content string
}

// Stats reports the token effect of context assembly.
type Stats struct {
	UncompressedTokens int `json:"uncompressed_tokens"`
	CompressedTokens   int `json:"compressed_tokens"`
	Savings            int `json:"savings"`
}

// BuiltContext is an assembled provider conversation plus its stats.
type BuiltContext struct {
	Messages []Message
	Stats    Stats

	// WindowOnly marks a conversation whose sliding window alone exceeds
	// the target; the call is still attempted with the window.
	WindowOnly bool
}

// UsageReport backs the context usage endpoint.
type UsageReport struct {
	TaskID               string         `json:"taskId"`
	Model                string         `json:"model"`
	TotalMessages        int            `json:"totalMessages"`
	TotalTokens          int            `json:"totalTokens"`
	TokenLimit           int            `json:"tokenLimit"`
	CompressionThreshold float64        `json:"compressionThreshold"`
	UsagePercentage      float64        `json:"usagePercentage"`
	CompressionActive    bool           `json:"compressionActive"`
	CompressedMessages   int            `json:"compressedMessages"`
	CompressionBreakdown map[string]int `json:"compressionBreakdown"`
}

// Manager assembles conversations under the model's compression target.
type Manager struct {
	store      Store
	compressor *Compressor
	summarizer Summarizer
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewManager creates a context manager. summarizer may be nil, in which case
// over-budget conversations fall straight through to dropping.
func NewManager(store Store, compressor *Compressor, summarizer Summarizer, logger *slog.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:      store,
		compressor: compressor,
		summarizer: summarizer,
		logger:     logger,
		metrics:    metrics,
	}
}

// contextEntry is one conversation message during assembly.
type contextEntry struct {
	msg    *models.ChatMessage
	role   string
	text   string // current rendition (original or compressed)
	tokens int
}

// BuildOptimalContext assembles the conversation for one provider step.
//
// Older messages outside the sliding window are summarized level by level
// (LIGHT then HEAVY) and finally dropped oldest-first until the total fits
// floor(tokenLimit * threshold). The sliding window is never compressed or
// dropped. Linearization happens only here; persisted parts are untouched.
func (m *Manager) BuildOptimalContext(ctx context.Context, taskID, variantID string, model catalog.ModelDescriptor) (*BuiltContext, error) {
	entries, err := m.loadEntries(ctx, taskID, variantID, model.ID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return &BuiltContext{}, nil
	}

	target := model.Compression.Target()
	uncompressed := totalTokens(entries)

	if uncompressed <= target {
		return &BuiltContext{
			Messages: toMessages(entries),
			Stats:    Stats{UncompressedTokens: uncompressed, CompressedTokens: uncompressed},
		}, nil
	}

	window := model.Compression.SlidingWindow
	if window < 1 {
		window = 1
	}
	split := len(entries) - window
	if split < 0 {
		split = 0
	}
	older, recent := entries[:split], entries[split:]

	// Tier 1 and 2: summarize older messages, recounting between levels.
	for _, level := range []models.CompressionLevel{models.CompressionLight, models.CompressionHeavy} {
		if totalTokens(older)+totalTokens(recent) <= target {
			break
		}
		if m.summarizer == nil || m.compressor == nil {
			break
		}
		for _, entry := range older {
			version, err := m.compressor.EnsureLevel(ctx, entry.msg, level, m.summarizer)
			if err != nil {
				// Best effort: keep the current rendition and move on.
				continue
			}
			compressedTokens := tokens.Count(model.ID, version.Content) + 4
			if compressedTokens < entry.tokens {
				entry.text = version.Content
				entry.tokens = compressedTokens
			}
		}
	}

	// Tier 3: drop oldest-first. The window itself is untouchable.
	for len(older) > 0 && totalTokens(older)+totalTokens(recent) > target {
		older = older[1:]
	}

	compressed := totalTokens(older) + totalTokens(recent)
	windowOnly := false
	if compressed > target {
		windowOnly = true
		m.logger.Warn("context window exceeds target, sending window only",
			"task_id", taskID,
			"model", model.ID,
			"tokens", compressed,
			"target", target,
		)
	}

	savings := uncompressed - compressed
	if savings < 0 {
		savings = 0
	}
	if m.metrics != nil && savings > 0 {
		m.metrics.CompressionSavings.WithLabelValues(model.ID).Add(float64(savings))
	}

	return &BuiltContext{
		Messages: toMessages(append(older, recent...)),
		Stats: Stats{
			UncompressedTokens: uncompressed,
			CompressedTokens:   compressed,
			Savings:            savings,
		},
		WindowOnly: windowOnly,
	}, nil
}

// Usage reports pre-compression token pressure for a task against a model.
func (m *Manager) Usage(ctx context.Context, taskID string, model catalog.ModelDescriptor) (*UsageReport, error) {
	msgs, err := m.store.ListMessages(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("contextmgr: load messages for %s: %w", taskID, err)
	}

	total := 0
	compressedCount := 0
	breakdown := map[string]int{}
	for _, msg := range msgs {
		if !isConversationRole(msg.Role) {
			continue
		}
		total += tokens.CountMessage(model.ID, msg)
		if len(msg.CompressedVersions) > 0 {
			compressedCount++
			for level := range msg.CompressedVersions {
				breakdown[string(level)]++
			}
		}
	}

	target := model.Compression.Target()
	usagePct := 0.0
	if target > 0 {
		usagePct = float64(total) / float64(target) * 100
	}

	return &UsageReport{
		TaskID:               taskID,
		Model:                model.ID,
		TotalMessages:        len(msgs),
		TotalTokens:          total,
		TokenLimit:           model.Compression.TokenLimit,
		CompressionThreshold: model.Compression.Threshold,
		UsagePercentage:      usagePct,
		CompressionActive:    total > target,
		CompressedMessages:   compressedCount,
		CompressionBreakdown: breakdown,
	}, nil
}

func (m *Manager) loadEntries(ctx context.Context, taskID, variantID, modelID string) ([]*contextEntry, error) {
	var msgs []*models.ChatMessage
	var err error
	if variantID != "" {
		msgs, err = m.store.ListVariantMessages(ctx, taskID, variantID)
	} else {
		msgs, err = m.store.ListMessages(ctx, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("contextmgr: load messages for %s: %w", taskID, err)
	}

	entries := make([]*contextEntry, 0, len(msgs))
	for _, msg := range msgs {
		if !isConversationRole(msg.Role) {
			continue
		}
		text := msg.Content
		if len(msg.Parts) > 0 {
			text = tokens.LinearizeParts(msg.Parts)
		}
		if text == "" {
			continue
		}
		entries = append(entries, &contextEntry{
			msg:    msg,
			role:   providerRole(msg.Role),
			text:   text,
			tokens: tokens.Count(modelID, text) + 4,
		})
	}
	return entries, nil
}

// isConversationRole filters to USER|ASSISTANT|TOOL; SYSTEM messages are
// supplied by the orchestrator per step, not replayed from history.
func isConversationRole(role models.Role) bool {
	switch role {
	case models.RoleUser, models.RoleAssistant, models.RoleTool:
		return true
	}
	return false
}

// providerRole folds TOOL messages into the assistant turn. This reshaping
// exists only in the assembled prompt, never in storage.
func providerRole(role models.Role) string {
	if role == models.RoleUser {
		return "user"
	}
	return "assistant"
}

func totalTokens(entries []*contextEntry) int {
	total := 0
	for _, e := range entries {
		total += e.tokens
	}
	return total
}

func toMessages(entries []*contextEntry) []Message {
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, Message{Role: e.role, Content: e.text})
	}
	return out
}
