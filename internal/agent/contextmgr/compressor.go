// Package contextmgr assembles provider conversations under per-model token
// budgets. It linearizes persisted message parts into prompt text, applies
// tiered summarization to older messages, and reports compression usage.
package contextmgr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shadow-agent/shadow/internal/observability"
	"github.com/shadow-agent/shadow/internal/tokens"
	"github.com/shadow-agent/shadow/pkg/models"
)

// Summarizer produces a compressed rendition of message content. It is one
// non-streaming model call.
type Summarizer interface {
	Summarize(ctx context.Context, modelID, system, prompt string) (string, error)
}

// CompressorStore persists computed compression levels.
type CompressorStore interface {
	SaveCompressedVersion(ctx context.Context, messageID string, level models.CompressionLevel, version models.CompressedVersion) error
}

// Level-specific prompt pairs. LIGHT keeps enough structure to continue the
// task; HEAVY keeps only what happened and where things ended up.
const (
	lightSystemPrompt = `You compress conversation messages from a coding agent session. ` +
		`Produce a structured summary of 10 to 14 sentences. Preserve every tool call ` +
		`with its arguments, all file paths, search queries, counts, and outcomes. ` +
		`Embed code blocks only when they are 20 lines or shorter. Do not invent detail.`

	lightUserPrompt = `Summarize the following message, preserving tool calls, file paths, queries, counts, and outcomes:

%s`

	heavySystemPrompt = `You compress conversation messages from a coding agent session. ` +
		`Produce 4 to 6 sentences covering only the decisive actions taken, the key ` +
		`files and commands involved, and the final status. Omit code and incidental detail.`

	heavyUserPrompt = `Compress the following message to its decisive actions, key files/commands, and final status:

%s`
)

// Compressor computes and persists per-message compression levels.
type Compressor struct {
	store           CompressorStore
	summarizerModel string
	logger          *slog.Logger
	metrics         *observability.Metrics
}

// NewCompressor creates a compressor. summarizerModel is the model id used
// for summarization calls.
func NewCompressor(store CompressorStore, summarizerModel string, logger *slog.Logger, metrics *observability.Metrics) *Compressor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compressor{
		store:           store,
		summarizerModel: summarizerModel,
		logger:          logger,
		metrics:         metrics,
	}
}

// EnsureLevel returns the compressed version of msg at the given level,
// computing and persisting it on first use. Idempotent per (message, level):
// an existing version is returned without re-invoking the summarizer.
//
// On summarizer failure the original content is returned alongside the
// error; the caller proceeds uncompressed and nothing is persisted.
func (c *Compressor) EnsureLevel(ctx context.Context, msg *models.ChatMessage, level models.CompressionLevel, summarizer Summarizer) (models.CompressedVersion, error) {
	if existing, ok := msg.CompressedVersions[level]; ok {
		return existing, nil
	}

	original := messageText(msg)
	system, user, err := promptsFor(level, original)
	if err != nil {
		return models.CompressedVersion{Content: original}, err
	}

	summary, err := summarizer.Summarize(ctx, c.summarizerModel, system, user)
	if err != nil {
		c.logger.Warn("compression failed",
			"message_id", msg.ID,
			"level", level,
			"error", err,
		)
		if c.metrics != nil {
			c.metrics.CompressionFailures.WithLabelValues(string(level)).Inc()
		}
		return models.CompressedVersion{
			Content: original,
			Tokens:  tokens.Count(c.summarizerModel, original),
		}, fmt.Errorf("contextmgr: summarize %s at %s: %w", msg.ID, level, err)
	}

	version := models.CompressedVersion{
		Content:      summary,
		Tokens:       tokens.Count(c.summarizerModel, summary),
		CompressedAt: time.Now().UTC(),
	}
	if err := c.store.SaveCompressedVersion(ctx, msg.ID, level, version); err != nil {
		return version, fmt.Errorf("contextmgr: persist %s level for %s: %w", level, msg.ID, err)
	}
	if msg.CompressedVersions == nil {
		msg.CompressedVersions = map[models.CompressionLevel]models.CompressedVersion{}
	}
	msg.CompressedVersions[level] = version
	return version, nil
}

func promptsFor(level models.CompressionLevel, original string) (system, user string, err error) {
	switch level {
	case models.CompressionLight:
		return lightSystemPrompt, fmt.Sprintf(lightUserPrompt, original), nil
	case models.CompressionHeavy:
		return heavySystemPrompt, fmt.Sprintf(heavyUserPrompt, original), nil
	default:
		return "", "", fmt.Errorf("contextmgr: no prompt pair for level %q", level)
	}
}

// messageText flattens a message for summarization input, parts first.
func messageText(msg *models.ChatMessage) string {
	if len(msg.Parts) > 0 {
		return tokens.LinearizeParts(msg.Parts)
	}
	return msg.Content
}
