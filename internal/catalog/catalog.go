// Package catalog holds the static model registry and per-model context
// compression settings. The registry is a process-wide read-only table
// initialized at startup; there is no hidden mutation.
package catalog

import (
	"errors"
	"fmt"
)

// ErrUnknownModel is returned when a model id is not registered.
var ErrUnknownModel = errors.New("catalog: unknown model")

// Provider identifies a model's API family.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// Pricing holds rough cost hints in USD per million tokens.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Compression holds the per-model context compression policy. The context
// manager keeps total prompt tokens at or below
// floor(TokenLimit * Threshold).
type Compression struct {
	// TokenLimit is the absolute token budget for this model's prompts.
	TokenLimit int

	// Threshold is the fraction of TokenLimit that triggers compression.
	Threshold float64

	// SlidingWindow is the number of recent messages kept verbatim.
	SlidingWindow int
}

// Target returns the compression target in tokens.
func (c Compression) Target() int {
	return int(float64(c.TokenLimit) * c.Threshold)
}

// ModelDescriptor describes a registered model and its capabilities.
type ModelDescriptor struct {
	ID                    string
	Name                  string
	Provider              Provider
	ContextWindow         int
	SupportsToolUse       bool
	SupportsInterleaved   bool // interleaved reasoning blocks in the stream
	SupportsPromptCaching bool
	ReasoningEffort       string // default effort for reasoning models, "" if n/a
	ThinkingBudgetTokens  int    // extended thinking budget, 0 if n/a
	Pricing               Pricing
	Compression           Compression
}

var registry = map[string]ModelDescriptor{
	"claude-sonnet-4-20250514": {
		ID:                    "claude-sonnet-4-20250514",
		Name:                  "Claude Sonnet 4",
		Provider:              ProviderAnthropic,
		ContextWindow:         200000,
		SupportsToolUse:       true,
		SupportsInterleaved:   true,
		SupportsPromptCaching: true,
		ThinkingBudgetTokens:  10000,
		Pricing:               Pricing{InputPerMTok: 3, OutputPerMTok: 15},
		Compression:           Compression{TokenLimit: 200000, Threshold: 0.8, SlidingWindow: 10},
	},
	"claude-opus-4-20250514": {
		ID:                    "claude-opus-4-20250514",
		Name:                  "Claude Opus 4",
		Provider:              ProviderAnthropic,
		ContextWindow:         200000,
		SupportsToolUse:       true,
		SupportsInterleaved:   true,
		SupportsPromptCaching: true,
		ThinkingBudgetTokens:  16000,
		Pricing:               Pricing{InputPerMTok: 15, OutputPerMTok: 75},
		Compression:           Compression{TokenLimit: 200000, Threshold: 0.8, SlidingWindow: 10},
	},
	"claude-3-5-haiku-20241022": {
		ID:              "claude-3-5-haiku-20241022",
		Name:            "Claude 3.5 Haiku",
		Provider:        ProviderAnthropic,
		ContextWindow:   200000,
		SupportsToolUse: true,
		Pricing:         Pricing{InputPerMTok: 0.8, OutputPerMTok: 4},
		Compression:     Compression{TokenLimit: 200000, Threshold: 0.8, SlidingWindow: 8},
	},
	"gpt-5": {
		ID:                  "gpt-5",
		Name:                "GPT-5",
		Provider:            ProviderOpenAI,
		ContextWindow:       272000,
		SupportsToolUse:     true,
		SupportsInterleaved: false,
		ReasoningEffort:     "medium",
		Pricing:             Pricing{InputPerMTok: 1.25, OutputPerMTok: 10},
		Compression:         Compression{TokenLimit: 272000, Threshold: 0.8, SlidingWindow: 10},
	},
	"gpt-5-mini": {
		ID:              "gpt-5-mini",
		Name:            "GPT-5 Mini",
		Provider:        ProviderOpenAI,
		ContextWindow:   272000,
		SupportsToolUse: true,
		ReasoningEffort: "low",
		Pricing:         Pricing{InputPerMTok: 0.25, OutputPerMTok: 2},
		Compression:     Compression{TokenLimit: 272000, Threshold: 0.8, SlidingWindow: 8},
	},
	"gpt-4o": {
		ID:              "gpt-4o",
		Name:            "GPT-4o",
		Provider:        ProviderOpenAI,
		ContextWindow:   128000,
		SupportsToolUse: true,
		Pricing:         Pricing{InputPerMTok: 2.5, OutputPerMTok: 10},
		Compression:     Compression{TokenLimit: 128000, Threshold: 0.8, SlidingWindow: 8},
	},
	"gpt-4o-mini": {
		ID:              "gpt-4o-mini",
		Name:            "GPT-4o Mini",
		Provider:        ProviderOpenAI,
		ContextWindow:   128000,
		SupportsToolUse: true,
		Pricing:         Pricing{InputPerMTok: 0.15, OutputPerMTok: 0.6},
		Compression:     Compression{TokenLimit: 128000, Threshold: 0.8, SlidingWindow: 8},
	},
}

// Resolve returns the descriptor for a model id.
func Resolve(modelID string) (ModelDescriptor, error) {
	d, ok := registry[modelID]
	if !ok {
		return ModelDescriptor{}, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	return d, nil
}

// Models returns all registered descriptors.
func Models() []ModelDescriptor {
	out := make([]ModelDescriptor, 0, len(registry))
	for _, d := range registry {
		out = append(out, d)
	}
	return out
}

// IsReasoningModel reports whether a model needs synthetic reasoning framing
// around its text output (reasoning-capable models without native reasoning
// stream events).
func IsReasoningModel(d ModelDescriptor) bool {
	return d.ReasoningEffort != "" && !d.SupportsInterleaved
}

// EstimateCost returns a rough USD cost for the given usage.
func EstimateCost(d ModelDescriptor, inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1e6*d.Pricing.InputPerMTok +
		float64(outputTokens)/1e6*d.Pricing.OutputPerMTok
}
