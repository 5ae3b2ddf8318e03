package agent

import (
	"context"
	"fmt"
	"strings"
)

// ProviderSummarizer implements contextmgr.Summarizer over a ProviderClient
// by collecting the text of one tool-free streaming call.
type ProviderSummarizer struct {
	Client ProviderClient
}

// Summarize runs one completion and concatenates its text output.
func (s *ProviderSummarizer) Summarize(ctx context.Context, modelID, system, prompt string) (string, error) {
	chunks, err := s.Client.Stream(ctx, &CompletionRequest{
		Model:  modelID,
		System: system,
		Messages: []PromptMessage{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		if chunk.Text != "" {
			b.WriteString(chunk.Text)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", fmt.Errorf("agent: summarizer returned no content")
	}
	return out, nil
}
