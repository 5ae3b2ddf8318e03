// Package tokens estimates token counts for prompt budgeting.
//
// Counts are estimates, not exact tokenizer output. They are deterministic
// and err slightly high so that context-window budgeting stays safe.
package tokens

import (
	"strings"
	"unicode"

	"github.com/shadow-agent/shadow/pkg/models"
)

// Family-specific correction factors. Anthropic tokenizers tend to produce
// slightly more tokens per character than OpenAI's for typical code-heavy
// content.
const (
	anthropicFactor = 1.08
	openaiFactor    = 1.0

	// charsPerToken is the base heuristic for English/code text.
	charsPerToken = 4.0

	// perMessageOverhead accounts for role framing tokens per message.
	perMessageOverhead = 4
)

// Count estimates the token count of plain text for the given model.
func Count(modelID, content string) int {
	if content == "" {
		return 0
	}

	// Blend a character-based and a word-based estimate. Pure character
	// division undercounts dense punctuation; pure word counts undercount
	// long identifiers.
	chars := float64(len(content))
	words := float64(countWords(content))
	estimate := (chars/charsPerToken + words*1.3) / 2

	estimate *= familyFactor(modelID)
	n := int(estimate)
	if n < 1 {
		n = 1
	}
	return n
}

// CountParts estimates tokens for a structured part sequence by linearizing
// it the same way context assembly does.
func CountParts(modelID string, parts []models.MessagePart) int {
	if len(parts) == 0 {
		return 0
	}
	return Count(modelID, LinearizeParts(parts))
}

// CountMessage estimates the tokens one message contributes to a prompt,
// including role framing overhead.
func CountMessage(modelID string, msg *models.ChatMessage) int {
	content := msg.Content
	if len(msg.Parts) > 0 {
		content = LinearizeParts(msg.Parts)
	}
	return Count(modelID, content) + perMessageOverhead
}

// CountMessages sums CountMessage over a conversation.
func CountMessages(modelID string, msgs []*models.ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += CountMessage(modelID, m)
	}
	return total
}

// LinearizeParts flattens a structured part sequence into plain text. This
// is used for estimation and prompt construction only; persisted parts are
// never mutated.
func LinearizeParts(parts []models.MessagePart) string {
	var b strings.Builder
	for _, p := range parts {
		switch p.Type {
		case models.PartTextDelta:
			if p.Text != nil {
				b.WriteString(p.Text.Delta)
			}
		case models.PartToolCall:
			if p.ToolCall != nil {
				b.WriteString("\n[Tool Call: ")
				b.WriteString(p.ToolCall.Name)
				b.WriteString("] args=")
				b.Write(p.ToolCall.Args)
				b.WriteString("\n")
			}
		case models.PartToolResult:
			if p.ToolResult != nil {
				b.WriteString("[Tool Result: ")
				b.WriteString(p.ToolResult.Name)
				b.WriteString("] ")
				if p.ToolResult.IsError {
					b.WriteString("error: ")
					b.WriteString(p.ToolResult.Error)
				} else {
					b.Write(p.ToolResult.Result)
				}
				b.WriteString("\n")
			}
		}
		// Reasoning and framing parts are not sent back to providers.
	}
	return b.String()
}

func familyFactor(modelID string) float64 {
	if strings.HasPrefix(modelID, "claude") {
		return anthropicFactor
	}
	return openaiFactor
}

func countWords(s string) int {
	n := 0
	inWord := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			n++
			inWord = true
		}
	}
	return n
}
