package tokens

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/shadow-agent/shadow/pkg/models"
)

func TestCountEmpty(t *testing.T) {
	if got := Count("gpt-4o", ""); got != 0 {
		t.Errorf("Count(empty) = %d, want 0", got)
	}
}

func TestCountDeterministic(t *testing.T) {
	text := "The quick brown fox jumps over the lazy dog."
	a := Count("gpt-4o", text)
	b := Count("gpt-4o", text)
	if a != b {
		t.Errorf("Count not deterministic: %d != %d", a, b)
	}
	if a < 5 || a > 20 {
		t.Errorf("Count(%q) = %d, outside plausible range", text, a)
	}
}

func TestCountFamilyFactor(t *testing.T) {
	text := strings.Repeat("some moderately long content with identifiers ", 20)
	anthropic := Count("claude-sonnet-4-20250514", text)
	openai := Count("gpt-4o", text)
	if anthropic <= openai {
		t.Errorf("anthropic estimate %d should exceed openai estimate %d", anthropic, openai)
	}
}

func TestCountScalesWithLength(t *testing.T) {
	short := Count("gpt-4o", "hello world")
	long := Count("gpt-4o", strings.Repeat("hello world ", 100))
	if long <= short {
		t.Errorf("longer content should count more tokens: short=%d long=%d", short, long)
	}
}

func TestLinearizeParts(t *testing.T) {
	parts := []models.MessagePart{
		models.NewTextDelta("Listing files. "),
		models.NewToolCall("call_1", "list_dir", json.RawMessage(`{"relative_workspace_path":"src"}`)),
		models.NewToolResult("call_1", "list_dir", json.RawMessage(`{"entries":["[file] main.go"]}`), false, ""),
		models.NewTextDelta("Done."),
	}
	got := LinearizeParts(parts)
	for _, want := range []string{
		"Listing files. ",
		"[Tool Call: list_dir] args={\"relative_workspace_path\":\"src\"}",
		"[Tool Result: list_dir] {\"entries\":[\"[file] main.go\"]}",
		"Done.",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("linearized output missing %q\ngot: %s", want, got)
		}
	}
}

func TestLinearizeSkipsReasoning(t *testing.T) {
	parts := []models.MessagePart{
		models.NewReasoningDelta("thinking hard"),
		models.NewTextDelta("answer"),
	}
	got := LinearizeParts(parts)
	if strings.Contains(got, "thinking hard") {
		t.Errorf("reasoning content must not appear in linearized output: %s", got)
	}
	if got != "answer" {
		t.Errorf("LinearizeParts = %q, want %q", got, "answer")
	}
}

func TestCountMessageIncludesOverhead(t *testing.T) {
	msg := &models.ChatMessage{Role: models.RoleUser, Content: "hi"}
	if got := CountMessage("gpt-4o", msg); got <= perMessageOverhead {
		t.Errorf("CountMessage = %d, want > %d", got, perMessageOverhead)
	}
}
