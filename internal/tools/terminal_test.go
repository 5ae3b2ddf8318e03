package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestRunTerminalCmd(t *testing.T) {
	ws := t.TempDir()
	writeWorkspaceFile(t, ws, "marker.txt", "present\n")

	var sunk []TerminalEntry
	tool := NewRunTerminalCmdTool(ws, 5*time.Second, func(e TerminalEntry) { sunk = append(sunk, e) })
	ctx := context.Background()

	res, err := tool.Execute(ctx, json.RawMessage(`{"command":"cat marker.txt","is_background":false}`))
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Output   string `json:"output"`
		ExitCode int    `json:"exit_code"`
	}
	decodeResult(t, res, &out)
	if !strings.Contains(out.Output, "present") || out.ExitCode != 0 {
		t.Fatalf("unexpected result: %+v", out)
	}

	// Non-zero exit is a tool error carrying the captured output.
	res, err = tool.Execute(ctx, json.RawMessage(`{"command":"echo boom >&2; exit 3","is_background":false}`))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("non-zero exit should be a tool error")
	}
	var failed struct {
		Output   string `json:"output"`
		ExitCode int    `json:"exit_code"`
	}
	if jsonErr := json.Unmarshal(res.Content, &failed); jsonErr != nil {
		t.Fatal(jsonErr)
	}
	if failed.ExitCode != 3 || !strings.Contains(failed.Output, "boom") {
		t.Fatalf("unexpected failure payload: %+v", failed)
	}

	history := tool.History()
	if len(history) != 2 || len(sunk) != 2 {
		t.Fatalf("history = %d entries, sink = %d, want 2/2", len(history), len(sunk))
	}
	tool.ClearHistory()
	if len(tool.History()) != 0 {
		t.Fatal("ClearHistory should drop entries")
	}
}

func TestRunTerminalCmdTimeout(t *testing.T) {
	tool := NewRunTerminalCmdTool(t.TempDir(), 100*time.Millisecond, nil)
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"sleep 5","is_background":false}`))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(res.Error, "timed out") {
		t.Fatalf("expected timeout error, got %+v", res)
	}
}

func TestRunTerminalCmdBackground(t *testing.T) {
	tool := NewRunTerminalCmdTool(t.TempDir(), time.Second, nil)
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"sleep 0.1","is_background":true}`))
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Background bool `json:"background"`
		PID        int  `json:"pid"`
	}
	decodeResult(t, res, &out)
	if !out.Background || out.PID <= 0 {
		t.Fatalf("unexpected background result: %+v", out)
	}
}
