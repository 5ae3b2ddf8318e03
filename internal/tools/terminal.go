package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TerminalEntry is one recorded command invocation, replayable to clients
// via the real-time channel.
type TerminalEntry struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	Output    string    `json:"output"`
	ExitCode  int       `json:"exit_code"`
	Timestamp time.Time `json:"timestamp"`
}

// TerminalSink receives command output entries as they complete.
type TerminalSink func(entry TerminalEntry)

// RunTerminalCmdTool executes shell commands inside the workspace with a
// hard timeout. Cancellation kills the process group with SIGKILL.
type RunTerminalCmdTool struct {
	workspace string
	timeout   time.Duration
	sink      TerminalSink

	mu      sync.Mutex
	history []TerminalEntry
}

// NewRunTerminalCmdTool creates a run_terminal_cmd tool scoped to the
// workspace. sink may be nil.
func NewRunTerminalCmdTool(workspace string, timeout time.Duration, sink TerminalSink) *RunTerminalCmdTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RunTerminalCmdTool{workspace: workspace, timeout: timeout, sink: sink}
}

func (t *RunTerminalCmdTool) Name() string { return "run_terminal_cmd" }

func (t *RunTerminalCmdTool) Description() string {
	return "Run a shell command inside the workspace. Foreground commands are bounded by a timeout; background commands return immediately."
}

func (t *RunTerminalCmdTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "The shell command to execute."},
			"is_background": {"type": "boolean", "description": "Run without waiting for completion."}
		},
		"required": ["command", "is_background"],
		"additionalProperties": false
	}`)
}

// History returns recorded terminal entries in order.
func (t *RunTerminalCmdTool) History() []TerminalEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TerminalEntry, len(t.history))
	copy(out, t.history)
	return out
}

// ClearHistory drops recorded entries.
func (t *RunTerminalCmdTool) ClearHistory() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = nil
}

func (t *RunTerminalCmdTool) record(entry TerminalEntry) {
	t.mu.Lock()
	t.history = append(t.history, entry)
	t.mu.Unlock()
	if t.sink != nil {
		t.sink(entry)
	}
}

func (t *RunTerminalCmdTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var args struct {
		Command      string `json:"command"`
		IsBackground bool   `json:"is_background"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return errorResult("invalid parameters: %v", err), nil
	}
	if args.Command == "" {
		return errorResult("command is required"), nil
	}

	if args.IsBackground {
		return t.executeBackground(args.Command)
	}
	return t.executeForeground(ctx, args.Command)
}

func (t *RunTerminalCmdTool) executeForeground(ctx context.Context, command string) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = t.workspace

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	err := cmd.Run()

	entry := TerminalEntry{
		ID:        newEntryID(),
		Command:   command,
		Output:    output.String(),
		Timestamp: start,
	}
	if cmd.ProcessState != nil {
		entry.ExitCode = cmd.ProcessState.ExitCode()
	}
	t.record(entry)

	switch {
	case ctx.Err() != nil:
		// The run was cancelled: the process received SIGKILL via
		// CommandContext.
		return errorResult("cancelled"), nil
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return errorResult("command timed out after %s", t.timeout), nil
	case err != nil:
		return &Result{
			Content: mustJSON(map[string]any{
				"command":   command,
				"output":    entry.Output,
				"exit_code": entry.ExitCode,
			}),
			IsError: true,
			Error:   err.Error(),
		}, nil
	}

	return jsonResult(map[string]any{
		"command":   command,
		"output":    entry.Output,
		"exit_code": entry.ExitCode,
	}), nil
}

func (t *RunTerminalCmdTool) executeBackground(command string) (*Result, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = t.workspace

	if err := cmd.Start(); err != nil {
		return errorResult("start background command: %v", err), nil
	}
	pid := cmd.Process.Pid

	// Reap the process so it does not linger as a zombie.
	go func() {
		_ = cmd.Wait()
	}()

	t.record(TerminalEntry{
		ID:        newEntryID(),
		Command:   command + " &",
		Output:    "(running in background)",
		Timestamp: time.Now(),
	})

	return jsonResult(map[string]any{
		"command":    command,
		"background": true,
		"pid":        pid,
	}), nil
}

func newEntryID() string {
	return uuid.NewString()
}
