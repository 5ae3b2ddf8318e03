package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// maxFullReadLines caps read_file output even when the entire file was
// requested, to keep results bounded.
const maxFullReadLines = 2000

// ReadFileTool returns a slice of a file with 1-indexed line numbering.
type ReadFileTool struct {
	resolver Resolver
}

// NewReadFileTool creates a read_file tool scoped to the workspace.
func NewReadFileTool(workspace string) *ReadFileTool {
	return &ReadFileTool{resolver: Resolver{Root: workspace}}
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file. Returns 1-indexed numbered lines; partial reads record the omitted ranges."
}

func (t *ReadFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"target_file": {"type": "string", "description": "Path to the file, relative to the workspace root."},
			"should_read_entire_file": {"type": "boolean", "description": "Whether to read the whole file."},
			"start_line": {"type": "integer", "minimum": 1, "description": "1-indexed first line to read."},
			"end_line": {"type": "integer", "minimum": 1, "description": "1-indexed last line to read (inclusive)."}
		},
		"required": ["target_file", "should_read_entire_file"],
		"additionalProperties": false
	}`)
}

type readFileArgs struct {
	TargetFile     string `json:"target_file"`
	ReadEntireFile bool   `json:"should_read_entire_file"`
	StartLine      int    `json:"start_line"`
	EndLine        int    `json:"end_line"`
}

type readFileResult struct {
	File       string `json:"file"`
	Content    string `json:"content"`
	TotalLines int    `json:"total_lines"`
	StartLine  int    `json:"start_line"`
	EndLine    int    `json:"end_line"`
	// Omitted notes ranges not included in a partial read.
	Omitted string `json:"omitted,omitempty"`
}

func (t *ReadFileTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var args readFileArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return errorResult("invalid parameters: %v", err), nil
	}

	resolved, err := t.resolver.Resolve(args.TargetFile)
	if err != nil {
		return errorResult("%v", err), nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return errorResult("read %s: %v", args.TargetFile, err), nil
	}

	lines := strings.Split(string(data), "\n")
	// A trailing newline produces one empty phantom line.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	total := len(lines)

	start, end := 1, total
	if !args.ReadEntireFile {
		if args.StartLine > 0 {
			start = args.StartLine
		}
		if args.EndLine > 0 {
			end = args.EndLine
		}
	}
	if end > total {
		end = total
	}
	if start > end && total > 0 {
		return errorResult("start_line %d is beyond end_line %d", start, end), nil
	}
	if end-start+1 > maxFullReadLines {
		end = start + maxFullReadLines - 1
	}

	var b strings.Builder
	for i := start; i <= end && i-1 < total; i++ {
		fmt.Fprintf(&b, "%d | %s\n", i, lines[i-1])
	}

	res := readFileResult{
		File:       args.TargetFile,
		Content:    b.String(),
		TotalLines: total,
		StartLine:  start,
		EndLine:    end,
	}
	var omitted []string
	if start > 1 {
		omitted = append(omitted, fmt.Sprintf("lines 1-%d", start-1))
	}
	if end < total {
		omitted = append(omitted, fmt.Sprintf("lines %d-%d", end+1, total))
	}
	if len(omitted) > 0 {
		res.Omitted = strings.Join(omitted, ", ")
	}
	return jsonResult(res), nil
}
