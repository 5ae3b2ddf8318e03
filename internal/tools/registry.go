package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/shadow-agent/shadow/internal/config"
)

// Registry holds the closed tool set for one variant run, with compiled
// JSON schemas for argument validation.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool and compiles its schema. Registering the same name
// twice is an error; the tool set is closed after construction.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tools: %s already registered", name)
	}
	compiled, err := jsonschema.CompileString("tool_"+name, string(t.Schema()))
	if err != nil {
		return fmt.Errorf("tools: compile schema for %s: %w", name, err)
	}
	r.tools[name] = t
	r.schemas[name] = compiled
	return nil
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, &UnknownToolError{ToolName: name}
	}
	return t, nil
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Validate checks tool-call arguments against the tool's compiled schema.
// A schema violation returns *ValidationError with a repair suggestion; an
// unregistered name returns *UnknownToolError.
func (r *Registry) Validate(toolCallID, name string, args json.RawMessage) error {
	r.mu.RLock()
	compiled, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return &UnknownToolError{ToolName: name}
	}

	var payload any
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(args, &payload); err != nil {
		return &ValidationError{
			ToolName:   name,
			ToolCallID: toolCallID,
			Args:       args,
			Detail:     fmt.Sprintf("arguments are not valid JSON: %v", err),
			Suggestion: "emit a well-formed JSON object matching the tool schema",
		}
	}
	if err := compiled.Validate(payload); err != nil {
		return &ValidationError{
			ToolName:   name,
			ToolCallID: toolCallID,
			Args:       args,
			Detail:     err.Error(),
			Suggestion: fmt.Sprintf("call %s again with arguments that satisfy its schema", name),
		}
	}
	return nil
}

// Deps carries the external collaborators tool construction needs.
type Deps struct {
	Workspace string
	TaskID    string
	Todos     TodoStore
	TodoSink  TodoSink
	Searcher  SemanticSearcher
	Namespace string
	Terminal  TerminalSink
}

// NewDefaultRegistry builds the closed tool set for one variant workspace.
func NewDefaultRegistry(cfg config.ToolsConfig, deps Deps) (*Registry, error) {
	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := NewRegistry()
	set := []Tool{
		NewReadFileTool(deps.Workspace),
		NewEditFileTool(deps.Workspace),
		NewSearchReplaceTool(deps.Workspace),
		NewDeleteFileTool(deps.Workspace),
		NewListDirTool(deps.Workspace),
		NewFileSearchTool(deps.Workspace, cfg.MaxSearchResults),
		NewGrepSearchTool(deps.Workspace, cfg.MaxSearchResults),
		NewCodebaseSearchTool(deps.Searcher, deps.Namespace, 10),
		NewRunTerminalCmdTool(deps.Workspace, timeout, deps.Terminal),
		NewTodoWriteTool(deps.Todos, deps.TaskID, deps.TodoSink),
	}
	for _, t := range set {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}
