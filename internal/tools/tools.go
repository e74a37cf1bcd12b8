// Package tools maps tool names to executors. Each tool declares a JSON
// schema for its input; Execute validates, runs, and returns a Result. A
// tool error is data, not a failure — it flows back to the model as an
// error tool_result.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/animusworks/animus/internal/llm"
	"github.com/animusworks/animus/internal/otel"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Error types carried on Result.ErrorType.
const (
	ErrorTypeUnknownTool  = "unknown_tool"
	ErrorTypeInvalidInput = "invalid_input"
	ErrorTypeExecution    = "execution_error"
	ErrorTypeTimeout      = "timeout"
	ErrorTypeBlocked      = "blocked"
)

// AuthContext identifies the focus on whose behalf a tool runs. Sandbox
// SDK calls carry the same context as direct calls.
type AuthContext struct {
	FocusID    string
	WorkItemID string
	Faculty    string
	Skill      string
	// Depth is the work item's ancestry depth. The built-in tools do not
	// read it; spawn_child_work looks the depth up in the store.
	Depth int
}

// Result is the outcome of one tool execution.
type Result struct {
	Content   string         `json:"content"`
	IsError   bool           `json:"is_error"`
	ErrorType string         `json:"error_type,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Errorf builds an error result.
func Errorf(errorType, format string, args ...any) *Result {
	return &Result{
		Content:   fmt.Sprintf(format, args...),
		IsError:   true,
		ErrorType: errorType,
	}
}

// Handler executes one validated tool call.
type Handler func(ctx context.Context, input json.RawMessage, auth AuthContext) (*Result, error)

// Tool couples a definition with its executor.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     Handler

	compiled *jsonschema.Schema
}

// Registry maps tool name to executor.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{tools: make(map[string]*Tool), logger: logger}
}

// Register adds a tool, compiling its input schema. Re-registering a name
// replaces the previous tool.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name must be non-empty")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s: handler must be set", t.Name)
	}
	if t.InputSchema == nil {
		t.InputSchema = map[string]any{"type": "object"}
	}

	raw, err := json.Marshal(t.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %s: marshal schema: %w", t.Name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("tool %s: parse schema: %w", t.Name, err)
	}
	compiler := jsonschema.NewCompiler()
	resource := fmt.Sprintf("animus://tools/%s.json", t.Name)
	if err := compiler.AddResource(resource, doc); err != nil {
		return fmt.Errorf("tool %s: add schema resource: %w", t.Name, err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", t.Name, err)
	}
	t.compiled = compiled

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = &t
	return nil
}

// Names lists registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Definitions returns the llm-facing definitions of the named tools,
// skipping unknown names. With no names, all tools are returned.
func (r *Registry) Definitions(names ...string) []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(names) == 0 {
		names = make([]string, 0, len(r.tools))
		for name := range r.tools {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	var out []llm.ToolDefinition
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		out = append(out, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out
}

// Execute validates the input and runs the named tool. Unknown names,
// invalid input and handler errors come back as error results; a handler
// error under a cancelled context comes back as a timeout error result.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage, auth AuthContext) *Result {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		otel.ToolExecution(ctx, name, true)
		return Errorf(ErrorTypeUnknownTool, "unknown tool %q", name)
	}

	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		otel.ToolExecution(ctx, name, true)
		return Errorf(ErrorTypeInvalidInput, "tool %s: input is not valid JSON: %v", name, err)
	}
	if err := t.compiled.Validate(decoded); err != nil {
		otel.ToolExecution(ctx, name, true)
		return Errorf(ErrorTypeInvalidInput, "tool %s: %v", name, err)
	}

	result, err := t.Handler(ctx, input, auth)
	if err != nil {
		if ctx.Err() != nil {
			// Cooperative cancellation: surface as an error result so the
			// pairing invariant holds, tagged for the loop.
			otel.ToolExecution(ctx, name, true)
			return Errorf(ErrorTypeTimeout, "tool %s: %v", name, ctx.Err())
		}
		r.logger.Warn("tool execution failed", "tool", name, "work_item_id", auth.WorkItemID, "error", err)
		otel.ToolExecution(ctx, name, true)
		return Errorf(ErrorTypeExecution, "tool %s: %v", name, err)
	}
	if result == nil {
		result = &Result{Content: ""}
	}
	otel.ToolExecution(ctx, name, result.IsError)
	return result
}
