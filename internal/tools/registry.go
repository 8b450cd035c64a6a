// Package tools holds the capability registry the conversational executor
// dispatches tool calls through.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/taskmill-ai/taskmill"
)

// Registry maps tool names to executable handlers. Dispatch is by name lookup;
// a miss produces a named tool error, never a panic.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]taskmill.Tool
}

// NewRegistry creates a registry seeded with the given tools.
func NewRegistry(initial map[string]taskmill.Tool) *Registry {
	tools := make(map[string]taskmill.Tool, len(initial))
	for name, tool := range initial {
		tools[name] = tool
	}
	return &Registry{tools: tools}
}

// Register adds a tool under its own name.
func (r *Registry) Register(tool taskmill.Tool) error {
	if tool == nil || tool.Name() == "" {
		return taskmill.NewConfigurationError("tool must have a name", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; exists {
		return taskmill.NewConfigurationError(fmt.Sprintf("tool '%s' already registered", tool.Name()), nil)
	}
	r.tools[tool.Name()] = tool
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (taskmill.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns all registered tool names in lexical order.
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

// Schemas returns a map of tool names to their full schemas, suitable for use
// in planner prompts.
func (r *Registry) Schemas() map[string]map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make(map[string]map[string]any, len(r.tools))
	for name, tool := range r.tools {
		schemas[name] = tool.Schema()
	}
	return schemas
}

// Descriptors returns the tool descriptors handed to the responder, in lexical
// name order.
func (r *Registry) Descriptors() []taskmill.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	descriptors := make([]taskmill.ToolDescriptor, 0, len(names))
	for _, name := range names {
		schema := r.tools[name].Schema()
		descriptor := taskmill.ToolDescriptor{Name: name}
		if desc, ok := schema["description"].(string); ok {
			descriptor.Description = desc
		}
		if params, ok := schema["parameters"].(map[string]any); ok {
			descriptor.InputSchema = params
		}
		descriptors = append(descriptors, descriptor)
	}
	return descriptors
}

// Invoke executes one tool call and normalizes the result. Unknown tools,
// invalid arguments, and handler failures are returned as error results, not
// Go errors: they are conversation context for the responder, never fatal to
// the task.
func (r *Registry) Invoke(ctx context.Context, call taskmill.ToolCall) taskmill.ToolCallResult {
	tool, ok := r.Get(call.Name)
	if !ok {
		err := taskmill.NewToolNotFoundError("conversation", call.Name)
		return errorResult(call, err)
	}

	if err := tool.Validate(call.Arguments); err != nil {
		return errorResult(call, taskmill.NewToolExecutionError("conversation", call.Name, err))
	}

	output, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		if !taskmill.IsEngineError(err) {
			err = taskmill.NewToolExecutionError("conversation", call.Name, err)
		}
		return errorResult(call, err)
	}

	content, err := json.Marshal(output)
	if err != nil {
		return errorResult(call, taskmill.NewToolExecutionError("conversation", call.Name,
			fmt.Errorf("tool output is not serializable: %w", err)))
	}

	return taskmill.ToolCallResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: string(content),
	}
}

func errorResult(call taskmill.ToolCall, err error) taskmill.ToolCallResult {
	return taskmill.ToolCallResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: err.Error(),
		IsError: true,
	}
}
