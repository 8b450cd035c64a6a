package tools

import (
	"context"
	"fmt"

	"github.com/taskmill-ai/taskmill"
)

// ToolFunc is the function shape adapted into a taskmill.Tool.
type ToolFunc func(ctx context.Context, input map[string]any) (map[string]any, error)

// GoToolAdapter wraps a plain Go function as a registrable tool.
type GoToolAdapter struct {
	name        string
	fn          ToolFunc
	description string
	category    string
	parameters  map[string]string
	returns     string
	examples    []string
	validator   func(input map[string]any) error
}

// AdapterOption configures a GoToolAdapter.
type AdapterOption func(*GoToolAdapter)

// WithDescription sets the tool description exposed to planner and responder.
func WithDescription(description string) AdapterOption {
	return func(a *GoToolAdapter) {
		a.description = description
	}
}

// WithCategory sets an optional grouping category.
func WithCategory(category string) AdapterOption {
	return func(a *GoToolAdapter) {
		a.category = category
	}
}

// WithParameters documents the tool's named parameters.
func WithParameters(parameters map[string]string) AdapterOption {
	return func(a *GoToolAdapter) {
		a.parameters = parameters
	}
}

// WithReturns documents the tool's return value.
func WithReturns(returns string) AdapterOption {
	return func(a *GoToolAdapter) {
		a.returns = returns
	}
}

// WithExamples adds usage examples to the schema.
func WithExamples(examples []string) AdapterOption {
	return func(a *GoToolAdapter) {
		a.examples = examples
	}
}

// WithValidator sets an input validator invoked before execution.
func WithValidator(validator func(input map[string]any) error) AdapterOption {
	return func(a *GoToolAdapter) {
		a.validator = validator
	}
}

// NewGoToolAdapter creates a tool from a Go function.
func NewGoToolAdapter(name string, fn ToolFunc, options ...AdapterOption) *GoToolAdapter {
	a := &GoToolAdapter{
		name: name,
		fn:   fn,
	}
	for _, option := range options {
		option(a)
	}
	return a
}

var _ taskmill.Tool = (*GoToolAdapter)(nil)

// Execute runs the wrapped function.
func (a *GoToolAdapter) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	if a.fn == nil {
		return nil, fmt.Errorf("tool '%s' has no handler", a.name)
	}
	return a.fn(ctx, input)
}

// Schema returns the tool's schema map.
func (a *GoToolAdapter) Schema() map[string]any {
	schema := map[string]any{
		"description": a.description,
	}
	if a.category != "" {
		schema["category"] = a.category
	}
	if len(a.parameters) > 0 {
		params := make(map[string]any, len(a.parameters))
		for name, desc := range a.parameters {
			params[name] = desc
		}
		schema["parameters"] = params
	}
	if a.returns != "" {
		schema["returns"] = a.returns
	}
	if len(a.examples) > 0 {
		schema["examples"] = a.examples
	}
	return schema
}

// Validate checks the input using the configured validator, if any.
func (a *GoToolAdapter) Validate(input map[string]any) error {
	if a.validator == nil {
		return nil
	}
	return a.validator(input)
}

// Name returns the tool's name.
func (a *GoToolAdapter) Name() string {
	return a.name
}
