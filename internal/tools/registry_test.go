package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmill-ai/taskmill"
)

func newEchoTool(name string) *GoToolAdapter {
	return NewGoToolAdapter(name,
		func(ctx context.Context, input map[string]any) (map[string]any, error) {
			return map[string]any{"echo": input["message"]}, nil
		},
		WithDescription("Echoes its input."),
		WithParameters(map[string]string{"message": "What to echo"}),
	)
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	registry := NewRegistry(nil)
	require.NoError(t, registry.Register(newEchoTool("echo")))

	tool, ok := registry.Get("echo")
	require.True(t, ok)
	assert.Equal(t, "echo", tool.Name())

	err := registry.Register(newEchoTool("echo"))
	assert.Error(t, err, "duplicate registration must fail")
}

func TestRegistry_NamesSorted(t *testing.T) {
	registry := NewRegistry(map[string]taskmill.Tool{
		"zeta":  newEchoTool("zeta"),
		"alpha": newEchoTool("alpha"),
	})
	assert.Equal(t, []string{"alpha", "zeta"}, registry.Names())
}

func TestRegistry_Descriptors(t *testing.T) {
	registry := NewRegistry(map[string]taskmill.Tool{
		"b": newEchoTool("b"),
		"a": newEchoTool("a"),
	})

	descriptors := registry.Descriptors()
	require.Len(t, descriptors, 2)
	assert.Equal(t, "a", descriptors[0].Name)
	assert.Equal(t, "b", descriptors[1].Name)
	assert.Equal(t, "Echoes its input.", descriptors[0].Description)
	assert.Contains(t, descriptors[0].InputSchema, "message")
}

func TestRegistry_InvokeSuccess(t *testing.T) {
	registry := NewRegistry(map[string]taskmill.Tool{"echo": newEchoTool("echo")})

	result := registry.Invoke(context.Background(), taskmill.ToolCall{
		ID: "c1", Name: "echo", Arguments: map[string]any{"message": "hi"},
	})
	assert.False(t, result.IsError)
	assert.Equal(t, "c1", result.CallID)
	assert.JSONEq(t, `{"echo": "hi"}`, result.Content)
}

func TestRegistry_InvokeUnknownTool(t *testing.T) {
	registry := NewRegistry(nil)

	result := registry.Invoke(context.Background(), taskmill.ToolCall{ID: "c1", Name: "ghost"})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "ghost")
	assert.Contains(t, result.Content, "not found")
}

func TestRegistry_InvokeValidationFailure(t *testing.T) {
	tool := NewGoToolAdapter("strict",
		func(ctx context.Context, input map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		},
		WithValidator(func(input map[string]any) error {
			return errors.New("input rejected")
		}),
	)
	registry := NewRegistry(map[string]taskmill.Tool{"strict": tool})

	result := registry.Invoke(context.Background(), taskmill.ToolCall{ID: "c1", Name: "strict"})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "input rejected")
}

func TestRegistry_InvokeHandlerFailure(t *testing.T) {
	tool := NewGoToolAdapter("broken",
		func(ctx context.Context, input map[string]any) (map[string]any, error) {
			return nil, errors.New("kaboom")
		},
	)
	registry := NewRegistry(map[string]taskmill.Tool{"broken": tool})

	result := registry.Invoke(context.Background(), taskmill.ToolCall{ID: "c1", Name: "broken"})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "kaboom")
}

func TestBuiltinCalculate(t *testing.T) {
	builtins := SetupTools()
	calc, ok := builtins["calculate"]
	require.True(t, ok)

	output, err := calc.Execute(context.Background(), map[string]any{"expression": "(1+2)*3"})
	require.NoError(t, err)
	assert.Equal(t, float64(9), output["output"])

	_, err = calc.Execute(context.Background(), map[string]any{"expression": "1/("})
	assert.Error(t, err)
}
